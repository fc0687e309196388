// Package rtc understands just enough WebRTC to tell relayed signal
// payloads apart. Media never passes through this server.
package rtc

import (
	"encoding/json"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/core"
)

// Classifier maps browser signal payloads onto core.SignalKind:
// {type:"offer"|"answer", sdp} or {type:"candidate", candidate:{...}}.
type Classifier struct{}

var _ core.SignalClassifier = Classifier{}

func (Classifier) Classify(raw json.RawMessage) core.SignalKind {
	var head struct {
		Type      string          `json:"type"`
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return core.SignalUnknown
	}

	if head.Type == "candidate" || (head.Type == "" && len(head.Candidate) > 0) {
		if _, ok := parseCandidate(head.Candidate); ok {
			return core.SignalCandidate
		}
		return core.SignalUnknown
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		log.Debug().Str("module", "rtc").Str("type", head.Type).Err(err).Msg("unrecognised signal")
		return core.SignalUnknown
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return core.SignalUnknown
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		return core.SignalOffer
	case webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer:
		return core.SignalAnswer
	default:
		return core.SignalUnknown
	}
}

// parseCandidate accepts the nested RTCIceCandidateInit object. A null
// candidate marks end-of-candidates and is still a candidate message.
func parseCandidate(raw json.RawMessage) (webrtc.ICECandidateInit, bool) {
	var init webrtc.ICECandidateInit
	if len(raw) == 0 {
		return init, false
	}
	if string(raw) == "null" {
		return init, true
	}
	if err := json.Unmarshal(raw, &init); err != nil {
		return init, false
	}
	return init, true
}
