package orch

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
)

// onSendMessage forwards ephemeral chat text. Unknown targets are dropped.
func (o *Orchestrator) onSendMessage(p *domain.Player, data json.RawMessage) error {
	var in core.SendMessagePayload
	if err := decode(data, &in); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if _, ok := o.Registry.Get(in.TargetID); !ok {
		log.Debug().Str("module", "orch").Str("conn", string(p.ID)).Str("target", string(in.TargetID)).Msg("message for unknown target")
		return nil
	}
	name := in.SenderName
	if name == "" {
		name = p.Name
	}
	ts := in.Timestamp
	if ts == 0 {
		ts = o.loop.Now().UnixMilli()
	}
	o.Send(in.TargetID, core.EvReceiveMessage, core.ReceiveMessage{
		SenderID:   p.ID,
		SenderName: name,
		Text:       in.Text,
		Timestamp:  ts,
	})
	return nil
}

// onSignal forwards a WebRTC payload verbatim and lets the coordinator see
// what kind of payload it was.
func (o *Orchestrator) onSignal(p *domain.Player, data json.RawMessage) error {
	var in core.SignalPayload
	if err := decode(data, &in); err != nil {
		return fmt.Errorf("signal: %w", err)
	}
	if _, ok := o.Registry.Get(in.TargetID); !ok {
		log.Debug().Str("module", "orch").Str("conn", string(p.ID)).Str("target", string(in.TargetID)).Msg("signal for unknown target")
		return nil
	}
	o.Send(in.TargetID, core.EvSignal, core.RelayedSignal{SenderID: p.ID, Signal: in.Signal})

	kind := core.SignalUnknown
	if o.classifier != nil {
		kind = o.classifier.Classify(in.Signal)
	}
	o.Interactions.ObserveSignal(p.ID, in.TargetID, kind)
	return nil
}
