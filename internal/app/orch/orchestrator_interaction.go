package orch

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
)

func (o *Orchestrator) onRequestInteraction(p *domain.Player, data json.RawMessage) error {
	var in core.RequestInteractionPayload
	if err := decode(data, &in); err != nil {
		return fmt.Errorf("request interaction: %w", err)
	}
	o.Interactions.Request(p.ID, in.TargetID, in.Kind)
	return nil
}

func (o *Orchestrator) onRespondToRequest(p *domain.Player, data json.RawMessage) error {
	var in core.RespondToRequestPayload
	if err := decode(data, &in); err != nil {
		return fmt.Errorf("respond to request: %w", err)
	}
	o.Interactions.Respond(p.ID, in.RequesterID, in.Accepted)
	return nil
}

func (o *Orchestrator) onEndInteraction(p *domain.Player, _ json.RawMessage) error {
	o.Interactions.End(p.ID)
	return nil
}
