package orch

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
)

func (o *Orchestrator) onSendFriendRequest(p *domain.Player, data json.RawMessage) error {
	var in core.SendFriendRequestPayload
	if err := decode(data, &in); err != nil {
		return fmt.Errorf("send friend request: %w", err)
	}
	o.Social.SendFriendRequest(p.ID, in.TargetUID)
	return nil
}

func (o *Orchestrator) onRespondToFriendRequest(p *domain.Player, data json.RawMessage) error {
	var in core.RespondToFriendRequestPayload
	if err := decode(data, &in); err != nil {
		return fmt.Errorf("respond to friend request: %w", err)
	}
	o.Social.RespondToFriendRequest(p.ID, in.RequesterUID, in.Accepted)
	return nil
}

func (o *Orchestrator) onOpenFriendChat(p *domain.Player, data json.RawMessage) error {
	var in core.OpenFriendChatPayload
	if err := decode(data, &in); err != nil {
		return fmt.Errorf("open friend chat: %w", err)
	}
	o.Social.OpenFriendChat(p.ID, in.FriendUID)
	return nil
}

func (o *Orchestrator) onGetFriendChatHistory(p *domain.Player, data json.RawMessage) error {
	var in core.OpenFriendChatPayload
	if err := decode(data, &in); err != nil {
		return fmt.Errorf("friend chat history: %w", err)
	}
	o.Social.FriendChatHistory(p.ID, in.FriendUID)
	return nil
}

func (o *Orchestrator) onSendFriendMessage(p *domain.Player, data json.RawMessage) error {
	var in core.SendFriendMessagePayload
	if err := decode(data, &in); err != nil {
		return fmt.Errorf("send friend message: %w", err)
	}
	o.Social.SendFriendMessage(p.ID, in.FriendUID, in.Message)
	return nil
}

func (o *Orchestrator) onGetFriendsList(p *domain.Player, _ json.RawMessage) error {
	o.Social.FriendsList(p.ID)
	return nil
}

func (o *Orchestrator) onGetFriendRequests(p *domain.Player, _ json.RawMessage) error {
	o.Social.FriendRequests(p.ID)
	return nil
}
