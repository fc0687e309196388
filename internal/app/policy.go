package app

import (
	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens when a connection's send queue is full.
type Policy interface {
	OnBackPressure(p *domain.Player, event string) BackpressureAction
}

// SimplePolicy drops movement frames and kicks on anything else.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ *domain.Player, event string) BackpressureAction {
	if event == core.EvPlayerMoved {
		return DropFrame
	}
	return KickMember
}
