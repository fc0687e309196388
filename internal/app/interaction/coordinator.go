// Package interaction runs the request → accept/decline → active → end
// state machine between pairs of connections.
package interaction

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/app"
	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/metrics"
)

const (
	DefaultRequestTTL         = 30 * time.Second
	DefaultNegotiationTimeout = 20 * time.Second

	ReasonBusy               = "Player is busy"
	ReasonSelfBusy           = "You are already in an interaction"
	ReasonNegotiationTimeout = "negotiation timeout"

	module = "app.interaction"
)

type pending struct {
	req   domain.PendingRequest
	timer core.Timer
}

// watchdog ends a call whose initiator never sends an offer.
type watchdog struct {
	initiator domain.ConnID
	responder domain.ConnID
	timer     core.Timer
}

type Config struct {
	RequestTTL         time.Duration
	NegotiationTimeout time.Duration
}

// Coordinator must only be used from the scheduler's loop.
type Coordinator struct {
	reg    *app.Registry
	notify core.Notifier
	sched  core.Scheduler
	cfg    Config

	pending   map[domain.ConnID]*pending
	watchdogs map[domain.ConnID]*watchdog
}

func NewCoordinator(reg *app.Registry, notify core.Notifier, sched core.Scheduler, cfg Config) *Coordinator {
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = DefaultRequestTTL
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	return &Coordinator{
		reg:       reg,
		notify:    notify,
		sched:     sched,
		cfg:       cfg,
		pending:   make(map[domain.ConnID]*pending),
		watchdogs: make(map[domain.ConnID]*watchdog),
	}
}

// Request records requester → target, or activates the pair right away if
// target already asked for requester.
func (c *Coordinator) Request(requesterID, targetID domain.ConnID, kind domain.SessionKind) {
	if !kind.Valid() {
		log.Warn().Str("module", module).Str("conn", string(requesterID)).Str("kind", string(kind)).Msg("request with unknown kind")
		return
	}
	if requesterID == targetID {
		return
	}
	requester, ok := c.reg.Player(requesterID)
	if !ok {
		return
	}
	target, ok := c.reg.Player(targetID)
	if !ok {
		log.Debug().Str("module", module).Str("conn", string(requesterID)).Str("target", string(targetID)).Msg("request for unknown target")
		return
	}
	if requester.Busy() {
		c.notify.Send(requesterID, core.EvRequestDeclined, core.RequestDeclined{Reason: ReasonSelfBusy})
		return
	}
	if target.Busy() {
		c.notify.Send(requesterID, core.EvRequestDeclined, core.RequestDeclined{Reason: ReasonBusy})
		return
	}

	if theirs, ok := c.pending[targetID]; ok && theirs.req.Target == requesterID {
		log.Info().Str("module", module).Str("a", string(targetID)).Str("b", string(requesterID)).Msg("mutual match")
		c.retire(targetID)
		c.retire(requesterID)
		c.activate(target, requester, theirs.req.Kind.Stronger(kind))
		return
	}

	if old, ok := c.pending[requesterID]; ok {
		log.Debug().Str("module", module).Str("conn", string(requesterID)).Str("old_target", string(old.req.Target)).Msg("superseding request")
		c.retire(requesterID)
	}

	p := &pending{req: domain.PendingRequest{
		Requester: requesterID,
		Target:    targetID,
		Kind:      kind,
		CreatedAt: c.sched.Now(),
	}}
	p.timer = c.sched.AfterFunc(c.cfg.RequestTTL, func() { c.expire(p) })
	c.pending[requesterID] = p

	log.Info().Str("module", module).Str("conn", string(requesterID)).Str("target", string(targetID)).Str("kind", string(kind)).Msg("request recorded")
	c.notify.Send(targetID, core.EvIncomingRequest, core.IncomingRequest{
		RequesterID:   requesterID,
		RequesterName: requester.Name,
		Kind:          kind,
	})
}

// Respond resolves the request requesterID sent to responderID.
// Responses to retired or foreign requests are no-ops.
func (c *Coordinator) Respond(responderID, requesterID domain.ConnID, accepted bool) {
	p, ok := c.pending[requesterID]
	if !ok || p.req.Target != responderID {
		log.Debug().Str("module", module).Str("conn", string(responderID)).Str("requester", string(requesterID)).Msg("response to unknown request")
		return
	}
	c.retire(requesterID)

	requester, ok := c.reg.Player(requesterID)
	if !ok {
		return
	}
	responder, ok := c.reg.Player(responderID)
	if !ok {
		return
	}
	if !accepted {
		metrics.Interactions.WithLabelValues(string(p.req.Kind), "declined").Inc()
		c.notify.Send(requesterID, core.EvRequestDeclined, core.RequestDeclined{})
		return
	}
	if requester.Busy() || responder.Busy() {
		c.notify.Send(requesterID, core.EvRequestDeclined, core.RequestDeclined{Reason: ReasonBusy})
		return
	}
	c.activate(requester, responder, p.req.Kind)
}

// End finishes connID's active session, notifying both sides.
func (c *Coordinator) End(connID domain.ConnID) bool {
	return c.end(connID, "", true)
}

// Forget drops everything that references connID. The partner of an active
// session is notified; connID itself is not.
func (c *Coordinator) Forget(connID domain.ConnID) {
	c.end(connID, "", false)
	c.retire(connID)
	for requester, p := range c.pending {
		if p.req.Target == connID {
			c.retire(requester)
		}
	}
}

// ObserveSignal disarms the negotiation watchdog once the initiator's offer
// reaches its partner.
func (c *Coordinator) ObserveSignal(from, to domain.ConnID, kind core.SignalKind) {
	if kind != core.SignalOffer {
		return
	}
	w, ok := c.watchdogs[from]
	if !ok || w.responder != to {
		return
	}
	w.timer.Stop()
	delete(c.watchdogs, from)
	log.Debug().Str("module", module).Str("conn", string(from)).Msg("offer relayed, watchdog disarmed")
}

// Pending returns requester's outstanding request.
func (c *Coordinator) Pending(requester domain.ConnID) (domain.PendingRequest, bool) {
	p, ok := c.pending[requester]
	if !ok {
		return domain.PendingRequest{}, false
	}
	return p.req, true
}

func (c *Coordinator) PendingCount() int { return len(c.pending) }

func (c *Coordinator) activate(initiator, responder *domain.Player, kind domain.SessionKind) {
	// Neither side may keep an outstanding request once busy.
	c.retire(initiator.ID)
	c.retire(responder.ID)

	initiator.Status, initiator.Partner, initiator.Kind = domain.StatusBusy, responder.ID, kind
	responder.Status, responder.Partner, responder.Kind = domain.StatusBusy, initiator.ID, kind

	metrics.Interactions.WithLabelValues(string(kind), "started").Inc()
	log.Info().Str("module", module).Str("initiator", string(initiator.ID)).Str("responder", string(responder.ID)).
		Str("kind", string(kind)).Msg("interaction started")

	c.notify.Send(initiator.ID, core.EvInteractionStarted, core.InteractionStarted{
		WithID: responder.ID, Kind: kind, Initiator: true,
	})
	c.notify.Send(responder.ID, core.EvInteractionStarted, core.InteractionStarted{
		WithID: initiator.ID, Kind: kind, Initiator: false,
	})

	if kind == domain.KindCall {
		w := &watchdog{initiator: initiator.ID, responder: responder.ID}
		w.timer = c.sched.AfterFunc(c.cfg.NegotiationTimeout, func() { c.negotiationExpired(w) })
		c.watchdogs[initiator.ID] = w
	}
}

func (c *Coordinator) end(connID domain.ConnID, reason string, notifySelf bool) bool {
	p, ok := c.reg.Player(connID)
	if !ok || !p.Busy() {
		return false
	}
	partnerID, kind := p.Partner, p.Kind
	c.disarm(connID)
	c.disarm(partnerID)
	reset(p)
	if notifySelf {
		c.notify.Send(connID, core.EvInteractionEnded, core.InteractionEnded{Reason: reason})
	}
	if partner, ok := c.reg.Player(partnerID); ok && partner.Partner == connID {
		reset(partner)
		c.notify.Send(partnerID, core.EvInteractionEnded, core.InteractionEnded{Reason: reason})
	}
	metrics.Interactions.WithLabelValues(string(kind), "ended").Inc()
	log.Info().Str("module", module).Str("conn", string(connID)).Str("partner", string(partnerID)).Str("reason", reason).Msg("interaction ended")
	return true
}

func reset(p *domain.Player) {
	p.Status = domain.StatusAvailable
	p.Partner = ""
	p.Kind = ""
}

func (c *Coordinator) retire(requester domain.ConnID) {
	p, ok := c.pending[requester]
	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(c.pending, requester)
}

func (c *Coordinator) disarm(initiator domain.ConnID) {
	if w, ok := c.watchdogs[initiator]; ok {
		w.timer.Stop()
		delete(c.watchdogs, initiator)
	}
}

func (c *Coordinator) expire(p *pending) {
	if c.pending[p.req.Requester] != p {
		return
	}
	delete(c.pending, p.req.Requester)
	metrics.Interactions.WithLabelValues(string(p.req.Kind), "expired").Inc()
	log.Info().Str("module", module).Str("conn", string(p.req.Requester)).Str("target", string(p.req.Target)).Msg("request expired")
}

func (c *Coordinator) negotiationExpired(w *watchdog) {
	if c.watchdogs[w.initiator] != w {
		return
	}
	delete(c.watchdogs, w.initiator)
	initiator, ok := c.reg.Player(w.initiator)
	if !ok || initiator.Partner != w.responder {
		return
	}
	log.Warn().Str("module", module).Str("initiator", string(w.initiator)).Str("responder", string(w.responder)).Msg("no offer before timeout")
	c.end(w.initiator, ReasonNegotiationTimeout, true)
}
