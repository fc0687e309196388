package orch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/app"
	"github.com/dkeye/Lobby/internal/app/interaction"
	"github.com/dkeye/Lobby/internal/app/persist"
	"github.com/dkeye/Lobby/internal/app/ratelimit"
	"github.com/dkeye/Lobby/internal/app/social"
	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/metrics"
	"github.com/dkeye/Lobby/internal/storage"
)

type Config struct {
	MaxConnections     int
	RequestTTL         time.Duration
	NegotiationTimeout time.Duration
	StoreTimeout       time.Duration
	RateRules          map[string]ratelimit.Rule
	RateRetention      time.Duration
	SweepInterval      time.Duration
}

type Deps struct {
	Loop       *Loop
	Store      storage.Store
	Auth       core.Authenticator
	Classifier core.SignalClassifier
	Positions  *persist.Writer
	Policy     app.Policy
}

type handler func(p *domain.Player, data json.RawMessage) error

// Orchestrator routes inbound events to their owners and delivers outbound
// ones. All methods except Connect, Dispatch, Disconnect and Players must
// run on the loop.
type Orchestrator struct {
	cfg  Config
	loop *Loop

	Registry     *app.Registry
	Policy       app.Policy
	Limiter      *ratelimit.Limiter
	Interactions *interaction.Coordinator
	Social       *social.Relay

	store      storage.Store
	auth       core.Authenticator
	classifier core.SignalClassifier
	positions  *persist.Writer

	handlers map[string]handler
}

var _ core.Notifier = (*Orchestrator)(nil)

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.RateRetention <= 0 {
		cfg.RateRetention = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = social.DefaultStoreTimeout
	}
	if deps.Policy == nil {
		deps.Policy = app.SimplePolicy{}
	}

	o := &Orchestrator{
		cfg:        cfg,
		loop:       deps.Loop,
		Registry:   app.NewRegistry(cfg.MaxConnections),
		Policy:     deps.Policy,
		Limiter:    ratelimit.New(deps.Loop.Clock(), cfg.RateRules),
		store:      deps.Store,
		auth:       deps.Auth,
		classifier: deps.Classifier,
		positions:  deps.Positions,
	}
	o.Interactions = interaction.NewCoordinator(o.Registry, o, deps.Loop, interaction.Config{
		RequestTTL:         cfg.RequestTTL,
		NegotiationTimeout: cfg.NegotiationTimeout,
	})
	o.Social = social.NewRelay(o.Registry, deps.Store, o, deps.Loop, cfg.StoreTimeout)

	o.handlers = map[string]handler{
		core.EvPlayerUpdate:           o.onPlayerUpdate,
		core.EvRequestInteraction:     o.onRequestInteraction,
		core.EvRespondToRequest:       o.onRespondToRequest,
		core.EvEndInteraction:         o.onEndInteraction,
		core.EvSendMessage:            o.onSendMessage,
		core.EvSignal:                 o.onSignal,
		core.EvSendFriendRequest:      o.onSendFriendRequest,
		core.EvRespondToFriendRequest: o.onRespondToFriendRequest,
		core.EvOpenFriendChat:         o.onOpenFriendChat,
		core.EvGetFriendChatHistory:   o.onGetFriendChatHistory,
		core.EvSendFriendMessage:      o.onSendFriendMessage,
		core.EvGetFriendsList:         o.onGetFriendsList,
		core.EvGetFriendRequests:      o.onGetFriendRequests,
		core.EvPing:                   o.onPing,
	}
	return o
}

// Start arms the periodic rate-window sweep.
func (o *Orchestrator) Start() {
	var sweep func()
	sweep = func() {
		left := o.Limiter.Sweep(o.cfg.RateRetention)
		log.Debug().Str("module", "orch").Int("windows", left).Msg("rate windows swept")
		o.loop.AfterFunc(o.cfg.SweepInterval, sweep)
	}
	o.loop.AfterFunc(o.cfg.SweepInterval, sweep)
}

// Dispatch decodes one inbound frame and hands it to the loop.
func (o *Orchestrator) Dispatch(id domain.ConnID, raw []byte) {
	var env core.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		log.Warn().Str("module", "orch").Str("conn", string(id)).Err(err).Msg("bad frame")
		return
	}
	o.loop.Post(func() { o.dispatch(id, env) })
}

func (o *Orchestrator) dispatch(id domain.ConnID, env core.Envelope) {
	p, ok := o.Registry.Player(id)
	if !ok {
		log.Debug().Str("module", "orch").Str("conn", string(id)).Str("event", env.Event).Msg("event from unadmitted connection")
		return
	}
	h, ok := o.handlers[env.Event]
	if !ok {
		log.Warn().Str("module", "orch").Str("conn", string(id)).Str("event", env.Event).Msg("unknown event")
		return
	}
	if !o.Limiter.Allow(id, env.Event) {
		metrics.RateLimited.WithLabelValues(env.Event).Inc()
		o.Send(id, core.EvRateLimitExceeded, core.RateLimitExceeded{
			Event:   env.Event,
			Message: o.Limiter.Message(env.Event),
		})
		return
	}
	metrics.Events.WithLabelValues(env.Event).Inc()
	if err := h(p, env.Data); err != nil {
		log.Warn().Str("module", "orch").Str("conn", string(id)).Str("event", env.Event).Err(err).Msg("event rejected")
	}
}

func absent(data json.RawMessage) bool {
	return len(data) == 0 || string(data) == "null"
}

// decode treats an absent payload as an empty object.
func decode(data json.RawMessage, v any) error {
	if absent(data) {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Players is the presence snapshot, read through the loop.
func (o *Orchestrator) Players(ctx context.Context) ([]domain.PlayerDTO, error) {
	var out []domain.PlayerDTO
	err := o.loop.Call(ctx, func() { out = o.Registry.Snapshot("") })
	return out, err
}

func encode(event string, data any) (core.Frame, error) {
	env := struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: event, Data: data}
	return json.Marshal(env)
}

// Send delivers one event and reports whether the transport took it.
func (o *Orchestrator) Send(to domain.ConnID, event string, data any) bool {
	e, ok := o.Registry.Get(to)
	if !ok {
		return false
	}
	frame, err := encode(event, data)
	if err != nil {
		log.Error().Str("module", "orch").Str("event", event).Err(err).Msg("encode")
		return false
	}
	return o.deliver(e, event, frame)
}

// Broadcast encodes once and delivers to every live connection but one.
func (o *Orchestrator) Broadcast(except domain.ConnID, event string, data any) {
	frame, err := encode(event, data)
	if err != nil {
		log.Error().Str("module", "orch").Str("event", event).Err(err).Msg("encode")
		return
	}
	o.Registry.Each(except, func(e *app.Entry) {
		o.deliver(e, event, frame)
	})
}

func (o *Orchestrator) deliver(e *app.Entry, event string, frame core.Frame) bool {
	err := e.Signal.TrySend(frame)
	if err == nil {
		return true
	}
	if !errors.Is(err, core.ErrBackpressure) {
		return false
	}
	switch o.Policy.OnBackPressure(e.Player, event) {
	case app.DropFrame:
		metrics.Dropped.WithLabelValues(event).Inc()
	case app.KickMember:
		// The read pump notices the close and disconnects through the loop.
		log.Warn().Str("module", "orch").Str("conn", string(e.Player.ID)).Str("event", event).Msg("send queue full, kicking")
		e.Signal.Close()
	case app.MarkSlow, app.NoAction:
		log.Debug().Str("module", "orch").Str("conn", string(e.Player.ID)).Str("event", event).Msg("send queue full")
	}
	return false
}

func (o *Orchestrator) onPing(p *domain.Player, _ json.RawMessage) error {
	o.Send(p.ID, core.EvPong, struct{}{})
	return nil
}
