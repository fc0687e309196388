package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/metrics"
	"github.com/dkeye/Lobby/internal/storage"
)

// Connect admits a new transport. The ceiling is checked first; identity
// and saved position are resolved off the loop afterwards.
func (o *Orchestrator) Connect(id domain.ConnID, sig core.SignalConnection, token string) {
	o.loop.Post(func() { o.admit(id, sig, token) })
}

func (o *Orchestrator) admit(id domain.ConnID, sig core.SignalConnection, token string) {
	if err := o.Registry.Reserve(id, sig); err != nil {
		metrics.Rejected.WithLabelValues("server_full").Inc()
		log.Warn().Str("module", "orch").Str("conn", string(id)).Int("max", o.Registry.Max()).Msg("server full")
		if frame, err := encode(core.EvServerFull, core.ServerFull{
			Message: fmt.Sprintf("Server is at capacity (Max %d players). Please try again later.", o.Registry.Max()),
		}); err == nil {
			_ = sig.TrySend(frame)
		}
		sig.Close()
		return
	}

	o.loop.Go(func(ctx context.Context) func() {
		ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
		defer cancel()

		identity := o.resolve(ctx, id, token)
		pose, saved := domain.SpawnPose, false
		if subject, ok := domain.SubjectOf(identity); ok && o.store != nil {
			p, err := o.store.GetPosition(ctx, subject)
			switch {
			case err == nil:
				pose, saved = p, true
			case errors.Is(err, storage.ErrNotFound):
			default:
				metrics.StoreFailures.WithLabelValues("get_position").Inc()
				log.Warn().Str("module", "orch").Str("subject", subject).Err(err).Msg("load position failed, using spawn")
			}
		}
		return func() { o.finishAdmission(id, sig, identity, pose, saved) }
	})
}

// resolve never fails: anything short of a verified token is a guest.
func (o *Orchestrator) resolve(ctx context.Context, id domain.ConnID, token string) domain.Identity {
	if token == "" || o.auth == nil {
		return domain.Guest{}
	}
	identity, err := o.auth.Verify(ctx, token)
	if err != nil {
		metrics.Rejected.WithLabelValues("auth_degraded").Inc()
		log.Info().Str("module", "orch").Str("conn", string(id)).Err(err).Msg("token rejected, continuing as guest")
		return domain.Guest{}
	}
	return identity
}

func (o *Orchestrator) finishAdmission(id domain.ConnID, sig core.SignalConnection, identity domain.Identity, pose domain.Pose, saved bool) {
	if !o.Registry.Admitting(id) {
		log.Debug().Str("module", "orch").Str("conn", string(id)).Msg("connection left during admission")
		return
	}

	if holder, ok := o.Registry.HolderOf(identity); ok {
		pose, saved = holder.Player.Pose, true
		o.displace(holder.Player.ID)
	}

	p := domain.NewPlayer(id, identity, domain.DisplayName(identity), pose)
	o.Registry.Add(p, sig)
	metrics.Connections.Set(float64(o.Registry.Len()))
	log.Info().Str("module", "orch").Str("conn", string(id)).Str("name", p.Name).Bool("restored", saved).Msg("player joined")

	o.Send(id, core.EvInitialPosition, pose)
	o.Send(id, core.EvCurrentPlayers, o.Registry.Snapshot(id))
	o.Broadcast(id, core.EvNewPlayer, p.DTO())

	if _, ok := p.Subject(); ok {
		o.Social.FriendsList(id)
		o.Social.FriendRequests(id)
	}
}

// displace removes a connection whose identity just connected again.
func (o *Orchestrator) displace(old domain.ConnID) {
	e, ok := o.Registry.Get(old)
	if !ok {
		return
	}
	metrics.Displaced.Inc()
	log.Info().Str("module", "orch").Str("conn", string(old)).Str("name", e.Player.Name).Msg("displaced by newer session")
	e.Signal.Close()
	o.remove(old)
}

// Disconnect is called by the transport once its read side is gone.
func (o *Orchestrator) Disconnect(id domain.ConnID) {
	o.loop.Post(func() {
		if o.Registry.Release(id) {
			log.Debug().Str("module", "orch").Str("conn", string(id)).Msg("released admission")
			return
		}
		o.remove(id)
	})
}

func (o *Orchestrator) remove(id domain.ConnID) {
	e, ok := o.Registry.Get(id)
	if !ok {
		return
	}
	if subject, ok := e.Player.Subject(); ok && o.positions != nil {
		o.positions.Put(subject, e.Player.Pose)
		o.positions.FlushSoon()
	}
	o.Interactions.Forget(id)
	o.Limiter.Forget(id)
	o.Registry.Remove(id)
	metrics.Connections.Set(float64(o.Registry.Len()))
	o.Broadcast(id, core.EvPlayerDisconnected, core.PlayerDisconnected{ConnectionID: id})
}

func (o *Orchestrator) onPlayerUpdate(p *domain.Player, data json.RawMessage) error {
	// No payload, no movement.
	if absent(data) {
		return nil
	}
	var in core.PlayerUpdatePayload
	if err := decode(data, &in); err != nil {
		return fmt.Errorf("player update: %w", err)
	}
	p.Pose = domain.Pose{Coords: in.Coords, Quaternion: in.Quaternion}
	o.Broadcast(p.ID, core.EvPlayerMoved, p.DTO())
	if subject, ok := p.Subject(); ok && o.positions != nil {
		o.positions.Put(subject, p.Pose)
	}
	return nil
}
