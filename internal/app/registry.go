package app

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
)

// Entry is one live connection: presence state plus its transport.
type Entry struct {
	Player *domain.Player
	Signal core.SignalConnection
}

// Registry is the authoritative table of live connections.
//
// It is not safe for concurrent use; the orchestrator loop owns it.
type Registry struct {
	max       int
	entries   map[domain.ConnID]*Entry
	bySubject map[string]domain.ConnID
	admitting map[domain.ConnID]core.SignalConnection
}

func NewRegistry(maxConnections int) *Registry {
	if maxConnections <= 0 {
		maxConnections = 20
	}
	return &Registry{
		max:       maxConnections,
		entries:   make(map[domain.ConnID]*Entry),
		bySubject: make(map[string]domain.ConnID),
		admitting: make(map[domain.ConnID]core.SignalConnection),
	}
}

// Reserve claims a slot for a connection whose identity is still being
// resolved. Admissions in flight count against the ceiling.
func (r *Registry) Reserve(id domain.ConnID, sig core.SignalConnection) error {
	if len(r.entries)+len(r.admitting) >= r.max {
		return core.ErrServerFull
	}
	r.admitting[id] = sig
	return nil
}

// Release drops a reservation and reports whether one existed.
func (r *Registry) Release(id domain.ConnID) bool {
	if _, ok := r.admitting[id]; !ok {
		return false
	}
	delete(r.admitting, id)
	return true
}

func (r *Registry) Admitting(id domain.ConnID) bool {
	_, ok := r.admitting[id]
	return ok
}

// Add admits p, consuming its reservation if any.
func (r *Registry) Add(p *domain.Player, sig core.SignalConnection) {
	delete(r.admitting, p.ID)
	r.entries[p.ID] = &Entry{Player: p, Signal: sig}
	if subject, ok := p.Subject(); ok {
		r.bySubject[subject] = p.ID
	}
	log.Info().Str("module", "app.registry").Str("conn", string(p.ID)).Str("name", p.Name).Msg("added connection")
}

func (r *Registry) Get(id domain.ConnID) (*Entry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) Player(id domain.ConnID) (*domain.Player, bool) {
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.Player, true
}

// HolderOf returns the live connection already bound to identity's subject.
// Guests never collide.
func (r *Registry) HolderOf(identity domain.Identity) (*Entry, bool) {
	subject, ok := domain.SubjectOf(identity)
	if !ok {
		return nil, false
	}
	return r.BySubject(subject)
}

func (r *Registry) BySubject(subject string) (*Entry, bool) {
	id, ok := r.bySubject[subject]
	if !ok {
		return nil, false
	}
	return r.Get(id)
}

// Remove unbinds id and returns what was bound.
func (r *Registry) Remove(id domain.ConnID) (*Entry, bool) {
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	if subject, ok := e.Player.Subject(); ok && r.bySubject[subject] == id {
		delete(r.bySubject, subject)
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("removed connection")
	return e, true
}

// Each calls fn for every live connection except the given id.
func (r *Registry) Each(except domain.ConnID, fn func(*Entry)) {
	for id, e := range r.entries {
		if id == except {
			continue
		}
		fn(e)
	}
}

// Snapshot is the public view of every live connection except one.
func (r *Registry) Snapshot(except domain.ConnID) []domain.PlayerDTO {
	out := make([]domain.PlayerDTO, 0, len(r.entries))
	r.Each(except, func(e *Entry) {
		out = append(out, e.Player.DTO())
	})
	return out
}

func (r *Registry) Len() int { return len(r.entries) }

func (r *Registry) Max() int { return r.max }
