package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/Lobby/internal/domain"
)

var (
	ErrAuthFailure = errors.New("authentication failed")
	ErrServerFull  = errors.New("server full")
	ErrRateLimited = errors.New("rate limited")
	ErrNotFriends  = errors.New("not friends")
)

// Authenticator resolves a client token into an identity.
// Callers degrade to domain.Guest on error.
type Authenticator interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

// Notifier delivers outbound events to live connections.
type Notifier interface {
	Send(to domain.ConnID, event string, data any) bool
	Broadcast(except domain.ConnID, event string, data any)
}

// Timer is a cancellable scheduled task.
type Timer interface {
	Stop() bool
}

// Scheduler serializes state mutation on a single loop.
//
// Go runs work off the loop; the returned continuation (if any) runs back on
// the loop. AfterFunc runs fn on the loop after d.
type Scheduler interface {
	Go(work func(ctx context.Context) func())
	AfterFunc(d time.Duration, fn func()) Timer
	Now() time.Time
}

// SignalKind is the WebRTC role of a relayed signal payload.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
	SignalUnknown   SignalKind = "unknown"
)

// SignalClassifier names the WebRTC role of an opaque signal payload.
type SignalClassifier interface {
	Classify(raw json.RawMessage) SignalKind
}
