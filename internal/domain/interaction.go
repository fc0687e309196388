package domain

import "time"

type SessionKind string

const (
	KindChat SessionKind = "chat"
	KindCall SessionKind = "call"
)

func (k SessionKind) Valid() bool {
	return k == KindChat || k == KindCall
}

// Stronger returns call if either side asked for a call.
func (k SessionKind) Stronger(other SessionKind) SessionKind {
	if k == KindCall || other == KindCall {
		return KindCall
	}
	return KindChat
}

// PendingRequest is an unanswered interaction request.
type PendingRequest struct {
	Requester ConnID
	Target    ConnID
	Kind      SessionKind
	CreatedAt time.Time
}
