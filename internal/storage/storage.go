// Package storage defines persistence contracts for presence and friendship state.
package storage

import (
	"context"
	"errors"

	"github.com/dkeye/Lobby/internal/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// PositionStore persists the last pose of authenticated subjects.
type PositionStore interface {
	GetPosition(ctx context.Context, subjectID string) (domain.Pose, error)
	PutPosition(ctx context.Context, subjectID string, pose domain.Pose) error
}

// FriendRequestOutcome is what RequestFriendship ended up doing.
type FriendRequestOutcome int

const (
	RequestStored FriendRequestOutcome = iota
	FriendsAdded
	AlreadyFriends
)

// FriendStore persists friend edges and pending friend requests.
//
// AtomicAddFriendPair writes both directed edges and removes pending requests
// in either direction in one transaction. RequestFriendship and
// AcceptFriendRequest are single transactions as well, so two subjects
// asking each other at once end up friends exactly once.
type FriendStore interface {
	GetFriends(ctx context.Context, subjectID string) ([]domain.Friend, error)
	FriendExists(ctx context.Context, subjectID string, otherID string) (bool, error)
	AtomicAddFriendPair(ctx context.Context, a domain.FriendRef, b domain.FriendRef) error

	// RequestFriendship reports AlreadyFriends for existing friends, befriends
	// both when to had already asked from, and files the request otherwise.
	// The returned ref is to, its name filled from the reverse request when
	// the caller did not know it.
	RequestFriendship(ctx context.Context, from domain.FriendRef, to domain.FriendRef) (FriendRequestOutcome, domain.FriendRef, error)
	// AcceptFriendRequest befriends to and fromUID if fromUID asked, and
	// returns that request. ErrNotFound when there is nothing to accept.
	AcceptFriendRequest(ctx context.Context, to domain.FriendRef, fromUID string) (domain.FriendRequest, error)

	GetFriendRequest(ctx context.Context, toUID string, fromUID string) (domain.FriendRequest, error)
	ListFriendRequests(ctx context.Context, toUID string) ([]domain.FriendRequest, error)
	PutFriendRequest(ctx context.Context, req domain.FriendRequest) error
	DeleteFriendRequest(ctx context.Context, toUID string, fromUID string) error
}

// ChatStore persists friend chat threads addressed by domain.ChatKey.
type ChatStore interface {
	GetChatHistory(ctx context.Context, chatKey string, limit int) ([]domain.ChatMessage, error)
	AppendChatMessage(ctx context.Context, chatKey string, participants [2]string, msg domain.ChatMessage) error
}

// Store is the full contract the service needs.
type Store interface {
	PositionStore
	FriendStore
	ChatStore
	Close() error
}
