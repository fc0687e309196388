// Package social handles friend requests, friend lists and friend chat.
//
// Every operation reads the caller on the loop, does its store work through
// Scheduler.Go and re-checks presence when the continuation resumes. Store
// work from one connection runs one call at a time, in arrival order.
package social

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/app"
	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
	"github.com/dkeye/Lobby/internal/metrics"
	"github.com/dkeye/Lobby/internal/storage"
)

const (
	module = "app.social"

	DefaultStoreTimeout = 5 * time.Second

	msgGuest         = "Sign in to use friends"
	msgSelf          = "You cannot befriend yourself"
	msgSendFailed    = "Failed to send friend request"
	msgRespondFailed = "Failed to respond to friend request"
	msgListFailed    = "Failed to load friends"
	msgChatFailed    = "Failed to load chat"
	msgMessageFailed = "Failed to send message"
)

type job func(ctx context.Context) func()

type Relay struct {
	reg     *app.Registry
	store   storage.Store
	notify  core.Notifier
	sched   core.Scheduler
	timeout time.Duration

	// lanes holds, per connection, the jobs queued behind the one in flight.
	lanes map[domain.ConnID][]job
}

func NewRelay(reg *app.Registry, store storage.Store, notify core.Notifier, sched core.Scheduler, timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	return &Relay{
		reg:     reg,
		store:   store,
		notify:  notify,
		sched:   sched,
		timeout: timeout,
		lanes:   make(map[domain.ConnID][]job),
	}
}

// caller is the authenticated side of a request as seen when it arrived.
type caller struct {
	conn    domain.ConnID
	subject string
	name    string
}

// authenticated resolves conn to its subject, answering guests with
// requestFailed.
func (r *Relay) authenticated(conn domain.ConnID, event string) (caller, bool) {
	p, ok := r.reg.Player(conn)
	if !ok {
		return caller{}, false
	}
	subject, ok := p.Subject()
	if !ok {
		r.fail(conn, event, msgGuest)
		return caller{}, false
	}
	return caller{conn: conn, subject: subject, name: p.Name}, true
}

// live reports whether c still holds its connection under the same subject.
func (r *Relay) live(c caller) bool {
	p, ok := r.reg.Player(c.conn)
	if !ok {
		return false
	}
	subject, ok := p.Subject()
	return ok && subject == c.subject
}

// online finds the connection currently bound to subject.
func (r *Relay) online(subject string) (*domain.Player, bool) {
	e, ok := r.reg.BySubject(subject)
	if !ok {
		return nil, false
	}
	return e.Player, true
}

func (r *Relay) fail(conn domain.ConnID, event, message string) {
	r.notify.Send(conn, core.EvRequestFailed, core.RequestFailed{Event: event, Message: message})
}

func (r *Relay) storeFailed(c caller, event, op, message string, err error) func() {
	metrics.StoreFailures.WithLabelValues(op).Inc()
	log.Error().Str("module", module).Str("event", event).Str("subject", c.subject).Err(err).Msg("store call failed")
	return func() {
		if r.live(c) {
			r.fail(c.conn, event, message)
		}
	}
}

// run queues work on conn's lane. The next job starts only after the
// previous one's continuation has run on the loop.
func (r *Relay) run(conn domain.ConnID, work job) {
	if queued, busy := r.lanes[conn]; busy {
		r.lanes[conn] = append(queued, work)
		return
	}
	r.lanes[conn] = nil
	r.start(conn, work)
}

func (r *Relay) start(conn domain.ConnID, work job) {
	r.sched.Go(func(ctx context.Context) func() {
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		next := work(ctx)
		return func() {
			if next != nil {
				next()
			}
			r.advance(conn)
		}
	})
}

func (r *Relay) advance(conn domain.ConnID) {
	queued := r.lanes[conn]
	if len(queued) == 0 {
		delete(r.lanes, conn)
		return
	}
	r.lanes[conn] = queued[1:]
	r.start(conn, queued[0])
}

// Busy counts connections with store work in flight.
func (r *Relay) Busy() int { return len(r.lanes) }

// SendFriendRequest files a request from conn's subject to targetUID, or
// befriends both right away when targetUID already asked.
func (r *Relay) SendFriendRequest(conn domain.ConnID, targetUID string) {
	const event = core.EvSendFriendRequest
	if targetUID == "" {
		return
	}
	c, ok := r.authenticated(conn, event)
	if !ok {
		return
	}
	if c.subject == targetUID {
		r.fail(conn, event, msgSelf)
		return
	}
	targetName := ""
	if p, ok := r.online(targetUID); ok {
		targetName = p.Name
	}

	r.run(c.conn, func(ctx context.Context) func() {
		outcome, target, err := r.store.RequestFriendship(ctx,
			domain.FriendRef{UID: c.subject, Name: c.name},
			domain.FriendRef{UID: targetUID, Name: targetName})
		if err != nil {
			return r.storeFailed(c, event, "request_friendship", msgSendFailed, err)
		}
		switch outcome {
		case storage.AlreadyFriends:
			return func() {
				if r.live(c) {
					r.notify.Send(c.conn, core.EvAlreadyFriends, core.FriendNotice{UID: targetUID})
				}
			}
		case storage.FriendsAdded:
			log.Info().Str("module", module).Str("a", c.subject).Str("b", targetUID).Msg("mutual friend request resolved")
			return func() {
				if r.live(c) {
					r.notify.Send(c.conn, core.EvFriendAdded, core.FriendNotice{UID: targetUID, Name: target.Name})
				}
				if p, ok := r.online(targetUID); ok {
					r.notify.Send(p.ID, core.EvFriendAdded, core.FriendNotice{UID: c.subject, Name: c.name})
				}
			}
		}
		log.Info().Str("module", module).Str("from", c.subject).Str("to", targetUID).Msg("friend request stored")
		return func() {
			if p, ok := r.online(targetUID); ok {
				r.notify.Send(p.ID, core.EvFriendRequestReceived, core.FriendRequestReceived{FromUID: c.subject, FromName: c.name})
			}
			if r.live(c) {
				r.notify.Send(c.conn, core.EvFriendRequestSent, core.FriendRequestSent{TargetUID: targetUID})
			}
		}
	})
}

// RespondToFriendRequest accepts or declines the request requesterUID sent
// to conn's subject. Answers to requests that no longer exist are no-ops.
func (r *Relay) RespondToFriendRequest(conn domain.ConnID, requesterUID string, accepted bool) {
	const event = core.EvRespondToFriendRequest
	if requesterUID == "" {
		return
	}
	c, ok := r.authenticated(conn, event)
	if !ok {
		return
	}

	r.run(c.conn, func(ctx context.Context) func() {
		if !accepted {
			if err := r.store.DeleteFriendRequest(ctx, c.subject, requesterUID); err != nil {
				return r.storeFailed(c, event, "delete_friend_request", msgRespondFailed, err)
			}
			log.Info().Str("module", module).Str("to", c.subject).Str("from", requesterUID).Msg("friend request declined")
			return nil
		}

		req, err := r.store.AcceptFriendRequest(ctx, domain.FriendRef{UID: c.subject, Name: c.name}, requesterUID)
		if errors.Is(err, storage.ErrNotFound) {
			log.Debug().Str("module", module).Str("to", c.subject).Str("from", requesterUID).Msg("no such friend request")
			return nil
		}
		if err != nil {
			return r.storeFailed(c, event, "accept_friend_request", msgRespondFailed, err)
		}
		log.Info().Str("module", module).Str("to", c.subject).Str("from", requesterUID).Msg("friend request accepted")
		return func() {
			requesterName := req.FromName
			if p, ok := r.online(requesterUID); ok {
				requesterName = p.Name
				notice := core.FriendNotice{UID: c.subject, Name: c.name}
				r.notify.Send(p.ID, core.EvFriendRequestAccepted, notice)
				r.notify.Send(p.ID, core.EvFriendAdded, notice)
			}
			if r.live(c) {
				r.notify.Send(c.conn, core.EvFriendAdded, core.FriendNotice{UID: requesterUID, Name: requesterName})
			}
		}
	})
}

// FriendsList sends conn its friends.
func (r *Relay) FriendsList(conn domain.ConnID) {
	const event = core.EvGetFriendsList
	c, ok := r.authenticated(conn, event)
	if !ok {
		return
	}
	r.run(c.conn, func(ctx context.Context) func() {
		friends, err := r.store.GetFriends(ctx, c.subject)
		if err != nil {
			return r.storeFailed(c, event, "get_friends", msgListFailed, err)
		}
		if friends == nil {
			friends = []domain.Friend{}
		}
		return func() {
			if r.live(c) {
				r.notify.Send(c.conn, core.EvFriendsList, friends)
			}
		}
	})
}

// FriendRequests sends conn the requests waiting for its answer.
func (r *Relay) FriendRequests(conn domain.ConnID) {
	const event = core.EvGetFriendRequests
	c, ok := r.authenticated(conn, event)
	if !ok {
		return
	}
	r.run(c.conn, func(ctx context.Context) func() {
		reqs, err := r.store.ListFriendRequests(ctx, c.subject)
		if err != nil {
			return r.storeFailed(c, event, "list_friend_requests", msgListFailed, err)
		}
		if reqs == nil {
			reqs = []domain.FriendRequest{}
		}
		return func() {
			if r.live(c) {
				r.notify.Send(c.conn, core.EvFriendRequestsList, reqs)
			}
		}
	})
}

// OpenFriendChat returns recent history and tells the friend, if online,
// that conn opened the thread.
func (r *Relay) OpenFriendChat(conn domain.ConnID, friendUID string) {
	r.history(conn, friendUID, core.EvOpenFriendChat, core.EvFriendChatOpened, true)
}

// FriendChatHistory returns recent history without notifying the friend.
func (r *Relay) FriendChatHistory(conn domain.ConnID, friendUID string) {
	r.history(conn, friendUID, core.EvGetFriendChatHistory, core.EvFriendChatHistory, false)
}

func (r *Relay) history(conn domain.ConnID, friendUID, event, reply string, announce bool) {
	if friendUID == "" {
		return
	}
	c, ok := r.authenticated(conn, event)
	if !ok {
		return
	}
	r.run(c.conn, func(ctx context.Context) func() {
		friends, err := r.store.FriendExists(ctx, c.subject, friendUID)
		if err != nil {
			return r.storeFailed(c, event, "friend_exists", msgChatFailed, err)
		}
		if !friends {
			return r.notFriends(c, friendUID)
		}
		msgs, err := r.store.GetChatHistory(ctx, domain.ChatKey(c.subject, friendUID), domain.ChatHistoryLimit)
		if err != nil {
			return r.storeFailed(c, event, "get_chat_history", msgChatFailed, err)
		}
		if msgs == nil {
			msgs = []domain.ChatMessage{}
		}
		return func() {
			if !r.live(c) {
				return
			}
			r.notify.Send(c.conn, reply, core.FriendChatOpened{FriendUID: friendUID, Messages: msgs})
			if !announce {
				return
			}
			if p, ok := r.online(friendUID); ok {
				r.notify.Send(p.ID, core.EvFriendChatActivity, core.FriendChatActivity{FriendUID: c.subject})
			}
		}
	})
}

// SendFriendMessage stores text in the shared thread and echoes it to both
// sides. Friendship is re-checked on every send.
func (r *Relay) SendFriendMessage(conn domain.ConnID, friendUID, text string) {
	const event = core.EvSendFriendMessage
	if friendUID == "" {
		return
	}
	c, ok := r.authenticated(conn, event)
	if !ok {
		return
	}
	text, err := domain.NormalizeMessage(text)
	if err != nil {
		r.fail(conn, event, err.Error())
		return
	}
	msg := domain.ChatMessage{
		Sender:     c.subject,
		SenderName: c.name,
		Message:    text,
		Timestamp:  r.sched.Now().UnixMilli(),
	}

	r.run(c.conn, func(ctx context.Context) func() {
		friends, err := r.store.FriendExists(ctx, c.subject, friendUID)
		if err != nil {
			return r.storeFailed(c, event, "friend_exists", msgMessageFailed, err)
		}
		if !friends {
			return r.notFriends(c, friendUID)
		}
		key := domain.ChatKey(c.subject, friendUID)
		if err := r.store.AppendChatMessage(ctx, key, [2]string{c.subject, friendUID}, msg); err != nil {
			return r.storeFailed(c, event, "append_chat_message", msgMessageFailed, err)
		}
		return func() {
			if r.live(c) {
				r.notify.Send(c.conn, core.EvFriendMessageReceived, msg)
			}
			if p, ok := r.online(friendUID); ok {
				r.notify.Send(p.ID, core.EvFriendMessageReceived, msg)
			}
		}
	})
}

func (r *Relay) notFriends(c caller, uid string) func() {
	log.Debug().Str("module", module).Str("subject", c.subject).Str("other", uid).Msg("not friends")
	return func() {
		if r.live(c) {
			r.notify.Send(c.conn, core.EvNotFriends, core.FriendNotice{UID: uid})
		}
	}
}
