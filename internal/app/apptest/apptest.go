// Package apptest provides in-memory doubles for the app packages' tests.
package apptest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Lobby/internal/core"
	"github.com/dkeye/Lobby/internal/domain"
)

// Sent is one captured outbound event.
type Sent struct {
	To    domain.ConnID
	Event string
	Data  any
}

// Notifier records every Send and Broadcast.
type Notifier struct {
	mu   sync.Mutex
	sent []Sent
	// Live lists who Broadcast reaches; nil means Send always succeeds.
	Live map[domain.ConnID]bool
}

func (n *Notifier) Send(to domain.ConnID, event string, data any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Live != nil && !n.Live[to] {
		return false
	}
	n.sent = append(n.sent, Sent{To: to, Event: event, Data: data})
	return true
}

func (n *Notifier) Broadcast(except domain.ConnID, event string, data any) {
	n.mu.Lock()
	live := make([]domain.ConnID, 0, len(n.Live))
	for id, ok := range n.Live {
		if ok && id != except {
			live = append(live, id)
		}
	}
	n.mu.Unlock()
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })
	for _, id := range live {
		n.Send(id, event, data)
	}
}

// To returns the events delivered to id, in order.
func (n *Notifier) To(id domain.ConnID) []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Sent
	for _, s := range n.sent {
		if s.To == id {
			out = append(out, s)
		}
	}
	return out
}

// Events returns only the event names delivered to id.
func (n *Notifier) Events(id domain.ConnID) []string {
	var out []string
	for _, s := range n.To(id) {
		out = append(out, s.Event)
	}
	return out
}

// Last returns the most recent event named event delivered to id.
func (n *Notifier) Last(id domain.ConnID, event string) (Sent, bool) {
	sent := n.To(id)
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].Event == event {
			return sent[i], true
		}
	}
	return Sent{}, false
}

func (n *Notifier) Reset() {
	n.mu.Lock()
	n.sent = nil
	n.mu.Unlock()
}

// Decode round-trips a captured payload through JSON into out.
func Decode(s Sent, out any) error {
	raw, err := json.Marshal(s.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Scheduler runs work inline and fires timers only on Advance.
type Scheduler struct {
	now    time.Time
	timers []*timer
}

type timer struct {
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *timer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func NewScheduler() *Scheduler {
	return &Scheduler{now: time.Unix(1_700_000_000, 0)}
}

func (s *Scheduler) Go(work func(ctx context.Context) func()) {
	if next := work(context.Background()); next != nil {
		next()
	}
}

func (s *Scheduler) AfterFunc(d time.Duration, fn func()) core.Timer {
	t := &timer{at: s.now.Add(d), fn: fn}
	s.timers = append(s.timers, t)
	return t
}

func (s *Scheduler) Now() time.Time { return s.now }

// Advance moves the clock forward and fires every timer now due.
func (s *Scheduler) Advance(d time.Duration) {
	s.now = s.now.Add(d)
	for _, t := range s.timers {
		if !t.stopped && !t.fired && !t.at.After(s.now) {
			t.fired = true
			t.fn()
		}
	}
}

// Armed counts timers that have neither fired nor been stopped.
func (s *Scheduler) Armed() int {
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// AsyncScheduler runs work on its own goroutine, as the event loop does, and
// holds each continuation until Settle. Go and Settle must be called from the
// test goroutine, which plays the loop.
type AsyncScheduler struct {
	*Scheduler

	done     chan func()
	inflight int
}

func NewAsyncScheduler() *AsyncScheduler {
	return &AsyncScheduler{Scheduler: NewScheduler(), done: make(chan func(), 64)}
}

func (s *AsyncScheduler) Go(work func(ctx context.Context) func()) {
	s.inflight++
	go func() { s.done <- work(context.Background()) }()
}

// InFlight counts work whose continuation has not run yet.
func (s *AsyncScheduler) InFlight() int { return s.inflight }

// Settle runs continuations in completion order until nothing is in flight.
func (s *AsyncScheduler) Settle(t testing.TB) {
	t.Helper()
	for s.inflight > 0 {
		select {
		case next := <-s.done:
			s.inflight--
			if next != nil {
				next()
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%d store calls still in flight", s.inflight)
		}
	}
}
