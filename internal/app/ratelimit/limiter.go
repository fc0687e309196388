// Package ratelimit throttles inbound events per connection and event kind.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Lobby/internal/domain"
)

// DefaultKind is the table entry used for events without their own ceiling.
const DefaultKind = "default"

// Rule is a ceiling of Max events per Window.
type Rule struct {
	Max     int
	Window  time.Duration
	Message string
}

// DefaultRules mirrors the per-event ceilings the client is tuned for.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"send_message":           {Max: 5, Window: time.Second, Message: "You are sending messages too fast"},
		"sendFriendRequest":      {Max: 5, Window: time.Minute, Message: "Too many friend requests"},
		"respondToFriendRequest": {Max: 10, Window: time.Minute, Message: "Too many friend request responses"},
		"requestInteraction":     {Max: 10, Window: time.Minute, Message: "Too many interaction requests"},
		"respondToRequest":       {Max: 10, Window: time.Minute, Message: "Too many interaction responses"},
		"signal":                 {Max: 100, Window: time.Second, Message: "Too many signaling messages"},
		"sendFriendMessage":      {Max: 10, Window: time.Second, Message: "You are sending messages too fast"},
		"playerUpdate":           {Max: 60, Window: time.Second, Message: "Too many position updates"},
		DefaultKind:              {Max: 30, Window: time.Second, Message: "Too many requests"},
	}
}

type windowKey struct {
	conn domain.ConnID
	kind string
}

type window struct {
	count int
	start time.Time
}

type Limiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	rules   map[string]Rule
	windows map[windowKey]*window
}

// New builds a limiter. Missing entries, including DefaultKind, fall back
// to DefaultRules.
func New(clk clock.Clock, rules map[string]Rule) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		clock:   clk,
		rules:   Merge(rules),
		windows: make(map[windowKey]*window),
	}
}

// Merge lays rules over DefaultRules, ignoring entries without a positive
// Max and Window.
func Merge(rules map[string]Rule) map[string]Rule {
	merged := DefaultRules()
	for kind, r := range rules {
		if r.Max > 0 && r.Window > 0 {
			if r.Message == "" {
				r.Message = merged[DefaultKind].Message
			}
			merged[kind] = r
		}
	}
	return merged
}

// LongestWindow is the widest window among rules merged over the defaults.
// A sweep retention shorter than this would reset live windows.
func LongestWindow(rules map[string]Rule) time.Duration {
	var longest time.Duration
	for _, r := range Merge(rules) {
		longest = max(longest, r.Window)
	}
	return longest
}

func (rl *Limiter) rule(kind string) Rule {
	if r, ok := rl.rules[kind]; ok {
		return r
	}
	return rl.rules[DefaultKind]
}

// Message is the user-facing text for a rejected event of kind.
func (rl *Limiter) Message(kind string) string {
	return rl.rule(kind).Message
}

// Allow counts one event and reports whether it fits the current window.
// Windows reset lazily on the first access past their lifetime.
func (rl *Limiter) Allow(conn domain.ConnID, kind string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	r := rl.rule(kind)
	now := rl.clock.Now()
	key := windowKey{conn: conn, kind: kind}

	w, ok := rl.windows[key]
	if !ok {
		w = &window{start: now}
		rl.windows[key] = w
	}
	if now.Sub(w.start) >= r.Window {
		w.count = 0
		w.start = now
	}
	if w.count >= r.Max {
		log.Debug().Str("module", "ratelimit").Str("conn", string(conn)).Str("event", kind).
			Int("count", w.count).Int("max", r.Max).Msg("limit exceeded")
		return false
	}
	w.count++
	return true
}

// Forget drops every window of conn.
func (rl *Limiter) Forget(conn domain.ConnID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key := range rl.windows {
		if key.conn == conn {
			delete(rl.windows, key)
		}
	}
}

// Sweep evicts windows that started more than retention ago and returns how
// many remain.
func (rl *Limiter) Sweep(retention time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.clock.Now()
	for key, w := range rl.windows {
		if now.Sub(w.start) >= retention {
			delete(rl.windows, key)
		}
	}
	return len(rl.windows)
}

// Len reports how many windows are tracked.
func (rl *Limiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}
