// Package presence tracks who is typing in a session using short-lived state.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"
)

const (
	// DefaultWindow is how long a typing signal stays visible.
	DefaultWindow = 5 * time.Second
	// DefaultTTL bounds the lifetime of a whole per-session set in the store.
	DefaultTTL = 10 * time.Second

	keyPrefix = "pollchat:typing:"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Entries maps user id to that user's last typing signal.
type Entries map[int64]time.Time

// Store keeps per-key entry sets with an expiry on the whole set.
// Update must apply fn atomically with respect to other updates of the same key.
// Returning an empty set from fn deletes the key.
type Store interface {
	Update(ctx context.Context, key string, ttl time.Duration, fn func(Entries) Entries) error
	Load(ctx context.Context, key string) (Entries, error)
}

// Tracker records typing signals per session.
type Tracker struct {
	store  Store
	clock  Clock
	window time.Duration
	ttl    time.Duration
}

type Option func(*Tracker)

func WithClock(c Clock) Option {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithWindows sets the freshness window and the store expiry.
func WithWindows(window, ttl time.Duration) Option {
	return func(t *Tracker) {
		if window > 0 {
			t.window = window
		}
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		clock:  SystemClock,
		window: DefaultWindow,
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.ttl < t.window {
		t.ttl = t.window
	}
	return t
}

// Window reports the freshness window.
func (t *Tracker) Window() time.Duration { return t.window }

// SetTyping refreshes or clears the user's typing entry. Stale entries of the
// session are dropped on every write.
func (t *Tracker) SetTyping(ctx context.Context, sessionID, userID int64, isTyping bool) error {
	now := t.clock.Now()
	err := t.store.Update(ctx, sessionKey(sessionID), t.ttl, func(entries Entries) Entries {
		next := t.fresh(entries, now)
		if isTyping {
			next[userID] = now
		} else {
			delete(next, userID)
		}
		return next
	})
	if err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

// TypingUsers returns the ids with a fresh signal, excluding the requester,
// in ascending order.
func (t *Tracker) TypingUsers(ctx context.Context, sessionID, excluding int64) ([]int64, error) {
	entries, err := t.store.Load(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("load typing: %w", err)
	}
	fresh := t.fresh(entries, t.clock.Now())
	users := make([]int64, 0, len(fresh))
	for id := range fresh {
		if id == excluding {
			continue
		}
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

func (t *Tracker) fresh(entries Entries, now time.Time) Entries {
	out := make(Entries, len(entries))
	for id, at := range entries {
		if now.Sub(at) < t.window {
			out[id] = at
		}
	}
	return out
}

func sessionKey(sessionID int64) string {
	return keyPrefix + strconv.FormatInt(sessionID, 10)
}
