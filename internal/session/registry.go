package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/forgepulse/forgepulse/internal/event"
)

// Structural errors returned to producers for explicit handling.
var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyExists = errors.New("session already exists")
	ErrTerminal      = errors.New("session is terminal")
)

// Publisher is the capability the registry needs to notify observers about
// session lifecycle changes. The event broadcaster implements it.
type Publisher interface {
	Publish(sessionID string, env *event.Envelope)
}

// entry pairs a session with its exclusivity lock. The lock serializes all
// mutation of that one session; different sessions never contend.
type entry struct {
	mu sync.Mutex
	s  *Session
}

// Registry is the thread-safe in-memory session store. A background
// goroutine (Run) expires sessions idle beyond the TTL and removes terminal
// sessions once their grace period has passed.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	pub     Publisher
	idleTTL time.Duration
	grace   time.Duration
	now     func() time.Time // injectable for deterministic tests
}

// NewRegistry creates a Registry. pub must not be nil.
func NewRegistry(pub Publisher, idleTTL, grace time.Duration) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		pub:      pub,
		idleTTL:  idleTTL,
		grace:    grace,
		now:      time.Now,
	}
}

// Create registers a new running session. Fails with ErrAlreadyExists if the
// id is in use.
func (r *Registry) Create(id, userID, artifact string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, ErrAlreadyExists
	}
	s := newSession(id, userID, artifact, r.now())
	r.sessions[id] = &entry{s: s}
	return s.Snapshot(), nil
}

// Get returns a read-only snapshot of the session. Sessions idle beyond the
// TTL or terminal beyond the grace period are treated as not found even if
// the prune loop has not removed them yet.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r.stale(e.s, r.now()) {
		return nil, ErrNotFound
	}
	return e.s.Snapshot(), nil
}

// List returns snapshots of all live sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	now := r.now()
	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !r.stale(e.s, now) {
			out = append(out, e.s.Snapshot())
		}
		e.mu.Unlock()
	}
	return out
}

// Mutate applies fn to the session under its exclusivity lock. Two mutations
// of the same session never interleave; mutations of different sessions run
// independently.
func (r *Registry) Mutate(id string, fn func(*Session) error) error {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r.stale(e.s, r.now()) {
		return ErrNotFound
	}
	return fn(e.s)
}

// Terminate forces the session into the given terminal status, fails any
// phase still in flight, and publishes one final lifecycle event. The entry
// stays queryable until the grace period elapses.
func (r *Registry) Terminate(id string, status Status, message string) error {
	if !status.Terminal() {
		return errors.New("terminate: status must be terminal")
	}

	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	if e.s.Status.Terminal() {
		e.mu.Unlock()
		return ErrTerminal
	}
	now := r.now()
	e.s.Status = status
	e.s.EndedAt = now
	if status != StatusCompleted {
		e.s.ForceFail(now)
	}
	notice := &event.SessionNotice{
		SessionID: e.s.ID,
		Status:    string(status),
		Message:   message,
		Overall:   e.s.OverallProgress,
	}
	e.mu.Unlock()

	slog.Info("session terminated",
		"session", id, "status", status, "message", message)
	r.pub.Publish(id, event.NewSessionNotice(notice, now))
	return nil
}

// Prune runs one pass: expire sessions idle beyond the TTL, then remove
// terminal sessions whose grace period has elapsed. Returns the number of
// entries removed.
func (r *Registry) Prune(now time.Time) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		r.mu.RLock()
		e, ok := r.sessions[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		e.mu.Lock()
		s := e.s
		switch {
		case !s.Status.Terminal() && now.Sub(s.LastEventAt) > r.idleTTL:
			s.Status = StatusExpired
			s.EndedAt = now
			s.ForceFail(now)
			notice := &event.SessionNotice{
				SessionID: s.ID,
				Status:    string(StatusExpired),
				Message:   "no events within idle TTL",
				Overall:   s.OverallProgress,
			}
			e.mu.Unlock()
			slog.Info("session expired", "session", id, "idle_ttl", r.idleTTL)
			r.pub.Publish(id, event.NewSessionNotice(notice, now))

		case s.Status.Terminal() && now.Sub(s.EndedAt) > r.grace:
			e.mu.Unlock()
			r.mu.Lock()
			delete(r.sessions, id)
			r.mu.Unlock()
			removed++

		default:
			e.mu.Unlock()
		}
	}
	return removed
}

// Run starts the background prune loop. It ticks at half the grace period
// (minimum 1 second) so terminal sessions are removed promptly. Run blocks
// until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	interval := r.grace / 2
	if interval <= 0 || interval > r.idleTTL/2 {
		interval = r.idleTTL / 2
	}
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := r.Prune(now); n > 0 {
				slog.Debug("registry: pruned sessions", "count", n)
			}
		}
	}
}

// Count returns the total number of entries currently held, including stale
// ones the prune loop has not yet removed.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// stale reports whether the session should no longer be visible to readers.
// Caller holds the entry lock.
func (r *Registry) stale(s *Session, now time.Time) bool {
	if s.Status.Terminal() {
		return now.Sub(s.EndedAt) > r.grace
	}
	return now.Sub(s.LastEventAt) > r.idleTTL
}
