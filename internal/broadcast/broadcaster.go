package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgepulse/forgepulse/internal/event"
)

// Sink is the delivery capability a transport adapter provides for one
// observer connection. Send is called from the subscriber's drain goroutine
// in strict FIFO order; returning an error removes the subscription.
type Sink interface {
	Send(env *event.Envelope) error
}

// SessionTopic returns the topic name for one session's events.
func SessionTopic(sessionID string) string { return "session:" + sessionID }

// UserTopic returns the topic name for all of one user's sessions.
func UserTopic(userID string) string { return "user:" + userID }

// Subscription is the handle returned by Subscribe and passed back to
// Unsubscribe.
type Subscription struct {
	ID        string
	SessionID string
	UserID    string
	ConnID    string
	Topics    []string

	sub *subscriber
}

// subscriber holds one observer's bounded delivery queue.
type subscriber struct {
	id     string
	topics []string
	sink   Sink

	mu     sync.Mutex
	queue  []*event.Envelope
	closed bool

	notify chan struct{} // cap 1, kicked after every enqueue
	done   chan struct{}
}

// Broadcaster fans envelopes out to topic subscribers. All methods are safe
// for concurrent use; Publish returns promptly regardless of consumer speed.
type Broadcaster struct {
	mu     sync.RWMutex
	topics map[string]map[string]*subscriber // topic → sub id → subscriber

	capacity int
	now      func() time.Time // injectable for deterministic tests
}

// New creates a Broadcaster whose subscribers buffer up to capacity events.
func New(capacity int) *Broadcaster {
	if capacity < 2 {
		capacity = 2
	}
	return &Broadcaster{
		topics:   make(map[string]map[string]*subscriber),
		capacity: capacity,
		now:      time.Now,
	}
}

// Subscribe binds sink to a session's event stream (and, when userID is
// non-empty, to the owning user's topic). The returned handle is the only
// way to unsubscribe explicitly; a failing sink unsubscribes lazily.
func (b *Broadcaster) Subscribe(sessionID, userID, connID string, sink Sink) *Subscription {
	topics := []string{SessionTopic(sessionID)}
	if userID != "" {
		topics = append(topics, UserTopic(userID))
	}

	s := &subscriber{
		id:     uuid.NewString(),
		topics: topics,
		sink:   sink,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	for _, t := range topics {
		m, ok := b.topics[t]
		if !ok {
			m = make(map[string]*subscriber)
			b.topics[t] = m
		}
		m[s.id] = s
	}
	b.mu.Unlock()

	go b.drain(s)

	slog.Debug("broadcast: subscribed",
		"session", sessionID, "user", userID, "conn", connID, "sub", s.id)

	return &Subscription{
		ID:        s.id,
		SessionID: sessionID,
		UserID:    userID,
		ConnID:    connID,
		Topics:    topics,
		sub:       s,
	}
}

// Unsubscribe removes the subscription eagerly. Safe to call more than once.
func (b *Broadcaster) Unsubscribe(h *Subscription) {
	if h == nil || h.sub == nil {
		return
	}
	b.remove(h.sub)
}

// Publish enqueues env for every current subscriber of the session's topic
// and, when the envelope carries a user id, of that user's topic. It never
// blocks and never fails: a full subscriber queue loses its oldest event to
// a gap marker instead of slowing the producer.
func (b *Broadcaster) Publish(sessionID string, env *event.Envelope) {
	topics := []string{SessionTopic(sessionID)}
	if uid := envelopeUser(env); uid != "" {
		topics = append(topics, UserTopic(uid))
	}

	b.mu.RLock()
	seen := make(map[string]*subscriber)
	for _, t := range topics {
		for id, s := range b.topics[t] {
			seen[id] = s
		}
	}
	b.mu.RUnlock()

	now := b.now()
	for _, s := range seen {
		b.enqueue(s, sessionID, env, now)
	}
}

// Subscribers returns the number of current subscribers for a session.
func (b *Broadcaster) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[SessionTopic(sessionID)])
}

// --- internal ---------------------------------------------------------------

// enqueue appends env to the subscriber's queue, converting overflow into a
// gap marker. Consecutive drops while the consumer is stalled coalesce into
// the same marker, so a dropped batch yields exactly one gap.
func (b *Broadcaster) enqueue(s *subscriber, sessionID string, env *event.Envelope, now time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= b.capacity {
		if head := s.queue[0]; head.Kind == event.KindGap {
			// Still stalled behind an existing gap — drop the next-oldest
			// event into the same marker.
			s.queue = append(s.queue[:1], s.queue[2:]...)
			head.Gap.Dropped++
		} else {
			s.queue[0] = event.NewGap(sessionID, 1, now)
		}
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// drain delivers the subscriber's queue to its sink in FIFO order. Runs in
// its own goroutine per subscriber; exits when the subscription is removed
// or the sink fails.
func (b *Broadcaster) drain(s *subscriber) {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			env := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if err := s.sink.Send(env); err != nil {
				slog.Debug("broadcast: sink failed, removing subscriber",
					"sub", s.id, "err", err)
				b.remove(s)
				return
			}
		}
	}
}

// remove unregisters the subscriber from all topics and stops its drain.
func (b *Broadcaster) remove(s *subscriber) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	close(s.done)

	b.mu.Lock()
	for _, t := range s.topics {
		if m, ok := b.topics[t]; ok {
			delete(m, s.id)
			if len(m) == 0 {
				delete(b.topics, t)
			}
		}
	}
	b.mu.Unlock()
}

// envelopeUser extracts the owning user id from the payload, if present.
func envelopeUser(env *event.Envelope) string {
	switch env.Kind {
	case event.KindProgress:
		if env.Progress != nil {
			return env.Progress.UserID
		}
	case event.KindTask:
		if env.Task != nil {
			return env.Task.UserID
		}
	}
	return ""
}
