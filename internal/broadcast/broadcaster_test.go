package broadcast

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/forgepulse/forgepulse/internal/event"
)

// collectSink records everything delivered to it.
type collectSink struct {
	mu   sync.Mutex
	envs []*event.Envelope

	// gate, when non-nil, blocks every Send until it is closed.
	gate chan struct{}

	// fail, when set, makes every Send return an error.
	fail bool
}

func (c *collectSink) Send(env *event.Envelope) error {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("sink closed")
	}
	c.envs = append(c.envs, env)
	return nil
}

func (c *collectSink) received() []*event.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*event.Envelope, len(c.envs))
	copy(out, c.envs)
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func progressEnv(sessionID, userID, step string) *event.Envelope {
	return event.NewProgress(&event.ProgressEvent{
		SessionID: sessionID,
		UserID:    userID,
		Phase:     event.PhaseGeneration,
		Step:      step,
		Progress:  50,
		Timestamp: time.Now(),
	})
}

func TestBroadcaster_DeliversInOrder(t *testing.T) {
	b := New(16)
	sink := &collectSink{}
	sub := b.Subscribe("s-1", "", "conn-1", sink)
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish("s-1", progressEnv("s-1", "", fmt.Sprintf("step-%d", i)))
	}

	waitFor(t, func() bool { return len(sink.received()) == 5 }, "5 deliveries")
	for i, env := range sink.received() {
		if want := fmt.Sprintf("step-%d", i); env.Progress.Step != want {
			t.Errorf("delivery %d: got %s, want %s", i, env.Progress.Step, want)
		}
	}
}

func TestBroadcaster_SessionIsolation(t *testing.T) {
	b := New(16)
	sink1 := &collectSink{}
	sink2 := &collectSink{}
	sub1 := b.Subscribe("s-1", "", "conn-1", sink1)
	sub2 := b.Subscribe("s-2", "", "conn-2", sink2)
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish("s-1", progressEnv("s-1", "", "only-s1"))

	waitFor(t, func() bool { return len(sink1.received()) == 1 }, "s-1 delivery")
	time.Sleep(20 * time.Millisecond)
	if got := sink2.received(); len(got) != 0 {
		t.Errorf("s-2 subscriber received %d events, want 0", len(got))
	}
}

func TestBroadcaster_UserTopic(t *testing.T) {
	b := New(16)
	sink := &collectSink{}
	// Watching all of u-1's sessions via any one of them.
	sub := b.Subscribe("other", "u-1", "conn-1", sink)
	defer b.Unsubscribe(sub)

	b.Publish("s-1", progressEnv("s-1", "u-1", "user-visible"))
	b.Publish("s-2", progressEnv("s-2", "u-2", "not-mine"))

	waitFor(t, func() bool { return len(sink.received()) == 1 }, "user topic delivery")
	time.Sleep(20 * time.Millisecond)
	got := sink.received()
	if len(got) != 1 || got[0].Progress.Step != "user-visible" {
		t.Errorf("user topic: got %+v, want only user-visible", got)
	}
}

func TestBroadcaster_NoDuplicateAcrossTopics(t *testing.T) {
	b := New(16)
	sink := &collectSink{}
	// Subscribed to both session:s-1 and user:u-1; an event matching both
	// arrives once.
	sub := b.Subscribe("s-1", "u-1", "conn-1", sink)
	defer b.Unsubscribe(sub)

	b.Publish("s-1", progressEnv("s-1", "u-1", "both-topics"))

	waitFor(t, func() bool { return len(sink.received()) >= 1 }, "delivery")
	time.Sleep(20 * time.Millisecond)
	if got := sink.received(); len(got) != 1 {
		t.Errorf("got %d deliveries, want exactly 1", len(got))
	}
}

func TestBroadcaster_OverflowCoalescesIntoOneGap(t *testing.T) {
	b := New(4)
	gate := make(chan struct{})
	sink := &collectSink{gate: gate}
	sub := b.Subscribe("s-1", "", "conn-1", sink)
	defer b.Unsubscribe(sub)

	// First publish is popped by the drain goroutine, which then blocks in
	// Send. Wait for that so the queue state is deterministic.
	b.Publish("s-1", progressEnv("s-1", "", "e0"))
	waitFor(t, func() bool {
		sub.sub.mu.Lock()
		defer sub.sub.mu.Unlock()
		return len(sub.sub.queue) == 0
	}, "drain to block in Send")

	// Queue capacity is 4: e1–e4 fit, e5–e7 each displace the oldest into a
	// single coalesced gap marker.
	for i := 1; i <= 7; i++ {
		b.Publish("s-1", progressEnv("s-1", "", fmt.Sprintf("e%d", i)))
	}
	close(gate)

	waitFor(t, func() bool { return len(sink.received()) == 6 }, "post-overflow deliveries")
	got := sink.received()

	if got[0].Progress.Step != "e0" {
		t.Errorf("first delivery: got %s, want e0", got[0].Progress.Step)
	}
	if got[1].Kind != event.KindGap {
		t.Fatalf("second delivery: got kind %s, want gap", got[1].Kind)
	}
	if got[1].Gap.Dropped != 3 {
		t.Errorf("gap dropped: got %d, want 3", got[1].Gap.Dropped)
	}
	for i, want := range []string{"e4", "e5", "e6", "e7"} {
		if got[2+i].Progress.Step != want {
			t.Errorf("delivery %d: got %s, want %s", 2+i, got[2+i].Progress.Step, want)
		}
	}
}

func TestBroadcaster_PublishNeverBlocks(t *testing.T) {
	b := New(2)
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) }) // unblock the stalled drain goroutine
	sink := &collectSink{gate: gate}  // consumer never drains during the test
	sub := b.Subscribe("s-1", "", "conn-1", sink)
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish("s-1", progressEnv("s-1", "", "flood"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stalled consumer")
	}
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := New(16)
	sink := &collectSink{}
	sub := b.Subscribe("s-1", "", "conn-1", sink)

	if got := b.Subscribers("s-1"); got != 1 {
		t.Fatalf("subscribers: got %d, want 1", got)
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // idempotent

	if got := b.Subscribers("s-1"); got != 0 {
		t.Errorf("subscribers after unsubscribe: got %d, want 0", got)
	}

	b.Publish("s-1", progressEnv("s-1", "", "after-close"))
	time.Sleep(20 * time.Millisecond)
	if got := sink.received(); len(got) != 0 {
		t.Errorf("received %d events after unsubscribe, want 0", len(got))
	}
}

func TestBroadcaster_FailingSinkRemoved(t *testing.T) {
	b := New(16)
	sink := &collectSink{fail: true}
	_ = b.Subscribe("s-1", "", "conn-1", sink)

	b.Publish("s-1", progressEnv("s-1", "", "boom"))

	waitFor(t, func() bool { return b.Subscribers("s-1") == 0 }, "lazy removal")
}
