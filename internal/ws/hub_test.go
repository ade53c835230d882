package ws

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads []string
	fail     bool
	closed   bool
}

func (r *recordingSubscriber) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("gone")
	}
	r.payloads = append(r.payloads, string(p))
	return nil
}

func (r *recordingSubscriber) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingSubscriber) snapshot() ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...), r.closed
}

// stalledSubscriber blocks in Send until released.
type stalledSubscriber struct {
	release chan struct{}
	once    sync.Once
	closed  chan struct{}
}

func newStalledSubscriber() *stalledSubscriber {
	return &stalledSubscriber{release: make(chan struct{}), closed: make(chan struct{})}
}

func (s *stalledSubscriber) Send([]byte) error {
	<-s.release
	return errors.New("released")
}

func (s *stalledSubscriber) Close() {
	s.once.Do(func() { close(s.closed) })
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHubRoutesByTopic(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	teamA := &recordingSubscriber{}
	teamB := &recordingSubscriber{}
	hub.Register(teamA, TopicConfig, TeamTopic("a"))
	hub.Register(teamB, TopicConfig, TeamTopic("b"))

	hub.Broadcast(TeamTopic("a"), []byte("revoked"))
	if err := hub.Publish(TopicConfig, map[string]bool{"is_open": true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := hub.Subscribers(); got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}

	waitUntil(t, func() bool {
		a, _ := teamA.snapshot()
		b, _ := teamB.snapshot()
		return len(a) == 2 && len(b) == 1
	})
	a, _ := teamA.snapshot()
	b, _ := teamB.snapshot()
	if a[0] != "revoked" || a[1] != `{"is_open":true}` {
		t.Fatalf("unexpected payloads for team a: %v", a)
	}
	if b[0] != `{"is_open":true}` {
		t.Fatalf("unexpected payloads for team b: %v", b)
	}
}

func TestHubPreservesOrderPerSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := &recordingSubscriber{}
	hub.Register(sub, TopicConfig)
	for i := 0; i < subscriberQueue; i++ {
		hub.Broadcast(TopicConfig, []byte(fmt.Sprint(i)))
	}
	waitUntil(t, func() bool {
		got, _ := sub.snapshot()
		return len(got) == subscriberQueue
	})
	got, _ := sub.snapshot()
	for i, p := range got {
		if p != fmt.Sprint(i) {
			t.Fatalf("payload %d out of order: %v", i, got)
		}
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	bad := &recordingSubscriber{fail: true}
	hub.Register(bad, TopicConfig)
	hub.Broadcast(TopicConfig, []byte("x"))

	waitUntil(t, func() bool { return hub.Subscribers() == 0 })
	waitUntil(t, func() bool {
		_, closed := bad.snapshot()
		return closed
	})
}

func TestHubEvictsStalledSubscriberWithoutBlocking(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	stalled := newStalledSubscriber()
	defer close(stalled.release)
	healthy := &recordingSubscriber{}
	hub.Register(stalled, TopicConfig)
	hub.Register(healthy, TopicConfig)

	// one payload in flight plus a full queue, then one more to overflow
	const total = subscriberQueue + 2
	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < total; i++ {
			_ = hub.Publish(TopicConfig, i)
			for {
				if got, _ := healthy.snapshot(); len(got) > i {
					break
				}
				time.Sleep(time.Millisecond)
			}
		}
	}()
	select {
	case <-published:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}

	select {
	case <-stalled.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stalled subscriber was not closed")
	}
	waitUntil(t, func() bool { return hub.Subscribers() == 1 })
	if _, closed := healthy.snapshot(); closed {
		t.Fatal("healthy subscriber must stay connected")
	}
}

func TestHubUnregisterAndClose(t *testing.T) {
	hub := NewHub()
	sub := &recordingSubscriber{}
	hub.Register(sub, TopicConfig)
	hub.Unregister(sub, TopicConfig)
	hub.Broadcast(TopicConfig, []byte("x"))
	if got := hub.Subscribers(); got != 0 {
		t.Fatalf("expected no subscribers after unregister, got %d", got)
	}
	if payloads, closed := sub.snapshot(); len(payloads) != 0 || closed {
		t.Fatalf("expected no payloads and no close after unregister, got %v closed=%t", payloads, closed)
	}

	other := &recordingSubscriber{}
	hub.Register(other, TopicConfig)
	hub.Close()
	waitUntil(t, func() bool {
		_, closed := other.snapshot()
		return closed
	})
	hub.Broadcast(TopicConfig, []byte("after close"))
	if hub.Subscribers() != 0 {
		t.Fatalf("expected zero subscribers after close")
	}
}
