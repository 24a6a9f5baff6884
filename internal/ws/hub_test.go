package ws

import (
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, string(payload))
	return nil
}

func (s *recordingSubscriber) Close() {}

func (s *recordingSubscriber) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBroadcastReachesOnlySubscribedRepo(t *testing.T) {
	hub := NewHub(0)
	subA := &recordingSubscriber{}
	subB := &recordingSubscriber{}
	hub.Register("repo-a", subA)
	hub.Register("repo-b", subB)

	hub.Broadcast("repo-a", "building image")

	waitFor(t, func() bool { return len(subA.snapshot()) == 1 })
	if got := subA.snapshot()[0]; got != "building image" {
		t.Errorf("line = %q", got)
	}
	if len(subB.snapshot()) != 0 {
		t.Errorf("unrelated repo received %v", subB.snapshot())
	}
}

func TestLateSubscriberGetsReplay(t *testing.T) {
	hub := NewHub(3)
	early := &recordingSubscriber{}
	hub.Register("repo-a", early)

	hub.Broadcast("repo-a", "line 1")
	hub.Broadcast("repo-a", "line 2")
	hub.Broadcast("repo-a", "line 3")
	hub.Broadcast("repo-a", "line 4")
	// All four lines are in the replay buffer once the early subscriber
	// has seen the last one.
	waitFor(t, func() bool { return len(early.snapshot()) == 4 })

	sub := &recordingSubscriber{}
	hub.Register("repo-a", sub)

	waitFor(t, func() bool { return len(sub.snapshot()) == 3 })
	got := sub.snapshot()
	if got[0] != "line 2" || got[2] != "line 4" {
		t.Errorf("replay = %v", got)
	}
}

func TestUnregisteredSubscriberStopsReceiving(t *testing.T) {
	hub := NewHub(0)
	sub := &recordingSubscriber{}
	hub.Register("repo-a", sub)
	hub.Broadcast("repo-a", "first")
	waitFor(t, func() bool { return len(sub.snapshot()) == 1 })

	hub.Unregister("repo-a", sub)
	hub.Broadcast("repo-a", "second")
	time.Sleep(50 * time.Millisecond)
	if lines := sub.snapshot(); len(lines) != 1 {
		t.Errorf("lines after unregister = %v", lines)
	}
}
