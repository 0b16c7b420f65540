package typing

import (
	"sync"
	"testing"
	"time"
)

type notification struct {
	receiverID     string
	userID         string
	conversationID string
	isTyping       bool
}

type recorder struct {
	mu    sync.Mutex
	calls []notification
}

func (r *recorder) notify(receiverID, userID, conversationID string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, notification{receiverID, userID, conversationID, isTyping})
}

func (r *recorder) snapshot() []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notification, len(r.calls))
	copy(out, r.calls)
	return out
}

func TestStartNotifiesAndAutoStops(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(rec.notify)
	tr.AutoStop = 30 * time.Millisecond

	tr.Start("alice", "c1", "bob")
	if !tr.IsTyping("alice", "c1") {
		t.Fatalf("alice should be typing in c1")
	}

	time.Sleep(100 * time.Millisecond)
	if tr.IsTyping("alice", "c1") {
		t.Fatalf("typing state should auto-clear")
	}

	calls := rec.snapshot()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2 (start + auto-stop)", len(calls))
	}
	if !calls[0].isTyping || calls[0].receiverID != "bob" || calls[0].conversationID != "c1" {
		t.Fatalf("unexpected start notification: %+v", calls[0])
	}
	if calls[1].isTyping {
		t.Fatalf("auto-stop should notify isTyping=false")
	}
}

func TestStartDebounceRearmsTimer(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(rec.notify)
	tr.AutoStop = 60 * time.Millisecond

	tr.Start("alice", "c1", "bob")
	time.Sleep(40 * time.Millisecond)
	tr.Start("alice", "c1", "bob")
	time.Sleep(40 * time.Millisecond)

	// 第二次 Start 重置了定时器，至此不应出现任何 isTyping:false
	for _, c := range rec.snapshot() {
		if !c.isTyping {
			t.Fatalf("premature auto-stop fired: %+v", c)
		}
	}

	time.Sleep(80 * time.Millisecond)
	calls := rec.snapshot()
	stops := 0
	for _, c := range calls {
		if !c.isTyping {
			stops++
		}
	}
	if stops != 1 {
		t.Fatalf("stops = %d, want exactly 1 after debounce window", stops)
	}
}

func TestStopCancelsTimer(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(rec.notify)
	tr.AutoStop = 30 * time.Millisecond

	tr.Start("alice", "c1", "bob")
	tr.Stop("alice", "c1", "bob")
	if tr.IsTyping("alice", "c1") {
		t.Fatalf("Stop should clear typing state immediately")
	}

	time.Sleep(80 * time.Millisecond)
	calls := rec.snapshot()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2 (start + explicit stop, no late timer fire)", len(calls))
	}
	if calls[1].isTyping {
		t.Fatalf("explicit stop should notify isTyping=false")
	}
}

func TestStopWithoutStartStillNotifies(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(rec.notify)

	tr.Stop("alice", "c1", "bob")
	calls := rec.snapshot()
	if len(calls) != 1 || calls[0].isTyping {
		t.Fatalf("bare Stop should emit one isTyping=false, got %+v", calls)
	}
}

func TestIndependentConversations(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(rec.notify)
	tr.AutoStop = time.Minute

	tr.Start("alice", "c1", "bob")
	tr.Start("alice", "c2", "carol")
	tr.Stop("alice", "c1", "bob")

	if tr.IsTyping("alice", "c1") {
		t.Fatalf("c1 should be stopped")
	}
	if !tr.IsTyping("alice", "c2") {
		t.Fatalf("c2 must be unaffected by stopping c1")
	}
}

func TestTeardownUserEmitsNothing(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(rec.notify)
	tr.AutoStop = 30 * time.Millisecond

	tr.Start("alice", "c1", "bob")
	tr.Start("alice", "c2", "carol")
	before := len(rec.snapshot())

	tr.TeardownUser("alice")
	if tr.IsTyping("alice", "c1") || tr.IsTyping("alice", "c2") {
		t.Fatalf("teardown should clear all conversations")
	}

	time.Sleep(80 * time.Millisecond)
	if got := len(rec.snapshot()); got != before {
		t.Fatalf("teardown must not emit events, calls %d → %d", before, got)
	}
}
