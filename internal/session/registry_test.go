package session

import (
	"sync"
	"testing"
)

type fakePeer struct {
	mu     sync.Mutex
	sent   []*Event
	closed bool
}

func (p *fakePeer) Send(evt *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, evt)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	p := &fakePeer{}

	if old := r.Register("u1", p); old != nil {
		t.Fatalf("expected no replaced peer, got %v", old)
	}
	got, ok := r.Lookup("u1")
	if !ok || got != p {
		t.Fatalf("Lookup(u1) = %v, %v; want %v, true", got, ok, p)
	}
	if _, ok := r.Lookup("u2"); ok {
		t.Fatalf("Lookup(u2) should miss")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegisterLastConnectWins(t *testing.T) {
	r := NewRegistry()
	p1 := &fakePeer{}
	p2 := &fakePeer{}

	r.Register("u1", p1)
	old := r.Register("u1", p2)
	if old != p1 {
		t.Fatalf("Register should return the replaced peer, got %v", old)
	}
	got, _ := r.Lookup("u1")
	if got != p2 {
		t.Fatalf("registry should point at the new peer")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after replacement", r.Len())
	}
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register("u1", &fakePeer{})

	if !r.Unregister("u1") {
		t.Fatalf("Unregister(u1) should report removal")
	}
	if r.Unregister("u1") {
		t.Fatalf("second Unregister(u1) should be a no-op")
	}
	if _, ok := r.Lookup("u1"); ok {
		t.Fatalf("u1 should be gone")
	}
}

func TestUnregisterPeerIdentity(t *testing.T) {
	r := NewRegistry()
	p1 := &fakePeer{}
	p2 := &fakePeer{}

	r.Register("u1", p1)
	r.Register("u1", p2)

	// 旧连接的延迟清理不得误删新会话
	if r.UnregisterPeer("u1", p1) {
		t.Fatalf("stale peer must not unregister the new session")
	}
	if got, ok := r.Lookup("u1"); !ok || got != p2 {
		t.Fatalf("new session should survive stale unregister")
	}
	if !r.UnregisterPeer("u1", p2) {
		t.Fatalf("bound peer should unregister")
	}
	if _, ok := r.Lookup("u1"); ok {
		t.Fatalf("u1 should be offline after bound unregister")
	}
}

func TestSnapshotExcept(t *testing.T) {
	r := NewRegistry()
	r.Register("u1", &fakePeer{})
	r.Register("u2", &fakePeer{})
	r.Register("u3", &fakePeer{})

	snap := r.SnapshotExcept("u2")
	if len(snap) != 2 {
		t.Fatalf("SnapshotExcept size = %d, want 2", len(snap))
	}
	if _, ok := snap["u2"]; ok {
		t.Fatalf("excluded user present in snapshot")
	}

	// 快照是副本：之后的注销不影响已取快照
	r.Unregister("u1")
	if _, ok := snap["u1"]; !ok {
		t.Fatalf("snapshot should be immutable after unregister")
	}
}

func TestConcurrentRegisterLookup(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	users := []string{"a", "b", "c", "d"}
	for i := 0; i < 50; i++ {
		for _, u := range users {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				r.Register(u, &fakePeer{})
				r.Lookup(u)
				r.Snapshot()
			}(u)
		}
	}
	wg.Wait()
	if r.Len() != len(users) {
		t.Fatalf("Len = %d, want %d", r.Len(), len(users))
	}
}
