package notify

import (
	"testing"

	"github.com/gorilla/websocket"
)

func TestRemoveOnlyEvictsOwnConn(t *testing.T) {
	h := NewHub(nil)
	stale := &websocket.Conn{}
	fresh := &websocket.Conn{}
	h.AddDriver("d1", stale)
	h.AddDriver("d1", fresh) // reconnect replaces the session

	// the old connection's reader goroutine exits and cleans up
	h.RemoveDriver("d1", stale)
	h.mu.RLock()
	s := h.drivers["d1"]
	h.mu.RUnlock()
	if s == nil || s.conn != fresh {
		t.Fatal("stale connection teardown must not evict the reconnected session")
	}

	h.RemoveDriver("d1", fresh)
	h.mu.RLock()
	_, ok := h.drivers["d1"]
	h.mu.RUnlock()
	if ok {
		t.Fatal("removing with the live conn must drop the session")
	}
}

func TestRemoveOtherRolesGuardedToo(t *testing.T) {
	h := NewHub(nil)
	stale := &websocket.Conn{}
	fresh := &websocket.Conn{}

	h.AddPassenger("p1", stale)
	h.AddPassenger("p1", fresh)
	h.RemovePassenger("p1", stale)
	h.mu.RLock()
	p := h.passengers["p1"]
	h.mu.RUnlock()
	if p == nil || p.conn != fresh {
		t.Fatal("passenger reconnect must survive stale teardown")
	}

	h.AddAdmin("a1", stale)
	h.AddAdmin("a1", fresh)
	h.RemoveAdmin("a1", stale)
	h.mu.RLock()
	a := h.admins["a1"]
	h.mu.RUnlock()
	if a == nil || a.conn != fresh {
		t.Fatal("admin reconnect must survive stale teardown")
	}
}
