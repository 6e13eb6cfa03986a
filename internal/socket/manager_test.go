package socket

import (
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestConnManager_Register(t *testing.T) {
	cm := NewConnManager()
	conn := &websocket.Conn{}

	cm.Register(1, 10, conn)

	if active := cm.GetActive(1, 10); active != conn {
		t.Errorf("Expected connection %v, got %v", conn, active)
	}
	if cm.Count() != 1 {
		t.Errorf("Count() = %d, want 1", cm.Count())
	}
}

func TestConnManager_Unregister(t *testing.T) {
	cm := NewConnManager()
	conn := &websocket.Conn{}

	cm.Register(1, 10, conn)
	cm.Unregister(1, 10, conn)

	if active := cm.GetActive(1, 10); active != nil {
		t.Errorf("Expected nil connection, got %v", active)
	}
	if cm.Count() != 0 {
		t.Errorf("Count() = %d, want 0", cm.Count())
	}
}

func TestConnManager_UnregisterOtherSession(t *testing.T) {
	cm := NewConnManager()
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}

	cm.Register(1, 10, conn1)
	cm.Register(1, 11, conn2)
	cm.Unregister(1, 10, conn1)

	if active := cm.GetActive(1, 11); active != conn2 {
		t.Errorf("Expected connection %v, got %v", conn2, active)
	}
}

func TestConnManager_UnregisterStaleConn(t *testing.T) {
	cm := NewConnManager()
	current := &websocket.Conn{}
	stale := &websocket.Conn{}

	cm.Register(1, 10, current)
	cm.Unregister(1, 10, stale)

	if active := cm.GetActive(1, 10); active != current {
		t.Errorf("stale unregister removed the active connection")
	}
}

func TestConnManager_ConcurrentAccess(t *testing.T) {
	cm := NewConnManager()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := int64(0); i < 1000; i++ {
			cm.Register(7, i, &websocket.Conn{})
		}
	}()

	for i := int64(0); i < 1000; i++ {
		cm.GetActive(7, i)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("register loop did not finish")
	}
	if cm.Count() != 1000 {
		t.Errorf("Count() = %d, want 1000", cm.Count())
	}
}
