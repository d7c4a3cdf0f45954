package websocket

import (
	"bufio"
	"net"
	"testing"
	"time"
)

func newFakeConn(t *testing.T) *Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	tr, err := newPlainTransport(a)
	if err != nil {
		t.Fatalf("newPlainTransport: %v", err)
	}
	return newConn(tr, bufio.NewReader(tr.rw), bufio.NewWriter(tr.rw), true, connOptions{pollInterval: 10 * time.Millisecond})
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn(t)

	r.Add(c)
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	if err := r.Remove(c); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistryRemoveUntracked(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn(t)

	if err := r.Remove(c); err != ErrNotFound {
		t.Errorf("Remove() error = %v, want %v", err, ErrNotFound)
	}
}

func TestRegistryWaitEmpty(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn(t)
	r.Add(c)

	waitDone := make(chan struct{})
	go func() {
		r.WaitEmpty()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		t.Fatal("WaitEmpty returned before the registry was emptied")
	case <-time.After(20 * time.Millisecond):
	}

	_ = r.Remove(c)

	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("WaitEmpty did not return after Remove emptied the registry")
	}
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	c1, c2 := newFakeConn(t), newFakeConn(t)
	r.Add(c1)
	r.Add(c2)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() len = %d, want 2", len(snap))
	}
}
