package websocket

import "sync"

// Registry tracks the set of currently active server-side connections.
// It is a flat add/remove/enumerate set with a WaitEmpty drain primitive
// for graceful shutdown — it does not provide message broadcast or any
// other pub/sub primitive.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	clients map[*Conn]struct{}
}

// NewRegistry returns an empty Registry ready for use.
func NewRegistry() *Registry {
	r := &Registry{clients: make(map[*Conn]struct{})}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Add registers conn as active. Typically called right after Upgrade
// succeeds.
func (r *Registry) Add(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[conn] = struct{}{}
}

// Remove unregisters conn. It does not close the connection — callers
// that want that call conn.Close() themselves, usually in the same
// defer. Removing an untracked connection is a harmless no-op; ErrNotFound
// is returned only so callers that want to notice can.
func (r *Registry) Remove(conn *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[conn]; !ok {
		return ErrNotFound
	}
	delete(r.clients, conn)
	r.cond.Broadcast()
	return nil
}

// Len returns the number of currently registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Snapshot returns a point-in-time copy of the registered connections.
// Safe to range over without holding any lock.
func (r *Registry) Snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.clients))
	for c := range r.clients {
		out = append(out, c)
	}
	return out
}

// CloseAll sends a going-away close frame to every registered connection.
// It does not wait for Remove to be called back; callers that need a
// clean drain follow it with WaitEmpty.
func (r *Registry) CloseAll() {
	for _, c := range r.Snapshot() {
		_ = c.CloseWithCode(CloseGoingAway, "server shutting down")
	}
}

// WaitEmpty blocks until Len() reaches zero. Used during shutdown, after
// CloseAll, to wait for every connection's close handshake (run on its
// own goroutine) to finish and call Remove.
func (r *Registry) WaitEmpty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.clients) > 0 {
		r.cond.Wait()
	}
}
