package hub

import (
	"sync"

	"github.com/google/uuid"
)

// Outbound is the private send side of one connection. Push must not
// block; it reports false once the connection stopped accepting frames.
type Outbound interface {
	Push(frame []byte) bool
}

// Registry tracks live connections by id so an out-of-band sender (for
// example a notification aimed at another connection of the same user)
// can reach them. Ids are random 128-bit values; collisions are
// negligible and ids stay unique for the registry's lifetime.
type Registry struct {
	mu    sync.Mutex
	conns map[uuid.UUID]Outbound
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[uuid.UUID]Outbound)}
}

// Register stores the connection's outbound queue under a fresh id and
// returns it. The caller holds onto the id for the connection's
// lifetime and passes it back to Remove at teardown.
func (r *Registry) Register(out Outbound) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	r.conns[id] = out
	r.mu.Unlock()
	return id
}

// Remove deletes the connection if present. Removing an unknown id is a
// no-op, never an error.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// SendTo delivers one frame to a single connection's private queue. It
// reports false when the id is unknown or the connection is gone.
func (r *Registry) SendTo(id uuid.UUID, frame []byte) bool {
	r.mu.Lock()
	out, ok := r.conns[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return out.Push(frame)
}
