package hub

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureOutbound struct {
	frames [][]byte
	closed bool
}

func (c *captureOutbound) Push(frame []byte) bool {
	if c.closed {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

func TestRegisterAssignsDistinctIDs(t *testing.T) {
	r := NewRegistry()

	seen := make(map[uuid.UUID]bool)
	for i := 0; i < 100; i++ {
		id := r.Register(&captureOutbound{})
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, 100, r.Count())
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	id := r.Register(&captureOutbound{})
	require.Equal(t, 1, r.Count())

	r.Remove(id)
	assert.Equal(t, 0, r.Count())

	r.Remove(id)
	r.Remove(uuid.New())
	assert.Equal(t, 0, r.Count())
}

func TestSendTo(t *testing.T) {
	r := NewRegistry()
	a := &captureOutbound{}
	b := &captureOutbound{}
	idA := r.Register(a)
	idB := r.Register(b)

	assert.True(t, r.SendTo(idA, []byte("for a")))
	assert.Empty(t, b.frames, "only the addressed connection receives")
	require.Len(t, a.frames, 1)
	assert.Equal(t, []byte("for a"), a.frames[0])

	assert.False(t, r.SendTo(uuid.New(), []byte("nobody")))

	// A connection that stopped accepting reports false through.
	b.closed = true
	assert.False(t, r.SendTo(idB, []byte("late")))
}
