package hub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvNow(t *testing.T, s *Subscriber) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := s.Recv(ctx)
	require.NoError(t, err)
	return p
}

func TestPublishReachesEverySubscriber(t *testing.T) {
	h := New()
	subs := make([]*Subscriber, 5)
	for i := range subs {
		subs[i] = h.Subscribe()
	}

	n, err := h.Publish([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for i, s := range subs {
		assert.Equal(t, []byte("hello"), recvNow(t, s), "subscriber %d", i)
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	h := New()
	n, err := h.Publish([]byte("into the void"))
	assert.ErrorIs(t, err, ErrNoSubscribers)
	assert.Zero(t, n)
}

func TestClosedSubscriberStopsCounting(t *testing.T) {
	h := New()
	a := h.Subscribe()
	b := h.Subscribe()
	require.Equal(t, 2, h.SubscriberCount())

	b.Close()
	require.Equal(t, 1, h.SubscriberCount())

	n, err := h.Publish([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte("x"), recvNow(t, a))
}

func TestOrderPreserved(t *testing.T) {
	h := New()
	s := h.Subscribe()

	const n = 50
	for i := 0; i < n; i++ {
		_, err := h.Publish([]byte(fmt.Sprintf("m%02d", i)))
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("m%02d", i), string(recvNow(t, s)))
	}
}

func TestLagReportedOnceWithExactCount(t *testing.T) {
	h := NewWithCapacity(4)
	s := h.Subscribe()

	// 10 published into a buffer of 4: the oldest 6 are displaced.
	for i := 0; i < 10; i++ {
		_, err := h.Publish([]byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	ctx := context.Background()
	_, err := s.Recv(ctx)
	var lag *LagError
	require.ErrorAs(t, err, &lag)
	assert.Equal(t, uint64(6), lag.Skipped)

	// Delivery resumes from the oldest retained message, in order,
	// with no second lag report.
	for i := 6; i < 10; i++ {
		p, err := s.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("m%d", i), string(p))
	}
}

func TestLagOnlyHurtsTheLaggard(t *testing.T) {
	h := NewWithCapacity(2)
	slow := h.Subscribe()
	fast := h.Subscribe()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := h.Publish([]byte{byte(i)})
		require.NoError(t, err)
		// fast drains as it goes and never lags
		p, err := fast.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, p)
	}

	_, err := slow.Recv(ctx)
	var lag *LagError
	require.ErrorAs(t, err, &lag)
	assert.Equal(t, uint64(3), lag.Skipped)
}

func TestRecvHonorsContext(t *testing.T) {
	h := New()
	s := h.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscriberJoinsAtCurrentHead(t *testing.T) {
	h := New()
	early := h.Subscribe()

	_, err := h.Publish([]byte("before"))
	require.NoError(t, err)

	late := h.Subscribe()
	_, err = h.Publish([]byte("after"))
	require.NoError(t, err)

	assert.Equal(t, []byte("before"), recvNow(t, early))
	assert.Equal(t, []byte("after"), recvNow(t, early))

	// The late joiner never sees history.
	assert.Equal(t, []byte("after"), recvNow(t, late))
	assert.Zero(t, late.Lag())
}
