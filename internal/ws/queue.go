package ws

import "sync"

// queue is the connection's private outbound buffer. It is unbounded:
// direct replies (echoes, error frames) must not be dropped, unlike
// shared broadcast traffic where a laggard only hurts itself. A pump
// goroutine moves frames from the buffer to a channel so the writer can
// select over it next to the broadcast subscription.
type queue struct {
	mu     sync.Mutex
	buf    [][]byte
	closed bool

	wake chan struct{}
	done chan struct{}
	out  chan []byte
}

func newQueue() *queue {
	q := &queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan []byte),
	}
	go q.pump()
	return q
}

// Push appends a frame without ever blocking the caller. It reports
// false after Close, when the frame is discarded.
func (q *queue) Push(frame []byte) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.buf = append(q.buf, frame)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// C yields frames in push order. The channel is never closed; readers
// stop via their own context.
func (q *queue) C() <-chan []byte {
	return q.out
}

func (q *queue) pump() {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.buf) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		frame := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()

		select {
		case q.out <- frame:
		case <-q.done:
			return
		}
	}
}

// Close stops the pump and discards anything still buffered. Idempotent.
func (q *queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.buf = nil
	q.mu.Unlock()
	close(q.done)
}
