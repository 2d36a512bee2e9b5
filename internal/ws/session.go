// Package ws runs one goroutine pair per websocket connection: a read
// loop that routes inbound frames and a write loop that merges the
// connection's private replies with shared broadcast traffic. Either
// loop ending tears the whole session down.
package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"familycalendar/internal/hub"
	"familycalendar/internal/wire"
)

// State tracks where a session is in its lifecycle. Transitions only
// move forward; there is no reopen.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// maxFrameSize bounds inbound frames. Calendar payloads are small;
	// anything larger is a broken or hostile client.
	maxFrameSize = 8192

	writeTimeout = 10 * time.Second
)

// Session owns one upgraded websocket connection.
type Session struct {
	conn *websocket.Conn
	hub  *hub.Hub
	reg  *hub.Registry
	log  zerolog.Logger

	id    uuid.UUID
	out   *queue
	sub   *hub.Subscriber
	state atomic.Int32
	wg    sync.WaitGroup
}

func New(conn *websocket.Conn, h *hub.Hub, reg *hub.Registry, log zerolog.Logger) *Session {
	return &Session{
		conn: conn,
		hub:  h,
		reg:  reg,
		log:  log,
		out:  newQueue(),
	}
}

// ID is valid after Run has registered the session.
func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Push queues a frame on the session's private outbound channel. It
// satisfies the registry's Outbound interface and never blocks.
func (s *Session) Push(frame []byte) bool {
	return s.out.Push(frame)
}

// Run drives the session until the connection drops, the peer
// misbehaves at the transport level, or ctx is cancelled. It always
// leaves the registry and hub clean before returning.
func (s *Session) Run(ctx context.Context) {
	s.id = s.reg.Register(s)
	s.sub = s.hub.Subscribe()
	s.state.Store(int32(StateOpen))

	log := s.log.With().Stringer("conn", s.id).Logger()
	log.Info().Msg("session open")

	s.conn.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(ctx)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.readLoop(log)
	}()
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.writeLoop(ctx, log)
	}()

	<-ctx.Done()
	s.beginClose()
	s.wg.Wait()

	s.reg.Remove(s.id)
	s.sub.Close()
	s.out.Close()
	s.state.Store(int32(StateClosed))
	log.Info().Msg("session closed")
}

// beginClose moves Open to Closing and closes the underlying conn,
// which unblocks the read loop. Later states are left alone.
func (s *Session) beginClose() {
	if s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		_ = s.conn.Close()
	}
}

// readLoop drains the socket until it errors. Control frames never
// reach ReadMessage: gorilla's default handlers answer ping with pong,
// ignore pong, and echo close before surfacing the close error here.
func (s *Session) readLoop(log zerolog.Logger) {
	for {
		kind, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("read failed")
			}
			return
		}
		if kind != websocket.BinaryMessage {
			// Text frames are not part of the protocol.
			s.out.Push(wire.ErrorFrame(wire.DiagMalformedFrame))
			continue
		}
		s.handleFrame(raw, log)
	}
}

// handleFrame routes one inbound frame. Protocol errors answer with an
// error frame and keep the connection open; only transport errors end
// the session.
func (s *Session) handleFrame(raw []byte, log zerolog.Logger) {
	msg, err := wire.Unmarshal(raw)
	if err != nil {
		log.Debug().Err(err).Msg("malformed frame")
		s.out.Push(wire.ErrorFrame(wire.DiagMalformedFrame))
		return
	}

	switch msg.Kind {
	case wire.KindEcho:
		// Echo goes back to this connection only, bypassing the hub.
		s.out.Push(raw)
	case wire.KindBroadcast:
		// The raw frame is republished as-is so every subscriber,
		// sender included, sees identical bytes.
		if _, err := s.hub.Publish(raw); err != nil {
			log.Debug().Err(err).Msg("broadcast to empty room")
		}
	default:
		log.Debug().Str("kind", msg.Kind).Msg("unknown message kind")
		s.out.Push(wire.ErrorFrame(wire.DiagUnknownKind))
	}
}

func (s *Session) writeLoop(ctx context.Context, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-s.out.C():
			if !s.write(frame, log) {
				return
			}
		case frame := <-s.sub.C():
			if n := s.sub.Lag(); n > 0 {
				log.Warn().Uint64("skipped", n).Msg("subscriber lagging")
			}
			if !s.write(frame, log) {
				return
			}
		}
	}
}

func (s *Session) write(frame []byte, log zerolog.Logger) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		log.Warn().Err(err).Msg("write failed")
		return false
	}
	return true
}
