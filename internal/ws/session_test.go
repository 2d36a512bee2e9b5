package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"familycalendar/internal/hub"
	"familycalendar/internal/wire"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startSessionServer exposes a websocket endpoint that hands every
// upgraded connection to a Session sharing one hub and registry.
func startSessionServer(t *testing.T) (*httptest.Server, *hub.Hub, *hub.Registry) {
	t.Helper()
	h := hub.New()
	reg := hub.NewRegistry()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		New(conn, h, reg, zerolog.Nop()).Run(r.Context())
	}))
	t.Cleanup(srv.Close)
	return srv, h, reg
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, kind string, payload []byte) {
	t.Helper()
	raw, err := wire.Marshal(wire.Message{Kind: kind, Payload: payload})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, raw))
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	msg, err := wire.Unmarshal(raw)
	require.NoError(t, err)
	return msg
}

func TestEchoReturnsToSenderOnly(t *testing.T) {
	srv, _, _ := startSessionServer(t)
	a := dial(t, srv)
	b := dial(t, srv)

	writeFrame(t, a, wire.KindEcho, []byte("ping"))

	msg := readFrame(t, a)
	assert.Equal(t, wire.KindEcho, msg.Kind)
	assert.Equal(t, []byte("ping"), msg.Payload)

	// B must see nothing.
	require.NoError(t, b.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := b.ReadMessage()
	assert.Error(t, err)
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	srv, _, reg := startSessionServer(t)
	a := dial(t, srv)
	b := dial(t, srv)

	require.Eventually(t, func() bool { return reg.Count() == 2 },
		2*time.Second, 10*time.Millisecond)

	writeFrame(t, a, wire.KindBroadcast, []byte("event changed"))

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readFrame(t, conn)
		assert.Equal(t, wire.KindBroadcast, msg.Kind)
		assert.Equal(t, []byte("event changed"), msg.Payload)
	}
}

func TestMalformedFrameAnswersErrorAndStaysOpen(t *testing.T) {
	srv, _, _ := startSessionServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xc1, 0xff, 0x00}))

	msg := readFrame(t, conn)
	assert.Equal(t, wire.KindError, msg.Kind)
	assert.Equal(t, wire.DiagMalformedFrame, string(msg.Payload))

	// Connection survives; a normal echo still works.
	writeFrame(t, conn, wire.KindEcho, []byte("still here"))
	msg = readFrame(t, conn)
	assert.Equal(t, wire.KindEcho, msg.Kind)
	assert.Equal(t, []byte("still here"), msg.Payload)
}

func TestUnknownKindAnswersError(t *testing.T) {
	srv, _, _ := startSessionServer(t)
	conn := dial(t, srv)

	writeFrame(t, conn, "subscribe", nil)

	msg := readFrame(t, conn)
	assert.Equal(t, wire.KindError, msg.Kind)
	assert.Equal(t, wire.DiagUnknownKind, string(msg.Payload))
}

func TestDisconnectCleansUpRegistry(t *testing.T) {
	srv, h, reg := startSessionServer(t)
	conn := dial(t, srv)

	require.Eventually(t, func() bool { return reg.Count() == 1 },
		2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, h.SubscriberCount())

	conn.Close()

	require.Eventually(t, func() bool {
		return reg.Count() == 0 && h.SubscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerPushViaRegistry(t *testing.T) {
	h := hub.New()
	reg := hub.NewRegistry()

	sessions := make(chan *Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess := New(conn, h, reg, zerolog.Nop())
		sessions <- sess
		sess.Run(r.Context())
	}))
	t.Cleanup(srv.Close)

	conn := dial(t, srv)

	var sess *Session
	select {
	case sess = <-sessions:
	case <-time.After(2 * time.Second):
		t.Fatal("no upgrade")
	}
	require.Eventually(t, func() bool { return sess.State() == StateOpen },
		2*time.Second, 10*time.Millisecond)

	// Reach the session through the registry, the same path a
	// server-side notifier would use.
	frame, err := wire.Marshal(wire.Message{Kind: wire.KindBroadcast, Payload: []byte("direct")})
	require.NoError(t, err)
	require.True(t, reg.SendTo(sess.ID(), frame))

	msg := readFrame(t, conn)
	assert.Equal(t, wire.KindBroadcast, msg.Kind)
	assert.Equal(t, []byte("direct"), msg.Payload)
}

func TestSessionStateLifecycle(t *testing.T) {
	h := hub.New()
	reg := hub.NewRegistry()

	upgradeDone := make(chan *Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess := New(conn, h, reg, zerolog.Nop())
		upgradeDone <- sess
		sess.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	conn := dial(t, srv)

	var sess *Session
	select {
	case sess = <-upgradeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("no upgrade")
	}

	require.Eventually(t, func() bool { return sess.State() == StateOpen },
		2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return sess.State() == StateClosed },
		2*time.Second, 10*time.Millisecond)
}
