// Package wire defines the binary message envelope exchanged over the
// live-update websocket channel.
//
// Frames are MessagePack maps with two logical fields: a short string
// kind and an opaque payload. The map encoding is self-describing, so
// peers running older or newer builds can add fields without breaking
// anyone; unknown fields are ignored on decode.
package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind values accepted on inbound frames.
const (
	KindEcho      = "echo"
	KindBroadcast = "broadcast"

	// KindError is reply-only; it is never accepted from clients.
	KindError = "error"
)

// Diagnostics carried in the payload of error replies. Kept short,
// fixed, and ASCII so clients can match on them.
const (
	DiagUnknownKind    = "unknown message kind"
	DiagMalformedFrame = "invalid messagepack"
)

// Message is the two-field envelope. Payload bytes are opaque to the
// server; only Kind drives routing.
type Message struct {
	Kind    string `msgpack:"kind"`
	Payload []byte `msgpack:"payload"`
}

func Marshal(m Message) ([]byte, error) {
	return msgpack.Marshal(&m)
}

// Unmarshal decodes a frame. A failure here is a protocol error, not a
// transport error: the caller answers with an error frame and keeps the
// connection open.
func Unmarshal(raw []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	return m, nil
}

// ErrorFrame builds the reply sent to a misbehaving peer.
func ErrorFrame(diag string) []byte {
	b, err := Marshal(Message{Kind: KindError, Payload: []byte(diag)})
	if err != nil {
		return nil
	}
	return b
}
