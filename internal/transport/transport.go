// =============================================================================
// TRANSPORT INTERFACE
// =============================================================================
//
// How messages move between peers. The protocol assumes an asynchronous
// network, and a transport promises no more than that:
//
// - Send is fire and forget; a nil error does not mean delivery
// - messages may be delayed, lost or reordered
// - Receive blocks until a message arrives, the transport closes, or
//   (ReceiveTimeout) the deadline passes
//
// The transport stamps the "from" header on everything it delivers, so a
// receiver can reply without trusting the sender to fill it in.
//
// =============================================================================
// INVARIANT THIS FILE MUST UPHOLD
// =============================================================================
//
// INVARIANT: A message sent to peer X is only ever received by peer X.
//
// Broadcast reaches every other registered peer, never the sender itself;
// the sender handles its own copy locally.
//
// =============================================================================

package transport

import (
	"errors"
	"time"

	"github.com/op/go-logging"

	"github.com/senutpal/abcast/internal/message"
)

var log = logging.MustGetLogger("transport")

var (
	ErrTimeout     = errors.New("transport: receive timed out")
	ErrClosed      = errors.New("transport: closed")
	ErrUnknownNode = errors.New("transport: unknown node")
	ErrInboxFull   = errors.New("transport: inbox full")
)

// Codec turns messages into bytes and back.
type Codec interface {
	Encode(m *message.Message) ([]byte, error)
	Decode(b []byte) (*message.Message, error)
}

type Transport interface {
	// ID is the address of the local peer.
	ID() string

	Send(to string, m *message.Message) error
	Broadcast(m *message.Message) error

	Receive() (*message.Message, error)
	ReceiveTimeout(d time.Duration) (*message.Message, error)

	Close() error
}
