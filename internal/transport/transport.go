// internal/transport/transport.go
package transport

import (
	"errors"

	"github.com/xkilldash9x/driveline/internal/protocol"
)

// ErrTransportClosed is returned by Send once the transport has shut down.
var ErrTransportClosed = errors.New("transport closed")

// Transport is a framed, ordered, bidirectional message channel to a browser.
//
// Messages is the single inbound slot: it delivers frames in arrival order and
// is closed exactly once when the underlying stream ends, at the same moment
// Done is closed. Only one consumer may read from it.
type Transport interface {
	Send(msg *protocol.Message) error
	Close() error
	Messages() <-chan *protocol.Message
	Done() <-chan struct{}
	// Err reports why the stream ended, nil for an orderly close.
	Err() error
}

// inboxSize bounds how many parsed frames may wait for the consumer before the
// reader stops pulling from the stream.
const inboxSize = 256
