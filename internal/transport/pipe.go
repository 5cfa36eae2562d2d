// internal/transport/pipe.go
package transport

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/driveline/internal/protocol"
)

// readChunkSize is the size of a single read from the browser's output pipe.
const readChunkSize = 64 * 1024

// PipeTransport speaks NUL-terminated JSON over a pair of OS streams, the
// layout browsers use with --remote-debugging-pipe and friends.
type PipeTransport struct {
	logger *zap.Logger
	w      io.Writer
	r      io.Reader

	writeMu sync.Mutex

	// pending holds the bytes of a frame that has not seen its terminator yet.
	pending []byte

	messages  chan *protocol.Message
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
	err    error
}

// NewPipeTransport starts reading frames from r. Writes go to w. The streams
// belong to the browser process and are closed by whoever launched it.
func NewPipeTransport(w io.Writer, r io.Reader, logger *zap.Logger) *PipeTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &PipeTransport{
		logger:   logger.Named("pipe_transport"),
		w:        w,
		r:        r,
		messages: make(chan *protocol.Message, inboxSize),
		done:     make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// Send frames msg and writes it in a single call.
func (t *PipeTransport) Send(msg *protocol.Message) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	b, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	b = append(b, 0)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(b); err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrTransportClosed
		}
		return err
	}
	return nil
}

// Close does nothing: the pipe lives and dies with the browser process, so
// it is torn down by killing or closing the process instead.
func (t *PipeTransport) Close() error { return nil }

// Messages delivers inbound frames in arrival order.
func (t *PipeTransport) Messages() <-chan *protocol.Message { return t.messages }

// Done is closed once the read side has ended.
func (t *PipeTransport) Done() <-chan struct{} { return t.done }

// Err reports the read error that ended the stream, if any.
func (t *PipeTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *PipeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *PipeTransport) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := t.r.Read(buf)
		if n > 0 {
			t.feed(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				err = nil
			}
			t.shutdown(err)
			return
		}
	}
}

// feed splits chunk on NUL terminators. A frame may span several chunks and a
// chunk may carry several frames.
func (t *PipeTransport) feed(chunk []byte) {
	for len(chunk) > 0 {
		end := bytes.IndexByte(chunk, 0)
		if end == -1 {
			t.pending = append(t.pending, chunk...)
			return
		}
		var frame []byte
		if len(t.pending) > 0 {
			frame = append(t.pending, chunk[:end]...)
			t.pending = nil
		} else {
			frame = chunk[:end]
		}
		chunk = chunk[end+1:]
		t.deliver(frame)
	}
}

func (t *PipeTransport) deliver(frame []byte) {
	msg, err := protocol.Unmarshal(frame)
	if err != nil {
		t.logger.Warn("Dropping malformed frame.", zap.Error(err), zap.Int("frame_len", len(frame)))
		return
	}
	t.messages <- msg
}

func (t *PipeTransport) shutdown(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.err = err
		t.mu.Unlock()
		if err != nil {
			t.logger.Debug("Pipe read side ended with error.", zap.Error(err))
		}
		close(t.messages)
		close(t.done)
	})
}
