// internal/transport/pipe_test.go
package transport

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/driveline/internal/protocol"
)

// frames builds n NUL-terminated messages with ascending ids.
func frames(t *testing.T, n int) []byte {
	t.Helper()
	var buf bytes.Buffer
	for i := 1; i <= n; i++ {
		b, err := protocol.Marshal(&protocol.Message{
			Method: "Test.event",
			Params: []byte(fmt.Sprintf(`{"seq":%d,"pad":"%s"}`, i, bytes.Repeat([]byte("x"), i*7))),
		})
		require.NoError(t, err)
		buf.Write(b)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func collect(t *testing.T, tr Transport, n int) []*protocol.Message {
	t.Helper()
	var out []*protocol.Message
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case msg, ok := <-tr.Messages():
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-timeout:
			t.Fatalf("received %d of %d messages before timing out", len(out), n)
		}
	}
	return out
}

func TestPipeTransport_FramingPreservesOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	const n = 50
	payload := frames(t, n)

	tests := []struct {
		name   string
		chunks func([]byte) [][]byte
	}{
		{
			name:   "single chunk holding every frame",
			chunks: func(b []byte) [][]byte { return [][]byte{b} },
		},
		{
			name: "one byte at a time",
			chunks: func(b []byte) [][]byte {
				out := make([][]byte, len(b))
				for i := range b {
					out[i] = b[i : i+1]
				}
				return out
			},
		},
		{
			name: "random split points",
			chunks: func(b []byte) [][]byte {
				rng := rand.New(rand.NewSource(42))
				var out [][]byte
				for len(b) > 0 {
					size := 1 + rng.Intn(97)
					if size > len(b) {
						size = len(b)
					}
					out = append(out, b[:size])
					b = b[size:]
				}
				return out
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, w := io.Pipe()
			tr := NewPipeTransport(io.Discard, r, zaptest.NewLogger(t))

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, c := range tt.chunks(payload) {
					if _, err := w.Write(c); err != nil {
						return
					}
				}
				w.Close()
			}()

			got := collect(t, tr, n)
			require.Len(t, got, n)
			for i, msg := range got {
				var params struct {
					Seq int `json:"seq"`
				}
				require.NoError(t, protocol.DecodeParams(msg.Params, &params))
				assert.Equal(t, i+1, params.Seq)
			}

			wg.Wait()
			<-tr.Done()
			_, open := <-tr.Messages()
			assert.False(t, open, "messages channel must be closed after the stream ends")
			assert.NoError(t, tr.Err())
		})
	}
}

func TestPipeTransport_SendFramesWithNul(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	var out bytes.Buffer
	tr := NewPipeTransport(&out, r, zaptest.NewLogger(t))

	require.NoError(t, tr.Send(&protocol.Message{ID: 1, Method: "Browser.getVersion"}))
	require.NoError(t, tr.Send(&protocol.Message{ID: 2, Method: "Browser.close"}))

	parts := bytes.Split(out.Bytes(), []byte{0})
	require.Len(t, parts, 3)
	assert.Empty(t, parts[2])
	assert.JSONEq(t, `{"id":1,"method":"Browser.getVersion"}`, string(parts[0]))
	assert.JSONEq(t, `{"id":2,"method":"Browser.close"}`, string(parts[1]))
}

func TestPipeTransport_SendAfterStreamEnds(t *testing.T) {
	r, w := io.Pipe()
	tr := NewPipeTransport(io.Discard, r, zaptest.NewLogger(t))

	w.Close()
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("transport did not observe the end of stream")
	}

	err := tr.Send(&protocol.Message{ID: 1, Method: "Browser.close"})
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.NoError(t, tr.Close(), "closing a pipe transport is a no-op")
	assert.NoError(t, tr.Close())
}

func TestPipeTransport_SkipsMalformedFrames(t *testing.T) {
	r, w := io.Pipe()
	tr := NewPipeTransport(io.Discard, r, zaptest.NewLogger(t))

	go func() {
		w.Write([]byte("{not json}\x00{\"method\":\"Ok.event\"}\x00"))
		w.Close()
	}()

	got := collect(t, tr, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "Ok.event", got[0].Method)
}
