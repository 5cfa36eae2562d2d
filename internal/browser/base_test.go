// internal/browser/base_test.go
package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/driveline/internal/connection"
	"github.com/xkilldash9x/driveline/internal/transport/transporttest"
)

// fakeHandle stands in for a launched process. GracefullyClose and Kill both
// report the exit through the owning Process, as the launcher does.
type fakeHandle struct {
	proc     *Process
	graceful atomic.Int32
	kills    atomic.Int32
	done     chan struct{}
	once     sync.Once
}

func newFakeHandle(proc *Process) *fakeHandle {
	return &fakeHandle{proc: proc, done: make(chan struct{})}
}

func (h *fakeHandle) exit(code int, sig string) {
	h.once.Do(func() {
		h.proc.DidExit(code, sig)
		close(h.done)
	})
}

func (h *fakeHandle) PID() int              { return 4242 }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) GracefullyClose(ctx context.Context) error {
	h.graceful.Add(1)
	h.exit(0, "")
	return nil
}

func (h *fakeHandle) Kill() error {
	h.kills.Add(1)
	h.exit(0, "SIGKILL")
	return nil
}

func newTestBase(t *testing.T, proc *Process) (*Base, *transporttest.Memory) {
	t.Helper()
	tr := transporttest.NewMemory()
	conn := connection.New(tr, zaptest.NewLogger(t))
	b := NewBase(conn, Options{Name: "chromium", Process: proc, Logger: zaptest.NewLogger(t)})
	b.WatchConnection(b.DidClose)
	t.Cleanup(func() {
		tr.Hangup(nil)
		<-conn.Done()
	})
	return b, tr
}

func TestBase_CloseWithoutProcessDropsConnection(t *testing.T) {
	b, tr := newTestBase(t, nil)
	assert.True(t, b.IsConnected())
	assert.NotEmpty(t, b.ID())
	assert.Equal(t, "chromium", b.Name())

	var fired atomic.Int32
	b.OnDidClose(func() { fired.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx), "a second close only waits")

	assert.False(t, b.IsConnected())
	assert.Equal(t, 1, tr.CloseCalls())
	assert.Equal(t, int32(1), fired.Load())

	// Listeners registered after the fact run immediately.
	b.OnDidClose(func() { fired.Add(1) })
	assert.Equal(t, int32(2), fired.Load())
}

func TestBase_CloseGoesThroughProcess(t *testing.T) {
	proc := NewProcess()
	h := newFakeHandle(proc)
	proc.Attach(h)
	b, _ := newTestBase(t, proc)
	assert.Equal(t, 4242, proc.PID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx))

	assert.Equal(t, int32(1), h.graceful.Load())
	assert.Zero(t, h.kills.Load())
	assert.True(t, proc.Exited())
	select {
	case <-b.Done():
	default:
		t.Fatal("browser should be disconnected once the process exits")
	}
}

func TestBase_KillGoesThroughProcess(t *testing.T) {
	proc := NewProcess()
	h := newFakeHandle(proc)
	proc.Attach(h)
	b, _ := newTestBase(t, proc)

	require.NoError(t, b.Kill())
	assert.Equal(t, int32(1), h.kills.Load())
	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("browser never disconnected after kill")
	}
}

func TestBase_CloseHonorsContext(t *testing.T) {
	proc := NewProcess()
	// Never attached: Close has nothing to signal and must give up with ctx.
	b, _ := newTestBase(t, proc)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Close(ctx), context.DeadlineExceeded)
	assert.True(t, b.IsConnected())
}

func TestProcess_OnCloseRunsOnce(t *testing.T) {
	proc := NewProcess()
	var calls []string
	proc.OnClose(func(code int, sig string) { calls = append(calls, "first") })
	proc.OnClose(func(code int, sig string) { calls = append(calls, "second") })

	proc.DidExit(3, "")
	proc.DidExit(0, "SIGKILL")
	assert.Equal(t, []string{"first", "second"}, calls)

	var code int
	proc.OnClose(func(c int, sig string) { code = c })
	assert.Equal(t, 3, code, "late listeners see the recorded exit")

	assert.NoError(t, proc.Close(context.Background()), "closing an unattached process is a no-op")
	assert.NoError(t, proc.Kill())
	assert.Zero(t, proc.PID())
}
