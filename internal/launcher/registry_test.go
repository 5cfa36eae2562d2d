// internal/launcher/registry_test.go
package launcher

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeHandle blocks in GracefullyClose until released or killed.
type fakeHandle struct {
	graceful atomic.Int32
	kills    atomic.Int32
	release  chan struct{}
	once     sync.Once
}

func newFakeHandle(blocking bool) *fakeHandle {
	h := &fakeHandle{release: make(chan struct{})}
	if !blocking {
		h.unblock()
	}
	return h
}

func (h *fakeHandle) unblock() { h.once.Do(func() { close(h.release) }) }

func (h *fakeHandle) GracefullyClose(ctx context.Context) error {
	h.graceful.Add(1)
	<-h.release
	return nil
}

func (h *fakeHandle) Kill() error {
	h.kills.Add(1)
	h.unblock()
	return nil
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
	fired chan struct{}
}

func newExitRecorder() *exitRecorder { return &exitRecorder{fired: make(chan struct{}, 8)} }

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	e.codes = append(e.codes, code)
	e.mu.Unlock()
	e.fired <- struct{}{}
}

func (e *exitRecorder) Codes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

func waitFired(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("exit was never requested")
	}
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	reg := NewShutdownRegistry(zaptest.NewLogger(t))
	a := newFakeHandle(false)
	b := newFakeHandle(false)

	unA := reg.Register(a, Signals{SIGINT: true})
	unB := reg.Register(b, Signals{})
	assert.Equal(t, 2, reg.Len())

	unA()
	unA()
	assert.Equal(t, 1, reg.Len(), "unregister is idempotent")
	unB()
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_FirstInterruptClosesGracefullyThenExits(t *testing.T) {
	rec := newExitRecorder()
	reg := NewShutdownRegistry(zaptest.NewLogger(t), WithExitFunc(rec.exit))
	h := newFakeHandle(false)
	reg.Register(h, Signals{SIGINT: true})

	reg.handleSignal(os.Interrupt)
	waitFired(t, rec.fired)

	assert.Equal(t, []int{InterruptExitCode}, rec.Codes())
	assert.Equal(t, int32(1), h.graceful.Load())
	assert.Zero(t, h.kills.Load())
}

func TestRegistry_SecondInterruptKillsImmediately(t *testing.T) {
	rec := newExitRecorder()
	reg := NewShutdownRegistry(zaptest.NewLogger(t), WithExitFunc(rec.exit))
	h := newFakeHandle(true)
	reg.Register(h, Signals{SIGINT: true})

	reg.handleSignal(os.Interrupt)
	require.Eventually(t, func() bool { return h.graceful.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.Codes(), "graceful close still in progress")

	reg.handleSignal(os.Interrupt)
	assert.Equal(t, int32(1), h.kills.Load())
	waitFired(t, rec.fired)

	// The graceful goroutine finishes after the kill but must not exit twice.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []int{InterruptExitCode}, rec.Codes())
}

func TestRegistry_TerminateClosesWithoutExit(t *testing.T) {
	rec := newExitRecorder()
	reg := NewShutdownRegistry(zaptest.NewLogger(t), WithExitFunc(rec.exit))
	a := newFakeHandle(false)
	b := newFakeHandle(false)
	reg.Register(a, Signals{SIGTERM: true})
	reg.Register(b, Signals{})

	reg.handleSignal(syscall.SIGTERM)
	require.Eventually(t, func() bool {
		return a.graceful.Load() == 1 && b.graceful.Load() == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.Codes())
}

func TestRegistry_KillAll(t *testing.T) {
	reg := NewShutdownRegistry(zaptest.NewLogger(t))
	handles := []*fakeHandle{newFakeHandle(true), newFakeHandle(true), newFakeHandle(true)}
	for _, h := range handles {
		reg.Register(h, Signals{})
	}
	reg.KillAll()
	for _, h := range handles {
		assert.Equal(t, int32(1), h.kills.Load())
	}
}

func TestRegistry_InstallTracksRequestedSignals(t *testing.T) {
	reg := NewShutdownRegistry(zaptest.NewLogger(t))
	reg.Install()
	defer reg.Uninstall()

	reg.mu.Lock()
	assert.Empty(t, reg.watching, "nothing registered yet")
	reg.mu.Unlock()

	un := reg.Register(newFakeHandle(false), Signals{SIGINT: true, SIGHUP: true})
	reg.mu.Lock()
	assert.True(t, reg.watching[os.Interrupt])
	assert.True(t, reg.watching[syscall.SIGHUP])
	assert.False(t, reg.watching[syscall.SIGTERM])
	reg.mu.Unlock()

	un()
	reg.mu.Lock()
	assert.Empty(t, reg.watching)
	reg.mu.Unlock()
}

func TestRegistry_InstallUninstallIdempotent(t *testing.T) {
	reg := NewShutdownRegistry(zaptest.NewLogger(t))
	reg.Install()
	reg.Install()
	reg.Uninstall()
	reg.Uninstall()
}
