// internal/launcher/process.go
package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// outputDrainTimeout bounds how long exit handling waits for buffered output
// after the process is gone. Grandchildren may keep the pipes open.
const outputDrainTimeout = 2 * time.Second

// Process is a supervised browser process.
type Process struct {
	opts   Options
	logger *zap.Logger
	cmd    *exec.Cmd
	pid    int

	// Parent ends of the fd 3 / fd 4 pipes, nil unless StdioPipe.
	pipeWrite *os.File
	pipeRead  *os.File

	outputDone chan struct{}
	exited     chan struct{}
	unregister func()

	mu       sync.Mutex
	closing  bool
	killSent bool
	gone     bool
	exitCode int
	signal   string

	cleanupOnce sync.Once
}

// Launch spawns opts.Command and starts supervising it. A spawn failure is
// returned as *LaunchError and the temp directories are removed before
// returning.
func Launch(ctx context.Context, opts Options) (*Process, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Log == nil {
		opts.Log = func(string) {}
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}

	p := &Process{
		opts:       opts,
		logger:     opts.Logger.Named("launcher"),
		outputDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}
	p.opts.Log(fmt.Sprintf("<launching> %s %s", opts.Command, strings.Join(opts.Args, " ")))

	if err := ctx.Err(); err != nil {
		p.removeTempDirectories()
		return nil, &LaunchError{Executable: opts.Command, Err: err}
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = opts.Env
	cmd.Dir = opts.Cwd
	setProcAttr(cmd)

	// Parent-side and child-side ends. Child ends are closed once the child
	// owns a copy; parent ends are closed after exit.
	var childEnds, parentEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			f.Close()
		}
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		p.removeTempDirectories()
		return nil, &LaunchError{Executable: opts.Command, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll([]*os.File{stdoutR, stdoutW})
		p.removeTempDirectories()
		return nil, &LaunchError{Executable: opts.Command, Err: err}
	}
	cmd.Stdout, cmd.Stderr = stdoutW, stderrW
	childEnds = append(childEnds, stdoutW, stderrW)
	parentEnds = append(parentEnds, stdoutR, stderrR)

	if opts.Stdio == StdioPipe {
		// fd 3: the browser reads commands. fd 4: the browser writes replies.
		cmdR, cmdW, err := os.Pipe()
		if err != nil {
			closeAll(append(childEnds, parentEnds...))
			p.removeTempDirectories()
			return nil, &LaunchError{Executable: opts.Command, Err: err}
		}
		replyR, replyW, err := os.Pipe()
		if err != nil {
			closeAll(append(append(childEnds, parentEnds...), cmdR, cmdW))
			p.removeTempDirectories()
			return nil, &LaunchError{Executable: opts.Command, Err: err}
		}
		cmd.ExtraFiles = []*os.File{cmdR, replyW}
		childEnds = append(childEnds, cmdR, replyW)
		p.pipeWrite, p.pipeRead = cmdW, replyR
	}

	if err := cmd.Start(); err != nil {
		closeAll(childEnds)
		closeAll(parentEnds)
		if p.pipeWrite != nil {
			p.pipeWrite.Close()
			p.pipeRead.Close()
		}
		p.opts.Log(fmt.Sprintf("<failed to launch> %v", err))
		p.removeTempDirectories()
		return nil, &LaunchError{Executable: opts.Command, Err: err}
	}
	closeAll(childEnds)

	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.opts.Log(fmt.Sprintf("<launched> pid=%d", p.pid))
	p.logger.Debug("Browser process started.", zap.Int("pid", p.pid), zap.String("command", opts.Command))

	var readers sync.WaitGroup
	readers.Add(2)
	go p.forwardOutput(stdoutR, "out", &readers)
	go p.forwardOutput(stderrR, "err", &readers)
	go func() {
		readers.Wait()
		close(p.outputDone)
	}()

	if opts.Registry != nil {
		p.unregister = opts.Registry.Register(p, Signals{
			SIGINT:  opts.HandleSIGINT,
			SIGTERM: opts.HandleSIGTERM,
			SIGHUP:  opts.HandleSIGHUP,
		})
	}

	go p.wait()
	return p, nil
}

func (p *Process) forwardOutput(r *os.File, stream string, wg *sync.WaitGroup) {
	defer wg.Done()
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	prefix := fmt.Sprintf("[pid=%d][%s] ", p.pid, stream)
	for scanner.Scan() {
		p.opts.Log(prefix + scanner.Text())
	}
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	code, sig := exitStatus(p.cmd.ProcessState)
	if p.cmd.ProcessState == nil && err != nil {
		code = -1
	}

	select {
	case <-p.outputDone:
	case <-time.After(outputDrainTimeout):
		p.logger.Debug("Output still open after exit; not waiting for it.", zap.Int("pid", p.pid))
	}

	p.mu.Lock()
	p.gone = true
	p.exitCode, p.signal = code, sig
	p.mu.Unlock()

	p.opts.Log(fmt.Sprintf("<process did exit: exitCode=%s, signal=%s>", formatCode(code, sig), formatSignal(sig)))
	p.logger.Debug("Browser process exited.", zap.Int("pid", p.pid), zap.Int("exit_code", code), zap.String("signal", sig))

	if p.unregister != nil {
		p.unregister()
	}
	if p.pipeWrite != nil {
		p.pipeWrite.Close()
		p.pipeRead.Close()
	}
	if p.opts.OnExit != nil {
		p.opts.OnExit(code, sig)
	}
	p.removeTempDirectories()
	close(p.exited)
}

func formatCode(code int, sig string) string {
	if sig != "" {
		return "null"
	}
	return fmt.Sprint(code)
}

func formatSignal(sig string) string {
	if sig == "" {
		return "null"
	}
	return sig
}

// removeTempDirectories runs at most once per launch, on the first terminal
// transition.
func (p *Process) removeTempDirectories() {
	p.cleanupOnce.Do(func() {
		for _, dir := range p.opts.TempDirectories {
			if err := os.RemoveAll(dir); err != nil {
				p.logger.Warn("Failed to remove temp directory.", zap.String("dir", dir), zap.Error(err))
			}
		}
	})
}

// PID returns the OS process id.
func (p *Process) PID() int { return p.pid }

// Done is closed after the process exited and its temp directories are gone.
func (p *Process) Done() <-chan struct{} { return p.exited }

// ExitStatus reports how the process ended. It is meaningful after Done.
func (p *Process) ExitStatus() (code int, signal string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.signal
}

// Killed reports whether this Process sent the force kill. A process killed
// from outside reports false.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killSent
}

// PipeWriter is the parent end of fd 3. Nil unless launched with StdioPipe.
func (p *Process) PipeWriter() io.Writer {
	if p.pipeWrite == nil {
		return nil
	}
	return p.pipeWrite
}

// PipeReader is the parent end of fd 4. Nil unless launched with StdioPipe.
func (p *Process) PipeReader() io.Reader {
	if p.pipeRead == nil {
		return nil
	}
	return p.pipeRead
}

// Kill force-kills the process tree and waits until exit handling is complete.
func (p *Process) Kill() error {
	p.killProcess()
	<-p.exited
	return nil
}

func (p *Process) killProcess() {
	p.opts.Log("<kill>")
	p.mu.Lock()
	if p.gone || p.killSent {
		p.mu.Unlock()
		p.opts.Log(fmt.Sprintf("<skipped force kill killed=%t processClosed=%t>", p.killSent, p.gone))
		return
	}
	p.killSent = true
	p.mu.Unlock()

	if err := killTree(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Warn("Failed to kill browser process.", zap.Int("pid", p.pid), zap.Error(err))
	}
}

// GracefullyClose runs the graceful close hook, bounded by CloseTimeout and
// ctx, then waits for the process to exit. If the hook fails, or the process
// is still alive when the time runs out, it is killed exactly once. A call
// made while another close is in progress kills immediately.
func (p *Process) GracefullyClose(ctx context.Context) error {
	p.mu.Lock()
	if p.gone {
		p.mu.Unlock()
		<-p.exited
		return nil
	}
	if p.closing {
		p.mu.Unlock()
		p.opts.Log("<forcefully close>")
		p.killProcess()
		<-p.exited
		return nil
	}
	p.closing = true
	p.mu.Unlock()

	p.opts.Log("<gracefully close start>")
	defer p.opts.Log("<gracefully close end>")

	timer := time.NewTimer(p.opts.CloseTimeout)
	defer timer.Stop()

	if p.opts.AttemptToGracefullyClose == nil {
		p.killProcess()
		<-p.exited
		return nil
	}

	hookCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hookDone := make(chan error, 1)
	go func() { hookDone <- p.opts.AttemptToGracefullyClose(hookCtx) }()

	killed := false
	escalate := func(reason string) {
		if killed {
			return
		}
		killed = true
		p.logger.Debug("Escalating graceful close to kill.", zap.Int("pid", p.pid), zap.String("reason", reason))
		p.killProcess()
	}

	select {
	case err := <-hookDone:
		if err != nil {
			p.opts.Log(fmt.Sprintf("<graceful close failed> %v", err))
			escalate("hook failed")
		}
	case <-timer.C:
		escalate("timeout")
	case <-ctx.Done():
		escalate("cancelled")
	case <-p.exited:
	}

	if killed {
		<-p.exited
		return nil
	}
	select {
	case <-p.exited:
	case <-timer.C:
		escalate("timeout")
		<-p.exited
	case <-ctx.Done():
		escalate("cancelled")
		<-p.exited
	}
	return nil
}

// Close is a graceful close that gives up and kills after timeout.
func (p *Process) Close(timeout time.Duration) error {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return p.GracefullyClose(ctx)
}
