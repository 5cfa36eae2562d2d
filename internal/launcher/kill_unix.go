//go:build !windows

// internal/launcher/kill_unix.go
package launcher

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr puts the browser in its own process group so the whole tree
// (renderers, GPU process, zygotes) can be killed at once.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killTree(proc *os.Process) error {
	if err := unix.Kill(-proc.Pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			// The group is gone; the leader may still need reaping.
			return proc.Kill()
		}
		return err
	}
	return nil
}

func exitStatus(state *os.ProcessState) (code int, signal string) {
	if state == nil {
		return -1, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, unix.SignalName(unix.Signal(ws.Signal()))
	}
	return state.ExitCode(), ""
}
