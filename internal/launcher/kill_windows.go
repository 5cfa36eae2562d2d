//go:build windows

// internal/launcher/kill_windows.go
package launcher

import (
	"os"
	"os/exec"
	"strconv"
)

func setProcAttr(cmd *exec.Cmd) {}

// killTree uses taskkill so child processes go down with the browser.
func killTree(proc *os.Process) error {
	if err := exec.Command("taskkill", "/pid", strconv.Itoa(proc.Pid), "/T", "/F").Run(); err != nil {
		return proc.Kill()
	}
	return nil
}

func exitStatus(state *os.ProcessState) (code int, signal string) {
	if state == nil {
		return -1, ""
	}
	return state.ExitCode(), ""
}
