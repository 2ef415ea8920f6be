//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcAttrs detaches the child into its own process group so the
// whole tree can be signalled at once.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree terminates pid and its descendants: SIGTERM to the group and
// the pid, liveness check after 1.2 s, then SIGKILL.
func killTree(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	_ = syscall.Kill(pid, syscall.SIGTERM)
	time.Sleep(1200 * time.Millisecond)
	if processAlive(pid) {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
