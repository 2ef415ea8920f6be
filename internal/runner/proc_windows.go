//go:build windows

package runner

import (
	"context"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}

// killTree terminates pid and its descendants with taskkill, bounded to
// 8 s.
func killTree(pid int) {
	if pid <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "taskkill", "/pid", strconv.Itoa(pid), "/T", "/F").Run()
}
