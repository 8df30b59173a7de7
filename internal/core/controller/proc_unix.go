//go:build unix

package controller

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// setProcessGroup 让内核进程成为新进程组的组长，停止时可以连同子进程一起结束。
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate 先向整个进程组发送 SIGTERM，grace 内未退出则 SIGKILL。
func terminate(p *os.Process, exited <-chan struct{}, grace time.Duration) {
	pgid := -p.Pid
	if err := unix.Kill(pgid, unix.SIGTERM); err != nil {
		_ = p.Signal(unix.SIGTERM)
	}
	select {
	case <-exited:
		return
	case <-time.After(grace):
	}
	if err := unix.Kill(pgid, unix.SIGKILL); err != nil {
		_ = p.Kill()
	}
}
