//go:build !unix

package controller

import (
	"os"
	"os/exec"
	"time"
)

func setProcessGroup(cmd *exec.Cmd) {}

func terminate(p *os.Process, exited <-chan struct{}, grace time.Duration) {
	_ = p.Kill()
}
