package controller

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"tomoon_nexus/internal/shared/apperr"
	"tomoon_nexus/internal/shared/logger"
)

// NetworkResetter 在内核停止后恢复系统网络（路由、DNS 等 TUN 留下的改动）。
type NetworkResetter interface {
	Reset(ctx context.Context) error
}

// CommandResetter 执行一条外部命令完成恢复。Argv 为空时什么都不做。
type CommandResetter struct {
	Argv    []string
	Timeout time.Duration
}

// NewCommandResetter 按空白切分命令行。
func NewCommandResetter(cmdline string) *CommandResetter {
	return &CommandResetter{Argv: strings.Fields(cmdline), Timeout: 15 * time.Second}
}

func (r *CommandResetter) Reset(ctx context.Context) error {
	if len(r.Argv) == 0 {
		return nil
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	out, err := exec.CommandContext(ctx, r.Argv[0], r.Argv[1:]...).CombinedOutput()
	if err != nil {
		return apperr.Wrap(apperr.Inner, err, "reset network (%s): %s", strings.Join(r.Argv, " "), strings.TrimSpace(string(out)))
	}
	logger.Info().Str("cmd", strings.Join(r.Argv, " ")).Msg("System network reset.")
	return nil
}
