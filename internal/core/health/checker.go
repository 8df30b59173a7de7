package health

import (
	"context"
	"time"

	"tomoon_nexus/internal/shared/logger"
)

// VersionProber 由 controller.APIClient 实现。
type VersionProber interface {
	Version(ctx context.Context, secret string) (string, error)
}

// Result 是一次探测的结果。
type Result struct {
	Up      bool
	Version string
	Latency time.Duration
	Err     error
}

// Checker 通过内核控制接口判断内核是否存活。
type Checker struct {
	prober  VersionProber
	timeout time.Duration
}

// New 创建一个新的 Checker 实例。
func New(prober VersionProber, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{prober: prober, timeout: timeout}
}

// Check 请求一次 /version 并计时。
func (c *Checker) Check(ctx context.Context, secret string) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	version, err := c.prober.Version(ctx, secret)
	res := Result{
		Up:      err == nil,
		Version: version,
		Latency: time.Since(start),
		Err:     err,
	}

	logFields := logger.Debug().Bool("success", res.Up).Dur("latency", res.Latency)
	if err != nil {
		logFields.Err(err).Msg("HealthCheck: core control API unreachable.")
	} else {
		logFields.Str("version", version).Msg("HealthCheck: Check passed.")
	}
	return res
}
