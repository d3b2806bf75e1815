// Package extract runs the external extraction worker for one URL.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-hydrator/internal/command"
	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
	"github.com/JakeFAU/bulk-hydrator/internal/metrics"
)

// DefaultTimeout bounds one worker invocation.
const DefaultTimeout = 2 * time.Minute

// DefaultServiceAddr is the shared NLP service the worker attaches to instead
// of starting its own.
const DefaultServiceAddr = "127.0.0.1:8000"

// Waiter throttles invocation starts. ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Config describes how the worker is invoked.
type Config struct {
	WorkerPath  string
	ServiceAddr string
	Verbose     bool
	Quiet       bool
	Timeout     time.Duration
}

// Invoker implements hydrator.Invoker by spawning the worker executable.
type Invoker struct {
	cfg     Config
	runner  command.Runner
	limiter Waiter
	logger  *zap.Logger
}

// New builds an Invoker. limiter may be nil.
func New(cfg Config, runner command.Runner, limiter Waiter, logger *zap.Logger) (*Invoker, error) {
	if strings.TrimSpace(cfg.WorkerPath) == "" {
		return nil, errors.New("worker path is required")
	}
	if runner == nil {
		return nil, errors.New("command runner is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{cfg: cfg, runner: runner, limiter: limiter, logger: logger.Named("extract")}, nil
}

// Args returns the worker arguments for url: [-v] [-q] [-s addr] url.
func (i *Invoker) Args(url string) []string {
	args := make([]string, 0, 5)
	if i.cfg.Verbose {
		args = append(args, "-v")
	}
	if i.cfg.Quiet {
		args = append(args, "-q")
	}
	if i.cfg.ServiceAddr != "" {
		args = append(args, "-s", i.cfg.ServiceAddr)
	}
	return append(args, url)
}

// Invoke runs the worker and returns its structured stdout payload.
// Every failure is a *hydrator.ExtractionError.
func (i *Invoker) Invoke(ctx context.Context, url string) (json.RawMessage, error) {
	if i.limiter != nil {
		if err := i.limiter.Wait(ctx, url); err != nil {
			return nil, &hydrator.ExtractionError{URL: url, Err: err}
		}
	}

	res, err := i.runner.Run(ctx, command.Spec{
		Path:    i.cfg.WorkerPath,
		Args:    i.Args(url),
		Timeout: i.cfg.Timeout,
	})
	if err != nil {
		metrics.ObserveInvocation(metrics.KindExtract, false, res.Duration)
		return nil, &hydrator.ExtractionError{URL: url, ExitCode: res.ExitCode, Stderr: string(res.Stderr), Err: err}
	}
	if res.ExitCode != 0 {
		metrics.ObserveInvocation(metrics.KindExtract, false, res.Duration)
		return nil, &hydrator.ExtractionError{
			URL:      url,
			ExitCode: res.ExitCode,
			Stderr:   string(res.Stderr),
			Err:      errors.New("worker failed"),
		}
	}

	payload, err := hydrator.ParseStructured(res.Stdout)
	if err != nil {
		metrics.ObserveInvocation(metrics.KindExtract, false, res.Duration)
		return nil, &hydrator.ExtractionError{URL: url, Stderr: string(res.Stderr), Err: fmt.Errorf("parse worker output: %w", err)}
	}
	metrics.ObserveInvocation(metrics.KindExtract, true, res.Duration)
	if len(res.Stderr) > 0 {
		i.logger.Debug("worker stderr", zap.String("url", url), zap.ByteString("stderr", res.Stderr))
	}
	return payload, nil
}
