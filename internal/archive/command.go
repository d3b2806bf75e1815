// Package archive implements the best-effort archive snapshot lookup that
// decorates hydrated records.
package archive

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

// DefaultCommand is the snapshot lookup executable used when none is configured.
const DefaultCommand = "archive.is-snapshots"

// DefaultTimeout bounds one lookup.
const DefaultTimeout = 30 * time.Second

// CommandEnricher runs "<command> <url>" and parses its stdout as JSON.
type CommandEnricher struct {
	path    string
	timeout time.Duration
	runner  command.Runner
	logger  *zap.Logger
}

// NewCommandEnricher builds a CommandEnricher. An empty path selects DefaultCommand.
func NewCommandEnricher(path string, timeout time.Duration, runner command.Runner, logger *zap.Logger) (*CommandEnricher, error) {
	if runner == nil {
		return nil, errors.New("command runner is required")
	}
	if strings.TrimSpace(path) == "" {
		path = DefaultCommand
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandEnricher{path: path, timeout: timeout, runner: runner, logger: logger.Named("archive")}, nil
}

// Enrich implements hydrator.Enricher. An empty result returns nil, nil.
func (e *CommandEnricher) Enrich(ctx context.Context, url string) (json.RawMessage, error) {
	res, err := e.runner.Run(ctx, command.Spec{Path: e.path, Args: []string{url}, Timeout: e.timeout})
	if err != nil {
		metrics.ObserveInvocation(metrics.KindArchive, false, res.Duration)
		return nil, &hydrator.EnrichmentError{URL: url, Err: err}
	}
	if res.ExitCode != 0 {
		metrics.ObserveInvocation(metrics.KindArchive, false, res.Duration)
		msg := strings.TrimSpace(string(res.Stderr))
		if msg == "" {
			msg = "no output"
		}
		return nil, &hydrator.EnrichmentError{URL: url, Err: fmt.Errorf("%s exited with status %d: %s", e.path, res.ExitCode, msg)}
	}
	metrics.ObserveInvocation(metrics.KindArchive, true, res.Duration)

	if len(strings.TrimSpace(string(res.Stdout))) == 0 {
		return nil, nil
	}
	payload, err := hydrator.ParseStructured(res.Stdout)
	if err != nil {
		return nil, &hydrator.EnrichmentError{URL: url, Err: err}
	}
	if hydrator.IsEmptyPayload(payload) {
		return nil, nil
	}
	return payload, nil
}
