// Package provision makes sure the extraction worker executable exists,
// compiling it from Go source when the build policy asks for it.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-hydrator/internal/command"
	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
	"github.com/JakeFAU/bulk-hydrator/internal/metrics"
)

// BuildPolicy decides when the worker is rebuilt.
type BuildPolicy string

// Build policies.
const (
	BuildMissing BuildPolicy = "missing"
	BuildChanged BuildPolicy = "changed"
	BuildAlways  BuildPolicy = "always"
)

// MarkerSuffix is appended to the worker path to name the fingerprint marker.
const MarkerSuffix = ".sha256"

// DefaultBuildTimeout bounds a single go build.
const DefaultBuildTimeout = 5 * time.Minute

// Valid reports whether p is a known policy.
func (p BuildPolicy) Valid() bool {
	switch p {
	case BuildMissing, BuildChanged, BuildAlways:
		return true
	default:
		return false
	}
}

// Fingerprinter digests the worker source.
type Fingerprinter interface {
	HashTree(root string) (string, error)
}

// Config controls provisioning.
type Config struct {
	WorkerPath   string
	SourcePath   string
	GoBinary     string
	Policy       BuildPolicy
	BuildTimeout time.Duration
}

// Provisioner implements hydrator.Provisioner.
type Provisioner struct {
	cfg    Config
	runner command.Runner
	hasher Fingerprinter
	logger *zap.Logger
}

// New builds a Provisioner. Zero-valued config fields take their defaults.
func New(cfg Config, runner command.Runner, hasher Fingerprinter, logger *zap.Logger) (*Provisioner, error) {
	if strings.TrimSpace(cfg.WorkerPath) == "" {
		return nil, errors.New("worker path is required")
	}
	if runner == nil {
		return nil, errors.New("command runner is required")
	}
	if hasher == nil {
		return nil, errors.New("fingerprinter is required")
	}
	if cfg.Policy == "" {
		cfg.Policy = BuildChanged
	}
	if !cfg.Policy.Valid() {
		return nil, fmt.Errorf("unknown build policy %q", cfg.Policy)
	}
	if cfg.GoBinary == "" {
		cfg.GoBinary = "go"
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = DefaultBuildTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{cfg: cfg, runner: runner, hasher: hasher, logger: logger.Named("provision")}, nil
}

// Ensure verifies the worker is a runnable executable, building it first when
// the policy requires. Failures are *hydrator.BuildError.
func (p *Provisioner) Ensure(ctx context.Context) error {
	worker := p.cfg.WorkerPath
	present, err := isExecutable(worker)
	if err != nil {
		return &hydrator.BuildError{Path: worker, Err: err}
	}

	if p.cfg.SourcePath == "" {
		if !present {
			return &hydrator.BuildError{Path: worker, Err: errors.New("worker executable is missing and no source is configured")}
		}
		p.logger.Debug("worker present, no source configured", zap.String("worker", worker))
		return nil
	}

	fingerprint := ""
	if p.cfg.Policy == BuildChanged || p.cfg.Policy == BuildAlways {
		fingerprint, err = p.hasher.HashTree(p.cfg.SourcePath)
		if err != nil {
			return &hydrator.BuildError{Path: worker, Err: fmt.Errorf("fingerprint source: %w", err)}
		}
	}

	reason := p.buildReason(present, fingerprint)
	if reason == "" {
		p.logger.Debug("worker up to date", zap.String("worker", worker))
		return nil
	}

	p.logger.Info("building worker",
		zap.String("worker", worker),
		zap.String("source", p.cfg.SourcePath),
		zap.String("reason", reason),
	)
	if err := p.build(ctx); err != nil {
		return err
	}

	present, err = isExecutable(worker)
	if err != nil || !present {
		if err == nil {
			err = errors.New("build finished but worker executable is missing")
		}
		return &hydrator.BuildError{Path: worker, Err: err}
	}
	if fingerprint != "" {
		if err := writeMarker(markerPath(worker), fingerprint); err != nil {
			p.logger.Warn("failed to write build marker", zap.String("worker", worker), zap.Error(err))
		}
	}
	return nil
}

func (p *Provisioner) buildReason(present bool, fingerprint string) string {
	switch {
	case p.cfg.Policy == BuildAlways:
		return "policy always"
	case !present:
		return "missing"
	case p.cfg.Policy == BuildMissing:
		return ""
	}
	previous, err := os.ReadFile(markerPath(p.cfg.WorkerPath))
	if err != nil {
		return "no build marker"
	}
	if strings.TrimSpace(string(previous)) != fingerprint {
		return "source changed"
	}
	return ""
}

func (p *Provisioner) build(ctx context.Context) error {
	worker, err := filepath.Abs(p.cfg.WorkerPath)
	if err != nil {
		return &hydrator.BuildError{Path: p.cfg.WorkerPath, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(worker), 0o750); err != nil {
		return &hydrator.BuildError{Path: p.cfg.WorkerPath, Err: fmt.Errorf("create worker directory: %w", err)}
	}

	spec := command.Spec{
		Path:    p.cfg.GoBinary,
		Args:    []string{"build", "-o", worker, p.cfg.SourcePath},
		Timeout: p.cfg.BuildTimeout,
	}
	if info, statErr := os.Stat(p.cfg.SourcePath); statErr == nil && info.IsDir() {
		spec.Dir = p.cfg.SourcePath
		spec.Args = []string{"build", "-o", worker, "."}
	}

	res, err := p.runner.Run(ctx, spec)
	metrics.ObserveInvocation(metrics.KindBuild, err == nil && res.ExitCode == 0, res.Duration)
	output := string(res.Stderr) + string(res.Stdout)
	if err != nil {
		return &hydrator.BuildError{Path: p.cfg.WorkerPath, Output: output, Err: err}
	}
	if res.ExitCode != 0 {
		return &hydrator.BuildError{Path: p.cfg.WorkerPath, Output: output, Err: fmt.Errorf("go build exited with status %d", res.ExitCode)}
	}
	return nil
}

func markerPath(worker string) string {
	return worker + MarkerSuffix
}

func writeMarker(path, fingerprint string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(fingerprint+"\n"), 0o600); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename marker: %w", err)
	}
	return nil
}

// isExecutable reports whether path is a regular file with an execute bit.
// A missing file is not an error.
func isExecutable(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat worker: %w", err)
	}
	if !info.Mode().IsRegular() {
		return false, fmt.Errorf("worker path %s is not a regular file", path)
	}
	return info.Mode().Perm()&0o111 != 0, nil
}
