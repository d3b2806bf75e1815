package extract_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-hydrator/internal/command"
	"github.com/JakeFAU/bulk-hydrator/internal/extract"
	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
)

func stubRunner(res command.Result, err error, seen *command.Spec) command.Runner {
	return command.RunnerFunc(func(_ context.Context, spec command.Spec) (command.Result, error) {
		if seen != nil {
			*seen = spec
		}
		return res, err
	})
}

func TestInvokerArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  extract.Config
		want []string
	}{
		{name: "plain", cfg: extract.Config{WorkerPath: "w"}, want: []string{"http://x"}},
		{name: "service", cfg: extract.Config{WorkerPath: "w", ServiceAddr: "127.0.0.1:8000"}, want: []string{"-s", "127.0.0.1:8000", "http://x"}},
		{name: "verbose", cfg: extract.Config{WorkerPath: "w", Verbose: true, ServiceAddr: "h:1"}, want: []string{"-v", "-s", "h:1", "http://x"}},
		{name: "quiet", cfg: extract.Config{WorkerPath: "w", Quiet: true}, want: []string{"-q", "http://x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inv, err := extract.New(tt.cfg, stubRunner(command.Result{}, nil, nil), nil, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, inv.Args("http://x"))
		})
	}
}

func TestInvokeSuccess(t *testing.T) {
	t.Parallel()

	var seen command.Spec
	runner := stubRunner(command.Result{Stdout: []byte("{\"Title\": \"Foo\"}\n")}, nil, &seen)
	inv, err := extract.New(extract.Config{WorkerPath: "/opt/worker"}, runner, nil, nil)
	require.NoError(t, err)

	payload, err := inv.Invoke(context.Background(), "http://x/a1")
	require.NoError(t, err)
	assert.Equal(t, `{"Title":"Foo"}`, string(payload))
	assert.Equal(t, "/opt/worker", seen.Path)
	assert.Equal(t, extract.DefaultTimeout, seen.Timeout)
}

func TestInvokeFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		res      command.Result
		err      error
		exitCode int
	}{
		{name: "non-zero exit", res: command.Result{ExitCode: 2, Stderr: []byte("boom")}, exitCode: 2},
		{name: "scalar output", res: command.Result{Stdout: []byte(`"text"`)}},
		{name: "garbage output", res: command.Result{Stdout: []byte("not json")}},
		{name: "empty output", res: command.Result{}},
		{name: "timeout", res: command.Result{ExitCode: -1}, err: command.ErrTimeout, exitCode: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inv, err := extract.New(extract.Config{WorkerPath: "w"}, stubRunner(tt.res, tt.err, nil), nil, nil)
			require.NoError(t, err)

			_, err = inv.Invoke(context.Background(), "http://x")
			require.Error(t, err)
			assert.True(t, errors.Is(err, hydrator.ErrExtraction))
			var exErr *hydrator.ExtractionError
			require.True(t, errors.As(err, &exErr))
			assert.Equal(t, "http://x", exErr.URL)
			assert.Equal(t, tt.exitCode, exErr.ExitCode)
		})
	}
}

type denyWaiter struct{}

func (denyWaiter) Wait(context.Context, string) error { return context.Canceled }

func TestInvokeRateLimitError(t *testing.T) {
	t.Parallel()

	called := false
	runner := command.RunnerFunc(func(context.Context, command.Spec) (command.Result, error) {
		called = true
		return command.Result{}, nil
	})
	inv, err := extract.New(extract.Config{WorkerPath: "w"}, runner, denyWaiter{}, nil)
	require.NoError(t, err)

	_, err = inv.Invoke(context.Background(), "http://x")
	assert.True(t, errors.Is(err, hydrator.ErrExtraction))
	assert.False(t, called)
}

// Not parallel: exec of a freshly written file can hit ETXTBSY when other
// tests fork concurrently.
func TestInvokeRealWorkerScript(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	worker := filepath.Join(t.TempDir(), "worker")
	script := `#!/bin/sh
for last; do :; done
case "$last" in
  *fail*) echo "cannot fetch $last" >&2; exit 4 ;;
  *) printf '{"url":"%s","args":%d}\n' "$last" "$#" ;;
esac
`
	require.NoError(t, os.WriteFile(worker, []byte(script), 0o755)) // #nosec G306 -- test executable

	inv, err := extract.New(extract.Config{
		WorkerPath:  worker,
		ServiceAddr: "127.0.0.1:8000",
		Timeout:     10 * time.Second,
	}, command.NewExecRunner(), nil, nil)
	require.NoError(t, err)

	payload, err := inv.Invoke(context.Background(), "http://x/ok")
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"http://x/ok","args":3}`, string(payload))

	_, err = inv.Invoke(context.Background(), "http://x/fail")
	var exErr *hydrator.ExtractionError
	require.True(t, errors.As(err, &exErr))
	assert.Equal(t, 4, exErr.ExitCode)
	assert.Contains(t, exErr.Stderr, "cannot fetch")
}

func TestNewRequiresWorker(t *testing.T) {
	t.Parallel()

	_, err := extract.New(extract.Config{}, command.NewExecRunner(), nil, nil)
	assert.Error(t, err)
	_, err = extract.New(extract.Config{WorkerPath: "w"}, nil, nil, nil)
	assert.Error(t, err)
}
