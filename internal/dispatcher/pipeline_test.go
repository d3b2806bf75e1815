package dispatcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulk-hydrator/internal/artifact"
	"github.com/JakeFAU/bulk-hydrator/internal/clock/system"
	"github.com/JakeFAU/bulk-hydrator/internal/dispatcher"
	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
	"github.com/JakeFAU/bulk-hydrator/internal/source"
	"github.com/JakeFAU/bulk-hydrator/internal/storage/local"
	"github.com/JakeFAU/bulk-hydrator/internal/worker"
)

const threeRecords = `[
	{"ID":"a1","URL":"http://example.com/a","Lang":"en"},
	{"ID":"a2","URL":"http://example.com/b"},
	{"ID":"a3","URL":"http://example.com/c"}
]`

type pipeline struct {
	dir     string
	store   *local.BlobStore
	invoker *scriptedInvoker
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "out")
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	return &pipeline{
		dir:   dir,
		store: store,
		invoker: &scriptedInvoker{payloads: map[string]string{
			"http://example.com/a": `{"Title":"Foo"}`,
			"http://example.com/b": `{"Title":"Bar"}`,
			"http://example.com/c": `{"Title":"Baz"}`,
		}},
	}
}

func (p *pipeline) run(t *testing.T, input string, opts hydrator.RunOptions, enricher hydrator.Enricher) (hydrator.RunStats, error) {
	t.Helper()
	batch, err := source.Parse("input.json", []byte(input))
	require.NoError(t, err)

	w, err := worker.New(
		artifact.NewLedger(p.store, opts.SkipExisting),
		p.invoker,
		enricher,
		artifact.NewWriter(p.store),
		system.New(),
		worker.Config{},
		nil,
	)
	require.NoError(t, err)
	d, err := dispatcher.New(w, opts, nil, system.New(), nil)
	require.NoError(t, err)
	return d.Run(context.Background(), uuid.New(), batch)
}

func (p *pipeline) artifacts(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(p.dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestPipelineWritesOneArtifactPerRecord(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	stats, err := p.run(t, threeRecords, hydrator.RunOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Attempted)
	assert.Equal(t, 3, stats.Hydrated)
	assert.Equal(t, []string{"a1.json", "a2.json", "a3.json"}, p.artifacts(t))

	data, err := os.ReadFile(filepath.Join(p.dir, "a1.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"ID":"a1","URL":"http://example.com/a","Lang":"en","Extraction":{"Title":"Foo"}}`+"\n", string(data))
}

func TestPipelineMissingURLSkipsOnlyThatRecord(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	stats, err := p.run(t, `[{"ID":"a1","URL":"http://example.com/a"},{"ID":"a2"}]`, hydrator.RunOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Invalid)
	assert.Equal(t, []string{"a1.json"}, p.artifacts(t))
}

func TestPipelineSkipExistingIsIdempotent(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	_, err := p.run(t, threeRecords, hydrator.RunOptions{}, nil)
	require.NoError(t, err)
	before := readAll(t, p.dir)
	calls := p.invoker.Calls()

	stats, err := p.run(t, threeRecords, hydrator.RunOptions{SkipExisting: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Skipped)
	assert.Equal(t, calls, p.invoker.Calls())
	assert.Equal(t, before, readAll(t, p.dir))
}

func TestPipelineHaltOnError(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	p.invoker.fail("http://example.com/b")

	stats, err := p.run(t, threeRecords, hydrator.RunOptions{HaltOnError: true}, nil)
	require.True(t, errors.Is(err, hydrator.ErrHalted))
	assert.Equal(t, 2, stats.Attempted)
	assert.Equal(t, []string{"a1.json"}, p.artifacts(t))
}

func TestPipelineFailureWithoutHalt(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	p.invoker.fail("http://example.com/b")

	stats, err := p.run(t, threeRecords, hydrator.RunOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, []string{"a1.json", "a3.json"}, p.artifacts(t))
}

func TestPipelineArchiveFailureKeepsExtraction(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	failing := enricherFunc(func(_ context.Context, url string) (json.RawMessage, error) {
		return nil, &hydrator.EnrichmentError{URL: url, Err: errors.New("archive unreachable")}
	})

	stats, err := p.run(t, threeRecords, hydrator.RunOptions{HaltOnError: true}, failing)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Hydrated)
	assert.Equal(t, 3, stats.EnrichmentMisses)

	data, err := os.ReadFile(filepath.Join(p.dir, "a2.json"))
	require.NoError(t, err)
	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &got))
	assert.JSONEq(t, `{"Title":"Bar"}`, string(got["Extraction"]))
	assert.NotContains(t, got, "ArchiveSnapshot")
}

func TestPipelineArtifactRoundTrip(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	_, err := p.run(t, threeRecords, hydrator.RunOptions{}, nil)
	require.NoError(t, err)

	rec, err := artifact.NewWriter(p.store).Read(context.Background(), "a1")
	require.NoError(t, err)
	want, err := source.Parse("want", []byte(`[{"ID":"a1","URL":"http://example.com/a","Lang":"en","Extraction":{"Title":"Foo"}}]`))
	require.NoError(t, err)
	assert.Equal(t, want[0].Fields(), rec.Fields())
}

func TestPipelineExampleScenario(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	p.invoker.fail("http://example.com/b")
	input := `[{"ID":"a1","URL":"http://example.com/a"},{"ID":"a2","URL":"http://example.com/b"}]`

	stats, err := p.run(t, input, hydrator.RunOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, hydrator.RunStats{Total: 2, Attempted: 2, Hydrated: 1, Failed: 1}, stats)

	data, err := os.ReadFile(filepath.Join(p.dir, "a1.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"ID":"a1","URL":"http://example.com/a","Extraction":{"Title":"Foo"}}`+"\n", string(data))
	assert.NoFileExists(t, filepath.Join(p.dir, "a2.json"))
}

func readAll(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		out[e.Name()] = string(data)
	}
	return out
}

type scriptedInvoker struct {
	mu       sync.Mutex
	payloads map[string]string
	failing  map[string]bool
	calls    int
}

func (s *scriptedInvoker) fail(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing == nil {
		s.failing = map[string]bool{}
	}
	s.failing[url] = true
}

func (s *scriptedInvoker) Invoke(_ context.Context, url string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failing[url] {
		return nil, &hydrator.ExtractionError{URL: url, ExitCode: 1, Stderr: "fetch failed", Err: errors.New("worker exited")}
	}
	return json.RawMessage(s.payloads[url]), nil
}

func (s *scriptedInvoker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type enricherFunc func(context.Context, string) (json.RawMessage, error)

func (f enricherFunc) Enrich(ctx context.Context, url string) (json.RawMessage, error) {
	return f(ctx, url)
}

// brokenWriteStore fails every write for one key.
type brokenWriteStore struct {
	*local.BlobStore
	key string
}

func (s *brokenWriteStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	if path == s.key {
		return "", errors.New("disk full")
	}
	return s.BlobStore.PutObject(ctx, path, contentType, r)
}

func TestPipelineHaltsOnPersistFailure(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)
	store := &brokenWriteStore{BlobStore: p.store, key: "a2.json"}
	batch, err := source.Parse("input.json", []byte(threeRecords))
	require.NoError(t, err)

	w, err := worker.New(
		artifact.NewLedger(store, false),
		p.invoker,
		nil,
		artifact.NewWriter(store),
		system.New(),
		worker.Config{},
		nil,
	)
	require.NoError(t, err)
	d, err := dispatcher.New(w, hydrator.RunOptions{HaltOnError: true, Concurrency: 1}, nil, system.New(), nil)
	require.NoError(t, err)

	stats, err := d.Run(context.Background(), uuid.New(), batch)
	require.ErrorIs(t, err, hydrator.ErrHalted)
	assert.True(t, stats.Halted)
	assert.Equal(t, 2, stats.Attempted)
	assert.Equal(t, 1, stats.Hydrated)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, p.invoker.Calls())
	assert.Equal(t, []string{"a1.json"}, p.artifacts(t))
}
