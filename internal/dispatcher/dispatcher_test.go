package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
	"github.com/JakeFAU/bulk-hydrator/internal/progress"
)

func TestDispatcherProcessesEveryValidRecord(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{}
	events := &eventRecorder{}
	d := newDispatcher(t, proc, hydrator.RunOptions{}, events)

	batch := mustBatch(t,
		`{"ID":"a1","URL":"http://example.com/a"}`,
		`{"ID":"a2"}`,
		`{"ID":"a3","URL":"http://example.com/c"}`,
	)
	stats, err := d.Run(context.Background(), uuid.New(), batch)
	require.NoError(t, err)

	assert.Equal(t, hydrator.RunStats{Total: 3, Attempted: 3, Hydrated: 2, Invalid: 1}, stats)
	assert.Equal(t, []string{"a1", "a3"}, proc.IDs())
	assert.Equal(t, stats, d.Stats())

	evts := events.Events()
	require.Len(t, evts, 3)
	assert.Equal(t, hydrator.OutcomeInvalid, evts[1].Outcome)
	assert.Equal(t, hydrator.StepValidate, evts[1].Step)
	assert.Contains(t, evts[1].Note, "field URL")
}

func TestDispatcherHaltOnErrorSequential(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{fail: map[string]hydrator.Step{"a2": hydrator.StepInvoke}}
	d := newDispatcher(t, proc, hydrator.RunOptions{HaltOnError: true, Concurrency: 1}, nil)

	batch := mustBatch(t,
		`{"ID":"a1","URL":"http://example.com/a"}`,
		`{"ID":"a2","URL":"http://example.com/b"}`,
		`{"ID":"a3","URL":"http://example.com/c"}`,
	)
	stats, err := d.Run(context.Background(), uuid.New(), batch)
	require.ErrorIs(t, err, hydrator.ErrHalted)

	assert.True(t, stats.Halted)
	assert.Equal(t, 2, stats.Attempted)
	assert.Equal(t, 1, stats.Hydrated)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, []string{"a1", "a2"}, proc.IDs())
}

func TestDispatcherContinuesWithoutHalt(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{fail: map[string]hydrator.Step{"a2": hydrator.StepPersist}}
	d := newDispatcher(t, proc, hydrator.RunOptions{}, nil)

	batch := mustBatch(t,
		`{"ID":"a1","URL":"http://example.com/a"}`,
		`{"ID":"a2","URL":"http://example.com/b"}`,
		`{"ID":"a3","URL":"http://example.com/c"}`,
	)
	stats, err := d.Run(context.Background(), uuid.New(), batch)
	require.NoError(t, err)
	assert.Equal(t, hydrator.RunStats{Total: 3, Attempted: 3, Hydrated: 2, Failed: 1}, stats)
}

func TestDispatcherInvalidRecordsNeverHalt(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{}
	d := newDispatcher(t, proc, hydrator.RunOptions{HaltOnError: true}, nil)

	batch := mustBatch(t,
		`{"URL":"http://example.com/a"}`,
		`{"ID":"a2","URL":""}`,
		`{"ID":"a3","URL":"http://example.com/c"}`,
	)
	stats, err := d.Run(context.Background(), uuid.New(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Invalid)
	assert.Equal(t, 1, stats.Hydrated)
	assert.False(t, stats.Halted)
}

func TestDispatcherEnrichmentMissDoesNotHalt(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{miss: true}
	d := newDispatcher(t, proc, hydrator.RunOptions{HaltOnError: true}, nil)

	batch := mustBatch(t,
		`{"ID":"a1","URL":"http://example.com/a"}`,
		`{"ID":"a2","URL":"http://example.com/b"}`,
	)
	stats, err := d.Run(context.Background(), uuid.New(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Hydrated)
	assert.Equal(t, 2, stats.EnrichmentMisses)
}

func TestDispatcherDuplicatePolicies(t *testing.T) {
	t.Parallel()

	raw := []string{
		`{"ID":"a1","URL":"http://example.com/a"}`,
		`{"ID":"a1","URL":"http://example.com/b"}`,
		`{"ID":7,"URL":"http://example.com/c"}`,
	}

	t.Run("skip", func(t *testing.T) {
		t.Parallel()
		proc := &fakeProcessor{}
		d := newDispatcher(t, proc, hydrator.RunOptions{}, nil)
		stats, err := d.Run(context.Background(), uuid.New(), mustBatch(t, raw...))
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Invalid)
		assert.Equal(t, []string{"a1", "7"}, proc.IDs())
		assert.Equal(t, []string{"http://example.com/a", "http://example.com/c"}, proc.URLs())
	})

	t.Run("overwrite", func(t *testing.T) {
		t.Parallel()
		proc := &fakeProcessor{}
		d := newDispatcher(t, proc, hydrator.RunOptions{DuplicatePolicy: hydrator.DuplicateOverwrite}, nil)
		stats, err := d.Run(context.Background(), uuid.New(), mustBatch(t, raw...))
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Hydrated)
		assert.Equal(t, []string{"a1", "a1", "7"}, proc.IDs())
	})

	t.Run("error", func(t *testing.T) {
		t.Parallel()
		proc := &fakeProcessor{}
		d := newDispatcher(t, proc, hydrator.RunOptions{DuplicatePolicy: hydrator.DuplicateError}, nil)
		stats, err := d.Run(context.Background(), uuid.New(), mustBatch(t, raw...))
		require.ErrorIs(t, err, hydrator.ErrFormat)
		assert.Contains(t, err.Error(), `duplicate ID "a1" at records 0 and 1`)
		assert.Zero(t, stats.Attempted)
		assert.Empty(t, proc.IDs())
	})
}

func TestDispatcherConcurrentRun(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{delay: 5 * time.Millisecond}
	d := newDispatcher(t, proc, hydrator.RunOptions{Concurrency: 4}, nil)

	lines := make([]string, 0, 20)
	for i := range 20 {
		lines = append(lines, `{"ID":`+itoa(i)+`,"URL":"http://example.com/x"}`)
	}
	stats, err := d.Run(context.Background(), uuid.New(), mustBatch(t, lines...))
	require.NoError(t, err)
	assert.Equal(t, 20, stats.Hydrated)
	assert.LessOrEqual(t, proc.MaxInFlight(), int64(4))
	assert.Greater(t, proc.MaxInFlight(), int64(1))
}

func TestDispatcherConcurrentHaltStopsNewStarts(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{fail: map[string]hydrator.Step{"0": hydrator.StepInvoke}, delay: 2 * time.Millisecond}
	d := newDispatcher(t, proc, hydrator.RunOptions{Concurrency: 2, HaltOnError: true}, nil)

	lines := make([]string, 0, 50)
	for i := range 50 {
		lines = append(lines, `{"ID":`+itoa(i)+`,"URL":"http://example.com/x"}`)
	}
	stats, err := d.Run(context.Background(), uuid.New(), mustBatch(t, lines...))
	require.ErrorIs(t, err, hydrator.ErrHalted)
	assert.Less(t, stats.Attempted, 50)
	assert.Equal(t, stats.Attempted, len(proc.IDs()))
}

func TestDispatcherCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	proc := &fakeProcessor{onProcess: func(id string) {
		if id == "a2" {
			cancel()
		}
	}}
	d := newDispatcher(t, proc, hydrator.RunOptions{HaltOnError: true}, nil)

	batch := mustBatch(t,
		`{"ID":"a1","URL":"http://example.com/a"}`,
		`{"ID":"a2","URL":"http://example.com/b"}`,
		`{"ID":"a3","URL":"http://example.com/c"}`,
	)
	stats, err := d.Run(ctx, uuid.New(), batch)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, stats.Canceled)
	assert.False(t, stats.Halted)
	assert.Equal(t, []string{"a1", "a2"}, proc.IDs())
}

func TestNewDispatcherValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, hydrator.RunOptions{}, nil, fixedClock{}, nil)
	assert.Error(t, err)
	_, err = New(&fakeProcessor{}, hydrator.RunOptions{DuplicatePolicy: "first"}, nil, fixedClock{}, nil)
	assert.Error(t, err)
}

func newDispatcher(t *testing.T, proc Processor, opts hydrator.RunOptions, emitter progress.Emitter) *Dispatcher {
	t.Helper()
	d, err := New(proc, opts, emitter, fixedClock{}, zap.NewNop())
	require.NoError(t, err)
	return d
}

func mustBatch(t *testing.T, raw ...string) hydrator.Batch {
	t.Helper()
	batch := make(hydrator.Batch, 0, len(raw))
	for _, r := range raw {
		rec := &hydrator.Record{}
		require.NoError(t, json.Unmarshal([]byte(r), rec))
		batch = append(batch, rec)
	}
	return batch
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

type fakeProcessor struct {
	fail      map[string]hydrator.Step
	miss      bool
	delay     time.Duration
	onProcess func(id string)

	mu       sync.Mutex
	ids      []string
	urls     []string
	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

func (f *fakeProcessor) Process(ctx context.Context, index int, id, url string, _ *hydrator.Record) hydrator.Outcome {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxSeen.Load()
		if n <= cur || f.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.urls = append(f.urls, url)
	f.mu.Unlock()

	if f.onProcess != nil {
		f.onProcess(id)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	out := hydrator.Outcome{Index: index, ID: id, URL: url}
	if step, ok := f.fail[id]; ok {
		out.Status = hydrator.OutcomeFailed
		out.Step = step
		out.Err = errors.New("boom")
		return out
	}
	if ctx.Err() != nil {
		out.Status = hydrator.OutcomeFailed
		out.Step = hydrator.StepInvoke
		out.Err = ctx.Err()
		return out
	}
	out.Status = hydrator.OutcomeHydrated
	out.Step = hydrator.StepPersist
	out.EnrichAttempted = f.miss
	return out
}

func (f *fakeProcessor) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func (f *fakeProcessor) URLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

func (f *fakeProcessor) MaxInFlight() int64 {
	return f.maxSeen.Load()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *eventRecorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) Events() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

type fixedClock struct{}

func (fixedClock) Now() time.Time {
	return time.Unix(1700000000, 0)
}
