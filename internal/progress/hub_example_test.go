package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/bulk-hydrator/internal/hydrator"
)

// ExampleHub_Emit counts hydrated records through a custom sink.
func ExampleHub_Emit() {
	var hydrated int
	counter := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Stage == StageRecordDone && evt.Outcome == hydrator.OutcomeHydrated {
				hydrated++
			}
		}
		return nil
	})
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Second}, counter)

	runID := uuid.MustParse("00000000-0000-7000-8000-000000000001")
	hub.Emit(Event{RunID: runID, TS: time.Unix(0, 0), Stage: StageRunStart, Total: 2})
	hub.Emit(Event{RunID: runID, TS: time.Unix(1, 0), Stage: StageRecordDone, Index: 0, Outcome: hydrator.OutcomeHydrated})
	hub.Emit(Event{RunID: runID, TS: time.Unix(2, 0), Stage: StageRecordDone, Index: 1, Outcome: hydrator.OutcomeFailed})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("hydrated records: %d\n", hydrated)
	// Output:
	// hydrated records: 1
}
