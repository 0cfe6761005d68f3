package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit counts completed audits through a custom sink.
func ExampleHub_Emit() {
	done := 0
	hub := NewHub(Config{MaxBatchEvents: 1, MaxBatchWait: time.Second}, sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Stage == StageAuditDone {
				done++
			}
		}
		return nil
	}))

	hub.Emit(Event{
		AuditID: UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000001")),
		TS:      time.Unix(0, 0),
		Stage:   StageAuditDone,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("audits completed: %d\n", done)
	// Output:
	// audits completed: 1
}
