package orchestrator

import "context"

// Sink receives a report after every cycle. Sink errors are logged and never
// change the cycle's result.
type Sink interface {
	RecordCycle(ctx context.Context, report CycleReport) error
}

type SinkFunc func(ctx context.Context, report CycleReport) error

func (f SinkFunc) RecordCycle(ctx context.Context, report CycleReport) error { return f(ctx, report) }
