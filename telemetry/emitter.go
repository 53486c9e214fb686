// Package telemetry provides event emission and observability for plan
// execution.
package telemetry

import "context"

// Emitter receives observability events from plan execution.
//
// Implementations should be non-blocking and thread-safe — Emit may
// be called concurrently from multiple job goroutines within a layer.
type Emitter interface {
	// Emit sends a single event. Must not block or panic.
	Emit(event Event)

	// EmitBatch sends multiple events in one call, preserving order.
	// Returns an error only on catastrophic failure; individual event
	// delivery failures should be logged internally, not returned.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until all buffered events are delivered, or ctx is
	// done. Safe to call multiple times.
	Flush(ctx context.Context) error
}
