package telemetry

// Event is one observability event emitted during plan execution:
// layer/MSCR/job lifecycle transitions, skip-already-computed
// decisions, and errors.
type Event struct {
	// RunID identifies the execution that emitted this event.
	RunID string

	// LayerID is the MSCR layer this event concerns, or -1 for
	// run-level events (start, complete).
	LayerID int

	// MSCRID is the MSCR this event concerns, or -1 if not
	// MSCR-specific.
	MSCRID int

	// JobName identifies the dispatched job, empty for events above
	// job granularity.
	JobName string

	// Msg is a short event name, e.g. "layer_start", "job_complete",
	// "bridge_skip".
	Msg string

	// Meta holds event-specific structured data. Common keys:
	// "duration_ms", "error", "row_count", "reducer_count".
	Meta map[string]interface{}
}
