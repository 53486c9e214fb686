package telemetry

import (
	"context"
	"sync"
)

// BufferedEmitter stores events in memory, organized by runID, for
// post-execution inspection. Not meant for long-running production use
// without periodic Clear — it never evicts on its own.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter narrows GetHistoryWithFilter results. Zero-valued
// fields are ignored; all set fields combine with AND.
type HistoryFilter struct {
	MSCRID   *int
	JobName  string
	Msg      string
	MinLayer *int
	MaxLayer *int
}

func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.RunID] = append(b.events[event.RunID], event)
}

func (b *BufferedEmitter) EmitBatch(_ context.Context, events []Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range events {
		b.events[e.RunID] = append(b.events[e.RunID], e)
	}
	return nil
}

func (b *BufferedEmitter) Flush(context.Context) error { return nil }

// GetHistory returns a copy of every event recorded for runID, in
// emission order.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter returns a copy of runID's events matching
// filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events[runID] {
		if b.matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	return result
}

func (b *BufferedEmitter) matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.MSCRID != nil && event.MSCRID != *filter.MSCRID {
		return false
	}
	if filter.JobName != "" && event.JobName != filter.JobName {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinLayer != nil && event.LayerID < *filter.MinLayer {
		return false
	}
	if filter.MaxLayer != nil && event.LayerID > *filter.MaxLayer {
		return false
	}
	return true
}

// Clear removes events for runID, or every run if runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}
