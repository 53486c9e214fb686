package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes structured events to a writer, either as
// key=value text or as JSONL.
//
// Example text output:
//
//	[job_complete] runID=run-001 layerID=0 mscrID=2 jobName=scoobi-l0-m2
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID   string                 `json:"runID"`
		LayerID int                    `json:"layerID"`
		MSCRID  int                    `json:"mscrID"`
		JobName string                 `json:"jobName"`
		Msg     string                 `json:"msg"`
		Meta    map[string]interface{} `json:"meta"`
	}{
		RunID:   event.RunID,
		LayerID: event.LayerID,
		MSCRID:  event.MSCRID,
		JobName: event.JobName,
		Msg:     event.Msg,
		Meta:    event.Meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] runID=%s layerID=%d mscrID=%d jobName=%s",
		event.Msg, event.RunID, event.LayerID, event.MSCRID, event.JobName)

	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes every event with the same formatting as Emit, calling
// Emit once per event; writes are not batched.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		l.Emit(event)
	}
	return nil
}

// Flush is a no-op: LogEmitter writes synchronously with no internal
// buffering. Wrap writer in a bufio.Writer and flush that directly if
// buffering is needed.
func (l *LogEmitter) Flush(_ context.Context) error { return nil }
