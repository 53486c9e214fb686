// Package jobrun translates a configured MSCR into a job specification,
// submits it to a Runner, and records the outcome: a job name encoding
// (jobID, layerID, mscrID), a reducer-count heuristic, a scratch
// directory, rate-limited submission, a persisted job-run row, and a
// telemetry event/span pair per job.
package jobrun

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/scoobi-go/scoobi/dag"
	"github.com/scoobi-go/scoobi/mscr"
)

// JobSpec is everything a Runner needs to execute one MSCR as a job.
type JobSpec struct {
	RunID        string
	JobID        string
	LayerID      int
	MSCRID       int
	Name         string
	ReducerCount int
	TempDir      string
	MSCR         *mscr.MSCR

	// Inputs supplies the DataSource each mapper in MSCR.Mappers reads
	// from, keyed by the mapper's own node id.
	Inputs map[dag.ID]dag.DataSource
	// Env supplies the precomputed scalar value for each Exp-shaped
	// environment node a mapper references, keyed by that node's id.
	Env map[dag.ID]any
}

// Outcome is what a Runner reports once a job finishes.
type Outcome struct {
	Status string // one of store.JobStatus*
	Err    error
	// Bridges maps each bridge id the MSCR owns (§3: one per GroupByKey/
	// Combine, or the lone mapper for an orphan MSCR) to the elements it
	// produced.
	Bridges map[string][]any
}

// Handle identifies one submitted job within a Runner.
type Handle string

// Runner is the minimal submit-and-wait abstraction jobrun drives. The
// core ships Runner's only implementation, LocalRunner, which executes
// an MSCR's mapper/shuffle/combine/reduce phases directly over
// host-memory iterables; a Cluster-mode runner reached over a configured
// transport is an external collaborator outside the core's scope.
type Runner interface {
	Submit(ctx context.Context, spec JobSpec) (Handle, error)
	Wait(ctx context.Context, handle Handle) (Outcome, error)
	Kill(ctx context.Context, handle Handle) error
}

// JobName assembles the job name encoding (jobID, layerID, mscrID).
func JobName(jobID string, layerID, mscrID int) string {
	return fmt.Sprintf("%s-l%d-m%d", jobID, layerID, mscrID)
}

// TempDir is the per-job scratch output directory under workingDir.
func TempDir(workingDir, jobID string) string {
	return filepath.Join(workingDir, "tmp-out-"+jobID)
}

// ReducerCount computes the reducer-count heuristic: clamp
// ceil(inputBytes/bytesPerReducer) to [min, max]. bytesPerReducer <= 0 is
// treated as 1 (every byte gets its own reducer headroom) so a
// misconfigured value never divides by zero.
func ReducerCount(min, max int, inputBytes, bytesPerReducer int64) int {
	if bytesPerReducer <= 0 {
		bytesPerReducer = 1
	}
	n := int((inputBytes + bytesPerReducer - 1) / bytesPerReducer)
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n
}

// BuildSpec assembles a JobSpec for m, computing its name, reducer
// count, and temp dir from the given parameters.
func BuildSpec(runID, jobID, workingDir string, layerID int, m *mscr.MSCR, minReducers, maxReducers int, inputBytes, bytesPerReducer int64, inputs map[dag.ID]dag.DataSource, env map[dag.ID]any) JobSpec {
	return JobSpec{
		RunID:        runID,
		JobID:        jobID,
		LayerID:      layerID,
		MSCRID:       m.ID,
		Name:         JobName(jobID, layerID, m.ID),
		ReducerCount: ReducerCount(minReducers, maxReducers, inputBytes, bytesPerReducer),
		TempDir:      TempDir(workingDir, jobID),
		MSCR:         m,
		Inputs:       inputs,
		Env:          env,
	}
}

// bridgeID mirrors attr.Table.BridgeStoreOf's id scheme without
// depending on attr, since jobrun only ever needs the string, not an
// attribute-table lookup.
func bridgeID(n dag.Node) string {
	return fmt.Sprintf("bridge-%d", n.ID())
}
