package jobrun

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/scoobi-go/scoobi/store"
	"github.com/scoobi-go/scoobi/telemetry"
)

// Job wraps one JobSpec's execution against a Runner: rate-limited
// submission, a job-run audit row, and telemetry events, on top of
// whatever the Runner itself does.
type Job struct {
	Spec    JobSpec
	Runner  Runner
	Limiter *rate.Limiter   // may be nil to submit unthrottled
	Store   store.BridgeStore // may be nil to skip persistence
	Emitter telemetry.Emitter // may be nil to skip event emission
	Metrics *telemetry.PrometheusMetrics // may be nil to skip metrics

	outcome Outcome
}

// NewJob constructs a Job. limiter, st, emitter and metrics are all
// optional collaborators; pass nil to skip the concern they cover.
func NewJob(spec JobSpec, runner Runner, limiter *rate.Limiter, st store.BridgeStore, emitter telemetry.Emitter, metrics *telemetry.PrometheusMetrics) *Job {
	return &Job{Spec: spec, Runner: runner, Limiter: limiter, Store: st, Emitter: emitter, Metrics: metrics}
}

// Execute submits Spec, waits for completion, and records the outcome.
// It returns the job's own error (submission failure, or the runner's
// own reported error); callers deciding whether to fail a whole layer
// inspect this return value rather than Report's Status directly.
func (j *Job) Execute(ctx context.Context) error {
	if j.Limiter != nil {
		if err := j.Limiter.Wait(ctx); err != nil {
			return errors.Wrap(err, "jobrun: rate limiter wait")
		}
	}

	started := time.Now()
	j.emit("job_start", nil)

	handle, err := j.Runner.Submit(ctx, j.Spec)
	if err != nil {
		j.finish(ctx, started, store.JobStatusFailed, err)
		return errors.Wrapf(err, "jobrun: submitting job %s", j.Spec.Name)
	}

	outcome, err := j.Runner.Wait(ctx, handle)
	if err != nil {
		j.finish(ctx, started, store.JobStatusFailed, err)
		return errors.Wrapf(err, "jobrun: waiting on job %s", j.Spec.Name)
	}

	j.outcome = outcome
	runErr := outcome.Err
	status := outcome.Status
	if status == "" {
		status = store.JobStatusSuccess
	}
	j.finish(ctx, started, status, runErr)
	return runErr
}

// Report returns the most recent outcome Execute observed.
func (j *Job) Report() Outcome { return j.outcome }

func (j *Job) finish(ctx context.Context, started time.Time, status string, runErr error) {
	finished := time.Now()

	meta := map[string]interface{}{"reducer_count": j.Spec.ReducerCount, "duration_ms": finished.Sub(started).Milliseconds()}
	if runErr != nil {
		meta["error"] = runErr.Error()
	}
	msg := "job_complete"
	if status == store.JobStatusFailed {
		msg = "job_failed"
	}
	j.emit(msg, meta)

	if j.Metrics != nil {
		j.Metrics.RecordJobLatency(j.Spec.RunID, j.Spec.Name, finished.Sub(started), status)
		if status == store.JobStatusFailed {
			j.Metrics.IncrementJobRetries(j.Spec.RunID, j.Spec.Name, "job_failed")
		}
	}

	if j.Store != nil {
		errMsg := ""
		if runErr != nil {
			errMsg = runErr.Error()
		}
		run := store.JobRun{
			RunID:        j.Spec.RunID,
			LayerID:      j.Spec.LayerID,
			MSCRID:       j.Spec.MSCRID,
			JobName:      j.Spec.Name,
			Status:       status,
			ReducerCount: j.Spec.ReducerCount,
			StartedAt:    started,
			FinishedAt:   finished,
			ErrMsg:       errMsg,
		}
		// A failure to persist the audit row does not change the job's
		// own outcome; it is only ever surfaced via the emitted event.
		if err := j.Store.RecordJobRun(ctx, run); err != nil {
			j.emit("job_run_record_failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (j *Job) emit(msg string, meta map[string]interface{}) {
	if j.Emitter == nil {
		return
	}
	j.Emitter.Emit(telemetry.Event{
		RunID:   j.Spec.RunID,
		LayerID: j.Spec.LayerID,
		MSCRID:  j.Spec.MSCRID,
		JobName: j.Spec.Name,
		Msg:     msg,
		Meta:    meta,
	})
}
