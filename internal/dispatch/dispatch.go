package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"Gantry/internal/event"
	"Gantry/internal/metrics"
	"Gantry/internal/runner"
	"Gantry/internal/store"
	"Gantry/internal/workflow"
)

// JobStatus is the lifecycle of one matrix build job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPassed    JobStatus = "passed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) terminal() bool {
	return s == JobPassed || s == JobFailed || s == JobCancelled
}

// BuildJob is one matrix leg bound to (at most) one runner instance. The
// job holds a non-owning reference to the runner; the manager owns it.
type BuildJob struct {
	ID         string              `json:"id"`
	Coordinate workflow.Coordinate `json:"coordinate"`
	RunnerID   string              `json:"runner_id,omitempty"`
	Status     JobStatus           `json:"status"`
	Error      string              `json:"error,omitempty"`
	StartedAt  time.Time           `json:"started_at,omitempty"`
	FinishedAt time.Time           `json:"finished_at,omitempty"`
}

// Result is the aggregate outcome of a matrix run. Passed only when
// every job passed; any failure fails the whole matrix without
// cancelling sibling legs.
type Result struct {
	RunID     string
	Jobs      map[workflow.Coordinate]*BuildJob
	Passed    bool
	Cancelled bool
}

// Executor runs a workflow's steps for one coordinate on an acquired
// runner instance.
type Executor interface {
	Execute(ctx context.Context, inst *runner.Instance, wf *workflow.Descriptor, coord workflow.Coordinate) error
}

// EventSink receives the synthetic check-result events a finished run
// feeds back into the control plane.
type EventSink interface {
	Emit(ev event.Event)
}

// Dispatcher expands a workflow matrix into independent build jobs,
// leasing one runner per job from the lifecycle manager.
type Dispatcher struct {
	runners *runner.Manager
	exec    Executor
	sink    EventSink
	store   store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewDispatcher(mgr *runner.Manager, exec Executor, sink EventSink, st store.Store, met *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		runners: mgr,
		exec:    exec,
		sink:    sink,
		store:   st,
		metrics: met,
		logger:  logger.With("component", "dispatcher"),
	}
}

// Run is a handle on an in-flight matrix run.
type Run struct {
	ID     string
	repo   string
	number int

	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	jobs map[workflow.Coordinate]*BuildJob
}

// Dispatch starts one build job per matrix coordinate and returns
// immediately with a handle. Jobs are fail-independent: every leg runs
// to completion regardless of sibling failures.
func (d *Dispatcher) Dispatch(ctx context.Context, wf *workflow.Descriptor, repo string, number int) (*Run, error) {
	spec := d.runners.SpecForLabels(wf.RunsOn)
	if spec == nil {
		return nil, fmt.Errorf("no runner spec matches selector %v", wf.RunsOn)
	}

	coords := wf.Matrix.Expand()
	runCtx, cancel := context.WithCancel(ctx)

	run := &Run{
		ID:     uuid.NewString(),
		repo:   repo,
		number: number,
		cancel: cancel,
		done:   make(chan struct{}),
		jobs:   make(map[workflow.Coordinate]*BuildJob, len(coords)),
	}
	for _, c := range coords {
		run.jobs[c] = &BuildJob{
			ID:         uuid.NewString(),
			Coordinate: c,
			Status:     JobPending,
		}
	}

	d.logger.Info("dispatching matrix",
		"workflow", wf.Name,
		"run_id", run.ID,
		"jobs", len(coords),
		"spec", spec.Name,
	)

	go d.execute(runCtx, run, wf, spec)
	return run, nil
}

// Cancel marks every non-terminal job CANCELLED immediately and signals
// in-flight work to release its runners. It does not wait for workers
// to report back.
func (r *Run) Cancel() {
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for _, job := range r.jobs {
		if !job.Status.terminal() {
			job.Status = JobCancelled
			job.FinishedAt = now
		}
	}
}

// Wait blocks until every worker has returned, then reports the result.
func (r *Run) Wait() Result {
	<-r.done
	return r.Result()
}

// Done is closed when all workers have returned.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Result snapshots the run's current state.
func (r *Run) Result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := Result{
		RunID:  r.ID,
		Jobs:   make(map[workflow.Coordinate]*BuildJob, len(r.jobs)),
		Passed: true,
	}
	for c, job := range r.jobs {
		cp := *job
		res.Jobs[c] = &cp
		if job.Status != JobPassed {
			res.Passed = false
		}
		if job.Status == JobCancelled {
			res.Cancelled = true
		}
	}
	return res
}

func (d *Dispatcher) execute(ctx context.Context, run *Run, wf *workflow.Descriptor, spec *runner.Spec) {
	var wg sync.WaitGroup
	run.mu.Lock()
	jobs := make([]*BuildJob, 0, len(run.jobs))
	for _, job := range run.jobs {
		jobs = append(jobs, job)
	}
	run.mu.Unlock()

	for _, job := range jobs {
		wg.Add(1)
		go func(job *BuildJob) {
			defer wg.Done()
			d.runJob(ctx, run, job, wf, spec)
		}(job)
	}
	wg.Wait()

	res := run.Result()
	d.finish(wf, run, res)
	close(run.done)
}

func (d *Dispatcher) runJob(ctx context.Context, run *Run, job *BuildJob, wf *workflow.Descriptor, spec *runner.Spec) {
	inst, err := d.runners.Acquire(ctx, spec.Name, run.ID)
	if err != nil {
		d.completeJob(run, job, "", err)
		return
	}

	run.mu.Lock()
	cancelled := job.Status == JobCancelled
	if !cancelled {
		job.Status = JobRunning
		job.RunnerID = inst.ID
		job.StartedAt = time.Now().UTC()
	}
	run.mu.Unlock()

	var execErr error
	if cancelled {
		execErr = context.Canceled
	} else {
		start := time.Now()
		execErr = d.exec.Execute(ctx, inst, wf, job.Coordinate)
		if d.metrics != nil {
			d.metrics.JobDuration.WithLabelValues(job.Coordinate.OS).Observe(time.Since(start).Seconds())
		}
	}

	// Release regardless of outcome; a cancelled run must give its
	// runners back immediately.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if rerr := d.runners.Release(releaseCtx, inst); rerr != nil {
		d.logger.Error("failed to release runner", "runner", inst.ID, "error", rerr)
	}

	d.completeJob(run, job, inst.ID, execErr)
}

func (d *Dispatcher) completeJob(run *Run, job *BuildJob, runnerID string, err error) {
	run.mu.Lock()
	defer run.mu.Unlock()

	if job.Status.terminal() {
		// Cancel already settled this job; nothing to report.
		return
	}

	job.FinishedAt = time.Now().UTC()
	if runnerID != "" {
		job.RunnerID = runnerID
	}

	switch {
	case err == nil:
		job.Status = JobPassed
	case errors.Is(err, context.Canceled):
		job.Status = JobCancelled
	default:
		job.Status = JobFailed
		job.Error = err.Error()
	}
}

func (d *Dispatcher) finish(wf *workflow.Descriptor, run *Run, res Result) {
	result := "passed"
	if res.Cancelled {
		result = "cancelled"
	} else if !res.Passed {
		result = "failed"
	}

	d.logger.Info("matrix run finished",
		"workflow", wf.Name,
		"run_id", run.ID,
		"result", result,
	)

	if d.metrics != nil {
		d.metrics.DispatchRuns.WithLabelValues(result).Inc()
		for _, job := range res.Jobs {
			d.metrics.DispatchJobs.WithLabelValues(string(job.Status)).Inc()
		}
	}

	if d.store != nil {
		_ = d.store.Record(context.Background(), store.Record{
			Kind:    store.KindDispatch,
			Subject: fmt.Sprintf("%s/%s", wf.Name, run.ID),
			Detail:  result,
		})
	}

	// Feed per-leg outcomes back into the event stream as synthetic
	// check results so merge policy can react to them.
	if d.sink == nil || run.repo == "" || run.number <= 0 || res.Cancelled {
		return
	}
	for _, job := range res.Jobs {
		status := "failure"
		if job.Status == JobPassed {
			status = "success"
		}
		d.sink.Emit(event.Event{
			Kind:        event.KindCheckResult,
			Repository:  run.repo,
			PullRequest: run.number,
			Actor:       "gantry",
			Payload: event.Payload{
				CheckName:   CheckName(wf, job.Coordinate),
				CheckStatus: status,
			},
		})
	}
}

// CheckName derives the status-check name a matrix leg reports under,
// e.g. "build(3.12)" for a single-OS matrix.
func CheckName(wf *workflow.Descriptor, coord workflow.Coordinate) string {
	if len(wf.Matrix.OS) <= 1 {
		return fmt.Sprintf("%s(%s)", wf.Name, coord.Version)
	}
	return fmt.Sprintf("%s(%s, %s)", wf.Name, coord.OS, coord.Version)
}
