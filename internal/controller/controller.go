package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"Gantry/internal/config"
	"Gantry/internal/dispatch"
	"Gantry/internal/event"
	"Gantry/internal/merge"
	"Gantry/internal/metrics"
	"Gantry/internal/policy"
	"Gantry/internal/pullreq"
	"Gantry/internal/workflow"
)

// Controller is the wiring loop: it drains the ingest stream, applies
// events to pull request state, evaluates merge policy, hands actions to
// the merge coordinator, and triggers matrix dispatches.
type Controller struct {
	cfg         *config.Config
	ingest      *event.Ingest
	registry    *pullreq.Registry
	rules       *policy.RuleSet
	coordinator *merge.Coordinator
	dispatcher  *dispatch.Dispatcher
	workflows   []*workflow.Descriptor
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu    sync.Mutex
	runs  map[string]*dispatch.Run
	heads map[string]string
}

func New(
	cfg *config.Config,
	ingest *event.Ingest,
	registry *pullreq.Registry,
	rules *policy.RuleSet,
	coordinator *merge.Coordinator,
	dispatcher *dispatch.Dispatcher,
	workflows []*workflow.Descriptor,
	met *metrics.Metrics,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		cfg:         cfg,
		ingest:      ingest,
		registry:    registry,
		rules:       rules,
		coordinator: coordinator,
		dispatcher:  dispatcher,
		workflows:   workflows,
		metrics:     met,
		logger:      logger.With("component", "controller"),
		runs:        make(map[string]*dispatch.Run),
		heads:       make(map[string]string),
	}
}

// Run processes events until ctx is cancelled. Events are handled one at
// a time off a single ordered stream, so same-PR events can never
// interleave; scheduled sweeps contend on the per-PR locks instead.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("controller starting")

	sched := cron.New()
	for _, wf := range c.workflows {
		for _, expr := range wf.Triggers.Schedules {
			wf := wf
			if _, err := sched.AddFunc(expr, func() {
				c.scheduledDispatch(ctx, wf)
			}); err != nil {
				return fmt.Errorf("failed to schedule workflow %s: %w", wf.Name, err)
			}
		}
	}
	sched.Start()
	defer sched.Stop()

	sweep := time.NewTicker(c.cfg.Policy.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("controller stopped")
			c.cancelAllRuns()
			return nil
		case ev, ok := <-c.ingest.Events():
			if !ok {
				return nil
			}
			c.handleEvent(ctx, ev)
		case <-sweep.C:
			c.sweepPolicy(ctx)
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev event.Event) {
	if c.metrics != nil {
		c.metrics.EventsIngested.WithLabelValues(string(ev.Kind)).Inc()
	}

	snap := c.registry.Apply(ev)
	c.evaluate(ctx, snap, "event")

	if ev.Kind == event.KindPRUpdated {
		c.dispatchFor(ctx, snap)
	}
}

func (c *Controller) evaluate(ctx context.Context, snap pullreq.Snapshot, trigger string) {
	if c.metrics != nil {
		c.metrics.EvaluationsTotal.WithLabelValues(trigger).Inc()
		for _, name := range c.rules.Fired(snap) {
			c.metrics.RulesFired.WithLabelValues(name).Inc()
		}
	}

	actions := c.rules.Evaluate(snap)
	if len(actions) == 0 {
		return
	}

	c.logger.Debug("policy matched",
		"repo", snap.Repository,
		"pr", snap.Number,
		"actions", len(actions),
		"trigger", trigger,
	)

	if c.cfg.DryRun {
		c.logger.Info("dry run, skipping actions", "repo", snap.Repository, "pr", snap.Number)
		return
	}

	err := c.coordinator.Apply(ctx, snap, actions)
	if errors.Is(err, merge.ErrMergeConflict) {
		// Already relabeled and commented; the author resolves it.
		return
	}
	if err != nil {
		c.logger.Error("failed to apply actions",
			"repo", snap.Repository,
			"pr", snap.Number,
			"error", err,
		)
	}
}

// sweepPolicy re-evaluates every tracked PR. Catches rules whose inputs
// changed outside the event stream (e.g. a manual label edit that never
// produced an event).
func (c *Controller) sweepPolicy(ctx context.Context) {
	for _, snap := range c.registry.Snapshots() {
		c.evaluate(ctx, snap, "schedule")
	}
}

// dispatchFor starts matrix runs for every pull_request-triggered
// workflow. Runs are keyed by PR and workflow and pinned to the head
// commit they built: only a new head supersedes the in-flight run
// (cancelled, runners released, new run started). A PR update that
// leaves the head unchanged, such as a label edit, neither cancels nor
// restarts anything.
func (c *Controller) dispatchFor(ctx context.Context, snap pullreq.Snapshot) {
	for _, wf := range c.workflows {
		if !wf.Triggers.PullRequest {
			continue
		}

		key := fmt.Sprintf("%s#%d/%s", snap.Repository, snap.Number, wf.Name)

		c.mu.Lock()
		if head, seen := c.heads[key]; seen && head == snap.HeadSHA {
			c.mu.Unlock()
			continue
		}
		if prev, ok := c.runs[key]; ok {
			prev.Cancel()
			delete(c.runs, key)
		}
		c.mu.Unlock()

		run, err := c.dispatcher.Dispatch(ctx, wf, snap.Repository, snap.Number)
		if err != nil {
			c.logger.Error("dispatch failed", "workflow", wf.Name, "key", key, "error", err)
			continue
		}

		c.mu.Lock()
		c.runs[key] = run
		c.heads[key] = snap.HeadSHA
		c.mu.Unlock()

		go c.reap(key, run)
	}
}

// scheduledDispatch runs a cron-triggered workflow. No PR context, so
// the run reports into the audit store and metrics only.
func (c *Controller) scheduledDispatch(ctx context.Context, wf *workflow.Descriptor) {
	c.logger.Info("scheduled dispatch", "workflow", wf.Name)

	run, err := c.dispatcher.Dispatch(ctx, wf, "", 0)
	if err != nil {
		c.logger.Error("scheduled dispatch failed", "workflow", wf.Name, "error", err)
		return
	}
	go run.Wait()
}

func (c *Controller) reap(key string, run *dispatch.Run) {
	res := run.Wait()

	c.mu.Lock()
	if c.runs[key] == run {
		delete(c.runs, key)
	}
	c.mu.Unlock()

	c.logger.Info("matrix run reaped",
		"key", key,
		"run_id", res.RunID,
		"passed", res.Passed,
		"cancelled", res.Cancelled,
	)
}

func (c *Controller) cancelAllRuns() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, run := range c.runs {
		run.Cancel()
		delete(c.runs, key)
	}
}
