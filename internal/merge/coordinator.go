package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"Gantry/internal/forge"
	"Gantry/internal/metrics"
	"Gantry/internal/policy"
	"Gantry/internal/pullreq"
	"Gantry/internal/store"
)

// ErrMergeConflict reports that a merge attempt found the branch diverged
// since the approving snapshot. Recoverable: the PR is relabeled and the
// author notified; the coordinator never retries a merge on its own.
var ErrMergeConflict = errors.New("merge conflict")

// Forge is the subset of forge operations the coordinator needs.
type Forge interface {
	Mergeable(ctx context.Context, repo string, number int) (bool, error)
	Merge(ctx context.Context, repo string, number int, strategy, headSHA string) error
	AddLabel(ctx context.Context, repo string, number int, label string) error
	RemoveLabel(ctx context.Context, repo string, number int, label string) error
	Comment(ctx context.Context, repo string, number int, key, body string) error
}

// Config carries the coordinator's static policy knobs.
type Config struct {
	// Strategy is the merge method: "rebase" (rebase, hold on
	// divergence) or "merge". Exact strategy semantics are configurable
	// rather than hard-coded.
	Strategy string

	// ConflictLabel is attached when a merge attempt hits divergence.
	ConflictLabel string

	// ConflictCommentKey/Body notify the author on divergence. The key
	// makes the notification idempotent per PR.
	ConflictCommentKey  string
	ConflictCommentBody string
}

// Coordinator executes policy actions against the forge. Merge attempts
// on the same pull request are serialized through the registry's per-PR
// lock; label and comment application is idempotent.
type Coordinator struct {
	cfg     Config
	forge   Forge
	locks   *pullreq.Registry
	store   store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewCoordinator(cfg Config, f Forge, locks *pullreq.Registry, st store.Store, met *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if cfg.Strategy == "" {
		cfg.Strategy = "rebase"
	}
	return &Coordinator{
		cfg:     cfg,
		forge:   f,
		locks:   locks,
		store:   st,
		metrics: met,
		logger:  logger.With("component", "merge-coordinator"),
	}
}

// Apply carries out the evaluated actions for one pull request, in order.
// The snapshot is the state the actions were evaluated against; its head
// SHA pins the merge so a racing push fails instead of merging blind.
func (c *Coordinator) Apply(ctx context.Context, snap pullreq.Snapshot, actions []policy.Action) error {
	var firstErr error
	for _, a := range actions {
		var err error
		switch a.Kind {
		case policy.ActionMerge:
			err = c.merge(ctx, snap)
		case policy.ActionAddLabel:
			err = c.forge.AddLabel(ctx, snap.Repository, snap.Number, a.Label)
		case policy.ActionRemoveLabel:
			err = c.forge.RemoveLabel(ctx, snap.Repository, snap.Number, a.Label)
		case policy.ActionComment:
			err = c.forge.Comment(ctx, snap.Repository, snap.Number, a.Key, a.Body)
		default:
			err = fmt.Errorf("unknown action kind %q", a.Kind)
		}

		c.observe(snap, a, err)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// merge holds the per-PR lock for the whole attempt: conflict re-check,
// commit, and the divergence fallback are a single critical section.
func (c *Coordinator) merge(ctx context.Context, snap pullreq.Snapshot) error {
	err := c.doMerge(ctx, snap)

	if c.metrics != nil {
		status := "success"
		switch {
		case errors.Is(err, ErrMergeConflict):
			status = "conflict"
		case err != nil:
			status = "error"
		}
		c.metrics.MergesTotal.WithLabelValues(status).Inc()
	}
	return err
}

func (c *Coordinator) doMerge(ctx context.Context, snap pullreq.Snapshot) error {
	return c.locks.WithLock(snap.Repository, snap.Number, func() error {
		mergeable, err := c.forge.Mergeable(ctx, snap.Repository, snap.Number)
		if err != nil {
			return fmt.Errorf("conflict re-check failed: %w", err)
		}
		if !mergeable {
			return c.holdOnConflict(ctx, snap)
		}

		err = c.forge.Merge(ctx, snap.Repository, snap.Number, c.cfg.Strategy, snap.HeadSHA)
		if errors.Is(err, forge.ErrConflict) {
			return c.holdOnConflict(ctx, snap)
		}
		if err != nil {
			return fmt.Errorf("merge failed: %w", err)
		}

		c.logger.Info("merged pull request",
			"repo", snap.Repository,
			"pr", snap.Number,
			"strategy", c.cfg.Strategy,
		)
		return nil
	})
}

// holdOnConflict relabels the PR and notifies the author, then surfaces
// ErrMergeConflict. Both effects are idempotent so a repeated conflicted
// evaluation does not spam the PR.
func (c *Coordinator) holdOnConflict(ctx context.Context, snap pullreq.Snapshot) error {
	c.logger.Warn("branch diverged, holding merge",
		"repo", snap.Repository,
		"pr", snap.Number,
	)

	if c.cfg.ConflictLabel != "" {
		if err := c.forge.AddLabel(ctx, snap.Repository, snap.Number, c.cfg.ConflictLabel); err != nil {
			c.logger.Error("failed to add conflict label", "error", err)
		}
	}
	if c.cfg.ConflictCommentKey != "" {
		if err := c.forge.Comment(ctx, snap.Repository, snap.Number, c.cfg.ConflictCommentKey, c.cfg.ConflictCommentBody); err != nil {
			c.logger.Error("failed to post conflict comment", "error", err)
		}
	}
	return ErrMergeConflict
}

func (c *Coordinator) observe(snap pullreq.Snapshot, a policy.Action, err error) {
	status := "success"
	if err != nil {
		status = "error"
		if errors.Is(err, ErrMergeConflict) {
			status = "conflict"
		}
		c.logger.Error("action failed",
			"repo", snap.Repository,
			"pr", snap.Number,
			"action", string(a.Kind),
			"error", err,
		)
	}

	if c.metrics != nil {
		c.metrics.ActionsApplied.WithLabelValues(string(a.Kind), status).Inc()
	}
	if c.store != nil {
		_ = c.store.Record(context.Background(), store.Record{
			Kind:    store.KindAction,
			Subject: fmt.Sprintf("%s#%d", snap.Repository, snap.Number),
			Detail:  fmt.Sprintf("%s %s: %s", a.Kind, a.Target(), status),
		})
	}
}
