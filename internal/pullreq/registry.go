package pullreq

import (
	"sync"

	"Gantry/internal/event"
)

type key struct {
	repo   string
	number int
}

type entry struct {
	mu sync.Mutex
	st *State
}

// Registry owns all PullRequestState records. Each pull request has its
// own lock; event application and merge attempts for the same PR are
// serialized through it, while distinct PRs proceed concurrently.
type Registry struct {
	mu      sync.Mutex
	entries map[key]*entry

	// Mutually exclusive label pair, from policy configuration.
	conflictLabel string
	clearLabel    string
}

func NewRegistry(conflictLabel, clearLabel string) *Registry {
	return &Registry{
		entries:       make(map[key]*entry),
		conflictLabel: conflictLabel,
		clearLabel:    clearLabel,
	}
}

func (r *Registry) get(repo string, number int) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{repo: repo, number: number}
	e, ok := r.entries[k]
	if !ok {
		e = &entry{st: newState(repo, number)}
		r.entries[k] = e
	}
	return e
}

// Apply mutates the PR's state from ev under its lock and returns a
// snapshot of the resulting state.
func (r *Registry) Apply(ev event.Event) Snapshot {
	e := r.get(ev.Repository, ev.PullRequest)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.st.apply(ev, r.conflictLabel, r.clearLabel)
	return e.st.snapshot()
}

// Snapshot returns a copy of the PR's current state.
func (r *Registry) Snapshot(repo string, number int) Snapshot {
	e := r.get(repo, number)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.snapshot()
}

// Snapshots returns a copy of every tracked PR's state, for scheduled
// evaluation sweeps and the status API.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		snaps = append(snaps, e.st.snapshot())
		e.mu.Unlock()
	}
	return snaps
}

// WithLock runs fn while holding the PR's lock. The merge coordinator
// uses this to guarantee at most one concurrent merge attempt per PR.
func (r *Registry) WithLock(repo string, number int, fn func() error) error {
	e := r.get(repo, number)
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn()
}
