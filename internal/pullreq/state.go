package pullreq

import (
	"Gantry/internal/event"
)

// CheckStatus is the recorded outcome of a named status check.
type CheckStatus string

const (
	CheckPending CheckStatus = "pending"
	CheckPassed  CheckStatus = "success"
	CheckFailed  CheckStatus = "failure"
)

// State is the mutable per-pull-request record. It is mutated only by
// applying events, under the per-PR lock held by the Registry.
type State struct {
	Repository string
	Number     int
	BaseBranch string
	HeadSHA    string
	Approvals  map[string]struct{}
	Checks     map[string]CheckStatus
	Labels     map[string]struct{}
	Conflict   bool
}

func newState(repo string, number int) *State {
	return &State{
		Repository: repo,
		Number:     number,
		Approvals:  make(map[string]struct{}),
		Checks:     make(map[string]CheckStatus),
		Labels:     make(map[string]struct{}),
	}
}

// Snapshot is an immutable copy of a State, safe to evaluate without
// holding the per-PR lock.
type Snapshot struct {
	Repository string
	Number     int
	BaseBranch string
	HeadSHA    string
	Approvals  map[string]struct{}
	Checks     map[string]CheckStatus
	Labels     map[string]struct{}
	Conflict   bool
}

func (s *State) snapshot() Snapshot {
	snap := Snapshot{
		Repository: s.Repository,
		Number:     s.Number,
		BaseBranch: s.BaseBranch,
		HeadSHA:    s.HeadSHA,
		Approvals:  make(map[string]struct{}, len(s.Approvals)),
		Checks:     make(map[string]CheckStatus, len(s.Checks)),
		Labels:     make(map[string]struct{}, len(s.Labels)),
		Conflict:   s.Conflict,
	}
	for k := range s.Approvals {
		snap.Approvals[k] = struct{}{}
	}
	for k, v := range s.Checks {
		snap.Checks[k] = v
	}
	for k := range s.Labels {
		snap.Labels[k] = struct{}{}
	}
	return snap
}

// HasLabel reports whether the snapshot carries the given label.
func (s Snapshot) HasLabel(label string) bool {
	_, ok := s.Labels[label]
	return ok
}

// apply mutates the state from a single event. Caller holds the PR lock.
func (s *State) apply(ev event.Event, conflictLabel, clearLabel string) {
	switch ev.Kind {
	case event.KindPRUpdated:
		if ev.Payload.BaseBranch != "" {
			s.BaseBranch = ev.Payload.BaseBranch
		}
		if ev.Payload.HeadSHA != "" && ev.Payload.HeadSHA != s.HeadSHA {
			// New head commit: prior check results no longer describe it.
			s.HeadSHA = ev.Payload.HeadSHA
			s.Checks = make(map[string]CheckStatus)
		}
		if ev.Payload.Labels != nil {
			s.setLabels(ev.Payload.Labels, conflictLabel, clearLabel)
		}

	case event.KindReviewSubmitted:
		switch ev.Payload.ReviewState {
		case "approved":
			s.Approvals[ev.Payload.Reviewer] = struct{}{}
		case "changes_requested", "dismissed":
			delete(s.Approvals, ev.Payload.Reviewer)
		}

	case event.KindCheckResult:
		s.Checks[ev.Payload.CheckName] = CheckStatus(ev.Payload.CheckStatus)

	case event.KindConflictDetected:
		s.Conflict = ev.Payload.Conflict
	}
}

// setLabels replaces the label set while keeping the conflict marker and
// the mergeable marker mutually exclusive: if a forge-side race reports
// both, the conflict marker wins.
func (s *State) setLabels(labels []string, conflictLabel, clearLabel string) {
	next := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		next[l] = struct{}{}
	}
	if _, both := next[conflictLabel]; both {
		delete(next, clearLabel)
	}
	s.Labels = next
}
