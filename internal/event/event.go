package event

import (
	"errors"
	"time"
)

// ErrMalformedEvent is returned by Normalize when a raw input is missing
// required fields or carries an unknown kind. Callers discard and log.
var ErrMalformedEvent = errors.New("malformed event")

// Kind identifies the canonical event variants the control plane reacts to.
type Kind string

const (
	KindPRUpdated        Kind = "pr_updated"
	KindReviewSubmitted  Kind = "review_submitted"
	KindCheckResult      Kind = "check_result"
	KindConflictDetected Kind = "conflict_detected"
)

// Event is the canonical record produced by Normalize. Immutable once
// ingested; events for the same pull request are delivered in arrival order.
type Event struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Repository  string    `json:"repository"`
	PullRequest int       `json:"pull_request"`
	Actor       string    `json:"actor"`
	Timestamp   time.Time `json:"timestamp"`
	Payload     Payload   `json:"payload"`
}

// Payload carries the kind-specific fields. Only the fields relevant to
// the event's kind are populated.
type Payload struct {
	BaseBranch  string   `json:"base_branch,omitempty"`
	HeadSHA     string   `json:"head_sha,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	Reviewer    string   `json:"reviewer,omitempty"`
	ReviewState string   `json:"review_state,omitempty"`
	CheckName   string   `json:"check_name,omitempty"`
	CheckStatus string   `json:"check_status,omitempty"`
	Conflict    bool     `json:"conflict,omitempty"`
}

func validKind(k Kind) bool {
	switch k {
	case KindPRUpdated, KindReviewSubmitted, KindCheckResult, KindConflictDetected:
		return true
	}
	return false
}
