package policy

import (
	"fmt"
)

// ConditionKind enumerates the closed predicate set. Free-form rule
// expressions are deliberately not supported; each predicate is a tagged
// variant that can be validated at load time.
type ConditionKind string

const (
	CondBranchEquals     ConditionKind = "branch-equals"
	CondChecksAllSuccess ConditionKind = "checks-all-success"
	CondApprovalsAtLeast ConditionKind = "approvals-at-least"
	CondLabelPresent     ConditionKind = "label-present"
	CondLabelAbsent      ConditionKind = "label-absent"
	CondNoConflict       ConditionKind = "no-conflict"
	CondConflict         ConditionKind = "conflict"
)

// Condition is one predicate over a pull request snapshot.
type Condition struct {
	Kind   ConditionKind `yaml:"kind"`
	Branch string        `yaml:"branch,omitempty"`
	Checks []string      `yaml:"checks,omitempty"`
	Count  int           `yaml:"count,omitempty"`
	Label  string        `yaml:"label,omitempty"`
}

func (c Condition) validate() error {
	switch c.Kind {
	case CondBranchEquals:
		if c.Branch == "" {
			return fmt.Errorf("branch-equals condition requires branch")
		}
	case CondChecksAllSuccess:
		if len(c.Checks) == 0 {
			return fmt.Errorf("checks-all-success condition requires at least one check name")
		}
	case CondApprovalsAtLeast:
		if c.Count < 1 {
			return fmt.Errorf("approvals-at-least condition requires count >= 1")
		}
	case CondLabelPresent, CondLabelAbsent:
		if c.Label == "" {
			return fmt.Errorf("%s condition requires label", c.Kind)
		}
	case CondNoConflict, CondConflict:
	default:
		return fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	return nil
}

// ActionKind enumerates the effects a rule may request.
type ActionKind string

const (
	ActionMerge       ActionKind = "merge"
	ActionAddLabel    ActionKind = "add-label"
	ActionRemoveLabel ActionKind = "remove-label"
	ActionComment     ActionKind = "comment"
)

// Action is one requested effect. Label and comment actions are
// idempotent when applied; merge is serialized per PR by the coordinator.
type Action struct {
	Kind  ActionKind `yaml:"kind"`
	Label string     `yaml:"label,omitempty"`
	Key   string     `yaml:"key,omitempty"`
	Body  string     `yaml:"body,omitempty"`
}

// Target returns the deduplication target for the action: the label for
// label actions, the comment key for comments, empty for merge.
func (a Action) Target() string {
	switch a.Kind {
	case ActionAddLabel, ActionRemoveLabel:
		return a.Label
	case ActionComment:
		return a.Key
	}
	return ""
}

func (a Action) validate() error {
	switch a.Kind {
	case ActionMerge:
	case ActionAddLabel, ActionRemoveLabel:
		if a.Label == "" {
			return fmt.Errorf("%s action requires label", a.Kind)
		}
	case ActionComment:
		if a.Key == "" {
			return fmt.Errorf("comment action requires key")
		}
		if a.Body == "" {
			return fmt.Errorf("comment action requires body")
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// Rule is one ordered conditions→actions pair. Rules are static
// configuration, loaded once at startup and never mutated.
type Rule struct {
	Name       string      `yaml:"name"`
	Conditions []Condition `yaml:"conditions"`
	Actions    []Action    `yaml:"actions"`
}

func (r Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule missing name")
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %q has no conditions", r.Name)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %q has no actions", r.Name)
	}
	for _, c := range r.Conditions {
		if err := c.validate(); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	for _, a := range r.Actions {
		if err := a.validate(); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	return nil
}

func (r Rule) merges() bool {
	for _, a := range r.Actions {
		if a.Kind == ActionMerge {
			return true
		}
	}
	return false
}
