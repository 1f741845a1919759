package policy

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"Gantry/internal/pullreq"
)

// RuleSet holds the ordered merge rules. Evaluation is a pure function
// over a state snapshot; all effects are carried out elsewhere.
type RuleSet struct {
	rules []Rule
}

type policyFile struct {
	Rules []Rule `yaml:"rules"`
}

// Load reads and validates the merge policy file. Any error here is
// fatal to startup; the process never runs with a partially-loaded policy.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a policy document from YAML.
func Parse(data []byte) (*RuleSet, error) {
	var pf policyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if len(pf.Rules) == 0 {
		return nil, fmt.Errorf("policy defines no rules")
	}

	seen := make(map[string]struct{}, len(pf.Rules))
	for _, r := range pf.Rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
	}

	return &RuleSet{rules: pf.Rules}, nil
}

// Rules returns the rules in declared order.
func (rs *RuleSet) Rules() []Rule {
	return rs.rules
}

// Evaluate applies the rules in declared order against the snapshot and
// returns the deduplicated action sequence. A rule fires only if all its
// conditions hold. Opposing label effects on the same label are resolved
// last-rule-wins; duplicate (kind, target) pairs keep their first slot.
func (rs *RuleSet) Evaluate(snap pullreq.Snapshot) []Action {
	var actions []Action
	for _, rule := range rs.rules {
		// Merge rules never fire against a conflicted branch, regardless
		// of their declared conditions.
		if rule.merges() && snap.Conflict {
			continue
		}
		if !rs.matches(rule, snap) {
			continue
		}
		for _, a := range rule.Actions {
			actions = resolveOpposing(actions, a)
			actions = append(actions, a)
		}
	}
	return dedupe(actions)
}

// Fired returns the names of the rules that would fire against the
// snapshot, in declared order. Used for observability only.
func (rs *RuleSet) Fired(snap pullreq.Snapshot) []string {
	var names []string
	for _, rule := range rs.rules {
		if rule.merges() && snap.Conflict {
			continue
		}
		if rs.matches(rule, snap) {
			names = append(names, rule.Name)
		}
	}
	return names
}

func (rs *RuleSet) matches(rule Rule, snap pullreq.Snapshot) bool {
	for _, c := range rule.Conditions {
		if !holds(c, snap) {
			return false
		}
	}
	return true
}

func holds(c Condition, snap pullreq.Snapshot) bool {
	switch c.Kind {
	case CondBranchEquals:
		return snap.BaseBranch == c.Branch
	case CondChecksAllSuccess:
		for _, name := range c.Checks {
			if snap.Checks[name] != pullreq.CheckPassed {
				return false
			}
		}
		return true
	case CondApprovalsAtLeast:
		return len(snap.Approvals) >= c.Count
	case CondLabelPresent:
		return snap.HasLabel(c.Label)
	case CondLabelAbsent:
		return !snap.HasLabel(c.Label)
	case CondNoConflict:
		return !snap.Conflict
	case CondConflict:
		return snap.Conflict
	}
	return false
}

// resolveOpposing drops an earlier add/remove on the same label when a
// later rule requests the opposite effect.
func resolveOpposing(actions []Action, next Action) []Action {
	var opposite ActionKind
	switch next.Kind {
	case ActionAddLabel:
		opposite = ActionRemoveLabel
	case ActionRemoveLabel:
		opposite = ActionAddLabel
	default:
		return actions
	}

	kept := actions[:0]
	for _, a := range actions {
		if a.Kind == opposite && a.Label == next.Label {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

func dedupe(actions []Action) []Action {
	type sig struct {
		kind   ActionKind
		target string
	}
	seen := make(map[sig]struct{}, len(actions))
	out := actions[:0]
	for _, a := range actions {
		s := sig{kind: a.Kind, target: a.Target()}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, a)
	}
	return out
}
