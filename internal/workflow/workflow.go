package workflow

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Descriptor declares one build workflow: when it runs, where it runs,
// and the matrix of environments it fans out across.
type Descriptor struct {
	Name     string   `yaml:"name"`
	Triggers Triggers `yaml:"on"`
	RunsOn   []string `yaml:"runs_on"`
	Matrix   Matrix   `yaml:"matrix"`
	Steps    []Step   `yaml:"steps"`
}

// Triggers lists the conditions that start the workflow.
type Triggers struct {
	Push        bool     `yaml:"push"`
	PullRequest bool     `yaml:"pull_request"`
	Schedules   []string `yaml:"schedule,omitempty"`
}

// Matrix is the cross-product of environment dimensions.
type Matrix struct {
	OS       []string `yaml:"os"`
	Versions []string `yaml:"versions"`
}

// Coordinate is one cell of the matrix.
type Coordinate struct {
	OS      string `json:"os"`
	Version string `json:"version"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%s/%s", c.OS, c.Version)
}

// Expand returns every coordinate of the matrix in declared order.
func (m Matrix) Expand() []Coordinate {
	coords := make([]Coordinate, 0, len(m.OS)*len(m.Versions))
	for _, os := range m.OS {
		for _, v := range m.Versions {
			coords = append(coords, Coordinate{OS: os, Version: v})
		}
	}
	return coords
}

// Step is one ordered build step (checkout, dependency install, test
// execution). Execution is delegated to the runner's agent.
type Step struct {
	Name string `yaml:"name"`
	Run  string `yaml:"run"`
}

type workflowFile struct {
	Workflows []*Descriptor `yaml:"workflows"`
}

// Load reads and validates the workflow descriptor file. Errors are
// fatal to startup.
func Load(path string) ([]*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow descriptor: %w", err)
	}
	return Parse(data)
}

// Parse decodes workflow descriptors from YAML.
func Parse(data []byte) ([]*Descriptor, error) {
	var wf workflowFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow descriptor: %w", err)
	}
	if len(wf.Workflows) == 0 {
		return nil, fmt.Errorf("workflow descriptor defines no workflows")
	}

	seen := make(map[string]struct{}, len(wf.Workflows))
	for _, d := range wf.Workflows {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("duplicate workflow %q", d.Name)
		}
		seen[d.Name] = struct{}{}
	}
	return wf.Workflows, nil
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow missing name")
	}
	if !d.Triggers.Push && !d.Triggers.PullRequest && len(d.Triggers.Schedules) == 0 {
		return fmt.Errorf("workflow %q has no triggers", d.Name)
	}
	if len(d.RunsOn) == 0 {
		return fmt.Errorf("workflow %q missing runs_on selector", d.Name)
	}
	if len(d.Matrix.OS) == 0 || len(d.Matrix.Versions) == 0 {
		return fmt.Errorf("workflow %q has an empty matrix", d.Name)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", d.Name)
	}
	for _, expr := range d.Triggers.Schedules {
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("workflow %q: invalid schedule %q: %w", d.Name, expr, err)
		}
	}
	for i, s := range d.Steps {
		if s.Run == "" {
			return fmt.Errorf("workflow %q: step %d missing run", d.Name, i)
		}
	}
	return nil
}

// NextSchedule returns the earliest scheduled activation strictly after
// t, or false if the workflow has no schedules.
func (d *Descriptor) NextSchedule(t time.Time) (time.Time, bool) {
	var next time.Time
	for _, expr := range d.Triggers.Schedules {
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			continue // validated at load
		}
		n := sched.Next(t)
		if next.IsZero() || n.Before(next) {
			next = n
		}
	}
	return next, !next.IsZero()
}
