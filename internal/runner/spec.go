package runner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Spec describes one ephemeral runner pool: the cloud shape of its
// instances and the admission bound (Count) on how many may be live at
// once. Specs are static configuration loaded at startup.
type Spec struct {
	Name         string   `yaml:"name"`
	Cloud        string   `yaml:"cloud"`
	InstanceType string   `yaml:"instance_type"`
	GPU          string   `yaml:"gpu,omitempty"`
	MachineImage string   `yaml:"machine_image"`
	Preemptible  bool     `yaml:"preemptible"`
	Workflow     string   `yaml:"workflow"`
	Count        int      `yaml:"count"`
	Labels       []string `yaml:"labels"`
}

func (s *Spec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("runner spec missing name")
	}
	switch s.Cloud {
	case "ec2", "docker":
	case "":
		return fmt.Errorf("runner spec %q missing cloud", s.Name)
	default:
		return fmt.Errorf("runner spec %q: unknown cloud %q", s.Name, s.Cloud)
	}
	if s.InstanceType == "" && s.Cloud == "ec2" {
		return fmt.Errorf("runner spec %q missing instance_type", s.Name)
	}
	if s.MachineImage == "" {
		return fmt.Errorf("runner spec %q missing machine_image", s.Name)
	}
	if s.Count < 1 {
		return fmt.Errorf("runner spec %q: count must be >= 1", s.Name)
	}
	if len(s.Labels) == 0 {
		return fmt.Errorf("runner spec %q: at least one label required", s.Name)
	}
	return nil
}

// HasLabels reports whether the spec advertises every requested label.
func (s *Spec) HasLabels(labels []string) bool {
	for _, want := range labels {
		found := false
		for _, have := range s.Labels {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type specFile struct {
	Runners []*Spec `yaml:"runners"`
}

// LoadSpecs reads and validates the runner provisioning descriptor.
// Errors are fatal to startup.
func LoadSpecs(path string) ([]*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read runner descriptor: %w", err)
	}
	return ParseSpecs(data)
}

// ParseSpecs decodes runner specs from YAML.
func ParseSpecs(data []byte) ([]*Spec, error) {
	var sf specFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse runner descriptor: %w", err)
	}
	if len(sf.Runners) == 0 {
		return nil, fmt.Errorf("runner descriptor defines no specs")
	}

	seen := make(map[string]struct{}, len(sf.Runners))
	for _, s := range sf.Runners {
		if err := s.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate runner spec %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return sf.Runners, nil
}
