package provider

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no instance matches the ID. The
// lifecycle manager uses it to detect externally vanished (preempted)
// instances.
var ErrNotFound = errors.New("instance not found")

// Instance represents a compute instance as the provider sees it.
type Instance struct {
	ID         string
	Name       string
	Status     Status
	Labels     []string
	Provider   string
	ProviderID string
	CreatedAt  time.Time
	Metadata   map[string]string
}

// Status is the provider-visible state of an instance. The lifecycle
// state machine lives in the runner manager; this only mirrors what the
// cloud reports.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusTerminating  Status = "terminating"
	StatusTerminated   Status = "terminated"
	StatusFailed       Status = "failed"
)

// LaunchRequest contains the per-spec parameters for a new instance.
// ID is the control plane's instance ID; the provider tags the cloud
// resource with it so Get and Terminate resolve by the same ID.
type LaunchRequest struct {
	ID           string
	Name         string
	Labels       []string
	InstanceType string
	MachineImage string
	GPUType      string
	Preemptible  bool
}

// Provider provisions and tears down ephemeral runner instances. This is
// the only network-bound, retry-eligible surface in the control plane.
type Provider interface {
	// Name returns the provider name
	Name() string

	// List returns all instances managed by this control plane
	List(ctx context.Context) ([]*Instance, error)

	// Get returns a specific instance by ID
	Get(ctx context.Context, id string) (*Instance, error)

	// Launch provisions a new instance
	Launch(ctx context.Context, req *LaunchRequest) (*Instance, error)

	// Terminate tears down an instance
	Terminate(ctx context.Context, id string) error

	// HealthCheck performs a health check on the provider
	HealthCheck(ctx context.Context) error

	// Close releases any resources held by the provider
	Close() error
}
