package runner

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a runner instance. The manager is the
// sole owner of instances; workflows hold non-owning references.
type State string

const (
	StateRequested    State = "requested"
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateAssigned     State = "assigned"
	StateDraining     State = "draining"
	StateTerminated   State = "terminated"
	StateFailed       State = "failed"
)

// States traversed in the happy path:
// REQUESTED → PROVISIONING → READY → ASSIGNED → DRAINING → TERMINATED.
// FAILED is terminal, reachable from PROVISIONING (provider error) and
// from READY/ASSIGNED (external preemption).
var transitions = map[State][]State{
	StateRequested:    {StateProvisioning},
	StateProvisioning: {StateReady, StateFailed},
	StateReady:        {StateAssigned, StateDraining, StateFailed},
	StateAssigned:     {StateDraining, StateFailed},
	StateDraining:     {StateTerminated, StateFailed},
}

// Instance is one ephemeral runner. All state mutation goes through the
// manager's lock.
type Instance struct {
	ID          string    `json:"id"`
	Spec        *Spec     `json:"-"`
	SpecName    string    `json:"spec"`
	State       State     `json:"state"`
	ProviderID  string    `json:"provider_id,omitempty"`
	Address     string    `json:"address,omitempty"`
	AssignedRun string    `json:"assigned_run,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newInstance(spec *Spec) *Instance {
	now := time.Now().UTC()
	return &Instance{
		ID:        uuid.NewString(),
		Spec:      spec,
		SpecName:  spec.Name,
		State:     StateRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Terminal reports whether the instance has left the live set.
func (i *Instance) Terminal() bool {
	return i.State == StateTerminated || i.State == StateFailed
}

func (i *Instance) transition(to State) error {
	for _, allowed := range transitions[i.State] {
		if allowed == to {
			i.State = to
			i.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s for runner %s", i.State, to, i.ID)
}
