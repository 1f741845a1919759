package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"Gantry/internal/metrics"
	"Gantry/internal/provider"
	"Gantry/internal/store"
)

var (
	// ErrCapacityExceeded reports that a spec's desired count is fully
	// live and no instance freed up within the acquire timeout.
	// Retryable by the caller.
	ErrCapacityExceeded = errors.New("runner capacity exceeded")

	// ErrProvisionTimeout reports that provisioning a new instance did
	// not complete within the configured bound. Retryable by the caller.
	ErrProvisionTimeout = errors.New("runner provision timeout")

	// ErrProvider wraps provider failures that exhausted the retry
	// budget. The instance involved is FAILED.
	ErrProvider = errors.New("provider error")

	// ErrUnknownSpec reports an acquire against an undeclared spec.
	ErrUnknownSpec = errors.New("unknown runner spec")
)

// ManagerConfig bounds the manager's blocking and retry behavior.
type ManagerConfig struct {
	AcquireTimeout    time.Duration
	ProvisionTimeout  time.Duration
	ProvisionAttempts int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	SweepInterval     time.Duration
}

func (c *ManagerConfig) defaults() {
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 10 * time.Minute
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = 8 * time.Minute
	}
	if c.ProvisionAttempts < 1 {
		c.ProvisionAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// Manager owns every RunnerInstance from request to teardown. It never
// lets a spec's live instance count exceed the spec's desired count, and
// it prefers reusing READY instances over provisioning new ones.
type Manager struct {
	cfg      ManagerConfig
	provider provider.Provider
	breaker  *gobreaker.CircuitBreaker[*provider.Instance]
	specs    map[string]*Spec
	logger   *slog.Logger
	metrics  *metrics.Metrics
	store    store.Store

	mu        sync.Mutex
	instances map[string]*Instance
	wake      chan struct{}
}

func NewManager(cfg ManagerConfig, prov provider.Provider, specs []*Spec, st store.Store, met *metrics.Metrics, logger *slog.Logger) *Manager {
	cfg.defaults()

	specMap := make(map[string]*Spec, len(specs))
	for _, s := range specs {
		specMap[s.Name] = s
	}

	breaker := gobreaker.NewCircuitBreaker[*provider.Instance](gobreaker.Settings{
		Name:    "provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &Manager{
		cfg:       cfg,
		provider:  prov,
		breaker:   breaker,
		specs:     specMap,
		logger:    logger.With("component", "runner-manager"),
		metrics:   met,
		store:     st,
		instances: make(map[string]*Instance),
		wake:      make(chan struct{}),
	}
}

// Spec returns the named spec, or nil.
func (m *Manager) Spec(name string) *Spec {
	return m.specs[name]
}

// SpecForLabels returns the first spec advertising every requested label.
func (m *Manager) SpecForLabels(labels []string) *Spec {
	for _, s := range m.specs {
		if s.HasLabels(labels) {
			return s
		}
	}
	return nil
}

// Instances returns a snapshot of all tracked instances.
func (m *Manager) Instances() []Instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, *inst)
	}
	return out
}

// Acquire returns an ASSIGNED instance for the named spec, reusing a
// READY one when available, provisioning otherwise. It blocks while the
// spec is at capacity, bounded by the acquire timeout, after which it
// fails with ErrCapacityExceeded.
func (m *Manager) Acquire(ctx context.Context, specName, runID string) (*Instance, error) {
	spec, ok := m.specs[specName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSpec, specName)
	}

	start := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.AcquireDuration.Observe(time.Since(start).Seconds())
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()

	for {
		m.mu.Lock()

		// Reuse before provisioning: GPU instances are expensive.
		if inst := m.findReadyLocked(spec); inst != nil {
			if err := m.assignLocked(inst, runID); err != nil {
				m.mu.Unlock()
				continue
			}
			m.mu.Unlock()
			m.observeAcquire(spec, "reused")
			return inst, nil
		}

		if m.liveCountLocked(spec) < spec.Count {
			inst := newInstance(spec)
			m.instances[inst.ID] = inst
			m.mu.Unlock()

			if err := m.provision(ctx, inst); err != nil {
				m.observeAcquire(spec, "error")
				return nil, err
			}

			m.mu.Lock()
			err := m.assignLocked(inst, runID)
			m.mu.Unlock()
			if err != nil {
				// A concurrent Acquire claimed the instance between
				// provisioning completing and this re-lock; go around
				// for the next free slot.
				continue
			}
			m.observeAcquire(spec, "provisioned")
			return inst, nil
		}

		wake := m.wake
		m.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				m.observeAcquire(spec, "cancelled")
				return nil, ctx.Err()
			}
			m.observeAcquire(spec, "capacity_exceeded")
			return nil, fmt.Errorf("%w: spec %s at count %d", ErrCapacityExceeded, spec.Name, spec.Count)
		}
	}
}

// Release drains and terminates an ASSIGNED instance.
func (m *Manager) Release(ctx context.Context, inst *Instance) error {
	m.mu.Lock()
	if err := inst.transition(StateDraining); err != nil {
		m.mu.Unlock()
		return err
	}
	inst.AssignedRun = ""
	m.mu.Unlock()
	m.record(inst, StateDraining)

	err := m.terminate(ctx, inst)

	m.mu.Lock()
	if err != nil {
		_ = inst.transition(StateFailed)
	} else {
		_ = inst.transition(StateTerminated)
	}
	m.mu.Unlock()
	m.record(inst, inst.State)
	m.updateGauges()

	// Capacity freed either way; wake any blocked acquirers.
	m.broadcast()
	return err
}

// Run drives the background sweep: detect preempted instances, prune
// terminal ones, refresh gauges. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.sweep(ctx); err != nil {
				m.logger.Error("sweep error", "error", err)
			}
		}
	}
}

func (m *Manager) findReadyLocked(spec *Spec) *Instance {
	for _, inst := range m.instances {
		if inst.SpecName == spec.Name && inst.State == StateReady {
			return inst
		}
	}
	return nil
}

func (m *Manager) liveCountLocked(spec *Spec) int {
	n := 0
	for _, inst := range m.instances {
		if inst.SpecName == spec.Name && !inst.Terminal() {
			n++
		}
	}
	return n
}

// assignLocked claims a READY instance for runID. The transition error
// is the exclusivity check: an instance already ASSIGNED cannot be
// claimed again, so a failed transition must never overwrite AssignedRun.
func (m *Manager) assignLocked(inst *Instance, runID string) error {
	if err := inst.transition(StateAssigned); err != nil {
		return err
	}
	inst.AssignedRun = runID
	return nil
}

// provision drives REQUESTED → PROVISIONING → READY with bounded retries
// and exponential backoff. The circuit breaker guards the provider from
// hammering during an outage.
func (m *Manager) provision(ctx context.Context, inst *Instance) error {
	m.mu.Lock()
	_ = inst.transition(StateProvisioning)
	m.mu.Unlock()
	m.record(inst, StateProvisioning)
	m.updateGauges()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProvisionTimeout)
	defer cancel()

	req := &provider.LaunchRequest{
		ID:           inst.ID,
		Name:         inst.Spec.Name,
		Labels:       inst.Spec.Labels,
		InstanceType: inst.Spec.InstanceType,
		MachineImage: inst.Spec.MachineImage,
		GPUType:      inst.Spec.GPU,
		Preemptible:  inst.Spec.Preemptible,
	}

	var lastErr error
	backoff := m.cfg.BackoffBase

	for attempt := 0; attempt < m.cfg.ProvisionAttempts; attempt++ {
		if attempt > 0 {
			if m.metrics != nil {
				m.metrics.ProvisionRetries.WithLabelValues(inst.SpecName).Inc()
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return m.failProvision(inst, fmt.Errorf("%w: %v", ErrProvisionTimeout, ctx.Err()))
			}
			backoff *= 2
			if backoff > m.cfg.BackoffMax {
				backoff = m.cfg.BackoffMax
			}
		}

		launchStart := time.Now()
		pInst, err := m.breaker.Execute(func() (*provider.Instance, error) {
			return m.provider.Launch(ctx, req)
		})
		if m.metrics != nil {
			m.metrics.ProvisionDuration.WithLabelValues(m.provider.Name()).Observe(time.Since(launchStart).Seconds())
			m.observeProvider("launch", err)
		}

		if err == nil {
			m.mu.Lock()
			inst.ProviderID = pInst.ProviderID
			if addr := pInst.Metadata["private_ip"]; addr != "" {
				inst.Address = addr
			}
			_ = inst.transition(StateReady)
			m.mu.Unlock()
			m.record(inst, StateReady)
			m.updateGauges()
			return nil
		}

		lastErr = err
		if m.metrics != nil {
			m.metrics.ProviderErrors.WithLabelValues(m.provider.Name(), "launch").Inc()
		}
		m.logger.Warn("provisioning attempt failed",
			"spec", inst.SpecName,
			"attempt", attempt+1,
			"error", err,
		)

		if ctx.Err() != nil {
			return m.failProvision(inst, fmt.Errorf("%w: %v", ErrProvisionTimeout, ctx.Err()))
		}
	}

	return m.failProvision(inst, fmt.Errorf("%w: %v", ErrProvider, lastErr))
}

func (m *Manager) failProvision(inst *Instance, err error) error {
	m.mu.Lock()
	_ = inst.transition(StateFailed)
	m.mu.Unlock()
	m.record(inst, StateFailed)
	m.updateGauges()

	// The failed slot no longer counts against capacity.
	m.broadcast()
	return err
}

func (m *Manager) terminate(ctx context.Context, inst *Instance) error {
	var lastErr error
	backoff := m.cfg.BackoffBase

	for attempt := 0; attempt < m.cfg.ProvisionAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > m.cfg.BackoffMax {
				backoff = m.cfg.BackoffMax
			}
		}

		_, err := m.breaker.Execute(func() (*provider.Instance, error) {
			return nil, m.provider.Terminate(ctx, inst.ID)
		})
		if m.metrics != nil {
			m.observeProvider("terminate", err)
		}
		if err == nil || errors.Is(err, provider.ErrNotFound) {
			return nil
		}

		lastErr = err
		if m.metrics != nil {
			m.metrics.ProviderErrors.WithLabelValues(m.provider.Name(), "terminate").Inc()
		}
	}
	return fmt.Errorf("%w: %v", ErrProvider, lastErr)
}

// sweep reconciles tracked instances against the provider's view. A
// preemptible instance that vanished externally goes straight to FAILED;
// blocked acquirers are woken so demand re-provisions through the normal
// admission path.
func (m *Manager) sweep(ctx context.Context) error {
	listed, err := m.provider.List(ctx)
	if err != nil {
		return fmt.Errorf("provider list failed: %w", err)
	}

	alive := make(map[string]provider.Status, len(listed))
	for _, pi := range listed {
		alive[pi.ProviderID] = pi.Status
	}

	var preempted []*Instance

	m.mu.Lock()
	for _, inst := range m.instances {
		if inst.State != StateReady && inst.State != StateAssigned {
			continue
		}
		status, found := alive[inst.ProviderID]
		gone := !found || status == provider.StatusTerminated || status == provider.StatusFailed
		if gone {
			_ = inst.transition(StateFailed)
			preempted = append(preempted, inst)
		}
	}

	// Prune terminal instances so the map does not grow unbounded.
	for id, inst := range m.instances {
		if inst.Terminal() && time.Since(inst.UpdatedAt) > 5*time.Minute {
			delete(m.instances, id)
		}
	}
	m.mu.Unlock()

	for _, inst := range preempted {
		m.logger.Warn("runner disappeared externally",
			"id", inst.ID,
			"spec", inst.SpecName,
			"preemptible", inst.Spec.Preemptible,
		)
		if m.metrics != nil && inst.Spec.Preemptible {
			m.metrics.PreemptionsTotal.WithLabelValues(inst.SpecName).Inc()
		}
		m.record(inst, StateFailed)
	}

	if len(preempted) > 0 {
		m.broadcast()
	}

	m.updateGauges()
	return nil
}

// broadcast wakes every goroutine blocked in Acquire.
func (m *Manager) broadcast() {
	m.mu.Lock()
	close(m.wake)
	m.wake = make(chan struct{})
	m.mu.Unlock()
}

func (m *Manager) record(inst *Instance, state State) {
	if m.store == nil {
		return
	}
	_ = m.store.Record(context.Background(), store.Record{
		Kind:    store.KindRunner,
		Subject: fmt.Sprintf("%s/%s", inst.SpecName, inst.ID),
		Detail:  string(state),
	})
}

func (m *Manager) observeProvider(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.metrics.ProviderOperations.WithLabelValues(m.provider.Name(), op, status).Inc()
}

func (m *Manager) observeAcquire(spec *Spec, result string) {
	if m.metrics != nil {
		m.metrics.AcquireResults.WithLabelValues(spec.Name, result).Inc()
	}
}

func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}

	m.mu.Lock()
	counts := make(map[string]map[State]int)
	for _, inst := range m.instances {
		if counts[inst.SpecName] == nil {
			counts[inst.SpecName] = make(map[State]int)
		}
		counts[inst.SpecName][inst.State]++
	}
	m.mu.Unlock()

	states := []State{StateRequested, StateProvisioning, StateReady, StateAssigned, StateDraining, StateTerminated, StateFailed}
	for name := range m.specs {
		for _, st := range states {
			m.metrics.RunnersByState.WithLabelValues(name, string(st)).Set(float64(counts[name][st]))
		}
	}
}
