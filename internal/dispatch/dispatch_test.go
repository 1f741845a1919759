package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Gantry/internal/event"
	"Gantry/internal/provider"
	"Gantry/internal/runner"
	"Gantry/internal/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeProvider struct {
	mu        sync.Mutex
	instances map[string]*provider.Instance
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{instances: make(map[string]*provider.Instance)}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) List(ctx context.Context) ([]*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*provider.Instance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out, nil
}

func (f *fakeProvider) Get(ctx context.Context, id string) (*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[id]; ok {
		return inst, nil
	}
	return nil, provider.ErrNotFound
}

func (f *fakeProvider) Launch(ctx context.Context, req *provider.LaunchRequest) (*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := &provider.Instance{
		ID:         req.ID,
		Name:       req.Name,
		Status:     provider.StatusRunning,
		Provider:   "fake",
		ProviderID: "fake-" + req.ID,
		CreatedAt:  time.Now(),
		Metadata:   map[string]string{"private_ip": "10.0.0.1"},
	}
	f.instances[req.ID] = inst
	return inst, nil
}

func (f *fakeProvider) Terminate(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, id)
	return nil
}

func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeProvider) Close() error { return nil }

// scriptedExecutor fails the coordinates listed in fail and can hold
// every job until released, for cancellation tests.
type scriptedExecutor struct {
	mu   sync.Mutex
	fail map[workflow.Coordinate]error
	hold chan struct{}
	seen []workflow.Coordinate
}

func (e *scriptedExecutor) Execute(ctx context.Context, inst *runner.Instance, wf *workflow.Descriptor, coord workflow.Coordinate) error {
	e.mu.Lock()
	e.seen = append(e.seen, coord)
	e.mu.Unlock()

	if e.hold != nil {
		select {
		case <-e.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err, ok := e.fail[coord]; ok {
		return err
	}
	return nil
}

type captureSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *captureSink) Emit(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) all() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.Event(nil), s.events...)
}

func testWorkflow() *workflow.Descriptor {
	return &workflow.Descriptor{
		Name:     "build",
		Triggers: workflow.Triggers{PullRequest: true},
		RunsOn:   []string{"gpu"},
		Matrix: workflow.Matrix{
			OS:       []string{"ubuntu-latest"},
			Versions: []string{"3.7", "3.8", "3.9"},
		},
		Steps: []workflow.Step{{Name: "test", Run: "pytest"}},
	}
}

func newTestDispatcher(t *testing.T, exec Executor, sink EventSink) *Dispatcher {
	t.Helper()
	spec := &runner.Spec{
		Name:         "gpu-pool",
		Cloud:        "docker",
		MachineImage: "gantry/agent:latest",
		Count:        8,
		Labels:       []string{"gpu"},
	}
	mgr := runner.NewManager(runner.ManagerConfig{
		AcquireTimeout:    2 * time.Second,
		ProvisionTimeout:  2 * time.Second,
		ProvisionAttempts: 1,
		BackoffBase:       time.Millisecond,
		BackoffMax:        time.Millisecond,
	}, newFakeProvider(), []*runner.Spec{spec}, nil, nil, testLogger())
	return NewDispatcher(mgr, exec, sink, nil, nil, testLogger())
}

func TestDispatchExpandsMatrix(t *testing.T) {
	exec := &scriptedExecutor{}
	sink := &captureSink{}
	d := newTestDispatcher(t, exec, sink)

	run, err := d.Dispatch(context.Background(), testWorkflow(), "sgkit-dev/sgkit", 42)
	require.NoError(t, err)

	res := run.Wait()
	require.Len(t, res.Jobs, 3, "one job per matrix coordinate")
	assert.True(t, res.Passed)
	for _, job := range res.Jobs {
		assert.Equal(t, JobPassed, job.Status)
	}
}

func TestDispatchFailIndependent(t *testing.T) {
	exec := &scriptedExecutor{
		fail: map[workflow.Coordinate]error{
			{OS: "ubuntu-latest", Version: "3.8"}: errors.New("segfault in test_vcf"),
		},
	}
	sink := &captureSink{}
	d := newTestDispatcher(t, exec, sink)

	run, err := d.Dispatch(context.Background(), testWorkflow(), "sgkit-dev/sgkit", 42)
	require.NoError(t, err)

	res := run.Wait()
	assert.False(t, res.Passed)
	assert.False(t, res.Cancelled)

	// The sibling legs ran to completion despite the failure.
	assert.Len(t, exec.seen, 3)
	assert.Equal(t, JobFailed, res.Jobs[workflow.Coordinate{OS: "ubuntu-latest", Version: "3.8"}].Status)
	assert.Equal(t, JobPassed, res.Jobs[workflow.Coordinate{OS: "ubuntu-latest", Version: "3.7"}].Status)
	assert.Equal(t, JobPassed, res.Jobs[workflow.Coordinate{OS: "ubuntu-latest", Version: "3.9"}].Status)
}

func TestDispatchEmitsCheckResults(t *testing.T) {
	exec := &scriptedExecutor{
		fail: map[workflow.Coordinate]error{
			{OS: "ubuntu-latest", Version: "3.9"}: errors.New("boom"),
		},
	}
	sink := &captureSink{}
	d := newTestDispatcher(t, exec, sink)

	run, err := d.Dispatch(context.Background(), testWorkflow(), "sgkit-dev/sgkit", 42)
	require.NoError(t, err)
	run.Wait()

	events := sink.all()
	require.Len(t, events, 3)

	byCheck := make(map[string]string, len(events))
	for _, ev := range events {
		assert.Equal(t, event.KindCheckResult, ev.Kind)
		assert.Equal(t, "sgkit-dev/sgkit", ev.Repository)
		assert.Equal(t, 42, ev.PullRequest)
		byCheck[ev.Payload.CheckName] = ev.Payload.CheckStatus
	}
	assert.Equal(t, "success", byCheck["build(3.7)"])
	assert.Equal(t, "success", byCheck["build(3.8)"])
	assert.Equal(t, "failure", byCheck["build(3.9)"])
}

func TestCancelMarksJobsImmediately(t *testing.T) {
	exec := &scriptedExecutor{hold: make(chan struct{})}
	sink := &captureSink{}
	d := newTestDispatcher(t, exec, sink)

	run, err := d.Dispatch(context.Background(), testWorkflow(), "sgkit-dev/sgkit", 42)
	require.NoError(t, err)

	// Let the jobs start, then cancel while they are held in Execute.
	time.Sleep(100 * time.Millisecond)
	run.Cancel()

	// Cancel is immediate; no waiting on workers.
	res := run.Result()
	for _, job := range res.Jobs {
		assert.Equal(t, JobCancelled, job.Status)
	}
	assert.True(t, res.Cancelled)
	assert.False(t, res.Passed)

	// Workers drain and no synthetic check results are emitted for a
	// cancelled run.
	run.Wait()
	assert.Empty(t, sink.all())
}

func TestDispatchNoMatchingSpec(t *testing.T) {
	exec := &scriptedExecutor{}
	d := newTestDispatcher(t, exec, &captureSink{})

	wf := testWorkflow()
	wf.RunsOn = []string{"tpu"}
	_, err := d.Dispatch(context.Background(), wf, "sgkit-dev/sgkit", 42)
	assert.Error(t, err)
}

func TestScheduledRunEmitsNothing(t *testing.T) {
	exec := &scriptedExecutor{}
	sink := &captureSink{}
	d := newTestDispatcher(t, exec, sink)

	// No PR context: nightly runs report to metrics and audit only.
	run, err := d.Dispatch(context.Background(), testWorkflow(), "", 0)
	require.NoError(t, err)
	res := run.Wait()

	assert.True(t, res.Passed)
	assert.Empty(t, sink.all())
}

func TestCheckName(t *testing.T) {
	single := testWorkflow()
	assert.Equal(t, "build(3.8)",
		CheckName(single, workflow.Coordinate{OS: "ubuntu-latest", Version: "3.8"}))

	multi := testWorkflow()
	multi.Matrix.OS = []string{"ubuntu-latest", "macos-latest"}
	assert.Equal(t, "build(macos-latest, 3.8)",
		CheckName(multi, workflow.Coordinate{OS: "macos-latest", Version: "3.8"}))
}

func TestDispatchReleasesRunners(t *testing.T) {
	exec := &scriptedExecutor{}
	spec := &runner.Spec{
		Name:         "gpu-pool",
		Cloud:        "docker",
		MachineImage: "gantry/agent:latest",
		Count:        1,
		Labels:       []string{"gpu"},
	}
	mgr := runner.NewManager(runner.ManagerConfig{
		AcquireTimeout:    3 * time.Second,
		ProvisionTimeout:  2 * time.Second,
		ProvisionAttempts: 1,
		BackoffBase:       time.Millisecond,
		BackoffMax:        time.Millisecond,
	}, newFakeProvider(), []*runner.Spec{spec}, nil, nil, testLogger())
	d := NewDispatcher(mgr, exec, &captureSink{}, nil, nil, testLogger())

	// Three matrix legs share a single-slot pool; the run only completes
	// if every job releases its runner for the next one.
	run, err := d.Dispatch(context.Background(), testWorkflow(), "sgkit-dev/sgkit", 42)
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() { done <- run.Wait() }()

	select {
	case res := <-done:
		assert.True(t, res.Passed)
	case <-time.After(10 * time.Second):
		t.Fatalf("matrix run deadlocked on runner capacity; jobs: %+v", run.Result().Jobs)
	}
}
