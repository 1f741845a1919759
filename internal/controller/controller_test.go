package controller

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Gantry/internal/config"
	"Gantry/internal/dispatch"
	"Gantry/internal/event"
	"Gantry/internal/policy"
	"Gantry/internal/provider"
	"Gantry/internal/pullreq"
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

type passExecutor struct{}

func (passExecutor) Execute(ctx context.Context, inst *runner.Instance, wf *workflow.Descriptor, coord workflow.Coordinate) error {
	return nil
}

// countingExecutor tallies job executions.
type countingExecutor struct {
	mu    sync.Mutex
	count int
}

func (e *countingExecutor) Execute(ctx context.Context, inst *runner.Instance, wf *workflow.Descriptor, coord workflow.Coordinate) error {
	e.mu.Lock()
	e.count++
	e.mu.Unlock()
	return nil
}

func (e *countingExecutor) executions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

func testController(t *testing.T) (*Controller, *event.Ingest, *pullreq.Registry, context.CancelFunc) {
	return testControllerWith(t, passExecutor{})
}

func testControllerWith(t *testing.T, exec dispatch.Executor) (*Controller, *event.Ingest, *pullreq.Registry, context.CancelFunc) {
	t.Helper()

	cfg := &config.Config{
		DryRun: true,
		Policy: config.PolicyConfig{SweepInterval: time.Hour},
	}

	rules, err := policy.Parse([]byte(`
rules:
  - name: flag-conflict
    conditions:
      - kind: conflict
    actions:
      - kind: add-label
        label: conflict
`))
	require.NoError(t, err)

	workflows, err := workflow.Parse([]byte(`
workflows:
  - name: build
    on:
      pull_request: true
    runs_on: [gpu]
    matrix:
      os: [ubuntu-latest]
      versions: ["3.7", "3.8"]
    steps:
      - run: pytest
`))
	require.NoError(t, err)

	spec := &runner.Spec{
		Name:         "gpu-pool",
		Cloud:        "docker",
		MachineImage: "gantry/agent:latest",
		Count:        4,
		Labels:       []string{"gpu"},
	}
	mgr := runner.NewManager(runner.ManagerConfig{
		AcquireTimeout:    2 * time.Second,
		ProvisionTimeout:  2 * time.Second,
		ProvisionAttempts: 1,
		BackoffBase:       time.Millisecond,
		BackoffMax:        time.Millisecond,
	}, &fakeProvider{instances: make(map[string]*provider.Instance)}, []*runner.Spec{spec}, nil, nil, testLogger())

	ingest := event.NewIngest(64, testLogger())
	registry := pullreq.NewRegistry("conflict", "mergeable")
	dispatcher := dispatch.NewDispatcher(mgr, exec, ingest, nil, nil, testLogger())

	ctrl := New(cfg, ingest, registry, rules, nil, dispatcher, workflows, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ctrl.Run(ctx) }()
	return ctrl, ingest, registry, cancel
}

// A PR update flows through dispatch and the synthetic check results come
// back around the loop into the PR's state.
func TestEventLoopRoundTrip(t *testing.T) {
	_, ingest, registry, cancel := testController(t)
	defer cancel()

	_, err := ingest.Submit([]byte(`{
		"kind": "pr_updated",
		"repository": "sgkit-dev/sgkit",
		"pull_request": 42,
		"payload": {"base_branch": "main", "head_sha": "sha1"}
	}`))
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for {
		snap := registry.Snapshot("sgkit-dev/sgkit", 42)
		if snap.Checks["build(3.7)"] == pullreq.CheckPassed &&
			snap.Checks["build(3.8)"] == pullreq.CheckPassed {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("check results never arrived; state: %+v", snap.Checks)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestNewHeadSupersedesRun(t *testing.T) {
	ctrl, ingest, _, cancel := testController(t)
	defer cancel()

	for _, sha := range []string{"sha1", "sha2", "sha3"} {
		_, err := ingest.Submit([]byte(`{
			"kind": "pr_updated",
			"repository": "sgkit-dev/sgkit",
			"pull_request": 42,
			"payload": {"head_sha": "` + sha + `"}
		}`))
		require.NoError(t, err)
	}

	// All runs eventually drain; the map never accumulates superseded
	// handles for the same workflow key.
	assert.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		return len(ctrl.runs) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

// A PR update that leaves the head commit unchanged, such as a label
// edit, must not cancel or restart the run built for that head. Only a
// new head supersedes.
func TestSameHeadUpdateDoesNotRedispatch(t *testing.T) {
	exec := &countingExecutor{}
	_, ingest, _, cancel := testControllerWith(t, exec)
	defer cancel()

	submit := func(payload string) {
		t.Helper()
		_, err := ingest.Submit([]byte(`{
			"kind": "pr_updated",
			"repository": "sgkit-dev/sgkit",
			"pull_request": 42,
			"payload": ` + payload + `}`))
		require.NoError(t, err)
	}

	submit(`{"head_sha": "sha1"}`)
	require.Eventually(t, func() bool { return exec.executions() == 2 },
		5*time.Second, 20*time.Millisecond, "first run never dispatched both matrix legs")

	// Label churn on the same head, with and without the sha repeated.
	submit(`{"labels": ["auto-merge"]}`)
	submit(`{"head_sha": "sha1", "labels": []}`)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, exec.executions(), "same-head updates restarted the run")

	// A genuinely new head dispatches a fresh run.
	submit(`{"head_sha": "sha2"}`)
	assert.Eventually(t, func() bool { return exec.executions() == 4 },
		5*time.Second, 20*time.Millisecond)
}

func TestConflictEventEvaluatesPolicy(t *testing.T) {
	_, ingest, registry, cancel := testController(t)
	defer cancel()

	_, err := ingest.Submit([]byte(`{
		"kind": "conflict_detected",
		"repository": "sgkit-dev/sgkit",
		"pull_request": 7,
		"payload": {"conflict": true}
	}`))
	require.NoError(t, err)

	// Dry run: the rule fires but no forge call happens, so the only
	// observable effect is the state itself.
	assert.Eventually(t, func() bool {
		return registry.Snapshot("sgkit-dev/sgkit", 7).Conflict
	}, 2*time.Second, 10*time.Millisecond)
}
