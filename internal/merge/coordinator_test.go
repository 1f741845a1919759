package merge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Gantry/internal/forge"
	"Gantry/internal/policy"
	"Gantry/internal/pullreq"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockForge records calls; each behavior knob simulates one forge-side
// failure mode.
type mockForge struct {
	mu sync.Mutex

	mergeable    bool
	mergeableErr error
	mergeErr     error

	merges    int
	labels    map[string]int
	removals  map[string]int
	comments  map[string]int
	inFlight  int
	maxFlight int
}

func newMockForge() *mockForge {
	return &mockForge{
		mergeable: true,
		labels:    make(map[string]int),
		removals:  make(map[string]int),
		comments:  make(map[string]int),
	}
}

func (m *mockForge) Mergeable(ctx context.Context, repo string, number int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mergeable, m.mergeableErr
}

func (m *mockForge) Merge(ctx context.Context, repo string, number int, strategy, headSHA string) error {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.maxFlight {
		m.maxFlight = m.inFlight
	}
	err := m.mergeErr
	if err == nil {
		m.merges++
	}
	m.inFlight--
	m.mu.Unlock()
	return err
}

func (m *mockForge) AddLabel(ctx context.Context, repo string, number int, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[label]++
	return nil
}

func (m *mockForge) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removals[label]++
	return nil
}

func (m *mockForge) Comment(ctx context.Context, repo string, number int, key, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments[key]++
	return nil
}

func newTestCoordinator(f Forge) (*Coordinator, *pullreq.Registry) {
	reg := pullreq.NewRegistry("conflict", "mergeable")
	c := NewCoordinator(Config{
		Strategy:            "rebase",
		ConflictLabel:       "conflict",
		ConflictCommentKey:  "merge-conflict",
		ConflictCommentBody: "Please rebase.",
	}, f, reg, nil, nil, testLogger())
	return c, reg
}

func testSnap() pullreq.Snapshot {
	return pullreq.Snapshot{
		Repository: "sgkit-dev/sgkit",
		Number:     9,
		HeadSHA:    "sha1",
	}
}

func TestApplyMerge(t *testing.T) {
	f := newMockForge()
	c, _ := newTestCoordinator(f)

	err := c.Apply(context.Background(), testSnap(), []policy.Action{{Kind: policy.ActionMerge}})
	require.NoError(t, err)
	assert.Equal(t, 1, f.merges)
}

func TestApplyLabelsAndComments(t *testing.T) {
	f := newMockForge()
	c, _ := newTestCoordinator(f)

	actions := []policy.Action{
		{Kind: policy.ActionAddLabel, Label: "needs-review"},
		{Kind: policy.ActionRemoveLabel, Label: "stale"},
		{Kind: policy.ActionComment, Key: "welcome", Body: "Thanks!"},
	}
	err := c.Apply(context.Background(), testSnap(), actions)
	require.NoError(t, err)
	assert.Equal(t, 1, f.labels["needs-review"])
	assert.Equal(t, 1, f.removals["stale"])
	assert.Equal(t, 1, f.comments["welcome"])
}

func TestMergeHoldsWhenNotMergeable(t *testing.T) {
	f := newMockForge()
	f.mergeable = false
	c, _ := newTestCoordinator(f)

	err := c.Apply(context.Background(), testSnap(), []policy.Action{{Kind: policy.ActionMerge}})
	assert.ErrorIs(t, err, ErrMergeConflict)
	assert.Equal(t, 0, f.merges, "merge must not be attempted against a diverged branch")
	assert.Equal(t, 1, f.labels["conflict"])
	assert.Equal(t, 1, f.comments["merge-conflict"])
}

func TestMergeHoldsOnForgeConflict(t *testing.T) {
	// Pre-check said mergeable, but the commit raced a push and the forge
	// rejected it. Same recovery as a detected conflict.
	f := newMockForge()
	f.mergeErr = forge.ErrConflict
	c, _ := newTestCoordinator(f)

	err := c.Apply(context.Background(), testSnap(), []policy.Action{{Kind: policy.ActionMerge}})
	assert.ErrorIs(t, err, ErrMergeConflict)
	assert.Equal(t, 1, f.labels["conflict"])
}

func TestMergeSurfacesOtherErrors(t *testing.T) {
	f := newMockForge()
	f.mergeErr = fmt.Errorf("503 service unavailable")
	c, _ := newTestCoordinator(f)

	err := c.Apply(context.Background(), testSnap(), []policy.Action{{Kind: policy.ActionMerge}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMergeConflict)
	assert.Equal(t, 0, f.labels["conflict"], "transient errors must not relabel the PR")
}

func TestMergeSerializedPerPR(t *testing.T) {
	f := newMockForge()
	c, _ := newTestCoordinator(f)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Apply(context.Background(), testSnap(), []policy.Action{{Kind: policy.ActionMerge}})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.maxFlight, "merge attempts on one PR must never overlap")
	assert.Equal(t, 10, f.merges)
}

func TestApplyContinuesPastFailure(t *testing.T) {
	f := newMockForge()
	f.mergeable = false
	c, _ := newTestCoordinator(f)

	actions := []policy.Action{
		{Kind: policy.ActionMerge},
		{Kind: policy.ActionAddLabel, Label: "tracked"},
	}
	err := c.Apply(context.Background(), testSnap(), actions)
	assert.ErrorIs(t, err, ErrMergeConflict)
	assert.Equal(t, 1, f.labels["tracked"], "later actions still run after an earlier failure")
}
