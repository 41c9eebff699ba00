package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arctek/aof/internal/eventlog"
	"github.com/arctek/aof/internal/executor"
	"github.com/arctek/aof/internal/metrics"
	"github.com/arctek/aof/internal/throttle"
	"github.com/arctek/aof/task"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestScheduler(t *testing.T, limits throttle.Limits) (*task.FileStore, *Scheduler, *executor.Mock) {
	t.Helper()
	root := t.TempDir()
	store, err := task.NewFileStore(root, "acme", testLogger())
	require.NoError(t, err)
	leases := task.NewLeaseManager(store, 5*time.Minute, 3, testLogger())
	events, err := eventlog.Open(root)
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	mock := executor.NewMock()
	sched := New(Config{
		Root:      root,
		Store:     store,
		Leases:    leases,
		Workflows: map[string]*task.Workflow{},
		Limits:    limits,
		Executor:  mock,
		Events:    events,
		Metrics:   metrics.New(),
		Logger:    testLogger(),
	})
	return store, sched, mock
}

func TestPollDispatchesReadyTask(t *testing.T) {
	store, sched, mock := newTestScheduler(t, throttle.Limits{PerPollCap: 5})

	tk, err := store.Create(task.CreateParams{Title: "ready task", Routing: task.Routing{Team: "platform", Agent: "agent-a"}})
	require.NoError(t, err)
	_, err = store.Transition(tk.ID, task.StatusReady, task.TransitionOptions{})
	require.NoError(t, err)

	result, err := sched.Poll(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, result.Actions)

	got, err := store.Get(tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusInProgress, got.Status)
	require.NotNil(t, got.Lease)
	require.Len(t, mock.Calls(), 1)
}

func TestPollRespectsPerPollCap(t *testing.T) {
	store, sched, _ := newTestScheduler(t, throttle.Limits{PerPollCap: 1})

	for i := 0; i < 3; i++ {
		tk, err := store.Create(task.CreateParams{Title: "task", Routing: task.Routing{Team: "platform"}})
		require.NoError(t, err)
		_, err = store.Transition(tk.ID, task.StatusReady, task.TransitionOptions{})
		require.NoError(t, err)
	}

	result, err := sched.Poll(context.Background())
	require.NoError(t, err)

	dispatches := 0
	for _, a := range result.Actions {
		if a.Kind == ActionAssign {
			dispatches++
		}
	}
	require.Equal(t, 1, dispatches)
}

func TestPollSkipsTaskWithUnsatisfiedDependency(t *testing.T) {
	store, sched, _ := newTestScheduler(t, throttle.Limits{PerPollCap: 5})

	blocker, err := store.Create(task.CreateParams{Title: "blocker"})
	require.NoError(t, err)
	dependent, err := store.Create(task.CreateParams{Title: "dependent", DependsOn: []string{blocker.ID}})
	require.NoError(t, err)
	_, err = store.Transition(dependent.ID, task.StatusReady, task.TransitionOptions{})
	require.NoError(t, err)

	result, err := sched.Poll(context.Background())
	require.NoError(t, err)
	for _, a := range result.Actions {
		require.NotEqual(t, dependent.ID, a.TaskID)
	}
}

func TestPollExpiresStaleLeases(t *testing.T) {
	store, sched, _ := newTestScheduler(t, throttle.Limits{PerPollCap: 5})

	tk, err := store.Create(task.CreateParams{Title: "leased"})
	require.NoError(t, err)
	_, err = store.Transition(tk.ID, task.StatusInProgress, task.TransitionOptions{})
	require.NoError(t, err)
	_, err = store.Update(tk.ID, func(t *task.Task) error {
		t.Lease = &task.Lease{Agent: "agent-a", AcquiredAt: time.Now().UTC().Add(-time.Hour), ExpiresAt: time.Now().UTC().Add(-time.Minute)}
		return nil
	})
	require.NoError(t, err)

	result, err := sched.Poll(context.Background())
	require.NoError(t, err)

	found := false
	for _, a := range result.Actions {
		if a.Kind == ActionExpireLease && a.TaskID == tk.ID {
			found = true
		}
	}
	require.True(t, found)

	got, err := store.Get(tk.ID)
	require.NoError(t, err)
	require.Nil(t, got.Lease)
	require.Equal(t, task.StatusReady, got.Status)
}

func TestPollBlocksCircularDependency(t *testing.T) {
	store, sched, _ := newTestScheduler(t, throttle.Limits{PerPollCap: 5})

	a, err := store.Create(task.CreateParams{Title: "a"})
	require.NoError(t, err)
	b, err := store.Create(task.CreateParams{Title: "b", DependsOn: []string{a.ID}})
	require.NoError(t, err)

	// Close the loop directly, bypassing AddDep's own cycle guard, the way a
	// hand-edited task file or an older data import might.
	_, err = store.Update(a.ID, func(t *task.Task) error {
		t.DependsOn = []string{b.ID}
		return nil
	})
	require.NoError(t, err)
	_, err = store.Transition(a.ID, task.StatusReady, task.TransitionOptions{})
	require.NoError(t, err)

	result, err := sched.Poll(context.Background())
	require.NoError(t, err)

	var blocked *Action
	for i := range result.Actions {
		if result.Actions[i].Kind == ActionBlock && result.Actions[i].TaskID == a.ID {
			blocked = &result.Actions[i]
		}
	}
	require.NotNil(t, blocked)
	require.Equal(t, "circular_dep", blocked.Detail["reason"])

	got, err := store.Get(a.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusBlocked, got.Status)
}

func TestPollEscalatesGateTimeoutWhenConfigured(t *testing.T) {
	root := t.TempDir()
	store, err := task.NewFileStore(root, "acme", testLogger())
	require.NoError(t, err)
	leases := task.NewLeaseManager(store, 5*time.Minute, 3, testLogger())
	events, err := eventlog.Open(root)
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })
	reg := metrics.New()

	wf := &task.Workflow{Name: "wf", Gates: []task.GateDef{
		{Name: "review", Roles: []string{"lead"}, Timeout: time.Minute, EscalateTo: "lead-oncall"},
	}}

	sched := New(Config{
		Root: root, Store: store, Leases: leases,
		Workflows: map[string]*task.Workflow{"wf": wf},
		Limits:    throttle.Limits{PerPollCap: 5},
		Executor:  executor.NewMock(), Events: events, Metrics: reg, Logger: testLogger(),
	})

	tk, err := store.Create(task.CreateParams{Title: "gated", Routing: task.Routing{Workflow: "wf", Role: "lead"}})
	require.NoError(t, err)
	_, err = store.Transition(tk.ID, task.StatusInProgress, task.TransitionOptions{})
	require.NoError(t, err)
	_, err = store.Update(tk.ID, func(t *task.Task) error {
		t.Gate = &task.GateState{Current: "review", Entered: time.Now().UTC().Add(-time.Hour)}
		return nil
	})
	require.NoError(t, err)

	_, err = sched.Poll(context.Background())
	require.NoError(t, err)

	got, err := store.Get(tk.ID)
	require.NoError(t, err)
	require.Equal(t, "lead-oncall", got.Routing.Role)
	require.NotEmpty(t, got.GateHistory)
	last := got.GateHistory[len(got.GateHistory)-1]
	require.Equal(t, task.OutcomeTimeout, last.Outcome)
}

func TestPollDeadlettersAfterRepeatedDispatchFailures(t *testing.T) {
	root := t.TempDir()
	store, err := task.NewFileStore(root, "acme", testLogger())
	require.NoError(t, err)
	leases := task.NewLeaseManager(store, 5*time.Minute, 3, testLogger())
	events, err := eventlog.Open(root)
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	mock := executor.NewMock()
	mock.Err = fmt.Errorf("boom")

	sched := New(Config{
		Root: root, Store: store, Leases: leases,
		Workflows: map[string]*task.Workflow{}, Limits: throttle.Limits{PerPollCap: 5},
		Executor: mock, Events: events, Metrics: metrics.New(), Logger: testLogger(),
		MaxDispatchFailures: 2,
	})

	tk, err := store.Create(task.CreateParams{Title: "flaky", Routing: task.Routing{Team: "platform", Agent: "agent-a"}})
	require.NoError(t, err)
	_, err = store.Transition(tk.ID, task.StatusReady, task.TransitionOptions{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = sched.Poll(context.Background())
		require.NoError(t, err)
		got, err := store.Get(tk.ID)
		require.NoError(t, err)
		// a failed dispatch always reverts the task to ready, whether or not
		// this attempt was the one that tripped the deadletter threshold.
		require.Equal(t, task.StatusReady, got.Status)
	}

	entries, err := os.ReadDir(filepath.Join(root, "state", "deadletter"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	recent, err := events.Tail(50)
	require.NoError(t, err)
	deadlettered := false
	for _, ev := range recent {
		if ev.Type == "task.deadlettered" && ev.TaskID == tk.ID {
			deadlettered = true
		}
	}
	require.True(t, deadlettered)
}
