package supervisor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arctek/aof/internal/eventlog"
	"github.com/arctek/aof/internal/executor"
	"github.com/arctek/aof/internal/metrics"
	"github.com/arctek/aof/internal/scheduler"
	"github.com/arctek/aof/internal/throttle"
	"github.com/arctek/aof/task"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestSupervisor(t *testing.T) (*task.FileStore, *Supervisor) {
	t.Helper()
	root := t.TempDir()
	store, err := task.NewFileStore(root, "acme", testLogger())
	require.NoError(t, err)
	leases := task.NewLeaseManager(store, 5*time.Minute, 3, testLogger())
	events, err := eventlog.Open(root)
	require.NoError(t, err)
	t.Cleanup(func() { events.Close() })

	sched := scheduler.New(scheduler.Config{
		Root: root, Store: store, Leases: leases,
		Workflows: map[string]*task.Workflow{}, Limits: throttle.Limits{PerPollCap: 5},
		Executor: executor.NewMock(), Events: events, Metrics: metrics.New(), Logger: testLogger(),
	})

	sv := New(Config{
		Root: root, Store: store, Scheduler: sched, Leases: leases, Events: events, Metrics: metrics.New(), Logger: testLogger(),
		PollInterval: 20 * time.Millisecond, DrainTimeout: time.Second,
	})
	return store, sv
}

func TestStartReconcilesOrphanedInProgressTasks(t *testing.T) {
	store, sv := newTestSupervisor(t)

	tk, err := store.Create(task.CreateParams{Title: "orphan"})
	require.NoError(t, err)
	_, err = store.Transition(tk.ID, task.StatusInProgress, task.TransitionOptions{})
	require.NoError(t, err)

	require.NoError(t, sv.Start(context.Background()))
	defer sv.Stop()

	got, err := store.Get(tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusBlocked, got.Status)
}

func TestStartLeavesLeasedInProgressTaskAlone(t *testing.T) {
	store, sv := newTestSupervisor(t)

	tk, err := store.Create(task.CreateParams{Title: "held"})
	require.NoError(t, err)
	_, err = store.Transition(tk.ID, task.StatusInProgress, task.TransitionOptions{})
	require.NoError(t, err)
	_, err = store.Update(tk.ID, func(t *task.Task) error {
		t.Lease = &task.Lease{Agent: "agent-a", AcquiredAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(time.Hour)}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sv.Start(context.Background()))
	defer sv.Stop()

	got, err := store.Get(tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusInProgress, got.Status)
}

func TestStopDrainsWithinTimeout(t *testing.T) {
	_, sv := newTestSupervisor(t)
	require.NoError(t, sv.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		sv.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return within the drain timeout")
	}
}

func TestComputeSystemHealthStableWhenEmpty(t *testing.T) {
	h := ComputeSystemHealth(map[task.Status]int{})
	require.Equal(t, StatusStable, h.Status)
}

func TestComputeSystemHealthAccumulatingWhenMostlyBlocked(t *testing.T) {
	h := ComputeSystemHealth(map[task.Status]int{task.StatusBlocked: 8, task.StatusInProgress: 2})
	require.Equal(t, StatusAccumulating, h.Status)
}
