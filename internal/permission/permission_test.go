package permission

import (
	"io"
	"log/slog"
	"testing"

	"github.com/arctek/aof/task"
	"github.com/stretchr/testify/require"
)

func newGuardedStore(t *testing.T, policy Policy) (*task.FileStore, *Guard) {
	t.Helper()
	fs, err := task.NewFileStore(t.TempDir(), "acme", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return fs, New(fs, policy, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestGuardAllowsPermittedAction(t *testing.T) {
	policy := Policy{"lead": {ActionCreate: true}}
	_, guard := newGuardedStore(t, policy)
	store := guard.As("lead")

	_, err := store.Create(task.CreateParams{Title: "allowed"})
	require.NoError(t, err)
}

func TestGuardDeniesUnlistedAction(t *testing.T) {
	policy := Policy{"viewer": {}}
	_, guard := newGuardedStore(t, policy)
	store := guard.As("viewer")

	_, err := store.Create(task.CreateParams{Title: "denied"})
	require.ErrorIs(t, err, task.ErrPermissionDenied)
}

func TestGuardWildcardRoleGrantsEverything(t *testing.T) {
	policy := Policy{"*": {Action("*"): true}}
	_, guard := newGuardedStore(t, policy)
	store := guard.As("anyone")

	tk, err := store.Create(task.CreateParams{Title: "wildcard"})
	require.NoError(t, err)
	_, err = store.Transition(tk.ID, task.StatusReady, task.TransitionOptions{})
	require.NoError(t, err)
}

func TestGuardReadsAreNeverGated(t *testing.T) {
	policy := Policy{}
	inner, guard := newGuardedStore(t, policy)
	_, err := inner.Create(task.CreateParams{Title: "readable"})
	require.NoError(t, err)

	store := guard.As("nobody")
	list, err := store.List(task.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
}
