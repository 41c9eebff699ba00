package task

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLeaseManager(t *testing.T) (*FileStore, *LeaseManager) {
	t.Helper()
	store := newTestStore(t)
	lm := NewLeaseManager(store, 5*time.Minute, 3, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return store, lm
}

func TestAcquireThenRenew(t *testing.T) {
	store, lm := newTestLeaseManager(t)
	tk, err := store.Create(CreateParams{Title: "lease me"})
	require.NoError(t, err)

	lease, err := lm.Acquire(tk.ID, "agent-a", 0)
	require.NoError(t, err)
	require.Equal(t, "agent-a", lease.Agent)
	require.Equal(t, 0, lease.RenewalCount)

	renewed, err := lm.Renew(tk.ID, "agent-a", 0)
	require.NoError(t, err)
	require.Equal(t, 1, renewed.RenewalCount)
	require.True(t, renewed.ExpiresAt.After(lease.ExpiresAt) || renewed.ExpiresAt.Equal(lease.ExpiresAt))
}

func TestAcquireByOtherAgentRejectedWhileLive(t *testing.T) {
	store, lm := newTestLeaseManager(t)
	tk, err := store.Create(CreateParams{Title: "contested"})
	require.NoError(t, err)

	_, err = lm.Acquire(tk.ID, "agent-a", 5*time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(tk.ID, "agent-b", 5*time.Minute)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestRenewExhaustsAfterMaxRenewals(t *testing.T) {
	store, lm := newTestLeaseManager(t)
	tk, err := store.Create(CreateParams{Title: "capped"})
	require.NoError(t, err)

	_, err = lm.Acquire(tk.ID, "agent-a", time.Minute)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = lm.Renew(tk.ID, "agent-a", time.Minute)
		require.NoError(t, err)
	}
	_, err = lm.Renew(tk.ID, "agent-a", time.Minute)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestReleaseByNonHolderRejected(t *testing.T) {
	store, lm := newTestLeaseManager(t)
	tk, err := store.Create(CreateParams{Title: "release me"})
	require.NoError(t, err)

	_, err = lm.Acquire(tk.ID, "agent-a", time.Minute)
	require.NoError(t, err)

	err = lm.Release(tk.ID, "agent-b")
	require.ErrorIs(t, err, ErrPermissionDenied)

	require.NoError(t, lm.Release(tk.ID, "agent-a"))
	got, err := store.Get(tk.ID)
	require.NoError(t, err)
	require.Nil(t, got.Lease)
}

func TestExpireStaleClearsExpiredLeases(t *testing.T) {
	store, lm := newTestLeaseManager(t)
	tk, err := store.Create(CreateParams{Title: "expiring"})
	require.NoError(t, err)
	_, err = store.Transition(tk.ID, StatusInProgress, TransitionOptions{})
	require.NoError(t, err)

	_, err = lm.Acquire(tk.ID, "agent-a", time.Millisecond)
	require.NoError(t, err)

	expired, err := lm.ExpireStale(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Contains(t, expired, tk.ID)

	got, err := store.Get(tk.ID)
	require.NoError(t, err)
	require.Nil(t, got.Lease)
}

func TestRenewAtIsHalfway(t *testing.T) {
	acquired := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	l := &Lease{AcquiredAt: acquired, ExpiresAt: acquired.Add(10 * time.Minute)}
	require.Equal(t, acquired.Add(5*time.Minute), RenewAt(l))
}
