package eventlog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	log, err := Open(t.TempDir())
	require.NoError(t, err)
	defer log.Close()

	a, err := log.Append("task.created", "acme-1", nil)
	require.NoError(t, err)
	b, err := log.Append("task.transitioned", "acme-1", map[string]any{"to": "ready"})
	require.NoError(t, err)

	require.Equal(t, uint64(1), a.ID)
	require.Equal(t, uint64(2), b.ID)
}

func TestOpenRecoversNextIDAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	require.NoError(t, err)
	_, err = log.Append("task.created", "acme-1", nil)
	require.NoError(t, err)
	_, err = log.Append("task.created", "acme-2", nil)
	require.NoError(t, err)
	require.NoError(t, log.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	ev, err := reopened.Append("task.created", "acme-3", nil)
	require.NoError(t, err)
	require.Equal(t, uint64(3), ev.ID)
}

func TestTailReturnsOldestFirstNewestLast(t *testing.T) {
	log, err := Open(t.TempDir())
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 5; i++ {
		_, err := log.Append("task.created", "acme-1", nil)
		require.NoError(t, err)
	}

	tail, err := log.Tail(3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	require.Equal(t, uint64(3), tail[0].ID)
	require.Equal(t, uint64(5), tail[2].ID)
}
