package notify

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arctek/aof/internal/eventlog"
)

type recordingAdapter struct {
	mu  sync.Mutex
	got []Notification
}

func (a *recordingAdapter) Send(_ context.Context, n Notification) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, n)
	return nil
}

func (a *recordingAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.got)
}

type failingAdapter struct{}

func (failingAdapter) Send(context.Context, Notification) error { return os.ErrClosed }

func writeRules(t *testing.T, dir string, yaml string) string {
	t.Helper()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestHandleDispatchesMatchingRule(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, "rules:\n  - name: gate-timeout\n    eventTypes: [gate_timeout]\n    severity: warning\n")

	rec := &recordingAdapter{}
	engine, err := NewEngine(path, time.Minute, 0, []Adapter{rec}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	engine.Handle(context.Background(), eventlog.Event{ID: 1, Type: "gate_timeout", TaskID: "acme-1"})
	require.Equal(t, 1, rec.count())
}

func TestHandleSkipsNonMatchingRule(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, "rules:\n  - name: gate-timeout\n    eventTypes: [gate_timeout]\n")

	rec := &recordingAdapter{}
	engine, err := NewEngine(path, time.Minute, 0, []Adapter{rec}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	engine.Handle(context.Background(), eventlog.Event{ID: 1, Type: "task.created", TaskID: "acme-1"})
	require.Equal(t, 0, rec.count())
}

func TestHandleDedupesWithinWindow(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, "rules:\n  - name: catch-all\n")

	rec := &recordingAdapter{}
	engine, err := NewEngine(path, time.Hour, 0, []Adapter{rec}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ev := eventlog.Event{ID: 1, Type: "task.created", TaskID: "acme-1"}
	engine.Handle(context.Background(), ev)
	engine.Handle(context.Background(), ev)
	require.Equal(t, 1, rec.count())
}

func TestHandleIsolatesAdapterFailures(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, "rules:\n  - name: catch-all\n")

	rec := &recordingAdapter{}
	engine, err := NewEngine(path, time.Minute, 0, []Adapter{failingAdapter{}, rec}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	engine.Handle(context.Background(), eventlog.Event{ID: 1, Type: "task.created", TaskID: "acme-1"})
	require.Equal(t, 1, rec.count())
}

func TestWatchHotReloadsRules(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, "rules:\n  - name: original\n    eventTypes: [task.created]\n")

	rec := &recordingAdapter{}
	engine, err := NewEngine(path, time.Minute, 0, []Adapter{rec}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, engine.Watch(ctx))
	defer engine.Close()

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: replaced\n    eventTypes: [task.blocked]\n"), 0o644))

	require.Eventually(t, func() bool {
		rs := engine.rules.Load()
		return rs != nil && len(rs.Rules) == 1 && rs.Rules[0].Name == "replaced"
	}, 2*time.Second, 10*time.Millisecond)
}
