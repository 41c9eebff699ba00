// Package supervisor implements the Service Supervisor: the daemon's
// top-level lifecycle — orphan reconciliation on startup, a ticking poll
// loop, a graceful drain on shutdown, and the HTTP surface that exposes
// /health, /aof/status, and /metrics.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/arctek/aof/internal/eventlog"
	"github.com/arctek/aof/internal/metrics"
	"github.com/arctek/aof/internal/scheduler"
	"github.com/arctek/aof/task"

	"log/slog"
)

// Config bundles the supervisor's construction-time dependencies.
type Config struct {
	Root         string
	Store        task.Store
	Scheduler    *scheduler.Scheduler
	Leases       *task.LeaseManager
	Events       *eventlog.Logger
	Metrics      *metrics.Registry
	Logger       *slog.Logger
	PollInterval time.Duration
	DrainTimeout time.Duration
	MetricsAddr  string
}

// Metrics tracks supervisor-level statistics surfaced at /aof/status, kept
// separate from the Prometheus registry since these are human-facing
// counters, not scrape-format series.
type Metrics struct {
	CyclesRun      int           `json:"cyclesRun"`
	LastPollAt     time.Time     `json:"lastPollAt"`
	LastPollError  string        `json:"lastPollError,omitempty"`
	ActionsApplied int           `json:"actionsApplied"`
	Uptime         time.Duration `json:"uptime"`
}

// Supervisor owns the daemon's main loop and HTTP surface.
type Supervisor struct {
	root      string
	store     task.Store
	scheduler *scheduler.Scheduler
	leases    *task.LeaseManager
	events    *eventlog.Logger
	reg       *metrics.Registry
	logger    *slog.Logger

	pollInterval time.Duration
	drainTimeout time.Duration
	metricsAddr  string

	mu         sync.Mutex
	metrics    Metrics
	startedAt  time.Time
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	httpServer *http.Server
	pollNow    chan struct{}
}

// New constructs a Supervisor.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Supervisor{
		root:         cfg.Root,
		store:        cfg.Store,
		scheduler:    cfg.Scheduler,
		leases:       cfg.Leases,
		events:       cfg.Events,
		reg:          cfg.Metrics,
		logger:       logger,
		pollInterval: pollInterval,
		drainTimeout: cfg.DrainTimeout,
		metricsAddr:  cfg.MetricsAddr,
		pollNow:      make(chan struct{}, 1),
	}
}

// Start reconciles orphaned in-progress tasks, emits system.startup, runs
// an initial poll synchronously, and then begins the periodic poll loop in
// the background. The HTTP surface is started alongside it if MetricsAddr
// is set.
func (sv *Supervisor) Start(ctx context.Context) error {
	sv.startedAt = time.Now().UTC()

	orphaned, err := sv.reconcileOrphans()
	if err != nil {
		return fmt.Errorf("supervisor: orphan reconciliation: %w", err)
	}
	staleRuns, err := scheduler.ReapStaleRuns(sv.root)
	if err != nil {
		sv.logger.Warn("failed to reap stale agent runs", "error", err)
	}
	sv.logger.Info("startup reconciliation complete", "orphaned", orphaned, "staleRuns", staleRuns)

	if sv.events != nil {
		if _, err := sv.events.Append("system.startup", "", map[string]any{"orphaned": orphaned}); err != nil {
			sv.logger.Warn("failed to append startup event", "error", err)
		}
	}

	if sv.reg != nil {
		sv.reg.SchedulerUp.Set(1)
	}

	sv.runPoll(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	sv.cancel = cancel

	if sv.metricsAddr != "" {
		sv.startHTTP()
	}

	sv.wg.Add(1)
	go sv.loop(loopCtx)
	return nil
}

// reconcileOrphans marks every in-progress task with no live lease as
// blocked: the process that held it is gone.
func (sv *Supervisor) reconcileOrphans() (int, error) {
	tasks, err := sv.store.List(task.ListFilter{Status: task.StatusInProgress})
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	count := 0
	for _, t := range tasks {
		if t.Lease != nil && !t.Lease.Expired(now) {
			continue
		}
		if _, err := sv.store.Block(t.ID, "orphaned: no live lease found on startup"); err != nil {
			sv.logger.Warn("failed to block orphaned task", "task", t.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

func (sv *Supervisor) loop(ctx context.Context) {
	defer sv.wg.Done()
	ticker := time.NewTicker(sv.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.runPoll(ctx)
		case <-sv.pollNow:
			sv.runPoll(ctx)
		}
	}
}

// runPoll executes a single poll cycle against a bounded timeout so a
// stuck action can never wedge the loop indefinitely (the poll-timeout
// guard).
func (sv *Supervisor) runPoll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, sv.pollGuardTimeout())
	defer cancel()

	result, err := sv.scheduler.Poll(pollCtx)

	sv.mu.Lock()
	sv.metrics.CyclesRun++
	sv.metrics.LastPollAt = time.Now().UTC()
	if err != nil {
		sv.metrics.LastPollError = err.Error()
		sv.logger.Error("poll cycle failed", "error", err)
	} else {
		sv.metrics.LastPollError = ""
		sv.metrics.ActionsApplied += len(result.Actions)
	}
	sv.mu.Unlock()
}

func (sv *Supervisor) pollGuardTimeout() time.Duration {
	guard := sv.pollInterval * 4
	if guard < 30*time.Second {
		guard = 30 * time.Second
	}
	return guard
}

// Notify requests an immediate poll cycle ahead of the next tick (a
// message-triggered poll, e.g. on tool-contract activity).
func (sv *Supervisor) Notify() {
	select {
	case sv.pollNow <- struct{}{}:
	default:
	}
}

// Stop cancels the poll loop and waits up to drainTimeout for it to settle
// before returning regardless.
func (sv *Supervisor) Stop() {
	if sv.cancel != nil {
		sv.cancel()
	}
	if sv.reg != nil {
		sv.reg.SchedulerUp.Set(0)
	}

	done := make(chan struct{})
	go func() {
		sv.wg.Wait()
		close(done)
	}()

	timeout := sv.drainTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		sv.logger.Warn("drain timeout exceeded, stopping anyway")
	}

	if sv.leases != nil {
		sv.leases.Cleanup(nil) // no task is active anymore: clear every renewal timer
	}

	if sv.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sv.httpServer.Shutdown(shutdownCtx)
	}
}

func (sv *Supervisor) startHTTP() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", sv.handleHealth)
	mux.HandleFunc("GET /aof/status", sv.handleStatus)
	if sv.reg != nil {
		mux.Handle("GET /metrics", sv.reg.Handler())
	}

	sv.httpServer = &http.Server{
		Addr:         sv.metricsAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	sv.logger.Info("starting status server", "addr", sv.metricsAddr)
	go func() {
		if err := sv.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sv.logger.Error("status server stopped", "error", err)
		}
	}()
}

func (sv *Supervisor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (sv *Supervisor) handleStatus(w http.ResponseWriter, _ *http.Request) {
	sv.mu.Lock()
	m := sv.metrics
	m.Uptime = time.Since(sv.startedAt)
	sv.mu.Unlock()

	counts, err := sv.store.CountByStatus()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	tasks, err := sv.store.List(task.ListFilter{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	health := ComputeSystemHealthFromTasks(tasks)

	byID := make(map[string]*task.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	type taskView struct {
		*task.Task
		BlockedReason    string `json:"blockedReason,omitempty"`
		CreationContext  string `json:"creationContext"`
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskView{
			Task:            t,
			BlockedReason:   task.ComputeBlockedReason(t, byID),
			CreationContext: task.ComputeCreationContext(t, byID),
		})
	}

	activeRuns, err := scheduler.ActiveRuns(sv.root)
	if err != nil {
		sv.logger.Warn("failed to list active agent runs", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"metrics":       m,
		"tasksByStatus": counts,
		"systemHealth":  health,
		"tasks":         views,
		"activeRuns":    activeRuns,
	})
}
