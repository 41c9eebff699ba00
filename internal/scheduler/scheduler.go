// Package scheduler implements the fabric's single cooperative poll loop
// one pass snapshots the task tree, reaps expired leases and
// timed-out gates, plans a dispatch for ready tasks under the throttle
// controller, then executes the resulting actions with per-action crash
// isolation.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/arctek/aof/internal/eventlog"
	"github.com/arctek/aof/internal/executor"
	"github.com/arctek/aof/internal/metrics"
	"github.com/arctek/aof/internal/throttle"
	"github.com/arctek/aof/task"
)

// ActionKind names one kind of effect a poll cycle can decide to apply
// (§4.5 step 7).
type ActionKind string

const (
	ActionExpireLease    ActionKind = "expire_lease"
	ActionGateTimeout    ActionKind = "gate_timeout"
	ActionBlock          ActionKind = "block"
	ActionAssign         ActionKind = "assign"
	ActionAlert          ActionKind = "alert"
	ActionStaleHeartbeat ActionKind = "stale_heartbeat"
	ActionSLAViolation   ActionKind = "sla_violation"
	ActionDeadletter     ActionKind = "deadletter"
)

// Action is one planned or applied effect from a poll cycle.
type Action struct {
	Kind   ActionKind     `json:"kind"`
	TaskID string         `json:"taskId"`
	Detail map[string]any `json:"detail,omitempty"`
	Err    string         `json:"error,omitempty"`
}

// PollResult summarizes one completed (or partially completed) poll cycle.
type PollResult struct {
	Actions  []Action
	Duration time.Duration
}

// Scheduler drives the poll loop. It holds no long-lived goroutines of its
// own beyond what Poll spawns for a single cycle's action execution; the
// supervisor is responsible for calling Poll on a timer.
type Scheduler struct {
	store     task.Store
	leases    *task.LeaseManager
	workflows map[string]*task.Workflow
	limits    throttle.Limits
	throttle  *throttle.State
	exec      executor.Executor
	breaker   *gobreaker.CircuitBreaker[executor.RunResult]
	events    *eventlog.Logger
	metrics   *metrics.Registry
	logger    *slog.Logger
	root      string

	staleHeartbeat time.Duration // lease age past which a still-running task raises stale_heartbeat (not yet expired)
	slaWarn        time.Duration // time-in-status past which a task raises sla_violation

	maxDispatchFailures int // consecutive failed dispatches on one task before it is deadlettered

	mu               sync.Mutex
	dispatchFailures map[string]int
}

// Config bundles Scheduler's construction-time dependencies and tunables.
type Config struct {
	Root                string
	Store               task.Store
	Leases              *task.LeaseManager
	Workflows           map[string]*task.Workflow
	Limits              throttle.Limits
	Executor            executor.Executor
	Events              *eventlog.Logger
	Metrics             *metrics.Registry
	Logger              *slog.Logger
	StaleHeartbeat      time.Duration
	SLAWarn             time.Duration
	MaxDispatchFailures int
}

// New constructs a Scheduler. It wraps Executor calls in a circuit breaker
// so a string of failing agent runs trips open and sheds dispatch load
// rather than hammering a broken backend (§7).
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker[executor.RunResult](gobreaker.Settings{
		Name:        "executor",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	maxFailures := cfg.MaxDispatchFailures
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &Scheduler{
		store:               cfg.Store,
		leases:              cfg.Leases,
		workflows:           cfg.Workflows,
		limits:              cfg.Limits,
		throttle:            throttle.NewState(),
		exec:                cfg.Executor,
		breaker:             breaker,
		events:              cfg.Events,
		metrics:             cfg.Metrics,
		logger:              logger,
		root:                cfg.Root,
		staleHeartbeat:      cfg.StaleHeartbeat,
		slaWarn:             cfg.SLAWarn,
		maxDispatchFailures: maxFailures,
		dispatchFailures:    make(map[string]int),
	}
}

// Poll runs exactly one poll cycle (§4.5 steps 1-8).
func (s *Scheduler) Poll(ctx context.Context) (*PollResult, error) {
	start := time.Now()
	if s.metrics != nil {
		defer func() { s.metrics.LoopDuration.Observe(time.Since(start).Seconds()) }()
	}

	// Step 1: snapshot.
	tasks, err := s.store.List(task.ListFilter{})
	if err != nil {
		if s.metrics != nil {
			s.metrics.PollFailuresTotal.Inc()
		}
		return nil, fmt.Errorf("scheduler: snapshot: %w", err)
	}

	// Step 2: index by ID, used for dispatch eligibility (a task with
	// incomplete dependsOn is never dispatched), plus a parent->children
	// index that this cycle does not otherwise read.
	byID := make(map[string]*task.Task, len(tasks))
	children := make(map[string][]*task.Task)
	for _, t := range tasks {
		byID[t.ID] = t
		if t.ParentID != "" {
			children[t.ParentID] = append(children[t.ParentID], t)
		}
	}

	// Step 3: resource occupancy: no two in-progress tasks, on any team,
	// may claim the same resource string concurrently.
	occupied := map[string]string{} // resource -> holding task id
	var inProgress []*task.Task
	for _, t := range tasks {
		if t.Status == task.StatusInProgress {
			inProgress = append(inProgress, t)
			if t.Resource != "" {
				occupied[t.Resource] = t.ID
			}
		}
	}

	now := time.Now().UTC()
	var actions []Action

	// Step 4: lease expiry.
	expired, err := s.leases.ExpireStale(now)
	if err != nil {
		s.logger.Warn("lease expiry sweep failed", "error", err)
	}
	for _, id := range expired {
		actions = append(actions, Action{Kind: ActionExpireLease, TaskID: id})
		s.emit("lease.expired", id, nil)
	}

	// Step 5: gate timeouts.
	for _, t := range tasks {
		if t.Status != task.StatusInProgress || t.Gate == nil || t.Quarantined {
			continue
		}
		wf, ok := s.workflows[t.Routing.Workflow]
		if !ok {
			continue
		}
		if task.TimedOut(t, wf, now) {
			gate, _ := wf.Gate(t.Gate.Current)
			detail := map[string]any{"gate": t.Gate.Current}
			if gate.EscalateTo != "" {
				detail["escalateTo"] = gate.EscalateTo
			}
			actions = append(actions, Action{Kind: ActionGateTimeout, TaskID: t.ID, Detail: detail})
			if s.metrics != nil {
				s.metrics.GateTimeoutsTotal.WithLabelValues(t.Gate.Current).Inc()
			}
			actions = append(actions, Action{Kind: ActionAlert, TaskID: t.ID, Detail: map[string]any{"reason": "gate_timeout", "gate": t.Gate.Current}})
		}
		if t.Lease != nil && s.staleHeartbeat > 0 && !t.Lease.Expired(now) && now.Sub(t.Lease.AcquiredAt) > s.staleHeartbeat {
			actions = append(actions, Action{Kind: ActionStaleHeartbeat, TaskID: t.ID, Detail: map[string]any{"agent": t.Lease.Agent}})
		}
		if s.slaWarn > 0 && now.Sub(t.LastTransitionAt) > s.slaWarn {
			actions = append(actions, Action{Kind: ActionSLAViolation, TaskID: t.ID, Detail: map[string]any{"status": string(t.Status)}})
		}
	}

	// Step 6: dispatch planning, priority then createdAt.
	var candidates []*task.Task
	for _, t := range tasks {
		if t.Status != task.StatusReady || t.Quarantined {
			continue
		}
		if cycle, ok := dependencyCycle(t, byID); ok {
			actions = append(actions, Action{Kind: ActionBlock, TaskID: t.ID, Detail: map[string]any{"reason": "circular_dep", "cycle": cycle}})
			continue
		}
		if !dependenciesSatisfied(t, byID) {
			continue
		}
		if t.Resource != "" {
			if holder, held := occupied[t.Resource]; held && holder != t.ID {
				continue
			}
		}
		if tagConflict(t, inProgress) {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority.Rank() != candidates[j].Priority.Rank() {
			return candidates[i].Priority.Rank() < candidates[j].Priority.Rank()
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	// The concurrency counters are rebuilt from this cycle's snapshot, so a
	// task that left in-progress since the last poll no longer counts.
	s.throttle.InProgressTotal = len(inProgress)
	s.throttle.InProgressByTeam = make(map[string]int, len(inProgress))
	for _, t := range inProgress {
		s.throttle.InProgressByTeam[t.Routing.Team]++
	}

	dispatched := 0
	for _, t := range candidates {
		team := t.Routing.Team
		if reason := throttle.Check(s.limits, s.throttle, team, now, dispatched); reason != throttle.ReasonNone {
			continue
		}
		throttle.Record(s.throttle, team, now)
		if t.Resource != "" {
			occupied[t.Resource] = t.ID
		}
		dispatched++
		actions = append(actions, Action{Kind: ActionAssign, TaskID: t.ID, Detail: map[string]any{"agent": t.Routing.Agent, "team": team}})
	}

	active := make(map[string]bool, len(inProgress)+dispatched)
	for _, t := range inProgress {
		active[t.ID] = true
	}
	for _, act := range actions {
		if act.Kind == ActionAssign {
			active[act.TaskID] = true
		}
	}
	s.leases.Cleanup(active)

	// Step 7/8: ordered, crash-isolated action execution.
	s.execute(ctx, actions)

	return &PollResult{Actions: actions, Duration: time.Since(start)}, nil
}

// tagConflict generalizes single-resource exclusion beyond one resource
// string: a ready task whose routing tags overlap the tags of an
// in-progress task on the same team is held back from dispatch, guarding
// against two agents editing overlapping file globs concurrently.
func tagConflict(t *task.Task, inProgress []*task.Task) bool {
	if len(t.Routing.Tags) == 0 {
		return false
	}
	for _, other := range inProgress {
		if other.ID == t.ID || other.Routing.Team != t.Routing.Team {
			continue
		}
		if tagsOverlap(t.Routing.Tags, other.Routing.Tags) {
			return true
		}
	}
	return false
}

func tagsOverlap(a, b []string) bool {
	seen := make(map[string]struct{}, len(a))
	for _, tag := range a {
		seen[tag] = struct{}{}
	}
	for _, tag := range b {
		if _, ok := seen[tag]; ok {
			return true
		}
	}
	return false
}

// dependencyCycle walks t's dependsOn chain looking for a path that leads
// back to t itself. A cyclic dependency can never become satisfied, so
// dispatch planning blocks the task outright instead of leaving it ready
// forever (§4.5 step 6).
func dependencyCycle(t *task.Task, byID map[string]*task.Task) ([]string, bool) {
	visited := map[string]bool{}
	path := []string{t.ID}

	var walk func(id string) ([]string, bool)
	walk = func(id string) ([]string, bool) {
		d, ok := byID[id]
		if !ok {
			return nil, false
		}
		for _, dep := range d.DependsOn {
			if dep == t.ID {
				return append(append([]string{}, path...), dep), true
			}
			if visited[dep] {
				continue
			}
			visited[dep] = true
			path = append(path, dep)
			if cycle, found := walk(dep); found {
				return cycle, true
			}
			path = path[:len(path)-1]
		}
		return nil, false
	}
	return walk(t.ID)
}

func dependenciesSatisfied(t *task.Task, byID map[string]*task.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := byID[dep]
		if !ok {
			continue // orphan reference; Lint surfaces it, dispatch doesn't block on it
		}
		if d.Status != task.StatusDone {
			return false
		}
	}
	return true
}

// execute applies actions one at a time in the order planned, each isolated
// so a panic or error in one action's I/O never aborts the rest of the
// cycle (§4.5 step 8). An assign action whose task has failed dispatch
// maxDispatchFailures times in a row is deadlettered rather than retried.
func (s *Scheduler) execute(ctx context.Context, actions []Action) {
	var g errgroup.Group
	g.SetLimit(1)
	for i := range actions {
		act := &actions[i]
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return s.apply(ctx, act)
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("one or more poll actions failed", "error", err)
	}
}

func (s *Scheduler) apply(ctx context.Context, act *Action) error {
	switch act.Kind {
	case ActionExpireLease:
		return nil // already applied by ExpireStale during planning
	case ActionGateTimeout:
		return s.escalateGateTimeout(act)
	case ActionAlert, ActionStaleHeartbeat, ActionSLAViolation:
		s.emit(string(act.Kind), act.TaskID, act.Detail)
		return nil
	case ActionBlock:
		if _, err := s.store.Block(act.TaskID, fmt.Sprintf("%v", act.Detail["reason"])); err != nil {
			act.Err = err.Error()
			return err
		}
		s.emit("task.blocked", act.TaskID, act.Detail)
		return nil
	case ActionAssign:
		return s.dispatch(ctx, act)
	default:
		return fmt.Errorf("unknown action kind %q", act.Kind)
	}
}

// escalateGateTimeout applies a gate-timeout action. If the gate names an
// escalateTo role, routing.role is rewritten to it and a gate_timeout entry
// is appended to the task's gate history; GateEscalationsTotal is only
// incremented in that case. A gate with no escalateTo keeps its routing;
// only the gate_timeout event is emitted, next to the alert already queued
// alongside this action (§4.5 step 5).
func (s *Scheduler) escalateGateTimeout(act *Action) error {
	escalateTo, _ := act.Detail["escalateTo"].(string)
	if escalateTo == "" {
		s.emit("gate_timeout", act.TaskID, act.Detail)
		return nil
	}
	gateName, _ := act.Detail["gate"].(string)
	now := time.Now().UTC()

	_, err := s.store.Update(act.TaskID, func(t *task.Task) error {
		var entered time.Time
		if t.Gate != nil {
			entered = t.Gate.Entered
		}
		fromRole := t.Routing.Role
		t.Routing.Role = escalateTo
		t.GateHistory = append(t.GateHistory, task.GateTransition{
			FromGate: gateName,
			ToGate:   gateName,
			Outcome:  task.OutcomeTimeout,
			Entered:  entered,
			Exited:   now,
			Duration: now.Sub(entered),
			Summary:  fmt.Sprintf("escalated from %s to %s on gate timeout", fromRole, escalateTo),
		})
		return nil
	})
	if err != nil {
		act.Err = err.Error()
		return err
	}
	if s.metrics != nil {
		s.metrics.GateEscalationsTotal.WithLabelValues(gateName).Inc()
	}
	s.emit("gate_timeout", act.TaskID, act.Detail)
	return nil
}

// dispatch applies an assign action: acquire the lease, transition the task
// into in-progress, start its renewal timer, then spawn the agent. The
// scheduler does not wait for anything beyond the spawned run's own
// synchronous Executor.Run call to settle the action; a failed run releases
// the lease and reverts the task to ready rather than leaving it stranded
// in-progress, and only deadletters once the task has failed dispatch
// maxDispatchFailures times in a row (§4.5 step 7, §4.6).
func (s *Scheduler) dispatch(ctx context.Context, act *Action) error {
	t, err := s.store.Get(act.TaskID)
	if err != nil {
		act.Err = err.Error()
		return err
	}
	agent, _ := act.Detail["agent"].(string)

	if _, err := s.leases.Acquire(t.ID, agent, 0); err != nil {
		act.Err = err.Error()
		return err
	}
	if _, err := s.store.Transition(t.ID, task.StatusInProgress, task.TransitionOptions{Agent: agent}); err != nil {
		_ = s.leases.Release(t.ID, agent)
		act.Err = err.Error()
		return err
	}
	s.leases.StartRenewal(t.ID, agent, 0)

	run := &AgentRun{ID: uuid.New().String(), TaskID: t.ID, Agent: agent, AgentType: t.Routing.Role, Status: RunStatusRunning, StartedAt: time.Now().UTC()}
	if err := writeRun(s.root, run); err != nil {
		s.logger.Warn("failed to record agent run", "task", t.ID, "error", err)
	}

	result, err := s.breaker.Execute(func() (executor.RunResult, error) {
		return s.exec.Run(ctx, executor.RunRequest{
			TaskID:    t.ID,
			AgentType: t.Routing.Role,
			Agent:     agent,
			WorkDir:   filepath.Join(s.root, "artifacts", t.ID),
			Prompt:    t.Body,
		})
	})
	run.EndedAt = time.Now().UTC()
	if err != nil {
		act.Err = err.Error()
		run.Status, run.Error = RunStatusFailed, err.Error()
		_ = writeRun(s.root, run)
		if s.metrics != nil {
			s.metrics.DispatchFailuresTotal.Inc()
		}

		s.leases.StopRenewal(t.ID)
		_ = s.leases.Release(t.ID, agent)
		if _, rerr := s.store.Transition(t.ID, task.StatusReady, task.TransitionOptions{Reason: "dispatch failed: " + err.Error()}); rerr != nil {
			s.logger.Warn("failed to revert task to ready after dispatch failure", "task", t.ID, "error", rerr)
		}
		s.emit("dispatch.failed", t.ID, map[string]any{"agent": agent, "error": err.Error()})

		if s.recordDispatchFailure(t.ID) >= s.maxDispatchFailures {
			s.clearDispatchFailures(t.ID)
			s.deadletter(act.TaskID, "dispatch_failed", err)
		}
		return err
	}

	s.clearDispatchFailures(t.ID)
	run.Status, run.Output = RunStatusSucceeded, result.Output
	_ = writeRun(s.root, run)
	s.emit("task.dispatched", t.ID, map[string]any{"agent": agent, "success": result.Success})
	return nil
}

func (s *Scheduler) recordDispatchFailure(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchFailures[taskID]++
	return s.dispatchFailures[taskID]
}

func (s *Scheduler) clearDispatchFailures(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dispatchFailures, taskID)
}

// deadletter persists a failed action to <root>/state/deadletter for
// operator triage; it never blocks the poll cycle on its own failure.
func (s *Scheduler) deadletter(taskID, reason string, cause error) {
	dir := filepath.Join(s.root, "state", "deadletter")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Error("failed to create deadletter dir", "error", err)
		return
	}
	record := map[string]any{
		"taskId": taskID, "reason": reason, "error": cause.Error(), "at": time.Now().UTC(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.json", taskID, time.Now().UTC().UnixNano()))
	_ = os.WriteFile(path, raw, 0o644)
	s.emit("task.deadlettered", taskID, record)
}

func (s *Scheduler) emit(eventType, taskID string, detail map[string]any) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Append(eventType, taskID, detail); err != nil {
		s.logger.Warn("failed to append event", "type", eventType, "error", err)
	}
}
