// Package tools implements the agent-facing tool contract (§4.6): the
// four operations agents actually call — dispatch, task_update,
// task_complete, status_report — each enforcing the lifecycle invariants
// the lower-level Store/LeaseManager/Gate evaluator leave to the caller.
package tools

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/arctek/aof/internal/eventlog"
	"github.com/arctek/aof/internal/permission"
	"github.com/arctek/aof/internal/supervisor"
	"github.com/arctek/aof/task"
)

// Contract is the agent-facing API surface backing the fabric's tool
// calls. It never bypasses Store: every operation here is a sequencing of
// Store/LeaseManager/Gate-evaluator calls, not a parallel write path. When
// guard is set, every mutating call is additionally authorized against the
// caller's role (§4.8) before it reaches the store.
type Contract struct {
	store      task.Store
	guard      *permission.Guard
	leases     *task.LeaseManager
	workflows  map[string]*task.Workflow
	events     *eventlog.Logger
	supervisor *supervisor.Supervisor
	logger     *slog.Logger
}

// New constructs a Contract. supervisor may be nil (e.g. in tests that
// don't need message-triggered polling); guard may be nil to skip
// role-based authorization (e.g. in tests exercising gate logic directly).
func New(store task.Store, guard *permission.Guard, leases *task.LeaseManager, workflows map[string]*task.Workflow, events *eventlog.Logger, sv *supervisor.Supervisor, logger *slog.Logger) *Contract {
	if logger == nil {
		logger = slog.Default()
	}
	return &Contract{store: store, guard: guard, leases: leases, workflows: workflows, events: events, supervisor: sv, logger: logger}
}

// storeAs returns the store view a call acting as role should use: guarded
// if a Guard was configured, the bare store otherwise.
func (c *Contract) storeAs(role string) task.Store {
	if c.guard != nil {
		return c.guard.As(role)
	}
	return c.store
}

// Dispatch assigns a ready task to agent: it acquires the lease, enters
// the workflow's first gate if the task has none yet, and transitions the
// task to in-progress. This is the manual counterpart to the scheduler's
// own automatic assign action (§4.5 step 7) — both paths converge on the
// same Store calls.
func (c *Contract) Dispatch(taskID, agent, callerRole string, ttl time.Duration) (*task.Task, error) {
	t, err := c.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusReady {
		return nil, fmt.Errorf("%w: task %s is %s, not ready", task.ErrInvalidTransition, taskID, t.Status)
	}

	if _, err := c.leases.Acquire(taskID, agent, ttl); err != nil {
		return nil, err
	}

	store := c.storeAs(callerRole)
	if t.Gate == nil {
		wf, ok := c.workflows[t.Routing.Workflow]
		if !ok || len(wf.Gates) == 0 {
			return nil, fmt.Errorf("%w: unknown workflow %q", task.ErrInvalidGate, t.Routing.Workflow)
		}
		if _, err := store.Update(taskID, func(t *task.Task) error {
			t.Gate = &task.GateState{Current: wf.Gates[0].Name, Entered: time.Now().UTC()}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	result, err := store.Transition(taskID, task.StatusInProgress, task.TransitionOptions{Agent: agent, Reason: "dispatched"})
	if err != nil {
		return nil, err
	}
	c.emit("task.dispatched", taskID, map[string]any{"agent": agent})
	c.notifyScheduler()
	return result, nil
}

// TaskUpdate lets the current lease holder record progress without
// touching status or gate (§4.6): a non-empty body replaces the task's
// body, and metadata keys are merged into its metadata. It also
// renews the lease, since an update is itself a heartbeat.
func (c *Contract) TaskUpdate(taskID, agent, callerRole, body string, metadata map[string]string) (*task.Task, error) {
	t, err := c.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if t.Lease == nil || t.Lease.Agent != agent {
		return nil, fmt.Errorf("%w: %s does not hold the lease on %s", task.ErrPermissionDenied, agent, taskID)
	}

	result, err := c.storeAs(callerRole).Update(taskID, func(t *task.Task) error {
		if body != "" {
			t.Body = body
		}
		for k, v := range metadata {
			if t.Metadata == nil {
				t.Metadata = map[string]string{}
			}
			t.Metadata[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := c.leases.Renew(taskID, agent, 0); err != nil {
		c.logger.Warn("lease renewal during task_update failed", "task", taskID, "error", err)
	}
	c.emit("task.updated", taskID, map[string]any{"agent": agent})
	return result, nil
}

// TaskComplete is the composite lifecycle path that reports a gate
// outcome and applies whatever follows from it (§4.6): advancing to the
// next gate, routing a rejection back, blocking, or — once every gate has
// been passed and a final review approves — transitioning review to done.
// Store.Transition refuses the direct in-progress->done edge, so a task
// reaches done only by way of review; this final-review branch is the
// contract's path over the review->done edge.
func (c *Contract) TaskComplete(taskID, agent, callerRole string, outcome task.GateOutcome, notes string, blockers []string) (*task.Task, error) {
	t, err := c.store.Get(taskID)
	if err != nil {
		return nil, err
	}

	// A task that has passed every gate sits in review with no lease to
	// hold (TaskComplete released it on entering review); approving it is a
	// reviewer action, not the original agent's, so no lease check applies.
	if t.Status == task.StatusReview && t.Gate == nil {
		if outcome != task.OutcomeComplete {
			return nil, fmt.Errorf("%w: final review only accepts outcome=complete", task.ErrInvalidGate)
		}
		result, err := c.storeAs(callerRole).Transition(taskID, task.StatusDone, task.TransitionOptions{Agent: agent, Reason: "final review approved"})
		if err != nil {
			return nil, err
		}
		c.emit("task.completed", taskID, map[string]any{"agent": agent})
		c.notifyScheduler()
		return result, nil
	}

	if t.Lease == nil || t.Lease.Agent != agent {
		return nil, fmt.Errorf("%w: %s does not hold the lease on %s", task.ErrPermissionDenied, agent, taskID)
	}

	wf, ok := c.workflows[t.Routing.Workflow]
	if !ok {
		return nil, fmt.Errorf("%w: unknown workflow %q", task.ErrInvalidGate, t.Routing.Workflow)
	}
	decision, err := task.Evaluate(t, wf, outcome, callerRole, notes, blockers, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	store := c.storeAs(callerRole)
	result, err := store.Update(taskID, func(t *task.Task) error {
		t.GateHistory = append(t.GateHistory, decision.Transition)
		if decision.NextGate == "" {
			t.Gate = nil
		} else {
			t.Gate = &task.GateState{Current: decision.NextGate, Entered: time.Now().UTC()}
		}
		t.ReviewContext = decision.ReviewCtx
		return nil
	})
	if err != nil {
		return nil, err
	}

	result, err = store.Transition(taskID, decision.NextStatus, task.TransitionOptions{Agent: agent, Reason: fmt.Sprintf("gate outcome: %s", outcome)})
	if err != nil {
		return nil, err
	}
	if decision.NextStatus == task.StatusReview {
		// Pipeline exhausted: the agent's work is done pending final review,
		// so it releases the task rather than holding it idle.
		_ = c.leases.Release(taskID, agent)
	}
	c.emit("gate.transitioned", taskID, map[string]any{"fromGate": decision.Transition.FromGate, "toGate": decision.NextGate, "outcome": outcome})
	c.notifyScheduler()
	return result, nil
}

// StatusReport returns a human-facing snapshot: task counts by status and
// the most recent events. The supervisor's /aof/status endpoint does not
// serve the recent events.
type StatusReport struct {
	CountsByStatus map[task.Status]int  `json:"countsByStatus"`
	RecentEvents   []eventlog.Event     `json:"recentEvents"`
}

// StatusReport produces a StatusReport, tailing up to eventLimit recent
// events.
func (c *Contract) StatusReport(eventLimit int) (*StatusReport, error) {
	counts, err := c.store.CountByStatus()
	if err != nil {
		return nil, err
	}
	var events []eventlog.Event
	if c.events != nil {
		events, err = c.events.Tail(eventLimit)
		if err != nil {
			return nil, err
		}
	}
	return &StatusReport{CountsByStatus: counts, RecentEvents: events}, nil
}

func (c *Contract) emit(eventType, taskID string, detail map[string]any) {
	if c.events == nil {
		return
	}
	if _, err := c.events.Append(eventType, taskID, detail); err != nil {
		c.logger.Warn("failed to append event", "type", eventType, "error", err)
	}
}

func (c *Contract) notifyScheduler() {
	if c.supervisor != nil {
		c.supervisor.Notify()
	}
}
