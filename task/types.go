// Package task implements the file-backed task store and status model for
// the Agentic Operations Fabric: tasks persisted as front-mattered markdown
// under a status-named directory tree, guarded transitions between statuses,
// leases, and the gate evaluator that drives a task through a workflow.
package task

import "time"

// Status is the lifecycle stage of a task. The directory a task's markdown
// file lives in must always equal its Status.
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in-progress"
	StatusBlocked    Status = "blocked"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
)

// allStatuses enumerates every status directory the store manages, in a
// fixed, stable order used for directory creation and enumeration.
var allStatuses = []Status{
	StatusBacklog, StatusReady, StatusInProgress, StatusBlocked, StatusReview, StatusDone,
}

// Priority orders ready tasks for dispatch (critical first).
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// priorityRank gives a lower-is-first ordering used by the scheduler's
// dispatch-candidate sort (§4.5 step 6: critical > high > normal > low).
var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:      1,
	PriorityNormal:    2,
	PriorityLow:       3,
}

// Rank returns the dispatch-order rank of a priority; unknown priorities
// sort after every known one.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Routing carries the workflow/team/role/agent binding and free-form tags
// consulted by the gate evaluator's `when` predicates and by the scheduler's
// dispatch planning.
type Routing struct {
	Workflow string   `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	Team     string   `yaml:"team,omitempty" json:"team,omitempty"`
	Role     string   `yaml:"role,omitempty" json:"role,omitempty"`
	Agent    string   `yaml:"agent,omitempty" json:"agent,omitempty"`
	Tags     []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Lease is a time-bounded single-writer claim on a task.
type Lease struct {
	Agent        string    `yaml:"agent" json:"agent"`
	AcquiredAt   time.Time `yaml:"acquiredAt" json:"acquiredAt"`
	ExpiresAt    time.Time `yaml:"expiresAt" json:"expiresAt"`
	RenewalCount int       `yaml:"renewalCount" json:"renewalCount"`
}

// Expired reports whether the lease is expired at the given instant. The
// interval is closed on the right: expiresAt == now is expired.
func (l *Lease) Expired(now time.Time) bool {
	if l == nil {
		return true
	}
	return !now.Before(l.ExpiresAt)
}

// GateState is the task's position within its workflow.
type GateState struct {
	Current string    `yaml:"current" json:"current"`
	Entered time.Time `yaml:"entered" json:"entered"`
}

// GateOutcome is the result a caller reports when exiting a gate.
type GateOutcome string

const (
	OutcomeComplete    GateOutcome = "complete"
	OutcomeNeedsReview GateOutcome = "needs_review"
	OutcomeBlocked     GateOutcome = "blocked"

	// OutcomeTimeout marks a history entry recorded automatically when a
	// gate's timeout fires and escalates routing.role, rather than one
	// reported by a caller.
	OutcomeTimeout GateOutcome = "gate_timeout"
)

// GateTransition is one completed entry in a task's gate history (§3).
type GateTransition struct {
	FromGate      string        `yaml:"fromGate" json:"fromGate"`
	ToGate        string        `yaml:"toGate,omitempty" json:"toGate,omitempty"`
	Outcome       GateOutcome   `yaml:"outcome" json:"outcome"`
	Entered       time.Time     `yaml:"entered" json:"entered"`
	Exited        time.Time     `yaml:"exited" json:"exited"`
	Duration      time.Duration `yaml:"duration" json:"duration"`
	Summary       string        `yaml:"summary,omitempty" json:"summary,omitempty"`
	Blockers      []string      `yaml:"blockers,omitempty" json:"blockers,omitempty"`
	SkippedGates  []string      `yaml:"skippedGates,omitempty" json:"skippedGates,omitempty"`
}

// ReviewContext is stamped on a task when a rejection routes it back to an
// earlier gate under the `origin` rejection strategy (§4.3 rule 5).
type ReviewContext struct {
	FromGate string   `yaml:"fromGate" json:"fromGate"`
	FromRole string   `yaml:"fromRole" json:"fromRole"`
	Notes    string   `yaml:"notes,omitempty" json:"notes,omitempty"`
	Blockers []string `yaml:"blockers,omitempty" json:"blockers,omitempty"`
}

// Task is the fundamental unit scheduled through the gate pipeline (§3).
type Task struct {
	SchemaVersion int    `yaml:"schemaVersion" json:"schemaVersion"`
	ID            string `yaml:"id" json:"id" validate:"required"`
	Project       string `yaml:"project" json:"project" validate:"required"`
	Title         string `yaml:"title" json:"title" validate:"required"`
	Body          string `yaml:"-" json:"body,omitempty"` // markdown body, stored after the front-matter fence

	Status   Status   `yaml:"status" json:"status" validate:"required"`
	Priority Priority `yaml:"priority" json:"priority" validate:"required"`
	Routing  Routing  `yaml:"routing" json:"routing"`

	DependsOn []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	ParentID  string   `yaml:"parentId,omitempty" json:"parentId,omitempty"`
	Resource  string   `yaml:"resource,omitempty" json:"resource,omitempty"`

	Lease *Lease `yaml:"lease,omitempty" json:"lease,omitempty"`

	Gate        *GateState       `yaml:"gate,omitempty" json:"gate,omitempty"`
	GateHistory []GateTransition `yaml:"gateHistory,omitempty" json:"gateHistory,omitempty"`

	ReviewContext *ReviewContext `yaml:"reviewContext,omitempty" json:"reviewContext,omitempty"`

	CreatedAt        time.Time `yaml:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time `yaml:"updatedAt" json:"updatedAt"`
	LastTransitionAt time.Time `yaml:"lastTransitionAt" json:"lastTransitionAt"`
	CreatedBy        string    `yaml:"createdBy" json:"createdBy"`

	Metadata map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// Quarantined marks a task that failed structural validation on load; it
	// is kept in place but excluded from scheduling (§7).
	Quarantined bool `yaml:"-" json:"quarantined,omitempty"`

	// extra preserves front-matter fields the store doesn't model, so
	// rewriting a task never silently drops unknown data (§6).
	extra map[string]any `yaml:"-" json:"-"`
}

// IsTerminal reports whether the status accepts no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusDone
}

// CreateParams are the caller-supplied fields for Store.Create.
type CreateParams struct {
	Title        string
	Body         string
	Priority     Priority
	Routing      Routing
	DependsOn    []string
	ParentID     string
	Resource     string
	Metadata     map[string]string
	CreatedBy    string
}

// TransitionOptions are the caller-supplied fields for Store.Transition.
type TransitionOptions struct {
	Agent  string
	Reason string
}

// Issue is a single structural problem found by Store.Lint.
type Issue struct {
	Kind     string `json:"kind"` // misplaced_file, status_mismatch, duplicate_id, orphan_ref, invalid_markdown, io_error, schema_violation
	TaskID   string `json:"taskId,omitempty"`
	Path     string `json:"path,omitempty"`
	Detail   string `json:"detail"`
}
