// Package permission implements the role-derived Store access guard:
// a thin wrapper that authorizes each mutating Store call against a role's
// policy before delegating, and denies opaquely (ErrPermissionDenied)
// otherwise. Read operations are never gated; only mutation is (§4.8).
package permission

import (
	"fmt"
	"log/slog"

	"github.com/arctek/aof/task"
)

// Action names one kind of Store mutation a policy can allow or deny.
type Action string

const (
	ActionCreate        Action = "create"
	ActionTransition     Action = "transition"
	ActionUpdate         Action = "update"
	ActionCancel         Action = "cancel"
	ActionBlock          Action = "block"
	ActionUnblock        Action = "unblock"
	ActionDelete         Action = "delete"
	ActionAddDep         Action = "add_dep"
	ActionRemoveDep      Action = "remove_dep"
	ActionWriteArtifact  Action = "write_artifact"
)

// Policy maps a role to the set of actions it may perform. The wildcard
// role "*" is consulted for any role not explicitly listed, and the
// wildcard action "*" within a role's set grants every action.
type Policy map[string]map[Action]bool

// Allow reports whether role may perform action under p.
func (p Policy) Allow(role string, action Action) bool {
	if rules, ok := p[role]; ok {
		if rules[Action("*")] || rules[action] {
			return true
		}
	}
	if rules, ok := p["*"]; ok {
		if rules[Action("*")] || rules[action] {
			return true
		}
	}
	return false
}

// Guard binds a Policy to an underlying task.Store.
type Guard struct {
	inner  task.Store
	policy Policy
	logger *slog.Logger
}

// New constructs a Guard.
func New(inner task.Store, policy Policy, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{inner: inner, policy: policy, logger: logger}
}

// As returns a task.Store view scoped to role: every mutating call is
// checked against the guard's policy before being delegated to the
// underlying store; reads pass straight through.
func (g *Guard) As(role string) task.Store {
	return &roleStore{guard: g, role: role}
}

type roleStore struct {
	guard *Guard
	role  string
}

func (r *roleStore) authorize(action Action) error {
	if r.guard.policy.Allow(r.role, action) {
		return nil
	}
	r.guard.logger.Warn("permission denied", "role", r.role, "action", action)
	return fmt.Errorf("%w: role %q may not %s", task.ErrPermissionDenied, r.role, action)
}

func (r *roleStore) Create(p task.CreateParams) (*task.Task, error) {
	if err := r.authorize(ActionCreate); err != nil {
		return nil, err
	}
	return r.guard.inner.Create(p)
}

func (r *roleStore) Get(id string) (*task.Task, error) { return r.guard.inner.Get(id) }

func (r *roleStore) GetByPrefix(prefix string) (*task.Task, error) {
	return r.guard.inner.GetByPrefix(prefix)
}

func (r *roleStore) List(filter task.ListFilter) ([]*task.Task, error) {
	return r.guard.inner.List(filter)
}

func (r *roleStore) CountByStatus() (map[task.Status]int, error) {
	return r.guard.inner.CountByStatus()
}

func (r *roleStore) Transition(id string, to task.Status, opts task.TransitionOptions) (*task.Task, error) {
	if err := r.authorize(ActionTransition); err != nil {
		return nil, err
	}
	return r.guard.inner.Transition(id, to, opts)
}

func (r *roleStore) UpdateBody(id string, body string) (*task.Task, error) {
	if err := r.authorize(ActionUpdate); err != nil {
		return nil, err
	}
	return r.guard.inner.UpdateBody(id, body)
}

func (r *roleStore) Update(id string, patch func(*task.Task) error) (*task.Task, error) {
	if err := r.authorize(ActionUpdate); err != nil {
		return nil, err
	}
	return r.guard.inner.Update(id, patch)
}

func (r *roleStore) Cancel(id string, reason string) (*task.Task, error) {
	if err := r.authorize(ActionCancel); err != nil {
		return nil, err
	}
	return r.guard.inner.Cancel(id, reason)
}

func (r *roleStore) Block(id string, reason string) (*task.Task, error) {
	if err := r.authorize(ActionBlock); err != nil {
		return nil, err
	}
	return r.guard.inner.Block(id, reason)
}

func (r *roleStore) Unblock(id string) (*task.Task, error) {
	if err := r.authorize(ActionUnblock); err != nil {
		return nil, err
	}
	return r.guard.inner.Unblock(id)
}

func (r *roleStore) Delete(id string) error {
	if err := r.authorize(ActionDelete); err != nil {
		return err
	}
	return r.guard.inner.Delete(id)
}

func (r *roleStore) AddDep(id, blockerID string) error {
	if err := r.authorize(ActionAddDep); err != nil {
		return err
	}
	return r.guard.inner.AddDep(id, blockerID)
}

func (r *roleStore) RemoveDep(id, blockerID string) error {
	if err := r.authorize(ActionRemoveDep); err != nil {
		return err
	}
	return r.guard.inner.RemoveDep(id, blockerID)
}

func (r *roleStore) WriteArtifact(id, filename string, content []byte) error {
	if err := r.authorize(ActionWriteArtifact); err != nil {
		return err
	}
	return r.guard.inner.WriteArtifact(id, filename, content)
}

func (r *roleStore) Lint() ([]task.Issue, error) { return r.guard.inner.Lint() }
