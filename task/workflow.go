package task

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GateDef is one stage of a Workflow (§4.3). Roles lists who may report an
// outcome for this gate; When, if set, is evaluated against the task and,
// when false, the gate is skipped entirely (its name appended to the
// transition's SkippedGates rather than recorded as a visited gate).
type GateDef struct {
	Name              string        `yaml:"name"`
	Roles             []string      `yaml:"roles"`
	Timeout           time.Duration `yaml:"timeout"`
	When              string        `yaml:"when,omitempty"`
	RejectionStrategy string        `yaml:"rejectionStrategy,omitempty"` // "origin" or "previous" (default)
	CanReject         bool          `yaml:"canReject"`                   // whether needs_review is a legal outcome at this gate
	EscalateTo        string        `yaml:"escalateTo,omitempty"`        // role that takes over routing.role on gate timeout
}

// Workflow is an ordered pipeline of gates a task's routing.workflow field
// selects (§4.3, §6).
type Workflow struct {
	Name  string    `yaml:"name"`
	Gates []GateDef `yaml:"gates"`
}

// LoadWorkflow reads and parses a workflow definition file.
func LoadWorkflow(path string) (*Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read workflow %s: %v", ErrIO, path, err)
	}
	var wf Workflow
	if err := yaml.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("%w: parse workflow %s: %v", ErrIO, path, err)
	}
	if len(wf.Gates) == 0 {
		return nil, fmt.Errorf("%w: workflow %s defines no gates", ErrInvalidGate, path)
	}
	return &wf, nil
}

// Gate returns the named gate definition, if present.
func (wf *Workflow) Gate(name string) (GateDef, bool) {
	for _, g := range wf.Gates {
		if g.Name == name {
			return g, true
		}
	}
	return GateDef{}, false
}

// Index returns the position of the named gate in the pipeline, or -1.
func (wf *Workflow) Index(name string) int {
	for i, g := range wf.Gates {
		if g.Name == name {
			return i
		}
	}
	return -1
}

// evalWhen evaluates a gate's `when` predicate against a task's routing.
// The grammar is deliberately small (§4.3): a `&&`/`||`-joined list of
// terms `field op "value"` over {tags, role, team, priority}, with `!`
// negating an individual term. `tags has "x"` tests membership; `==`/`!=`
// compare the field's string value directly. An empty expression is
// vacuously true (the gate always runs).
func evalWhen(expr string, t *Task) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	if strings.Contains(expr, "||") {
		for _, part := range strings.Split(expr, "||") {
			ok, err := evalWhen(part, t)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	if strings.Contains(expr, "&&") {
		for _, part := range strings.Split(expr, "&&") {
			ok, err := evalWhen(part, t)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
	return evalTerm(strings.TrimSpace(expr), t)
}

func evalTerm(term string, t *Task) (bool, error) {
	negate := false
	if strings.HasPrefix(term, "!") {
		negate = true
		term = strings.TrimSpace(term[1:])
	}

	var field, op, value string
	switch {
	case strings.Contains(term, "=="):
		parts := strings.SplitN(term, "==", 2)
		field, op, value = strings.TrimSpace(parts[0]), "==", strings.TrimSpace(parts[1])
	case strings.Contains(term, "!="):
		parts := strings.SplitN(term, "!=", 2)
		field, op, value = strings.TrimSpace(parts[0]), "!=", strings.TrimSpace(parts[1])
	case strings.Contains(term, " has "):
		parts := strings.SplitN(term, " has ", 2)
		field, op, value = strings.TrimSpace(parts[0]), "has", strings.TrimSpace(parts[1])
	default:
		return false, fmt.Errorf("%w: unparseable when-expression term %q", ErrInvalidGate, term)
	}
	value = strings.Trim(value, `"`)

	var result bool
	switch field {
	case "tags":
		if op != "has" {
			return false, fmt.Errorf("%w: tags only supports `has`, got %q", ErrInvalidGate, op)
		}
		for _, tag := range t.Routing.Tags {
			if tag == value {
				result = true
				break
			}
		}
	case "role":
		result = compareString(t.Routing.Role, op, value)
	case "team":
		result = compareString(t.Routing.Team, op, value)
	case "priority":
		result = compareString(string(t.Priority), op, value)
	default:
		return false, fmt.Errorf("%w: unknown when-expression field %q", ErrInvalidGate, field)
	}

	if negate {
		result = !result
	}
	return result, nil
}

func compareString(actual, op, value string) bool {
	if op == "!=" {
		return actual != value
	}
	return actual == value
}
