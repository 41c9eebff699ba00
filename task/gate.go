package task

import (
	"fmt"
	"time"
)

// GateDecision is the pure output of Evaluate: what should happen to a
// task as a result of reporting outcome at its current gate. Evaluate
// never mutates the task itself; the tool-contract layer applies the
// decision through Store.Update / Store.Transition so that every gate
// crossing still goes through the same atomic-rewrite path as any other
// edit (§4.3, §4.6).
type GateDecision struct {
	Transition GateTransition
	NextGate   string // "" once the pipeline is exhausted
	NextStatus Status
	ReviewCtx  *ReviewContext // set only when outcome is a rejection (needs_review)
}

// Evaluate is the pure gate-evaluator function: (task, workflow,
// outcome, callerRole) -> transition decision.
func Evaluate(t *Task, wf *Workflow, outcome GateOutcome, callerRole string, notes string, blockers []string, now time.Time) (*GateDecision, error) {
	if t.Gate == nil {
		return nil, fmt.Errorf("%w: task %s has no active gate", ErrInvalidGate, t.ID)
	}
	idx := wf.Index(t.Gate.Current)
	if idx == -1 {
		return nil, fmt.Errorf("%w: gate %q not found in workflow %q", ErrInvalidGate, t.Gate.Current, wf.Name)
	}
	gate := wf.Gates[idx]

	if !roleAuthorized(gate.Roles, callerRole) {
		return nil, fmt.Errorf("%w: role %q may not report outcomes at gate %q", ErrUnauthorized, callerRole, gate.Name)
	}

	entered := t.Gate.Entered
	base := GateTransition{
		FromGate: gate.Name,
		Outcome:  outcome,
		Entered:  entered,
		Exited:   now,
		Duration: now.Sub(entered),
		Summary:  notes,
		Blockers: blockers,
	}

	switch outcome {
	case OutcomeComplete:
		nextName, skipped, more := nextEligibleGate(wf, idx, t)
		base.ToGate = nextName
		base.SkippedGates = skipped
		if !more {
			return &GateDecision{Transition: base, NextGate: "", NextStatus: StatusReview}, nil
		}
		return &GateDecision{Transition: base, NextGate: nextName, NextStatus: StatusInProgress}, nil

	case OutcomeBlocked:
		base.ToGate = gate.Name
		return &GateDecision{Transition: base, NextGate: gate.Name, NextStatus: StatusBlocked}, nil

	case OutcomeNeedsReview:
		if !gate.CanReject {
			return nil, fmt.Errorf("%w: gate %q is not configured to accept rejections", ErrRejectionNotAllowed, gate.Name)
		}
		dest, err := rejectionDestination(wf, idx, gate)
		if err != nil {
			return nil, err
		}
		base.ToGate = dest
		return &GateDecision{
			Transition: base,
			NextGate:   dest,
			NextStatus: StatusInProgress,
			ReviewCtx: &ReviewContext{
				FromGate: gate.Name,
				FromRole: callerRole,
				Notes:    notes,
				Blockers: blockers,
			},
		}, nil

	default:
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrInvalidGate, outcome)
	}
}

func roleAuthorized(allowed []string, role string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// nextEligibleGate walks forward from idx+1, skipping gates whose `when`
// predicate evaluates false, and returns the first eligible gate's name,
// the names skipped along the way, and whether one was found at all.
func nextEligibleGate(wf *Workflow, idx int, t *Task) (string, []string, bool) {
	var skipped []string
	for i := idx + 1; i < len(wf.Gates); i++ {
		g := wf.Gates[i]
		ok, err := evalWhen(g.When, t)
		if err != nil || !ok {
			skipped = append(skipped, g.Name)
			continue
		}
		return g.Name, skipped, true
	}
	return "", skipped, false
}

// rejectionDestination resolves where a needs_review outcome routes the
// task back to, per the gate's RejectionStrategy (§4.3 rule 5): "origin"
// sends it all the way back to the first gate in the workflow, "previous"
// (the default) sends it back one gate. A gate with no previous gate and
// strategy "previous" cannot reject.
func rejectionDestination(wf *Workflow, idx int, gate GateDef) (string, error) {
	strategy := gate.RejectionStrategy
	if strategy == "" {
		strategy = "previous"
	}
	switch strategy {
	case "origin":
		if len(wf.Gates) == 0 {
			return "", fmt.Errorf("%w: workflow %q has no gates", ErrInvalidGate, wf.Name)
		}
		return wf.Gates[0].Name, nil
	case "previous":
		if idx == 0 {
			return "", fmt.Errorf("%w: gate %q has no previous gate to reject to", ErrRejectionNotAllowed, gate.Name)
		}
		return wf.Gates[idx-1].Name, nil
	default:
		return "", fmt.Errorf("%w: unknown rejection strategy %q on gate %q", ErrInvalidGate, strategy, gate.Name)
	}
}

// TimedOut reports whether the task has sat at its current gate longer
// than that gate's configured timeout (§4.5 step 5: gate timeout sweep).
// A zero timeout means the gate never times out.
func TimedOut(t *Task, wf *Workflow, now time.Time) bool {
	if t.Gate == nil {
		return false
	}
	gate, ok := wf.Gate(t.Gate.Current)
	if !ok || gate.Timeout <= 0 {
		return false
	}
	return now.Sub(t.Gate.Entered) > gate.Timeout
}
