package task

import "fmt"

// ComputeBlockedReason derives a human-facing explanation for a blocked
// task from its recorded transition reason, review context, and unmet
// dependencies. It is a computed, non-persisted field surfaced alongside
// a task listing, not a new invariant.
func ComputeBlockedReason(t *Task, byID map[string]*Task) string {
	if t.Status != StatusBlocked {
		return ""
	}
	if reason := t.Metadata["lastTransitionReason"]; reason != "" {
		return reason
	}
	if t.ReviewContext != nil && t.ReviewContext.Notes != "" {
		return fmt.Sprintf("rejected at %s: %s", t.ReviewContext.FromGate, t.ReviewContext.Notes)
	}
	for _, dep := range t.DependsOn {
		if d, ok := byID[dep]; ok && d.Status != StatusDone {
			return fmt.Sprintf("waiting on dependency %s (%s)", dep, d.Status)
		}
	}
	return "blocked"
}

// ComputeCreationContext derives a human-facing note on why/how a task
// entered the pipeline — standalone, a subtask of a parent, or part of a
// dependency chain — the analogue of Ticket.ComputeCreationContext.
func ComputeCreationContext(t *Task, byID map[string]*Task) string {
	switch {
	case t.ParentID != "":
		if parent, ok := byID[t.ParentID]; ok {
			return fmt.Sprintf("subtask of %s (%s)", t.ParentID, parent.Title)
		}
		return fmt.Sprintf("subtask of %s", t.ParentID)
	case len(t.DependsOn) > 0:
		return fmt.Sprintf("depends on %d task(s)", len(t.DependsOn))
	default:
		return "standalone"
	}
}
