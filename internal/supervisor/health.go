package supervisor

import (
	"fmt"

	"github.com/arctek/aof/task"
)

// Status is the fabric's overall health classification (§9 supplemented
// feature: a read-only analytic surfaced at GET /aof/status, not a new
// scheduling invariant).
type Status string

const (
	StatusStable       Status = "stable"
	StatusThrashing    Status = "thrashing"
	StatusReworking    Status = "reworking"
	StatusAccumulating Status = "accumulating"
	StatusStalled      Status = "stalled"
)

// SystemHealth summarizes the fabric's task tree for human operators.
type SystemHealth struct {
	Status           Status   `json:"status"`
	Label            string   `json:"label"`
	Message          string   `json:"message"`
	BlockedCount     int      `json:"blockedCount"`
	ActiveCount      int      `json:"activeCount"`
	BlockedRatio     float64  `json:"blockedRatio"`
	ReworkRate       float64  `json:"reworkRate"`
	ThrashingTasks   []string `json:"thrashingTasks"`
}

// ComputeSystemHealth derives a SystemHealth summary from status counts
// alone (coarse) when the full task list isn't available; call
// ComputeSystemHealthFromTasks for the rework/thrashing detail.
func ComputeSystemHealth(counts map[task.Status]int) *SystemHealth {
	blocked := counts[task.StatusBlocked]
	active := counts[task.StatusInProgress] + counts[task.StatusReview]
	return summarize(blocked, active, 0, 0, nil)
}

// ComputeSystemHealthFromTasks analyzes the full task set, including each
// task's gate history, to additionally detect rework and thrashing: a
// task whose gate history shows the same gate entered 3+ times is
// thrashing; a task whose history contains any needs_review outcome
// counts toward rework.
func ComputeSystemHealthFromTasks(tasks []*task.Task) *SystemHealth {
	var blocked, active, reworked int
	var thrashingTasks []string

	for _, t := range tasks {
		switch t.Status {
		case task.StatusBlocked:
			blocked++
		case task.StatusInProgress, task.StatusReview:
			active++
		}

		if hasRework(t) {
			reworked++
		}
		if isThrashing(t) {
			thrashingTasks = append(thrashingTasks, t.ID)
		}
	}

	reworkRate := 0.0
	if len(tasks) > 0 {
		reworkRate = float64(reworked) / float64(len(tasks))
	}

	return summarize(blocked, active, reworkRate, len(thrashingTasks), thrashingTasks)
}

func hasRework(t *task.Task) bool {
	for _, gt := range t.GateHistory {
		if gt.Outcome == task.OutcomeNeedsReview {
			return true
		}
	}
	return false
}

func isThrashing(t *task.Task) bool {
	counts := map[string]int{}
	for _, gt := range t.GateHistory {
		counts[gt.FromGate]++
		if counts[gt.FromGate] >= 3 {
			return true
		}
	}
	return false
}

func summarize(blocked, active int, reworkRate float64, thrashing int, thrashingTasks []string) *SystemHealth {
	total := blocked + active
	if total == 0 {
		return &SystemHealth{Status: StatusStable, Label: "Stable", Message: "no active work in progress"}
	}
	blockedRatio := float64(blocked) / float64(total)

	h := &SystemHealth{
		BlockedCount:   blocked,
		ActiveCount:    active,
		BlockedRatio:   blockedRatio,
		ReworkRate:     reworkRate,
		ThrashingTasks: thrashingTasks,
	}

	switch {
	case thrashing >= 3:
		h.Status, h.Label = StatusThrashing, "Thrashing"
		h.Message = fmt.Sprintf("%d tasks cycling through the same gate repeatedly", thrashing)
	case reworkRate > 0.3:
		h.Status, h.Label = StatusReworking, "Reworking"
		h.Message = "high rejection rate across gate reviews"
	case blockedRatio > 0.5:
		h.Status, h.Label = StatusAccumulating, "Accumulating"
		h.Message = fmt.Sprintf("%d blocked vs %d active - blockers piling up", blocked, active)
	case active == 0 && blocked > 0:
		h.Status, h.Label = StatusStalled, "Stalled"
		h.Message = "all work is blocked, intervention likely needed"
	default:
		h.Status, h.Label = StatusStable, "Stable"
		h.Message = fmt.Sprintf("%d active, %d blocked - normal operation", active, blocked)
	}
	return h
}
