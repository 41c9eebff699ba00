// Package throttle implements the scheduler's dispatch throttle: a
// fixed-order chain of rules that caps how aggressively the scheduler
// assigns ready tasks to agents in a single poll cycle (§4.4, §5).
package throttle

import (
	"time"
)

// Limits configures the throttle chain. Zero means "no limit" for every
// field except PerPollCap, which defaults to 1 if zero (a poll cycle that
// dispatches nothing is indistinguishable from a stuck scheduler).
type Limits struct {
	GlobalConcurrency int           // max tasks in-progress across the whole fabric
	TeamConcurrency   map[string]int // max tasks in-progress per team
	GlobalInterval    time.Duration  // minimum gap between any two dispatches
	TeamInterval      map[string]time.Duration
	PerPollCap        int // max dispatches in a single poll cycle
}

// State is the throttle's mutable bookkeeping, threaded through successive
// poll cycles by the scheduler. It is not safe for concurrent use; the
// scheduler's single-threaded poll loop owns it exclusively.
type State struct {
	InProgressTotal int
	InProgressByTeam map[string]int
	LastDispatch     time.Time
	LastDispatchByTeam map[string]time.Time
}

// NewState returns a zero-valued State ready for use.
func NewState() *State {
	return &State{InProgressByTeam: map[string]int{}, LastDispatchByTeam: map[string]time.Time{}}
}

// Reason names which rule in the chain rejected a dispatch candidate.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonGlobalConcurrency Reason = "global_concurrency"
	ReasonTeamConcurrency   Reason = "team_concurrency"
	ReasonGlobalInterval    Reason = "global_interval"
	ReasonTeamInterval      Reason = "team_interval"
	ReasonPerPollCap        Reason = "per_poll_cap"
)

// Check runs the fixed-order rule chain against a single dispatch
// candidate for team at now, given dispatchedThisPoll dispatches already
// committed earlier in the current poll cycle. Order matters: a global
// cap must reject before a team-level one gets the chance to, so that the
// reported reason always reflects the first rule actually violated (§4.4).
func Check(limits Limits, state *State, team string, now time.Time, dispatchedThisPoll int) Reason {
	if limits.GlobalConcurrency > 0 && state.InProgressTotal >= limits.GlobalConcurrency {
		return ReasonGlobalConcurrency
	}
	if cap, ok := limits.TeamConcurrency[team]; ok && cap > 0 {
		if state.InProgressByTeam[team] >= cap {
			return ReasonTeamConcurrency
		}
	}
	if limits.GlobalInterval > 0 && !state.LastDispatch.IsZero() && now.Sub(state.LastDispatch) < limits.GlobalInterval {
		return ReasonGlobalInterval
	}
	if interval, ok := limits.TeamInterval[team]; ok && interval > 0 {
		if last, ok := state.LastDispatchByTeam[team]; ok && now.Sub(last) < interval {
			return ReasonTeamInterval
		}
	}
	perPollCap := limits.PerPollCap
	if perPollCap <= 0 {
		perPollCap = 1
	}
	if dispatchedThisPoll >= perPollCap {
		return ReasonPerPollCap
	}
	return ReasonNone
}

// Record updates state after a dispatch to team at now actually commits.
func Record(state *State, team string, now time.Time) {
	state.InProgressTotal++
	state.InProgressByTeam[team]++
	state.LastDispatch = now
	state.LastDispatchByTeam[team] = now
}

// Release updates state after a dispatched task leaves in-progress
// (completes, blocks, or has its lease reclaimed), keeping the
// concurrency counters in sync with reality between polls.
func Release(state *State, team string) {
	if state.InProgressTotal > 0 {
		state.InProgressTotal--
	}
	if state.InProgressByTeam[team] > 0 {
		state.InProgressByTeam[team]--
	}
}
