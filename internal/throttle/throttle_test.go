package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckAllowsWithinLimits(t *testing.T) {
	limits := Limits{GlobalConcurrency: 5, PerPollCap: 2}
	state := NewState()
	require.Equal(t, ReasonNone, Check(limits, state, "platform", time.Now(), 0))
}

func TestCheckGlobalConcurrencyTakesPriorityOverTeam(t *testing.T) {
	limits := Limits{GlobalConcurrency: 1, TeamConcurrency: map[string]int{"platform": 10}}
	state := NewState()
	state.InProgressTotal = 1
	require.Equal(t, ReasonGlobalConcurrency, Check(limits, state, "platform", time.Now(), 0))
}

func TestCheckTeamConcurrency(t *testing.T) {
	limits := Limits{TeamConcurrency: map[string]int{"platform": 2}}
	state := NewState()
	state.InProgressByTeam["platform"] = 2
	require.Equal(t, ReasonTeamConcurrency, Check(limits, state, "platform", time.Now(), 0))
}

func TestCheckGlobalInterval(t *testing.T) {
	limits := Limits{GlobalInterval: time.Minute}
	state := NewState()
	now := time.Now()
	state.LastDispatch = now
	require.Equal(t, ReasonGlobalInterval, Check(limits, state, "platform", now.Add(10*time.Second), 0))
	require.Equal(t, ReasonNone, Check(limits, state, "platform", now.Add(2*time.Minute), 0))
}

func TestCheckTeamInterval(t *testing.T) {
	limits := Limits{TeamInterval: map[string]time.Duration{"platform": time.Minute}}
	state := NewState()
	now := time.Now()
	state.LastDispatchByTeam["platform"] = now
	require.Equal(t, ReasonTeamInterval, Check(limits, state, "platform", now.Add(10*time.Second), 0))
}

func TestCheckPerPollCapDefaultsToOne(t *testing.T) {
	limits := Limits{}
	state := NewState()
	require.Equal(t, ReasonNone, Check(limits, state, "platform", time.Now(), 0))
	require.Equal(t, ReasonPerPollCap, Check(limits, state, "platform", time.Now(), 1))
}

func TestRecordAndRelease(t *testing.T) {
	state := NewState()
	now := time.Now()
	Record(state, "platform", now)
	require.Equal(t, 1, state.InProgressTotal)
	require.Equal(t, 1, state.InProgressByTeam["platform"])

	Release(state, "platform")
	require.Equal(t, 0, state.InProgressTotal)
	require.Equal(t, 0, state.InProgressByTeam["platform"])
}
