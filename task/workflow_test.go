package task

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvalWhenEmptyIsAlwaysTrue(t *testing.T) {
	ok, err := evalWhen("", &Task{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalWhenTagsHas(t *testing.T) {
	tk := &Task{Routing: Routing{Tags: []string{"needs-security", "backend"}}}
	ok, err := evalWhen(`tags has "needs-security"`, tk)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = evalWhen(`tags has "needs-legal"`, tk)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvalWhenEqualityAndNegation(t *testing.T) {
	tk := &Task{Routing: Routing{Team: "platform"}, Priority: PriorityCritical}

	ok, err := evalWhen(`team == "platform"`, tk)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = evalWhen(`!team == "billing"`, tk)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = evalWhen(`priority != "low"`, tk)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalWhenAndOr(t *testing.T) {
	tk := &Task{Routing: Routing{Team: "platform", Tags: []string{"urgent"}}}

	ok, err := evalWhen(`team == "platform" && tags has "urgent"`, tk)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = evalWhen(`team == "billing" || tags has "urgent"`, tk)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalWhenUnknownFieldErrors(t *testing.T) {
	_, err := evalWhen(`nonsense == "x"`, &Task{})
	require.ErrorIs(t, err, ErrInvalidGate)
}

func TestWorkflowIndexAndGate(t *testing.T) {
	wf := testWorkflow()
	require.Equal(t, 0, wf.Index("design"))
	require.Equal(t, -1, wf.Index("missing"))

	g, ok := wf.Gate("build")
	require.True(t, ok)
	require.Equal(t, "build", g.Name)
}
