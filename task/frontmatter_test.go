package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	orig := &Task{
		SchemaVersion: 1,
		ID:            "acme-20260730-1",
		Project:       "acme",
		Title:         "wire up the gate evaluator",
		Body:          "Implement the pure evaluate() function.\n",
		Status:        StatusInProgress,
		Priority:      PriorityHigh,
		Routing:       Routing{Workflow: "default", Team: "platform", Role: "engineer", Tags: []string{"backend"}},
		CreatedAt:     now,
		UpdatedAt:     now,
		LastTransitionAt: now,
		CreatedBy:     "alice",
	}

	raw, err := encodeTask(orig)
	require.NoError(t, err)

	got, err := decodeTask(raw)
	require.NoError(t, err)

	require.Equal(t, orig.ID, got.ID)
	require.Equal(t, orig.Title, got.Title)
	require.Equal(t, orig.Status, got.Status)
	require.Equal(t, orig.Routing, got.Routing)
	require.Equal(t, orig.Body, got.Body)
}

func TestDecodePreservesUnknownFrontMatterFields(t *testing.T) {
	raw := []byte("---\n" +
		"schemaVersion: 1\n" +
		"id: acme-20260730-2\n" +
		"project: acme\n" +
		"title: preserve unknown fields\n" +
		"status: backlog\n" +
		"priority: normal\n" +
		"routing: {}\n" +
		"createdAt: 2026-07-30T00:00:00Z\n" +
		"updatedAt: 2026-07-30T00:00:00Z\n" +
		"lastTransitionAt: 2026-07-30T00:00:00Z\n" +
		"createdBy: bob\n" +
		"futureField: keep-me\n" +
		"---\n" +
		"\nbody text\n")

	got, err := decodeTask(raw)
	require.NoError(t, err)
	require.Equal(t, "keep-me", got.extra["futureField"])

	reencoded, err := encodeTask(got)
	require.NoError(t, err)
	require.Contains(t, string(reencoded), "futureField: keep-me")
}

func TestDecodeRejectsMissingFence(t *testing.T) {
	_, err := decodeTask([]byte("no front matter here"))
	require.Error(t, err)
}
