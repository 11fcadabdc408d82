package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Transitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusSuccess, false},
		{StatusProcessing, StatusSuccess, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusProcessing, StatusPending, false},
		{StatusSuccess, StatusFailed, false},
		{StatusFailed, StatusProcessing, false},
		{StatusCancelled, StatusPending, false},
	}

	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransition(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusSuccess.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestGenerationRequest_CheckInvariants(t *testing.T) {
	t.Parallel()

	ok := &GenerationRequest{ID: "r1", Status: StatusSuccess, Results: []Artifact{{Type: ArtifactImage, URL: "https://cdn/img.png"}}}
	assert.NoError(t, ok.CheckInvariants())

	noResults := &GenerationRequest{ID: "r2", Status: StatusSuccess}
	assert.Error(t, noResults.CheckInvariants())

	failed := &GenerationRequest{ID: "r3", Status: StatusFailed, ErrorMessage: "provider exploded"}
	assert.NoError(t, failed.CheckInvariants())

	failedSilent := &GenerationRequest{ID: "r4", Status: StatusFailed}
	assert.Error(t, failedSilent.CheckInvariants())

	now := time.Now()
	deletedLive := &GenerationRequest{ID: "r5", Status: StatusProcessing, DeletedAt: &now}
	assert.Error(t, deletedLive.CheckInvariants())
}

func TestGenerationRequest_View(t *testing.T) {
	t.Parallel()

	r := &GenerationRequest{
		ID:           "r1",
		Status:       StatusFailed,
		ErrorMessage: "bad day",
		Progress:     ProgressUnknown,
	}
	v := r.View()
	assert.Equal(t, "r1", v.ID)
	assert.Equal(t, StatusFailed, v.Status)
	if assert.NotNil(t, v.ErrorMessage) {
		assert.Equal(t, "bad day", *v.ErrorMessage)
	}
	assert.Nil(t, v.Results)
}
