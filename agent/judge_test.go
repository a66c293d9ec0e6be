package agent

import (
	"context"
	"testing"
	"time"

	"github.com/localforge/deliberate/core"
	"github.com/localforge/deliberate/prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJudge_AcceptsAboveThreshold(t *testing.T) {
	slot := &scriptedSlot{responses: []string{
		`{"type": "research_report", "sections": [{"title": "s1", "content": "c1", "confidence": 0.9}],
		  "groundedness": 0.9, "coherence": 0.9, "completeness": 0.9}`,
	}}
	j := NewJudge(core.ModelDescriptor{ID: "m"}, prompt.NewAssembler(), 0.85, 7, 2, nil)
	state := core.NewSharedState("brief", core.ModeResearch, nil, "")

	require.NoError(t, j.Think(context.Background(), state, slot, time.Time{}))
	require.NotNil(t, state.ConsensusScore)
	assert.InDelta(t, 0.9, *state.ConsensusScore, 0.001)
	assert.Equal(t, core.DecisionAccept, state.JudgeDecision)
	require.NotNil(t, state.FinalArtifact)
	assert.Len(t, state.FinalArtifact.Sections, 1)
}

func TestJudge_RequestsRevisionBelowThreshold(t *testing.T) {
	slot := &scriptedSlot{responses: []string{
		`{"type": "research_report", "sections": [{"title": "s1", "content": "c1"}],
		  "groundedness": 0.5, "coherence": 0.5, "completeness": 0.5, "revision_notes": ["tighten section 1"]}`,
	}}
	j := NewJudge(core.ModelDescriptor{ID: "m"}, prompt.NewAssembler(), 0.85, 7, 2, nil)
	state := core.NewSharedState("brief", core.ModeResearch, nil, "")
	state.DeliberationRound = 1

	require.NoError(t, j.Think(context.Background(), state, slot, time.Time{}))
	assert.Equal(t, core.DecisionNeedsRevision, state.JudgeDecision)
	assert.Equal(t, []string{"tighten section 1"}, state.RevisionNotes)
}

func TestJudge_AcceptsAtMaxRoundsEvenBelowThreshold(t *testing.T) {
	slot := &scriptedSlot{responses: []string{
		`{"type": "research_report", "sections": [{"title": "s1", "content": "c1"}],
		  "groundedness": 0.5, "coherence": 0.5, "completeness": 0.5}`,
	}}
	j := NewJudge(core.ModelDescriptor{ID: "m"}, prompt.NewAssembler(), 0.85, 7, 2, nil)
	state := core.NewSharedState("brief", core.ModeResearch, nil, "")
	state.DeliberationRound = 7

	require.NoError(t, j.Think(context.Background(), state, slot, time.Time{}))
	assert.Equal(t, core.DecisionAccept, state.JudgeDecision, "cannot request revision once max rounds reached")
}

func TestJudge_RejectsOutOfRangeScore(t *testing.T) {
	invalid := `{"type": "x", "sections": [{"title": "s1", "content": "c1"}], "groundedness": 1.5, "coherence": 0.5, "completeness": 0.5}`
	slot := &scriptedSlot{responses: []string{invalid, invalid, invalid}}
	j := NewJudge(core.ModelDescriptor{ID: "m"}, prompt.NewAssembler(), 0.85, 7, 2, nil)
	state := core.NewSharedState("brief", core.ModeResearch, nil, "")

	require.NoError(t, j.Think(context.Background(), state, slot, time.Time{}))
	require.NotEmpty(t, state.Errors)
	assert.Equal(t, core.DecisionAccept, state.JudgeDecision, "degraded judge output always accepts")
	assert.Empty(t, state.FinalArtifact.Sections)
}
