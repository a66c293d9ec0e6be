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

func TestInterpreter_Success(t *testing.T) {
	slot := &scriptedSlot{responses: []string{
		`{"primary_goal": "explain consensus", "domain": "blockchain", "output_type": "research_report", "scope": "moderate", "confidence": 0.8}`,
	}}
	a := NewInterpreter(core.ModelDescriptor{ID: "m"}, prompt.NewAssembler(), 2, nil)
	state := core.NewSharedState("explain consensus", core.ModeResearch, nil, "")

	require.NoError(t, a.Think(context.Background(), state, slot, time.Time{}))
	require.NotNil(t, state.Intent)
	assert.Equal(t, "explain consensus", state.Intent.PrimaryGoal)
	assert.Equal(t, core.OutputTypeResearchReport, state.Intent.OutputType)
	assert.Equal(t, 0.8, state.Intent.Confidence)
}

func TestInterpreter_RejectsInvalidOutputType(t *testing.T) {
	slot := &scriptedSlot{responses: []string{
		`{"primary_goal": "x", "output_type": "bogus"}`,
		`{"primary_goal": "x", "output_type": "bogus"}`,
		`{"primary_goal": "x", "output_type": "bogus"}`,
	}}
	a := NewInterpreter(core.ModelDescriptor{ID: "m"}, prompt.NewAssembler(), 2, nil)
	state := core.NewSharedState("brief", core.ModeLearn, nil, "")

	require.NoError(t, a.Think(context.Background(), state, slot, time.Time{}))
	require.Len(t, state.Errors, 1)
	require.NotNil(t, state.Intent)
	assert.Equal(t, core.OutputTypeLearningPath, state.Intent.OutputType, "degraded output_type inferred from mode")
	assert.Equal(t, 0.0, state.Intent.Confidence)
}

func TestInterpreter_DefaultsConfidenceWhenOmitted(t *testing.T) {
	slot := &scriptedSlot{responses: []string{
		`{"primary_goal": "x", "output_type": "project_spec"}`,
	}}
	a := NewInterpreter(core.ModelDescriptor{ID: "m"}, prompt.NewAssembler(), 2, nil)
	state := core.NewSharedState("brief", core.ModeProject, nil, "")

	require.NoError(t, a.Think(context.Background(), state, slot, time.Time{}))
	assert.Equal(t, 0.7, state.Intent.Confidence)
}
