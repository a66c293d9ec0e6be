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

func TestPlanner_Success(t *testing.T) {
	slot := &scriptedSlot{responses: []string{
		`{"research_questions": [{"id": "rq1", "question": "what is X", "type": "factual", "priority": "high"}],
		  "phases": [{"name": "phase1", "rq_ids": ["rq1"]}],
		  "success_criteria": ["answered rq1"], "estimated_total_time_minutes": 30}`,
	}}
	p := NewPlanner(core.ModelDescriptor{ID: "m"}, prompt.NewAssembler(), 2, nil)
	state := core.NewSharedState("brief", core.ModeResearch, nil, "")

	require.NoError(t, p.Think(context.Background(), state, slot, time.Time{}))
	require.NotNil(t, state.Plan)
	require.Len(t, state.Plan.ResearchQuestions, 1)
	assert.Equal(t, "rq1", state.Plan.ResearchQuestions[0].ID)
}

func TestPlanner_RejectsCyclicDependencies(t *testing.T) {
	cyclic := `{"research_questions": [
		{"id": "rq1", "question": "a", "dependencies": ["rq2"]},
		{"id": "rq2", "question": "b", "dependencies": ["rq1"]}
	]}`
	slot := &scriptedSlot{responses: []string{cyclic, cyclic, cyclic}}
	p := NewPlanner(core.ModelDescriptor{ID: "m"}, prompt.NewAssembler(), 2, nil)
	state := core.NewSharedState("brief", core.ModeResearch, nil, "")

	require.NoError(t, p.Think(context.Background(), state, slot, time.Time{}))
	require.Len(t, state.Errors, 1)
	require.NotNil(t, state.Plan)
	assert.Equal(t, "rq1", state.Plan.ResearchQuestions[0].ID, "degraded plan falls back to a single question")
}

func TestPlanner_RejectsUnknownDependency(t *testing.T) {
	broken := `{"research_questions": [{"id": "rq1", "question": "a", "dependencies": ["rqX"]}]}`
	slot := &scriptedSlot{responses: []string{broken, broken, broken}}
	p := NewPlanner(core.ModelDescriptor{ID: "m"}, prompt.NewAssembler(), 2, nil)
	state := core.NewSharedState("brief", core.ModeResearch, nil, "")

	require.NoError(t, p.Think(context.Background(), state, slot, time.Time{}))
	require.Len(t, state.Errors, 1)
}
