package agent

import (
	"errors"
	"fmt"

	"github.com/localforge/deliberate/core"
)

const plannerTemplate = `You are the Planner agent. Given the interpreted intent, decompose the
work into research questions and phases as a single JSON object with
fields: research_questions (each with id, question, type one of
"factual","analytical","comparative","exploratory", priority one of
"critical","high","medium","low", estimated_time_minutes, dependencies -
a list of other research_question ids), phases (each with name,
description, rq_ids, parallel), success_criteria, and
estimated_total_time_minutes. Dependencies must form a DAG: no research
question may depend, directly or transitively, on itself.`

type plannerInput struct {
	UserBrief      string            `json:"user_brief"`
	Intent         *core.Intent      `json:"intent"`
	Clarifications map[string]string `json:"clarifications"`
}

type plannerResearchQuestion struct {
	ID                   string   `json:"id"`
	Question             string   `json:"question"`
	Type                 string   `json:"type"`
	Priority             string   `json:"priority"`
	EstimatedTimeMinutes int      `json:"estimated_time_minutes"`
	Dependencies         []string `json:"dependencies"`
}

type plannerPhase struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	RQIDs       []string `json:"rq_ids"`
	Parallel    bool     `json:"parallel"`
}

type plannerOutput struct {
	ResearchQuestions         []plannerResearchQuestion `json:"research_questions"`
	Phases                    []plannerPhase             `json:"phases"`
	SuccessCriteria           []string                   `json:"success_criteria"`
	EstimatedTotalTimeMinutes int                         `json:"estimated_total_time_minutes"`
}

// NewPlanner builds the Planner agent: reads user_brief, Intent,
// clarifications, writes SharedState.Plan.
func NewPlanner(model core.ModelDescriptor, assembler Assembler, maxParseRetries int, logger core.Logger) *Base {
	b := NewBase(core.AgentPlanner, model, plannerTemplate, assembler, maxParseRetries, logger)

	b.PrepareInput = func(state *core.SharedState) (interface{}, []core.SourceRecord, error) {
		return plannerInput{
			UserBrief:      state.UserBrief,
			Intent:         state.Intent,
			Clarifications: state.Clarifications,
		}, nil, nil
	}

	b.Parse = func(raw map[string]interface{}, state *core.SharedState) (interface{}, error) {
		var out plannerOutput
		if err := decode(raw, &out); err != nil {
			return nil, err
		}
		if len(out.ResearchQuestions) == 0 {
			return nil, errors.New("research_questions must be non-empty")
		}

		ids := make(map[string]bool, len(out.ResearchQuestions))
		for _, rq := range out.ResearchQuestions {
			ids[rq.ID] = true
		}
		for _, rq := range out.ResearchQuestions {
			for _, dep := range rq.Dependencies {
				if !ids[dep] {
					return nil, fmt.Errorf("research question %s depends on unknown id %s", rq.ID, dep)
				}
			}
		}
		if !isDAG(out.ResearchQuestions) {
			return nil, errors.New("research_questions.dependencies must form a DAG")
		}

		rqs := make([]core.ResearchQuestion, len(out.ResearchQuestions))
		for i, rq := range out.ResearchQuestions {
			rqs[i] = core.ResearchQuestion{
				ID:                   rq.ID,
				Question:             rq.Question,
				Type:                 rq.Type,
				Priority:             rq.Priority,
				EstimatedTimeMinutes: rq.EstimatedTimeMinutes,
				Dependencies:         rq.Dependencies,
			}
		}
		phases := make([]core.Phase, len(out.Phases))
		for i, p := range out.Phases {
			phases[i] = core.Phase{
				Name:        p.Name,
				Description: p.Description,
				RQIDs:       p.RQIDs,
				Parallel:    p.Parallel,
			}
		}

		return &core.Plan{
			ResearchQuestions:         rqs,
			Phases:                    phases,
			SuccessCriteria:           out.SuccessCriteria,
			EstimatedTotalTimeMinutes: out.EstimatedTotalTimeMinutes,
		}, nil
	}

	b.Degrade = func(state *core.SharedState) interface{} {
		return &core.Plan{
			ResearchQuestions: []core.ResearchQuestion{
				{ID: "rq1", Question: state.UserBrief, Type: core.RQTypeExploratory, Priority: core.PriorityMedium},
			},
		}
	}

	b.Apply = func(state *core.SharedState, output interface{}) {
		state.Plan = output.(*core.Plan)
	}

	return b
}

// isDAG reports whether the research questions' Dependencies edges form a
// directed acyclic graph, via recursive DFS with a recursion-stack marker.
func isDAG(rqs []plannerResearchQuestion) bool {
	deps := make(map[string][]string, len(rqs))
	for _, rq := range rqs {
		deps[rq.ID] = rq.Dependencies
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(rqs))

	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return false
		case done:
			return true
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if !visit(dep) {
				return false
			}
		}
		state[id] = done
		return true
	}

	for _, rq := range rqs {
		if !visit(rq.ID) {
			return false
		}
	}
	return true
}
