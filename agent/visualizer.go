package agent

import (
	"errors"

	"github.com/localforge/deliberate/core"
)

const visualizerTemplate = `You are the Visualizer agent. Given the intent, plan, and any research
findings, propose visualizations that would help communicate the result
as a single JSON object with field visualizations: a list of {id, type
one of "chart","diagram","flowchart","architecture","image", title,
purpose, specification - an opaque JSON object describing the
visualization in enough detail to render it}.`

type visualizerInput struct {
	Intent           *core.Intent            `json:"intent"`
	Plan             *core.Plan              `json:"plan"`
	ResearchFindings []core.ResearchFinding `json:"research_findings,omitempty"`
}

type visualizerEntry struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Title         string                 `json:"title"`
	Purpose       string                 `json:"purpose"`
	Specification map[string]interface{} `json:"specification"`
}

type visualizerOutput struct {
	Visualizations []visualizerEntry `json:"visualizations"`
}

// NewVisualizer builds the Visualizer agent: reads Intent, Plan, and
// optionally ResearchFindings, writes SharedState.Visualizations.
func NewVisualizer(model core.ModelDescriptor, assembler Assembler, maxParseRetries int, logger core.Logger) *Base {
	b := NewBase(core.AgentVisualizer, model, visualizerTemplate, assembler, maxParseRetries, logger)

	b.PrepareInput = func(state *core.SharedState) (interface{}, []core.SourceRecord, error) {
		return visualizerInput{
			Intent:           state.Intent,
			Plan:             state.Plan,
			ResearchFindings: state.ResearchFindings,
		}, nil, nil
	}

	b.Parse = func(raw map[string]interface{}, state *core.SharedState) (interface{}, error) {
		var out visualizerOutput
		if err := decode(raw, &out); err != nil {
			return nil, err
		}
		for _, v := range out.Visualizations {
			switch v.Type {
			case core.VizTypeChart, core.VizTypeDiagram, core.VizTypeFlowchart, core.VizTypeArchitecture, core.VizTypeImage:
			default:
				return nil, errors.New("visualization type must be one of the fixed set")
			}
		}

		viz := make([]core.Visualization, len(out.Visualizations))
		for i, v := range out.Visualizations {
			viz[i] = core.Visualization{
				ID:            v.ID,
				Type:          v.Type,
				Title:         v.Title,
				Purpose:       v.Purpose,
				Specification: v.Specification,
			}
		}
		return viz, nil
	}

	b.Degrade = func(state *core.SharedState) interface{} {
		return []core.Visualization{}
	}

	b.Apply = func(state *core.SharedState, output interface{}) {
		state.Visualizations = output.([]core.Visualization)
	}

	return b
}
