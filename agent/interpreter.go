package agent

import (
	"errors"

	"github.com/localforge/deliberate/core"
)

const interpreterTemplate = `You are the Interpreter agent in a deliberative research pipeline.
Read the user's brief and any clarifications and extract their intent as a
single JSON object with fields: primary_goal, domain, output_type (one of
"research_report", "project_spec", "learning_path"), scope (one of "broad",
"moderate", "narrow"), extracted_requirements, ambiguities,
clarifying_questions (at most 5), confidence (0 to 1).`

type interpreterInput struct {
	UserBrief      string            `json:"user_brief"`
	Clarifications map[string]string `json:"clarifications"`
}

type interpreterOutput struct {
	PrimaryGoal           string   `json:"primary_goal"`
	Domain                string   `json:"domain"`
	OutputType            string   `json:"output_type"`
	Scope                 string   `json:"scope"`
	ExtractedRequirements []string `json:"extracted_requirements"`
	Ambiguities           []string `json:"ambiguities"`
	ClarifyingQuestions   []string `json:"clarifying_questions"`
	Confidence            *float64 `json:"confidence"`
}

// NewInterpreter builds the Interpreter agent: reads user_brief and
// clarifications, writes SharedState.Intent.
func NewInterpreter(model core.ModelDescriptor, assembler Assembler, maxParseRetries int, logger core.Logger) *Base {
	b := NewBase(core.AgentInterpreter, model, interpreterTemplate, assembler, maxParseRetries, logger)

	b.PrepareInput = func(state *core.SharedState) (interface{}, []core.SourceRecord, error) {
		return interpreterInput{
			UserBrief:      state.UserBrief,
			Clarifications: state.Clarifications,
		}, nil, nil
	}

	b.Parse = func(raw map[string]interface{}, state *core.SharedState) (interface{}, error) {
		var out interpreterOutput
		if err := decode(raw, &out); err != nil {
			return nil, err
		}
		if out.PrimaryGoal == "" {
			return nil, errors.New("primary_goal must be non-empty")
		}
		switch out.OutputType {
		case core.OutputTypeResearchReport, core.OutputTypeProjectSpec, core.OutputTypeLearningPath:
		default:
			return nil, errors.New("output_type must be research_report, project_spec, or learning_path")
		}

		confidence := 0.7
		if out.Confidence != nil {
			confidence = *out.Confidence
		}
		if len(out.ClarifyingQuestions) > 5 {
			out.ClarifyingQuestions = out.ClarifyingQuestions[:5]
		}

		return &core.Intent{
			PrimaryGoal:           out.PrimaryGoal,
			Domain:                out.Domain,
			OutputType:            out.OutputType,
			Scope:                 out.Scope,
			ExtractedRequirements: out.ExtractedRequirements,
			Ambiguities:           out.Ambiguities,
			ClarifyingQuestions:   out.ClarifyingQuestions,
			Confidence:            confidence,
		}, nil
	}

	b.Degrade = func(state *core.SharedState) interface{} {
		outputType := core.OutputTypeResearchReport
		switch state.Mode {
		case core.ModeProject:
			outputType = core.OutputTypeProjectSpec
		case core.ModeLearn:
			outputType = core.OutputTypeLearningPath
		}
		return &core.Intent{
			PrimaryGoal: state.UserBrief,
			OutputType:  outputType,
			Confidence:  0.0,
		}
	}

	b.Apply = func(state *core.SharedState, output interface{}) {
		state.Intent = output.(*core.Intent)
	}

	return b
}
