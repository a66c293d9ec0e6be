package agent

import (
	"github.com/localforge/deliberate/core"
)

const auditorTemplate = `You are the Auditor agent. Given the plan and research findings so far,
assess risk and feasibility as a single JSON object with fields:
risk_assessment (overall_risk_level one of "low","medium","high","critical",
risks - each with category, description, severity, likelihood, mitigation),
dependencies (technical - each with name, reason, availability; knowledge -
a list of strings), security_concerns, feasibility_assessment (technical,
resource, time, overall 0 to 1, blockers), recommendations.`

type auditorInput struct {
	Plan             *core.Plan              `json:"plan"`
	ResearchFindings []core.ResearchFinding `json:"research_findings"`
}

type auditorRiskAssessment struct {
	OverallRiskLevel string      `json:"overall_risk_level"`
	Risks            []core.Risk `json:"risks"`
}

type auditorFeasibility struct {
	Technical string   `json:"technical"`
	Resource  string   `json:"resource"`
	Time      string   `json:"time"`
	Overall   float64  `json:"overall"`
	Blockers  []string `json:"blockers"`
}

type auditorOutput struct {
	RiskAssessment        auditorRiskAssessment        `json:"risk_assessment"`
	Dependencies          core.Dependencies            `json:"dependencies"`
	SecurityConcerns      []string                     `json:"security_concerns"`
	FeasibilityAssessment auditorFeasibility           `json:"feasibility_assessment"`
	Recommendations       []string                     `json:"recommendations"`
}

// NewAuditor builds the Auditor agent: reads Plan and ResearchFindings,
// writes SharedState.AuditReport.
func NewAuditor(model core.ModelDescriptor, assembler Assembler, maxParseRetries int, logger core.Logger) *Base {
	b := NewBase(core.AgentAuditor, model, auditorTemplate, assembler, maxParseRetries, logger)

	b.PrepareInput = func(state *core.SharedState) (interface{}, []core.SourceRecord, error) {
		return auditorInput{
			Plan:             state.Plan,
			ResearchFindings: state.ResearchFindings,
		}, nil, nil
	}

	b.Parse = func(raw map[string]interface{}, state *core.SharedState) (interface{}, error) {
		var out auditorOutput
		if err := decode(raw, &out); err != nil {
			return nil, err
		}

		return &core.AuditReport{
			RiskAssessment: core.RiskAssessment{
				OverallRiskLevel: out.RiskAssessment.OverallRiskLevel,
				Risks:            out.RiskAssessment.Risks,
			},
			Dependencies:     out.Dependencies,
			SecurityConcerns: out.SecurityConcerns,
			FeasibilityAssessment: core.FeasibilityAssessment{
				Technical: out.FeasibilityAssessment.Technical,
				Resource:  out.FeasibilityAssessment.Resource,
				Time:      out.FeasibilityAssessment.Time,
				Overall:   out.FeasibilityAssessment.Overall,
				Blockers:  out.FeasibilityAssessment.Blockers,
			},
			Recommendations: out.Recommendations,
		}, nil
	}

	b.Degrade = func(state *core.SharedState) interface{} {
		return &core.AuditReport{
			RiskAssessment: core.RiskAssessment{OverallRiskLevel: core.RiskUnknown},
		}
	}

	b.Apply = func(state *core.SharedState, output interface{}) {
		state.AuditReport = output.(*core.AuditReport)
	}

	return b
}
