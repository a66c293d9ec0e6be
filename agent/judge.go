package agent

import (
	"errors"

	"github.com/localforge/deliberate/core"
)

const judgeTemplate = `You are the Judge agent. Given everything produced so far, write the
final artifact as a single JSON object with fields: type, sections (each
with title, content, optional subsections of the same shape, confidence
0 to 1, evidence - a list of citation references), metadata, and three
self-reported sub-scores in [0,1]: groundedness, coherence, completeness.
If a prior revision_notes list is present in the input, address it.`

type judgeInput struct {
	Intent           *core.Intent            `json:"intent"`
	Plan             *core.Plan              `json:"plan"`
	ResearchFindings []core.ResearchFinding `json:"research_findings,omitempty"`
	AuditReport      *core.AuditReport       `json:"audit_report,omitempty"`
	Visualizations   []core.Visualization    `json:"visualizations,omitempty"`
	RevisionNotes    []string                `json:"revision_notes,omitempty"`
	DeliberationRound int                    `json:"deliberation_round"`
}

type judgeSection struct {
	Title        string         `json:"title"`
	Content      string         `json:"content"`
	Subsections  []judgeSection `json:"subsections,omitempty"`
	Confidence   float64        `json:"confidence"`
	EvidenceRefs []string       `json:"evidence"`
}

type judgeModelOutput struct {
	Type          string                 `json:"type"`
	Sections      []judgeSection         `json:"sections"`
	Metadata      map[string]interface{} `json:"metadata"`
	Groundedness  float64                `json:"groundedness"`
	Coherence     float64                `json:"coherence"`
	Completeness  float64                `json:"completeness"`
	RevisionNotes []string               `json:"revision_notes,omitempty"`
}

// judgeOutput bundles everything Judge's Apply hook writes to
// SharedState: the artifact plus the accept/revise verdict, since a
// single model call produces all of it.
type judgeOutput struct {
	Artifact      *core.FinalArtifact
	ConsensusScore float64
	Decision      core.JudgeDecision
	RevisionNotes []string
}

func toArtifactSections(sections []judgeSection) []core.ArtifactSection {
	out := make([]core.ArtifactSection, len(sections))
	for i, s := range sections {
		out[i] = core.ArtifactSection{
			Title:        s.Title,
			Content:      s.Content,
			Subsections:  toArtifactSections(s.Subsections),
			Confidence:   s.Confidence,
			EvidenceRefs: s.EvidenceRefs,
		}
	}
	return out
}

// NewJudge builds the Judge agent. consensusThreshold and
// maxDeliberationRounds come from core.PipelineConfig (defaults 0.85, 7).
func NewJudge(model core.ModelDescriptor, assembler Assembler, consensusThreshold float64, maxDeliberationRounds int, maxParseRetries int, logger core.Logger) *Base {
	b := NewBase(core.AgentJudge, model, judgeTemplate, assembler, maxParseRetries, logger)

	b.PrepareInput = func(state *core.SharedState) (interface{}, []core.SourceRecord, error) {
		return judgeInput{
			Intent:            state.Intent,
			Plan:              state.Plan,
			ResearchFindings:  state.ResearchFindings,
			AuditReport:       state.AuditReport,
			Visualizations:    state.Visualizations,
			RevisionNotes:     state.RevisionNotes,
			DeliberationRound: state.DeliberationRound,
		}, nil, nil
	}

	b.Parse = func(raw map[string]interface{}, state *core.SharedState) (interface{}, error) {
		var out judgeModelOutput
		if err := decode(raw, &out); err != nil {
			return nil, err
		}
		if len(out.Sections) == 0 {
			return nil, errors.New("sections must be non-empty")
		}
		for _, score := range []float64{out.Groundedness, out.Coherence, out.Completeness} {
			if score < 0 || score > 1 {
				return nil, errors.New("groundedness, coherence, and completeness must lie in [0,1]")
			}
		}

		consensus := (out.Groundedness + out.Coherence + out.Completeness) / 3

		decision := core.DecisionAccept
		notes := out.RevisionNotes
		if consensus < consensusThreshold && state.DeliberationRound < maxDeliberationRounds {
			decision = core.DecisionNeedsRevision
		} else {
			notes = nil
		}

		return &judgeOutput{
			Artifact: &core.FinalArtifact{
				Type:     out.Type,
				Sections: toArtifactSections(out.Sections),
				Metadata: out.Metadata,
			},
			ConsensusScore: consensus,
			Decision:       decision,
			RevisionNotes:  notes,
		}, nil
	}

	b.Degrade = func(state *core.SharedState) interface{} {
		return &judgeOutput{
			Artifact: &core.FinalArtifact{Sections: []core.ArtifactSection{}},
			Decision: core.DecisionAccept,
		}
	}

	b.Apply = func(state *core.SharedState, output interface{}) {
		out := output.(*judgeOutput)
		state.FinalArtifact = out.Artifact
		score := out.ConsensusScore
		state.ConsensusScore = &score
		state.JudgeDecision = out.Decision
		state.RevisionNotes = out.RevisionNotes
	}

	return b
}
