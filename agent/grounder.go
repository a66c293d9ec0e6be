package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/localforge/deliberate/core"
)

const grounderTemplate = `You are the Grounder agent. Given a research question and the evidence
retrieved for it, write a grounded answer as a single JSON object with
fields: answer, key_findings (each with finding, evidence - a list of
{source_id, excerpt, reliability one of "high","medium","low"} where
source_id is the 1-based [Source N] label of the evidence you used -,
confidence), contradictions, knowledge_gaps, overall_confidence. Only
cite source_ids that appear in the evidence block above; do not invent
sources.`

// Retriever is the subset of retrieval.Retriever the Grounder depends on.
type Retriever interface {
	RetrieveForPlan(ctx context.Context, plan *core.Plan, registry *core.CitationRegistry) (map[string][]core.SourceRecord, error)
}

// Grounder invokes an EvidenceRetriever to populate SharedState.Evidence
// and then runs one grounded-answer generation per research question. It
// does not use Base.Think directly: it issues one model call per
// question rather than one per agent pass, so it drives Base's reusable
// GenerateStructured core itself.
type Grounder struct {
	base      *Base
	retriever Retriever
}

// NewGrounder builds the Grounder agent.
func NewGrounder(model core.ModelDescriptor, assembler Assembler, retriever Retriever, maxParseRetries int, logger core.Logger) *Grounder {
	return &Grounder{
		base:      NewBase(core.AgentGrounder, model, grounderTemplate, assembler, maxParseRetries, logger),
		retriever: retriever,
	}
}

func (g *Grounder) ID() core.AgentID {
	return core.AgentGrounder
}

type grounderInput struct {
	Question string `json:"question"`
}

type grounderEvidenceRef struct {
	SourceID    string `json:"source_id"`
	Excerpt     string `json:"excerpt"`
	Reliability string `json:"reliability"`
}

type grounderKeyFinding struct {
	Finding    string                 `json:"finding"`
	Evidence   []grounderEvidenceRef `json:"evidence"`
	Confidence float64               `json:"confidence"`
}

type grounderOutput struct {
	Answer            string               `json:"answer"`
	KeyFindings       []grounderKeyFinding `json:"key_findings"`
	Contradictions    []string             `json:"contradictions"`
	KnowledgeGaps     []string             `json:"knowledge_gaps"`
	OverallConfidence float64              `json:"overall_confidence"`
}

func (g *Grounder) Think(ctx context.Context, state *core.SharedState, slot Generator, deadline time.Time) error {
	if state.Plan == nil || len(state.Plan.ResearchQuestions) == 0 {
		state.RecordError(core.AgentGrounder, "no research questions to ground")
		g.applyDegraded(state, nil)
		return nil
	}

	if g.retriever != nil {
		evidence, err := g.retriever.RetrieveForPlan(ctx, state.Plan, state.Citations)
		if err != nil {
			state.RecordError(core.AgentGrounder, fmt.Sprintf("evidence retrieval failed: %v", err))
		} else {
			for qid, sources := range evidence {
				state.SetEvidence(qid, sources)
			}
		}
	}

	findings := make([]core.ResearchFinding, 0, len(state.Plan.ResearchQuestions))
	for _, rq := range state.Plan.ResearchQuestions {
		sources := state.Evidence[rq.ID]

		finding, err := g.groundQuestion(ctx, slot, deadline, rq, sources)
		if err != nil {
			if ctx.Err() != nil {
				state.RecordError(core.AgentGrounder, fmt.Sprintf("cancelled while grounding question %s: %v", rq.ID, err))
				break
			}
			state.RecordError(core.AgentGrounder, fmt.Sprintf("question %s: %v", rq.ID, err))
			finding = core.ResearchFinding{QuestionID: rq.ID, OverallConfidence: 0.0}
		}
		findings = append(findings, finding)
	}

	g.applyDegraded(state, findings)
	return nil
}

func (g *Grounder) groundQuestion(ctx context.Context, slot Generator, deadline time.Time, rq core.ResearchQuestion, sources []core.SourceRecord) (core.ResearchFinding, error) {
	input := grounderInput{Question: rq.Question}

	result, err := g.base.GenerateStructured(ctx, slot, deadline, input, sources, func(raw map[string]interface{}) (interface{}, error) {
		var out grounderOutput
		if err := decode(raw, &out); err != nil {
			return nil, err
		}
		for _, kf := range out.KeyFindings {
			for _, ev := range kf.Evidence {
				if !validSourceID(ev.SourceID, len(sources)) {
					return nil, fmt.Errorf("cited source_id %q not present in evidence for this question", ev.SourceID)
				}
			}
		}
		return &out, nil
	})
	if err != nil {
		return core.ResearchFinding{}, err
	}

	out := result.(*grounderOutput)
	keyFindings := make([]core.KeyFinding, len(out.KeyFindings))
	for i, kf := range out.KeyFindings {
		refs := make([]core.EvidenceRef, len(kf.Evidence))
		for j, ev := range kf.Evidence {
			refs[j] = core.EvidenceRef{SourceID: ev.SourceID, Excerpt: ev.Excerpt, Reliability: ev.Reliability}
		}
		keyFindings[i] = core.KeyFinding{Finding: kf.Finding, Evidence: refs, Confidence: kf.Confidence}
	}

	return core.ResearchFinding{
		QuestionID:        rq.ID,
		Answer:            out.Answer,
		KeyFindings:       keyFindings,
		Contradictions:    out.Contradictions,
		KnowledgeGaps:     out.KnowledgeGaps,
		OverallConfidence: out.OverallConfidence,
	}, nil
}

// validSourceID accepts a numeric "N" or "Source N" label within range
// [1, count], matching the [Source N] labels PromptAssembler embeds.
func validSourceID(id string, count int) bool {
	var n int
	if _, err := fmt.Sscanf(id, "Source %d", &n); err != nil {
		if _, err := fmt.Sscanf(id, "%d", &n); err != nil {
			return false
		}
	}
	return n >= 1 && n <= count
}

func (g *Grounder) applyDegraded(state *core.SharedState, findings []core.ResearchFinding) {
	state.ResearchFindings = findings
	state.SetAgentOutput(core.AgentGrounder, findings)
}
