package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/localforge/deliberate/agent"
	"github.com/localforge/deliberate/core"
	"github.com/localforge/deliberate/prompt"
	"github.com/localforge/deliberate/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSlot is a deterministic agent.Generator keyed by ModelDescriptor.ID.
// Each call pops the next scripted response/error/delay for that model;
// the last scripted entry repeats once its queue is exhausted.
type stubSlot struct {
	mu        sync.Mutex
	responses map[string][]string
	errs      map[string][]error
	delays    map[string][]time.Duration
	calls     map[string]int
}

func newStubSlot() *stubSlot {
	return &stubSlot{
		responses: make(map[string][]string),
		errs:      make(map[string][]error),
		delays:    make(map[string][]time.Duration),
		calls:     make(map[string]int),
	}
}

func (s *stubSlot) script(modelID string, responses ...string) {
	s.responses[modelID] = responses
}

func (s *stubSlot) scriptErrs(modelID string, errs ...error) {
	s.errs[modelID] = errs
}

func (s *stubSlot) scriptDelays(modelID string, delays ...time.Duration) {
	s.delays[modelID] = delays
}

func (s *stubSlot) CallCount(modelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[modelID]
}

func pick[T any](queue []T, idx int, zero T) T {
	if len(queue) == 0 {
		return zero
	}
	if idx < len(queue) {
		return queue[idx]
	}
	return queue[len(queue)-1]
}

func (s *stubSlot) Generate(ctx context.Context, desc core.ModelDescriptor, deadline time.Time, p string) (string, error) {
	s.mu.Lock()
	idx := s.calls[desc.ID]
	s.calls[desc.ID]++
	delay := pick(s.delays[desc.ID], idx, time.Duration(0))
	var err error
	if errList, ok := s.errs[desc.ID]; ok {
		err = pick(errList, idx, errList[len(errList)-1])
	}
	resp := pick(s.responses[desc.ID], idx, "")
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if resp == "" {
		return "", fmt.Errorf("stubSlot: no response scripted for %s call %d", desc.ID, idx)
	}
	return resp, nil
}

type fakeEngineRetriever struct {
	evidence map[string][]core.SourceRecord
}

func (f *fakeEngineRetriever) RetrieveForPlan(ctx context.Context, plan *core.Plan, registry *core.CitationRegistry) (map[string][]core.SourceRecord, error) {
	return f.evidence, nil
}

func buildResearchEngine(t *testing.T, slot *stubSlot, retriever agent.Retriever) *Engine {
	t.Helper()
	a := prompt.NewAssembler()

	e := NewEngine(slot, nil, Config{MaxDeliberationRounds: 7}, nil)
	e.Register(agent.NewInterpreter(core.ModelDescriptor{ID: "interpreter-model"}, a, 2, nil))
	e.Register(agent.NewPlanner(core.ModelDescriptor{ID: "planner-model"}, a, 2, nil))
	e.Register(agent.NewGrounder(core.ModelDescriptor{ID: "grounder-model"}, a, retriever, 2, nil))
	e.Register(agent.NewAuditor(core.ModelDescriptor{ID: "auditor-model"}, a, 2, nil))
	e.Register(agent.NewJudge(core.ModelDescriptor{ID: "judge-model"}, a, 0.85, 7, 2, nil))
	return e
}

const validIntentJSON = `{"primary_goal": "explain blockchain consensus", "domain": "distributed systems", "output_type": "research_report", "scope": "moderate", "confidence": 0.9}`

const onePlanQuestionJSON = `{"research_questions": [{"id": "rq1", "question": "how does proof of work reach consensus", "type": "factual", "priority": "high"}]}`

const twoPlanQuestionsJSON = `{"research_questions": [
	{"id": "rq1", "question": "how does proof of work reach consensus", "type": "factual", "priority": "high"},
	{"id": "rq2", "question": "how does proof of stake reach consensus", "type": "factual", "priority": "high"}
]}`

const groundedAnswerJSON = `{"answer": "nodes agree via majority computational effort", "key_findings": [{"finding": "longest chain wins", "evidence": [{"source_id": "1", "excerpt": "e", "reliability": "high"}], "confidence": 0.8}], "overall_confidence": 0.85}`

const auditReportJSON = `{"risk_assessment": {"overall_risk_level": "low", "risks": []}, "feasibility_assessment": {"overall": 0.9}}`

func judgeArtifactJSON(score float64) string {
	return fmt.Sprintf(`{"type": "research_report", "sections": [
		{"title": "s1", "content": "c1"},
		{"title": "s2", "content": "c2"},
		{"title": "s3", "content": "c3"},
		{"title": "s4", "content": "c4"}
	], "groundedness": %.2f, "coherence": %.2f, "completeness": %.2f}`, score, score, score)
}

// Scenario 1: happy research run.
func TestEngine_HappyResearchRun(t *testing.T) {
	slot := newStubSlot()
	slot.script("interpreter-model", validIntentJSON)
	slot.script("planner-model", onePlanQuestionJSON)
	slot.script("grounder-model", groundedAnswerJSON)
	slot.script("auditor-model", auditReportJSON)
	slot.script("judge-model", judgeArtifactJSON(0.88))

	retriever := &fakeEngineRetriever{evidence: map[string][]core.SourceRecord{
		"rq1": {{Title: "Source A", URL: "https://a"}},
	}}
	e := buildResearchEngine(t, slot, retriever)

	state, err := e.Run(context.Background(), "Explain blockchain consensus mechanisms", core.ModeResearch, nil, "sess-1", time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 1, state.DeliberationRound)
	require.NotNil(t, state.ConsensusScore)
	assert.InDelta(t, 0.88, *state.ConsensusScore, 0.001)
	require.NotNil(t, state.FinalArtifact)
	assert.GreaterOrEqual(t, len(state.FinalArtifact.Sections), 4)
	assert.Empty(t, state.Errors)

	for _, id := range []core.AgentID{core.AgentInterpreter, core.AgentPlanner, core.AgentGrounder, core.AgentAuditor, core.AgentJudge} {
		assert.True(t, state.HasAgentOutput(id), "expected output recorded for %s", id)
	}
}

// Scenario 2: model-absent recovery on Planner.
func TestEngine_ModelAbsentRecoveryOnPlanner(t *testing.T) {
	slot := newStubSlot()
	slot.script("interpreter-model", validIntentJSON)
	slot.scriptErrs("planner-model", core.ErrModelAbsent, core.ErrModelAbsent, core.ErrModelAbsent)
	slot.script("grounder-model", groundedAnswerJSON)
	slot.script("auditor-model", auditReportJSON)
	slot.script("judge-model", judgeArtifactJSON(0.88))

	retriever := &fakeEngineRetriever{evidence: map[string][]core.SourceRecord{
		"rq1": {{Title: "Source A", URL: "https://a"}},
	}}
	e := buildResearchEngine(t, slot, retriever)

	state, err := e.Run(context.Background(), "Explain blockchain consensus mechanisms", core.ModeResearch, nil, "sess-2", time.Time{})
	require.NoError(t, err)

	var plannerErrored bool
	for _, rec := range state.Errors {
		if rec.Agent == core.AgentPlanner {
			plannerErrored = true
		}
	}
	assert.True(t, plannerErrored, "expected a recorded error for the planner")

	require.NotNil(t, state.Plan)
	require.Len(t, state.Plan.ResearchQuestions, 1)
	assert.Equal(t, "Explain blockchain consensus mechanisms", state.Plan.ResearchQuestions[0].Question, "degraded plan question should equal the brief")

	assert.True(t, state.HasAgentOutput(core.AgentGrounder), "grounder should still run on a degraded plan")
	assert.True(t, state.HasAgentOutput(core.AgentJudge), "pipeline should still reach judge")
}

// Scenario 3: a revision round.
func TestEngine_RevisionRound(t *testing.T) {
	slot := newStubSlot()
	slot.script("interpreter-model", validIntentJSON)
	slot.script("planner-model", onePlanQuestionJSON)
	slot.script("grounder-model", groundedAnswerJSON, groundedAnswerJSON)
	slot.script("auditor-model", auditReportJSON, auditReportJSON)
	slot.script("judge-model", judgeArtifactJSON(0.70), judgeArtifactJSON(0.90))

	retriever := &fakeEngineRetriever{evidence: map[string][]core.SourceRecord{
		"rq1": {{Title: "Source A", URL: "https://a"}},
	}}
	e := buildResearchEngine(t, slot, retriever)

	state, err := e.Run(context.Background(), "Explain blockchain consensus mechanisms", core.ModeResearch, nil, "sess-3", time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 2, state.DeliberationRound)
	require.NotNil(t, state.ConsensusScore)
	assert.InDelta(t, 0.90, *state.ConsensusScore, 0.001)
	assert.Equal(t, core.DecisionAccept, state.JudgeDecision)

	assert.Equal(t, 2, slot.CallCount("grounder-model"), "grounder should re-run exactly once on revision")
	assert.Equal(t, 2, slot.CallCount("auditor-model"), "auditor should re-run exactly once on revision")
	assert.Equal(t, 2, slot.CallCount("judge-model"), "judge should re-run exactly once on revision")
	assert.Equal(t, 1, slot.CallCount("planner-model"), "planner should not re-run on revision")
}

// Scenario 4: cancellation mid-Grounder.
func TestEngine_CancellationMidGrounder(t *testing.T) {
	slot := newStubSlot()
	slot.script("interpreter-model", validIntentJSON)
	slot.script("planner-model", twoPlanQuestionsJSON)
	slot.script("grounder-model", groundedAnswerJSON, groundedAnswerJSON)
	slot.scriptDelays("grounder-model", 10*time.Millisecond, 500*time.Millisecond)
	slot.script("auditor-model", auditReportJSON)
	slot.script("judge-model", judgeArtifactJSON(0.88))

	retriever := &fakeEngineRetriever{evidence: map[string][]core.SourceRecord{
		"rq1": {{Title: "Source A", URL: "https://a"}},
		"rq2": {{Title: "Source B", URL: "https://b"}},
	}}
	e := buildResearchEngine(t, slot, retriever)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	state, err := e.Run(ctx, "Explain blockchain consensus mechanisms", core.ModeResearch, nil, "sess-4", time.Time{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	assert.Len(t, state.ResearchFindings, 1, "only the question completed before cancellation should be recorded")

	var grounderErrored bool
	for _, rec := range state.Errors {
		if rec.Agent == core.AgentGrounder {
			grounderErrored = true
		}
	}
	assert.True(t, grounderErrored)

	assert.False(t, state.HasAgentOutput(core.AgentAuditor), "auditor must not run after cancellation")
	assert.False(t, state.HasAgentOutput(core.AgentJudge), "judge must not run after cancellation")
}

// Scenario 5: bad JSON then recovery on the Interpreter.
func TestEngine_BadJSONThenRecovery(t *testing.T) {
	slot := newStubSlot()
	slot.script("interpreter-model", "this is not json at all", validIntentJSON)
	slot.script("planner-model", onePlanQuestionJSON)
	slot.script("grounder-model", groundedAnswerJSON)
	slot.script("auditor-model", auditReportJSON)
	slot.script("judge-model", judgeArtifactJSON(0.88))

	retriever := &fakeEngineRetriever{evidence: map[string][]core.SourceRecord{
		"rq1": {{Title: "Source A", URL: "https://a"}},
	}}
	e := buildResearchEngine(t, slot, retriever)

	state, err := e.Run(context.Background(), "Explain blockchain consensus mechanisms", core.ModeResearch, nil, "sess-5", time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 2, slot.CallCount("interpreter-model"), "expected exactly one retry after the unparseable attempt")
	require.NotNil(t, state.Intent)
	assert.Equal(t, "explain blockchain consensus", state.Intent.PrimaryGoal)

	for _, rec := range state.Errors {
		assert.NotEqual(t, core.AgentInterpreter, rec.Agent, "a recovered parse retry should not leave an error behind")
	}
}

// Scenario 6: evidence dedup across vector and web backends, exercised
// through the Grounder wired to a real retrieval.Retriever.
type fakeVectorStore struct{ hits []retrieval.VectorHit }

func (f *fakeVectorStore) Search(ctx context.Context, query string, topK int) ([]retrieval.VectorHit, error) {
	return f.hits, nil
}

type fakeWebSearch struct{ hits []retrieval.WebHit }

func (f *fakeWebSearch) Search(ctx context.Context, query string, topK int) ([]retrieval.WebHit, error) {
	return f.hits, nil
}

func TestEngine_EvidenceDedupAcrossBackends(t *testing.T) {
	vector := &fakeVectorStore{hits: []retrieval.VectorHit{
		{ID: "v1", Content: "vector text", Metadata: map[string]string{"title": "Consensus overview", "url": "https://x/y"}, Distance: 0.4},
	}}
	web := &fakeWebSearch{hits: []retrieval.WebHit{
		{URL: "https://x/y", Title: "Consensus overview", Content: "web text"},
	}}
	cache := retrieval.NewCache(nil, nil)
	retriever := retrieval.NewRetriever(vector, web, cache, core.RetrievalConfig{MaxConcurrentOutbound: 4, MaxSourcesPerQuestion: 10, TopKWeb: 5}, nil)

	plan := &core.Plan{ResearchQuestions: []core.ResearchQuestion{{ID: "rq1", Question: "how does consensus work"}}}
	registry := core.NewCitationRegistry("run-dedup")
	evidence, err := retriever.RetrieveForPlan(context.Background(), plan, registry)
	require.NoError(t, err)

	sources := evidence["rq1"]
	require.Len(t, sources, 1, "duplicate URL/title pair across backends must collapse to one SourceRecord")
	assert.Equal(t, core.SourceWeb, sources[0].Origin, "the higher-scoring duplicate (web, rank 0) should be retained over vector (distance 0.4)")
	assert.InDelta(t, 1.0, sources[0].RelevanceScore, 0.001)
	assert.NotEmpty(t, sources[0].CitationID, "web hit should be registered with the citation registry")
}

func TestExitCode(t *testing.T) {
	accepted := core.NewSharedState("b", core.ModeResearch, nil, "")
	accepted.JudgeDecision = core.DecisionAccept
	assert.Equal(t, 0, ExitCode(accepted, nil))

	gateFailed := core.NewSharedState("b", core.ModeResearch, nil, "")
	gateFailed.JudgeDecision = core.DecisionNeedsRevision
	assert.Equal(t, 2, ExitCode(gateFailed, nil))

	assert.Equal(t, 1, ExitCode(nil, errors.New("boom")))
	assert.Equal(t, 130, ExitCode(nil, context.Canceled))
}
