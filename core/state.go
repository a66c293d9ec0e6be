package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode selects the agent sequence a pipeline run follows.
type Mode string

const (
	ModeResearch Mode = "research"
	ModeProject  Mode = "project"
	ModeLearn    Mode = "learn"
)

// Sequence returns the ordered agent sequence for the mode, or an error
// wrapping ErrInvalidMode if m is not one of the three recognized modes.
func (m Mode) Sequence() ([]AgentID, error) {
	switch m {
	case ModeResearch:
		return []AgentID{AgentInterpreter, AgentPlanner, AgentGrounder, AgentAuditor, AgentJudge}, nil
	case ModeProject:
		return []AgentID{AgentInterpreter, AgentPlanner, AgentAuditor, AgentVisualizer, AgentJudge}, nil
	case ModeLearn:
		return []AgentID{AgentInterpreter, AgentPlanner, AgentGrounder, AgentJudge}, nil
	default:
		return nil, fmt.Errorf("mode %q: %w", m, ErrInvalidMode)
	}
}

// AgentID identifies one of the six fixed agent roles. Unique and
// immutable for the lifetime of a run.
type AgentID string

const (
	AgentInterpreter AgentID = "interpreter"
	AgentPlanner     AgentID = "planner"
	AgentGrounder    AgentID = "grounder"
	AgentAuditor     AgentID = "auditor"
	AgentVisualizer  AgentID = "visualizer"
	AgentJudge       AgentID = "judge"
)

// ModelDescriptor identifies a model to load into the ModelSlot. Set once
// per agent at construction; never mutated afterward.
type ModelDescriptor struct {
	ID                 string
	MinAcceleratorMB    int
	Temperature         float64
	MaxContextTokens    int
	MaxGenerationTokens int
}

func (d ModelDescriptor) String() string {
	return d.ID
}

// ErrorRecord is an append-only entry in SharedState.errors, recording a
// non-fatal failure attributed to a single agent.
type ErrorRecord struct {
	Agent     AgentID
	Message   string
	Timestamp time.Time
}

// SourceRecord is a single piece of retrieved evidence, emitted by
// EvidenceRetriever for one research question.
type SourceRecord struct {
	Origin         SourceOrigin
	Title          string
	URL            string
	Content        string
	Snippet        string
	CitationID     string
	RelevanceScore float64
}

// SourceOrigin distinguishes vector-store hits from web-search hits.
type SourceOrigin string

const (
	SourceVector SourceOrigin = "vector"
	SourceWeb    SourceOrigin = "web"
)

// Citation is a single registered reference, owned by a CitationRegistry
// attached to the run.
type Citation struct {
	ID              string
	Title           string
	URL             string
	AccessedDate    time.Time
	Authors         []string
	PublicationDate string
	SourceType      string
}

// Intent is the Interpreter's sole output.
type Intent struct {
	PrimaryGoal          string
	Domain               string
	OutputType           string
	Scope                string
	ExtractedRequirements []string
	Ambiguities          []string
	ClarifyingQuestions  []string
	Confidence           float64
}

const (
	OutputTypeResearchReport = "research_report"
	OutputTypeProjectSpec    = "project_spec"
	OutputTypeLearningPath   = "learning_path"

	ScopeBroad    = "broad"
	ScopeModerate = "moderate"
	ScopeNarrow   = "narrow"
)

// ResearchQuestion is one node in Plan.ResearchQuestions.
type ResearchQuestion struct {
	ID                    string
	Question              string
	Type                  string
	Priority              string
	EstimatedTimeMinutes  int
	Dependencies          []string
}

const (
	RQTypeFactual      = "factual"
	RQTypeAnalytical   = "analytical"
	RQTypeComparative  = "comparative"
	RQTypeExploratory  = "exploratory"

	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Phase groups research questions for presentation/scheduling purposes.
type Phase struct {
	Name        string
	Description string
	RQIDs       []string
	Parallel    bool
}

// Plan is the Planner's sole output.
type Plan struct {
	ResearchQuestions        []ResearchQuestion
	Phases                   []Phase
	SuccessCriteria          []string
	EstimatedTotalTimeMinutes int
}

// EvidenceRef references one entry in a question's evidence list, by
// position, from within a ResearchFinding.
type EvidenceRef struct {
	SourceID    string
	Excerpt     string
	Reliability string
}

const (
	ReliabilityHigh   = "high"
	ReliabilityMedium = "medium"
	ReliabilityLow    = "low"
)

// KeyFinding is one distilled fact within a ResearchFinding.
type KeyFinding struct {
	Finding    string
	Evidence   []EvidenceRef
	Confidence float64
}

// ResearchFinding is the Grounder's per-question output, appended to
// SharedState.ResearchFindings in question order.
type ResearchFinding struct {
	QuestionID       string
	Answer           string
	KeyFindings      []KeyFinding
	Contradictions   []string
	KnowledgeGaps    []string
	OverallConfidence float64
}

// Risk is one entry in AuditReport.RiskAssessment.Risks.
type Risk struct {
	Category    string
	Description string
	Severity    string
	Likelihood  string
	Mitigation  string
}

// RiskAssessment summarizes the Auditor's risk analysis.
type RiskAssessment struct {
	OverallRiskLevel string
	Risks            []Risk
}

const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
	RiskUnknown  = "unknown"
)

// TechnicalDependency is one entry in Dependencies.Technical.
type TechnicalDependency struct {
	Name         string
	Reason       string
	Availability string
}

// Dependencies groups the Auditor's technical and knowledge dependency
// findings.
type Dependencies struct {
	Technical []TechnicalDependency
	Knowledge []string
}

// FeasibilityAssessment is the Auditor's feasibility sub-report.
type FeasibilityAssessment struct {
	Technical string
	Resource  string
	Time      string
	Overall   float64
	Blockers  []string
}

// AuditReport is the Auditor's sole output.
type AuditReport struct {
	RiskAssessment        RiskAssessment
	Dependencies          Dependencies
	SecurityConcerns      []string
	FeasibilityAssessment FeasibilityAssessment
	Recommendations       []string
}

// Visualization is one entry in SharedState.Visualizations.
type Visualization struct {
	ID            string
	Type          string
	Title         string
	Purpose       string
	Specification map[string]interface{}
}

const (
	VizTypeChart        = "chart"
	VizTypeDiagram      = "diagram"
	VizTypeFlowchart    = "flowchart"
	VizTypeArchitecture = "architecture"
	VizTypeImage        = "image"
)

// ArtifactSection is one entry in FinalArtifact.Sections.
type ArtifactSection struct {
	Title        string
	Content      string
	Subsections  []ArtifactSection
	Confidence   float64
	EvidenceRefs []string
}

// FinalArtifact is the Judge's sole structured output.
type FinalArtifact struct {
	Type     string
	Sections []ArtifactSection
	Metadata map[string]interface{}
}

// JudgeDecision is the Judge's accept/needs_revision verdict.
type JudgeDecision string

const (
	DecisionAccept        JudgeDecision = "accept"
	DecisionNeedsRevision JudgeDecision = "needs_revision"
)

// SharedState is the per-run deliberation state, owned by PipelineEngine.
// All fields are created at pipeline entry and discarded at pipeline exit;
// nothing is shared across runs. Agents other than the engine mutate only
// their own declared field; see AgentBase.
type SharedState struct {
	mu sync.RWMutex

	UserBrief      string
	Mode           Mode
	Clarifications map[string]string
	SessionID      string
	TraceID        string
	StartedAt      time.Time
	FinishedAt     time.Time

	Intent          *Intent
	Plan            *Plan
	AuditReport     *AuditReport
	Visualizations  []Visualization
	FinalArtifact   *FinalArtifact

	ResearchFindings []ResearchFinding
	Evidence         map[string][]SourceRecord
	Citations        *CitationRegistry

	AgentOutputs map[AgentID]interface{}
	Errors       []ErrorRecord

	ConsensusScore    *float64
	DeliberationRound int

	JudgeDecision   JudgeDecision
	RevisionNotes   []string
}

// NewSharedState creates the per-run state for a pipeline invocation.
// sessionID is the caller-supplied opaque identifier (may be empty); a
// trace_id is always generated for internal correlation.
func NewSharedState(userBrief string, mode Mode, clarifications map[string]string, sessionID string) *SharedState {
	if clarifications == nil {
		clarifications = make(map[string]string)
	}
	traceID := uuid.NewString()
	return &SharedState{
		UserBrief:         userBrief,
		Mode:              mode,
		Clarifications:    clarifications,
		SessionID:         sessionID,
		TraceID:           traceID,
		StartedAt:         time.Now(),
		Evidence:          make(map[string][]SourceRecord),
		Citations:         NewCitationRegistry(traceID),
		AgentOutputs:      make(map[AgentID]interface{}),
		DeliberationRound: 1,
	}
}

// RecordError appends an error entry for the given agent. Safe for
// concurrent use. Its callers are the engine and the agents it runs; the
// EvidenceRetriever's fanout logs its retrieval warnings and does not
// record them here.
func (s *SharedState) RecordError(agent AgentID, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors = append(s.Errors, ErrorRecord{
		Agent:     agent,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// SetAgentOutput records the typed output produced by agent. Called once
// per agent per pipeline pass.
func (s *SharedState) SetAgentOutput(agent AgentID, output interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AgentOutputs[agent] = output
}

// HasAgentOutput reports whether agent has a recorded output.
func (s *SharedState) HasAgentOutput(agent AgentID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.AgentOutputs[agent]
	return ok
}

// SetEvidence records the evidence list for a research question. Called
// at most once per question-id by Grounder.
func (s *SharedState) SetEvidence(questionID string, sources []SourceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Evidence[questionID] = sources
}

// AppendResearchFinding appends a finding to the ordered findings list.
func (s *SharedState) AppendResearchFinding(finding ResearchFinding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResearchFindings = append(s.ResearchFindings, finding)
}

// Finish stamps FinishedAt. Called once by the engine on pipeline exit.
func (s *SharedState) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinishedAt = time.Now()
}

// CitationRegistry assigns unique citation ids within a run and stores
// the citation metadata they reference. Register is safe for concurrent
// callers: EvidenceRetriever fans web lookups out across research
// questions and registers each hit's citation from its own goroutine.
type CitationRegistry struct {
	mu         sync.Mutex
	citations  map[string]Citation
	store      RedisCitationStore
	runID      string
}

// RedisCitationStore is an optional persistence hook for citations,
// keyed by run id. Left nil, the registry is purely in-memory.
type RedisCitationStore interface {
	SaveCitation(runID string, c Citation) error
}

// NewCitationRegistry creates an in-memory citation registry for one run.
func NewCitationRegistry(runID string) *CitationRegistry {
	return &CitationRegistry{
		citations: make(map[string]Citation),
		runID:     runID,
	}
}

// WithStore attaches an optional Redis-backed persistence hook; returns
// the registry for chaining.
func (r *CitationRegistry) WithStore(store RedisCitationStore) *CitationRegistry {
	r.store = store
	return r
}

// Register assigns a new unique citation id and stores c under it,
// returning the assigned id. The persistence hook, if attached, is
// best-effort: a failure there never fails registration.
func (r *CitationRegistry) Register(c Citation) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	c.ID = id
	if c.AccessedDate.IsZero() {
		c.AccessedDate = time.Now()
	}
	r.citations[id] = c

	if r.store != nil {
		_ = r.store.SaveCitation(r.runID, c)
	}
	return id
}

// Get returns the citation registered under id, if any.
func (r *CitationRegistry) Get(id string) (Citation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.citations[id]
	return c, ok
}

// All returns every citation registered so far, in no particular order.
func (r *CitationRegistry) All() []Citation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Citation, 0, len(r.citations))
	for _, c := range r.citations {
		out = append(out, c)
	}
	return out
}
