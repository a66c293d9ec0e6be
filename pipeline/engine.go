// Package pipeline drives the fixed per-mode agent sequence over a shared
// run state, applying per-agent quality gates and the Judge-triggered
// revision loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/localforge/deliberate/agent"
	"github.com/localforge/deliberate/core"
)

// defaultAgentTimeBudget is applied to every agent step when Config does
// not override it.
const defaultAgentTimeBudget = 1800 * time.Second

// Releaser is implemented by model.Slot; the engine releases the slot on
// shutdown regardless of how the run ended.
type Releaser interface {
	Release()
}

// Config controls per-run limits the engine enforces independently of
// any single agent.
type Config struct {
	MaxDeliberationRounds int
	AgentTimeBudget       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxDeliberationRounds <= 0 {
		c.MaxDeliberationRounds = core.DefaultMaxDeliberationRounds
	}
	if c.AgentTimeBudget <= 0 {
		c.AgentTimeBudget = defaultAgentTimeBudget
	}
	return c
}

// Engine registers one agent per AgentID and runs the mode-keyed sequence
// declared by core.Mode.Sequence, applying quality gates and the revision
// loop described for the Judge agent.
type Engine struct {
	agents        map[core.AgentID]agent.Agent
	slot          agent.Generator
	releaser      Releaser
	cfg           Config
	logger        core.Logger
	telemetry     core.Telemetry
	citationStore core.RedisCitationStore
}

// NewEngine builds an Engine bound to a single ModelSlot-backed generator.
// releaser may be nil if the caller manages the slot's lifetime elsewhere.
func NewEngine(slot agent.Generator, releaser Releaser, cfg Config, logger core.Logger) *Engine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Engine{
		agents:    make(map[core.AgentID]agent.Agent),
		slot:      slot,
		releaser:  releaser,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		telemetry: &core.NoOpTelemetry{},
	}
}

// Register binds an agent implementation to its AgentID. Must be called
// for every AgentID a run's mode sequence will reference.
func (e *Engine) Register(a agent.Agent) {
	e.agents[a.ID()] = a
}

// SetCitationStore attaches an optional persistence hook for every run's
// CitationRegistry. Left unset, citations stay in-memory for the
// lifetime of the run only.
func (e *Engine) SetCitationStore(store core.RedisCitationStore) {
	e.citationStore = store
}

// SetTelemetry attaches a telemetry sink recording a span and the
// pipeline.agent.duration metric around every agent step. Left unset,
// the engine records nothing.
func (e *Engine) SetTelemetry(t core.Telemetry) {
	if t == nil {
		t = &core.NoOpTelemetry{}
	}
	e.telemetry = t
}

// Run executes one pipeline invocation to completion (or cancellation)
// and always returns a non-nil SharedState, per the always-typed
// degradation invariant.
func (e *Engine) Run(ctx context.Context, userBrief string, mode core.Mode, clarifications map[string]string, sessionID string, overallDeadline time.Time) (*core.SharedState, error) {
	if e.releaser != nil {
		defer e.releaser.Release()
	}

	state := core.NewSharedState(userBrief, mode, clarifications, sessionID)
	if e.citationStore != nil {
		state.Citations.WithStore(e.citationStore)
	}

	sequence, err := mode.Sequence()
	if err != nil {
		state.Finish()
		return state, err
	}

	if err := e.runSequence(ctx, state, sequence, overallDeadline); err != nil {
		state.Finish()
		return state, err
	}

	for state.JudgeDecision == core.DecisionNeedsRevision && state.DeliberationRound < e.cfg.MaxDeliberationRounds {
		state.DeliberationRound++
		tail := revisionTail(sequence)
		if err := e.runSequence(ctx, state, tail, overallDeadline); err != nil {
			state.Finish()
			return state, err
		}
	}

	state.Finish()
	return state, nil
}

// revisionTail returns the portion of a mode sequence re-run on revision:
// every agent after Interpreter and Planner (whose outputs a revision
// round does not need to recompute).
func revisionTail(sequence []core.AgentID) []core.AgentID {
	if len(sequence) <= 2 {
		return sequence
	}
	return sequence[2:]
}

// runSequence steps through agents in order, stopping early only on
// context cancellation, overall deadline exhaustion, or an agent id with
// no registered agent (ErrInvalidAgentID). Everything else
// (parse rejection, gate rejection, retrieval warnings) is recorded on
// state and the sequence continues.
func (e *Engine) runSequence(ctx context.Context, state *core.SharedState, sequence []core.AgentID, overallDeadline time.Time) error {
	for _, id := range sequence {
		if err := ctx.Err(); err != nil {
			state.RecordError(id, fmt.Sprintf("cancelled before running: %v", err))
			return err
		}
		if !overallDeadline.IsZero() && time.Now().After(overallDeadline) {
			state.RecordError(id, "overall deadline exceeded before running")
			return fmt.Errorf("%w: overall deadline exceeded", core.ErrTimeout)
		}

		a, ok := e.agents[id]
		if !ok {
			return fmt.Errorf("no agent registered for %q: %w", id, core.ErrInvalidAgentID)
		}

		stepDeadline := e.stepDeadline(overallDeadline)
		stepCtx, cancel := contextWithDeadline(ctx, stepDeadline)

		spanCtx, span := e.telemetry.StartSpan(stepCtx, fmt.Sprintf("pipeline.agent.%s", id))
		start := time.Now()
		err := a.Think(spanCtx, state, e.slot, stepDeadline)
		e.telemetry.RecordMetric("pipeline.agent.duration", time.Since(start).Seconds(), map[string]string{"agent_id": string(id)})
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err != nil {
			state.RecordError(id, fmt.Sprintf("think failed: %v", err))
			continue
		}

		e.checkGate(state, id)
	}
	return nil
}

func (e *Engine) stepDeadline(overallDeadline time.Time) time.Time {
	budget := time.Now().Add(e.cfg.AgentTimeBudget)
	if overallDeadline.IsZero() || budget.Before(overallDeadline) {
		return budget
	}
	return overallDeadline
}

func contextWithDeadline(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

// checkGate re-validates state invariants for the agent that just ran,
// recording a GateRejected error when they do not hold. This is a safety
// net behind each agent's own parse-time validation; it never mutates
// state, only records.
func (e *Engine) checkGate(state *core.SharedState, id core.AgentID) {
	var reason string

	switch id {
	case core.AgentInterpreter:
		if state.Intent == nil || state.Intent.PrimaryGoal == "" || state.Intent.OutputType == "" {
			reason = "intent missing primary_goal or output_type"
		}
	case core.AgentPlanner:
		if state.Plan == nil || len(state.Plan.ResearchQuestions) == 0 {
			reason = "plan missing research_questions"
		}
	case core.AgentGrounder:
		if len(state.ResearchFindings) == 0 {
			reason = "no research_findings recorded"
		} else {
			for _, f := range state.ResearchFindings {
				if f.Answer != "" && len(f.KeyFindings) == 0 {
					reason = fmt.Sprintf("finding %s has an answer but no cited evidence", f.QuestionID)
					break
				}
			}
		}
	case core.AgentAuditor:
		if state.AuditReport == nil || state.AuditReport.RiskAssessment.OverallRiskLevel == "" {
			reason = "audit_report missing overall_risk_level"
		}
	case core.AgentJudge:
		if state.FinalArtifact == nil || len(state.FinalArtifact.Sections) == 0 {
			reason = "final_artifact has no sections"
		} else if state.ConsensusScore == nil || *state.ConsensusScore < 0 || *state.ConsensusScore > 1 {
			reason = "consensus_score missing or out of range"
		}
	}

	if reason != "" {
		state.RecordError(id, fmt.Sprintf("%v: %s", core.ErrGateRejected, reason))
		e.logger.Warn("quality gate rejected agent output", map[string]interface{}{
			"agent_id": string(id),
			"reason":   reason,
		})
	}
}

// ExitCode maps a completed run to the process exit codes a front-end
// embedding this core should return: 0 success, 1 configuration/fatal
// error, 2 completed but the final artifact failed the quality gate,
// 130 caller cancellation.
func ExitCode(state *core.SharedState, err error) int {
	if errors.Is(err, context.Canceled) {
		return 130
	}
	if err != nil {
		return 1
	}
	if state == nil {
		return 1
	}
	if state.JudgeDecision == core.DecisionAccept {
		return 0
	}
	return 2
}
