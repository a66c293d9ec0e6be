// Package agent implements the common think-cycle shared by all six
// deliberation roles (Interpreter, Planner, Grounder, Auditor, Visualizer,
// Judge) and the roles themselves.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/localforge/deliberate/core"
	"github.com/localforge/deliberate/jsonx"
)

// jsonRetryInstruction is appended to the prompt on retry attempts after a
// failed extraction or validation. The prompt is otherwise identical, per
// the think-cycle contract.
const jsonRetryInstruction = "\n\nRespond with a single valid JSON object only. Do not include any prose, explanation, or markdown fences around it."

// Generator is the subset of model.Slot the think-cycle depends on.
type Generator interface {
	Generate(ctx context.Context, desc core.ModelDescriptor, deadline time.Time, prompt string) (string, error)
}

// Assembler is the subset of prompt.Assembler the think-cycle depends on.
type Assembler interface {
	Assemble(template string, input interface{}, evidence []core.SourceRecord) (string, error)
}

// Agent is the uniform interface PipelineEngine drives every role through.
type Agent interface {
	ID() core.AgentID
	Think(ctx context.Context, state *core.SharedState, slot Generator, deadline time.Time) error
}

// Base implements the think-cycle described in spec §4.6 around three
// hooks supplied by each concrete agent: PrepareInput, Parse, Degrade.
// Composition over inheritance: every agent is a Base plus hook functions,
// not a subclass.
type Base struct {
	id              core.AgentID
	model           core.ModelDescriptor
	template        string
	assembler       Assembler
	maxParseRetries int
	logger          core.Logger

	// PrepareInput reads state and returns the structured input fragment
	// for the prompt plus any retrieved evidence to attach. A non-nil
	// error is treated as fatal and routes straight to Degrade.
	PrepareInput func(state *core.SharedState) (input interface{}, evidence []core.SourceRecord, err error)

	// Parse validates the raw extracted JSON object against the agent's
	// output schema, returning a typed output or a rejection error that
	// triggers a retry.
	Parse func(raw map[string]interface{}, state *core.SharedState) (interface{}, error)

	// Degrade returns the agent's fixed degraded output when generation,
	// extraction, or validation is exhausted.
	Degrade func(state *core.SharedState) interface{}

	// Apply writes the typed output (successful or degraded) onto state,
	// in the single field this agent owns.
	Apply func(state *core.SharedState, output interface{})
}

// NewBase builds a Base. maxParseRetries <= 0 falls back to
// core's default of 2.
func NewBase(id core.AgentID, model core.ModelDescriptor, template string, assembler Assembler, maxParseRetries int, logger core.Logger) *Base {
	if maxParseRetries <= 0 {
		maxParseRetries = core.DefaultMaxParseRetries
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Base{
		id:              id,
		model:           model,
		template:        template,
		assembler:       assembler,
		maxParseRetries: maxParseRetries,
		logger:          logger,
	}
}

// ID returns the agent's fixed identity.
func (b *Base) ID() core.AgentID {
	return b.id
}

// Think implements the full think-cycle. It never returns an error to the
// caller: any fatal condition is recorded in state.Errors and resolved by
// calling Degrade, with the result always applied via Apply.
func (b *Base) Think(ctx context.Context, state *core.SharedState, slot Generator, deadline time.Time) error {
	input, evidence, err := b.PrepareInput(state)
	if err != nil {
		return b.fail(state, fmt.Sprintf("prepare_input failed: %v", err))
	}

	output, err := b.GenerateStructured(ctx, slot, deadline, input, evidence, func(raw map[string]interface{}) (interface{}, error) {
		return b.Parse(raw, state)
	})
	if err != nil {
		return b.fail(state, err.Error())
	}

	b.Apply(state, output)
	state.SetAgentOutput(b.id, output)
	return nil
}

// GenerateStructured runs one assemble→invoke→extract→validate→retry cycle
// against input/evidence, applying parse to the extracted object, retrying
// up to maxParseRetries on extraction or parse failure with the JSON-only
// retry instruction appended. It is the reusable core of the think-cycle,
// exposed so agents that issue more than one model call per Think pass
// (Grounder, one call per research question) can drive it directly.
func (b *Base) GenerateStructured(ctx context.Context, slot Generator, deadline time.Time, input interface{}, evidence []core.SourceRecord, parse func(raw map[string]interface{}) (interface{}, error)) (interface{}, error) {
	prompt, err := b.assembler.Assemble(b.template, input, evidence)
	if err != nil {
		return nil, fmt.Errorf("prompt assembly failed: %w", err)
	}

	attemptPrompt := prompt
	for attempt := 0; attempt <= b.maxParseRetries; attempt++ {
		raw, genErr := slot.Generate(ctx, b.model, deadline, attemptPrompt)
		if genErr != nil {
			return nil, fmt.Errorf("model generation failed: %w", genErr)
		}

		var obj map[string]interface{}
		if extractErr := jsonx.Extract(raw, &obj); extractErr != nil {
			b.logger.Warn("json extraction failed, retrying", map[string]interface{}{
				"agent":   string(b.id),
				"attempt": attempt,
				"error":   extractErr.Error(),
			})
			attemptPrompt = prompt + jsonRetryInstruction
			continue
		}

		output, parseErr := parse(obj)
		if parseErr != nil {
			b.logger.Warn("output validation rejected, retrying", map[string]interface{}{
				"agent":   string(b.id),
				"attempt": attempt,
				"error":   parseErr.Error(),
			})
			attemptPrompt = prompt + jsonRetryInstruction
			continue
		}

		return output, nil
	}

	return nil, fmt.Errorf("exhausted %d parse retries", b.maxParseRetries)
}

// fail records the error and applies the degraded output. It always
// returns nil: the think-cycle never raises upstream.
func (b *Base) fail(state *core.SharedState, message string) error {
	state.RecordError(b.id, message)
	b.logger.Error("agent degraded", map[string]interface{}{
		"agent":   string(b.id),
		"message": message,
	})
	output := b.Degrade(state)
	b.Apply(state, output)
	state.SetAgentOutput(b.id, output)
	return nil
}
