// Package deliberate wires the deliberation core's components (model
// runtime, model slot, evidence retriever, the six agents, and the
// pipeline engine) from a single Config into a ready-to-run Engine. It is
// the one place that knows how every package fits together; embedders
// needing finer control can construct each package directly instead.
package deliberate

import (
	"fmt"

	"github.com/localforge/deliberate/agent"
	"github.com/localforge/deliberate/core"
	"github.com/localforge/deliberate/model"
	"github.com/localforge/deliberate/pipeline"
	"github.com/localforge/deliberate/prompt"
	"github.com/localforge/deliberate/retrieval"
	"github.com/localforge/deliberate/telemetry"
)

// Models names the model descriptor each agent loads into the shared
// ModelSlot. Agents typically share one model, but nothing requires it.
type Models struct {
	Interpreter core.ModelDescriptor
	Planner     core.ModelDescriptor
	Grounder    core.ModelDescriptor
	Auditor     core.ModelDescriptor
	Visualizer  core.ModelDescriptor
	Judge       core.ModelDescriptor
}

// New assembles a pipeline.Engine from cfg, a set of per-agent model
// descriptors, and the two retrieval backends (either may be nil). The
// model slot it builds is not returned: it is handed to the engine as its
// Releaser, and Engine.Run releases it at the end of every run.
func New(cfg *core.Config, models Models, vector retrieval.VectorStore, web retrieval.WebSearch) (*pipeline.Engine, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}

	logger := buildLogger(cfg)

	runtimeClient := model.NewRuntimeClient(cfg.Runtime.BaseURL, cfg.Runtime.Timeout, logger)
	slot, err := model.NewSlot(runtimeClient, cfg.ModelSlot, logger)
	if err != nil {
		return nil, fmt.Errorf("build model slot: %w", err)
	}

	var redisClient *core.RedisClient
	if cfg.Redis.Enabled {
		redisClient, err = core.NewRedisClient(core.RedisClientOptions{
			RedisURL:  cfg.Redis.URL,
			DB:        core.RedisDBEvidenceCache,
			Namespace: cfg.Name,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build redis client: %w", err)
		}
	}

	cache := retrieval.NewCache(redisClient, logger)
	retriever := retrieval.NewRetriever(vector, web, cache, cfg.Retrieval, logger)

	assembler := prompt.NewAssembler()
	maxParseRetries := cfg.Pipeline.MaxParseRetries

	engine := pipeline.NewEngine(slot, slot, pipeline.Config{
		MaxDeliberationRounds: cfg.Pipeline.MaxDeliberationRounds,
	}, logger)

	if cfg.Telemetry.Enabled {
		telemetryProvider, err := telemetry.NewOTelTelemetry(cfg.Name, cfg.Telemetry.Endpoint, logger)
		if err != nil {
			return nil, fmt.Errorf("build telemetry provider: %w", err)
		}
		slot.SetTelemetry(telemetryProvider)
		engine.SetTelemetry(telemetryProvider)
	}

	if cfg.Redis.Enabled {
		citationClient, err := core.NewRedisClient(core.RedisClientOptions{
			RedisURL:  cfg.Redis.URL,
			DB:        core.RedisDBCitationRegistry,
			Namespace: cfg.Name,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build citation registry redis client: %w", err)
		}
		engine.SetCitationStore(retrieval.NewRedisCitationStore(citationClient, logger))
	}

	engine.Register(agent.NewInterpreter(models.Interpreter, assembler, maxParseRetries, logger))
	engine.Register(agent.NewPlanner(models.Planner, assembler, maxParseRetries, logger))
	engine.Register(agent.NewGrounder(models.Grounder, assembler, retriever, maxParseRetries, logger))
	engine.Register(agent.NewAuditor(models.Auditor, assembler, maxParseRetries, logger))
	engine.Register(agent.NewVisualizer(models.Visualizer, assembler, maxParseRetries, logger))
	engine.Register(agent.NewJudge(models.Judge, assembler, cfg.Pipeline.ConsensusThreshold, cfg.Pipeline.MaxDeliberationRounds, maxParseRetries, logger))

	return engine, nil
}

// buildLogger returns cfg's own logger (the ProductionLogger unless an
// option replaced it); when telemetry is enabled it returns the
// telemetry package's TelemetryLogger instead, which rate-limits error
// lines and adds trace/span ids to the *WithContext calls.
func buildLogger(cfg *core.Config) core.Logger {
	if !cfg.Telemetry.Enabled {
		return cfg.Logger()
	}
	return telemetry.NewTelemetryLogger(cfg.Name)
}
