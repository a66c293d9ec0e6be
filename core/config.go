package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the deliberation core. It supports
// three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithRuntimeURL("http://localhost:11434"),
//	    WithMaxConcurrentOutbound(4),
//	    WithMaxDeliberationRounds(7),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Name identifies this deliberation core instance in logs and traces.
	Name string `json:"name" yaml:"name" env:"DELIBERATE_NAME" default:"deliberate"`

	// Runtime configures the local model runtime client.
	Runtime RuntimeConfig `json:"runtime" yaml:"runtime"`

	// ModelSlot configures the single-slot model loader.
	ModelSlot ModelSlotConfig `json:"model_slot" yaml:"model_slot"`

	// Retrieval configures the evidence retriever's fanout and cache.
	Retrieval RetrievalConfig `json:"retrieval" yaml:"retrieval"`

	// Pipeline configures the deliberation engine's bounds.
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`

	// Redis configures the optional distributed backend for the evidence
	// cache and citation registry. Left zero-valued, both fall back to
	// in-memory implementations.
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Resilience configures circuit breaking around the runtime client.
	Resilience ResilienceConfig `json:"resilience" yaml:"resilience"`

	// Logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Development configuration.
	Development DevelopmentConfig `json:"development" yaml:"development"`

	// Telemetry configuration (optional module).
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// logger is excluded from (un)marshaling; set via WithLogger or built
	// lazily from Logging/Development in NewConfig.
	logger Logger `json:"-" yaml:"-"`
}

// RuntimeConfig contains model runtime HTTP client settings (spec §6's
// runtime HTTP shapes: POST /api/generate, GET /api/tags).
type RuntimeConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url" env:"DELIBERATE_RUNTIME_URL" default:"http://localhost:11434"`
	Timeout time.Duration `json:"timeout" yaml:"timeout" env:"DELIBERATE_RUNTIME_TIMEOUT" default:"120s"`
}

// ModelSlotConfig contains single-slot loader retry/backoff settings.
type ModelSlotConfig struct {
	LoadRetries  int           `json:"load_retries" yaml:"load_retries" env:"DELIBERATE_MODEL_LOAD_RETRIES" default:"3"`
	BackoffBase  time.Duration `json:"backoff_base" yaml:"backoff_base" env:"DELIBERATE_MODEL_BACKOFF_BASE" default:"2s"`
	SettleWait   time.Duration `json:"settle_wait" yaml:"settle_wait" env:"DELIBERATE_MODEL_SETTLE_WAIT" default:"500ms"`
}

// RetrievalConfig contains the evidence retriever's bounded fanout and
// cache settings.
type RetrievalConfig struct {
	MaxConcurrentOutbound int           `json:"max_concurrent_outbound" yaml:"max_concurrent_outbound" env:"DELIBERATE_MAX_CONCURRENT" default:"4"`
	TopKVector            int           `json:"top_k_vector" yaml:"top_k_vector" env:"DELIBERATE_TOP_K_VECTOR" default:"5"`
	TopKWeb               int           `json:"top_k_web" yaml:"top_k_web" env:"DELIBERATE_TOP_K_WEB" default:"5"`
	MaxSourcesPerQuestion int           `json:"max_sources_per_question" yaml:"max_sources_per_question" env:"DELIBERATE_MAX_SOURCES" default:"8"`
	CacheTTL              time.Duration `json:"cache_ttl" yaml:"cache_ttl" env:"DELIBERATE_CACHE_TTL" default:"168h"`
	MaxContentChars       int           `json:"max_content_chars" yaml:"max_content_chars" env:"DELIBERATE_MAX_CONTENT_CHARS" default:"2000"`
}

// PipelineConfig contains the deliberation engine's iteration bounds.
type PipelineConfig struct {
	MaxDeliberationRounds int     `json:"max_deliberation_rounds" yaml:"max_deliberation_rounds" env:"DELIBERATE_MAX_DELIBERATION" default:"7"`
	ConsensusThreshold    float64 `json:"consensus_threshold" yaml:"consensus_threshold" env:"DELIBERATE_CONSENSUS_TARGET" default:"0.85"`
	MaxParseRetries       int     `json:"max_parse_retries" yaml:"max_parse_retries" env:"DELIBERATE_MAX_PARSE_RETRIES" default:"2"`
}

// RedisConfig contains the optional Redis backend used by the evidence
// cache and citation registry persistence hook.
type RedisConfig struct {
	URL     string `json:"url" yaml:"url" env:"DELIBERATE_REDIS_URL,REDIS_URL"`
	Enabled bool   `json:"enabled" yaml:"enabled" env:"DELIBERATE_REDIS_ENABLED" default:"false"`
}

// ResilienceConfig contains circuit-breaking settings guarding the model
// runtime client (spec §4.2's "fail fast" behavior on repeated load failure).
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
}

// CircuitBreakerConfig defines circuit breaker pattern settings. The
// breaker opens after Threshold consecutive failures and stays open for
// Timeout before allowing a half-open probe.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled" env:"DELIBERATE_CB_ENABLED" default:"true"`
	Threshold        int           `json:"threshold" yaml:"threshold" env:"DELIBERATE_CB_THRESHOLD" default:"5"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout" env:"DELIBERATE_CB_TIMEOUT" default:"30s"`
	HalfOpenRequests int           `json:"half_open_requests" yaml:"half_open_requests" env:"DELIBERATE_CB_HALF_OPEN" default:"1"`
}

// LoggingConfig contains logging configuration. Supports structured (JSON)
// and human-readable (text) formats.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"DELIBERATE_LOG_LEVEL" default:"info"`
	Format     string `json:"format" yaml:"format" env:"DELIBERATE_LOG_FORMAT" default:"json"`
	Output     string `json:"output" yaml:"output" env:"DELIBERATE_LOG_OUTPUT" default:"stdout"`
}

// DevelopmentConfig contains settings for local development and testing.
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" yaml:"enabled" env:"DEV_MODE" default:"false"`
	DebugLogging bool `json:"debug_logging" yaml:"debug_logging" env:"DELIBERATE_DEBUG" default:"false"`
}

// TelemetryConfig contains observability configuration for metrics and
// distributed tracing (optional module, only initialized when Enabled=true).
type TelemetryConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled" env:"DELIBERATE_TELEMETRY_ENABLED" default:"false"`
	Endpoint     string  `json:"endpoint" yaml:"endpoint" env:"DELIBERATE_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" env:"DELIBERATE_TELEMETRY_SAMPLING_RATE" default:"1.0"`
}

// Option is a functional option for configuring the core.
type Option func(*Config) error

// DefaultConfig returns a configuration with the spec's stated numeric
// defaults (N=3 load retries, base 2s backoff, max_concurrent_outbound=4,
// top_k_v=top_k_w=5, max_deliberation_rounds=7, consensus threshold 0.85).
func DefaultConfig() *Config {
	return &Config{
		Name: "deliberate",
		Runtime: RuntimeConfig{
			BaseURL: "http://localhost:11434",
			Timeout: 120 * time.Second,
		},
		ModelSlot: ModelSlotConfig{
			LoadRetries: DefaultModelLoadRetries,
			BackoffBase: 2 * time.Second,
			SettleWait:  500 * time.Millisecond,
		},
		Retrieval: RetrievalConfig{
			MaxConcurrentOutbound: DefaultMaxConcurrentOutbound,
			TopKVector:            DefaultTopKVector,
			TopKWeb:               DefaultTopKWeb,
			MaxSourcesPerQuestion: 8,
			CacheTTL:              DefaultCacheTTL,
			MaxContentChars:       DefaultMaxContentChars,
		},
		Pipeline: PipelineConfig{
			MaxDeliberationRounds: DefaultMaxDeliberationRounds,
			ConsensusThreshold:    DefaultConsensusThreshold,
			MaxParseRetries:       DefaultMaxParseRetries,
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				Threshold:        5,
				Timeout:          30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadFromEnv overlays environment variables onto the current configuration.
// It reads a fixed list of variables: the runtime URL and timeout, model
// load retries, max concurrent outbound, max deliberation rounds, consensus
// target, Redis URL, log level and format, DEV_MODE, debug logging, and the
// telemetry endpoint. Where two names are listed, the first one set wins.
// The `env:` tags of the other fields are not read.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv(EnvRuntimeURL); v != "" {
		c.Runtime.BaseURL = v
	}
	if v := firstEnv("DELIBERATE_RUNTIME_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", "DELIBERATE_RUNTIME_TIMEOUT", ErrInvalidConfiguration)
		}
		c.Runtime.Timeout = d
	}
	if v := firstEnv("DELIBERATE_MODEL_LOAD_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", "DELIBERATE_MODEL_LOAD_RETRIES", ErrInvalidConfiguration)
		}
		c.ModelSlot.LoadRetries = n
	}
	if v := firstEnv("DELIBERATE_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", "DELIBERATE_MAX_CONCURRENT", ErrInvalidConfiguration)
		}
		c.Retrieval.MaxConcurrentOutbound = n
	}
	if v := firstEnv("DELIBERATE_MAX_DELIBERATION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", "DELIBERATE_MAX_DELIBERATION", ErrInvalidConfiguration)
		}
		c.Pipeline.MaxDeliberationRounds = n
	}
	if v := firstEnv("DELIBERATE_CONSENSUS_TARGET"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", "DELIBERATE_CONSENSUS_TARGET", ErrInvalidConfiguration)
		}
		c.Pipeline.ConsensusThreshold = f
	}
	if v := firstEnv("DELIBERATE_REDIS_URL", "REDIS_URL"); v != "" {
		c.Redis.URL = v
		c.Redis.Enabled = true
	}
	if v := firstEnv("DELIBERATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := firstEnv("DELIBERATE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := firstEnv("DEV_MODE"); v != "" {
		c.Development.Enabled = parseBool(v)
	}
	if v := firstEnv("DELIBERATE_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
	}
	if v := firstEnv("DELIBERATE_TELEMETRY_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	return nil
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return strings.EqualFold(s, "yes") || strings.EqualFold(s, "on")
	}
	return b
}

// Validate checks the configuration for required fields and sane ranges,
// returning ErrMissingConfiguration / ErrInvalidConfiguration wrapped with
// the offending field.
func (c *Config) Validate() error {
	if c.Runtime.BaseURL == "" {
		return fmt.Errorf("runtime.base_url: %w", ErrMissingConfiguration)
	}
	if c.Runtime.Timeout <= 0 {
		return fmt.Errorf("runtime.timeout must be positive: %w", ErrInvalidConfiguration)
	}
	if c.ModelSlot.LoadRetries < 1 {
		return fmt.Errorf("model_slot.load_retries must be >= 1: %w", ErrInvalidConfiguration)
	}
	if c.Retrieval.MaxConcurrentOutbound < 1 {
		return fmt.Errorf("retrieval.max_concurrent_outbound must be >= 1: %w", ErrInvalidConfiguration)
	}
	if c.Retrieval.TopKVector < 1 || c.Retrieval.TopKWeb < 1 {
		return fmt.Errorf("retrieval.top_k_vector and top_k_web must be >= 1: %w", ErrInvalidConfiguration)
	}
	if c.Pipeline.MaxDeliberationRounds < 1 {
		return fmt.Errorf("pipeline.max_deliberation_rounds must be >= 1: %w", ErrInvalidConfiguration)
	}
	if c.Pipeline.ConsensusThreshold <= 0 || c.Pipeline.ConsensusThreshold > 1 {
		return fmt.Errorf("pipeline.consensus_threshold must be in (0,1]: %w", ErrInvalidConfiguration)
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis.url required when redis.enabled: %w", ErrMissingConfiguration)
	}
	return nil
}

// MarshalYAML round-trips Config to YAML for snapshotting/debugging; it
// never reads config from disk (file loading is an external concern).
func (c *Config) MarshalYAML() (interface{}, error) {
	type alias Config
	return (*alias)(c), nil
}

// --- Functional options ---

// WithName sets the instance name used in logs and traces.
func WithName(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("name must not be empty: %w", ErrInvalidConfiguration)
		}
		c.Name = name
		return nil
	}
}

// WithRuntimeURL sets the model runtime's base URL.
func WithRuntimeURL(url string) Option {
	return func(c *Config) error {
		if url == "" {
			return fmt.Errorf("runtime url must not be empty: %w", ErrInvalidConfiguration)
		}
		c.Runtime.BaseURL = url
		return nil
	}
}

// WithRuntimeTimeout sets the model runtime HTTP client's timeout.
func WithRuntimeTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout <= 0 {
			return fmt.Errorf("runtime timeout must be positive: %w", ErrInvalidConfiguration)
		}
		c.Runtime.Timeout = timeout
		return nil
	}
}

// WithModelLoadRetries overrides the ModelSlot's retry attempt count.
func WithModelLoadRetries(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("model load retries must be >= 1: %w", ErrInvalidConfiguration)
		}
		c.ModelSlot.LoadRetries = n
		return nil
	}
}

// WithMaxConcurrentOutbound overrides the retriever's fanout bound.
func WithMaxConcurrentOutbound(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("max concurrent outbound must be >= 1: %w", ErrInvalidConfiguration)
		}
		c.Retrieval.MaxConcurrentOutbound = n
		return nil
	}
}

// WithMaxDeliberationRounds overrides the pipeline's revision-round cap.
func WithMaxDeliberationRounds(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("max deliberation rounds must be >= 1: %w", ErrInvalidConfiguration)
		}
		c.Pipeline.MaxDeliberationRounds = n
		return nil
	}
}

// WithConsensusThreshold overrides the Judge's consensus acceptance target.
func WithConsensusThreshold(threshold float64) Option {
	return func(c *Config) error {
		if threshold <= 0 || threshold > 1 {
			return fmt.Errorf("consensus threshold must be in (0,1]: %w", ErrInvalidConfiguration)
		}
		c.Pipeline.ConsensusThreshold = threshold
		return nil
	}
}

// WithRedisURL enables the Redis-backed evidence cache / citation registry.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		if url == "" {
			return fmt.Errorf("redis url must not be empty: %w", ErrInvalidConfiguration)
		}
		c.Redis.URL = url
		c.Redis.Enabled = true
		return nil
	}
}

// WithCircuitBreaker overrides the runtime circuit breaker's thresholds.
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(c *Config) error {
		if threshold < 1 {
			return fmt.Errorf("circuit breaker threshold must be >= 1: %w", ErrInvalidConfiguration)
		}
		c.Resilience.CircuitBreaker.Enabled = true
		c.Resilience.CircuitBreaker.Threshold = threshold
		c.Resilience.CircuitBreaker.Timeout = timeout
		return nil
	}
}

// WithLogLevel overrides the logging level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat overrides the logging format ("json" or "text").
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		if format != "json" && format != "text" {
			return fmt.Errorf("log format must be json or text: %w", ErrInvalidConfiguration)
		}
		c.Logging.Format = format
		return nil
	}
}

// WithDevelopmentMode enables development-friendly defaults (debug logging,
// human-readable output).
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Development.DebugLogging = true
			c.Logging.Format = "text"
		}
		return nil
	}
}

// WithTelemetry enables OTLP export at the given endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithLogger injects a pre-built logger, bypassing ProductionLogger
// construction from LoggingConfig/DevelopmentConfig.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// Logger returns the configured logger, building the default
// ProductionLogger from LoggingConfig/DevelopmentConfig if none was set.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		c.logger = NewProductionLogger(c.Logging, c.Development, c.Name)
	}
	return c.logger
}

// NewConfig builds a Config from defaults, then environment variables,
// then the supplied functional options (highest priority), validating the
// result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		logger := NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)
		if prodLogger, ok := logger.(*ProductionLogger); ok {
			trackLogger(prodLogger)
		}
		cfg.logger = logger
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// YAML renders the configuration as YAML for snapshotting/debugging. It
// never reads from disk; loading a config file remains an external concern.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ============================================================================
// ProductionLogger - layered observability: console output, then (if
// telemetry registers itself) metrics emission. No rate limiting is applied.
// ============================================================================

// ProductionLogger provides layered observability for core operations.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer

	// Metrics layer (enabled when telemetry available)
	metricsEnabled bool
}

// NewProductionLogger creates a logger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	return &ProductionLogger{
		level:          strings.ToLower(logging.Level),
		debug:          dev.DebugLogging || logging.Level == "debug",
		serviceName:    serviceName,
		format:         logging.Format,
		output:         output,
		metricsEnabled: false, // Enabled by telemetry module when available
	}
}

// EnableMetrics is called by the telemetry module to enable the metrics layer.
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

// WithComponent returns a logger that tags every line with component,
// satisfying ComponentAwareLogger.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.serviceName = p.serviceName + "/" + component
	return &clone
}

// logEvent implements both observability layers.
func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"message":   msg,
		}

		if ctx != nil {
			if baggage := getContextBaggage(ctx); len(baggage) > 0 {
				for k, v := range baggage {
					logEntry["trace."+k] = v
				}
			}
		}

		for k, v := range fields {
			logEntry[k] = v
		}

		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		traceInfo := ""
		if ctx != nil {
			if baggage := getContextBaggage(ctx); baggage["trace_id"] != "" {
				traceInfo = fmt.Sprintf("[trace=%s] ", baggage["trace_id"])
			}
		}

		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
			}
		}

		fmt.Fprintf(p.output, "%s [%s] [%s] %s%s%s\n",
			timestamp, level, p.serviceName, traceInfo, msg, fieldStr.String())
	}

	if p.metricsEnabled {
		p.emitFrameworkMetric(level, msg, fields, ctx)
	}
}

// emitFrameworkMetric records a counter per log line, with cardinality kept
// bounded by only labeling on level/service, never on free-form fields.
func (p *ProductionLogger) emitFrameworkMetric(level, msg string, fields map[string]interface{}, ctx context.Context) {
	labels := []string{
		"level", level,
		"service", p.serviceName,
	}

	if ctx != nil {
		emitMetricWithContext(ctx, "core.log_events", 1, labels...)
	} else {
		emitMetric("core.log_events", 1, labels...)
	}
}

func emitMetric(name string, value float64, labels ...string) {
	if registry := GetGlobalMetricsRegistry(); registry != nil {
		registry.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if registry := GetGlobalMetricsRegistry(); registry != nil {
		registry.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if registry := GetGlobalMetricsRegistry(); registry != nil {
		return registry.GetBaggage(ctx)
	}
	return nil
}
