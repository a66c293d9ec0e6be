package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/localforge/deliberate/core"
	"github.com/localforge/deliberate/resilience"
)

// Generator is the subset of RuntimeClient the slot depends on. Tests
// substitute a fake to exercise retry and circuit-breaker behavior without
// a real runtime.
type Generator interface {
	Generate(ctx context.Context, desc core.ModelDescriptor, prompt string) (string, error)
	EnsurePresent(ctx context.Context, desc core.ModelDescriptor) error
}

// Slot is the single-slot model loader. At most one model is ever resident
// at a time: acquiring the slot for a different model blocks callers until
// the current holder releases it, and a settle-wait is honored after the
// previous model unloads before the next one is allowed to load.
type Slot struct {
	mu sync.Mutex

	client    Generator
	logger    core.Logger
	telemetry core.Telemetry
	cb        *resilience.CircuitBreaker
	retry     *resilience.RetryConfig

	settleWait time.Duration

	currentModelID string
	lastUnloadAt   time.Time
}

// NewSlot builds a Slot backed by client, configured from cfg.
func NewSlot(client Generator, cfg core.ModelSlotConfig, logger core.Logger) (*Slot, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	cb, err := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
		Name:             "model-slot",
		ErrorThreshold:   0.5,
		VolumeThreshold:  3,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 1,
		BucketCount:      10,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build model slot circuit breaker: %w", err)
	}

	backoff := cfg.BackoffBase
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	attempts := cfg.LoadRetries
	if attempts < 1 {
		attempts = core.DefaultModelLoadRetries
	}

	return &Slot{
		client:    client,
		logger:    logger,
		telemetry: &core.NoOpTelemetry{},
		cb:        cb,
		retry: &resilience.RetryConfig{
			MaxAttempts:   attempts,
			InitialDelay:  backoff,
			MaxDelay:      backoff * time.Duration(attempts),
			BackoffFactor: 2.0,
			JitterEnabled: true,
		},
		settleWait: cfg.SettleWait,
	}, nil
}

// SetTelemetry attaches a telemetry sink recording a span per load and
// generate call plus the modelslot.load.attempts metric. Left unset, the
// slot records nothing.
func (s *Slot) SetTelemetry(t core.Telemetry) {
	if t == nil {
		t = &core.NoOpTelemetry{}
	}
	s.telemetry = t
}

// WithModel serializes on the slot's lock, swaps the resident model to desc
// if necessary (waiting out the settle period after any previous unload),
// loads it with retry/backoff under circuit-breaker protection, and runs
// body with the slot held. The model is always unloaded (keep_alive=0 is
// set on every generate call, so the runtime itself unloads on completion)
// and the settle clock reset before WithModel returns.
func (s *Slot) WithModel(ctx context.Context, desc core.ModelDescriptor, deadline time.Time, body func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	if err := s.awaitSettle(ctx); err != nil {
		return err
	}

	if err := s.load(ctx, desc); err != nil {
		return err
	}

	err := body(ctx)

	s.currentModelID = ""
	s.lastUnloadAt = time.Now()

	return err
}

// awaitSettle blocks until settleWait has elapsed since the last unload,
// or ctx is canceled.
func (s *Slot) awaitSettle(ctx context.Context) error {
	if s.lastUnloadAt.IsZero() || s.settleWait <= 0 {
		return nil
	}
	remaining := s.settleWait - time.Since(s.lastUnloadAt)
	if remaining <= 0 {
		return nil
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// load ensures desc is resident, retrying transient runtime failures with
// exponential backoff and failing fast via the circuit breaker once the
// runtime has proven persistently unavailable.
func (s *Slot) load(ctx context.Context, desc core.ModelDescriptor) error {
	ctx, span := s.telemetry.StartSpan(ctx, "modelslot.load")
	span.SetAttribute("model", desc.ID)
	defer span.End()

	attempts := 0
	err := resilience.RetryWithCircuitBreaker(ctx, s.retry, s.cb, func() error {
		attempts++
		return s.client.EnsurePresent(ctx, desc)
	})
	s.telemetry.RecordMetric("modelslot.load.attempts", float64(attempts), map[string]string{"model": desc.ID})

	if err != nil {
		span.RecordError(err)
		s.logger.Error("model load failed", map[string]interface{}{
			"model": desc.ID,
			"error": err.Error(),
		})
		return fmt.Errorf("load model %s: %w", desc.ID, core.ErrModelLoadFailed)
	}

	s.currentModelID = desc.ID
	return nil
}

// Generate loads desc if necessary via WithModel and runs a single
// generation against prompt, returning the runtime's response text.
func (s *Slot) Generate(ctx context.Context, desc core.ModelDescriptor, deadline time.Time, prompt string) (string, error) {
	var out string
	err := s.WithModel(ctx, desc, deadline, func(ctx context.Context) error {
		ctx, span := s.telemetry.StartSpan(ctx, "modelslot.generate")
		span.SetAttribute("model", desc.ID)
		defer span.End()

		var genErr error
		out, genErr = s.client.Generate(ctx, desc, prompt)
		if genErr != nil {
			span.RecordError(genErr)
		}
		return genErr
	})
	return out, err
}

// CurrentModel returns the currently resident model id, or "" if none.
func (s *Slot) CurrentModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentModelID
}

// Release forces the slot to forget its resident model without waiting on
// the settle period. Intended for shutdown paths.
func (s *Slot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentModelID = ""
	s.lastUnloadAt = time.Time{}
}
