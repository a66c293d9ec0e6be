// Package model implements the thin HTTP capability over the local model
// runtime (ModelRuntimeClient) and the single-slot loader that guarantees
// at most one model resident in accelerator memory at a time (ModelSlot).
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/localforge/deliberate/core"
)

// RuntimeClient is a thin capability over a local model runtime exposing
// generation and model-presence endpoints. It never retries: retry is
// ModelSlot's responsibility, one layer up.
type RuntimeClient struct {
	httpClient *http.Client
	baseURL    string
	logger     core.Logger
}

// NewRuntimeClient creates a client bound to baseURL (e.g.
// "http://localhost:11434") with the given per-request timeout.
func NewRuntimeClient(baseURL string, timeout time.Duration, logger core.Logger) *RuntimeClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RuntimeClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		logger:     logger,
	}
}

type generateRequest struct {
	Model     string          `json:"model"`
	Prompt    string          `json:"prompt"`
	Stream    bool            `json:"stream"`
	Options   generateOptions `json:"options"`
	KeepAlive int             `json:"keep_alive"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx"`
	NumPredict  int     `json:"num_predict"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Generate sends a blocking generation request for desc to the runtime.
// keep_alive is always 0, forcing the runtime to unload the model
// immediately on completion per the runtime contract.
func (c *RuntimeClient) Generate(ctx context.Context, desc core.ModelDescriptor, prompt string) (string, error) {
	reqBody := generateRequest{
		Model:  desc.ID,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: desc.Temperature,
			NumCtx:      desc.MaxContextTokens,
			NumPredict:  desc.MaxGenerationTokens,
		},
		KeepAlive: 0,
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", core.ErrRuntimeError)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", core.ErrRuntimeError)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("sending generate request", map[string]interface{}{
		"model": desc.ID,
	})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("generate timed out: %w", core.ErrRuntimeTimeout)
		}
		return "", fmt.Errorf("generate request failed: %w", core.ErrRuntimeUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read generate response: %w", core.ErrRuntimeError)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		var parsed generateResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", fmt.Errorf("decode generate response: %w", core.ErrRuntimeError)
		}
		return parsed.Response, nil
	case http.StatusNotFound:
		return "", fmt.Errorf("model %s: %w", desc.ID, core.ErrModelAbsent)
	default:
		return "", fmt.Errorf("runtime returned status %d: %w", resp.StatusCode, core.ErrRuntimeError)
	}
}

// EnsurePresent probes the runtime's model listing for desc.ID, returning
// core.ErrModelAbsent if it is not present.
func (c *RuntimeClient) EnsurePresent(ctx context.Context, desc core.ModelDescriptor) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build tags request: %w", core.ErrRuntimeError)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("ensure_present timed out: %w", core.ErrRuntimeTimeout)
		}
		return fmt.Errorf("tags request failed: %w", core.ErrRuntimeUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runtime returned status %d: %w", resp.StatusCode, core.ErrRuntimeError)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read tags response: %w", core.ErrRuntimeError)
	}

	var parsed tagsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode tags response: %w", core.ErrRuntimeError)
	}

	for _, m := range parsed.Models {
		if m.Name == desc.ID {
			return nil
		}
	}
	return fmt.Errorf("model %s: %w", desc.ID, core.ErrModelAbsent)
}
