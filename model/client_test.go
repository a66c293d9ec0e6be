package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/localforge/deliberate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func desc(id string) core.ModelDescriptor {
	return core.ModelDescriptor{
		ID:                  id,
		Temperature:         0.7,
		MaxContextTokens:    4096,
		MaxGenerationTokens: 512,
	}
}

func TestRuntimeClient_Generate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var body generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3", body.Model)
		assert.Equal(t, 0, body.KeepAlive)
		assert.False(t, body.Stream)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(generateResponse{Response: "hello world"})
	}))
	defer server.Close()

	client := NewRuntimeClient(server.URL, 5*time.Second, nil)
	out, err := client.Generate(context.Background(), desc("llama3"), "say hello")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestRuntimeClient_Generate_ModelAbsent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewRuntimeClient(server.URL, 5*time.Second, nil)
	_, err := client.Generate(context.Background(), desc("missing-model"), "prompt")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrModelAbsent)
}

func TestRuntimeClient_Generate_RuntimeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewRuntimeClient(server.URL, 5*time.Second, nil)
	_, err := client.Generate(context.Background(), desc("llama3"), "prompt")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRuntimeError)
}

func TestRuntimeClient_Generate_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewRuntimeClient(server.URL, 5*time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := client.Generate(ctx, desc("llama3"), "prompt")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRuntimeTimeout)
}

func TestRuntimeClient_EnsurePresent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_ = json.NewEncoder(w).Encode(tagsResponse{
			Models: []struct {
				Name string `json:"name"`
			}{{Name: "llama3"}},
		})
	}))
	defer server.Close()

	client := NewRuntimeClient(server.URL, 5*time.Second, nil)

	err := client.EnsurePresent(context.Background(), desc("llama3"))
	assert.NoError(t, err)

	err = client.EnsurePresent(context.Background(), desc("not-there"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrModelAbsent)
}
