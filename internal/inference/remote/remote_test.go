package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/visionbridge/internal/apperrors"
	"github.com/jo-hoe/visionbridge/internal/config"
	"github.com/jo-hoe/visionbridge/internal/inference"
)

func stagedImage(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "job-1.jpg")
	require.NoError(t, os.WriteFile(p, []byte("jpegdata"), 0o600))
	return p
}

func completion(content string) chatCompletionResponse {
	return chatCompletionResponse{
		ID: "id-123",
		Choices: []chatCompletionChoice{
			{Message: responseMsg{Role: "assistant", Content: content}, FinishReason: "stop"},
		},
	}
}

func TestClient_InvokeSuccess(t *testing.T) {
	var seenAuth string
	var seenBody map[string]any

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/chat/completions" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&seenBody); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion(`{"a":1}`))
	}))
	defer ts.Close()

	c := New(config.InferenceConfig{Endpoint: ts.URL + "/", APIKey: "k123", Model: "gemma-3-4b-it", Temperature: 0.1})
	out, err := c.Invoke(context.Background(), inference.Request{
		ImagePath: stagedImage(t),
		Prompt:    "describe",
		Schema:    `{"type":"object"}`,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"a":1}`, string(out.Stdout))
	assert.Zero(t, out.ExitCode)
	assert.Equal(t, "POST "+ts.URL+"/v1/chat/completions model=gemma-3-4b-it", out.CommandLine)
	assert.Equal(t, "Bearer k123", seenAuth)

	assert.Equal(t, "gemma-3-4b-it", seenBody["model"])
	assert.NotContains(t, seenBody, "stream")
	assert.InDelta(t, 0.1, seenBody["temperature"], 1e-9)
	msgs := seenBody["messages"].([]any)
	require.Len(t, msgs, 1)
	parts := msgs[0].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "describe", parts[0].(map[string]any)["text"])
	img := parts[1].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	assert.True(t, strings.HasPrefix(img, "data:image/jpeg;base64,"), img)

	rf := seenBody["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", rf["type"])
	assert.Equal(t, map[string]any{"type": "object"}, rf["json_schema"].(map[string]any)["schema"])
}

func TestClient_TextModeOmitsResponseFormat(t *testing.T) {
	var seenBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&seenBody)
		_ = json.NewEncoder(w).Encode(completion("A window."))
	}))
	defer ts.Close()

	out, err := New(config.InferenceConfig{Endpoint: ts.URL}).Invoke(context.Background(),
		inference.Request{ImagePath: stagedImage(t), Prompt: "describe"})
	require.NoError(t, err)
	assert.Equal(t, "A window.", string(out.Stdout))
	assert.NotContains(t, seenBody, "response_format")
	assert.NotContains(t, seenBody, "max_tokens")
}

func TestClient_Non2xxIsData(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	out, err := New(config.InferenceConfig{Endpoint: ts.URL}).Invoke(context.Background(),
		inference.Request{ImagePath: stagedImage(t)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, out.ExitCode)
	assert.Contains(t, string(out.Stderr), "model not loaded")
}

func TestClient_MalformedResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer ts.Close()

	_, err := New(config.InferenceConfig{Endpoint: ts.URL}).Invoke(context.Background(),
		inference.Request{ImagePath: stagedImage(t)})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInferenceFailed), "got %v", err)
}

func TestClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := New(config.InferenceConfig{Endpoint: url}).Invoke(context.Background(),
		inference.Request{ImagePath: stagedImage(t)})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindLaunchFailed), "got %v", err)
}

func TestClient_Deadline(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(config.InferenceConfig{Endpoint: ts.URL}).Invoke(ctx, inference.Request{ImagePath: stagedImage(t)})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindUnexpectedFault), "got %v", err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_MissingImage(t *testing.T) {
	_, err := New(config.InferenceConfig{Endpoint: "http://127.0.0.1:1"}).Invoke(context.Background(),
		inference.Request{ImagePath: filepath.Join(t.TempDir(), "gone.jpg")})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindUnexpectedFault))
}
