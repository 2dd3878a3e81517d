package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirelk/stepflow/pkg/schema"
)

// --- http.request Tests ---

func TestHTTPRequestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "token-1", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	}))
	defer srv.Close()

	tool := NewHTTPRequestTool(HTTPConfig{})
	result, err := tool.Execute(context.Background(), map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Api-Key": "token-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, result["status_code"])

	body, ok := result["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", body["status"])
}

func TestHTTPRequestPostBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "hello", payload["msg"])
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tool := NewHTTPRequestTool(HTTPConfig{})
	result, err := tool.Execute(context.Background(), map[string]any{
		"url":    srv.URL,
		"method": "post",
		"body":   map[string]any{"msg": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, 201, result["status_code"])
}

func TestHTTPRequestBearerAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	tool := NewHTTPRequestTool(HTTPConfig{})
	_, err := tool.Execute(context.Background(), map[string]any{
		"url":  srv.URL,
		"auth": map[string]any{"type": "bearer", "token": "secret"},
	})
	require.NoError(t, err)
}

func TestHTTPRequestFailOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tool := NewHTTPRequestTool(HTTPConfig{})

	// Error statuses are data by default.
	result, err := tool.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 503, result["status_code"])

	// With fail_on_error_status the step fails.
	_, err = tool.Execute(context.Background(), map[string]any{
		"url":                  srv.URL,
		"fail_on_error_status": true,
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeToolFailed, schema.ErrorCode(err))
}

func TestHTTPRequestValidation(t *testing.T) {
	tool := NewHTTPRequestTool(HTTPConfig{})

	_, err := tool.Execute(context.Background(), map[string]any{})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = tool.Execute(context.Background(), map[string]any{"url": "ftp://example.com"})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}
