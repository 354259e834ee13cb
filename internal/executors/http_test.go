package executors

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/enginerr"
	"github.com/waveflow-go/pkg/logger"
)

func TestHTTPExecutorSendsInterpolatedRequest(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotQuery  string
		gotTrace  string
		gotAuth   string
		gotCType  string
		gotBody   map[string]interface{}
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotTrace = r.Header.Get("X-Trace")
		gotAuth = r.Header.Get("Authorization")
		gotCType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	executor := NewHTTPExecutor(logger.NewNop())
	node := testNode("call", workflow.NodeTypeHTTPRequest, map[string]interface{}{
		"method":      "POST",
		"url":         server.URL + "/orders/{{orderId}}",
		"queryParams": map[string]interface{}{"env": "{{env}}"},
		"headers":     map[string]interface{}{"X-Trace": "{{trace}}"},
		"auth":        map[string]interface{}{"type": "bearer", "token": "tok-1"},
		"body":        map[string]interface{}{"id": "{{orderId}}", "qty": "{{qty}}"},
	})
	execCtx := testContext(nil, map[string]interface{}{
		"orderId": "o-42",
		"trace":   "t-9",
		"qty":     3,
	})

	result, err := executor.Execute(context.Background(), node, execCtx)

	require.NoError(t, err)
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "/orders/o-42", gotPath)
	require.Equal(t, "env=staging", gotQuery)
	require.Equal(t, "t-9", gotTrace)
	require.Equal(t, "Bearer tok-1", gotAuth)
	require.Equal(t, "application/json", gotCType)
	require.Equal(t, map[string]interface{}{"id": "o-42", "qty": float64(3)}, gotBody)

	require.Equal(t, 200, result.Output["statusCode"])
	require.Equal(t, true, result.Output["success"])
	require.Equal(t, "json", result.Output["bodyType"])
	require.Equal(t, map[string]interface{}{"ok": true}, result.Output["body"])
}

func TestHTTPExecutorStatusErrorsFeedRetryClassification(t *testing.T) {
	status := http.StatusInternalServerError
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	executor := NewHTTPExecutor(logger.NewNop())
	node := testNode("call", workflow.NodeTypeHTTPRequest, map[string]interface{}{
		"url": server.URL,
	})

	_, err := executor.Execute(context.Background(), node, testContext(nil, nil))
	require.Error(t, err)
	require.Contains(t, err.Error(), "500 Internal Server Error")
	require.False(t, enginerr.IsTerminal(err))

	status = http.StatusNotFound
	_, err = executor.Execute(context.Background(), node, testContext(nil, nil))
	require.Error(t, err)
	require.Contains(t, err.Error(), "404 Not Found")
	require.True(t, enginerr.IsTerminal(err))
}

func TestHTTPExecutorEnvelopeWhenFailOnErrorDisabled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	executor := NewHTTPExecutor(logger.NewNop())
	node := testNode("call", workflow.NodeTypeHTTPRequest, map[string]interface{}{
		"url":         server.URL,
		"failOnError": false,
	})

	result, err := executor.Execute(context.Background(), node, testContext(nil, nil))

	require.NoError(t, err)
	require.Equal(t, 503, result.Output["statusCode"])
	require.Equal(t, false, result.Output["success"])
	require.Equal(t, "upstream down", result.Output["body"])
	require.Equal(t, "text", result.Output["bodyType"])
}

func TestHTTPExecutorValidate(t *testing.T) {
	executor := NewHTTPExecutor(logger.NewNop())

	err := executor.Validate(testNode("call", workflow.NodeTypeHTTPRequest, map[string]interface{}{}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "url")

	err = executor.Validate(testNode("call", workflow.NodeTypeHTTPRequest, map[string]interface{}{
		"url":    "https://example.com",
		"method": "FETCH",
	}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "FETCH")

	err = executor.Validate(testNode("call", workflow.NodeTypeHTTPRequest, map[string]interface{}{
		"url": "https://example.com",
	}))
	require.NoError(t, err)
}
