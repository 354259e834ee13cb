package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/dispatch"
	"github.com/waveflow-go/pkg/logger"
)

// maxResponseBytes caps how much of a response body a node buffers into
// the run record.
const maxResponseBytes = 10 << 20

// HTTPExecutor performs one outbound HTTP request per attempt.
type HTTPExecutor struct {
	client *http.Client
	logger logger.Logger
}

type httpParams struct {
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	QueryParams map[string]string `json:"queryParams"`
	Body        interface{}       `json:"body"`
	Auth        httpAuth          `json:"auth"`
	FailOnError *bool             `json:"failOnError"`
}

type httpAuth struct {
	Type         string `json:"type"` // none, basic, bearer, api-key
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	Token        string `json:"token,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	APIKeyHeader string `json:"apiKeyHeader,omitempty"`
}

func NewHTTPExecutor(log logger.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		client: &http.Client{
			// No client-level timeout; the per-attempt context set by
			// the engine bounds the request.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		logger: log,
	}
}

// Execute sends the request and returns the decoded response envelope.
// With failOnError unset or true, a 4xx/5xx status is returned as an
// error; the status text rides in the message so the retry classifier
// can tell a 404 from a 503.
func (e *HTTPExecutor) Execute(ctx context.Context, node *workflow.Node, execCtx *dispatch.ExecutionContext) (*dispatch.Result, error) {
	params, err := e.parseParams(node)
	if err != nil {
		return nil, err
	}

	vars := scope(execCtx)
	req, err := e.buildRequest(ctx, params, vars)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	output, err := e.decodeResponse(resp)
	if err != nil {
		return nil, err
	}

	failOnError := params.FailOnError == nil || *params.FailOnError
	if failOnError && resp.StatusCode >= 400 {
		return nil, fmt.Errorf("request to %s returned %s", req.URL.Host, resp.Status)
	}
	return &dispatch.Result{Output: output}, nil
}

func (e *HTTPExecutor) Validate(node *workflow.Node) error {
	params, err := e.parseParams(node)
	if err != nil {
		return err
	}
	if params.URL == "" {
		return fmt.Errorf("url is required")
	}
	switch params.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodHead, http.MethodOptions:
		return nil
	}
	return fmt.Errorf("invalid http method %q", params.Method)
}

func (e *HTTPExecutor) parseParams(node *workflow.Node) (*httpParams, error) {
	var params httpParams
	if err := parseParams(node, &params); err != nil {
		return nil, fmt.Errorf("invalid http parameters: %w", err)
	}
	if params.Method == "" {
		params.Method = http.MethodGet
	}
	params.Method = strings.ToUpper(params.Method)
	return &params, nil
}

func (e *HTTPExecutor) buildRequest(ctx context.Context, params *httpParams, vars map[string]interface{}) (*http.Request, error) {
	var body io.Reader
	if params.Body != nil {
		data, err := json.Marshal(interpolateValue(params.Body, vars))
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, params.Method, interpolate(params.URL, vars), body)
	if err != nil {
		return nil, err
	}

	for key, value := range params.Headers {
		req.Header.Set(key, interpolate(value, vars))
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if len(params.QueryParams) > 0 {
		q := req.URL.Query()
		for key, value := range params.QueryParams {
			q.Add(key, interpolate(value, vars))
		}
		req.URL.RawQuery = q.Encode()
	}

	switch params.Auth.Type {
	case "basic":
		req.SetBasicAuth(params.Auth.Username, params.Auth.Password)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+params.Auth.Token)
	case "api-key":
		header := params.Auth.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, params.Auth.APIKey)
	}
	return req, nil
}

func (e *HTTPExecutor) decodeResponse(resp *http.Response) (map[string]interface{}, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	output := map[string]interface{}{
		"statusCode": resp.StatusCode,
		"status":     resp.Status,
		"headers":    headers,
		"success":    resp.StatusCode < 400,
	}

	var parsed interface{}
	if err := json.Unmarshal(data, &parsed); err == nil {
		output["body"] = parsed
		output["bodyType"] = "json"
	} else {
		output["body"] = string(data)
		output["bodyType"] = "text"
	}
	return output, nil
}
