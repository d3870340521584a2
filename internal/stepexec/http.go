package stepexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/chainops/internal/expressions"
	"github.com/rendis/chainops/pkg/schema"
)

// HTTPConfig configures a remote agent reached over HTTP.
// URL and header values may reference ${{ context.* }}, ${{ execution.* }},
// ${{ subject.* }} and ${{ step.* }} (the step config).
type HTTPConfig struct {
	Name            string            `yaml:"name" json:"name"`
	Description     string            `yaml:"description" json:"description,omitempty"`
	URL             string            `yaml:"url" json:"url"`
	Method          string            `yaml:"method" json:"method,omitempty"`
	Headers         map[string]string `yaml:"headers" json:"headers,omitempty"`
	BearerToken     string            `yaml:"bearer_token" json:"-"`
	Timeout         time.Duration     `yaml:"timeout" json:"timeout,omitempty"`
	MaxResponseBody int64             `yaml:"max_response_body" json:"max_response_body,omitempty"`
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPAgent posts the step input as JSON and reads the agent output from the response.
//
// The response body is either {"output": {...}, "requires_approval": bool, "approval_reason": "..."}
// or a bare JSON object, which is taken as the output.
type HTTPAgent struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPAgent validates cfg and creates the agent.
func NewHTTPAgent(cfg HTTPConfig) (*HTTPAgent, error) {
	if cfg.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http agent: missing name")
	}
	if cfg.URL == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http agent %q: missing url", cfg.Name)
	}
	if !strings.Contains(cfg.URL, "${{") {
		u, err := url.ParseRequestURI(cfg.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http agent %q: invalid url %q", cfg.Name, cfg.URL)
		}
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &HTTPAgent{config: cfg, client: &http.Client{Transport: transport}}, nil
}

func (a *HTTPAgent) Name() string { return a.config.Name }

func (a *HTTPAgent) Describe() Info {
	return Info{Name: a.config.Name, Kind: "http", Description: a.config.Description}
}

func (a *HTTPAgent) Execute(ctx context.Context, in Input) (*Output, error) {
	scope := templateScope(in)

	rawURL := stringParam(in.Step.Config, "url", a.config.URL)
	target, err := expressions.Render(rawURL, scope)
	if err != nil {
		return nil, a.failure("render url", err)
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return nil, a.failure("marshal input", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, strings.ToUpper(a.config.Method), target, bytes.NewReader(payload))
	if err != nil {
		return nil, a.failure("create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Chainops-Execution", in.ExecutionID)
	for k, v := range a.config.Headers {
		rendered, err := expressions.Render(v, scope)
		if err != nil {
			return nil, a.failure("render header "+k, err)
		}
		req.Header.Set(k, rendered)
	}
	if a.config.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.BearerToken)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, a.failure("request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, a.failure("read response body", err)
	}

	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecutorFailure,
			"agent %q returned %d", a.config.Name, resp.StatusCode).
			WithDetails(map[string]any{
				"agent_ref":   a.config.Name,
				"status_code": resp.StatusCode,
				"body":        truncate(string(body), 512),
				"duration_ms": time.Since(start).Milliseconds(),
			})
	}

	return decodeOutput(a.config.Name, body)
}

func decodeOutput(agent string, body []byte) (*Output, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return &Output{Data: map[string]any{}}, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutorFailure,
			"agent %q returned a non-object body", agent).
			WithCause(err).
			WithDetails(map[string]any{"agent_ref": agent, "body": truncate(string(body), 512)})
	}

	data, wrapped := raw["output"].(map[string]any)
	if !wrapped {
		return &Output{Data: raw}, nil
	}
	return &Output{
		Data:             data,
		RequiresApproval: boolParam(raw, "requires_approval", false),
		ApprovalReason:   stringParam(raw, "approval_reason", ""),
	}, nil
}

func (a *HTTPAgent) failure(what string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecutorFailure, "agent %q: %s: %v", a.config.Name, what, err).
		WithCause(err).
		WithDetails(map[string]any{"agent_ref": a.config.Name})
}

func templateScope(in Input) map[string]any {
	step := in.Step.Config
	if step == nil {
		step = map[string]any{}
	}
	ctxData := in.Context
	if ctxData == nil {
		ctxData = map[string]any{}
	}
	return map[string]any{
		"context": ctxData,
		"execution": map[string]any{
			"id":         in.ExecutionID,
			"chain_id":   in.ChainID,
			"step_index": in.StepIndex,
		},
		"subject": map[string]any{"type": in.Subject.Type, "id": in.Subject.ID},
		"step":    step,
	}
}

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}
