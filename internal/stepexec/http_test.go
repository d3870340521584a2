package stepexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainops/pkg/schema"
)

func stepInput() Input {
	return Input{
		ExecutionID: "exec-1",
		ChainID:     "chain-1",
		StepIndex:   1,
		Step:        schema.StepSpec{AgentRef: "pm-copilot", Config: map[string]any{"tone": "formal"}},
		Subject:     schema.SubjectRef{Type: schema.SubjectWorkOrder, ID: "wo-42"},
		Attempt:     1,
		Context:     map[string]any{"work_order": map[string]any{"id": "wo-42"}},
	}
}

func TestNewHTTPAgent_Validation(t *testing.T) {
	_, err := NewHTTPAgent(HTTPConfig{URL: "http://x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = NewHTTPAgent(HTTPConfig{Name: "a"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = NewHTTPAgent(HTTPConfig{Name: "a", URL: "ftp://x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	a, err := NewHTTPAgent(HTTPConfig{Name: "a", URL: "http://host/${{ subject.id }}"})
	require.NoError(t, err)
	assert.Equal(t, "http", a.Describe().Kind)
}

func TestHTTPAgent_WrappedOutput(t *testing.T) {
	var received Input
	var gotPath, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Tone")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "exec-1", r.Header.Get("X-Chainops-Execution"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"output":{"summary":"ok"},"requires_approval":true,"approval_reason":"budget"}`))
	}))
	defer srv.Close()

	a, err := NewHTTPAgent(HTTPConfig{
		Name:        "pm-copilot",
		URL:         srv.URL + "/agents/${{ subject.type }}/${{ context.work_order.id }}",
		Headers:     map[string]string{"X-Tone": "${{ step.tone }}"},
		BearerToken: "tok",
	})
	require.NoError(t, err)

	out, err := a.Execute(context.Background(), stepInput())
	require.NoError(t, err)
	assert.Equal(t, "/agents/work_order/wo-42", gotPath)
	assert.Equal(t, "formal", gotHeader)
	assert.Equal(t, "exec-1", received.ExecutionID)
	assert.Equal(t, "wo-42", received.Subject.ID)
	assert.Equal(t, map[string]any{"summary": "ok"}, out.Data)
	assert.True(t, out.RequiresApproval)
	assert.Equal(t, "budget", out.ApprovalReason)
}

func TestHTTPAgent_BareOutputAndEmptyBody(t *testing.T) {
	body := `{"routing_recommendation":"crew-3"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	a, err := NewHTTPAgent(HTTPConfig{Name: "dispatcher", URL: srv.URL})
	require.NoError(t, err)

	out, err := a.Execute(context.Background(), stepInput())
	require.NoError(t, err)
	assert.Equal(t, "crew-3", out.Data["routing_recommendation"])
	assert.False(t, out.RequiresApproval)

	body = ""
	out, err = a.Execute(context.Background(), stepInput())
	require.NoError(t, err)
	assert.Empty(t, out.Data)
}

func TestHTTPAgent_StepURLOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/override", r.URL.Path)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	a, err := NewHTTPAgent(HTTPConfig{Name: "x", URL: "http://unused.invalid"})
	require.NoError(t, err)

	in := stepInput()
	in.Step.Config = map[string]any{"url": srv.URL + "/override"}
	_, err = a.Execute(context.Background(), in)
	require.NoError(t, err)
}

func TestHTTPAgent_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/error":
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
		case "/text":
			w.Write([]byte("not json"))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	a, err := NewHTTPAgent(HTTPConfig{Name: "x", URL: srv.URL + "/error"})
	require.NoError(t, err)
	_, err = a.Execute(ctx, stepInput())
	cerr, ok := schema.AsError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExecutorFailure, cerr.Code)
	assert.Equal(t, http.StatusBadGateway, cerr.Details["status_code"])
	assert.Equal(t, "upstream down", cerr.Details["body"])

	a, err = NewHTTPAgent(HTTPConfig{Name: "x", URL: srv.URL + "/text"})
	require.NoError(t, err)
	_, err = a.Execute(ctx, stepInput())
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecutorFailure))

	a, err = NewHTTPAgent(HTTPConfig{Name: "x", URL: srv.URL + "/slow", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	_, err = a.Execute(ctx, stepInput())
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecutorFailure))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	a, err = NewHTTPAgent(HTTPConfig{Name: "x", URL: srv.URL + "/${{ context.missing }}"})
	require.NoError(t, err)
	_, err = a.Execute(ctx, stepInput())
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecutorFailure))
}
