package gate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/internal/streaming"
	"github.com/rendis/chainops/pkg/schema"
)

func newService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "gate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return New(s, opts...)
}

func openGate(t *testing.T, svc *Service) *schema.WorkflowPauseGate {
	t.Helper()
	g, err := svc.Open(context.Background(), OpenRequest{
		AgentID:       "client-comms",
		CurrentNode:   "draft_email",
		StateData:     map[string]any{"draft": "Hello"},
		Reason:        "client-facing content",
		ApprovableRef: "email/77",
	})
	require.NoError(t, err)
	return g
}

func TestOpen(t *testing.T) {
	svc := newService(t)
	g := openGate(t, svc)

	assert.NotEmpty(t, g.ID)
	assert.Equal(t, schema.GatePaused, g.State())
	assert.True(t, g.ApprovalRequired)

	stored, err := svc.Get(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.GatePaused, stored.State())
	assert.Equal(t, "Hello", stored.StateData["draft"])
}

func TestOpen_Validation(t *testing.T) {
	svc := newService(t)
	_, err := svc.Open(context.Background(), OpenRequest{CurrentNode: "n"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = svc.Open(context.Background(), OpenRequest{AgentID: "a"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestApproveThenComplete(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	g := openGate(t, svc)

	approved, err := svc.Approve(ctx, g.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, schema.GateRunning, approved.State())
	assert.Equal(t, "alice", approved.ApprovedBy)

	_, err = svc.Approve(ctx, g.ID, "bob")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	done, err := svc.Complete(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.GateCompleted, done.State())

	open, err := svc.ListOpen(ctx, "", "")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRejectIsTerminal(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	g := openGate(t, svc)

	rejected, err := svc.Reject(ctx, g.ID, "carol", "tone is off")
	require.NoError(t, err)
	assert.Equal(t, schema.GateRejected, rejected.State())
	assert.Equal(t, "tone is off", rejected.RejectionReason)

	_, err = svc.Approve(ctx, g.ID, "carol")
	cerr, ok := schema.AsError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, cerr.Code)
	assert.Equal(t, string(schema.GateRejected), cerr.Details["state"])

	_, err = svc.Complete(ctx, g.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestCompleteRequiresApproval(t *testing.T) {
	svc := newService(t)
	g := openGate(t, svc)
	_, err := svc.Complete(context.Background(), g.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestListOpenFilters(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	idx := 2
	a, err := svc.Open(ctx, OpenRequest{AgentID: "dispatcher", CurrentNode: "n", ExecutionID: "exec-1", StepIndex: &idx})
	require.NoError(t, err)
	b := openGate(t, svc)
	_, err = svc.Approve(ctx, b.ID, "x")
	require.NoError(t, err)
	openGate(t, svc)

	all, err := svc.ListOpen(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byExec, err := svc.ListOpen(ctx, "exec-1", "")
	require.NoError(t, err)
	require.Len(t, byExec, 1)
	assert.Equal(t, a.ID, byExec[0].ID)
	require.NotNil(t, byExec[0].StepIndex)
	assert.Equal(t, 2, *byExec[0].StepIndex)
}

func TestNotFound(t *testing.T) {
	svc := newService(t)
	_, err := svc.Approve(context.Background(), "missing", "x")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestEventsPublished(t *testing.T) {
	hub := streaming.NewMemoryHub()
	svc := newService(t, WithHub(hub))
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	require.NoError(t, err)
	defer cancel()

	g := openGate(t, svc)
	_, err = svc.Reject(ctx, g.ID, "x", "no")
	require.NoError(t, err)

	var types []string
	for range 2 {
		select {
		case ev := <-ch:
			types = append(types, ev.EventType)
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
	assert.Equal(t, []string{schema.EventGateOpened, schema.EventGateRejected}, types)
}
