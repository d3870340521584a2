package stepexec

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainops/pkg/schema"
)

func echoAgent(name string) *FuncAgent {
	return NewFuncAgent(name, "echoes its context", func(_ context.Context, in Input) (*Output, error) {
		return &Output{Data: map[string]any{"seen": len(in.Context)}}, nil
	})
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoAgent("dispatcher")))
	assert.True(t, reg.Has("dispatcher"))

	err := reg.Register(echoAgent("dispatcher"))
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	assert.True(t, schema.IsCode(reg.Register(nil), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(reg.Register(echoAgent("")), schema.ErrCodeValidation))
}

func TestRegistry_List(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoAgent("pm-copilot")))
	require.NoError(t, reg.Register(NewStaticAgent("client-comms")))
	require.NoError(t, reg.Register(echoAgent("dispatcher")))

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "client-comms", infos[0].Name)
	assert.Equal(t, "static", infos[0].Kind)
	assert.Equal(t, "dispatcher", infos[1].Name)
	assert.Equal(t, "func", infos[1].Kind)
	assert.Equal(t, "pm-copilot", infos[2].Name)
}

func TestRegistry_Execute(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoAgent("dispatcher")))
	require.NoError(t, reg.Register(NewFuncAgent("silent", "", func(context.Context, Input) (*Output, error) {
		return nil, nil
	})))
	boom := errors.New("boom")
	require.NoError(t, reg.Register(NewFuncAgent("broken", "", func(context.Context, Input) (*Output, error) {
		return nil, boom
	})))
	ctx := context.Background()

	out, err := reg.Execute(ctx, Input{
		Step:    schema.StepSpec{AgentRef: "dispatcher"},
		Context: map[string]any{"a": 1, "b": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Data["seen"])

	out, err = reg.Execute(ctx, Input{Step: schema.StepSpec{AgentRef: "silent"}})
	require.NoError(t, err)
	assert.NotNil(t, out.Data)

	_, err = reg.Execute(ctx, Input{Step: schema.StepSpec{AgentRef: "broken"}})
	assert.ErrorIs(t, err, boom)

	_, err = reg.Execute(ctx, Input{Step: schema.StepSpec{AgentRef: "ghost"}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeAgentUnavailable))
}

func TestStaticAgent(t *testing.T) {
	out, err := NewStaticAgent("dispatcher").Execute(context.Background(), Input{
		Step: schema.StepSpec{
			AgentRef: "dispatcher",
			Config: map[string]any{
				"output":            map[string]any{"routing_recommendation": "crew-7"},
				"requires_approval": true,
				"approval_reason":   "confirm crew",
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "crew-7", out.Data["routing_recommendation"])
	assert.True(t, out.RequiresApproval)
	assert.Equal(t, "confirm crew", out.ApprovalReason)
}
