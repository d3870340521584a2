package stepexec

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/chainops/pkg/schema"
)

// Registry is the thread-safe agent lookup. It is the engine's step executor.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Agent),
	}
}

// Register adds an agent. Returns error on duplicate name.
func (r *Registry) Register(agent Agent) error {
	if agent == nil {
		return schema.NewError(schema.ErrCodeValidation, "agent is nil")
	}
	name := agent.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", name)
	}

	r.agents[name] = agent
	return nil
}

// Get retrieves an agent by name.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeAgentUnavailable, "agent %q not registered", name).
			WithDetails(map[string]any{"agent_ref": name})
	}
	return agent, nil
}

// Has checks if an agent is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}

// List returns info for all registered agents, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.agents))
	for _, a := range r.agents {
		infos = append(infos, a.Describe())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Execute resolves in.Step.AgentRef and runs it. A nil output is treated as empty.
func (r *Registry) Execute(ctx context.Context, in Input) (*Output, error) {
	agent, err := r.Get(in.Step.AgentRef)
	if err != nil {
		return nil, err
	}
	out, err := agent.Execute(ctx, in)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = &Output{}
	}
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	return out, nil
}
