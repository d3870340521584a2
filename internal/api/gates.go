package api

import (
	"net/http"

	"github.com/rendis/chainops/internal/gate"
	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/pkg/schema"
)

type gateDecision struct {
	Approver string `json:"approver,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// handleOpenGate opens a standalone single-step pause gate.
func (s *Server) handleOpenGate(w http.ResponseWriter, r *http.Request) {
	var req gate.OpenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g, err := s.deps.Gates.Open(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, gateView(g))
}

func (s *Server) handleGetGate(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Gates.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gateView(g))
}

func (s *Server) handleListGates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	gates, err := s.deps.Store.ListGates(r.Context(), store.GateFilter{
		ExecutionID: q.Get("execution_id"),
		AgentID:     q.Get("agent_id"),
		State:       schema.GateState(q.Get("state")),
		Limit:       queryInt(r, "limit", 100),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]map[string]any, 0, len(gates))
	for _, g := range gates {
		out = append(out, gateView(g))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleApproveGate approves a gate. A gate that holds a chain execution is
// approved through the engine so the execution resumes with it.
func (s *Server) handleApproveGate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body gateDecision
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	approver := actorOf(r, body.Approver)

	g, err := s.deps.Gates.Get(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if g.ExecutionID != "" {
		if _, err := s.deps.Engine.Resume(ctx, g.ExecutionID, approver); err != nil {
			writeErr(w, err)
			return
		}
		s.respondGate(w, r, id)
		return
	}

	if _, err := s.deps.Gates.Approve(ctx, id, approver); err != nil {
		writeErr(w, err)
		return
	}
	g, err = s.deps.Gates.Complete(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gateView(g))
}

// handleRejectGate rejects a gate. Rejecting an execution's gate fails the execution.
func (s *Server) handleRejectGate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body gateDecision
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	approver := actorOf(r, body.Approver)

	g, err := s.deps.Gates.Get(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if g.ExecutionID != "" {
		if _, err := s.deps.Engine.Reject(ctx, g.ExecutionID, approver, body.Reason); err != nil {
			writeErr(w, err)
			return
		}
		s.respondGate(w, r, id)
		return
	}

	g, err = s.deps.Gates.Reject(ctx, id, approver, body.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gateView(g))
}

func (s *Server) respondGate(w http.ResponseWriter, r *http.Request, id string) {
	g, err := s.deps.Gates.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gateView(g))
}

// gateView adds the derived state to a gate's JSON.
func gateView(g *schema.WorkflowPauseGate) map[string]any {
	return map[string]any{
		"gate":  g,
		"state": g.State(),
	}
}
