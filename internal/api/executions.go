package api

import (
	"net/http"
	"time"

	"github.com/rendis/chainops/internal/engine"
	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/pkg/schema"
)

type controlRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// handleStartExecution starts a chain outside of any trigger.
func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req engine.StartRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ChainID == "" {
		writeError(w, http.StatusBadRequest, "chain_id is required")
		return
	}
	exec, err := s.deps.Engine.Start(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

// handleGetExecution returns the execution snapshot with ordered step records.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		ChainID: q.Get("chain_id"),
		Limit:   queryInt(r, "limit", 100),
	}
	if v := q.Get("status"); v != "" {
		status := schema.ExecutionStatus(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
		filter.Status = &status
	}
	if st, sid := q.Get("subject_type"), q.Get("subject_id"); st != "" || sid != "" {
		if st == "" || sid == "" {
			writeError(w, http.StatusBadRequest, "subject_type and subject_id go together")
			return
		}
		filter.Subject = &schema.SubjectRef{Type: st, ID: sid}
	}
	if v := q.Get("updated_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "updated_before must be RFC3339")
			return
		}
		filter.UpdatedBefore = &t
	}

	execs, err := s.deps.Engine.List(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if execs == nil {
		execs = []*schema.ChainExecution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// handleResume approves a Paused execution; 409 when it is not Paused.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, func(id string, body controlRequest) (*schema.ChainExecution, error) {
		return s.deps.Engine.Resume(r.Context(), id, actorOf(r, body.ActorID))
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, func(id string, body controlRequest) (*schema.ChainExecution, error) {
		return s.deps.Engine.Pause(r.Context(), id, actorOf(r, body.ActorID), body.Reason)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, func(id string, body controlRequest) (*schema.ChainExecution, error) {
		return s.deps.Engine.Cancel(r.Context(), id, actorOf(r, body.ActorID), body.Reason)
	})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, func(id string, body controlRequest) (*schema.ChainExecution, error) {
		return s.deps.Engine.Reject(r.Context(), id, actorOf(r, body.ActorID), body.Reason)
	})
}

// handleRerun starts a new execution continuing a Failed one.
func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	var body controlRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	exec, err := s.deps.Engine.Rerun(r.Context(), r.PathValue("id"), actorOf(r, body.ActorID))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

// control runs one execution control operation and writes its result.
func (s *Server) control(w http.ResponseWriter, r *http.Request,
	op func(id string, body controlRequest) (*schema.ChainExecution, error)) {
	var body controlRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	exec, err := op(r.PathValue("id"), body)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}
