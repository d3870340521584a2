package api

import (
	"net/http"
	"strings"

	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/pkg/schema"
)

type transitionRequest struct {
	ToStatus string `json:"toStatus"`
	Comment  string `json:"comment,omitempty"`
	ActorID  string `json:"actorId,omitempty"`
}

type transitionResponse struct {
	Status            string                     `json:"status"`
	StatusTransitions []*schema.TransitionRecord `json:"statusTransitions"`
	ExecutionIDs      []string                   `json:"executionIds"`
}

type invalidTransitionResponse struct {
	Message    string `json:"message"`
	Reason     string `json:"reason"`
	FromStatus string `json:"fromStatus"`
	ToStatus   string `json:"toStatus"`
}

func subjectRef(r *http.Request) schema.SubjectRef {
	return schema.SubjectRef{Type: r.PathValue("type"), ID: r.PathValue("id")}
}

// handleTransition applies a status change and starts any matching chains.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref := subjectRef(r)

	var body transitionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	body.ToStatus = strings.TrimSpace(body.ToStatus)
	if body.ToStatus == "" {
		writeError(w, http.StatusBadRequest, "toStatus is required")
		return
	}

	res, err := s.deps.Dispatcher.Transition(ctx, ref, actorOf(r, body.ActorID), body.ToStatus, body.Comment)
	if err != nil {
		if ce, ok := schema.AsError(err); ok && ce.Code == schema.ErrCodeInvalidTransition {
			writeJSON(w, http.StatusUnprocessableEntity, invalidTransitionResponse{
				Message:    ce.Message,
				Reason:     ce.Detail("reason"),
				FromStatus: ce.Detail("from_status"),
				ToStatus:   ce.Detail("to_status"),
			})
			return
		}
		writeErr(w, err)
		return
	}

	history, err := s.deps.Store.ListTransitions(ctx, ref)
	if err != nil {
		writeErr(w, err)
		return
	}
	ids := res.ExecutionIDs
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, transitionResponse{
		Status:            res.Record.ToStatus,
		StatusTransitions: history,
		ExecutionIDs:      ids,
	})
}

// handleListTransitions returns a subject's transition history in sequence order.
func (s *Server) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	history, err := s.deps.Store.ListTransitions(r.Context(), subjectRef(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	if history == nil {
		history = []*schema.TransitionRecord{}
	}
	writeJSON(w, http.StatusOK, history)
}

// handleCreateSubject registers a subject or updates its attributes. The
// status of an existing subject only changes through transitions.
func (s *Server) handleCreateSubject(w http.ResponseWriter, r *http.Request) {
	var body store.Subject
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Type == "" || body.ID == "" {
		writeError(w, http.StatusBadRequest, "type and id are required")
		return
	}
	if err := s.initialStatus(&body); err != nil {
		writeErr(w, err)
		return
	}
	now := s.deps.Now()
	body.CreatedAt, body.UpdatedAt = now, now
	if err := s.deps.Store.CreateSubject(r.Context(), &body); err != nil {
		writeErr(w, err)
		return
	}
	sub, err := s.deps.Store.GetSubject(r.Context(), schema.SubjectRef{Type: body.Type, ID: body.ID})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// initialStatus defaults a new subject's status to its rule set's initial
// status and rejects statuses the rule set does not declare.
func (s *Server) initialStatus(sub *store.Subject) error {
	if s.deps.Rules == nil {
		return nil
	}
	rs, ok := s.deps.Rules.Get(sub.Type)
	if !ok {
		return schema.NewInvalidTransition(schema.ReasonUnknownSubjectType, "", sub.Status).
			WithDetails(map[string]any{"subject_type": sub.Type})
	}
	if sub.Status == "" {
		sub.Status = rs.InitialStatus
	}
	if sub.Status == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "rule set %q has no initial_status; status is required", sub.Type)
	}
	if !rs.Known(sub.Status) {
		return schema.NewInvalidTransition(schema.ReasonUnknownStatus, "", sub.Status).
			WithDetails(map[string]any{"subject_type": sub.Type, "statuses": rs.Statuses()})
	}
	return nil
}

func (s *Server) handleGetSubject(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Store.GetSubject(r.Context(), subjectRef(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleListSubjects(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Store.ListSubjects(r.Context(), store.SubjectFilter{
		Type:   r.PathValue("type"),
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit", 100),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if subs == nil {
		subs = []*store.Subject{}
	}
	writeJSON(w, http.StatusOK, subs)
}
