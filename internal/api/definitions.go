package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/pkg/schema"
)

// handleCreateChain validates and stores a new chain definition at version 1.
func (s *Server) handleCreateChain(w http.ResponseWriter, r *http.Request) {
	var def schema.ChainDefinition
	if err := decodeBody(r, &def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validateChain(&def); err != nil {
		writeErr(w, err)
		return
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	} else if _, err := s.deps.Store.GetChain(r.Context(), def.ID); err == nil {
		writeError(w, http.StatusConflict, "chain "+def.ID+" already exists")
		return
	}
	now := s.deps.Now()
	def.Version = 0
	def.CreatedAt, def.UpdatedAt = now, now
	if err := s.deps.Store.CreateChain(r.Context(), &def); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

// handleUpdateChain stores a new version of an existing chain. Executions
// already started keep the steps they were started with.
func (s *Server) handleUpdateChain(w http.ResponseWriter, r *http.Request) {
	var def schema.ChainDefinition
	if err := decodeBody(r, &def); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	def.ID = r.PathValue("id")
	if err := s.validateChain(&def); err != nil {
		writeErr(w, err)
		return
	}
	def.UpdatedAt = s.deps.Now()
	if err := s.deps.Store.UpdateChain(r.Context(), &def); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	var (
		def *schema.ChainDefinition
		err error
	)
	if v := queryInt(r, "version", 0); v > 0 {
		def, err = s.deps.Store.GetChainVersion(ctx, id, v)
	} else {
		def, err = s.deps.Store.GetChain(ctx, id)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleListChains(w http.ResponseWriter, r *http.Request) {
	chains, err := s.deps.Store.ListChains(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if chains == nil {
		chains = []*schema.ChainDefinition{}
	}
	writeJSON(w, http.StatusOK, chains)
}

func (s *Server) validateChain(def *schema.ChainDefinition) error {
	if s.deps.Validator == nil {
		return nil
	}
	return s.deps.Validator.ValidateChain(def)
}

// handleCreateTrigger validates and stores a trigger. The chain it names must exist.
func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var t schema.Trigger
	if err := decodeBody(r, &t); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateTrigger(&t); err != nil {
			writeErr(w, err)
			return
		}
	}
	if _, err := s.deps.Store.GetChain(ctx, t.ChainID); err != nil {
		writeErr(w, err)
		return
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := s.deps.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	t.LastTriggeredAt, t.DispatchCount = nil, 0
	if err := s.deps.Store.CreateTrigger(ctx, &t); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Store.GetTrigger(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	triggers, err := s.deps.Store.ListTriggers(r.Context(), store.TriggerFilter{
		EntityType: q.Get("entity_type"),
		ChainID:    q.Get("chain_id"),
		Enabled:    queryBool(r, "enabled"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if triggers == nil {
		triggers = []*schema.Trigger{}
	}
	writeJSON(w, http.StatusOK, triggers)
}

// handleUpdateTrigger changes the mutable fields of a trigger. The status
// pattern and entity type are fixed once created.
func (s *Server) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var body struct {
		Name       *string        `json:"name"`
		Enabled    *bool          `json:"enabled"`
		Priority   *int           `json:"priority"`
		Conditions map[string]any `json:"conditions"`
		ChainID    *string        `json:"chain_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	current, err := s.deps.Store.GetTrigger(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	next := *current
	if body.Name != nil {
		next.Name = *body.Name
	}
	if body.Enabled != nil {
		next.Enabled = *body.Enabled
	}
	if body.Priority != nil {
		next.Priority = *body.Priority
	}
	if body.Conditions != nil {
		next.Conditions = body.Conditions
	}
	if body.ChainID != nil {
		next.ChainID = *body.ChainID
		if _, err := s.deps.Store.GetChain(ctx, next.ChainID); err != nil {
			writeErr(w, err)
			return
		}
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateTrigger(&next); err != nil {
			writeErr(w, err)
			return
		}
	}

	update := store.TriggerUpdate{
		Name:       body.Name,
		Enabled:    body.Enabled,
		Priority:   body.Priority,
		Conditions: body.Conditions,
		ChainID:    body.ChainID,
	}
	if err := s.deps.Store.UpdateTrigger(ctx, id, update); err != nil {
		writeErr(w, err)
		return
	}
	updated, err := s.deps.Store.GetTrigger(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteTrigger(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": id})
}

// handlePutRuleSet replaces the transition rules of one subject type, both
// stored and live.
func (s *Server) handlePutRuleSet(w http.ResponseWriter, r *http.Request) {
	var rs schema.TransitionRuleSet
	if err := decodeBody(r, &rs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rs.SubjectType = r.PathValue("type")
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateRuleSet(&rs); err != nil {
			writeErr(w, err)
			return
		}
	}
	rs.UpdatedAt = s.deps.Now()
	if err := s.deps.Store.PutRuleSet(r.Context(), &rs); err != nil {
		writeErr(w, err)
		return
	}
	if s.deps.Rules != nil {
		if err := s.deps.Rules.Set(&rs); err != nil {
			writeErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleListRuleSets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.deps.Store.ListRuleSets(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if sets == nil {
		sets = []*schema.TransitionRuleSet{}
	}
	writeJSON(w, http.StatusOK, sets)
}
