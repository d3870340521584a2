package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rendis/chainops/internal/streaming"
	"github.com/rendis/chainops/pkg/schema"
)

// handleSSEGlobal streams all events. ?types=a,b narrows by event type.
func (s *Server) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{EventTypes: eventTypes(r)})
}

// handleSSEExecution streams events for one execution.
func (s *Server) handleSSEExecution(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, streaming.EventFilter{ExecutionID: r.PathValue("id"), EventTypes: eventTypes(r)})
}

// handleSSESubject streams transition and dispatch events for one subject.
func (s *Server) handleSSESubject(w http.ResponseWriter, r *http.Request) {
	ref := schema.SubjectRef{Type: r.PathValue("type"), ID: r.PathValue("id")}
	s.serveSSE(w, r, streaming.EventFilter{Subject: ref.String(), EventTypes: eventTypes(r)})
}

func eventTypes(r *http.Request) []string {
	v := r.URL.Query().Get("types")
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// serveSSE is the common SSE implementation.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter streaming.EventFilter) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusNotImplemented, "event streaming is not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			flusher.Flush()
		}
	}
}
