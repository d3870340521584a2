package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/chainops/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeErr maps err to an HTTP status by its ChainopsError code.
func writeErr(w http.ResponseWriter, err error) {
	ce, ok := schema.AsError(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, statusFor(ce.Code), errorBody{Error: ce.Message, Code: ce.Code, Details: ce.Details})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeExpression, schema.ErrCodeAgentUnavailable:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeConcurrentModification:
		return http.StatusConflict
	case schema.ErrCodeInvalidTransition:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON request body into v. An empty body leaves v as is.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryBool extracts an optional boolean query param.
func queryBool(r *http.Request, key string) *bool {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

// actorOf returns the acting principal from the body or the X-Actor header.
func actorOf(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if h := r.Header.Get("X-Actor"); h != "" {
		return h
	}
	return "api"
}
