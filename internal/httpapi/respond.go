package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"nexa-erp.dev/internal/audit"
	"nexa-erp.dev/internal/auth"
	"nexa-erp.dev/internal/obs"
)

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{Success: true, Data: data})
}

// writeError is the single place errors become responses. Anything that is
// not a typed auth error is logged and rendered as a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := auth.AsError(err)
	if e.Status >= http.StatusInternalServerError {
		obs.Error("request failed", err, map[string]any{
			"request_id": audit.RequestIDFromContext(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		})
	}
	writeJSON(w, e.Status, envelope{
		Success: false,
		Error:   &errorBody{Code: e.Code, Message: e.Message, Details: e.Details},
	})
}

func writeStatusError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: &errorBody{Code: code, Message: msg}})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeStatusError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, auth.ErrNotFound)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return auth.Validation("Request body is required", nil)
		}
		return auth.Validation("Invalid request body", map[string]any{"body": err.Error()})
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return auth.Validation("Unexpected data after JSON body", nil)
	}
	return nil
}
