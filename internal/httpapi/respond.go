package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"atv.dev/internal/apierror"
	"atv.dev/internal/documents"
	"atv.dev/internal/obs"
	"atv.dev/internal/services"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Errors []errorBody `json:"errors"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorEnvelope{Errors: []errorBody{{Code: code, Message: msg}}})
}

// writeDomainError maps domain errors onto the wire envelope. Anything
// unmapped is a server fault and is logged with its request id.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if apiErr, ok := apierror.AsError(err); ok {
		writeError(w, apiErr.Status, apiErr.Code, apiErr.Message)
		return
	}
	switch {
	case errors.Is(err, documents.ErrNotFound), errors.Is(err, services.ErrNotFound):
		e := apierror.NotFound()
		writeError(w, e.Status, e.Code, e.Message)
	case errors.Is(err, services.ErrInvalidKey):
		writeError(w, http.StatusUnauthorized, apierror.CodeNotAuthenticated, "Invalid API key.")
	case errors.Is(err, services.ErrNoService):
		writeError(w, http.StatusForbidden, apierror.CodePermissionDenied, "Service cannot be determined.")
	default:
		obs.LogJSON(map[string]any{
			"level":      "error",
			"msg":        "request failed",
			"error":      err.Error(),
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
		})
		writeError(w, http.StatusInternalServerError, apierror.CodeGeneralError, "Internal server error.")
	}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	e := apierror.MethodNotAllowed(r.Method)
	writeError(w, e.Status, e.Code, e.Message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apierror.InvalidField("Request body is required")
		}
		return apierror.InvalidField(err.Error())
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apierror.InvalidField("Unexpected data after JSON body")
	}
	return nil
}
