package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/animus-labs/appfabric/internal/domain"
)

type apiError struct {
	status int
	code   string
}

// errorMapping is checked in order; the first match wins.
var errorMapping = []struct {
	target error
	apiError
}{
	{domain.ErrOwnerMismatch, apiError{http.StatusForbidden, "owner_mismatch"}},
	{domain.ErrNamespaceMismatch, apiError{http.StatusForbidden, "namespace_mismatch"}},
	{domain.ErrNamespaceNotFound, apiError{http.StatusNotFound, "namespace_not_found"}},
	{domain.ErrArtifactNotFound, apiError{http.StatusNotFound, "artifact_not_found"}},
	{domain.ErrApplicationNotFound, apiError{http.StatusNotFound, "application_not_found"}},
	{domain.ErrProgramNotFound, apiError{http.StatusNotFound, "program_not_found"}},
	{domain.ErrRunNotFound, apiError{http.StatusNotFound, "run_not_found"}},
	{domain.ErrDuplicateCommit, apiError{http.StatusConflict, "duplicate_commit"}},
	{domain.ErrArtifactConflict, apiError{http.StatusConflict, "artifact_conflict"}},
	{domain.ErrArtifactInUse, apiError{http.StatusConflict, "artifact_in_use"}},
	{domain.ErrNamespaceExists, apiError{http.StatusConflict, "namespace_exists"}},
	{domain.ErrNamespaceNotEmpty, apiError{http.StatusConflict, "namespace_not_empty"}},
	{domain.ErrInvalidTransition, apiError{http.StatusConflict, "invalid_transition"}},
	{domain.ErrLivenessTimeout, apiError{http.StatusConflict, "liveness_timeout"}},
	{domain.ErrInstantiation, apiError{http.StatusInternalServerError, "instantiation_failed"}},
	{context.DeadlineExceeded, apiError{http.StatusGatewayTimeout, "timeout"}},
	{context.Canceled, apiError{499, "client_closed_request"}},
}

func classify(err error) apiError {
	for _, m := range errorMapping {
		if errors.Is(err, m.target) {
			return m.apiError
		}
	}
	return apiError{http.StatusInternalServerError, "internal_error"}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

// writeServiceError maps a service error to its status. Server-side failures
// are logged with the full error; the body carries only the code.
func (api *appfabricAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	mapped := classify(err)
	if mapped.status >= http.StatusInternalServerError {
		api.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		api.logger.Info("request rejected", "method", r.Method, "path", r.URL.Path, "code", mapped.code, "error", err)
	}
	writeError(w, r, mapped.status, mapped.code)
}
