package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/appfabric/internal/artifacts"
	"github.com/animus-labs/appfabric/internal/domain"
	"github.com/animus-labs/appfabric/internal/namespaces"
	"github.com/animus-labs/appfabric/internal/platform/auditlog"
	"github.com/animus-labs/appfabric/internal/repo"
	"github.com/animus-labs/appfabric/internal/runtime"
	"github.com/animus-labs/appfabric/internal/service"
	"github.com/animus-labs/appfabric/internal/service/deletion"
	"github.com/animus-labs/appfabric/internal/service/deploy"
	"github.com/animus-labs/appfabric/internal/service/runs"
)

// PrincipalHeader carries the caller identity recorded as audit actor.
const PrincipalHeader = "X-Appfabric-Principal"

const (
	maxJSONBody     = 1 << 20
	maxArtifactBody = 64 << 20
)

type appfabricAPI struct {
	logger     *slog.Logger
	namespaces *namespaces.Registry
	artifacts  *artifacts.Store
	deploys    *deploy.Service
	runs       *runs.Service
	deletion   *deletion.Service
	audit      repo.AuditChain
}

func (api *appfabricAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /namespaces", api.handleListNamespaces)
	mux.HandleFunc("POST /namespaces", api.handleCreateNamespace)
	mux.HandleFunc("GET /namespaces/{namespace}", api.handleGetNamespace)
	mux.HandleFunc("PUT /namespaces/{namespace}", api.handleUpdateNamespace)
	mux.HandleFunc("DELETE /namespaces/{namespace}", api.handleDeleteNamespace)

	mux.HandleFunc("GET /namespaces/{namespace}/artifacts", api.handleListArtifacts)
	mux.HandleFunc("PUT /namespaces/{namespace}/artifacts/{name}/versions/{version}", api.handleAddArtifact)
	mux.HandleFunc("GET /namespaces/{namespace}/artifacts/{name}/versions/{version}", api.handleGetArtifact)
	mux.HandleFunc("DELETE /namespaces/{namespace}/artifacts/{name}/versions/{version}", api.handleDeleteArtifact)

	mux.HandleFunc("GET /namespaces/{namespace}/apps", api.handleListApplications)
	mux.HandleFunc("DELETE /namespaces/{namespace}/apps", api.handleDeleteAllApplications)
	mux.HandleFunc("PUT /namespaces/{namespace}/apps/{app}", api.handleDeploy)
	mux.HandleFunc("GET /namespaces/{namespace}/apps/{app}", api.handleGetApplication)
	mux.HandleFunc("DELETE /namespaces/{namespace}/apps/{app}", api.handleDeleteApplication)

	mux.HandleFunc("POST /namespaces/{namespace}/apps/{app}/programs/{type}/{program}/start", api.handleStartProgram)
	mux.HandleFunc("POST /namespaces/{namespace}/apps/{app}/programs/{type}/{program}/stop", api.handleStopProgram)
	mux.HandleFunc("GET /namespaces/{namespace}/apps/{app}/programs/{type}/{program}/status", api.handleProgramStatus)
	mux.HandleFunc("GET /namespaces/{namespace}/apps/{app}/programs/{type}/{program}/runs", api.handleListRuns)
	mux.HandleFunc("GET /namespaces/{namespace}/apps/{app}/programs/{type}/{program}/runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /namespaces/{namespace}/apps/{app}/programs/{type}/{program}/runs/{run_id}/stop", api.handleStopRun)

	mux.HandleFunc("POST /runtime/reports", api.handleRuntimeReport)
	mux.HandleFunc("GET /audit/verify", api.handleVerifyAudit)
}

// Views.

type namespaceView struct {
	ID            string    `json:"id"`
	Principal     string    `json:"principal,omitempty"`
	CredentialRef string    `json:"credential_ref,omitempty"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toNamespaceView(ns domain.Namespace) namespaceView {
	return namespaceView{
		ID:            ns.ID,
		Principal:     ns.Principal,
		CredentialRef: ns.CredentialRef,
		Description:   ns.Description,
		CreatedAt:     ns.CreatedAt,
		UpdatedAt:     ns.UpdatedAt,
	}
}

type artifactRef struct {
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}

type artifactView struct {
	artifactRef
	SHA256    string    `json:"sha256"`
	SizeBytes int64     `json:"size_bytes"`
	AddedAt   time.Time `json:"added_at"`
}

func toArtifactView(a domain.ArtifactRecord) artifactView {
	return artifactView{
		artifactRef: artifactRef{Namespace: a.ID.Namespace, Name: a.ID.Name, Version: a.ID.Version},
		SHA256:      a.SHA256,
		SizeBytes:   a.SizeBytes,
		AddedAt:     a.AddedAt,
	}
}

type applicationView struct {
	Namespace string          `json:"namespace"`
	Name      string          `json:"name"`
	Artifact  artifactRef     `json:"artifact"`
	Owner     string          `json:"owner,omitempty"`
	Config    domain.Metadata `json:"config,omitempty"`
	Spec      json.RawMessage `json:"spec"`
	Revision  int64           `json:"revision"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func toApplicationView(app domain.Application) applicationView {
	return applicationView{
		Namespace: app.ID.Namespace,
		Name:      app.ID.Name,
		Artifact:  artifactRef{Namespace: app.Artifact.Namespace, Name: app.Artifact.Name, Version: app.Artifact.Version},
		Owner:     app.Owner,
		Config:    app.Config,
		Spec:      json.RawMessage(app.Spec),
		Revision:  app.Revision,
		CreatedAt: app.CreatedAt,
		UpdatedAt: app.UpdatedAt,
	}
}

type runView struct {
	Namespace     string            `json:"namespace"`
	App           string            `json:"app"`
	ProgramType   string            `json:"program_type"`
	Program       string            `json:"program"`
	RunID         string            `json:"run_id"`
	Status        string            `json:"status"`
	StartTime     time.Time         `json:"start_time"`
	StopTime      *time.Time        `json:"stop_time,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Args          map[string]string `json:"args,omitempty"`
	Runtime       string            `json:"runtime"`
	Deadline      time.Time         `json:"deadline"`
	Unverified    bool              `json:"unverified,omitempty"`
}

func toRunView(run domain.RunRecord) runView {
	return runView{
		Namespace:     run.Program.Application.Namespace,
		App:           run.Program.Application.Name,
		ProgramType:   string(run.Program.Type),
		Program:       run.Program.Name,
		RunID:         run.RunID,
		Status:        string(run.Status),
		StartTime:     run.StartTime,
		StopTime:      run.StopTime,
		FailureReason: run.FailureReason,
		Args:          run.Args,
		Runtime:       run.Runtime,
		Deadline:      run.Deadline,
		Unverified:    run.Unverified,
	}
}

// Namespaces.

type namespaceRequest struct {
	ID            string `json:"id"`
	Principal     string `json:"principal"`
	CredentialRef string `json:"credential_ref"`
	Description   string `json:"description"`
}

func (api *appfabricAPI) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 1000)
	out, err := api.namespaces.List(r.Context(), limit)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	views := make([]namespaceView, 0, len(out))
	for _, ns := range out {
		views = append(views, toNamespaceView(ns))
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespaces": views})
}

func (api *appfabricAPI) handleCreateNamespace(w http.ResponseWriter, r *http.Request) {
	var req namespaceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if !domain.ValidName(req.ID) {
		writeError(w, r, http.StatusBadRequest, "invalid_namespace_id")
		return
	}
	ns, err := api.namespaces.Create(r.Context(), domain.Namespace{
		ID:            req.ID,
		Principal:     req.Principal,
		CredentialRef: req.CredentialRef,
		Description:   req.Description,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toNamespaceView(ns))
}

func (api *appfabricAPI) handleGetNamespace(w http.ResponseWriter, r *http.Request) {
	ns, err := api.namespaces.Get(r.Context(), r.PathValue("namespace"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toNamespaceView(ns))
}

func (api *appfabricAPI) handleUpdateNamespace(w http.ResponseWriter, r *http.Request) {
	var req namespaceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	id := strings.TrimSpace(r.PathValue("namespace"))
	if req.ID != "" && req.ID != id {
		writeError(w, r, http.StatusBadRequest, "namespace_id_mismatch")
		return
	}
	ns, err := api.namespaces.Update(r.Context(), domain.Namespace{
		ID:            id,
		Principal:     req.Principal,
		CredentialRef: req.CredentialRef,
		Description:   req.Description,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toNamespaceView(ns))
}

func (api *appfabricAPI) handleDeleteNamespace(w http.ResponseWriter, r *http.Request) {
	if err := api.namespaces.Delete(r.Context(), r.PathValue("namespace")); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Artifacts.

func artifactFromPath(r *http.Request) domain.ArtifactID {
	return domain.ArtifactID{
		Namespace: strings.TrimSpace(r.PathValue("namespace")),
		Name:      strings.TrimSpace(r.PathValue("name")),
		Version:   strings.TrimSpace(r.PathValue("version")),
	}
}

func (api *appfabricAPI) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	if _, err := api.namespaces.Get(r.Context(), namespace); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 1000)
	out, err := api.artifacts.List(r.Context(), namespace, strings.TrimSpace(r.URL.Query().Get("name")), limit)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	views := make([]artifactView, 0, len(out))
	for _, a := range out {
		views = append(views, toArtifactView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": views})
}

func (api *appfabricAPI) handleAddArtifact(w http.ResponseWriter, r *http.Request) {
	id := artifactFromPath(r)
	if err := id.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_artifact_id")
		return
	}
	if _, err := api.namespaces.Get(r.Context(), id.Namespace); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxArtifactBody+1))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	if len(body) == 0 {
		writeError(w, r, http.StatusBadRequest, "artifact_body_required")
		return
	}
	if len(body) > maxArtifactBody {
		writeError(w, r, http.StatusRequestEntityTooLarge, "artifact_too_large")
		return
	}
	record, added, err := api.artifacts.Add(r.Context(), id, body)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, toArtifactView(record))
}

func (api *appfabricAPI) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := artifactFromPath(r)
	if err := id.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_artifact_id")
		return
	}
	record, err := api.artifacts.Get(r.Context(), id)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toArtifactView(record))
}

func (api *appfabricAPI) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	id := artifactFromPath(r)
	if err := id.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_artifact_id")
		return
	}
	if err := api.artifacts.Delete(r.Context(), id); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Applications.

type deployRequest struct {
	Artifact      artifactRef    `json:"artifact"`
	ArtifactBytes []byte         `json:"artifact_bytes,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	Owner         string         `json:"owner,omitempty"`
}

func applicationFromPath(r *http.Request) domain.ApplicationID {
	return domain.ApplicationID{
		Namespace: strings.TrimSpace(r.PathValue("namespace")),
		Name:      strings.TrimSpace(r.PathValue("app")),
	}
}

func (api *appfabricAPI) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := decodeJSONLimit(r, &req, maxArtifactBody*2); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	id := applicationFromPath(r)
	if err := id.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_application_id")
		return
	}
	if strings.TrimSpace(req.Artifact.Name) == "" || strings.TrimSpace(req.Artifact.Version) == "" {
		writeError(w, r, http.StatusBadRequest, "artifact_required")
		return
	}
	app, err := api.deploys.Deploy(r.Context(), deploy.Request{
		Namespace: id.Namespace,
		AppName:   id.Name,
		Artifact: domain.ArtifactID{
			Namespace: strings.TrimSpace(req.Artifact.Namespace),
			Name:      strings.TrimSpace(req.Artifact.Name),
			Version:   strings.TrimSpace(req.Artifact.Version),
		},
		ArtifactBytes: req.ArtifactBytes,
		Config:        req.Config,
		Owner:         req.Owner,
		Audit:         auditInfo(r),
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationView(app))
}

func (api *appfabricAPI) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := api.deploys.Get(r.Context(), applicationFromPath(r))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationView(app))
}

func (api *appfabricAPI) handleListApplications(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 1000)
	out, err := api.deploys.List(r.Context(), r.PathValue("namespace"), limit)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	views := make([]applicationView, 0, len(out))
	for _, app := range out {
		views = append(views, toApplicationView(app))
	}
	writeJSON(w, http.StatusOK, map[string]any{"applications": views})
}

func (api *appfabricAPI) handleDeleteApplication(w http.ResponseWriter, r *http.Request) {
	id := applicationFromPath(r)
	if err := id.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_application_id")
		return
	}
	if err := api.deletion.DeleteApplication(r.Context(), id, auditInfo(r)); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespace": id.Namespace, "app": id.Name, "deleted": true})
}

func (api *appfabricAPI) handleDeleteAllApplications(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	if _, err := api.namespaces.Get(r.Context(), namespace); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	n, err := api.deletion.DeleteNamespaceApplications(r.Context(), namespace, auditInfo(r))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespace": namespace, "deleted": n})
}

// Programs and runs.

func programFromPath(r *http.Request) (domain.ProgramID, error) {
	programType, err := domain.ParseProgramType(r.PathValue("type"))
	if err != nil {
		return domain.ProgramID{}, err
	}
	id := applicationFromPath(r).Program(programType, strings.TrimSpace(r.PathValue("program")))
	if err := id.Validate(); err != nil {
		return domain.ProgramID{}, err
	}
	return id, nil
}

type startRequest struct {
	Args map[string]string `json:"args,omitempty"`
}

func (api *appfabricAPI) handleStartProgram(w http.ResponseWriter, r *http.Request) {
	program, err := programFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_program_id")
		return
	}
	var req startRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}
	run, err := api.runs.Launch(r.Context(), program, req.Args, auditInfo(r))
	if err != nil {
		if run.RunID != "" {
			// The run exists and already records why it failed.
			api.logger.Warn("runtime start failed", "program", program.String(), "run_id", run.RunID, "error", err)
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":      "runtime_start_failed",
				"request_id": r.Header.Get("X-Request-Id"),
				"run":        toRunView(run),
			})
			return
		}
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toRunView(run))
}

func (api *appfabricAPI) handleStopProgram(w http.ResponseWriter, r *http.Request) {
	program, err := programFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_program_id")
		return
	}
	if err := api.runs.StopProgram(r.Context(), program, auditInfo(r)); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"program": program.String(), "stopping": true})
}

func (api *appfabricAPI) handleStopRun(w http.ResponseWriter, r *http.Request) {
	program, err := programFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_program_id")
		return
	}
	run, err := api.runs.Stop(r.Context(), program, strings.TrimSpace(r.PathValue("run_id")), auditInfo(r))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toRunView(run))
}

func (api *appfabricAPI) handleProgramStatus(w http.ResponseWriter, r *http.Request) {
	program, err := programFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_program_id")
		return
	}
	status, err := api.runs.ProgramStatus(r.Context(), program)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"program": program.String(), "status": string(status)})
}

func (api *appfabricAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	program, err := programFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_program_id")
		return
	}
	query := runs.RunQuery{Limit: clampInt(parseIntQuery(r, "limit", 100), 1, 1000)}
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, err := domain.ParseRunStatus(part)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "invalid_status")
				return
			}
			query.Statuses = append(query.Statuses, status)
		}
	}
	out, err := api.runs.GetRuns(r.Context(), program, query)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	views := make([]runView, 0, len(out))
	for _, run := range out {
		views = append(views, toRunView(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

func (api *appfabricAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	program, err := programFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_program_id")
		return
	}
	run, err := api.runs.GetRun(r.Context(), program, strings.TrimSpace(r.PathValue("run_id")))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunView(run))
}

// Runtime callback.

type reportRequest struct {
	Namespace   string    `json:"namespace"`
	App         string    `json:"app"`
	ProgramType string    `json:"program_type"`
	Program     string    `json:"program"`
	RunID       string    `json:"run_id"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at,omitempty"`
}

func (req reportRequest) toReport() (runtime.Report, error) {
	programType, err := domain.ParseProgramType(req.ProgramType)
	if err != nil {
		return runtime.Report{}, err
	}
	status, err := runtime.ParseStatus(req.Status)
	if err != nil {
		return runtime.Report{}, err
	}
	report := runtime.Report{
		Program: domain.ApplicationID{Namespace: strings.TrimSpace(req.Namespace), Name: strings.TrimSpace(req.App)}.
			Program(programType, strings.TrimSpace(req.Program)),
		RunID:   strings.TrimSpace(req.RunID),
		Status:  status,
		Message: req.Message,
		At:      req.At,
	}
	if err := report.Validate(); err != nil {
		return runtime.Report{}, err
	}
	return report, nil
}

func (api *appfabricAPI) handleRuntimeReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	report, err := req.toReport()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_report")
		return
	}
	run, applied, err := api.runs.Report(r.Context(), report)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunView(run), "applied": applied})
}

// Helpers.

func auditInfo(r *http.Request) service.AuditInfo {
	return service.AuditInfo{
		Actor:     strings.TrimSpace(r.Header.Get(PrincipalHeader)),
		RequestID: r.Header.Get("X-Request-Id"),
	}
}

func decodeJSON(r *http.Request, dst any) error {
	return decodeJSONLimit(r, dst, maxJSONBody)
}

func decodeJSONLimit(r *http.Request, dst any, limit int64) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// handleVerifyAudit walks the stored audit chain and reports the first event
// that does not verify.
func (api *appfabricAPI) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	if api.audit == nil {
		writeError(w, r, http.StatusNotFound, "audit_disabled")
		return
	}
	err := api.audit.Verify(r.Context())
	var broken *auditlog.ChainError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "intact"})
	case errors.As(err, &broken):
		api.logger.Error("audit chain broken", "event_id", broken.EventID, "reason", broken.Reason)
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "audit_chain_broken",
			"event_id":   broken.EventID,
			"request_id": r.Header.Get("X-Request-Id"),
		})
	default:
		api.writeServiceError(w, r, err)
	}
}
