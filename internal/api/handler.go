// Package api provides the WPS-T HTTP handlers and routing for the ADES service.
package api

import (
	"ades/internal/apperrors"
	"ades/internal/health"
	"ades/internal/job"
	"ades/internal/process"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// APIVersion is reported in every response body.
const APIVersion = "1.0"

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// retryAfterSeconds is advertised on retryable conflicts.
const retryAfterSeconds = "1"

// Service is the set of WPS-T operations the handlers expose.
// Implemented by job.Service.
type Service interface {
	Deploy(ctx context.Context, source string, overwrite bool) (*process.Process, error)
	Undeploy(ctx context.Context, procID string) (*process.Process, error)
	ListProcesses(ctx context.Context) ([]process.Process, error)
	GetProcess(ctx context.Context, procID string) (*process.Process, error)
	Execute(ctx context.Context, procID, owner string, inputs any) (*job.ExecuteResponse, error)
	ListJobs(ctx context.Context, procID string) ([]job.Job, error)
	GetJob(ctx context.Context, procID, jobID string) (*job.Job, error)
	Dismiss(ctx context.Context, procID, jobID string) (*job.Job, error)
	Results(ctx context.Context, procID, jobID string) (*job.ResultsResponse, error)
}

// Handler contains HTTP handlers for the WPS-T API
type Handler struct {
	svc    Service
	health *health.Checker
	adesID string
}

// NewHandler creates a new API handler
func NewHandler(svc Service, healthChecker *health.Checker, adesID string) *Handler {
	return &Handler{
		svc:    svc,
		health: healthChecker,
		adesID: adesID,
	}
}

// LandingPage handles GET /
func (h *Handler) LandingPage(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"landingPage": map[string]any{"links": landingLinks},
	})
}

// ListProcesses handles GET /processes
func (h *Handler) ListProcesses(w http.ResponseWriter, r *http.Request) {
	procs, err := h.svc.ListProcesses(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if procs == nil {
		procs = []process.Process{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"processes": procs})
}

type deployRequest struct {
	Proc      string `json:"proc"`
	Overwrite bool   `json:"overwrite"`
}

// DeployProcess handles POST /processes
//
// The descriptor location is read from the proc form or query value, or
// from a JSON body {"proc": "..."}.
func (h *Handler) DeployProcess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req deployRequest
	if isJSON(r) {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}
	if req.Proc == "" {
		req.Proc = r.FormValue("proc")
	}
	if v := r.FormValue("overwrite"); v != "" {
		overwrite, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "overwrite must be true or false")
			return
		}
		req.Overwrite = overwrite
	}
	if req.Proc == "" {
		h.handleError(w, r, apperrors.Validation("proc", "proc is required"))
		return
	}

	p, err := h.svc.Deploy(r.Context(), req.Proc, req.Overwrite)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"deploymentResult": map[string]any{"processSummary": p},
	})
}

// GetProcess handles GET /processes/{procID}
func (h *Handler) GetProcess(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetProcess(r.Context(), chi.URLParam(r, "procID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"process": p})
}

// UndeployProcess handles DELETE /processes/{procID}
func (h *Handler) UndeployProcess(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Undeploy(r.Context(), chi.URLParam(r, "procID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"undeploymentResult": p})
}

// ListJobs handles GET /processes/{procID}/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.ListJobs(r.Context(), chi.URLParam(r, "procID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// Execute handles POST /processes/{procID}/jobs
//
// The body is the job inputs object; the submitting user comes from the
// user form or query value.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var inputs any
	if err := json.NewDecoder(r.Body).Decode(&inputs); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Execute(r.Context(), chi.URLParam(r, "procID"), r.URL.Query().Get("user"), inputs)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{
		"jobID":  resp.JobID,
		"status": resp.Status,
	})
}

// GetJob handles GET /processes/{procID}/jobs/{jobID}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.GetJob(r.Context(), chi.URLParam(r, "procID"), chi.URLParam(r, "jobID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"statusInfo": j})
}

// DismissJob handles DELETE /processes/{procID}/jobs/{jobID}
//
// Nothing to dismiss is answered with 404 and an empty statusInfo.
func (h *Handler) DismissJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Dismiss(r.Context(), chi.URLParam(r, "procID"), chi.URLParam(r, "jobID"))
	if errors.Is(err, apperrors.ErrNotFound) {
		h.writeJSON(w, http.StatusNotFound, map[string]any{
			"statusInfo": map[string]any{},
			"error":      err.Error(),
		})
		return
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"statusInfo": j})
}

// GetResult handles GET /processes/{procID}/jobs/{jobID}/result
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.Results(r.Context(), chi.URLParam(r, "procID"), chi.URLParam(r, "jobID"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"jobID":  resp.JobID,
		"status": resp.Status,
		"links":  resp.Links,
	})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	writeRaw(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the ledger or the backend is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	writeRaw(w, status, response)
}

// NotFound answers unknown routes with an enveloped error.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, http.StatusNotFound, "no route for "+r.Method+" "+r.URL.Path)
}

// MethodNotAllowed answers known routes called with the wrong method.
func (h *Handler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, http.StatusMethodNotAllowed, "method "+r.Method+" not allowed on "+r.URL.Path)
}

// writeJSON writes body with the instance envelope fields added.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	body["ades_id"] = h.adesID
	body["api_version"] = APIVersion
	writeRaw(w, status, body)
}

func writeRaw(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path, "status", status)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	if apperrors.IsRetryable(err) {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	body := map[string]any{"error": err.Error()}
	if errors.Is(err, apperrors.ErrBackend) || errors.Is(err, apperrors.ErrIndeterminate) {
		body["diagnostic"] = apperrors.Diagnostic(err)
	}
	h.writeJSON(w, status, body)
}

func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.EqualFold(mediaType, "application/json")
}
