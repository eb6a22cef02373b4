// Package api provides the HTTP handlers and routing of the Pyris service:
// pipeline status callbacks, variant discovery, event ingress and probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"pyris/internal/apperrors"
	"pyris/internal/connector"
	"pyris/internal/events"
	"pyris/internal/health"
	"pyris/internal/job"
	"pyris/pkg/cloudevent"

	"github.com/go-chi/chi/v5"
)

// maxRequestBodySize limits request bodies. Status updates carry the
// pipeline result, so this is larger than a typical API payload.
const maxRequestBodySize = 4 << 20 // 4 MB

// Authenticator resolves the job behind a callback.
type Authenticator interface {
	AuthenticateRun(ctx context.Context, header string, expected job.Kind, runID string) (job.Job, error)
}

// StatusDispatcher applies a status update to an authenticated job.
type StatusDispatcher interface {
	Dispatch(ctx context.Context, j job.Job, update job.StatusUpdate) (job.Job, error)
}

// VariantLister lists the variants of a pipeline feature.
type VariantLister interface {
	ListVariants(ctx context.Context, feature string) ([]connector.Variant, error)
}

// EventPublisher accepts domain events.
type EventPublisher interface {
	Publish(e events.Event) error
}

// Handler contains the HTTP handlers.
type Handler struct {
	auth       Authenticator
	dispatcher StatusDispatcher
	variants   VariantLister
	events     EventPublisher
	health     *health.Checker
	signingKey string
	logger     *slog.Logger
}

// NewHandler creates a new API handler. An empty signingKey accepts
// unsigned events.
func NewHandler(a Authenticator, d StatusDispatcher, v VariantLister, p EventPublisher, checker *health.Checker, signingKey string) *Handler {
	return &Handler{
		auth:       a,
		dispatcher: d,
		variants:   v,
		events:     p,
		health:     checker,
		signingKey: signingKey,
		logger:     slog.With("component", "api"),
	}
}

// PipelineStatus handles POST /api/pyris/internal/pipelines/{kind}/runs/{runId}/status
func (h *Handler) PipelineStatus(w http.ResponseWriter, r *http.Request) {
	h.status(w, r, false)
}

// WebhookStatus handles POST /api/pyris/internal/webhooks/{kind}/runs/{runId}/status
func (h *Handler) WebhookStatus(w http.ResponseWriter, r *http.Request) {
	h.status(w, r, true)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request, ingestion bool) {
	slug := chi.URLParam(r, "kind")
	kind, ok := job.KindFromSlug(slug, ingestion)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown pipeline "+slug)
		return
	}

	j, err := h.auth.AuthenticateRun(r.Context(), r.Header.Get("Authorization"), kind, chi.URLParam(r, "runId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var update job.StatusUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid status update: "+err.Error())
		return
	}

	if _, err := h.dispatcher.Dispatch(r.Context(), j, update); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ListVariants handles GET /api/pyris/variants/{feature}
func (h *Handler) ListVariants(w http.ResponseWriter, r *http.Request) {
	variants, err := h.variants.ListVariants(r.Context(), chi.URLParam(r, "feature"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if variants == nil {
		variants = []connector.Variant{}
	}
	writeJSON(w, http.StatusOK, variants)
}

// IngestEvent handles POST /internal/events. The body is a CloudEvent in
// structured or binary mode whose type is the event kind and whose data is
// the event. Once decoded the event is accepted even if the router drops
// it: publishing never fails the sender.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unreadable body: "+err.Error())
		return
	}

	if h.signingKey != "" {
		if err := cloudevent.Verify(body, r.Header.Get(cloudevent.SignatureHeader), h.signingKey); err != nil {
			h.logger.Warn("Rejected unsigned event", "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	ce, err := cloudevent.Decode(r.Header, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid CloudEvent: "+err.Error())
		return
	}

	var e events.Event
	if len(ce.Data) > 0 {
		if err := ce.DecodeData(&e); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid event data: "+err.Error())
			return
		}
	}
	e.Kind = events.Kind(ce.Type)
	e.ID = ce.ID
	if e.OccurredAt.IsZero() {
		e.OccurredAt = ce.Time
	}

	if err := h.events.Publish(e); err != nil {
		h.logger.Warn("Event not queued", "kind", e.Kind, "id", e.ID, "error", err)
	}
	w.WriteHeader(http.StatusAccepted)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 while the registry is unreachable or during shutdown. An
// unreachable pipeline service only degrades the instance.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

// handleError maps domain errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		h.logger.Error("Request failed", "error", err, "path", r.URL.Path, "status", status)
	} else {
		h.logger.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	message := err.Error()
	var pipelineErr *apperrors.PipelineError
	if errors.As(err, &pipelineErr) && pipelineErr.Detail != "" {
		message = pipelineErr.Detail
	}
	writeError(w, status, message)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
