package rest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"catalog-sync/internal/domain"
)

// catalogService defines the interface required by the handlers from the core service.
// This keeps the delivery layer decoupled from the full service implementation.
type catalogService interface {
	Status(ctx context.Context, datasetID string) (domain.CycleStatus, error)
	History(ctx context.Context, datasetID string) ([]domain.UpdateCycle, error)
	TriggerUpdate(ctx context.Context, datasetID string, force bool) (domain.RunResult, error)
	CheckFreshness(ctx context.Context, datasetIDs []string) []domain.FreshnessSample
	QuotaToday(ctx context.Context, scope string) (domain.QuotaUsage, error)
}

// Handlers holds dependencies for the dataset HTTP handlers.
type Handlers struct {
	service catalogService
	logger  *slog.Logger
}

// NewHandlers creates a new handler struct.
func NewHandlers(s catalogService, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{service: s, logger: logger}
}

// GetStatus handles GET /datasets/{id}/status.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetHistory handles GET /datasets/{id}/cycles.
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	cycles, err := h.service.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if cycles == nil {
		cycles = []domain.UpdateCycle{}
	}
	writeJSON(w, http.StatusOK, cycles)
}

// TriggerUpdate handles POST /datasets/{id}/update?force=true. The run is
// synchronous; the response is the run result, also when the run failed, so
// the caller sees the progress it made before the failure.
func (h *Handlers) TriggerUpdate(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "force must be a boolean"})
			return
		}
		force = v
	}

	result, err := h.service.TriggerUpdate(r.Context(), r.PathValue("id"), force)
	if err != nil {
		status, msg := h.classify(r, err)
		result.Error = msg
		writeJSON(w, status, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetFreshness handles GET /freshness?dataset=a&dataset=b.
func (h *Handlers) GetFreshness(w http.ResponseWriter, r *http.Request) {
	samples := h.service.CheckFreshness(r.Context(), r.URL.Query()["dataset"])
	if samples == nil {
		samples = []domain.FreshnessSample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

// GetQuota handles GET /quota?scope=x.
func (h *Handlers) GetQuota(w http.ResponseWriter, r *http.Request) {
	usage, err := h.service.QuotaToday(r.Context(), r.URL.Query().Get("scope"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := h.classify(r, err)
	writeJSON(w, status, errorBody{Error: msg})
}

// classify maps err to a status code and the message safe to return.
// Internal failures are logged and reported generically.
func (h *Handlers) classify(r *http.Request, err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrConcurrentRun), errors.Is(err, domain.ErrCurrentCycleChanged):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	default:
		h.logger.Error("REST: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		return http.StatusInternalServerError, "internal server error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
