package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/mmrzaf/invsync/internal/app"
	"github.com/mmrzaf/invsync/internal/domain"
	"github.com/mmrzaf/invsync/internal/validation"
)

// SyncService is the part of app.SyncService the HTTP surface drives.
type SyncService interface {
	RunSync(ctx context.Context) (*domain.RunSummary, error)
	DrainNextBatch(ctx context.Context) (*domain.DrainOutcome, error)
	ClearQueue(ctx context.Context) (int, error)
	Stats(ctx context.Context) (*domain.SyncStats, error)
	ListBatches(ctx context.Context, limit int, status string) ([]*domain.Batch, error)
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
}

type Handler struct {
	sync SyncService
}

func NewHandler(sync SyncService) *Handler {
	return &Handler{sync: sync}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sync.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	status := r.URL.Query().Get("status")
	if err := validation.ValidateListRequest(limit, status); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	batches, err := h.sync.ListBatches(r.Context(), limit, status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if batches == nil {
		batches = []*domain.Batch{}
	}
	writeJSON(w, batches)
}

func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.sync.GetBatch(r.Context(), r.PathValue("id"))
	if errors.Is(err, app.ErrBatchNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, b)
}

// RunSync triggers a full run and blocks until batch 1 is done.
func (h *Handler) RunSync(w http.ResponseWriter, r *http.Request) {
	summary, err := h.sync.RunSync(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, summary)
}

func (h *Handler) Drain(w http.ResponseWriter, r *http.Request) {
	out, err := h.sync.DrainNextBatch(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, out)
}

func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := h.sync.ClearQueue(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]int{"deleted": n})
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
	mux.HandleFunc("GET /api/v1/batches", h.ListBatches)
	mux.HandleFunc("GET /api/v1/batches/{id}", h.GetBatch)
	mux.HandleFunc("POST /api/v1/sync", h.RunSync)
	mux.HandleFunc("POST /api/v1/sync/drain", h.Drain)
	mux.HandleFunc("DELETE /api/v1/queue", h.ClearQueue)
}

func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, app.ErrNotConfigured) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
