package mapimport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/EmpoweredVote/HZ-Backend/internal/logger"
)

// maxRememberedJobs bounds the finished runs kept in memory. Only runs that
// never got a run row are kept at all.
const maxRememberedJobs = 100

// Handler serves the admin import endpoints.
type Handler struct {
	base     context.Context
	pipeline *Pipeline
	running  sync.WaitGroup

	mu       sync.Mutex
	jobs     map[uuid.UUID]*MapImportResult // nil value while running
	finished []uuid.UUID                    // remembered results, oldest first
}

// NewHandler creates a Handler. Background runs use base, so cancelling it
// aborts them.
func NewHandler(base context.Context, pipeline *Pipeline) *Handler {
	return &Handler{
		base:     base,
		pipeline: pipeline,
		jobs:     make(map[uuid.UUID]*MapImportResult),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error(err)
	}
}

// StartImport handles POST /admin/map-import. A dry run executes inline and
// returns its result; a real run is started in the background.
func (h *Handler) StartImport(w http.ResponseWriter, r *http.Request) {
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	if dryRun {
		res := h.pipeline.DryRun().RunImport(r.Context())
		status := http.StatusOK
		if !res.Success {
			status = http.StatusConflict
			if !lockBusy(res) {
				status = http.StatusInternalServerError
			}
		}
		writeJSON(w, status, res)
		return
	}

	if h.base.Err() != nil {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	id := uuid.New()
	h.mu.Lock()
	h.jobs[id] = nil
	h.mu.Unlock()

	h.running.Add(1)
	go func() {
		defer h.running.Done()
		res := h.pipeline.RunImportWithID(h.base, id)
		h.done(id, res)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"import_id": id.String(),
		"status":    RunInProgress,
	})
}

// done forgets a finished run once its run row answers for it. Other results
// are kept, up to maxRememberedJobs.
func (h *Handler) done(id uuid.UUID, res MapImportResult) {
	_, err := h.pipeline.Store().GetRun(context.WithoutCancel(h.base), id)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.jobs, id)
		return
	}
	h.jobs[id] = &res
	h.finished = append(h.finished, id)
	for len(h.finished) > maxRememberedJobs {
		delete(h.jobs, h.finished[0])
		h.finished = h.finished[1:]
	}
}

// Wait blocks until every background run started by h has returned, or ctx
// is done. Runs stop early once the base context is cancelled.
func (h *Handler) Wait(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		h.running.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func lockBusy(res MapImportResult) bool {
	for _, e := range res.Errors {
		if e == ErrImportInProgress.Error() {
			return true
		}
	}
	return false
}

// ListImports handles GET /admin/map-import?limit=N.
func (h *Handler) ListImports(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 100)
	}

	runs, err := h.pipeline.Store().ListRuns(r.Context(), limit)
	if err != nil {
		logger.ErrorCtx(r.Context(), err)
		http.Error(w, "Failed to list imports", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []MapImport{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetImport handles GET /admin/map-import/{importID}. Runs started here that
// never got a run row, such as one refused by the run lock, are answered
// from memory.
func (h *Handler) GetImport(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "importID"))
	if err != nil {
		http.Error(w, "Invalid import id", http.StatusBadRequest)
		return
	}

	run, err := h.pipeline.Store().GetRun(r.Context(), id)
	if err == nil {
		writeJSON(w, http.StatusOK, run)
		return
	}
	if !errors.Is(err, ErrRunNotFound) {
		logger.ErrorCtx(r.Context(), err)
		http.Error(w, "Failed to load import", http.StatusInternalServerError)
		return
	}

	h.mu.Lock()
	res, ok := h.jobs[id]
	h.mu.Unlock()
	switch {
	case !ok:
		http.Error(w, "Import not found", http.StatusNotFound)
	case res == nil:
		writeJSON(w, http.StatusOK, map[string]string{"import_id": id.String(), "status": "pending"})
	default:
		writeJSON(w, http.StatusOK, res)
	}
}
