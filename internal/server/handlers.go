package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"nhooyr.io/websocket"

	"github.com/aristath/patterns-realtime/internal/di"
	"github.com/aristath/patterns-realtime/internal/domain"
	"github.com/aristath/patterns-realtime/internal/scan"
	"github.com/aristath/patterns-realtime/internal/stats"
	"github.com/aristath/patterns-realtime/internal/store"
)

type handlers struct {
	container *di.Container
	log       zerolog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type runRequest struct {
	Symbols        []string `json:"symbols"`
	K              int      `json:"k"`
	Horizon        int      `json:"horizon"`
	Alpha          float64  `json:"alpha"`
	MinEdge        float64  `json:"min_edge"`
	CrossAsset     bool     `json:"cross_asset"`
	Parallel       bool     `json:"parallel"`
	MaxConcurrency int      `json:"max_concurrency"`
}

// runJob handles POST /pattern-realtime/run.
func (h *handlers) runJob(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	job, err := h.container.Scan.Run(r.Context(), scan.Request{
		Symbols: req.Symbols, K: req.K, Horizon: req.Horizon,
		Alpha: req.Alpha, MinEdge: req.MinEdge, CrossAsset: req.CrossAsset,
		Parallel: req.Parallel, MaxConcurrency: req.MaxConcurrency,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID, "status": job.Status, "started_at": job.StartedAt,
	})
}

// getJob handles GET /pattern-realtime/job/{id}.
func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.container.Store.GetJobStatus(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	q := r.URL.Query()
	preds := result.Predictions
	sortBy := q.Get("sort_by")
	var dirFilter *domain.Direction
	if d := q.Get("direction"); d != "" {
		dir := domain.Direction(d)
		dirFilter = &dir
	}
	limit := 0
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	preds = scan.SortPredictions(preds, sortBy, dirFilter, limit)

	resp := map[string]any{
		"job_id":    result.Job.ID,
		"status":    result.Job.Status,
		"progress":  map[string]int{"completed": result.Job.Completed, "total": result.Job.TotalSymbols, "failed": result.Job.Failed},
		"started_at": result.Job.StartedAt,
		"results":   preds,
		"failures":  result.Failures,
		"params":    result.Job.Params,
	}
	if result.Job.CompletedAt != nil {
		resp["completed_at"] = *result.Job.CompletedAt
		resp["duration_seconds"] = result.Job.CompletedAt.Sub(result.Job.StartedAt).Seconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

// cancelJob handles POST /pattern-realtime/job/{id}/cancel.
func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled := h.container.Scan.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// performance handles GET /pattern-realtime/performance.
func (h *handlers) performance(w http.ResponseWriter, r *http.Request) {
	period := stats.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = stats.PeriodAll
	}

	result, err := stats.Compute(r.Context(), h.container.Store, period, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// history handles GET /pattern-realtime/history, a supplemented endpoint
// surfacing the original db.py's get_recent_jobs.
func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	jobs, err := h.container.Store.GetRecentJobs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load job history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// workers handles GET /pattern-realtime/workers, a supplemented endpoint
// surfacing the long-running components' own get_stats()-style counters.
func (h *handlers) workers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"verification": h.container.Verify.Stats(),
		"tracker":      h.container.Tracker.Stats(),
		"hub":          h.container.Hub.Stats(),
	})
}

// websocket handles GET /ws/pattern-realtime, the C8 WebSocket upgrade.
func (h *handlers) websocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin is enforced by the cors middleware upstream
	})
	if err != nil {
		return
	}

	ctx := context.Background()
	connID := h.container.Hub.Connect(ctx, ws)
	defer h.container.Hub.Disconnect(connID)

	for {
		_, data, err := ws.Read(r.Context())
		if err != nil {
			return
		}
		h.container.Hub.HandleInboundMessage(connID, data)
	}
}

// systemHealth handles GET /system/health, reporting host/process metrics
// for the engine's WS fan-out process, the way the teacher's status
// monitor reports deployment health.
func (h *handlers) systemHealth(w http.ResponseWriter, r *http.Request) {
	percentages, _ := cpu.Percent(0, false)
	vm, _ := mem.VirtualMemory()

	cpuPct := 0.0
	if len(percentages) > 0 {
		cpuPct = percentages[0]
	}

	var memUsedPct float64
	if vm != nil {
		memUsedPct = vm.UsedPercent
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"cpu_percent":      cpuPct,
		"memory_used_pct":  memUsedPct,
		"hub":              h.container.Hub.Stats(),
	})
}
