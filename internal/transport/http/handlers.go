package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/helsebro/infobridge/internal/dlq"
	"github.com/helsebro/infobridge/internal/state"
)

var startTime = time.Now()

// Handler groups the inspection API handlers around the two stores and the
// retry sweeper.
type Handler struct {
	states  state.Store
	dead    dlq.Store
	sweeper SweepDriver
	mode    string
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type healthResp struct {
	Status   string `json:"status"`
	Mode     string `json:"mode"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
}

type dlqSummary struct {
	CaseID        string    `json:"case_id"`
	FailureReason string    `json:"failure_reason"`
	FailedAt      time.Time `json:"failed_at"`
	TotalRetries  int       `json:"total_retries"`
	LastStep      string    `json:"last_step"`
}

type dlqListResp struct {
	Records []dlqSummary `json:"records"`
}

type dlqStatsResp struct {
	Count int64 `json:"count"`
}

type triggerResp struct {
	Status string `json:"status"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		Mode:     h.mode,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
	})
}

// ─── Processing state ─────────────────────────────────────────────────────────

func (h *Handler) getProcessing(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("caseID")
	st, err := h.states.Get(r.Context(), caseID)
	if errors.Is(err, state.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("no processing state for case"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ─── Dead letter store ────────────────────────────────────────────────────────

func (h *Handler) listDLQ(w http.ResponseWriter, r *http.Request) {
	ids, err := h.dead.ListIDs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]dlqSummary, 0, len(ids))
	for _, id := range ids {
		rec, err := h.dead.Get(r.Context(), id)
		if errors.Is(err, dlq.ErrNotFound) {
			continue // expired between the index read and now
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, dlqSummary{
			CaseID:        rec.CaseID,
			FailureReason: rec.FailureReason,
			FailedAt:      rec.FailedAt,
			TotalRetries:  rec.TotalRetries,
			LastStep:      string(rec.LastStep),
		})
	}
	writeJSON(w, http.StatusOK, dlqListResp{Records: out})
}

func (h *Handler) dlqStats(w http.ResponseWriter, r *http.Request) {
	n, err := h.dead.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, dlqStatsResp{Count: n})
}

func (h *Handler) getDLQ(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("caseID")
	rec, err := h.dead.Get(r.Context(), caseID)
	if errors.Is(err, dlq.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("no dead letter record for case"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) removeDLQ(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("caseID")
	// Removing an absent record answers 404 so operators notice typos.
	if _, err := h.dead.Get(r.Context(), caseID); errors.Is(err, dlq.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("no dead letter record for case"))
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.dead.Remove(r.Context(), caseID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Retry sweep ──────────────────────────────────────────────────────────────

func (h *Handler) retryMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.sweeper.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) triggerSweep(w http.ResponseWriter, r *http.Request) {
	h.sweeper.SweepNow(r.Context())
	writeJSON(w, http.StatusOK, triggerResp{Status: "sweep completed"})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
