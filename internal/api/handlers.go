package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sentinelops/sentinel-core/internal/audit"
	"github.com/sentinelops/sentinel-core/internal/baseline"
	"github.com/sentinelops/sentinel-core/internal/detector"
	"github.com/sentinelops/sentinel-core/internal/engine"
	"github.com/sentinelops/sentinel-core/internal/models"
	"github.com/sentinelops/sentinel-core/internal/planner"
	"github.com/sentinelops/sentinel-core/internal/remediation"
	"github.com/sentinelops/sentinel-core/internal/risk"
	"github.com/sentinelops/sentinel-core/internal/utils"
)

// Handlers expose the operational surface over REST.
type Handlers struct {
	engine      *engine.Engine
	detector    *detector.Detector
	baselines   *baseline.Engine
	planner     *planner.Planner
	remediation *remediation.Engine
	trail       *audit.Trail
	logger      *slog.Logger
}

// NewHandlers wires the handler set.
func NewHandlers(e *engine.Engine, det *detector.Detector, baselines *baseline.Engine, pl *planner.Planner, rem *remediation.Engine, trail *audit.Trail, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		engine:      e,
		detector:    det,
		baselines:   baselines,
		planner:     pl,
		remediation: rem,
		trail:       trail,
		logger:      logger,
	}
}

// Register installs all routes on the router.
func (h *Handlers) Register(router *mux.Router) {
	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.ready).Methods(http.MethodGet)
	router.HandleFunc("/live", h.live).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", h.status).Methods(http.MethodGet)

	v1.HandleFunc("/anomalies", h.listAnomalies).Methods(http.MethodGet)
	v1.HandleFunc("/anomalies/{id}", h.getAnomaly).Methods(http.MethodGet)
	v1.HandleFunc("/anomalies/{id}/acknowledge", h.acknowledgeAnomaly).Methods(http.MethodPost)

	v1.HandleFunc("/baselines", h.listBaselines).Methods(http.MethodGet)
	v1.HandleFunc("/baselines/refresh", h.refreshBaselines).Methods(http.MethodPost)
	v1.HandleFunc("/baselines/{metric}", h.getBaselines).Methods(http.MethodGet)

	v1.HandleFunc("/plans", h.listPlans).Methods(http.MethodGet)
	v1.HandleFunc("/plans", h.createPlan).Methods(http.MethodPost)
	v1.HandleFunc("/plans/{id}", h.getPlan).Methods(http.MethodGet)
	v1.HandleFunc("/plans/{id}/approve", h.approvePlan).Methods(http.MethodPost)
	v1.HandleFunc("/plans/{id}/reject", h.rejectPlan).Methods(http.MethodPost)
	v1.HandleFunc("/plans/{id}/execute", h.executePlan).Methods(http.MethodPost)

	v1.HandleFunc("/audit", h.listAudit).Methods(http.MethodGet)
	v1.HandleFunc("/audit/failures", h.listAuditFailures).Methods(http.MethodGet)
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *Handlers) ready(w http.ResponseWriter, r *http.Request) {
	if !h.engine.Running() {
		writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handlers) live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *Handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

func (h *Handlers) listAnomalies(w http.ResponseWriter, r *http.Request) {
	var anomalies []*models.Anomaly
	if r.URL.Query().Get("all") == "true" {
		anomalies = h.detector.All()
	} else {
		anomalies = h.detector.Active()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(anomalies),
		"anomalies": anomalies,
	})
}

func (h *Handlers) getAnomaly(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	anomaly, ok := h.detector.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "anomaly not found")
		return
	}
	writeJSON(w, http.StatusOK, anomaly)
}

func (h *Handlers) acknowledgeAnomaly(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}
	if !h.detector.Acknowledge(id, body.Actor) {
		writeError(w, http.StatusNotFound, "anomaly not found")
		return
	}
	anomaly, _ := h.detector.Get(id)
	writeJSON(w, http.StatusOK, anomaly)
}

// baselineSummary keeps the list endpoint small; full statistics are served
// per metric.
type baselineSummary struct {
	MetricName   string            `json:"metric_name"`
	Labels       map[string]string `json:"labels,omitempty"`
	Mean         float64           `json:"mean"`
	Std          float64           `json:"std"`
	SampleCount  int               `json:"sample_count"`
	QualityScore float64           `json:"quality_score"`
	CoverageDays int               `json:"coverage_days"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (h *Handlers) listBaselines(w http.ResponseWriter, r *http.Request) {
	all := h.baselines.Store().All()
	summaries := make([]baselineSummary, 0, len(all))
	for _, b := range all {
		summaries = append(summaries, baselineSummary{
			MetricName:   b.MetricName,
			Labels:       b.Labels,
			Mean:         b.GlobalStats.Mean,
			Std:          b.GlobalStats.Std,
			SampleCount:  b.SampleCount,
			QualityScore: b.QualityScore,
			CoverageDays: b.CoverageDays,
			UpdatedAt:    b.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(summaries),
		"baselines": summaries,
	})
}

func (h *Handlers) getBaselines(w http.ResponseWriter, r *http.Request) {
	metric := mux.Vars(r)["metric"]
	matched := make([]*models.Baseline, 0, 1)
	for _, b := range h.baselines.Store().All() {
		if b.MetricName == metric {
			matched = append(matched, b)
		}
	}
	if len(matched) == 0 {
		writeError(w, http.StatusNotFound, "no baseline for metric")
		return
	}
	writeJSON(w, http.StatusOK, matched)
}

func (h *Handlers) refreshBaselines(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RefreshBaselines(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "refreshed",
		"baselines": h.baselines.Store().Len(),
	})
}

func (h *Handlers) listPlans(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var plans []*models.ActionPlan
	if status := r.URL.Query().Get("status"); status != "" {
		plans = h.planner.ByStatus(models.ActionStatus(status))
	} else {
		plans = h.planner.Recent(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(plans),
		"plans": plans,
	})
}

type createPlanRequest struct {
	AnomalyID string             `json:"anomaly_id"`
	Action    models.ActionType  `json:"action"`
	Target    string             `json:"target"`
	Namespace string             `json:"namespace"`
	Overrides map[string]float64 `json:"overrides,omitempty"`
}

func (h *Handlers) createPlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	anomaly, ok := h.detector.Get(req.AnomalyID)
	if !ok {
		writeError(w, http.StatusNotFound, "anomaly not found")
		return
	}
	plan, err := h.planner.CreatePlan(anomaly, req.Action, req.Target, req.Namespace, risk.FactorOverrides(req.Overrides))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (h *Handlers) getPlan(w http.ResponseWriter, r *http.Request) {
	plan, ok := h.planner.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "plan not found")
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handlers) approvePlan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approver string `json:"approver"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Approver == "" {
		writeError(w, http.StatusBadRequest, "approver is required")
		return
	}
	plan, err := h.planner.Approve(mux.Vars(r)["id"], body.Approver)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handlers) rejectPlan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}
	plan, err := h.planner.Reject(mux.Vars(r)["id"], body.Actor, body.Reason)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handlers) executePlan(w http.ResponseWriter, r *http.Request) {
	plan, ok := h.planner.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "plan not found")
		return
	}
	if err := h.remediation.ExecutePlan(r.Context(), plan); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handlers) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var entries []*models.AuditLog
	switch {
	case q.Get("plan_id") != "":
		entries = h.trail.ByPlan(q.Get("plan_id"))
	case q.Get("anomaly_id") != "":
		entries = h.trail.ByAnomaly(q.Get("anomaly_id"))
	case q.Get("actor") != "":
		entries = h.trail.ByActor(q.Get("actor"))
	default:
		limit := 100
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		entries = h.trail.Recent(limit, q.Get("action"))
	}

	if v := q.Get("since"); v != "" {
		since, err := utils.ParseRFC3339(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filtered := make([]*models.AuditLog, 0, len(entries))
		for _, e := range entries {
			if !e.Timestamp.Before(since) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

func (h *Handlers) listAuditFailures(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries := h.trail.Failures(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
