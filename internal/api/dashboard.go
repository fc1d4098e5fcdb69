package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/factoryops/factory-engine/internal/cache"
	"github.com/factoryops/factory-engine/internal/database"
	"github.com/factoryops/factory-engine/internal/health"
	"github.com/factoryops/factory-engine/internal/rules"
)

// summaryCacheTTL bounds recomputation of the dashboard summary; the
// figures are derivations, never stored.
const summaryCacheTTL = 10 * time.Second

type DashboardHandler struct {
	db        *database.DB
	shared    *cache.Cache
	staleness time.Duration

	mu        sync.Mutex
	summaries map[int]cachedSummary
}

type cachedSummary struct {
	summary SummaryResponse
	expires time.Time
}

type SummaryResponse struct {
	TotalDevices   int            `json:"total_devices"`
	OnlineDevices  int            `json:"online_devices"`
	OfflineDevices int            `json:"offline_devices"`
	ActiveAlerts   map[string]int `json:"active_alerts"`
	HealthScore    int            `json:"health_score"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

func NewDashboardHandler(db *database.DB, shared *cache.Cache, staleness time.Duration) *DashboardHandler {
	if staleness <= 0 {
		staleness = health.DefaultStalenessThreshold
	}
	return &DashboardHandler{
		db:        db,
		shared:    shared,
		staleness: staleness,
		summaries: make(map[int]cachedSummary),
	}
}

func (h *DashboardHandler) Routes(r chi.Router) {
	r.Get("/dashboard/summary", h.Summary)
	r.Get("/kpi/live", h.LiveKPI)
}

func (h *DashboardHandler) Summary(w http.ResponseWriter, r *http.Request) {
	factoryID := FactoryID(r.Context())

	h.mu.Lock()
	if c, ok := h.summaries[factoryID]; ok && time.Now().Before(c.expires) {
		h.mu.Unlock()
		WriteJSON(w, http.StatusOK, c.summary)
		return
	}
	h.mu.Unlock()

	now := time.Now().UTC()
	total, offline, err := h.db.CountDevices(r.Context(), factoryID, health.OnlineThreshold, now)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "device counts failed")
		return
	}
	alerts, err := h.db.CountActiveAlerts(r.Context(), factoryID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "alert counts failed")
		return
	}

	summary := SummaryResponse{
		TotalDevices:   total,
		OnlineDevices:  total - offline,
		OfflineDevices: offline,
		ActiveAlerts:   alerts,
		HealthScore:    health.Score(alerts[rules.SeverityCritical], alerts[rules.SeverityHigh], offline),
		GeneratedAt:    now,
	}

	h.mu.Lock()
	h.summaries[factoryID] = cachedSummary{summary: summary, expires: time.Now().Add(summaryCacheTTL)}
	h.mu.Unlock()

	WriteJSON(w, http.StatusOK, summary)
}

// LiveKPIEntry is the freshest value of one KPI parameter. Values older
// than the staleness threshold are still returned for display, flagged
// stale.
type LiveKPIEntry struct {
	DeviceID     int        `json:"device_id"`
	ParameterKey string     `json:"parameter_key"`
	DisplayName  string     `json:"display_name"`
	Unit         *string    `json:"unit,omitempty"`
	Value        *float64   `json:"value,omitempty"`
	ObservedAt   *time.Time `json:"observed_at,omitempty"`
	IsStale      bool       `json:"is_stale"`
}

func (h *DashboardHandler) LiveKPI(w http.ResponseWriter, r *http.Request) {
	factoryID := FactoryID(r.Context())

	params, err := h.db.ListKPIParameters(r.Context(), factoryID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "list kpi parameters failed")
		return
	}

	now := time.Now().UTC()
	entries := make([]LiveKPIEntry, 0, len(params))

	// One mirror read per device, shared across its parameters.
	type mirror struct {
		values   map[string]string
		observed *time.Time
	}
	mirrors := make(map[int]mirror)

	for _, p := range params {
		m, ok := mirrors[p.DeviceID]
		if !ok {
			values, err := h.shared.GetHash(r.Context(), fmt.Sprintf("kpi:%d", p.DeviceID))
			if err != nil && !errors.Is(err, cache.ErrMiss) {
				WriteError(w, http.StatusInternalServerError, "kpi mirror read failed")
				return
			}
			m = mirror{values: values}
			if seen, err := h.shared.GetString(r.Context(), fmt.Sprintf("last_seen:%d", p.DeviceID)); err == nil {
				if t, err := time.Parse(time.RFC3339Nano, seen); err == nil {
					m.observed = &t
				}
			}
			mirrors[p.DeviceID] = m
		}

		entry := LiveKPIEntry{
			DeviceID:     p.DeviceID,
			ParameterKey: p.ParameterKey,
			DisplayName:  p.DisplayName,
			Unit:         p.Unit,
			IsStale:      true,
		}
		if raw, ok := m.values[p.ParameterKey]; ok {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				entry.Value = &v
			}
		}
		if m.observed != nil {
			entry.ObservedAt = m.observed
			entry.IsStale = health.Stale(*m.observed, now, h.staleness)
		}
		entries = append(entries, entry)
	}

	WriteJSON(w, http.StatusOK, map[string]any{"kpis": entries, "total": len(entries)})
}
