package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/factoryops/factory-engine/internal/database"
)

type AlertsHandler struct {
	db *database.DB
}

func NewAlertsHandler(db *database.DB) *AlertsHandler {
	return &AlertsHandler{db: db}
}

func (h *AlertsHandler) Routes(r chi.Router) {
	r.Get("/alerts", h.List)
	r.Get("/alerts/{alertID}", h.Get)
	r.Post("/alerts/{alertID}/resolve", h.Resolve)
}

func (h *AlertsHandler) List(w http.ResponseWriter, r *http.Request) {
	factoryID := FactoryID(r.Context())
	activeOnly := r.URL.Query().Get("active") == "true"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	alerts, err := h.db.ListAlerts(r.Context(), factoryID, activeOnly, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "list alerts failed")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "total": len(alerts)})
}

func (h *AlertsHandler) Get(w http.ResponseWriter, r *http.Request) {
	factoryID := FactoryID(r.Context())
	alertID, err := strconv.Atoi(chi.URLParam(r, "alertID"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid alert id")
		return
	}

	alert, err := h.db.GetAlert(r.Context(), factoryID, alertID)
	if errors.Is(err, database.ErrNotFound) {
		WriteNotFound(w)
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "get alert failed")
		return
	}
	WriteJSON(w, http.StatusOK, alert)
}

// Resolve marks an alert resolved. Resolving an already-resolved alert is
// a no-op success; the stored resolution time is preserved.
func (h *AlertsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	factoryID := FactoryID(r.Context())
	alertID, err := strconv.Atoi(chi.URLParam(r, "alertID"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid alert id")
		return
	}

	err = h.db.ResolveAlert(r.Context(), factoryID, alertID, time.Now().UTC())
	if errors.Is(err, database.ErrNotFound) {
		WriteNotFound(w)
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "resolve alert failed")
		return
	}

	alert, err := h.db.GetAlert(r.Context(), factoryID, alertID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "get alert failed")
		return
	}
	WriteJSON(w, http.StatusOK, alert)
}
