package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/factoryops/factory-engine/internal/cache"
	"github.com/factoryops/factory-engine/internal/database"
	"github.com/factoryops/factory-engine/internal/health"
)

type DevicesHandler struct {
	db     *database.DB
	shared *cache.Cache
}

func NewDevicesHandler(db *database.DB, shared *cache.Cache) *DevicesHandler {
	return &DevicesHandler{db: db, shared: shared}
}

func (h *DevicesHandler) Routes(r chi.Router) {
	r.Get("/devices", h.List)
	r.Get("/devices/{deviceID}", h.Get)
	r.Patch("/devices/{deviceID}", h.Patch)
	r.Get("/devices/{deviceID}/parameters", h.Parameters)
}

// deviceResponse decorates a device row with the derived online flag.
type deviceResponse struct {
	database.Device
	Online bool `json:"online"`
}

func toDeviceResponse(d database.Device, now time.Time) deviceResponse {
	return deviceResponse{Device: d, Online: health.Online(d.LastSeen, now)}
}

func (h *DevicesHandler) List(w http.ResponseWriter, r *http.Request) {
	factoryID := FactoryID(r.Context())
	devices, err := h.db.ListDevices(r.Context(), factoryID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "list devices failed")
		return
	}

	now := time.Now().UTC()
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, toDeviceResponse(d, now))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"devices": out, "total": len(out)})
}

func (h *DevicesHandler) Get(w http.ResponseWriter, r *http.Request) {
	factoryID := FactoryID(r.Context())
	deviceID, err := strconv.Atoi(chi.URLParam(r, "deviceID"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	d, err := h.db.GetDevice(r.Context(), factoryID, deviceID)
	if errors.Is(err, database.ErrNotFound) {
		WriteNotFound(w)
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "get device failed")
		return
	}
	WriteJSON(w, http.StatusOK, toDeviceResponse(*d, time.Now().UTC()))
}

type devicePatch struct {
	Name     *string `json:"name"`
	IsActive *bool   `json:"is_active"`
}

func (h *DevicesHandler) Patch(w http.ResponseWriter, r *http.Request) {
	factoryID := FactoryID(r.Context())
	deviceID, err := strconv.Atoi(chi.URLParam(r, "deviceID"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	var patch devicePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}

	d, err := h.db.UpdateDevice(r.Context(), factoryID, deviceID, patch.Name, patch.IsActive)
	if errors.Is(err, database.ErrNotFound) {
		WriteNotFound(w)
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "update device failed")
		return
	}

	// Other workers drop their identity entries for this device.
	h.shared.Delete(r.Context(), fmt.Sprintf("dev:%d:%s", factoryID, d.DeviceKey))
	_ = h.shared.PublishInvalidation(r.Context(), fmt.Sprintf("device:%d:%s", factoryID, d.DeviceKey))

	WriteJSON(w, http.StatusOK, toDeviceResponse(*d, time.Now().UTC()))
}

func (h *DevicesHandler) Parameters(w http.ResponseWriter, r *http.Request) {
	factoryID := FactoryID(r.Context())
	deviceID, err := strconv.Atoi(chi.URLParam(r, "deviceID"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	// Device existence check keeps foreign devices indistinguishable from
	// missing ones.
	if _, err := h.db.GetDevice(r.Context(), factoryID, deviceID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteNotFound(w)
			return
		}
		WriteError(w, http.StatusInternalServerError, "get device failed")
		return
	}

	params, err := h.db.ListParameters(r.Context(), factoryID, deviceID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "list parameters failed")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"parameters": params, "total": len(params)})
}
