package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/factoryops/factory-engine/internal/cache"
	"github.com/factoryops/factory-engine/internal/database"
	"github.com/factoryops/factory-engine/internal/rules"
)

type RulesHandler struct {
	db     *database.DB
	shared *cache.Cache
}

func NewRulesHandler(db *database.DB, shared *cache.Cache) *RulesHandler {
	return &RulesHandler{db: db, shared: shared}
}

func (h *RulesHandler) Routes(r chi.Router) {
	r.Get("/rules", h.List)
	r.Post("/rules", h.Create)
	r.Get("/rules/{ruleID}", h.Get)
	r.Put("/rules/{ruleID}", h.Update)
	r.Delete("/rules/{ruleID}", h.Delete)
}

// ruleRequest is the write shape for rule create/update.
type ruleRequest struct {
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Scope           string          `json:"scope"`
	Conditions      json.RawMessage `json:"conditions"`
	CooldownMinutes int             `json:"cooldown_minutes"`
	IsActive        *bool           `json:"is_active"`
	ScheduleType    string          `json:"schedule_type"`
	ScheduleConfig  json.RawMessage `json:"schedule_config"`
	Severity        string          `json:"severity"`
	Channels        []string        `json:"notification_channels"`
	DeviceIDs       []int           `json:"device_ids"`
}

// ruleResponse is the read shape.
type ruleResponse struct {
	RuleID          int                   `json:"rule_id"`
	FactoryID       int                   `json:"factory_id"`
	Name            string                `json:"name"`
	Description     string                `json:"description"`
	Scope           string                `json:"scope"`
	Conditions      *rules.Condition      `json:"conditions"`
	CooldownMinutes int                   `json:"cooldown_minutes"`
	IsActive        bool                  `json:"is_active"`
	ScheduleType    string                `json:"schedule_type"`
	ScheduleConfig  *rules.ScheduleConfig `json:"schedule_config,omitempty"`
	Severity        string                `json:"severity"`
	Channels        []string              `json:"notification_channels"`
	DeviceIDs       []int                 `json:"device_ids,omitempty"`
}

func toRuleResponse(r *rules.Rule) ruleResponse {
	resp := ruleResponse{
		RuleID:          r.RuleID,
		FactoryID:       r.FactoryID,
		Name:            r.Name,
		Description:     r.Description,
		Scope:           r.Scope,
		Conditions:      r.Conditions,
		CooldownMinutes: r.CooldownMinutes,
		IsActive:        r.IsActive,
		ScheduleType:    r.ScheduleType,
		Severity:        r.Severity,
		Channels:        r.Channels,
		DeviceIDs:       r.DeviceIDs,
	}
	if r.ScheduleType != rules.ScheduleAlways {
		resp.ScheduleConfig = r.Schedule
	}
	return resp
}

// decodeRule validates a write request into a domain rule.
func decodeRule(factoryID int, req *ruleRequest) (*rules.Rule, error) {
	if req.Scope == "" {
		req.Scope = rules.ScopeDevice
	}
	if req.ScheduleType == "" {
		req.ScheduleType = rules.ScheduleAlways
	}
	if req.Severity == "" {
		req.Severity = rules.SeverityMedium
	}

	cond, err := rules.Parse(req.Conditions)
	if err != nil {
		return nil, err
	}
	sched, err := rules.ParseScheduleConfig(req.ScheduleType, req.ScheduleConfig)
	if err != nil {
		return nil, err
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	r := &rules.Rule{
		FactoryID:       factoryID,
		Name:            req.Name,
		Description:     req.Description,
		Scope:           req.Scope,
		Conditions:      cond,
		CooldownMinutes: req.CooldownMinutes,
		IsActive:        isActive,
		ScheduleType:    req.ScheduleType,
		Schedule:        sched,
		Severity:        req.Severity,
		Channels:        req.Channels,
		DeviceIDs:       req.DeviceIDs,
	}
	if err := r.ValidateMeta(); err != nil {
		return nil, err
	}
	return r, nil
}

func (h *RulesHandler) List(w http.ResponseWriter, r *http.Request) {
	factoryID := FactoryID(r.Context())
	list, err := h.db.ListRules(r.Context(), factoryID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "list rules failed")
		return
	}
	out := make([]ruleResponse, 0, len(list))
	for _, rule := range list {
		out = append(out, toRuleResponse(rule))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"rules": out, "total": len(out)})
}

func (h *RulesHandler) Get(w http.ResponseWriter, r *http.Request) {
	factoryID := FactoryID(r.Context())
	ruleID, err := strconv.Atoi(chi.URLParam(r, "ruleID"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	rule, err := h.db.GetRule(r.Context(), factoryID, ruleID)
	if errors.Is(err, database.ErrNotFound) {
		WriteNotFound(w)
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "get rule failed")
		return
	}
	WriteJSON(w, http.StatusOK, toRuleResponse(rule))
}

func (h *RulesHandler) Create(w http.ResponseWriter, r *http.Request) {
	factoryID := FactoryID(r.Context())

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}
	rule, err := decodeRule(factoryID, &req)
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid rule", err.Error())
		return
	}

	ruleID, err := h.db.CreateRule(r.Context(), rule)
	if errors.Is(err, database.ErrNotFound) {
		// A bound device does not belong to this factory.
		WriteErrorDetail(w, http.StatusBadRequest, "invalid rule", err.Error())
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "create rule failed")
		return
	}
	rule.RuleID = ruleID

	h.invalidate(r, factoryID)
	WriteJSON(w, http.StatusCreated, toRuleResponse(rule))
}

func (h *RulesHandler) Update(w http.ResponseWriter, r *http.Request) {
	factoryID := FactoryID(r.Context())
	ruleID, err := strconv.Atoi(chi.URLParam(r, "ruleID"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid body", err.Error())
		return
	}
	rule, err := decodeRule(factoryID, &req)
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid rule", err.Error())
		return
	}
	rule.RuleID = ruleID

	err = h.db.UpdateRule(r.Context(), rule)
	if errors.Is(err, database.ErrNotFound) {
		WriteNotFound(w)
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "update rule failed")
		return
	}

	h.invalidate(r, factoryID)
	WriteJSON(w, http.StatusOK, toRuleResponse(rule))
}

func (h *RulesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	factoryID := FactoryID(r.Context())
	ruleID, err := strconv.Atoi(chi.URLParam(r, "ruleID"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	err = h.db.DeleteRule(r.Context(), factoryID, ruleID)
	if errors.Is(err, database.ErrNotFound) {
		WriteNotFound(w)
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "delete rule failed")
		return
	}

	h.invalidate(r, factoryID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *RulesHandler) invalidate(r *http.Request, factoryID int) {
	// Failure is tolerable: workers fall back to the rule cache TTL.
	_ = h.shared.PublishInvalidation(r.Context(), fmt.Sprintf("rules:%d", factoryID))
}
