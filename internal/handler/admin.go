package handler

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/mmeshcher/keypool-system/internal/model"
	"github.com/mmeshcher/keypool-system/internal/validation"
)

type addKeysRequest struct {
	Duration string   `json:"duration" validate:"required"`
	Keys     []string `json:"keys" validate:"max=10000,dive,max=256"`
	Text     string   `json:"text" validate:"max=2000000"`
}

type addKeysResponse struct {
	Added      int `json:"added"`
	Duplicates int `json:"duplicates"`
}

// AddKeys загружает пачку ключей в пул. Ключи передаются списком или
// текстом по одному на строку.
func (h *Handler) AddKeys(w http.ResponseWriter, r *http.Request) {
	var req addKeysRequest
	if !h.decode(w, r, &req) {
		return
	}

	candidates := req.Keys
	if req.Text != "" {
		candidates = append(candidates, validation.SplitKeys(req.Text)...)
	}
	if len(candidates) == 0 {
		writeError(w, r, http.StatusBadRequest, "no keys provided")
		return
	}
	for _, k := range validation.NormalizeKeys(candidates) {
		if !validation.IsValidKey(k) {
			writeError(w, r, http.StatusBadRequest, "key contains control characters or is too long")
			return
		}
	}

	added, duplicates, err := h.service.AddKeys(r.Context(), model.Tier(req.Duration), candidates)
	if err != nil {
		h.writeServiceError(w, r, "add keys", err)
		return
	}

	render.JSON(w, r, addKeysResponse{Added: added, Duplicates: duplicates})
}

// tierParam достаёт тариф из пути: "7%20days" и "7 days" равнозначны.
func tierParam(r *http.Request) model.Tier {
	raw := chi.URLParam(r, "tier")
	if v, err := url.PathUnescape(raw); err == nil {
		raw = v
	}
	return model.Tier(raw)
}

type poolResponse struct {
	Count int      `json:"count"`
	Keys  []string `json:"keys"`
}

// ListPool возвращает доступные ключи тарифа.
func (h *Handler) ListPool(w http.ResponseWriter, r *http.Request) {
	keys, err := h.service.ListPool(r.Context(), tierParam(r))
	if err != nil {
		h.writeServiceError(w, r, "list pool", err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	render.JSON(w, r, poolResponse{Count: len(keys), Keys: keys})
}

// RemoveKey удаляет доступный ключ из пула тарифа.
func (h *Handler) RemoveKey(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, r, http.StatusBadRequest, "key query parameter is required")
		return
	}

	if err := h.service.RemoveKey(r.Context(), tierParam(r), key); err != nil {
		h.writeServiceError(w, r, "remove key", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type tierPoolStats struct {
	Available int `json:"available"`
}

type statsResponse struct {
	Pools         map[model.Tier]tierPoolStats `json:"pools"`
	AssignedStats map[model.Tier]int           `json:"assignedStats"`
	TotalAssigned int                          `json:"totalAssigned"`
}

// Stats возвращает статистику пулов.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.logger.Error("get stats error", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "")
		return
	}

	resp := statsResponse{
		Pools:         make(map[model.Tier]tierPoolStats, len(stats.Available)),
		AssignedStats: stats.Assigned,
		TotalAssigned: stats.TotalAssigned,
	}
	for tier, n := range stats.Available {
		resp.Pools[tier] = tierPoolStats{Available: n}
	}
	render.JSON(w, r, resp)
}
