package admin

import (
	"encoding/json"
	"net/http"

	"maxrelay/internal/store"
)

type keyView struct {
	ID             string                    `json:"id"`
	SecretPlain    string                    `json:"secretPlain,omitempty"`
	Name           string                    `json:"name"`
	Enabled        bool                      `json:"enabled"`
	CreatedAt      int64                     `json:"createdAt"`
	LastUsedAt     *int64                    `json:"lastUsedAt,omitempty"`
	Limits         limitsView                `json:"limits"`
	AllowAllModels bool                      `json:"allowAllModels"`
	AllowedModels  []string                  `json:"allowedModels,omitempty"`
	ModelLimits    map[string]limitsView     `json:"modelLimits,omitempty"`
}

type limitsView struct {
	FiveHourMicros *int64 `json:"fiveHourMicros,omitempty"`
	WeeklyMicros   *int64 `json:"weeklyMicros,omitempty"`
	TotalMicros    *int64 `json:"totalMicros,omitempty"`
}

func toLimitsView(l store.Limits) limitsView {
	return limitsView{FiveHourMicros: l.FiveHourMicros, WeeklyMicros: l.WeeklyMicros, TotalMicros: l.TotalMicros}
}

func (v limitsView) toLimits() store.Limits {
	return store.Limits{FiveHourMicros: v.FiveHourMicros, WeeklyMicros: v.WeeklyMicros, TotalMicros: v.TotalMicros}
}

func toKeyView(k store.Key, showSecret bool) keyView {
	v := keyView{
		ID:             k.ID,
		Name:           k.Name,
		Enabled:        k.Enabled,
		CreatedAt:      k.CreatedAt.Unix(),
		Limits:         toLimitsView(k.Limits),
		AllowAllModels: k.AllowAllModels,
	}
	if showSecret {
		v.SecretPlain = k.SecretPlain
	}
	if k.LastUsedAt != nil {
		u := k.LastUsedAt.Unix()
		v.LastUsedAt = &u
	}
	for m := range k.AllowedModels {
		v.AllowedModels = append(v.AllowedModels, m)
	}
	if len(k.ModelLimits) > 0 {
		v.ModelLimits = make(map[string]limitsView, len(k.ModelLimits))
		for m, l := range k.ModelLimits {
			v.ModelLimits[m] = toLimitsView(l)
		}
	}
	return v
}

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	out := make([]keyView, len(keys))
	for i, k := range keys {
		out[i] = toKeyView(k, false)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name           string     `json:"name"`
		Limits         limitsView `json:"limits"`
		AllowAllModels bool       `json:"allowAllModels"`
		AllowedModels  []string   `json:"allowedModels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	key, err := s.keys.Create(r.Context(), body.Name, body.Limits.toLimits(), body.AllowAllModels, body.AllowedModels)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create key")
		return
	}
	writeJSON(w, http.StatusCreated, toKeyView(key, true))
}

func (s *Server) getKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	key, ok, err := s.keys.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load key")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, toKeyView(key, false))
}

func (s *Server) updateKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Enabled *bool       `json:"enabled"`
		Limits  *limitsView `json:"limits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	if body.Enabled != nil {
		if err := s.keys.SetEnabled(ctx, id, *body.Enabled); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update key")
			return
		}
	}
	if body.Limits != nil {
		if err := s.keys.SetLimits(ctx, id, body.Limits.toLimits()); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update key limits")
			return
		}
	}

	key, ok, err := s.keys.Get(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reload key")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, toKeyView(key, false))
}

func (s *Server) deleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.keys.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setModelLimits(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	modelID := r.PathValue("model")
	var body limitsView
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.keys.SetModelLimits(r.Context(), id, modelID, body.toLimits()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to set model limits")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
