package admin

import (
	"encoding/json"
	"net/http"

	"maxrelay/internal/model"
)

type modelView struct {
	ID                    string `json:"id"`
	Enabled               bool   `json:"enabled"`
	Order                 int    `json:"order"`
	InputPriceMicros      int64  `json:"inputPriceMicros"`
	OutputPriceMicros     int64  `json:"outputPriceMicros"`
	CacheReadPriceMicros  int64  `json:"cacheReadPriceMicros"`
	CacheWritePriceMicros int64  `json:"cacheWritePriceMicros"`
}

func toModelView(m model.Model) modelView {
	return modelView{
		ID: m.ID, Enabled: m.Enabled, Order: m.Order,
		InputPriceMicros: m.InputPriceMicros, OutputPriceMicros: m.OutputPriceMicros,
		CacheReadPriceMicros: m.CacheReadPriceMicros, CacheWritePriceMicros: m.CacheWritePriceMicros,
	}
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.models.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list models")
		return
	}
	out := make([]modelView, len(models))
	for i, m := range models {
		out[i] = toModelView(m)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) upsertModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var v modelView
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	m := model.Model{
		ID: id, Enabled: v.Enabled, Order: v.Order,
		InputPriceMicros: v.InputPriceMicros, OutputPriceMicros: v.OutputPriceMicros,
		CacheReadPriceMicros: v.CacheReadPriceMicros, CacheWritePriceMicros: v.CacheWritePriceMicros,
	}
	if err := s.models.Upsert(r.Context(), m); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save model")
		return
	}
	writeJSON(w, http.StatusOK, toModelView(m))
}

func (s *Server) deleteModel(w http.ResponseWriter, r *http.Request) {
	if err := s.models.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete model")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
