package admin

import (
	"encoding/json"
	"net/http"
)

func (s *Server) oauthStatus(w http.ResponseWriter, r *http.Request) {
	connected, plan, expiresAt, err := s.oauth.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read oauth status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": connected,
		"plan":      plan,
		"expiresAt": expiresAt,
	})
}

func (s *Server) oauthStart(w http.ResponseWriter, r *http.Request) {
	url, state := s.oauth.StartFlow()
	writeJSON(w, http.StatusOK, map[string]string{"authorizationUrl": url, "state": state})
}

func (s *Server) oauthExchange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if err := s.oauth.ExchangeCode(r.Context(), body.Code); err != nil {
		writeError(w, http.StatusBadGateway, "failed to exchange authorization code: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (s *Server) oauthDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.oauth.Disconnect(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}
