// Package admin implements the operator-facing control surface: API
// key and model catalog CRUD, OAuth connect/disconnect/status, and usage
// reporting. Every route accepts either HTTP Basic auth or a session
// cookie issued by the login route.
package admin

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"maxrelay/internal/config"
	"maxrelay/internal/logging"
	"maxrelay/internal/model"
	"maxrelay/internal/oauth"
	"maxrelay/internal/store"
)

const sessionCookieName = "maxrelay_admin_session"
const sessionTTL = 24 * time.Hour

// Server exposes the admin HTTP handlers. It holds its own session table
// rather than persisting sessions to the database: a restart forcing
// re-login is an acceptable cost for a single-operator control surface.
type Server struct {
	keys    store.KeyService
	models  *model.Store
	usage   *store.UsageStore
	oauth   *oauth.Manager

	mu       sync.Mutex
	sessions map[string]time.Time
}

func NewServer(keys store.KeyService, models *model.Store, usage *store.UsageStore, oauthMgr *oauth.Manager) *Server {
	return &Server{
		keys:     keys,
		models:   models,
		usage:    usage,
		oauth:    oauthMgr,
		sessions: make(map[string]time.Time),
	}
}

// Routes registers every /admin/* handler on mux, wrapped in session-or-
// basic-auth enforcement.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/login", s.handleLogin)
	mux.HandleFunc("POST /admin/logout", s.requireAuth(s.handleLogout))

	mux.HandleFunc("GET /admin/keys", s.requireAuth(s.listKeys))
	mux.HandleFunc("POST /admin/keys", s.requireAuth(s.createKey))
	mux.HandleFunc("GET /admin/keys/{id}", s.requireAuth(s.getKey))
	mux.HandleFunc("PATCH /admin/keys/{id}", s.requireAuth(s.updateKey))
	mux.HandleFunc("DELETE /admin/keys/{id}", s.requireAuth(s.deleteKey))
	mux.HandleFunc("PUT /admin/keys/{id}/models/{model}/limits", s.requireAuth(s.setModelLimits))

	mux.HandleFunc("GET /admin/models", s.requireAuth(s.listModels))
	mux.HandleFunc("PUT /admin/models/{id}", s.requireAuth(s.upsertModel))
	mux.HandleFunc("DELETE /admin/models/{id}", s.requireAuth(s.deleteModel))

	mux.HandleFunc("GET /admin/oauth/status", s.requireAuth(s.oauthStatus))
	mux.HandleFunc("POST /admin/oauth/start", s.requireAuth(s.oauthStart))
	mux.HandleFunc("POST /admin/oauth/exchange", s.requireAuth(s.oauthExchange))
	mux.HandleFunc("POST /admin/oauth/disconnect", s.requireAuth(s.oauthDisconnect))

	mux.HandleFunc("GET /admin/usage/timeseries", s.requireAuth(s.usageTimeSeries))
	mux.HandleFunc("GET /admin/usage/by-model", s.requireAuth(s.usageByModel))
	mux.HandleFunc("GET /admin/usage/by-key", s.requireAuth(s.usageByKey))
}

// requireAuth accepts either a valid session cookie or HTTP Basic auth
// matching the configured admin credentials, per spec's "admin surface is
// single-operator" authentication model.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.hasValidSession(r) {
			next(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		cfg := config.Get()
		if ok && subtle.ConstantTimeCompare([]byte(user), []byte(cfg.AdminUsername)) == 1 &&
			subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.AdminPassword)) == 1 {
			next(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="maxrelay admin"`)
		writeError(w, http.StatusUnauthorized, "authentication required")
	}
}

func (s *Server) hasValidSession(r *http.Request) bool {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.sessions[cookie.Value]
	if !ok {
		return false
	}
	if time.Now().After(expires) {
		delete(s.sessions, cookie.Value)
		return false
	}
	return true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct{ Username, Password string }
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg := config.Get()
	if subtle.ConstantTimeCompare([]byte(body.Username), []byte(cfg.AdminUsername)) != 1 ||
		subtle.ConstantTimeCompare([]byte(body.Password), []byte(cfg.AdminPassword)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := randomToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	s.mu.Lock()
	s.sessions[token] = time.Now().Add(sessionTTL)
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/admin",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Now().Add(sessionTTL),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.mu.Lock()
		delete(s.sessions, cookie.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/admin",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(b), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("admin: failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
