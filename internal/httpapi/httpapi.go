// Package httpapi wires the proxy pipeline and admin surface onto a single
// http.ServeMux, applying CORS and a health/model-listing surface on top
// (C9 composition).
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"maxrelay/internal/admin"
	"maxrelay/internal/config"
	"maxrelay/internal/logging"
	"maxrelay/internal/model"
	"maxrelay/internal/proxy"
	"maxrelay/internal/version"
)

// New builds the full HTTP mux: proxy ingress routes, the admin control
// surface, /health, /v1/models, and a static-UI fallback if ui is set.
func New(pipeline *proxy.Pipeline, adminSrv *admin.Server, models *model.Store, ui http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", pipeline.ServeChatCompletions)
	mux.HandleFunc("POST /v1/messages", pipeline.ServeMessages)
	mux.HandleFunc("POST /v1/messages/count_tokens", pipeline.ServeCountTokens)
	mux.HandleFunc("GET /v1/models", handleModels(models))
	mux.HandleFunc("GET /health", handleHealth)

	adminSrv.Routes(mux)

	if ui != nil {
		mux.Handle("/", ui)
	}

	return withCORS(withRequestLogging(mux))
}

// withCORS answers the spec's "…_CORS_ORIGINS" config knob: "*" allows any
// origin, "localhost" (the default) or an empty value reflects the
// request's own Origin only when it is a loopback address, and any other
// value is read as a comma-separated list that allows exactly those.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed := allowedOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, x-api-key, anthropic-beta, anthropic-version, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func allowedOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	cors := config.Get().CORSOrigins
	switch cors {
	case "*":
		return "*"
	case "localhost", "":
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			return origin
		}
		return ""
	}
	for _, allowed := range strings.Split(cors, ",") {
		if strings.TrimSpace(allowed) == origin {
			return origin
		}
	}
	return ""
}

func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.InfoCtx(r.Context(), "http request",
			"method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"version":   version.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type openAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func handleModels(models *model.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := models.List(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		out := make([]openAIModel, 0, len(list))
		for _, m := range list {
			if !m.Enabled {
				continue
			}
			out = append(out, openAIModel{ID: m.ID, Object: "model", Created: 0, OwnedBy: "anthropic"})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": out})
	}
}
