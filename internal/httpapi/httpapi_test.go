package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"maxrelay/internal/admin"
	"maxrelay/internal/analytics"
	"maxrelay/internal/config"
	"maxrelay/internal/db"
	"maxrelay/internal/model"
	"maxrelay/internal/oauth"
	"maxrelay/internal/proxy"
	"maxrelay/internal/quota"
	"maxrelay/internal/store"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	ctx := context.Background()

	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.SetupTestDatabase(ctx, conn))

	restore := config.SetForTest(&config.Config{
		AdminUsername: "admin", AdminPassword: "hunter2", CORSOrigins: "*", CloakMode: config.CloakAuto,
	})
	t.Cleanup(restore)

	models := model.NewStore(conn)
	require.NoError(t, models.Upsert(ctx, model.Model{ID: "claude-sonnet-4-5", Enabled: true}))
	require.NoError(t, models.Upsert(ctx, model.Model{ID: "claude-haiku-4-5", Enabled: false}))

	keys := store.NewKeyService(conn)
	usage := store.NewUsageStore(conn)
	creds := store.NewCredentialService(conn)
	oauthMgr := oauth.NewManager(creds)
	quotaEngine := quota.NewEngine(keys, usage, models)
	an := analytics.NewAnalyticsService("")

	pipeline := proxy.NewPipeline(keys, quotaEngine, oauthMgr, models, an)
	adminSrv := admin.NewServer(keys, models, usage, oauthMgr)

	return New(pipeline, adminSrv, models, nil)
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestModelsEndpointListsOnlyEnabled(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "claude-sonnet-4-5")
	assert.NotContains(t, w.Body.String(), "claude-haiku-4-5")
}

func TestCORSPreflightAllowsConfiguredWildcard(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/messages", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnauthenticatedMessageRequestRejected(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesMountedAndAuthenticated(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req.SetBasicAuth("admin", "hunter2")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
