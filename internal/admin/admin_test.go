package admin

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"maxrelay/internal/config"
	"maxrelay/internal/db"
	"maxrelay/internal/model"
	"maxrelay/internal/oauth"
	"maxrelay/internal/store"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *http.ServeMux) {
	t.Helper()
	ctx := context.Background()

	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.SetupTestDatabase(ctx, conn))

	restore := config.SetForTest(&config.Config{
		AdminUsername: "admin",
		AdminPassword: "hunter2",
		CloakMode:     config.CloakAuto,
	})
	t.Cleanup(restore)

	keys := store.NewKeyService(conn)
	models := model.NewStore(conn)
	usage := store.NewUsageStore(conn)
	creds := store.NewCredentialService(conn)
	oauthMgr := oauth.NewManager(creds)

	srv := NewServer(keys, models, usage, oauthMgr)
	mux := http.NewServeMux()
	srv.Routes(mux)
	return srv, mux
}

func TestKeyCRUDRoundTrip(t *testing.T) {
	_, mux := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"name": "my key", "allowAllModels": true})
	req := httptest.NewRequest(http.MethodPost, "/admin/keys", bytes.NewReader(body))
	req.SetBasicAuth("admin", "hunter2")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	var created keyView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.SecretPlain)
	assert.True(t, created.Enabled)

	listReq := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	listReq.SetBasicAuth("admin", "hunter2")
	listW := httptest.NewRecorder()
	mux.ServeHTTP(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)

	var listed []keyView
	require.NoError(t, json.Unmarshal(listW.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Empty(t, listed[0].SecretPlain, "list view must not leak the plaintext secret again")

	disableBody, _ := json.Marshal(map[string]any{"enabled": false})
	patchReq := httptest.NewRequest(http.MethodPatch, "/admin/keys/"+created.ID, bytes.NewReader(disableBody))
	patchReq.SetBasicAuth("admin", "hunter2")
	patchW := httptest.NewRecorder()
	mux.ServeHTTP(patchW, patchReq)
	require.Equal(t, http.StatusOK, patchW.Code)

	var updated keyView
	require.NoError(t, json.Unmarshal(patchW.Body.Bytes(), &updated))
	assert.False(t, updated.Enabled)

	delReq := httptest.NewRequest(http.MethodDelete, "/admin/keys/"+created.ID, nil)
	delReq.SetBasicAuth("admin", "hunter2")
	delW := httptest.NewRecorder()
	mux.ServeHTTP(delW, delReq)
	assert.Equal(t, http.StatusNoContent, delW.Code)
}

func TestRequiresAuthentication(t *testing.T) {
	_, mux := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req.SetBasicAuth("admin", "wrong-password")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLoginEstablishesSessionCookie(t *testing.T) {
	_, mux := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"Username": "admin", "Password": "hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/admin/login", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	keysReq := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	keysReq.AddCookie(cookies[0])
	keysW := httptest.NewRecorder()
	mux.ServeHTTP(keysW, keysReq)
	assert.Equal(t, http.StatusOK, keysW.Code)
}

func TestModelUpsertAndList(t *testing.T) {
	_, mux := newTestServer(t)

	body, _ := json.Marshal(modelView{
		Enabled: true, Order: 1, InputPriceMicros: 3_000_000, OutputPriceMicros: 15_000_000,
	})
	req := httptest.NewRequest(http.MethodPut, "/admin/models/claude-sonnet-4-5", bytes.NewReader(body))
	req.SetBasicAuth("admin", "hunter2")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/admin/models", nil)
	listReq.SetBasicAuth("admin", "hunter2")
	listW := httptest.NewRecorder()
	mux.ServeHTTP(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)

	var models []modelView
	require.NoError(t, json.Unmarshal(listW.Body.Bytes(), &models))
	require.Len(t, models, 3)
	assert.Equal(t, "claude-sonnet-4-5", models[1].ID)
}

func TestOAuthStatusReportsDisconnected(t *testing.T) {
	_, mux := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/oauth/status", nil)
	req.SetBasicAuth("admin", "hunter2")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, false, status["connected"])
}
