package proxy

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"maxrelay/internal/analytics"
	"maxrelay/internal/db"
	gomodel "maxrelay/internal/model"
	"maxrelay/internal/oauth"
	"maxrelay/internal/quota"
	"maxrelay/internal/store"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T) (*Pipeline, store.KeyService, *sql.DB) {
	t.Helper()
	ctx := context.Background()

	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.SetupTestDatabase(ctx, conn))

	models := gomodel.NewStore(conn)
	require.NoError(t, models.Upsert(ctx, gomodel.Model{
		ID: "claude-sonnet-4-5", Enabled: true,
		InputPriceMicros: 3_000_000, OutputPriceMicros: 15_000_000,
	}))

	keys := store.NewKeyService(conn)
	usage := store.NewUsageStore(conn)
	creds := store.NewCredentialService(conn)
	require.NoError(t, creds.Put(ctx, store.Credential{
		AccessToken:  "test-access-token",
		RefreshToken: "test-refresh-token",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		Plan:         "max",
	}))

	quotaEngine := quota.NewEngine(keys, usage, models)
	oauthMgr := oauth.NewManager(creds)
	an := analytics.NewAnalyticsService("")

	return NewPipeline(keys, quotaEngine, oauthMgr, models, an), keys, conn
}

func fakeAnthropicServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	anthropicAPIBase = srv.URL
	t.Cleanup(func() { anthropicAPIBase = "https://api.anthropic.com" })
	return srv
}

func TestServeChatCompletionsTranslatesRequestAndResponse(t *testing.T) {
	p, keys, _ := newTestPipeline(t)
	ctx := context.Background()

	key, err := keys.Create(ctx, "test", store.Limits{}, true, nil)
	require.NoError(t, err)

	var gotAuth, gotBeta string
	fakeAnthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBeta = r.Header.Get("anthropic-beta")
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-sonnet-4-5", req["model"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4-5",
			"content":     []map[string]any{{"type": "text", "text": "hi there"}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 8, "output_tokens": 2},
		})
	})

	body := `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+key.SecretPlain)
	w := httptest.NewRecorder()

	p.ServeChatCompletions(w, req)

	assert.Equal(t, "Bearer test-access-token", gotAuth)
	assert.Contains(t, gotBeta, "oauth-2025-04-20")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	choices := resp["choices"].([]any)
	require.Len(t, choices, 1)
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, "hi there", msg["content"])
}

func TestServeRejectsUnknownKey(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	body := `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("x-api-key", "sk-proxy-nope")
	w := httptest.NewRecorder()

	p.ServeMessages(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServeDeniesOverQuotaBeforeCallingUpstream(t *testing.T) {
	p, keys, _ := newTestPipeline(t)
	ctx := context.Background()

	five := int64(1)
	key, err := keys.Create(ctx, "test", store.Limits{FiveHourMicros: &five}, true, nil)
	require.NoError(t, err)
	require.NoError(t, p.quota.Record(ctx, key.ID, "claude-sonnet-4-5", gomodel.Usage{InputTokens: 1, OutputTokens: 1}, time.Now()))

	called := false
	fakeAnthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	body := `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("x-api-key", key.SecretPlain)
	w := httptest.NewRecorder()

	p.ServeMessages(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.False(t, called, "upstream must not be called once quota is exhausted")

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok, "response must nest the denial under \"error\"")
	assert.Equal(t, "rate_limit_error", errBody["type"])
	assert.Equal(t, "five_hour", errBody["window"])
	assert.Equal(t, float64(1), errBody["limit"])
	assert.GreaterOrEqual(t, errBody["used"], float64(1))
}

func TestServeMessagesStreamsAndRecordsUsage(t *testing.T) {
	p, keys, conn := newTestPipeline(t)
	ctx := context.Background()

	key, err := keys.Create(ctx, "test", store.Limits{}, true, nil)
	require.NoError(t, err)

	sseBody := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"usage\":{\"input_tokens\":8}}}\n\n" +
		"event: message_delta\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n" +
		"event: message_stop\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	fakeAnthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(sseBody))
	})

	body := `{"model":"claude-sonnet-4-5","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("x-api-key", key.SecretPlain)
	w := httptest.NewRecorder()

	p.ServeMessages(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	scanner := bufio.NewScanner(strings.NewReader(w.Body.String()))
	var sawStop bool
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "message_stop") {
			sawStop = true
		}
	}
	assert.True(t, sawStop)

	usage := store.NewUsageStore(conn)
	counter, ok, err := usage.GetCounter(ctx, key.ID, store.ModelKeyAll, store.Total)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(8), counter.InputTokens)
	assert.Equal(t, int64(2), counter.OutputTokens)
}
