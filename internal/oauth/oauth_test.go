package oauth

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"maxrelay/internal/db"
	"maxrelay/internal/proxyerr"
	"maxrelay/internal/store"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ctx := context.Background()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.SetupTestDatabase(ctx, conn))
	return NewManager(store.NewCredentialService(conn))
}

func TestSplitCodeState(t *testing.T) {
	code, state, err := splitCodeState("abc123#xyz789")
	require.NoError(t, err)
	assert.Equal(t, "abc123", code)
	assert.Equal(t, "xyz789", state)

	code, state, err = splitCodeState("  abc123  ")
	require.NoError(t, err)
	assert.Equal(t, "abc123", code)
	assert.Empty(t, state)

	_, _, err = splitCodeState("   ")
	assert.Error(t, err)
}

func TestStartFlowProducesDistinctStates(t *testing.T) {
	m := newTestManager(t)
	_, state1 := m.StartFlow()
	_, state2 := m.StartFlow()
	assert.NotEqual(t, state1, state2)
	assert.Len(t, m.flows, 2)
}

func TestExchangeCodeFailsWithoutPendingFlow(t *testing.T) {
	m := newTestManager(t)
	err := m.ExchangeCode(context.Background(), "some-code#unknown-state")
	require.Error(t, err)
	perr, ok := proxyerr.As(err)
	require.True(t, ok)
	assert.Equal(t, proxyerr.OAuthExchangeFailed, perr.Kind)
}

func TestExchangeCodeRejectsEmptyCode(t *testing.T) {
	m := newTestManager(t)
	err := m.ExchangeCode(context.Background(), "")
	require.Error(t, err)
}

func TestAccessTokenReturnsCachedTokenBeforeSkew(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.creds.Put(context.Background(), store.Credential{
		AccessToken: "still-good", RefreshToken: "rt",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}))

	tok, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "still-good", tok, "a token outside the refresh skew window must be returned as-is, no network call")
}

func TestAccessTokenErrorsWhenNotConnected(t *testing.T) {
	m := newTestManager(t)
	_, err := m.AccessToken(context.Background())
	require.Error(t, err)
	perr, ok := proxyerr.As(err)
	require.True(t, ok)
	assert.Equal(t, proxyerr.NotAuthenticated, perr.Kind)
}

func TestStatusReportsDisconnectedThenConnected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	connected, _, _, err := m.Status(ctx)
	require.NoError(t, err)
	assert.False(t, connected)

	require.NoError(t, m.creds.Put(ctx, store.Credential{AccessToken: "at", RefreshToken: "rt", Plan: "max", ExpiresAt: 123}))

	connected, plan, expiresAt, err := m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, connected)
	assert.Equal(t, "max", plan)
	assert.Equal(t, int64(123), expiresAt)
}

func TestDisconnectRemovesCredential(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.creds.Put(ctx, store.Credential{AccessToken: "at", RefreshToken: "rt"}))

	require.NoError(t, m.Disconnect(ctx))

	connected, _, _, err := m.Status(ctx)
	require.NoError(t, err)
	assert.False(t, connected)
}
