package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialPutGetDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := NewCredentialService(newTestDB(t))

	_, ok, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.Put(ctx, Credential{AccessToken: "at", RefreshToken: "rt", ExpiresAt: 100, Plan: "max"}))

	got, ok, err := svc.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "at", got.AccessToken)
	assert.Equal(t, "max", got.Plan)

	require.NoError(t, svc.Put(ctx, Credential{AccessToken: "at2", RefreshToken: "rt2", ExpiresAt: 200, Plan: "max"}))
	got, ok, err = svc.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "at2", got.AccessToken, "Put must overwrite the singleton row, not insert a second one")

	require.NoError(t, svc.Delete(ctx))
	_, ok, err = svc.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
