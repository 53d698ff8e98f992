package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/richardliu001/bridge-wallet/internal/apperr"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/richardliu001/bridge-wallet/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const key = "5b0d3f4e-8c1a-4e52-9b7e-2f1d6c9a0b11"

func TestFingerprint_CanonicalJSON(t *testing.T) {
	a := Fingerprint("u1", "/api/wallet/transfer", []byte(`{"amount":100,"to":"u2"}`))
	b := Fingerprint("u1", "/api/wallet/transfer", []byte("{ \"to\": \"u2\",\n \"amount\": 100 }"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Fingerprint("u2", "/api/wallet/transfer", []byte(`{"amount":100,"to":"u2"}`)))
	assert.NotEqual(t, a, Fingerprint("u1", "/api/wallet/withdraw", []byte(`{"amount":100,"to":"u2"}`)))
	assert.NotEqual(t, a, Fingerprint("u1", "/api/wallet/transfer", []byte(`{"amount":100.5,"to":"u2"}`)))
}

func TestGuard_Lifecycle(t *testing.T) {
	g := NewGuard(testutil.NewDB(t), time.Hour, testutil.Log())
	ctx := context.Background()
	body := []byte(`{"amount":"100"}`)

	claim, replay, err := g.Begin(ctx, "u1", "/api/wallet/withdraw", key, body)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Nil(t, replay)

	_, _, err = g.Begin(ctx, "u1", "/api/wallet/withdraw", key, body)
	assert.ErrorIs(t, err, apperr.ErrRequestInProgress)

	stored := []byte(`{"success":true,"data":{"id":"t1"}}`)
	require.NoError(t, g.Complete(ctx, claim, 201, stored))

	_, replay, err = g.Begin(ctx, "u1", "/api/wallet/withdraw", key, body)
	require.NoError(t, err)
	require.NotNil(t, replay)
	assert.Equal(t, 201, replay.StatusCode)
	assert.Equal(t, stored, replay.Body)

	_, _, err = g.Begin(ctx, "u1", "/api/wallet/withdraw", key, []byte(`{"amount":"200"}`))
	assert.ErrorIs(t, err, apperr.ErrIdempotencyMismatch)

	// another user may reuse the same key
	other, _, err := g.Begin(ctx, "u2", "/api/wallet/withdraw", key, body)
	require.NoError(t, err)
	assert.NotNil(t, other)
}

func TestGuard_ExpiredKeyIsReclaimed(t *testing.T) {
	db := testutil.NewDB(t)
	g := NewGuard(db, time.Hour, testutil.Log())
	ctx := context.Background()
	now := time.Now()
	g.now = func() time.Time { return now }

	first, _, err := g.Begin(ctx, "u1", "/api/wallet/transfer", key, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, g.Complete(ctx, first, 200, []byte(`{}`)))

	g.now = func() time.Time { return now.Add(2 * time.Hour) }
	second, replay, err := g.Begin(ctx, "u1", "/api/wallet/transfer", key, []byte(`{"changed":true}`))
	require.NoError(t, err)
	assert.Nil(t, replay)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)

	var n int64
	db.Model(&model.IdempotencyKey{}).Count(&n)
	assert.Equal(t, int64(1), n)
}

func TestGuard_Cleanup(t *testing.T) {
	db := testutil.NewDB(t)
	g := NewGuard(db, time.Hour, testutil.Log())
	ctx := context.Background()
	now := time.Now()

	g.now = func() time.Time { return now.Add(-3 * time.Hour) }
	_, _, err := g.Begin(ctx, "u1", "/a", key, nil)
	require.NoError(t, err)
	g.now = func() time.Time { return now }
	_, _, err = g.Begin(ctx, "u1", "/b", key, nil)
	require.NoError(t, err)

	removed, err := g.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
