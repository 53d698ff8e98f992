package repo

import (
	"context"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/richardliu001/bridge-wallet/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestBalanceCache(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	repo := NewRepository(testutil.NewDB(t), rdb, nil, testutil.Log())
	ctx := context.Background()

	mock.ExpectGet("balance:u1").RedisNil()
	mock.ExpectSet("balance:u1", "70.5", balanceTTL).SetVal("OK")
	mock.ExpectGet("balance:u1").SetVal("70.5")
	mock.ExpectDel("balance:u1", "balance:u2").SetVal(2)

	_, err := repo.GetCachedBalance(ctx, "u1")
	assert.ErrorIs(t, err, redis.Nil)

	assert.NoError(t, repo.CacheBalance(ctx, "u1", decimal.RequireFromString("70.5")))

	bal, err := repo.GetCachedBalance(ctx, "u1")
	assert.NoError(t, err)
	assert.Equal(t, "70.5", bal.String())

	repo.InvalidateBalance(ctx, "u1", "u2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceCache_Disabled(t *testing.T) {
	repo := NewRepository(testutil.NewDB(t), nil, nil, testutil.Log())
	_, err := repo.GetCachedBalance(context.Background(), "u1")
	assert.ErrorIs(t, err, redis.Nil)
	assert.NoError(t, repo.CacheBalance(context.Background(), "u1", decimal.NewFromInt(1)))
	repo.InvalidateBalance(context.Background(), "u1")
}
