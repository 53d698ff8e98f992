package ledger

import (
	"context"
	"testing"

	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/richardliu001/bridge-wallet/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestPostings_UpdateAccountAndAppendEntry(t *testing.T) {
	db := testutil.NewDB(t)
	l := New("KES")
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := l.CreditPayoutClearing(ctx, tx, Posting{Amount: testutil.D("100"), TransactionID: "t1"}); err != nil {
			return err
		}
		return l.CreditFeeRevenue(ctx, tx, Posting{Amount: testutil.D("1"), TransactionID: "t1", Reference: "WD-1"})
	})
	require.NoError(t, err)

	acct, err := l.Account(ctx, db, "KES")
	require.NoError(t, err)
	assert.Equal(t, "100", acct.PayoutClearing.StringFixed(0))
	assert.Equal(t, "1", acct.FeeRevenue.StringFixed(0))

	entries, err := l.Entries(ctx, db, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	byType := map[string]model.PlatformLedgerEntry{}
	for _, e := range entries {
		byType[e.Type] = e
	}
	assert.Contains(t, byType, model.EntryPayoutClearingCredit)
	fee := byType[model.EntryFeeRevenueCredit]
	require.NotNil(t, fee.Reference)
	assert.Equal(t, "WD-1", *fee.Reference)
	assert.Equal(t, model.DirectionCredit, fee.Direction)
}

func TestPostings_ReversalNetsToZero(t *testing.T) {
	db := testutil.NewDB(t)
	l := New("KES")
	ctx := context.Background()
	p := Posting{Amount: testutil.D("100"), TransactionID: "t2"}
	f := Posting{Amount: testutil.D("1"), TransactionID: "t2"}

	require.NoError(t, l.CreditPayoutClearing(ctx, db, p))
	require.NoError(t, l.CreditFeeRevenue(ctx, db, f))
	require.NoError(t, l.DebitPayoutClearing(ctx, db, p))
	require.NoError(t, l.DebitFeeRevenue(ctx, db, f))

	net, err := l.NetByTransaction(ctx, db, "t2", "")
	require.NoError(t, err)
	assert.True(t, net.IsZero())

	acct, err := l.Account(ctx, db, "")
	require.NoError(t, err)
	assert.True(t, acct.FeeRevenue.IsZero())
	assert.True(t, acct.PayoutClearing.IsZero())
}

func TestPostings_NonPositiveIsNoop(t *testing.T) {
	db := testutil.NewDB(t)
	l := New("KES")
	ctx := context.Background()

	require.NoError(t, l.CreditFeeRevenue(ctx, db, Posting{Amount: decimal.Zero, TransactionID: "t3"}))
	require.NoError(t, l.DebitPayoutClearing(ctx, db, Posting{Amount: testutil.D("-5"), TransactionID: "t3"}))

	var n int64
	db.Model(&model.PlatformLedgerEntry{}).Count(&n)
	assert.Zero(t, n)
	db.Model(&model.PlatformAccount{}).Count(&n)
	assert.Zero(t, n)
}

func TestPostings_AccountPerCurrency(t *testing.T) {
	db := testutil.NewDB(t)
	l := New("KES")
	ctx := context.Background()

	require.NoError(t, l.CreditFeeRevenue(ctx, db, Posting{Currency: "USD", Amount: testutil.D("2")}))
	require.NoError(t, l.CreditFeeRevenue(ctx, db, Posting{Amount: testutil.D("3")}))
	require.NoError(t, l.CreditFeeRevenue(ctx, db, Posting{Amount: testutil.D("4")}))

	usd, _ := l.Account(ctx, db, "USD")
	kes, _ := l.Account(ctx, db, "KES")
	assert.Equal(t, "2", usd.FeeRevenue.StringFixed(0))
	assert.Equal(t, "7", kes.FeeRevenue.StringFixed(0))
}

func TestPostings_RolledBackWithCaller(t *testing.T) {
	db := testutil.NewDB(t)
	l := New("KES")
	ctx := context.Background()

	_ = db.Transaction(func(tx *gorm.DB) error {
		_ = l.CreditFeeRevenue(ctx, tx, Posting{Amount: testutil.D("9"), TransactionID: "t4"})
		return assert.AnError
	})
	entries, err := l.Entries(ctx, db, "t4")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
