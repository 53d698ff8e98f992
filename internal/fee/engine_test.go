package fee

import (
	"context"
	"testing"

	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/richardliu001/bridge-wallet/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quote(t *testing.T, e *Engine, flow, method string, amount string) Quote {
	t.Helper()
	q, err := e.Quote(context.Background(), QuoteRequest{Flow: flow, Method: method, Amount: testutil.D(amount)})
	require.NoError(t, err)
	return q
}

func TestQuote_Defaults(t *testing.T) {
	e := NewEngine(testutil.NewDB(t))

	cases := []struct {
		name, flow, method, amount, fee, payer string
	}{
		{"mpesa withdrawal 1%", FlowWalletWithdrawal, MethodMpesa, "100", "1", model.PayerSender},
		{"mpesa withdrawal capped", FlowWalletWithdrawal, MethodMpesa, "10000", "50", model.PayerSender},
		{"bank withdrawal minimum", FlowWalletWithdrawal, MethodBankA2P, "500", "20", model.PayerSender},
		{"bank withdrawal capped", FlowWalletSendMpesa, MethodBankA2P, "50000", "200", model.PayerSender},
		{"bank withdrawal mid", FlowWalletWithdrawal, MethodBankA2P, "5000", "50", model.PayerSender},
		{"transfer free", FlowWalletTransfer, MethodWallet, "999", "0", model.PayerSender},
		{"deposit receiver pays", FlowWalletDeposit, MethodMpesa, "1000", "0", model.PayerReceiver},
		{"project card receiver pays", FlowProjectFundCard, MethodCard, "1000", "0", model.PayerReceiver},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := quote(t, e, tc.flow, tc.method, tc.amount)
			assert.True(t, q.Fee.Equal(testutil.D(tc.fee)), "fee %s", q.Fee)
			assert.Equal(t, tc.payer, q.FeePayer)
			assert.Equal(t, DefaultCurrency, q.Currency)
		})
	}
}

func TestQuote_ScheduleLookupOrder(t *testing.T) {
	db := testutil.NewDB(t)
	e := NewEngine(db)
	mpesa := MethodMpesa
	require.NoError(t, db.Create(&model.FeeSchedule{Flow: FlowWalletDeposit, Currency: "KES", Bps: 200, FeePayer: model.PayerSender, Active: true}).Error)
	require.NoError(t, db.Create(&model.FeeSchedule{Flow: FlowWalletDeposit, Method: &mpesa, Currency: "KES", Bps: 50, FeePayer: model.PayerSender, Active: true}).Error)

	q := quote(t, e, FlowWalletDeposit, MethodMpesa, "1000")
	assert.Equal(t, "5", q.Fee.String())
	// deposits always charge the receiver, whatever the row says
	assert.Equal(t, model.PayerReceiver, q.FeePayer)
	assert.True(t, q.Net().Equal(testutil.D("995")))

	q = quote(t, e, FlowWalletDeposit, MethodCard, "1000")
	assert.Equal(t, "20", q.Fee.String())
}

func TestQuote_InactiveScheduleIgnored(t *testing.T) {
	db := testutil.NewDB(t)
	e := NewEngine(db)
	row := &model.FeeSchedule{Flow: FlowWalletTransfer, Currency: "KES", Bps: 300, FeePayer: model.PayerSender, Active: true}
	require.NoError(t, db.Create(row).Error)
	require.NoError(t, db.Model(row).Update("active", false).Error)

	q := quote(t, e, FlowWalletTransfer, MethodWallet, "100")
	assert.True(t, q.Fee.IsZero())
	assert.Empty(t, q.ScheduleID)
}

func TestCompute_Clamp(t *testing.T) {
	max := decimal.NewFromInt(30)
	s := model.FeeSchedule{Bps: 250, Flat: testutil.D("5"), MinFee: testutil.D("10"), MaxFee: &max}
	assert.Equal(t, "10", Compute(s, testutil.D("100")).String())
	assert.Equal(t, "17.5", Compute(s, testutil.D("500")).String())
	assert.Equal(t, "30", Compute(s, testutil.D("5000")).String())

	neg := model.FeeSchedule{Flat: testutil.D("-3")}
	assert.True(t, Compute(neg, testutil.D("100")).IsZero())
}

func TestCompute_RoundsToCents(t *testing.T) {
	e := NewEngine(testutil.NewDB(t))

	q := quote(t, e, FlowWalletWithdrawal, MethodMpesa, "100.55")
	assert.Equal(t, "1.01", q.Fee.String())
	assert.Equal(t, "101.56", q.Total().String())

	// half-to-even on exact halves
	s := model.FeeSchedule{Bps: 100}
	assert.Equal(t, "0.12", Compute(s, testutil.D("12.5")).String())
	assert.Equal(t, "0.14", Compute(s, testutil.D("13.5")).String())
}

func TestQuote_ReceiverMustNetSomething(t *testing.T) {
	db := testutil.NewDB(t)
	e := NewEngine(db)
	require.NoError(t, db.Create(&model.FeeSchedule{Flow: FlowMerchantCardPay, Currency: "KES", Flat: testutil.D("50"), FeePayer: model.PayerReceiver, Active: true}).Error)

	for _, amount := range []string{"30", "50"} {
		_, err := e.Quote(context.Background(), QuoteRequest{Flow: FlowMerchantCardPay, Method: MethodCard, Amount: testutil.D(amount)})
		assert.ErrorIs(t, err, ErrAmountBelowFee, amount)
	}
	q := quote(t, e, FlowMerchantCardPay, MethodCard, "50.01")
	assert.Equal(t, "0.01", q.Net().String())
}

func TestQuote_TotalAndNet(t *testing.T) {
	q := Quote{Amount: testutil.D("100"), Fee: testutil.D("1"), FeePayer: model.PayerSender}
	assert.Equal(t, "101", q.Total().String())
	assert.Equal(t, "100", q.Net().String())
}
