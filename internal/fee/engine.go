// Package fee prices money movements from the fee_schedule table, falling
// back to built-in defaults when no schedule row matches.
package fee

import (
	"context"
	"errors"
	"strings"

	"github.com/richardliu001/bridge-wallet/internal/apperr"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Flows priced by the engine.
const (
	FlowWalletDeposit    = "WALLET_DEPOSIT"
	FlowWalletWithdrawal = "WALLET_WITHDRAWAL"
	FlowWalletSendMpesa  = "WALLET_SEND_MPESA"
	FlowWalletTransfer   = "WALLET_TRANSFER"
	FlowMerchantCardPay  = "MERCHANT_CARD_PAY"
	FlowProjectFundCard  = "PROJECT_FUND_CARD"
)

// Payment methods.
const (
	MethodMpesa   = "MPESA"
	MethodCard    = "CARD"
	MethodBankA2P = "BANK_A2P"
	MethodWallet  = "WALLET"
)

const DefaultCurrency = "KES"

// minorUnits is the precision of every money column.
const minorUnits = 2

var ErrAmountBelowFee = apperr.Validation("AMOUNT_BELOW_FEE", "amount does not cover the fee")

var bpsDivisor = decimal.NewFromInt(10000)

// receiverPays lists flows where the provider debits the payer the gross
// amount and the credited party absorbs the fee.
var receiverPays = map[string]bool{
	FlowWalletDeposit:   true,
	FlowMerchantCardPay: true,
	FlowProjectFundCard: true,
}

type QuoteRequest struct {
	Flow     string
	Method   string
	Currency string
	Amount   decimal.Decimal
}

type Quote struct {
	Flow       string          `json:"flow"`
	Method     string          `json:"method,omitempty"`
	Currency   string          `json:"currency"`
	Amount     decimal.Decimal `json:"amount"`
	Fee        decimal.Decimal `json:"fee"`
	FeePayer   string          `json:"feePayer"`
	ScheduleID string          `json:"scheduleId,omitempty"`
}

// Total is what the sender parts with.
func (q Quote) Total() decimal.Decimal {
	if q.FeePayer == model.PayerSender {
		return q.Amount.Add(q.Fee)
	}
	return q.Amount
}

// Net is what the receiving side is credited.
func (q Quote) Net() decimal.Decimal {
	if q.FeePayer == model.PayerReceiver {
		return q.Amount.Sub(q.Fee)
	}
	return q.Amount
}

type Engine struct {
	db *gorm.DB
}

func NewEngine(db *gorm.DB) *Engine {
	return &Engine{db: db}
}

// Quote returns the fee for one movement. It never writes.
func (e *Engine) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	flow := strings.ToUpper(strings.TrimSpace(req.Flow))
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}

	sched, err := e.lookup(ctx, flow, method, currency)
	if err != nil {
		return Quote{}, err
	}
	payer := sched.FeePayer
	if receiverPays[flow] {
		payer = model.PayerReceiver
	}
	if payer == "" {
		payer = model.PayerSender
	}
	q := Quote{
		Flow:       flow,
		Method:     method,
		Currency:   currency,
		Amount:     req.Amount,
		Fee:        Compute(sched, req.Amount),
		FeePayer:   payer,
		ScheduleID: sched.ID,
	}
	// the credited side must end up with something
	if payer == model.PayerReceiver && q.Fee.IsPositive() && !q.Net().IsPositive() {
		return Quote{}, ErrAmountBelowFee
	}
	return q, nil
}

// Compute applies bps + flat, clamps to [min, max], floors at zero and
// rounds half-to-even to minor units.
func Compute(s model.FeeSchedule, amount decimal.Decimal) decimal.Decimal {
	fee := amount.Mul(decimal.NewFromInt(int64(s.Bps))).Div(bpsDivisor).Add(s.Flat)
	if fee.LessThan(s.MinFee) {
		fee = s.MinFee
	}
	if s.MaxFee != nil && fee.GreaterThan(*s.MaxFee) {
		fee = *s.MaxFee
	}
	if fee.IsNegative() {
		return decimal.Zero
	}
	return fee.RoundBank(minorUnits)
}

func (e *Engine) lookup(ctx context.Context, flow, method, currency string) (model.FeeSchedule, error) {
	if e.db != nil {
		q := e.db.WithContext(ctx).
			Where("flow = ? AND currency = ? AND active = ?", flow, currency, true).
			Order("updated_at DESC")
		var s model.FeeSchedule
		if method != "" {
			err := q.Session(&gorm.Session{}).Where("method = ?", method).First(&s).Error
			if err == nil {
				return s, nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return model.FeeSchedule{}, err
			}
		}
		err := q.Session(&gorm.Session{}).Where("method IS NULL").First(&s).Error
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return model.FeeSchedule{}, err
		}
	}
	return Default(flow, method), nil
}

// Default is the built-in schedule used when the table has no match.
func Default(flow, method string) model.FeeSchedule {
	switch flow {
	case FlowWalletWithdrawal, FlowWalletSendMpesa:
		if method == MethodBankA2P {
			max := decimal.NewFromInt(200)
			return model.FeeSchedule{Flow: flow, Bps: 100, MinFee: decimal.NewFromInt(20), MaxFee: &max, FeePayer: model.PayerSender}
		}
		max := decimal.NewFromInt(50)
		return model.FeeSchedule{Flow: flow, Bps: 100, MinFee: decimal.Zero, MaxFee: &max, FeePayer: model.PayerSender}
	default:
		return model.FeeSchedule{Flow: flow, FeePayer: model.PayerSender}
	}
}
