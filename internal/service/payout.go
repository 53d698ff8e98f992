package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/richardliu001/bridge-wallet/internal/apperr"
	"github.com/richardliu001/bridge-wallet/internal/fee"
	"github.com/richardliu001/bridge-wallet/internal/ledger"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/richardliu001/bridge-wallet/internal/provider"
	"github.com/richardliu001/bridge-wallet/internal/repo"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var withdrawalMinimum = map[string]decimal.Decimal{
	fee.MethodMpesa:   decimal.NewFromInt(10),
	fee.MethodBankA2P: decimal.NewFromInt(50),
}

type WithdrawRequest struct {
	UserID         string
	Amount         decimal.Decimal
	Method         string
	Phone          string
	Bank           *model.BankDetails
	Currency       string
	IdempotencyKey string
	CorrelationID  string
}

// PayoutResult is the state of a withdrawal after its provider call. A
// PENDING transaction with Provider.Indeterminate() means the rail may or
// may not have paid; reconciliation decides.
type PayoutResult struct {
	Transaction *model.Transaction
	Quote       fee.Quote
	Provider    *provider.Result
}

// Withdraw debits the wallet into pending, books payout clearing and fee
// revenue, then asks the rail to pay out. A definitive rejection reverses
// the booking in a second unit.
func (s *WalletService) Withdraw(ctx context.Context, req WithdrawRequest) (*PayoutResult, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = fee.MethodMpesa
	}
	minimum, ok := withdrawalMinimum[method]
	if !ok {
		return nil, apperr.Validation("INVALID_METHOD", "withdrawal method must be MPESA or BANK_A2P")
	}
	if !req.Amount.IsPositive() {
		return nil, apperr.ErrInvalidAmount
	}
	if req.Amount.LessThan(minimum) {
		return nil, apperr.Validation("AMOUNT_BELOW_MINIMUM", fmt.Sprintf("minimum %s withdrawal is %s", method, minimum))
	}
	switch {
	case method == fee.MethodMpesa && strings.TrimSpace(req.Phone) == "":
		return nil, apperr.Validation("PHONE_REQUIRED", "phone number required for M-Pesa withdrawal")
	case method == fee.MethodBankA2P && (req.Bank == nil || req.Bank.BankCode == "" || req.Bank.AccountNumber == ""):
		return nil, apperr.Validation("BANK_DETAILS_REQUIRED", "bank code and account number required")
	}

	q, err := s.fees.Quote(ctx, fee.QuoteRequest{
		Flow: fee.FlowWalletWithdrawal, Method: method, Currency: s.currency(req.Currency), Amount: req.Amount,
	})
	if err != nil {
		return nil, err
	}

	var t *model.Transaction
	err = s.repo.InTx(ctx, func(tx *gorm.DB) error {
		total := q.Total()
		if _, err := s.repo.ApplyWalletDelta(ctx, tx, req.UserID, repo.WalletDelta{Balance: total.Neg(), Pending: total}); err != nil {
			return err
		}
		t = &model.Transaction{
			FromUserID: &req.UserID, Amount: req.Amount, Fee: q.Fee, FeePayer: q.FeePayer, Currency: q.Currency,
			Type: model.TxWithdrawal, Status: model.StatusPending, Reference: NewReference("WD"),
			Description: method + " withdrawal",
		}
		if err := t.SetMeta(model.TxMetadata{Method: method, Phone: req.Phone, Bank: req.Bank}); err != nil {
			return err
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		posting := ledger.Posting{Currency: q.Currency, TransactionID: t.ID, Reference: t.Reference}
		posting.Amount = t.Net()
		if err := s.ledger.CreditPayoutClearing(ctx, tx, posting); err != nil {
			return err
		}
		posting.Amount = t.Fee
		if err := s.ledger.CreditFeeRevenue(ctx, tx, posting); err != nil {
			return err
		}
		return s.notify(ctx, tx, req.UserID, "PAYMENT", "Withdrawal Initiated",
			fmt.Sprintf("%s %s withdrawal is being processed", q.Currency, req.Amount.StringFixed(2)), t)
	})
	if err != nil {
		return nil, err
	}
	s.repo.InvalidateBalance(ctx, req.UserID)

	action := provider.ActionMpesaTransfer
	payload := map[string]interface{}{
		"amount":      t.Net().StringFixed(2),
		"reference":   t.Reference,
		"currency":    t.Currency,
		"description": t.Description,
	}
	if method == fee.MethodBankA2P {
		action = provider.ActionBankTransfer
		payload["bank_code"] = req.Bank.BankCode
		payload["acc_no"] = req.Bank.AccountNumber
		if req.Bank.AccountName != "" {
			payload["acc_name"] = req.Bank.AccountName
		}
	} else {
		payload["phone_number"] = req.Phone
	}
	if s.opts.ResultURL != "" {
		payload["result_url"] = s.opts.ResultURL
	}

	key := req.IdempotencyKey
	if key == "" {
		key = t.Reference
	}
	res, err := s.dispatch(ctx, t, provider.Request{
		Action: action, Payload: payload, CorrelationID: req.CorrelationID, IdempotencyKey: key,
	})
	out := &PayoutResult{Transaction: t, Quote: q, Provider: res}
	if err != nil {
		return out, err
	}
	switch {
	case res.OK:
		s.applySync(ctx, t, res)
	case res.Indeterminate():
		s.log.Warnw("withdrawal outcome unknown, left pending", "reference", t.Reference, "status", res.Status, "reason", res.Reason)
	default:
		reason := failureReason(res)
		err := s.repo.InTx(ctx, func(tx *gorm.DB) error {
			row, err := s.repo.GetTransaction(ctx, tx, t.ID)
			if err != nil {
				return err
			}
			return s.ReversePayout(ctx, tx, row, reason)
		})
		if err != nil {
			s.log.Errorw("withdrawal reversal failed", "reference", t.Reference, "err", err)
			return out, err
		}
		s.repo.InvalidateBalance(ctx, req.UserID)
		s.reload(ctx, out.Transaction)
		return out, apperr.ErrProviderUnavailable.WithMessage("withdrawal was rejected by the payment provider")
	}
	s.reload(ctx, out.Transaction)
	return out, nil
}

// ReversePayout undoes a PENDING withdrawal's booking with the amounts
// stored on row and marks it FAILED. Only the first caller wins; later ones
// get ErrReconciliationMismatch and change nothing.
func (s *WalletService) ReversePayout(ctx context.Context, tx *gorm.DB, row *model.Transaction, reason string) error {
	meta, err := row.DecodeMeta()
	if err != nil {
		return err
	}
	meta.FailureReason = reason
	meta.Reversed = true
	moved, err := s.repo.TransitionTransaction(ctx, tx, row.ID, model.StatusPending, model.StatusFailed, &meta)
	if err != nil {
		return err
	}
	if !moved {
		return apperr.ErrReconciliationMismatch
	}
	if row.FromUserID == nil {
		return fmt.Errorf("reverse payout %s: no payer", row.Reference)
	}
	total := row.Total()
	if _, err := s.repo.ApplyWalletDelta(ctx, tx, *row.FromUserID, repo.WalletDelta{Balance: total, Pending: total.Neg()}); err != nil {
		return err
	}
	posting := ledger.Posting{Currency: row.Currency, TransactionID: row.ID, Reference: row.Reference,
		Metadata: map[string]interface{}{"reason": reason}}
	posting.Amount = row.Net()
	if err := s.ledger.DebitPayoutClearing(ctx, tx, posting); err != nil {
		return err
	}
	posting.Amount = row.Fee
	if err := s.ledger.DebitFeeRevenue(ctx, tx, posting); err != nil {
		return err
	}
	row.Status = model.StatusFailed
	return s.notify(ctx, tx, *row.FromUserID, "PAYMENT", "Withdrawal Failed",
		fmt.Sprintf("Your payout failed. %s %s was returned to your wallet.", row.Currency, total.StringFixed(2)), row)
}

// SettlePayout marks a PENDING withdrawal SUCCESS, releases the pending
// hold and clears the payout from clearing.
func (s *WalletService) SettlePayout(ctx context.Context, tx *gorm.DB, row *model.Transaction) error {
	meta, err := row.DecodeMeta()
	if err != nil {
		return err
	}
	moved, err := s.repo.TransitionTransaction(ctx, tx, row.ID, model.StatusPending, model.StatusSuccess, &meta)
	if err != nil {
		return err
	}
	if !moved {
		return apperr.ErrReconciliationMismatch
	}
	if row.FromUserID == nil {
		return fmt.Errorf("settle payout %s: no payer", row.Reference)
	}
	if _, err := s.repo.ApplyWalletDelta(ctx, tx, *row.FromUserID, repo.WalletDelta{Pending: row.Total().Neg()}); err != nil {
		return err
	}
	if err := s.ledger.DebitPayoutClearing(ctx, tx, ledger.Posting{
		Currency: row.Currency, Amount: row.Net(), TransactionID: row.ID, Reference: row.Reference,
	}); err != nil {
		return err
	}
	row.Status = model.StatusSuccess
	return s.notify(ctx, tx, *row.FromUserID, "PAYMENT", "Withdrawal Successful",
		fmt.Sprintf("%s %s was sent", row.Currency, row.Net().StringFixed(2)), row)
}
