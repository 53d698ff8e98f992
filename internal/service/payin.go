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

// PayIn describes money arriving from an external rail. Nothing is
// credited until the rail confirms.
type PayIn struct {
	Type        string
	Flow        string
	Method      string
	Action      provider.Action
	FromUserID  string
	ToUserID    string
	Amount      decimal.Decimal
	Currency    string
	Description string
	Meta        model.TxMetadata
	// Payload holds rail-specific fields merged into the provider request.
	Payload        map[string]interface{}
	CorrelationID  string
	IdempotencyKey string
}

type PayInResult struct {
	Transaction *model.Transaction
	Quote       fee.Quote
	RedirectURL string
	Provider    *provider.Result
}

type DepositRequest struct {
	UserID        string
	Amount        decimal.Decimal
	Currency      string
	Phone         string
	Email         string
	Name          string
	CorrelationID string
}

// DepositMobileMoney starts an STK push for a wallet top-up.
func (s *WalletService) DepositMobileMoney(ctx context.Context, req DepositRequest) (*PayInResult, error) {
	if strings.TrimSpace(req.Phone) == "" {
		return nil, apperr.Validation("PHONE_REQUIRED", "phone number required")
	}
	return s.StartPayIn(ctx, PayIn{
		Type: model.TxDeposit, Flow: fee.FlowWalletDeposit, Method: fee.MethodMpesa, Action: provider.ActionSTKPush,
		ToUserID: req.UserID, Amount: req.Amount, Currency: req.Currency, Description: "M-Pesa deposit",
		Meta:          model.TxMetadata{Method: fee.MethodMpesa, Phone: req.Phone},
		Payload:       map[string]interface{}{"phone_number": req.Phone},
		CorrelationID: req.CorrelationID,
	})
}

// DepositCard starts a hosted card checkout for a wallet top-up.
func (s *WalletService) DepositCard(ctx context.Context, req DepositRequest) (*PayInResult, error) {
	return s.StartPayIn(ctx, PayIn{
		Type: model.TxDeposit, Flow: fee.FlowWalletDeposit, Method: fee.MethodCard, Action: provider.ActionCardPayment,
		ToUserID: req.UserID, Amount: req.Amount, Currency: req.Currency, Description: "Card deposit",
		Meta:          model.TxMetadata{Method: fee.MethodCard, Phone: req.Phone},
		Payload:       CardPayload(req.Phone, req.Email, req.Name),
		CorrelationID: req.CorrelationID,
	})
}

type MerchantPaymentRequest struct {
	PayerID       string
	MerchantID    string
	Amount        decimal.Decimal
	Currency      string
	Phone         string
	Email         string
	Name          string
	Description   string
	CorrelationID string
}

// PayMerchantByCard charges a card on behalf of a merchant wallet. The
// merchant absorbs the fee.
func (s *WalletService) PayMerchantByCard(ctx context.Context, req MerchantPaymentRequest) (*PayInResult, error) {
	if req.MerchantID == "" {
		return nil, apperr.Validation("MERCHANT_REQUIRED", "merchant id required")
	}
	desc := req.Description
	if desc == "" {
		desc = "Merchant card payment"
	}
	return s.StartPayIn(ctx, PayIn{
		Type: model.TxPayment, Flow: fee.FlowMerchantCardPay, Method: fee.MethodCard, Action: provider.ActionCardPayment,
		FromUserID: req.PayerID, ToUserID: req.MerchantID, Amount: req.Amount, Currency: req.Currency, Description: desc,
		Meta:          model.TxMetadata{Method: fee.MethodCard, MerchantID: req.MerchantID, Phone: req.Phone},
		Payload:       CardPayload(req.Phone, req.Email, req.Name),
		CorrelationID: req.CorrelationID,
	})
}

// CardPayload builds the hosted checkout fields shared by every card flow.
func CardPayload(phone, email, name string) map[string]interface{} {
	p := map[string]interface{}{"is_mobile": true}
	if phone != "" {
		p["acc_no"] = phone
	}
	if email != "" {
		p["email"] = email
	}
	if name != "" {
		p["acc_name"] = name
	}
	return p
}

// StartPayIn records a PENDING transaction, then calls the rail outside
// the unit. A definitive rejection marks it FAILED; a synchronous terminal
// answer is handed to the applier.
func (s *WalletService) StartPayIn(ctx context.Context, in PayIn) (*PayInResult, error) {
	if !in.Amount.IsPositive() {
		return nil, apperr.ErrInvalidAmount
	}
	if in.ToUserID == "" {
		return nil, apperr.Validation("USER_REQUIRED", "recipient required")
	}
	if _, err := s.repo.GetWallet(ctx, in.ToUserID); err != nil {
		return nil, err
	}
	q, err := s.fees.Quote(ctx, fee.QuoteRequest{Flow: in.Flow, Method: in.Method, Currency: s.currency(in.Currency), Amount: in.Amount})
	if err != nil {
		return nil, err
	}

	t := &model.Transaction{
		ToUserID: &in.ToUserID, Amount: in.Amount, Fee: q.Fee, FeePayer: q.FeePayer, Currency: q.Currency,
		Type: in.Type, Status: model.StatusPending, Reference: NewReference(referencePrefix(in.Type)),
		Description: in.Description,
	}
	if in.FromUserID != "" {
		t.FromUserID = &in.FromUserID
	}
	if err := t.SetMeta(in.Meta); err != nil {
		return nil, err
	}
	if err := s.repo.InTx(ctx, func(tx *gorm.DB) error {
		return s.repo.CreateTransaction(ctx, tx, t)
	}); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"amount":      in.Amount.StringFixed(2),
		"reference":   t.Reference,
		"currency":    t.Currency,
		"description": in.Description,
	}
	for k, v := range in.Payload {
		payload[k] = v
	}
	if s.opts.ResultURL != "" {
		payload["result_url"] = s.opts.ResultURL
	}
	key := in.IdempotencyKey
	if key == "" {
		key = t.Reference
	}
	res, err := s.dispatch(ctx, t, provider.Request{Action: in.Action, Payload: payload, CorrelationID: in.CorrelationID, IdempotencyKey: key})
	out := &PayInResult{Transaction: t, Quote: q, Provider: res}
	if err != nil {
		return out, err
	}
	if m := t.Meta(); m.Lemonade != nil {
		out.RedirectURL = m.Lemonade.RedirectURL
	}

	switch {
	case res.OK:
		s.applySync(ctx, t, res)
	case res.Indeterminate():
		s.log.Warnw("pay-in outcome unknown, left pending", "reference", t.Reference, "status", res.Status, "reason", res.Reason)
	default:
		if err := s.repo.InTx(ctx, func(tx *gorm.DB) error {
			row, err := s.repo.GetTransactionForUpdate(ctx, tx, t.ID)
			if err != nil {
				return err
			}
			meta, err := row.DecodeMeta()
			if err != nil {
				return err
			}
			meta.FailureReason = failureReason(res)
			_, err = s.repo.TransitionTransaction(ctx, tx, t.ID, model.StatusPending, model.StatusFailed, &meta)
			return err
		}); err != nil {
			return out, err
		}
		s.reload(ctx, t)
		return out, apperr.ErrProviderUnavailable.WithMessage("payment was rejected by the payment provider")
	}
	s.reload(ctx, t)
	return out, nil
}

// SettlePayIn marks a PENDING pay-in SUCCESS and credits the recipient
// with the net amount. The fee goes to platform revenue.
func (s *WalletService) SettlePayIn(ctx context.Context, tx *gorm.DB, row *model.Transaction) error {
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
	if row.ToUserID == nil {
		return fmt.Errorf("settle pay-in %s: no recipient", row.Reference)
	}
	if _, err := s.repo.ApplyWalletDelta(ctx, tx, *row.ToUserID, repo.WalletDelta{Balance: row.Net()}); err != nil {
		return err
	}
	if err := s.ledger.CreditFeeRevenue(ctx, tx, ledger.Posting{
		Currency: row.Currency, Amount: row.Fee, TransactionID: row.ID, Reference: row.Reference,
	}); err != nil {
		return err
	}
	row.Status = model.StatusSuccess
	title := "Deposit Successful"
	if row.Type == model.TxPayment {
		title = "Payment Received"
	}
	return s.notify(ctx, tx, *row.ToUserID, "PAYMENT", title,
		fmt.Sprintf("%s %s has been added to your wallet", row.Currency, row.Net().StringFixed(2)), row)
}

// dispatch calls the rail and records whatever identifiers it returned.
func (s *WalletService) dispatch(ctx context.Context, t *model.Transaction, req provider.Request) (*provider.Result, error) {
	if s.provider == nil {
		return &provider.Result{Reason: "provider_unconfigured"}, nil
	}
	res, err := s.provider.Call(ctx, req)
	if err != nil {
		return &provider.Result{Reason: err.Error()}, err
	}
	// merged into what is stored, a callback may already have written it
	stored, err := s.repo.MergeTransactionMeta(ctx, nil, t.ID, func(_ *model.Transaction, m *model.TxMetadata) bool {
		return RecordProviderIDs(m, req.Action, res)
	})
	if err != nil {
		s.log.Warnw("store provider ids", "reference", t.Reference, "err", err)
	} else if err := t.SetMeta(*stored); err != nil {
		s.log.Warnw("encode provider ids", "reference", t.Reference, "err", err)
	}
	s.log.Infow("provider call", "action", req.Action, "reference", t.Reference, "mode", res.Mode,
		"status", res.Status, "ok", res.OK, "attempts", len(res.Attempts))
	return res, nil
}

// applySync hands a terminal synchronous answer to reconciliation.
func (s *WalletService) applySync(ctx context.Context, t *model.Transaction, res *provider.Result) {
	if s.applier == nil || res.Response.TransactionStatus() == "" {
		return
	}
	if err := s.applier.ApplyResponse(ctx, t.Reference, res.Response); err != nil {
		s.log.Warnw("apply synchronous provider response", "reference", t.Reference, "err", err)
	}
}

func (s *WalletService) reload(ctx context.Context, t *model.Transaction) {
	if fresh, err := s.repo.GetTransaction(ctx, nil, t.ID); err == nil {
		*t = *fresh
	}
}

// RecordProviderIDs copies provider identifiers from res into meta and
// reports whether anything changed.
func RecordProviderIDs(meta *model.TxMetadata, action provider.Action, res *provider.Result) bool {
	resp := res.Response
	changed := false
	if env := resp.Lemonade; env != nil {
		lm := meta.Lemonade
		if lm == nil {
			lm = &model.LemonadeMeta{}
		}
		lm.TransactionID = firstNonEmpty(env.Data.TransactionID.String(), lm.TransactionID)
		lm.InternalID = firstNonEmpty(env.Data.InternalID.String(), lm.InternalID)
		lm.Status = firstNonEmpty(env.Data.Status, lm.Status)
		lm.RedirectURL = firstNonEmpty(env.Data.RedirectURL, lm.RedirectURL)
		lm.Channel = firstNonEmpty(provider.Channel(action), lm.Channel)
		lm.Mode = string(res.Mode)
		meta.Lemonade = lm
		changed = true
	}
	str := func(k string) string {
		if v, ok := resp.Fields[k].(string); ok {
			return v
		}
		return ""
	}
	merchantReq, checkout := str("MerchantRequestID"), str("CheckoutRequestID")
	originator, conversation := str("OriginatorConversationID"), str("ConversationID")
	if merchantReq != "" || checkout != "" || originator != "" || conversation != "" {
		mm := meta.Mpesa
		if mm == nil {
			mm = &model.MpesaMeta{}
		}
		mm.MerchantRequestID = firstNonEmpty(merchantReq, mm.MerchantRequestID)
		mm.CheckoutRequestID = firstNonEmpty(checkout, mm.CheckoutRequestID)
		mm.OriginatorConversationID = firstNonEmpty(originator, mm.OriginatorConversationID)
		mm.ConversationID = firstNonEmpty(conversation, mm.ConversationID)
		meta.Mpesa = mm
		changed = true
	}
	return changed
}

func failureReason(res *provider.Result) string {
	if env := res.Response.Lemonade; env != nil && env.Message != "" {
		return env.Message
	}
	if msg, ok := res.Response.Fields["message"].(string); ok && msg != "" {
		return msg
	}
	if res.Reason != "" {
		return res.Reason
	}
	return fmt.Sprintf("provider status %d", res.Status)
}

func referencePrefix(txType string) string {
	switch txType {
	case model.TxDeposit:
		return "DEP"
	case model.TxPayment:
		return "PAY"
	case model.TxEscrowLock:
		return "ESC"
	default:
		return "TX"
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
