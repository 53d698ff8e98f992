// Package refund credits the original payer of a settled transaction, at
// most once per transaction.
package refund

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/richardliu001/bridge-wallet/internal/apperr"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/richardliu001/bridge-wallet/internal/repo"
	"github.com/richardliu001/bridge-wallet/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var refundableTypes = map[string]bool{
	model.TxDeposit:    true,
	model.TxPayment:    true,
	model.TxTransfer:   true,
	model.TxWithdrawal: true,
}

type Request struct {
	ActorID       string
	ActorRole     string
	TransactionID string
	// Amount is optional; nil refunds the full original amount.
	Amount *decimal.Decimal
	Reason string
}

type Service struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

func New(r repo.RepositoryInterface, log *zap.SugaredLogger) *Service {
	return &Service{repo: r, log: log}
}

// Eligibility explains whether a transaction can still be refunded.
type Eligibility struct {
	Refundable bool            `json:"canRefund"`
	Reason     string          `json:"reason,omitempty"`
	MaxAmount  decimal.Decimal `json:"maxAmount"`
}

// CanRefund reports eligibility without changing anything.
func (s *Service) CanRefund(ctx context.Context, txID string) (Eligibility, error) {
	t, err := s.repo.GetTransaction(ctx, nil, txID)
	if err != nil {
		return Eligibility{}, err
	}
	if err := s.eligible(ctx, s.repo.DB(ctx), t); err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return Eligibility{Reason: ae.Message}, nil
		}
		return Eligibility{}, err
	}
	return Eligibility{Refundable: true, MaxAmount: t.Amount}, nil
}

// Refund credits the original payer in one unit together with the REFUND
// record, a notification and an audit row.
func (s *Service) Refund(ctx context.Context, req Request) (*model.Transaction, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, apperr.Validation("REASON_REQUIRED", "refund reason required")
	}
	var out *model.Transaction
	var recipient string
	err := s.repo.InTx(ctx, func(tx *gorm.DB) error {
		orig, err := s.repo.GetTransaction(ctx, tx, req.TransactionID)
		if err != nil {
			return err
		}
		if !isParty(orig, req.ActorID) && req.ActorRole != model.RoleAdmin {
			return apperr.ErrForbidden
		}
		if err := s.eligible(ctx, tx, orig); err != nil {
			return err
		}
		amount := orig.Amount
		if req.Amount != nil {
			amount = *req.Amount
		}
		if !amount.IsPositive() {
			return apperr.ErrInvalidAmount
		}
		if amount.GreaterThan(orig.Amount) {
			return apperr.Validation("AMOUNT_EXCEEDS_ORIGINAL", "refund cannot exceed the original amount")
		}

		recipient = payer(orig)
		if _, err := s.repo.ApplyWalletDelta(ctx, tx, recipient, repo.WalletDelta{Balance: amount}); err != nil {
			return err
		}

		origID := orig.ID
		out = &model.Transaction{
			ToUserID: &recipient, Amount: amount, Currency: orig.Currency,
			Type: model.TxRefund, Status: model.StatusSuccess, Reference: service.NewReference("RFD"),
			Description: "Refund: " + req.Reason, RefundOfID: &origID,
		}
		if err := out.SetMeta(model.TxMetadata{
			RefundedBy: req.ActorID,
			Refund: &model.RefundMeta{
				OriginalTransactionID: orig.ID, OriginalReference: orig.Reference, OriginalType: orig.Type,
				Reason: req.Reason, InitiatedBy: req.ActorID, Partial: amount.LessThan(orig.Amount),
			},
		}); err != nil {
			return err
		}
		if err := s.repo.CreateTransaction(ctx, tx, out); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return apperr.ErrNotRefundable.WithMessage("transaction already refunded")
			}
			return err
		}
		if err := service.Notify(ctx, s.repo, tx, recipient, "PAYMENT", "Refund Processed",
			fmt.Sprintf("%s %s refunded to your wallet", orig.Currency, amount.StringFixed(2)), out); err != nil {
			return err
		}
		audit, _ := json.Marshal(map[string]string{"refundId": out.ID, "amount": amount.StringFixed(2), "reason": req.Reason})
		s.repo.Audit(ctx, tx, &model.AuditLog{
			ActorID: req.ActorID, Action: "REFUND", EntityType: "TRANSACTION", EntityID: orig.ID,
			Metadata: datatypes.JSON(audit),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.repo.InvalidateBalance(ctx, recipient)
	s.log.Infow("refund processed", "original", req.TransactionID, "refund", out.Reference, "amount", out.Amount.StringFixed(2))
	return out, nil
}

// History lists refunds credited to userID, newest first.
func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]model.Transaction, int64, error) {
	return s.repo.ListTransactions(ctx, userID, repo.HistoryFilter{Type: model.TxRefund, Limit: limit, Offset: offset})
}

func (s *Service) eligible(ctx context.Context, db *gorm.DB, t *model.Transaction) error {
	if !refundableTypes[t.Type] {
		return apperr.ErrNotRefundable.WithMessage(strings.ToLower(t.Type) + " transactions cannot be refunded")
	}
	if t.Status != model.StatusSuccess && t.Status != model.StatusFailed {
		return apperr.ErrNotRefundable.WithMessage("transaction is still pending")
	}
	if payer(t) == "" {
		return apperr.ErrNotRefundable.WithMessage("transaction has no payer to refund")
	}
	// a reversed payout already returned the funds
	m, err := t.DecodeMeta()
	if err != nil {
		return err
	}
	if m.Reversed {
		return apperr.ErrNotRefundable.WithMessage("transaction was already reversed")
	}
	var n int64
	if err := db.WithContext(ctx).Model(&model.Transaction{}).Where("refund_of_id = ?", t.ID).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return apperr.ErrNotRefundable.WithMessage("transaction already refunded")
	}
	return nil
}

// payer is the wallet that funded the original. Deposits are funded from
// outside the ledger and have none.
func payer(t *model.Transaction) string {
	if t.FromUserID != nil {
		return *t.FromUserID
	}
	return ""
}

func isParty(t *model.Transaction, userID string) bool {
	return (t.FromUserID != nil && *t.FromUserID == userID) || (t.ToUserID != nil && *t.ToUserID == userID)
}
