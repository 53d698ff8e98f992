// Package reconcile settles PENDING transactions from provider answers,
// whether they arrive synchronously, by webhook or from a status re-check.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/richardliu001/bridge-wallet/internal/apperr"
	"github.com/richardliu001/bridge-wallet/internal/escrow"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/richardliu001/bridge-wallet/internal/provider"
	"github.com/richardliu001/bridge-wallet/internal/repo"
	"github.com/richardliu001/bridge-wallet/internal/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MetaKey locates a transaction by a provider id stored in its metadata.
type MetaKey struct {
	Value string
	Path  []string
}

// Callback is one provider verdict about one transaction.
type Callback struct {
	Source    string
	Reference string
	Keys      []MetaKey
	// Status is the provider's own word for the outcome; see MapStatus.
	Status string
	Reason string
	// Merge folds provider-specific details into the row's metadata.
	Merge func(*model.TxMetadata)
}

type Handler struct {
	repo   repo.RepositoryInterface
	wallet *service.WalletService
	escrow *escrow.Service
	caller provider.Caller
	log    *zap.SugaredLogger
}

func New(r repo.RepositoryInterface, wallet *service.WalletService, esc *escrow.Service, caller provider.Caller, log *zap.SugaredLogger) *Handler {
	return &Handler{repo: r, wallet: wallet, escrow: esc, caller: caller, log: log}
}

// MapStatus folds provider vocabularies into ours. Anything unrecognised
// is PENDING.
func MapStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "complete", "success", "successful", "paid":
		return model.StatusSuccess
	case "failed", "failure", "cancelled", "canceled", "error", "declined", "reversed":
		return model.StatusFailed
	default:
		return model.StatusPending
	}
}

// Apply moves the matching PENDING transaction to the verdict's status and
// runs the side effects for its type, all in one unit. A transaction that
// already left PENDING yields ErrReconciliationMismatch and nothing changes.
func (h *Handler) Apply(ctx context.Context, cb Callback) (*model.Transaction, error) {
	found, err := h.resolve(ctx, cb)
	if err != nil {
		return nil, err
	}
	status := MapStatus(cb.Status)
	log := h.log.With("source", cb.Source, "reference", found.Reference, "type", found.Type, "status", status)

	if status == model.StatusPending {
		if cb.Merge != nil && found.Status == model.StatusPending {
			if _, err := h.repo.MergeTransactionMeta(ctx, nil, found.ID, func(row *model.Transaction, meta *model.TxMetadata) bool {
				if row.Status != model.StatusPending {
					return false
				}
				cb.Merge(meta)
				return true
			}); err != nil {
				return nil, err
			}
		}
		log.Debugw("provider still pending", "provider_status", cb.Status)
		outcomes.WithLabelValues(cb.Source, "pending").Inc()
		return found, nil
	}

	var row *model.Transaction
	err = h.repo.InTx(ctx, func(tx *gorm.DB) error {
		row, err = h.repo.GetTransactionForUpdate(ctx, tx, found.ID)
		if err != nil {
			return err
		}
		if row.Status != model.StatusPending {
			return apperr.ErrReconciliationMismatch
		}
		meta, err := row.DecodeMeta()
		if err != nil {
			return err
		}
		if cb.Merge != nil {
			cb.Merge(&meta)
		}
		if status == model.StatusFailed && meta.FailureReason == "" {
			meta.FailureReason = firstNonEmpty(cb.Reason, "provider reported "+strings.ToLower(cb.Status))
		}
		if err := row.SetMeta(meta); err != nil {
			return err
		}
		if status == model.StatusSuccess {
			return h.settle(ctx, tx, row)
		}
		return h.fail(ctx, tx, row, meta.FailureReason)
	})
	switch {
	case errors.Is(err, apperr.ErrReconciliationMismatch):
		log.Warnw("callback for transaction that is no longer pending", "current", found.Status)
		outcomes.WithLabelValues(cb.Source, "mismatch").Inc()
		return found, err
	case err != nil:
		outcomes.WithLabelValues(cb.Source, "error").Inc()
		return nil, err
	}
	h.invalidate(ctx, row)
	log.Infow("transaction reconciled")
	outcomes.WithLabelValues(cb.Source, strings.ToLower(status)).Inc()
	return row, nil
}

func (h *Handler) settle(ctx context.Context, tx *gorm.DB, row *model.Transaction) error {
	switch row.Type {
	case model.TxWithdrawal:
		return h.wallet.SettlePayout(ctx, tx, row)
	case model.TxDeposit, model.TxPayment:
		return h.wallet.SettlePayIn(ctx, tx, row)
	case model.TxEscrowLock:
		if err := h.transition(ctx, tx, row, model.StatusSuccess); err != nil {
			return err
		}
		return h.escrow.CreditFunding(ctx, tx, row)
	default:
		return h.transition(ctx, tx, row, model.StatusSuccess)
	}
}

func (h *Handler) fail(ctx context.Context, tx *gorm.DB, row *model.Transaction, reason string) error {
	if row.Type == model.TxWithdrawal {
		return h.wallet.ReversePayout(ctx, tx, row, reason)
	}
	if err := h.transition(ctx, tx, row, model.StatusFailed); err != nil {
		return err
	}
	user := row.ToUserID
	if row.FromUserID != nil {
		user = row.FromUserID
	}
	if user == nil {
		return nil
	}
	return service.Notify(ctx, h.repo, tx, *user, "PAYMENT", "Payment Failed",
		fmt.Sprintf("%s %s payment failed: %s", row.Currency, row.Amount.StringFixed(2), reason), row)
}

func (h *Handler) transition(ctx context.Context, tx *gorm.DB, row *model.Transaction, to string) error {
	meta, err := row.DecodeMeta()
	if err != nil {
		return err
	}
	moved, err := h.repo.TransitionTransaction(ctx, tx, row.ID, model.StatusPending, to, &meta)
	if err != nil {
		return err
	}
	if !moved {
		return apperr.ErrReconciliationMismatch
	}
	row.Status = to
	return nil
}

// resolve finds the transaction by our reference first, then by any
// provider id the callback carries.
func (h *Handler) resolve(ctx context.Context, cb Callback) (*model.Transaction, error) {
	if cb.Reference != "" {
		t, err := h.repo.FindTransactionByReference(ctx, cb.Reference)
		if err == nil || !errors.Is(err, apperr.ErrTransactionNotFound) {
			return t, err
		}
	}
	for _, k := range cb.Keys {
		if k.Value == "" {
			continue
		}
		t, err := h.repo.FindTransactionByMeta(ctx, k.Value, k.Path...)
		if err == nil || !errors.Is(err, apperr.ErrTransactionNotFound) {
			return t, err
		}
	}
	outcomes.WithLabelValues(cb.Source, "unmatched").Inc()
	return nil, apperr.ErrTransactionNotFound
}

func (h *Handler) invalidate(ctx context.Context, row *model.Transaction) {
	var ids []string
	for _, p := range []*string{row.FromUserID, row.ToUserID} {
		if p != nil {
			ids = append(ids, *p)
		}
	}
	h.repo.InvalidateBalance(ctx, ids...)
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
