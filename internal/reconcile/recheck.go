package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/richardliu001/bridge-wallet/internal/apperr"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/richardliu001/bridge-wallet/internal/provider"
)

// Recheck asks the provider about transactions still PENDING after
// olderThan and applies definitive answers. It returns how many left
// PENDING. Individual failures are logged and skipped.
func (h *Handler) Recheck(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if h.caller == nil {
		return 0, nil
	}
	rows, err := h.repo.ListStalePending(ctx, time.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	settled := 0
	for i := range rows {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		row := &rows[i]
		payload := map[string]interface{}{"reference": row.Reference}
		meta := row.Meta()
		if meta.Lemonade != nil && meta.Lemonade.TransactionID != "" {
			payload["transaction_id"] = meta.Lemonade.TransactionID
		}
		res, err := h.caller.Call(ctx, provider.Request{
			Action: provider.ActionTransactionStatus, Payload: payload, CorrelationID: row.Reference,
		})
		if err != nil || !res.OK {
			h.log.Debugw("status re-check inconclusive", "reference", row.Reference, "err", err)
			continue
		}
		status := res.Response.TransactionStatus()
		if MapStatus(status) == model.StatusPending {
			continue
		}
		out, err := h.Apply(ctx, Callback{
			Source:    "recheck",
			Reference: row.Reference,
			Status:    status,
			Reason:    responseMessage(res.Response),
			Merge:     mergeLemonade(res.Response.ProviderTransactionID(), status),
		})
		switch {
		case errors.Is(err, apperr.ErrReconciliationMismatch):
		case err != nil:
			h.log.Warnw("status re-check apply", "reference", row.Reference, "err", err)
		case out.Status != model.StatusPending:
			settled++
		}
	}
	return settled, nil
}
