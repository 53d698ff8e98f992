package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/richardliu001/bridge-wallet/internal/apperr"
	"github.com/richardliu001/bridge-wallet/internal/fee"
	"github.com/richardliu001/bridge-wallet/internal/ledger"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/richardliu001/bridge-wallet/internal/provider"
	"github.com/richardliu001/bridge-wallet/internal/repo"
	"github.com/richardliu001/bridge-wallet/internal/service"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// FundFromWallet locks the unfunded part of the budget out of the owner's
// balance and starts the project.
func (s *Service) FundFromWallet(ctx context.Context, actor model.Actor, projectID string) (*model.Transaction, error) {
	var lock *model.Transaction
	var implementer string
	err := s.repo.InTx(ctx, func(tx *gorm.DB) error {
		p, err := lockProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if p.OwnerID != actor.ID {
			return apperr.ErrForbidden
		}
		if p.Status != model.ProjectAssigned {
			return apperr.ErrInvalidState.WithMessage("project must be assigned before funding")
		}
		remaining := p.Budget.Sub(p.EscrowBalance)
		now := time.Now()
		if remaining.IsPositive() {
			if _, err := s.repo.ApplyWalletDelta(ctx, tx, p.OwnerID, repo.WalletDelta{Balance: remaining.Neg(), Escrow: remaining}); err != nil {
				return err
			}
			lock = &model.Transaction{
				FromUserID: &p.OwnerID, Amount: remaining, Currency: p.Currency, FeePayer: model.PayerSender,
				Type: model.TxEscrowLock, Status: model.StatusSuccess, Reference: service.NewReference("ESC"),
				Description: "Escrow for project: " + p.Title,
			}
			if err := lock.SetMeta(model.TxMetadata{ProjectID: p.ID, Method: fee.MethodWallet}); err != nil {
				return err
			}
			if err := s.repo.CreateTransaction(ctx, tx, lock); err != nil {
				return err
			}
		}
		if err := transitionProject(ctx, tx, p.ID, []string{model.ProjectAssigned}, model.ProjectActive, map[string]interface{}{
			"escrow_balance": p.Budget, "started_at": &now,
		}); err != nil {
			return err
		}
		if p.ImplementerID != nil {
			implementer = *p.ImplementerID
			if err := service.Notify(ctx, s.repo, tx, implementer, "PROJECT", "Project Funded",
				"Funds are in escrow for project: "+p.Title, lock); err != nil {
				return err
			}
		}
		return service.Notify(ctx, s.repo, tx, p.OwnerID, "PROJECT", "Project Funded",
			fmt.Sprintf("%s %s locked in escrow", p.Currency, remaining.StringFixed(2)), lock)
	})
	if err != nil {
		return nil, err
	}
	s.repo.InvalidateBalance(ctx, actor.ID)
	return lock, nil
}

type CardFundingRequest struct {
	Amount        decimal.Decimal
	Phone         string
	Email         string
	Name          string
	CorrelationID string
}

// FundByCard starts a card pay-in toward the project's escrow. Escrow is
// credited only when the rail confirms, and never beyond the budget once
// other in-flight card payments are counted.
func (s *Service) FundByCard(ctx context.Context, actor model.Actor, projectID string, req CardFundingRequest) (*service.PayInResult, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.ErrInvalidAmount
	}
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != actor.ID {
		return nil, apperr.ErrForbidden
	}
	if p.Status != model.ProjectOpen && p.Status != model.ProjectAssigned {
		return nil, apperr.ErrInvalidState.WithMessage("project is not accepting funding")
	}
	inflight, err := s.pendingLocks(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	room := p.Budget.Sub(p.EscrowBalance).Sub(inflight)
	if req.Amount.GreaterThan(room) {
		return nil, apperr.Validation("AMOUNT_EXCEEDS_BUDGET",
			fmt.Sprintf("at most %s %s can still be funded", p.Currency, decimal.Max(room, decimal.Zero).StringFixed(2)))
	}
	return s.wallet.StartPayIn(ctx, service.PayIn{
		Type: model.TxEscrowLock, Flow: fee.FlowProjectFundCard, Method: fee.MethodCard, Action: provider.ActionCardPayment,
		FromUserID: p.OwnerID, ToUserID: p.OwnerID, Amount: req.Amount, Currency: p.Currency,
		Description:   "Card funding for project: " + p.Title,
		Meta:          model.TxMetadata{ProjectID: p.ID, Method: fee.MethodCard, Phone: req.Phone},
		Payload:       service.CardPayload(req.Phone, req.Email, req.Name),
		CorrelationID: req.CorrelationID,
	})
}

// pendingLocks sums card fundings for the project that the rail has not
// answered yet.
func (s *Service) pendingLocks(ctx context.Context, projectID string) (decimal.Decimal, error) {
	var rows []model.Transaction
	err := s.repo.DB(ctx).
		Where("type = ? AND status = ?", model.TxEscrowLock, model.StatusPending).
		Where(datatypes.JSONQuery("metadata").Equals(projectID, "projectId")).
		Find(&rows).Error
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for i := range rows {
		sum = sum.Add(rows[i].Net())
	}
	return sum, nil
}

// CreditFunding books a confirmed card funding. It runs inside the caller's
// unit after row has moved to SUCCESS. Escrow is capped at the budget and
// any overflow lands on the owner's spendable balance. The first funding
// that fills the budget starts an ASSIGNED project.
func (s *Service) CreditFunding(ctx context.Context, tx *gorm.DB, row *model.Transaction) error {
	meta, err := row.DecodeMeta()
	if err != nil {
		return err
	}
	if meta.ProjectID == "" {
		return fmt.Errorf("escrow funding %s: no project id", row.Reference)
	}
	p, err := lockProject(ctx, tx, meta.ProjectID)
	if err != nil {
		return err
	}
	net := row.Net()
	credit := decimal.Zero
	switch p.Status {
	case model.ProjectOpen, model.ProjectAssigned, model.ProjectActive:
		room := p.Budget.Sub(p.EscrowBalance)
		if room.IsPositive() {
			credit = decimal.Min(net, room)
		}
	}
	overflow := net.Sub(credit)
	if _, err := s.repo.ApplyWalletDelta(ctx, tx, p.OwnerID, repo.WalletDelta{Escrow: credit, Balance: overflow}); err != nil {
		return err
	}

	escrowed := p.EscrowBalance.Add(credit)
	updates := map[string]interface{}{"escrow_balance": escrowed, "updated_at": time.Now()}
	started := false
	if p.Status == model.ProjectAssigned && escrowed.GreaterThanOrEqual(p.Budget) {
		now := time.Now()
		updates["status"] = model.ProjectActive
		updates["started_at"] = &now
		started = true
	}
	res := tx.WithContext(ctx).Model(&model.Project{}).Where("id = ? AND status = ?", p.ID, p.Status).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return apperr.ErrConcurrencyConflict
	}

	if err := s.wallet.Ledger().CreditFeeRevenue(ctx, tx, ledger.Posting{
		Currency: row.Currency, Amount: row.Fee, TransactionID: row.ID, Reference: row.Reference,
	}); err != nil {
		return err
	}
	if overflow.IsPositive() {
		s.log.Warnw("escrow funding beyond budget returned to owner",
			"project", p.ID, "reference", row.Reference, "overflow", overflow.StringFixed(2))
	}
	msg := fmt.Sprintf("%s %s added to escrow for project: %s", row.Currency, credit.StringFixed(2), p.Title)
	if err := service.Notify(ctx, s.repo, tx, p.OwnerID, "PROJECT", "Escrow Funded", msg, row); err != nil {
		return err
	}
	if started && p.ImplementerID != nil {
		return service.Notify(ctx, s.repo, tx, *p.ImplementerID, "PROJECT", "Project Funded",
			"Funds are in escrow for project: "+p.Title, row)
	}
	return nil
}
