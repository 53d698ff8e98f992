// Package escrow drives the project and milestone lifecycle. Funds move
// out of an owner's spendable balance into escrow when a project is funded
// and reach the implementer only through an approved milestone.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/richardliu001/bridge-wallet/internal/apperr"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/richardliu001/bridge-wallet/internal/repo"
	"github.com/richardliu001/bridge-wallet/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	repo   repo.RepositoryInterface
	wallet *service.WalletService
	log    *zap.SugaredLogger
}

func New(r repo.RepositoryInterface, wallet *service.WalletService, log *zap.SugaredLogger) *Service {
	return &Service{repo: r, wallet: wallet, log: log}
}

type MilestoneInput struct {
	Title  string
	Amount decimal.Decimal
}

type CreateProjectRequest struct {
	OwnerID     string
	Title       string
	Description string
	Budget      decimal.Decimal
	Currency    string
	Milestones  []MilestoneInput
}

// CreateProject stores a DRAFT project. Milestone amounts may not add up
// to more than the budget.
func (s *Service) CreateProject(ctx context.Context, req CreateProjectRequest) (*model.Project, error) {
	if req.OwnerID == "" || strings.TrimSpace(req.Title) == "" {
		return nil, apperr.Validation("MISSING_FIELDS", "owner and title required")
	}
	if !req.Budget.IsPositive() {
		return nil, apperr.ErrInvalidAmount
	}
	sum := decimal.Zero
	for _, m := range req.Milestones {
		if !m.Amount.IsPositive() || strings.TrimSpace(m.Title) == "" {
			return nil, apperr.Validation("INVALID_MILESTONE", "each milestone needs a title and a positive amount")
		}
		sum = sum.Add(m.Amount)
	}
	if sum.GreaterThan(req.Budget) {
		return nil, apperr.Validation("MILESTONES_EXCEED_BUDGET", "milestone amounts exceed project budget")
	}
	currency := strings.ToUpper(req.Currency)
	if currency == "" {
		currency = "KES"
	}

	p := &model.Project{
		OwnerID: req.OwnerID, Title: req.Title, Description: req.Description,
		Budget: req.Budget, Currency: currency, Status: model.ProjectDraft,
	}
	for i, m := range req.Milestones {
		p.Milestones = append(p.Milestones, model.Milestone{
			Title: m.Title, Amount: m.Amount, Position: i + 1, Status: model.MilestonePending,
		})
	}
	err := s.repo.InTx(ctx, func(tx *gorm.DB) error {
		return tx.WithContext(ctx).Create(p).Error
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetProject loads a project with its milestones in position order.
func (s *Service) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var p model.Project
	err := s.repo.DB(ctx).
		Preload("Milestones", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("id = ?", id).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrProjectNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Publish opens a DRAFT project for implementers.
func (s *Service) Publish(ctx context.Context, actor model.Actor, projectID string) error {
	return s.repo.InTx(ctx, func(tx *gorm.DB) error {
		p, err := lockProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if p.OwnerID != actor.ID {
			return apperr.ErrForbidden
		}
		var n int64
		if err := tx.WithContext(ctx).Model(&model.Milestone{}).Where("project_id = ?", p.ID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return apperr.Validation("NO_MILESTONES", "add at least one milestone")
		}
		return transitionProject(ctx, tx, p.ID, []string{model.ProjectDraft}, model.ProjectOpen, nil)
	})
}

// Assign picks the implementer of an OPEN project.
func (s *Service) Assign(ctx context.Context, actor model.Actor, projectID, implementerID string) error {
	if implementerID == "" {
		return apperr.Validation("IMPLEMENTER_REQUIRED", "implementer id required")
	}
	return s.repo.InTx(ctx, func(tx *gorm.DB) error {
		p, err := lockProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if p.OwnerID != actor.ID {
			return apperr.ErrForbidden
		}
		if implementerID == p.OwnerID {
			return apperr.Validation("INVALID_IMPLEMENTER", "owner cannot implement own project")
		}
		if err := transitionProject(ctx, tx, p.ID, []string{model.ProjectOpen}, model.ProjectAssigned,
			map[string]interface{}{"implementer_id": implementerID}); err != nil {
			return err
		}
		return service.Notify(ctx, s.repo, tx, implementerID, "PROJECT", "Project Assigned",
			"You were assigned to project: "+p.Title, nil)
	})
}

// Dispute freezes an ACTIVE project. Either party may raise it.
func (s *Service) Dispute(ctx context.Context, actor model.Actor, projectID, reason string) error {
	return s.repo.InTx(ctx, func(tx *gorm.DB) error {
		p, err := lockProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if !isParty(p, actor.ID) && !actor.IsAdmin() {
			return apperr.ErrForbidden
		}
		if err := transitionProject(ctx, tx, p.ID, []string{model.ProjectActive}, model.ProjectDisputed, nil); err != nil {
			return err
		}
		s.repo.Audit(ctx, tx, auditEntry(actor.ID, "PROJECT_DISPUTED", p.ID, map[string]interface{}{"reason": reason}))
		return nil
	})
}

// Cancel ends a project that never became ACTIVE and returns whatever
// escrow it holds to the owner.
func (s *Service) Cancel(ctx context.Context, actor model.Actor, projectID string) (*model.Transaction, error) {
	var refund *model.Transaction
	var owner string
	err := s.repo.InTx(ctx, func(tx *gorm.DB) error {
		p, err := lockProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if p.OwnerID != actor.ID && !actor.IsAdmin() {
			return apperr.ErrForbidden
		}
		owner = p.OwnerID
		now := time.Now()
		if err := transitionProject(ctx, tx, p.ID,
			[]string{model.ProjectDraft, model.ProjectOpen, model.ProjectAssigned}, model.ProjectCancelled,
			map[string]interface{}{"ended_at": &now}); err != nil {
			return err
		}
		refund, err = s.returnEscrow(ctx, tx, p, "Project cancelled")
		return err
	})
	if err != nil {
		return nil, err
	}
	s.repo.InvalidateBalance(ctx, owner)
	return refund, nil
}

// returnEscrow moves any escrow left on p back to the owner's balance.
func (s *Service) returnEscrow(ctx context.Context, tx *gorm.DB, p *model.Project, why string) (*model.Transaction, error) {
	left := p.EscrowBalance
	if !left.IsPositive() {
		return nil, nil
	}
	if _, err := s.repo.ApplyWalletDelta(ctx, tx, p.OwnerID, repo.WalletDelta{Escrow: left.Neg(), Balance: left}); err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).Model(&model.Project{}).Where("id = ?", p.ID).
		Update("escrow_balance", decimal.Zero).Error; err != nil {
		return nil, err
	}
	p.EscrowBalance = decimal.Zero
	t := &model.Transaction{
		FromUserID: &p.OwnerID, ToUserID: &p.OwnerID, Amount: left, Currency: p.Currency,
		Type: model.TxEscrowRefund, Status: model.StatusSuccess, Reference: service.NewReference("ESR"),
		Description: why + ": " + p.Title,
	}
	if err := t.SetMeta(model.TxMetadata{ProjectID: p.ID}); err != nil {
		return nil, err
	}
	if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
		return nil, err
	}
	return t, service.Notify(ctx, s.repo, tx, p.OwnerID, "PROJECT", "Escrow Returned",
		p.Currency+" "+left.StringFixed(2)+" returned from project: "+p.Title, t)
}

func lockProject(ctx context.Context, tx *gorm.DB, id string) (*model.Project, error) {
	var p model.Project
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrProjectNotFound
		}
		return nil, err
	}
	return &p, nil
}

// transitionProject changes status only from one of the expected states.
func transitionProject(ctx context.Context, tx *gorm.DB, id string, from []string, to string, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": to, "updated_at": time.Now()}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.WithContext(ctx).Model(&model.Project{}).Where("id = ? AND status IN ?", id, from).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return apperr.ErrInvalidState.WithMessage("project is not " + strings.ToLower(strings.Join(from, " or ")))
	}
	return nil
}

func isParty(p *model.Project, userID string) bool {
	return p.OwnerID == userID || (p.ImplementerID != nil && *p.ImplementerID == userID)
}

func auditEntry(actorID, action, projectID string, meta map[string]interface{}) *model.AuditLog {
	a := &model.AuditLog{ActorID: actorID, Action: action, EntityType: "PROJECT", EntityID: projectID}
	if b, err := json.Marshal(meta); err == nil {
		a.Metadata = datatypes.JSON(b)
	}
	return a
}
