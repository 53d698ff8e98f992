package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/richardliu001/bridge-wallet/internal/apperr"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/richardliu001/bridge-wallet/internal/repo"
	"github.com/richardliu001/bridge-wallet/internal/service"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var reviewable = []string{model.MilestoneSubmitted, model.MilestoneInReview}

// StartMilestone lets the implementer mark work as begun.
func (s *Service) StartMilestone(ctx context.Context, actor model.Actor, projectID, milestoneID string) error {
	return s.repo.InTx(ctx, func(tx *gorm.DB) error {
		if _, _, err := s.loadForImplementer(ctx, tx, actor, projectID, milestoneID); err != nil {
			return err
		}
		return transitionMilestone(ctx, tx, milestoneID, []string{model.MilestonePending}, model.MilestoneInProgress, nil)
	})
}

// SubmitEvidence records proof of work and hands the milestone to review.
func (s *Service) SubmitEvidence(ctx context.Context, actor model.Actor, projectID, milestoneID string, evidence map[string]interface{}) error {
	if len(evidence) == 0 {
		return apperr.Validation("EVIDENCE_REQUIRED", "evidence required")
	}
	b, err := json.Marshal(evidence)
	if err != nil {
		return apperr.Validation("INVALID_EVIDENCE", err.Error())
	}
	return s.repo.InTx(ctx, func(tx *gorm.DB) error {
		p, m, err := s.loadForImplementer(ctx, tx, actor, projectID, milestoneID)
		if err != nil {
			return err
		}
		now := time.Now()
		if err := transitionMilestone(ctx, tx, milestoneID,
			[]string{model.MilestonePending, model.MilestoneInProgress}, model.MilestoneSubmitted,
			map[string]interface{}{"evidence": datatypes.JSON(b), "submitted_at": &now}); err != nil {
			return err
		}
		return service.Notify(ctx, s.repo, tx, p.OwnerID, "PROJECT", "Evidence Submitted",
			fmt.Sprintf("Milestone %q of %s is ready for review", m.Title, p.Title), nil)
	})
}

// StartReview claims a submitted milestone for the calling reviewer.
func (s *Service) StartReview(ctx context.Context, actor model.Actor, projectID, milestoneID string) error {
	return s.repo.InTx(ctx, func(tx *gorm.DB) error {
		if _, _, err := s.loadForReviewer(ctx, tx, actor, projectID, milestoneID); err != nil {
			return err
		}
		return transitionMilestone(ctx, tx, milestoneID, []string{model.MilestoneSubmitted}, model.MilestoneInReview,
			map[string]interface{}{"verifier_id": actor.ID})
	})
}

// ApproveMilestone releases the milestone amount from the owner's escrow to
// the implementer's balance. A milestone is paid at most once. The project
// completes when every milestone is approved or rejected, and any escrow
// left over goes back to the owner.
func (s *Service) ApproveMilestone(ctx context.Context, actor model.Actor, projectID, milestoneID, notes string) (*model.Transaction, error) {
	var release *model.Transaction
	var p *model.Project
	err := s.repo.InTx(ctx, func(tx *gorm.DB) error {
		var m *model.Milestone
		var err error
		p, m, err = s.loadForReviewer(ctx, tx, actor, projectID, milestoneID)
		if err != nil {
			return err
		}
		if p.ImplementerID == nil {
			return apperr.ErrInvalidState.WithMessage("project has no implementer")
		}
		now := time.Now()
		if err := transitionMilestone(ctx, tx, m.ID, reviewable, model.MilestoneApproved, map[string]interface{}{
			"verifier_id": actor.ID, "verifier_notes": notes, "approved_at": &now,
		}); err != nil {
			return err
		}
		if p.EscrowBalance.LessThan(m.Amount) {
			return apperr.ErrInsufficientFunds.WithMessage("escrow does not cover this milestone")
		}

		implementer := *p.ImplementerID
		if _, err := s.repo.ApplyWalletDelta(ctx, tx, p.OwnerID, repo.WalletDelta{Escrow: m.Amount.Neg()}); err != nil {
			return err
		}
		if _, err := s.repo.ApplyWalletDelta(ctx, tx, implementer, repo.WalletDelta{Balance: m.Amount}); err != nil {
			return err
		}
		p.EscrowBalance = p.EscrowBalance.Sub(m.Amount)
		if err := tx.WithContext(ctx).Model(&model.Project{}).Where("id = ?", p.ID).
			Updates(map[string]interface{}{"escrow_balance": p.EscrowBalance, "updated_at": now}).Error; err != nil {
			return err
		}

		release = &model.Transaction{
			FromUserID: &p.OwnerID, ToUserID: &implementer, Amount: m.Amount, Currency: p.Currency,
			Type: model.TxEscrowRelease, Status: model.StatusSuccess, Reference: service.NewReference("REL"),
			Description: fmt.Sprintf("Milestone %q of %s", m.Title, p.Title),
		}
		if err := release.SetMeta(model.TxMetadata{ProjectID: p.ID, MilestoneID: m.ID}); err != nil {
			return err
		}
		if err := s.repo.CreateTransaction(ctx, tx, release); err != nil {
			return err
		}
		if err := service.Notify(ctx, s.repo, tx, implementer, "PAYMENT", "Milestone Approved",
			fmt.Sprintf("%s %s released for milestone %q", p.Currency, m.Amount.StringFixed(2), m.Title), release); err != nil {
			return err
		}
		return s.completeIfDone(ctx, tx, p)
	})
	if err != nil {
		return nil, err
	}
	s.repo.InvalidateBalance(ctx, p.OwnerID, *p.ImplementerID)
	return release, nil
}

// RejectMilestone records the reviewer's reasons. The milestone amount
// stays in escrow; if this was the last open milestone the project
// completes and the leftover is returned to the owner.
func (s *Service) RejectMilestone(ctx context.Context, actor model.Actor, projectID, milestoneID, reason string) error {
	if reason == "" {
		return apperr.Validation("REASON_REQUIRED", "rejection reason required")
	}
	var p *model.Project
	err := s.repo.InTx(ctx, func(tx *gorm.DB) error {
		var m *model.Milestone
		var err error
		p, m, err = s.loadForReviewer(ctx, tx, actor, projectID, milestoneID)
		if err != nil {
			return err
		}
		if err := transitionMilestone(ctx, tx, m.ID, reviewable, model.MilestoneRejected, map[string]interface{}{
			"verifier_id": actor.ID, "verifier_notes": reason,
		}); err != nil {
			return err
		}
		if p.ImplementerID != nil {
			if err := service.Notify(ctx, s.repo, tx, *p.ImplementerID, "PROJECT", "Milestone Rejected",
				fmt.Sprintf("Milestone %q was rejected: %s", m.Title, reason), nil); err != nil {
				return err
			}
		}
		return s.completeIfDone(ctx, tx, p)
	})
	if err == nil && p != nil {
		s.repo.InvalidateBalance(ctx, p.OwnerID)
	}
	return err
}

// completeIfDone closes an ACTIVE project once no milestone is outstanding.
func (s *Service) completeIfDone(ctx context.Context, tx *gorm.DB, p *model.Project) error {
	var open int64
	err := tx.WithContext(ctx).Model(&model.Milestone{}).
		Where("project_id = ? AND status NOT IN ?", p.ID, []string{model.MilestoneApproved, model.MilestoneRejected}).
		Count(&open).Error
	if err != nil || open > 0 {
		return err
	}
	now := time.Now()
	if err := transitionProject(ctx, tx, p.ID, []string{model.ProjectActive}, model.ProjectCompleted,
		map[string]interface{}{"ended_at": &now}); err != nil {
		return err
	}
	p.Status = model.ProjectCompleted
	if _, err := s.returnEscrow(ctx, tx, p, "Project completed"); err != nil {
		return err
	}
	return service.Notify(ctx, s.repo, tx, p.OwnerID, "PROJECT", "Project Completed",
		"All milestones are settled for project: "+p.Title, nil)
}

func (s *Service) loadForImplementer(ctx context.Context, tx *gorm.DB, actor model.Actor, projectID, milestoneID string) (*model.Project, *model.Milestone, error) {
	p, m, err := loadMilestone(ctx, tx, projectID, milestoneID)
	if err != nil {
		return nil, nil, err
	}
	if p.ImplementerID == nil || *p.ImplementerID != actor.ID {
		return nil, nil, apperr.ErrForbidden
	}
	if p.Status != model.ProjectActive {
		return nil, nil, apperr.ErrInvalidState.WithMessage("project is not active")
	}
	return p, m, nil
}

// loadForReviewer admits the owner and platform verifiers.
func (s *Service) loadForReviewer(ctx context.Context, tx *gorm.DB, actor model.Actor, projectID, milestoneID string) (*model.Project, *model.Milestone, error) {
	p, m, err := loadMilestone(ctx, tx, projectID, milestoneID)
	if err != nil {
		return nil, nil, err
	}
	if p.OwnerID != actor.ID && actor.Role != model.RoleProjectVerifier {
		return nil, nil, apperr.ErrForbidden
	}
	if p.Status != model.ProjectActive {
		return nil, nil, apperr.ErrInvalidState.WithMessage("project is not active")
	}
	return p, m, nil
}

// loadMilestone locks the project first so concurrent reviews of sibling
// milestones serialize on it.
func loadMilestone(ctx context.Context, tx *gorm.DB, projectID, milestoneID string) (*model.Project, *model.Milestone, error) {
	p, err := lockProject(ctx, tx, projectID)
	if err != nil {
		return nil, nil, err
	}
	var m model.Milestone
	err = tx.WithContext(ctx).Where("id = ? AND project_id = ?", milestoneID, projectID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apperr.ErrMilestoneNotFound
		}
		return nil, nil, err
	}
	return p, &m, nil
}

func transitionMilestone(ctx context.Context, tx *gorm.DB, id string, from []string, to string, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": to, "updated_at": time.Now()}
	for k, v := range extra {
		updates[k] = v
	}
	res := tx.WithContext(ctx).Model(&model.Milestone{}).Where("id = ? AND status IN ?", id, from).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return apperr.ErrInvalidState.WithMessage("milestone cannot move to " + to)
	}
	return nil
}
