package http

import (
	"encoding/json"
	"time"

	"github.com/richardliu001/bridge-wallet/internal/fee"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/shopspring/decimal"
)

type walletView struct {
	UserID         string          `json:"userId"`
	Balance        decimal.Decimal `json:"balance"`
	PendingBalance decimal.Decimal `json:"pendingBalance"`
	EscrowBalance  decimal.Decimal `json:"escrowBalance"`
	Currency       string          `json:"currency"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func toWallet(w *model.Wallet) walletView {
	return walletView{
		UserID: w.UserID, Balance: w.Balance, PendingBalance: w.PendingBalance,
		EscrowBalance: w.EscrowBalance, Currency: w.Currency, UpdatedAt: w.UpdatedAt,
	}
}

type transactionView struct {
	ID          string           `json:"id"`
	Reference   string           `json:"reference"`
	Type        string           `json:"type"`
	Status      string           `json:"status"`
	FromUserID  *string          `json:"fromUserId,omitempty"`
	ToUserID    *string          `json:"toUserId,omitempty"`
	Amount      decimal.Decimal  `json:"amount"`
	Fee         decimal.Decimal  `json:"fee"`
	FeePayer    string           `json:"feePayer"`
	Currency    string           `json:"currency"`
	Description string           `json:"description,omitempty"`
	RefundOfID  *string          `json:"refundOfId,omitempty"`
	Metadata    model.TxMetadata `json:"metadata"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

func toTransaction(t *model.Transaction) *transactionView {
	if t == nil {
		return nil
	}
	return &transactionView{
		ID: t.ID, Reference: t.Reference, Type: t.Type, Status: t.Status,
		FromUserID: t.FromUserID, ToUserID: t.ToUserID,
		Amount: t.Amount, Fee: t.Fee, FeePayer: t.FeePayer, Currency: t.Currency,
		Description: t.Description, RefundOfID: t.RefundOfID, Metadata: t.Meta(),
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

func toTransactions(rows []model.Transaction) []*transactionView {
	out := make([]*transactionView, 0, len(rows))
	for i := range rows {
		out = append(out, toTransaction(&rows[i]))
	}
	return out
}

// paymentView is the answer to any call that reached the provider.
type paymentView struct {
	Transaction *transactionView `json:"transaction"`
	Quote       fee.Quote        `json:"quote"`
	RedirectURL string           `json:"redirectUrl,omitempty"`
	Mode        string           `json:"providerMode,omitempty"`
}

type milestoneView struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Amount        decimal.Decimal `json:"amount"`
	Position      int             `json:"position"`
	Status        string          `json:"status"`
	Evidence      json.RawMessage `json:"evidence,omitempty"`
	VerifierID    *string         `json:"verifierId,omitempty"`
	VerifierNotes string          `json:"verifierNotes,omitempty"`
	SubmittedAt   *time.Time      `json:"submittedAt,omitempty"`
	ApprovedAt    *time.Time      `json:"approvedAt,omitempty"`
}

type projectView struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"ownerId"`
	ImplementerID *string         `json:"implementerId,omitempty"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	Budget        decimal.Decimal `json:"budget"`
	EscrowBalance decimal.Decimal `json:"escrowBalance"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	EndedAt       *time.Time      `json:"endedAt,omitempty"`
	Milestones    []milestoneView `json:"milestones"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func toProject(p *model.Project) projectView {
	v := projectView{
		ID: p.ID, OwnerID: p.OwnerID, ImplementerID: p.ImplementerID, Title: p.Title,
		Description: p.Description, Budget: p.Budget, EscrowBalance: p.EscrowBalance,
		Currency: p.Currency, Status: p.Status, StartedAt: p.StartedAt, EndedAt: p.EndedAt,
		Milestones: make([]milestoneView, 0, len(p.Milestones)), CreatedAt: p.CreatedAt,
	}
	for _, m := range p.Milestones {
		mv := milestoneView{
			ID: m.ID, Title: m.Title, Amount: m.Amount, Position: m.Position, Status: m.Status,
			VerifierID: m.VerifierID, VerifierNotes: m.VerifierNotes,
			SubmittedAt: m.SubmittedAt, ApprovedAt: m.ApprovedAt,
		}
		if len(m.Evidence) > 0 {
			mv.Evidence = json.RawMessage(m.Evidence)
		}
		v.Milestones = append(v.Milestones, mv)
	}
	return v
}

type platformAccountView struct {
	Currency       string          `json:"currency"`
	FeeRevenue     decimal.Decimal `json:"feeRevenue"`
	PayoutClearing decimal.Decimal `json:"payoutClearing"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}
