// Package ledger keeps the platform's own books: fee revenue earned and
// funds held in payout clearing while a payout is in flight.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Posting is one movement on a platform account. Postings always run inside
// the caller's transaction.
type Posting struct {
	Currency      string
	Amount        decimal.Decimal
	TransactionID string
	Reference     string
	Metadata      map[string]interface{}
}

type Ledger struct {
	defaultCurrency string
}

func New(defaultCurrency string) *Ledger {
	if defaultCurrency == "" {
		defaultCurrency = "KES"
	}
	return &Ledger{defaultCurrency: defaultCurrency}
}

func (l *Ledger) CreditFeeRevenue(ctx context.Context, tx *gorm.DB, p Posting) error {
	return l.post(ctx, tx, model.AccountFeeRevenue, model.DirectionCredit, model.EntryFeeRevenueCredit, p)
}

func (l *Ledger) DebitFeeRevenue(ctx context.Context, tx *gorm.DB, p Posting) error {
	return l.post(ctx, tx, model.AccountFeeRevenue, model.DirectionDebit, model.EntryFeeRevenueDebit, p)
}

func (l *Ledger) CreditPayoutClearing(ctx context.Context, tx *gorm.DB, p Posting) error {
	return l.post(ctx, tx, model.AccountPayoutClearing, model.DirectionCredit, model.EntryPayoutClearingCredit, p)
}

func (l *Ledger) DebitPayoutClearing(ctx context.Context, tx *gorm.DB, p Posting) error {
	return l.post(ctx, tx, model.AccountPayoutClearing, model.DirectionDebit, model.EntryPayoutClearingDebit, p)
}

var accountColumn = map[string]string{
	model.AccountFeeRevenue:     "fee_revenue",
	model.AccountPayoutClearing: "payout_clearing",
}

// post updates exactly one account column and appends exactly one entry.
// Non-positive amounts are ignored.
func (l *Ledger) post(ctx context.Context, tx *gorm.DB, account, direction, entryType string, p Posting) error {
	if !p.Amount.IsPositive() {
		return nil
	}
	currency := p.Currency
	if currency == "" {
		currency = l.defaultCurrency
	}
	db := tx.WithContext(ctx)

	acct := model.PlatformAccount{Currency: currency, FeeRevenue: decimal.Zero, PayoutClearing: decimal.Zero}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&acct).Error; err != nil {
		return err
	}

	col := accountColumn[account]
	op := "+"
	if direction == model.DirectionDebit {
		op = "-"
	}
	if err := db.Model(&model.PlatformAccount{}).
		Where("currency = ?", currency).
		Updates(map[string]interface{}{
			col:          gorm.Expr(col+" "+op+" ?", p.Amount),
			"updated_at": time.Now(),
		}).Error; err != nil {
		return err
	}

	entry := model.PlatformLedgerEntry{
		Currency:  currency,
		Account:   account,
		Direction: direction,
		Type:      entryType,
		Amount:    p.Amount,
	}
	if p.TransactionID != "" {
		entry.TransactionID = &p.TransactionID
	}
	if p.Reference != "" {
		entry.Reference = &p.Reference
	}
	if len(p.Metadata) > 0 {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return err
		}
		entry.Metadata = datatypes.JSON(b)
	}
	return db.Create(&entry).Error
}

// Account reads the balances for currency; a missing row reads as zero.
func (l *Ledger) Account(ctx context.Context, db *gorm.DB, currency string) (model.PlatformAccount, error) {
	if currency == "" {
		currency = l.defaultCurrency
	}
	var acct model.PlatformAccount
	err := db.WithContext(ctx).Where("currency = ?", currency).Limit(1).Find(&acct).Error
	if acct.Currency == "" {
		acct = model.PlatformAccount{Currency: currency}
	}
	return acct, err
}

// Entries lists the postings linked to one transaction, oldest first.
func (l *Ledger) Entries(ctx context.Context, db *gorm.DB, transactionID string) ([]model.PlatformLedgerEntry, error) {
	var entries []model.PlatformLedgerEntry
	err := db.WithContext(ctx).Where("transaction_id = ?", transactionID).Order("created_at, id").Find(&entries).Error
	return entries, err
}

// NetByTransaction sums credits minus debits for one transaction, optionally
// restricted to a single account.
func (l *Ledger) NetByTransaction(ctx context.Context, db *gorm.DB, transactionID string, account string) (decimal.Decimal, error) {
	entries, err := l.Entries(ctx, db, transactionID)
	if err != nil {
		return decimal.Zero, err
	}
	net := decimal.Zero
	for _, e := range entries {
		if account != "" && e.Account != account {
			continue
		}
		net = net.Add(e.Signed())
	}
	return net, nil
}
