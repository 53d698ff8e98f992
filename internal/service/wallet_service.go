package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/richardliu001/bridge-wallet/internal/apperr"
	"github.com/richardliu001/bridge-wallet/internal/fee"
	"github.com/richardliu001/bridge-wallet/internal/ledger"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/richardliu001/bridge-wallet/internal/provider"
	"github.com/richardliu001/bridge-wallet/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ResponseApplier settles a PENDING transaction from a synchronous provider
// answer. The reconciliation handler implements it.
type ResponseApplier interface {
	ApplyResponse(ctx context.Context, reference string, resp provider.Response) error
}

// Options carries deployment settings the service needs.
type Options struct {
	Currency  string
	ResultURL string
}

// WalletService glues business logic and repository.
type WalletService struct {
	repo     repo.RepositoryInterface
	fees     *fee.Engine
	ledger   *ledger.Ledger
	provider provider.Caller
	applier  ResponseApplier
	opts     Options
	log      *zap.SugaredLogger
}

// NewWalletService returns WalletService.
func NewWalletService(r repo.RepositoryInterface, fees *fee.Engine, l *ledger.Ledger, p provider.Caller, logger *zap.SugaredLogger, opts Options) *WalletService {
	if opts.Currency == "" {
		opts.Currency = fee.DefaultCurrency
	}
	return &WalletService{repo: r, fees: fees, ledger: l, provider: p, log: logger, opts: opts}
}

// SetApplier wires the reconciliation handler in after construction.
func (s *WalletService) SetApplier(a ResponseApplier) { s.applier = a }

// Repo exposes underlying repository.
func (s *WalletService) Repo() repo.RepositoryInterface { return s.repo }

func (s *WalletService) Ledger() *ledger.Ledger { return s.ledger }

// OpenWallet creates the user's wallet, or returns the existing one.
func (s *WalletService) OpenWallet(ctx context.Context, userID, currency string) (*model.Wallet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.Validation("USER_REQUIRED", "user id required")
	}
	if currency == "" {
		currency = s.opts.Currency
	}
	w := &model.Wallet{UserID: userID, Currency: strings.ToUpper(currency)}
	if err := s.repo.CreateWallet(ctx, s.repo.DB(ctx), w); err != nil {
		return nil, err
	}
	return w, nil
}

type TransferRequest struct {
	FromUserID  string
	ToUserID    string
	Amount      decimal.Decimal
	Currency    string
	Description string
}

// Transfer moves money between wallets in one unit. The sender pays the
// WALLET_TRANSFER fee, which goes to platform fee revenue.
func (s *WalletService) Transfer(ctx context.Context, req TransferRequest) (*model.Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.ErrInvalidAmount
	}
	if req.FromUserID == "" || req.ToUserID == "" {
		return nil, apperr.Validation("USER_REQUIRED", "sender and recipient required")
	}
	if req.FromUserID == req.ToUserID {
		return nil, apperr.Validation("SELF_TRANSFER", "cannot transfer to self")
	}
	q, err := s.fees.Quote(ctx, fee.QuoteRequest{
		Flow: fee.FlowWalletTransfer, Method: fee.MethodWallet, Currency: s.currency(req.Currency), Amount: req.Amount,
	})
	if err != nil {
		return nil, err
	}

	deltas := map[string]repo.WalletDelta{
		req.FromUserID: {Balance: q.Total().Neg()},
		req.ToUserID:   {Balance: q.Net()},
	}
	var out *model.Transaction
	err = s.repo.InTx(ctx, func(tx *gorm.DB) error {
		// lock wallets in deterministic order
		for _, id := range sortedKeys(deltas) {
			if _, err := s.repo.ApplyWalletDelta(ctx, tx, id, deltas[id]); err != nil {
				return err
			}
		}
		t := &model.Transaction{
			FromUserID: &req.FromUserID, ToUserID: &req.ToUserID,
			Amount: req.Amount, Fee: q.Fee, FeePayer: q.FeePayer, Currency: q.Currency,
			Type: model.TxTransfer, Status: model.StatusSuccess,
			Reference: NewReference("TRF"), Description: req.Description,
		}
		if err := s.repo.CreateTransaction(ctx, tx, t); err != nil {
			return err
		}
		if err := s.ledger.CreditFeeRevenue(ctx, tx, ledger.Posting{
			Currency: q.Currency, Amount: q.Fee, TransactionID: t.ID, Reference: t.Reference,
		}); err != nil {
			return err
		}
		if err := s.notify(ctx, tx, req.FromUserID, "PAYMENT", "Transfer Sent",
			fmt.Sprintf("%s %s sent", q.Currency, req.Amount.StringFixed(2)), t); err != nil {
			return err
		}
		if err := s.notify(ctx, tx, req.ToUserID, "PAYMENT", "Transfer Received",
			fmt.Sprintf("%s %s received", q.Currency, q.Net().StringFixed(2)), t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.repo.InvalidateBalance(ctx, req.FromUserID, req.ToUserID)
	return out, nil
}

// GetBalance returns current spendable balance, served from cache when warm.
func (s *WalletService) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	bal, err := s.repo.GetCachedBalance(ctx, userID)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, redis.Nil) {
		s.log.Warnw("balance cache read", "user", userID, "err", err)
	}
	w, err := s.repo.GetWallet(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if err := s.repo.CacheBalance(ctx, userID, w.Balance); err != nil {
		s.log.Warn(err)
	}
	return w.Balance, nil
}

// GetWallet returns every sub-balance, bypassing the cache.
func (s *WalletService) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return s.repo.GetWallet(ctx, userID)
}

// GetHistory fetches the user's transactions, newest first.
func (s *WalletService) GetHistory(ctx context.Context, userID string, f repo.HistoryFilter) ([]model.Transaction, int64, error) {
	return s.repo.ListTransactions(ctx, userID, f)
}

func (s *WalletService) currency(c string) string {
	if c == "" {
		return s.opts.Currency
	}
	return strings.ToUpper(c)
}

// notify records a notification for userID inside tx.
func (s *WalletService) notify(ctx context.Context, tx *gorm.DB, userID, typ, title, msg string, t *model.Transaction) error {
	return Notify(ctx, s.repo, tx, userID, typ, title, msg, t)
}

// Notify is shared with the escrow, reconcile and refund packages.
func Notify(ctx context.Context, r repo.RepositoryInterface, tx *gorm.DB, userID, typ, title, msg string, t *model.Transaction) error {
	n := &model.Notification{UserID: userID, Type: typ, Title: title, Message: msg, ActionURL: "/wallet/history"}
	if t != nil {
		b, _ := json.Marshal(map[string]string{"transactionId": t.ID, "reference": t.Reference, "type": t.Type, "status": t.Status})
		n.Metadata = datatypes.JSON(b)
	}
	return r.Notify(ctx, tx, n)
}

// NewReference returns an alphanumeric reference, safe to pass to rails
// that strip punctuation.
func NewReference(prefix string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func sortedKeys(m map[string]repo.WalletDelta) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
