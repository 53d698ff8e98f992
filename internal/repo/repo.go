package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/richardliu001/bridge-wallet/internal/apperr"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInsufficientFunds is returned when wallet balance is not enough.
var ErrInsufficientFunds = apperr.ErrInsufficientFunds

const balanceTTL = 5 * time.Minute

// RepositoryInterface restricts Repo methods used by the services.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error)
	UpdateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet, oldVersion uint64) error
	ApplyWalletDelta(ctx context.Context, tx *gorm.DB, userID string, d WalletDelta) (*model.Wallet, error)
	CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	GetTransaction(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error)
	GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error)
	FindTransactionByReference(ctx context.Context, ref string) (*model.Transaction, error)
	FindTransactionByMeta(ctx context.Context, value string, path ...string) (*model.Transaction, error)
	TransitionTransaction(ctx context.Context, tx *gorm.DB, id, from, to string, meta *model.TxMetadata) (bool, error)
	MergeTransactionMeta(ctx context.Context, tx *gorm.DB, id string, fn MetaMerge) (*model.TxMetadata, error)
	ListTransactions(ctx context.Context, userID string, f HistoryFilter) ([]model.Transaction, int64, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]model.Transaction, error)
	Notify(ctx context.Context, tx *gorm.DB, n *model.Notification) error
	Audit(ctx context.Context, tx *gorm.DB, a *model.AuditLog)
	PollNotifications(ctx context.Context, limit int) ([]model.Notification, error)
	MarkNotificationPublished(ctx context.Context, id uint64) error
	PublishNotification(ctx context.Context, n model.Notification) error
	CacheBalance(ctx context.Context, userID string, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	InvalidateBalance(ctx context.Context, userIDs ...string)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db        *gorm.DB
	rdb       *redis.Client
	writer    *kafka.Writer
	log       *zap.SugaredLogger
	txTimeout time.Duration
}

// NewRepository constructs repo. rdb and w may be nil; caching and
// publishing are then disabled.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger, txTimeout: 10 * time.Second}
}

// WithTxTimeout overrides the unit-of-work deadline.
func (r *Repository) WithTxTimeout(d time.Duration) *Repository {
	if d > 0 {
		r.txTimeout = d
	}
	return r
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// InTx runs fn as one serializable unit of work bounded by the tx timeout.
// Serialization failures surface as apperr.ErrConcurrencyConflict.
func (r *Repository) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.txTimeout)
	defer cancel()

	var opts []*sql.TxOptions
	// sqlite serializes writers on its own and rejects explicit levels in some builds
	if r.db.Dialector.Name() == "postgres" {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	err := r.db.WithContext(ctx).Transaction(fn, opts...)
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return apperr.ErrConcurrencyConflict.Wrap(err)
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return apperr.ErrConcurrencyConflict.WithMessage("operation timed out, please retry").Wrap(err)
	}
	return err
}

// GetWallet reads without locking.
func (r *Repository) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// GetWalletForUpdate locks wallet row.
func (r *Repository) GetWalletForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// UpdateWallet with optimistic lock.
func (r *Repository) UpdateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", w.ID, oldVersion).
		Updates(map[string]interface{}{
			"balance":         w.Balance,
			"pending_balance": w.PendingBalance,
			"escrow_balance":  w.EscrowBalance,
			"version":         oldVersion + 1,
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrConcurrencyConflict
	}
	w.Version = oldVersion + 1
	return nil
}

// WalletDelta is a signed change applied to one wallet.
type WalletDelta struct {
	Balance decimal.Decimal
	Pending decimal.Decimal
	Escrow  decimal.Decimal
}

// ApplyWalletDelta locks the wallet, refuses any change that would leave a
// bucket negative and writes the result under the version guard.
func (r *Repository) ApplyWalletDelta(ctx context.Context, tx *gorm.DB, userID string, d WalletDelta) (*model.Wallet, error) {
	w, err := r.GetWalletForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	oldVersion := w.Version
	w.Balance = w.Balance.Add(d.Balance)
	w.PendingBalance = w.PendingBalance.Add(d.Pending)
	w.EscrowBalance = w.EscrowBalance.Add(d.Escrow)
	if w.Balance.IsNegative() || w.EscrowBalance.IsNegative() || w.PendingBalance.IsNegative() {
		return nil, ErrInsufficientFunds
	}
	if err := r.UpdateWallet(ctx, tx, w, oldVersion); err != nil {
		return nil, err
	}
	return w, nil
}

// CreateWallet inserts the wallet unless the user already has one; w is
// filled with the stored row either way.
func (r *Repository) CreateWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error {
	return tx.WithContext(ctx).Where(model.Wallet{UserID: w.UserID}).FirstOrCreate(w).Error
}

// CreateTransaction inserts record.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

func (r *Repository) GetTransaction(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error) {
	if tx == nil {
		tx = r.db
	}
	var t model.Transaction
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

// GetTransactionForUpdate locks the transaction row.
func (r *Repository) GetTransactionForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.Transaction, error) {
	var t model.Transaction
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *Repository) FindTransactionByReference(ctx context.Context, ref string) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).Where("reference = ?", ref).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

// FindTransactionByMeta looks a transaction up by a value nested in its
// metadata, e.g. ("abc", "lemonade", "transaction_id").
func (r *Repository) FindTransactionByMeta(ctx context.Context, value string, path ...string) (*model.Transaction, error) {
	var t model.Transaction
	err := r.db.WithContext(ctx).
		Where(datatypes.JSONQuery("metadata").Equals(value, path...)).
		Order("created_at DESC").
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

// TransitionTransaction moves a transaction from one status to another
// only if it is still in the expected status. false means another writer
// got there first.
func (r *Repository) TransitionTransaction(ctx context.Context, tx *gorm.DB, id, from, to string, meta *model.TxMetadata) (bool, error) {
	updates := map[string]interface{}{"status": to, "updated_at": time.Now()}
	if meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return false, err
		}
		updates["metadata"] = datatypes.JSON(b)
	}
	res := tx.WithContext(ctx).Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MetaMerge edits the stored metadata of row in place and reports whether
// anything should be written.
type MetaMerge func(row *model.Transaction, meta *model.TxMetadata) bool

// MergeTransactionMeta re-reads the row under lock, applies fn to what is
// stored and writes the result, so concurrent writers never overwrite each
// other. Metadata that cannot be decoded is left untouched and reported.
// A nil tx runs the merge in its own unit. It returns the metadata as stored.
func (r *Repository) MergeTransactionMeta(ctx context.Context, tx *gorm.DB, id string, fn MetaMerge) (*model.TxMetadata, error) {
	var out *model.TxMetadata
	merge := func(tx *gorm.DB) error {
		row, err := r.GetTransactionForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		meta, err := row.DecodeMeta()
		if err != nil {
			return err
		}
		out = &meta
		if !fn(row, &meta) {
			return nil
		}
		b, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.WithContext(ctx).Model(&model.Transaction{}).Where("id = ?", id).
			Updates(map[string]interface{}{"metadata": datatypes.JSON(b), "updated_at": time.Now()}).Error
	}
	var err error
	if tx != nil {
		err = merge(tx)
	} else {
		err = r.InTx(ctx, merge)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HistoryFilter narrows ListTransactions.
type HistoryFilter struct {
	Type   string
	Status string
	Since  time.Time
	Limit  int
	Offset int
}

// ListTransactions returns the user's transactions, newest first, and the total count.
func (r *Repository) ListTransactions(ctx context.Context, userID string, f HistoryFilter) ([]model.Transaction, int64, error) {
	q := r.db.WithContext(ctx).Model(&model.Transaction{}).
		Where("from_user_id = ? OR to_user_id = ?", userID, userID)
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	var txs []model.Transaction
	err := q.Order("created_at DESC").Limit(f.Limit).Offset(f.Offset).Find(&txs).Error
	return txs, total, err
}

// ListStalePending returns provider-backed transactions still PENDING after olderThan.
func (r *Repository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.StatusPending, olderThan).
		Where("type IN ?", []string{model.TxDeposit, model.TxPayment, model.TxWithdrawal, model.TxEscrowLock}).
		Order("created_at").Limit(limit).Find(&txs).Error
	return txs, err
}

// Notify writes a notification inside the caller's unit of work.
func (r *Repository) Notify(ctx context.Context, tx *gorm.DB, n *model.Notification) error {
	return tx.WithContext(ctx).Create(n).Error
}

// Audit writes an audit row behind a savepoint so a failed insert cannot
// poison the surrounding transaction.
func (r *Repository) Audit(ctx context.Context, tx *gorm.DB, a *model.AuditLog) {
	const sp = "audit_log"
	if err := tx.SavePoint(sp).Error; err != nil {
		r.log.Warnw("audit savepoint", "err", err)
		return
	}
	if err := tx.WithContext(ctx).Create(a).Error; err != nil {
		r.log.Warnw("audit log skipped", "action", a.Action, "entity", a.EntityID, "err", err)
		tx.RollbackTo(sp)
	}
}

// PollNotifications pulls unpublished notifications.
func (r *Repository) PollNotifications(ctx context.Context, limit int) ([]model.Notification, error) {
	var ns []model.Notification
	err := r.db.WithContext(ctx).Where("published_at IS NULL").Order("id").Limit(limit).Find(&ns).Error
	return ns, err
}

// MarkNotificationPublished sets the published timestamp.
func (r *Repository) MarkNotificationPublished(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.Notification{}).Where("id = ?", id).
		Update("published_at", &now).Error
}

// PublishNotification sends to Kafka, keyed by user so a user's events stay ordered.
func (r *Repository) PublishNotification(ctx context.Context, n model.Notification) error {
	if r.writer == nil {
		return errors.New("kafka writer not configured")
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(n.UserID),
		Value: payload,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Type)},
			{Key: "notification_id", Value: []byte(fmt.Sprintf("%d", n.ID))},
		},
	}
	return r.writer.WriteMessages(ctx, msg)
}

func balanceKey(userID string) string { return "balance:" + userID }

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, userID string, bal decimal.Decimal) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Set(ctx, balanceKey(userID), bal.String(), balanceTTL).Err()
}

// GetCachedBalance reads Redis. redis.Nil means a miss.
func (r *Repository) GetCachedBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if r.rdb == nil {
		return decimal.Zero, redis.Nil
	}
	str, err := r.rdb.Get(ctx, balanceKey(userID)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}

// InvalidateBalance drops cached balances after a commit.
func (r *Repository) InvalidateBalance(ctx context.Context, userIDs ...string) {
	if r.rdb == nil || len(userIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, balanceKey(id))
	}
	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		r.log.Warnw("balance cache invalidate", "users", userIDs, "err", err)
	}
}
