// Package idempotency makes mutating requests exactly-once per
// (user, endpoint, Idempotency-Key). The database insert against a unique
// index is the mutex; the stored response is replayed on retries.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/richardliu001/bridge-wallet/internal/apperr"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const DefaultTTL = 24 * time.Hour

// Claim is held by the request that won the insert.
type Claim struct {
	ID       uint64
	UserID   string
	Endpoint string
	Key      string
}

// Replay is a previously stored response, returned verbatim.
type Replay struct {
	StatusCode int
	Body       []byte
}

type Guard struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
	log *zap.SugaredLogger
}

func NewGuard(db *gorm.DB, ttl time.Duration, log *zap.SugaredLogger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{db: db, ttl: ttl, now: time.Now, log: log}
}

// Fingerprint hashes the caller, the endpoint and the canonical body.
func Fingerprint(userID, endpoint string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write(canonical(body))
	return hex.EncodeToString(h.Sum(nil))
}

// canonical re-encodes JSON so key order and whitespace do not matter.
func canonical(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return trimmed
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return trimmed
	}
	out, err := json.Marshal(v)
	if err != nil {
		return trimmed
	}
	return out
}

// Begin claims the request. Exactly one of the results is non-nil.
func (g *Guard) Begin(ctx context.Context, userID, endpoint, key string, body []byte) (*Claim, *Replay, error) {
	hash := Fingerprint(userID, endpoint, body)
	db := g.db.WithContext(ctx)

	for attempt := 0; attempt < 2; attempt++ {
		row := model.IdempotencyKey{
			UserID:      userID,
			Endpoint:    endpoint,
			Key:         key,
			RequestHash: hash,
			CreatedAt:   g.now(),
		}
		err := db.Create(&row).Error
		if err == nil {
			return &Claim{ID: row.ID, UserID: userID, Endpoint: endpoint, Key: key}, nil, nil
		}
		if !isDuplicate(err) {
			return nil, nil, err
		}

		var existing model.IdempotencyKey
		err = db.Where("user_id = ? AND endpoint = ? AND idem_key = ?", userID, endpoint, key).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if g.now().Sub(existing.CreatedAt) > g.ttl {
			if err := db.Where("id = ?", existing.ID).Delete(&model.IdempotencyKey{}).Error; err != nil {
				return nil, nil, err
			}
			continue
		}
		if existing.RequestHash != hash {
			return nil, nil, apperr.ErrIdempotencyMismatch
		}
		if existing.StatusCode != nil {
			return nil, &Replay{StatusCode: *existing.StatusCode, Body: existing.Response}, nil
		}
		return nil, nil, apperr.ErrRequestInProgress
	}
	return nil, nil, apperr.ErrRequestInProgress
}

// Complete stores the response produced for a claim.
func (g *Guard) Complete(ctx context.Context, c *Claim, status int, body []byte) error {
	res := g.db.WithContext(ctx).Model(&model.IdempotencyKey{}).
		Where("id = ? AND status_code IS NULL", c.ID).
		Updates(map[string]interface{}{"status_code": status, "response": body})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		g.log.Warnw("idempotency key vanished before completion", "id", c.ID, "endpoint", c.Endpoint)
	}
	return nil
}

// Release drops an unfinished claim so the same key can be retried.
func (g *Guard) Release(ctx context.Context, c *Claim) error {
	return g.db.WithContext(ctx).Where("id = ? AND status_code IS NULL", c.ID).Delete(&model.IdempotencyKey{}).Error
}

// Cleanup deletes keys older than the TTL.
func (g *Guard) Cleanup(ctx context.Context) (int64, error) {
	res := g.db.WithContext(ctx).Where("created_at < ?", g.now().Add(-g.ttl)).Delete(&model.IdempotencyKey{})
	return res.RowsAffected, res.Error
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
