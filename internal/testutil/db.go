// Package testutil provides shared database fixtures for package tests.
package testutil

import (
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens a private in-memory sqlite database with every model migrated.
// A single connection keeps writers serialized the way row locks would.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("testutil: open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("testutil: sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(model.All()...); err != nil {
		t.Fatalf("testutil: migrate: %v", err)
	}
	return db
}

// PGTest opens the database named by POSTGRES_URL, migrates it and wipes
// application tables on cleanup. Without POSTGRES_URL the test is skipped.
func PGTest(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.AutoMigrate(model.All()...); err != nil {
		t.Fatalf("pgtest: migrate: %v", err)
	}
	t.Cleanup(func() {
		for _, m := range model.All() {
			stmt := &gorm.Statement{DB: db}
			if err := stmt.Parse(m); err == nil {
				db.Exec("TRUNCATE TABLE " + stmt.Schema.Table + " CASCADE")
			}
		}
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// Log is a no-op logger for tests.
func Log() *zap.SugaredLogger { return zap.NewNop().Sugar() }

// SeedWallet creates a wallet for userID holding balance.
func SeedWallet(t *testing.T, db *gorm.DB, userID string, balance int64) *model.Wallet {
	t.Helper()
	w := &model.Wallet{UserID: userID, Balance: decimal.NewFromInt(balance), Currency: "KES"}
	if err := db.Create(w).Error; err != nil {
		t.Fatalf("testutil: seed wallet: %v", err)
	}
	return w
}

// Wallet reloads the wallet of userID.
func Wallet(t *testing.T, db *gorm.DB, userID string) model.Wallet {
	t.Helper()
	var w model.Wallet
	if err := db.Where("user_id = ?", userID).First(&w).Error; err != nil {
		t.Fatalf("testutil: load wallet: %v", err)
	}
	return w
}

// D parses a decimal literal.
func D(s string) decimal.Decimal { return decimal.RequireFromString(s) }
