package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/richardliu001/bridge-wallet/internal/config"
	"github.com/richardliu001/bridge-wallet/internal/escrow"
	"github.com/richardliu001/bridge-wallet/internal/fee"
	"github.com/richardliu001/bridge-wallet/internal/idempotency"
	"github.com/richardliu001/bridge-wallet/internal/ledger"
	"github.com/richardliu001/bridge-wallet/internal/logger"
	"github.com/richardliu001/bridge-wallet/internal/provider"
	"github.com/richardliu001/bridge-wallet/internal/reconcile"
	"github.com/richardliu001/bridge-wallet/internal/repo"
	"github.com/richardliu001/bridge-wallet/internal/service"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

const (
	recheckEvery = time.Minute
	cleanupEvery = time.Hour
)

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger("poller")
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	defer kw.Close()

	repository := repo.NewRepository(gdb, rdb, kw, log).WithTxTimeout(cfg.Ledger.TxTimeout)
	dispatcher := provider.NewDispatcher(provider.Config{
		BaseURL:         cfg.Provider.BaseURL,
		ConsumerKey:     cfg.Provider.ConsumerKey,
		ConsumerSecret:  cfg.Provider.ConsumerSecret,
		WalletNo:        cfg.Provider.WalletNo,
		RelayURL:        cfg.Provider.RelayURL,
		RelayKey:        cfg.Provider.RelayKey,
		PreferRelay:     cfg.Provider.PreferRelay,
		CallTimeout:     cfg.Provider.CallTimeout,
		AttemptTimeout:  cfg.Provider.DiscoveryTimeout,
		DiscoveryBudget: cfg.Provider.DiscoveryBudget,
	}, log, provider.WithBreaker(provider.NewBreaker(cfg.Provider.BreakerWindow, cfg.Provider.BreakerThreshold, cfg.Provider.BreakerOpenFor)))
	wallet := service.NewWalletService(repository, fee.NewEngine(gdb), ledger.New(cfg.Ledger.Currency), dispatcher, log,
		service.Options{Currency: cfg.Ledger.Currency, ResultURL: cfg.Provider.ResultURL})
	recon := reconcile.New(repository, wallet, escrow.New(repository, wallet, log), dispatcher, log)
	wallet.SetApplier(recon)
	guard := idempotency.NewGuard(gdb, cfg.Idempotency.TTL, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(cfg.Poller.Interval)
	defer ticker.Stop()
	var lastRecheck, lastCleanup time.Time

	log.Info("bridge-wallet poller started")
	for {
		select {
		case <-ctx.Done():
			log.Info("poller stopped")
			return
		case now := <-ticker.C:
			publishNotifications(ctx, repository, cfg.Poller.BatchSize, log)
			if now.Sub(lastRecheck) >= recheckEvery {
				lastRecheck = now
				n, err := recon.Recheck(ctx, cfg.Poller.PendingAfter, cfg.Poller.BatchSize)
				if err != nil {
					log.Errorf("recheck pending: %v", err)
				} else if n > 0 {
					log.Infof("recheck settled %d transactions", n)
				}
			}
			if now.Sub(lastCleanup) >= cleanupEvery {
				lastCleanup = now
				n, err := guard.Cleanup(ctx)
				if err != nil {
					log.Errorf("idempotency cleanup: %v", err)
				} else {
					log.Infof("idempotency cleanup removed %d keys", n)
				}
			}
		}
	}
}

// publishNotifications drains the notification outbox to Kafka.
func publishNotifications(ctx context.Context, r *repo.Repository, batch int, log *zap.SugaredLogger) {
	ns, err := r.PollNotifications(ctx, batch)
	if err != nil {
		log.Errorf("poll notifications: %v", err)
		return
	}
	for _, n := range ns {
		if err := r.PublishNotification(ctx, n); err != nil {
			log.Errorf("publish id=%d: %v", n.ID, err)
			continue
		}
		if err := r.MarkNotificationPublished(ctx, n.ID); err != nil {
			log.Errorf("mark published id=%d: %v", n.ID, err)
		} else {
			log.Debugf("notification %d sent", n.ID)
		}
	}
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}
