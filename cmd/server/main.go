package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
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
	"github.com/richardliu001/bridge-wallet/internal/model"
	"github.com/richardliu001/bridge-wallet/internal/provider"
	"github.com/richardliu001/bridge-wallet/internal/reconcile"
	"github.com/richardliu001/bridge-wallet/internal/refund"
	"github.com/richardliu001/bridge-wallet/internal/repo"
	"github.com/richardliu001/bridge-wallet/internal/service"
	httptransport "github.com/richardliu001/bridge-wallet/internal/transport/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger("server")
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(model.All()...); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	defer kw.Close()

	// 6. provider rails
	breaker := provider.NewBreaker(cfg.Provider.BreakerWindow, cfg.Provider.BreakerThreshold, cfg.Provider.BreakerOpenFor)
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
	}, log,
		provider.WithBreaker(breaker),
		provider.WithStrategyCache(provider.NewStrategyCache(cfg.Provider.StrategyTTL)),
	)

	// 7. repo & services
	repository := repo.NewRepository(gdb, rdb, kw, log).WithTxTimeout(cfg.Ledger.TxTimeout)
	fees := fee.NewEngine(gdb)
	wallet := service.NewWalletService(repository, fees, ledger.New(cfg.Ledger.Currency), dispatcher, log,
		service.Options{Currency: cfg.Ledger.Currency, ResultURL: cfg.Provider.ResultURL})
	projects := escrow.New(repository, wallet, log)
	recon := reconcile.New(repository, wallet, projects, dispatcher, log)
	wallet.SetApplier(recon)

	// 8. gin router
	gin.SetMode(gin.ReleaseMode)
	h := httptransport.NewHandler(httptransport.Deps{
		Wallet: wallet, Escrow: projects, Refunds: refund.New(repository, log), Reconcile: recon,
		Fees: fees, Breaker: breaker,
	}, log)
	router, err := httptransport.NewRouter(h, httptransport.RouterConfig{
		TrustedProxies: cfg.Server.TrustedProxies,
		RateLimit:      cfg.RateLimit,
		Webhook:        cfg.Webhook,
		Idempotent:     cfg.Idempotency.Endpoints,
		Idempotency:    idempotency.NewGuard(gdb, cfg.Idempotency.TTL, log),
	}, log)
	if err != nil {
		log.Fatalf("build router: %v", err)
	}

	// 9. serve until signalled
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("bridge-wallet server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("serve: %v", err)
	}
	log.Info("server stopped")
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}
