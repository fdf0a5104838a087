package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/config"
	"github.com/boddenberg/pj-transfer-core/internal/handler"
	"github.com/boddenberg/pj-transfer-core/internal/infra/cache"
	"github.com/boddenberg/pj-transfer-core/internal/infra/client"
	"github.com/boddenberg/pj-transfer-core/internal/infra/events"
	"github.com/boddenberg/pj-transfer-core/internal/infra/lock"
	"github.com/boddenberg/pj-transfer-core/internal/infra/memory"
	"github.com/boddenberg/pj-transfer-core/internal/infra/observability"
	"github.com/boddenberg/pj-transfer-core/internal/infra/postgres"
	"github.com/boddenberg/pj-transfer-core/internal/infra/resilience"
	"github.com/boddenberg/pj-transfer-core/internal/port"
	"github.com/boddenberg/pj-transfer-core/internal/service"
	"github.com/boddenberg/pj-transfer-core/internal/worker"

	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type stores struct {
	txs       port.TransactionStore
	scheduled port.ScheduledTransferStore
	splits    port.SplitBillStore
	archive   port.ArchivalStore
}

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("use_postgres", cfg.UsePostgres),
		zap.Bool("kafka_enabled", len(cfg.KafkaBrokers) > 0),
		zap.Bool("redis_enabled", cfg.RedisAddr != ""),
		zap.Duration("rail_timeout", cfg.RailTimeout),
		zap.Duration("scheduler_interval", cfg.SchedulerInterval),
		zap.Bool("archival_enabled", cfg.ArchivalEnabled),
		zap.Int("archival_retention_months", cfg.ArchivalRetentionMonths),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, observability.ServiceName)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	var checks []handler.HealthCheck

	// --- Persistence ---
	var st stores
	if cfg.UsePostgres {
		db, err := postgres.NewDB(ctx, cfg.DatabaseURL, cfg.MaxOpenConns)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer db.Close()

		if err := postgres.Migrate(ctx, db); err != nil {
			logger.Fatal("failed to migrate schema", zap.Error(err))
		}

		st = postgresStores(db)
		checks = append(checks, handler.HealthCheck{Name: "postgres", Check: db.PingContext})
		logger.Info("using postgres as transfer store")
	} else {
		txs := memory.NewTransactionStore()
		st = stores{
			txs:       txs,
			scheduled: memory.NewScheduledTransferStore(),
			splits:    memory.NewSplitBillStore(),
			archive:   memory.NewArchiveStore(txs),
		}
		logger.Warn("using in-memory stores, data is lost on restart")
	}

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	// --- Clients ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	wallet := client.NewWalletClient(httpClient, cfg.WalletAPIURL, resilience.NewCircuitBreaker("wallet", logger), resilienceCfg)
	bifast := client.NewBifastClient(httpClient, cfg.BifastAPIURL, resilience.NewCircuitBreaker("bifast", logger), resilience.NewBulkhead(cfg.MaxConcurrency))
	qris := client.NewQrisClient(httpClient, cfg.QrisAPIURL, resilience.NewCircuitBreaker("qris", logger))

	// --- Cache ---
	accountCache := cache.New[string](cfg.AccountCacheTTL)
	defer accountCache.Close()
	accounts := service.NewCachedAccountResolver(wallet, accountCache)

	// --- Events ---
	var publisher interface {
		port.EventPublisher
		Close() error
	}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		logger.Info("publishing events to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	} else {
		publisher = events.NewLogPublisher(logger)
	}
	defer publisher.Close()

	// --- Locking ---
	var locker port.Locker
	if cfg.RedisAddr != "" {
		rdb := goredislib.NewClient(&goredislib.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		locker = lock.NewRedisLocker(rdb, logger)
		checks = append(checks, handler.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	} else {
		locker = lock.NewLocalLocker()
		logger.Warn("redis not configured, archival lock is process-local")
	}

	// --- Services ---
	guard := service.NewAuthorizationGuard(st.txs, accounts, logger)
	transferSvc := service.NewTransferService(st.txs, st.archive, wallet, bifast, qris, guard, publisher, cfg.RailTimeout, metrics, logger)
	core := &service.Core{
		Guard:     guard,
		Transfers: transferSvc,
		Scheduled: service.NewScheduledTransferService(st.scheduled, transferSvc, guard, publisher, service.SchedulerConfig{
			BatchSize:   cfg.SchedulerBatchSize,
			ClaimTTL:    cfg.SchedulerClaimTTL,
			Concurrency: cfg.SchedulerConcurrency,
		}, metrics, logger),
		SplitBills: service.NewSplitBillService(st.splits, guard, publisher, metrics, logger),
		Archival: service.NewArchivalService(st.archive, locker, guard, publisher, service.ArchivalConfig{
			Enabled:         cfg.ArchivalEnabled,
			RetentionMonths: cfg.ArchivalRetentionMonths,
			BatchSize:       cfg.ArchivalBatchSize,
			LockTTL:         cfg.ArchivalLockTTL,
		}, metrics, logger),
	}

	// --- Worker ---
	runner := worker.NewRunner(logger,
		worker.DueTransfersJob(core.Scheduled, cfg.SchedulerInterval, time.Now),
		worker.ArchivalJob(core.Archival, cfg.ArchivalInterval, logger),
	)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler.NewRouter(metrics, checks, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runner.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("ops server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})

	// --- Graceful shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("transfer core stopped with error", zap.Error(err))
		return
	}
	logger.Info("transfer core stopped")
}

func postgresStores(db *sql.DB) stores {
	return stores{
		txs:       postgres.NewTransactionStore(db),
		scheduled: postgres.NewScheduledTransferStore(db),
		splits:    postgres.NewSplitBillStore(db),
		archive:   postgres.NewArchiveStore(db),
	}
}
