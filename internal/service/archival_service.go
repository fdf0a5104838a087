package service

import (
	"context"
	"fmt"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"
	"github.com/boddenberg/pj-transfer-core/internal/infra/observability"
	"github.com/boddenberg/pj-transfer-core/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var archivalTracer = otel.Tracer("service/archival")

const archivalLockKey = "transfer-core:archival"

// ArchivalConfig controls the retention job.
type ArchivalConfig struct {
	Enabled         bool
	RetentionMonths int
	BatchSize       int
	LockTTL         time.Duration
}

// ArchivalService moves terminal transactions older than the retention
// window from the primary store into the archive, one batch at a time.
type ArchivalService struct {
	store   port.ArchivalStore
	locker  port.Locker
	guard   *AuthorizationGuard
	events  eventSink
	cfg     ArchivalConfig
	now     func() time.Time
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewArchivalService creates a new archival batch processor.
func NewArchivalService(
	store port.ArchivalStore,
	locker port.Locker,
	guard *AuthorizationGuard,
	publisher port.EventPublisher,
	cfg ArchivalConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *ArchivalService {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1000
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	return &ArchivalService{
		store:   store,
		locker:  locker,
		guard:   guard,
		events:  eventSink{publisher: publisher, metrics: metrics, logger: logger},
		cfg:     cfg,
		now:     time.Now,
		metrics: metrics,
		logger:  logger,
	}
}

// WithClock replaces the time source used to compute the cutoff.
func (s *ArchivalService) WithClock(now func() time.Time) *ArchivalService {
	s.now = now
	return s
}

// RunArchival performs one archival run. Only one run is active at a time
// across all processes sharing the locker.
//
// Insert and delete are separate steps: a failure between them leaves the
// transaction in both stores, and the next run skips the existing archive
// row and completes the delete.
func (s *ArchivalService) RunArchival(ctx context.Context) (*domain.ArchivalResult, error) {
	ctx, span := archivalTracer.Start(ctx, "ArchivalService.RunArchival")
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.RecordDuration("run_archival", time.Since(start)) }()

	cutoff := s.now().AddDate(0, -s.cfg.RetentionMonths, 0)
	result := &domain.ArchivalResult{CutoffDate: cutoff}

	if !s.cfg.Enabled {
		result.Status = domain.ArchivalStatusDisabled
		s.metrics.IncrArchivalRun(string(result.Status))
		return result, nil
	}

	lease, acquired, err := s.locker.TryLock(ctx, archivalLockKey, s.cfg.LockTTL)
	if err != nil {
		s.metrics.IncrArchivalRun("ERROR")
		return nil, fmt.Errorf("failed to acquire archival lock: %w", err)
	}
	if !acquired {
		s.logger.Info("archival already running elsewhere, skipping")
		result.Status = domain.ArchivalStatusAlreadyRunning
		s.metrics.IncrArchivalRun(string(result.Status))
		return result, nil
	}
	defer func() {
		if err := lease.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release archival lock", zap.Error(err))
		}
	}()

	eligible, err := s.store.CountEligible(ctx, cutoff)
	if err != nil {
		s.metrics.IncrArchivalRun("ERROR")
		return nil, fmt.Errorf("failed to count eligible transactions: %w", err)
	}
	if eligible == 0 {
		result.Status = domain.ArchivalStatusNoTransactions
		s.metrics.IncrArchivalRun(string(result.Status))
		return result, nil
	}

	result.BatchID = uuid.NewString()
	s.logger.Info("archival started",
		zap.String("batch_id", result.BatchID),
		zap.Time("cutoff", cutoff),
		zap.Int("eligible", eligible),
	)

	for {
		moved, fetched, err := s.archiveBatch(ctx, cutoff, result.BatchID)
		if err != nil {
			s.metrics.IncrArchivalRun("ERROR")
			s.logger.Error("archival batch failed",
				zap.String("batch_id", result.BatchID),
				zap.Int("archived_so_far", result.ArchivedCount),
				zap.Error(err),
			)
			return result, err
		}
		if fetched > 0 {
			result.Batches++
			result.ArchivedCount += moved
			s.metrics.AddArchived(moved)
		}
		if fetched < s.cfg.BatchSize {
			break
		}
		// a lapsed lock lets a second runner start on the same rows
		if err := lease.Extend(ctx); err != nil {
			s.metrics.IncrArchivalRun("ERROR")
			s.logger.Error("archival lock lost, aborting",
				zap.String("batch_id", result.BatchID),
				zap.Int("archived_so_far", result.ArchivedCount),
				zap.Error(err),
			)
			return result, fmt.Errorf("failed to extend archival lock: %w", err)
		}
	}

	result.Status = domain.ArchivalStatusCompleted
	s.metrics.IncrArchivalRun(string(result.Status))
	s.events.emit(ctx, domain.EventArchivalCompleted, result.BatchID, *result)

	span.SetAttributes(attribute.Int("archival.count", result.ArchivedCount))
	s.logger.Info("archival completed",
		zap.String("batch_id", result.BatchID),
		zap.Int("archived", result.ArchivedCount),
		zap.Int("batches", result.Batches),
	)
	return result, nil
}

// archiveBatch moves one batch and reports how many rows left the primary
// store and how many were fetched.
func (s *ArchivalService) archiveBatch(ctx context.Context, cutoff time.Time, batchID string) (int, int, error) {
	txs, err := s.store.FindEligible(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to fetch eligible transactions: %w", err)
	}
	if len(txs) == 0 {
		return 0, 0, nil
	}

	archivedAt := s.now()
	rows := make([]domain.TransactionArchive, len(txs))
	ids := make([]string, len(txs))
	for i, tx := range txs {
		rows[i] = domain.NewTransactionArchive(tx, batchID, domain.ArchivalReasonRetentionExpired, archivedAt)
		ids[i] = tx.ID
	}

	inserted, err := s.store.ArchiveTransactions(ctx, rows)
	if err != nil {
		return 0, len(txs), fmt.Errorf("failed to insert archive rows: %w", err)
	}
	if inserted < len(rows) {
		s.logger.Info("archive rows already present, completing earlier run",
			zap.Int("skipped", len(rows)-inserted),
		)
	}

	deleted, err := s.store.DeleteTransactions(ctx, ids)
	if err != nil {
		return 0, len(txs), fmt.Errorf("failed to delete archived transactions: %w", err)
	}
	if deleted == 0 {
		return 0, len(txs), fmt.Errorf("archived %d transactions but deleted none", len(txs))
	}
	return deleted, len(txs), nil
}

// ============================================================
// Queries
// ============================================================

func (s *ArchivalService) GetArchivedTransactions(ctx context.Context, accountID string, page, pageSize int) (*domain.Page[domain.TransactionArchive], error) {
	ctx, span := archivalTracer.Start(ctx, "ArchivalService.GetArchivedTransactions")
	defer span.End()

	if userID, ok := UserIDFromContext(ctx); ok {
		if err := s.guard.VerifyAccountOwnership(ctx, accountID, userID); err != nil {
			return nil, err
		}
	}

	page, pageSize = clampPage(page, pageSize)
	return s.store.FindArchivedByAccountID(ctx, accountID, page, pageSize)
}

func (s *ArchivalService) GetArchivedTransactionsByBatch(ctx context.Context, batchID string) ([]domain.TransactionArchive, error) {
	ctx, span := archivalTracer.Start(ctx, "ArchivalService.GetArchivedTransactionsByBatch")
	defer span.End()

	return s.store.FindArchivedByBatchID(ctx, batchID)
}
