// Package worker runs the periodic jobs of the transfer core: the due
// scheduled transfer sweep and the archival batch.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("worker")

// Job is one periodic task. Run is invoked once at start and then every Interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// DueTransferProcessor executes scheduled transfers that are due at now.
type DueTransferProcessor interface {
	ProcessDueTransfers(ctx context.Context, now time.Time) (*domain.SweepResult, error)
}

// ArchivalRunner moves retention-expired transactions into the archive.
type ArchivalRunner interface {
	RunArchival(ctx context.Context) (*domain.ArchivalResult, error)
}

// DueTransfersJob wraps the scheduled transfer sweep.
// The sweep logs its own summary.
func DueTransfersJob(p DueTransferProcessor, interval time.Duration, now func() time.Time) Job {
	return Job{
		Name:     "scheduled-transfers",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := p.ProcessDueTransfers(ctx, now())
			return err
		},
	}
}

// ArchivalJob wraps the archival batch.
func ArchivalJob(a ArchivalRunner, interval time.Duration, logger *zap.Logger) Job {
	return Job{
		Name:     "archival",
		Interval: interval,
		Run: func(ctx context.Context) error {
			result, err := a.RunArchival(ctx)
			if err != nil {
				return err
			}
			logger.Info("archival finished",
				zap.String("status", string(result.Status)),
				zap.Int("archived", result.ArchivedCount),
				zap.Int("batches", result.Batches),
			)
			return nil
		},
	}
}

// Runner drives a set of jobs until its context is cancelled.
type Runner struct {
	jobs   []Job
	logger *zap.Logger
}

// NewRunner creates a Runner. Jobs with a non-positive interval are skipped.
func NewRunner(logger *zap.Logger, jobs ...Job) *Runner {
	active := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Interval <= 0 {
			logger.Info("job disabled", zap.String("job", j.Name))
			continue
		}
		active = append(active, j)
	}
	return &Runner{jobs: active, logger: logger}
}

// Run blocks until ctx is cancelled. A failing tick is logged and the job
// keeps its schedule; Run itself only returns nil.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.jobs) == 0 {
		<-ctx.Done()
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, j := range r.jobs {
		j := j
		g.Go(func() error {
			r.loop(ctx, j)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, j Job) {
	r.logger.Info("job started", zap.String("job", j.Name), zap.Duration("interval", j.Interval))
	defer r.logger.Info("job stopped", zap.String("job", j.Name))

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	r.tick(ctx, j)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// ticker and cancellation may both be ready
			if ctx.Err() != nil {
				return
			}
			r.tick(ctx, j)
		}
	}
}

func (r *Runner) tick(ctx context.Context, j Job) {
	ctx, span := tracer.Start(ctx, "worker."+j.Name)
	defer span.End()

	start := time.Now()
	err := r.safeRun(ctx, j)
	span.SetAttributes(attribute.Int64("job.duration_ms", time.Since(start).Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("job run failed", zap.String("job", j.Name), zap.Error(err))
	}
}

func (r *Runner) safeRun(ctx context.Context, j Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Name, rec)
		}
	}()
	return j.Run(ctx)
}
