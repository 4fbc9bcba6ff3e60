package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/providers"
)

// RegisterJobs binds the reconciliation job type to this engine.
func (e *Engine) RegisterJobs(q *jobqueue.Queue) {
	q.Handle(jobqueue.JobTypeReconciliationRun, e.handleRun)
}

// Enqueue schedules a background run and returns the job id.
func Enqueue(ctx context.Context, q *jobqueue.Queue, payload jobqueue.ReconciliationJobPayload) (string, error) {
	if !payload.PeriodStart.Before(payload.PeriodEnd) {
		return "", fmt.Errorf("%w: %s - %s", ErrInvalidWindow, payload.PeriodStart, payload.PeriodEnd)
	}
	job, err := q.Enqueue(ctx, jobqueue.JobTypeReconciliationRun, payload.ToMap(), audit.CorrelationID(ctx))
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (e *Engine) handleRun(ctx context.Context, job *jobqueue.Job) error {
	payload, err := jobqueue.ReconciliationJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", jobqueue.ErrPermanent, err)
	}
	if job.CorrelationID != "" {
		ctx = audit.WithCorrelationID(ctx, job.CorrelationID)
	}
	summary, err := e.RunForProvider(ctx, payload.ProviderID, payload.PeriodStart, payload.PeriodEnd, payload.RunBy)
	switch {
	case errors.Is(err, ErrInvalidWindow), errors.Is(err, ErrNotMomo), errors.Is(err, providers.ErrProviderNotFound):
		return fmt.Errorf("%w: %v", jobqueue.ErrPermanent, err)
	case err != nil:
		return err
	}
	log.Infof("[JobQueue] Reconciliation job %s finished batch %d", job.ID, summary.ReconciliationID)
	return nil
}

// DailyTask runs yesterday's window for every active MoMo provider once per
// day, at the configured hour.
func (e *Engine) DailyTask() jobqueue.PeriodicTask {
	var (
		mu      sync.Mutex
		lastDay string
	)
	return jobqueue.PeriodicTask{
		Name:     "daily_reconciliation",
		Interval: func() time.Duration { return 15 * time.Minute },
		Run: func(ctx context.Context) error {
			settings := e.appSettings()
			if !settings.IsReconciliationEnabled() {
				return nil
			}
			now := e.ledger.Now()
			if now.Hour() < settings.GetReconciliationHour() {
				return nil
			}
			day := now.Format("2006-01-02")
			mu.Lock()
			if lastDay == day {
				mu.Unlock()
				return nil
			}
			lastDay = day
			mu.Unlock()

			to := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
			return e.RunAll(ctx, to.AddDate(0, 0, -1), to)
		},
	}
}

// RunAll reconciles [from, to) for every active MoMo provider.
func (e *Engine) RunAll(ctx context.Context, from, to time.Time) error {
	active, err := e.ledger.Registry().ListActive(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range active {
		if p.Kind != models.ProviderKindMomo {
			continue
		}
		if _, err := e.RunForProvider(ctx, p.ID, from, to, nil); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Code, err))
		}
	}
	return errors.Join(errs...)
}
