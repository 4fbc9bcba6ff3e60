package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
)

func (s *Scheduler) momoProviders(ctx context.Context) ([]models.Provider, error) {
	all, err := s.ledger.Registry().ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active providers: %w", err)
	}
	out := all[:0]
	for _, p := range all {
		if p.Kind == models.ProviderKindMomo {
			out = append(out, p)
		}
	}
	return out, nil
}

// ExpireStale moves open transactions past the provider's expiry window to
// expired. A transaction reopened by a retry gets a fresh window.
func (s *Scheduler) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	providers, err := s.momoProviders(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range providers {
		p := &providers[i]
		cutoff := now.Add(-p.ExpiryWindow())
		txs, err := s.ledger.Repositories().MomoTransaction.FindOpenCreatedBefore(ctx, p.ID, cutoff)
		if err != nil {
			return expired, fmt.Errorf("failed to load open transactions for %s: %w", p.Code, err)
		}
		for _, tx := range txs {
			updated, err := s.ledger.ApplyMomo(ctx, tx.ID, func(t *models.MomoTransaction) (bool, error) {
				if t.IsFinal() || !t.CreatedAt.Before(cutoff) {
					return false, nil
				}
				if t.LastRetryAt != nil && !t.LastRetryAt.Before(cutoff) {
					return false, nil
				}
				return t.MarkExpired(now)
			})
			if errors.Is(err, ledger.ErrStaleState) {
				continue
			}
			if err != nil {
				log.Errorf("[Retry] Failed to expire %s: %v", tx.TransactionNumber, err)
				continue
			}
			if updated.Status == models.MomoStatusExpired && tx.Status != models.MomoStatusExpired {
				expired++
			}
		}
	}
	if expired > 0 {
		log.Infof("[Retry] Expired %d stale transactions", expired)
	}
	return expired, nil
}

// PollProcessing asks the provider about processing transactions whose
// callback has not arrived within the retry delay.
func (s *Scheduler) PollProcessing(ctx context.Context, now time.Time) (int, error) {
	providers, err := s.momoProviders(ctx)
	if err != nil {
		return 0, err
	}
	polled := 0
	for i := range providers {
		p := &providers[i]
		txs, err := s.ledger.Repositories().MomoTransaction.FindProcessing(ctx, p.ID)
		if err != nil {
			return polled, fmt.Errorf("failed to load processing transactions for %s: %w", p.Code, err)
		}
		for _, tx := range txs {
			if tx.SubmittedAt != nil && now.Before(tx.SubmittedAt.Add(p.RetryDelay())) {
				continue
			}
			if ctx.Err() != nil {
				return polled, ctx.Err()
			}
			polled++
			if _, err := s.submitter.PollStatus(ctx, tx.ID); err != nil && !isRecorded(err) {
				log.Warnf("[Retry] Status poll for %s failed: %v", tx.TransactionNumber, err)
			}
		}
	}
	return polled, nil
}

// Tasks returns the periodic sweeps for the job queue manager.
func (s *Scheduler) Tasks(settings func() *models.AppSettings) []jobqueue.PeriodicTask {
	retryInterval := func() time.Duration { return currentSettings(settings).GetRetrySweepInterval() }
	expiryInterval := func() time.Duration { return currentSettings(settings).GetExpirySweepInterval() }
	return []jobqueue.PeriodicTask{
		{
			Name:     "retry_sweep",
			Interval: retryInterval,
			Run: func(ctx context.Context) error {
				now := s.ledger.Now()
				var errs []error
				for _, kind := range []Kind{KindMomo, KindZra} {
					if _, err := s.RunDue(ctx, kind, now); err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", kind, err))
					}
				}
				return errors.Join(errs...)
			},
		},
		{
			Name:     "expiry_sweep",
			Interval: expiryInterval,
			Run: func(ctx context.Context) error {
				_, err := s.ExpireStale(ctx, s.ledger.Now())
				return err
			},
		},
		{
			Name:     "status_poll",
			Interval: retryInterval,
			Run: func(ctx context.Context) error {
				_, err := s.PollProcessing(ctx, s.ledger.Now())
				return err
			},
		},
	}
}

func currentSettings(settings func() *models.AppSettings) *models.AppSettings {
	if settings != nil {
		if s := settings(); s != nil {
			return s
		}
	}
	return models.DefaultAppSettings()
}
