// Package retry re-drives failed MoMo transactions and unaccepted Smart
// Invoices through the submission path, and escalates the ones that ran out
// of attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
)

// Kind selects which entity family a sweep works on.
type Kind string

const (
	KindMomo Kind = "momo"
	KindZra  Kind = "zra"
)

// EscalationReason is stored on entities closed by the scheduler.
const EscalationReason = "max retries exceeded"

var ErrUnknownKind = errors.New("unknown retry kind")

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindMomo, KindZra:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Submitter is the path first attempts take. Retries reuse it unchanged.
type Submitter interface {
	SubmitTransaction(ctx context.Context, id uint) (*models.MomoTransaction, error)
	SubmitInvoice(ctx context.Context, id uint, submittedBy *uint) (*models.ZraSmartInvoice, error)
	PollStatus(ctx context.Context, id uint) (*models.MomoTransaction, error)
}

// Candidate is an entity that may be attempted again once NextEligibleAt passes.
type Candidate struct {
	Kind           Kind      `json:"kind"`
	ID             uint      `json:"id"`
	Reference      string    `json:"reference"`
	Status         string    `json:"status"`
	RetryCount     int       `json:"retry_count"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
}

func (c Candidate) IsDue(now time.Time) bool {
	return !now.Before(c.NextEligibleAt)
}

// RunReport summarizes one sweep.
type RunReport struct {
	Kind      Kind `json:"kind"`
	Due       int  `json:"due"`
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
	Escalated int  `json:"escalated"`
}

type Scheduler struct {
	ledger    *ledger.Service
	submitter Submitter
}

func NewScheduler(l *ledger.Service, submitter Submitter) *Scheduler {
	return &Scheduler{ledger: l, submitter: submitter}
}

// providerCache memoizes provider rows for the duration of one sweep.
type providerCache struct {
	s    *Scheduler
	byID map[uint]*models.Provider
}

func (s *Scheduler) providers() *providerCache {
	return &providerCache{s: s, byID: map[uint]*models.Provider{}}
}

func (c *providerCache) get(ctx context.Context, id uint) (*models.Provider, error) {
	if p, ok := c.byID[id]; ok {
		return p, nil
	}
	p, err := c.s.ledger.Registry().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.byID[id] = p
	return p, nil
}

func delayMinutes(p *models.Provider) int {
	return int(p.RetryDelay() / time.Minute)
}

// FindRetryCandidates lists entities still allowed another automatic attempt.
func (s *Scheduler) FindRetryCandidates(ctx context.Context, kind Kind) ([]Candidate, error) {
	repos := s.ledger.Repositories()
	cache := s.providers()
	var out []Candidate

	switch kind {
	case KindMomo:
		txs, err := repos.MomoTransaction.FindRetryCandidates(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load momo retry candidates: %w", err)
		}
		for i := range txs {
			tx := &txs[i]
			p, err := cache.get(ctx, tx.ProviderID)
			if err != nil {
				log.Warnf("[Retry] Skipping %s: %v", tx.TransactionNumber, err)
				continue
			}
			out = append(out, Candidate{
				Kind:           KindMomo,
				ID:             tx.ID,
				Reference:      tx.TransactionNumber,
				Status:         string(tx.Status),
				RetryCount:     tx.RetryCount,
				NextEligibleAt: tx.NextRetryAt(p.RetryDelay()),
			})
		}
	case KindZra:
		invoices, err := repos.ZraInvoice.FindResubmittable(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load zra retry candidates: %w", err)
		}
		for i := range invoices {
			inv := &invoices[i]
			p, err := cache.get(ctx, inv.ProviderID)
			if err != nil {
				log.Warnf("[Retry] Skipping invoice %s: %v", inv.InvoiceNumber, err)
				continue
			}
			if inv.HasExceededMaxRetries(p.RetryCeiling()) {
				continue
			}
			out = append(out, Candidate{
				Kind:           KindZra,
				ID:             inv.ID,
				Reference:      inv.InvoiceNumber,
				Status:         string(inv.SubmissionStatus),
				RetryCount:     inv.RetryCount,
				NextEligibleAt: inv.NextRetryAt(delayMinutes(p)),
			})
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return out, nil
}

// RunDue escalates exhausted entities, then attempts every due candidate.
// Eligibility is checked again on a fresh read right before each attempt, so
// a manual cancel that lands after the candidate list was built wins.
func (s *Scheduler) RunDue(ctx context.Context, kind Kind, now time.Time) (*RunReport, error) {
	report := &RunReport{Kind: kind}

	escalated, err := s.Escalate(ctx, kind, now)
	report.Escalated = escalated
	if err != nil {
		return report, err
	}

	candidates, err := s.FindRetryCandidates(ctx, kind)
	if err != nil {
		return report, err
	}
	cache := s.providers()
	for _, c := range candidates {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !c.IsDue(now) {
			continue
		}
		report.Due++

		var attempted bool
		var attemptErr error
		switch kind {
		case KindMomo:
			attempted, attemptErr = s.retryTransaction(ctx, cache, c.ID, now, report)
		case KindZra:
			attempted, attemptErr = s.retryInvoice(ctx, cache, c.ID, now, report)
		}
		switch {
		case !attempted:
			report.Skipped++
		case attemptErr == nil:
			report.Succeeded++
		default:
			report.Failed++
		}
		if attemptErr != nil && !isRecorded(attemptErr) {
			log.Errorf("[Retry] %s %s: %v", kind, c.Reference, attemptErr)
		}
	}

	if report.Attempted > 0 || report.Escalated > 0 {
		log.Infof("[Retry] %s sweep: due=%d attempted=%d ok=%d failed=%d skipped=%d escalated=%d",
			kind, report.Due, report.Attempted, report.Succeeded, report.Failed, report.Skipped, report.Escalated)
	}
	return report, nil
}

// isRecorded reports whether err is a provider outcome already stored on the entity.
func isRecorded(err error) bool {
	return gateway.IsTransient(err) || errors.Is(err, gateway.ErrRejected) || errors.Is(err, ledger.ErrStaleState)
}

func (s *Scheduler) retryTransaction(ctx context.Context, cache *providerCache, id uint, now time.Time, report *RunReport) (bool, error) {
	tx, err := s.ledger.GetTransaction(ctx, id)
	if err != nil {
		return false, err
	}
	p, err := cache.get(ctx, tx.ProviderID)
	if err != nil {
		return false, err
	}

	reopened := false
	_, err = s.ledger.ApplyMomo(ctx, id, func(t *models.MomoTransaction) (bool, error) {
		if t.RequiresReview || !(t.CanRetry() || t.NeedsResubmission()) || !t.IsReadyForRetry(p.RetryDelay(), now) {
			return false, nil
		}
		if err := t.ReopenForRetry(now); err != nil {
			return false, err
		}
		reopened = true
		return true, nil
	})
	if errors.Is(err, ledger.ErrStaleState) {
		log.Debugf("[Retry] %s changed underneath the sweep, skipping", tx.TransactionNumber)
		return false, nil
	}
	if err != nil || !reopened {
		return false, err
	}

	report.Attempted++
	updated, err := s.submitter.SubmitTransaction(ctx, id)
	if updated != nil && updated.RetriesExhausted() {
		if ok, escErr := s.escalateTransaction(ctx, id, now); escErr != nil {
			log.Errorf("[Retry] Failed to escalate %s: %v", updated.TransactionNumber, escErr)
		} else if ok {
			report.Escalated++
		}
	}
	return true, err
}

func (s *Scheduler) retryInvoice(ctx context.Context, cache *providerCache, id uint, now time.Time, report *RunReport) (bool, error) {
	inv, err := s.ledger.GetInvoice(ctx, id)
	if err != nil {
		return false, err
	}
	p, err := cache.get(ctx, inv.ProviderID)
	if err != nil {
		return false, err
	}
	if inv.RequiresReview || !inv.CanResubmit() || inv.HasExceededMaxRetries(p.RetryCeiling()) || !inv.IsReadyForRetry(delayMinutes(p), now) {
		return false, nil
	}

	report.Attempted++
	updated, err := s.submitter.SubmitInvoice(ctx, id, nil)
	if updated != nil && updated.CanResubmit() && updated.HasExceededMaxRetries(p.RetryCeiling()) {
		if ok, escErr := s.escalateInvoice(ctx, id, p.RetryCeiling(), now); escErr != nil {
			log.Errorf("[Retry] Failed to escalate invoice %s: %v", updated.InvoiceNumber, escErr)
		} else if ok {
			report.Escalated++
		}
	}
	return true, err
}
