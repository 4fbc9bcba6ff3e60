package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
)

// Escalate closes every entity that ran out of automatic attempts and flags it
// for review. Each escalation sends exactly one notification.
func (s *Scheduler) Escalate(ctx context.Context, kind Kind, now time.Time) (int, error) {
	repos := s.ledger.Repositories()
	count := 0

	switch kind {
	case KindMomo:
		txs, err := repos.MomoTransaction.FindExhausted(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to load exhausted transactions: %w", err)
		}
		for _, tx := range txs {
			ok, err := s.escalateTransaction(ctx, tx.ID, now)
			if err != nil {
				log.Errorf("[Retry] Failed to escalate %s: %v", tx.TransactionNumber, err)
				continue
			}
			if ok {
				count++
			}
		}
	case KindZra:
		invoices, err := repos.ZraInvoice.FindResubmittable(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to load resubmittable invoices: %w", err)
		}
		cache := s.providers()
		for _, inv := range invoices {
			p, err := cache.get(ctx, inv.ProviderID)
			if err != nil {
				log.Warnf("[Retry] Skipping invoice %s: %v", inv.InvoiceNumber, err)
				continue
			}
			if !inv.HasExceededMaxRetries(p.RetryCeiling()) {
				continue
			}
			ok, err := s.escalateInvoice(ctx, inv.ID, p.RetryCeiling(), now)
			if err != nil {
				log.Errorf("[Retry] Failed to escalate invoice %s: %v", inv.InvoiceNumber, err)
				continue
			}
			if ok {
				count++
			}
		}
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return count, nil
}

// escalateTransaction leaves failed and expired rows in place, moves a pending
// row that kept failing transiently to failed, and flags either for review.
func (s *Scheduler) escalateTransaction(ctx context.Context, id uint, now time.Time) (bool, error) {
	var change *ledger.Change
	err := s.ledger.Repositories().Transaction(ctx, func(r *repository.Repositories) error {
		var err error
		_, change, err = s.ledger.ApplyMomoIn(ctx, r, id, func(t *models.MomoTransaction) (bool, error) {
			if t.RequiresReview || !t.RetriesExhausted() {
				return false, nil
			}
			if t.Status == models.MomoStatusPending {
				if _, err := t.MarkFailed(EscalationReason, nil, now); err != nil {
					return false, err
				}
			}
			t.FlagForReview()
			return true, nil
		})
		return err
	})
	if errors.Is(err, ledger.ErrStaleState) {
		return false, nil
	}
	if err != nil || change == nil {
		return false, err
	}
	log.Warnf("[Retry] %v flagged for review after %v attempts", change.Extra["transaction_number"], change.Extra["retry_count"])
	s.ledger.Announce(ctx, change)
	return true, nil
}

// escalateInvoice cancels an invoice that exceeded the provider's ceiling.
func (s *Scheduler) escalateInvoice(ctx context.Context, id uint, ceiling int, now time.Time) (bool, error) {
	var change *ledger.Change
	err := s.ledger.Repositories().Transaction(ctx, func(r *repository.Repositories) error {
		var err error
		_, change, err = s.ledger.ApplyZraIn(ctx, r, id, func(z *models.ZraSmartInvoice) (bool, error) {
			if z.RequiresReview || !z.CanResubmit() || !z.HasExceededMaxRetries(ceiling) {
				return false, nil
			}
			if _, err := z.MarkCancelled(EscalationReason, nil, now); err != nil {
				return false, err
			}
			z.FlagForReview()
			return true, nil
		})
		return err
	})
	if errors.Is(err, ledger.ErrStaleState) {
		return false, nil
	}
	if err != nil || change == nil {
		return false, err
	}
	log.Warnf("[Retry] Invoice %v cancelled for review after %v attempts", change.Extra["invoice_number"], change.Extra["retry_count"])
	s.ledger.Announce(ctx, change)
	return true, nil
}
