// Package submission is the single path that sends MoMo transactions and
// Smart Invoices to their provider. First attempts and retries both go through it.
package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PayFox/internal/pkg/momo"
	"github.com/ManuelReschke/PayFox/internal/pkg/zra"
)

var (
	// ErrNotSubmittable means the entity is not in a state that may be sent.
	ErrNotSubmittable = errors.New("not in a submittable state")
	// ErrNoDocument means neither a stored nor a rendered fiscal document exists.
	ErrNoDocument = errors.New("no invoice document to submit")
)

// submissionLease outlives the gateway's request timeout, so an expired claim
// belongs to a sender that is no longer waiting on the authority.
const submissionLease = 2 * time.Minute

// InvoiceSource renders the CRM invoice as the Smart Invoice document body.
type InvoiceSource interface {
	Document(ctx context.Context, invoiceID uint) (map[string]interface{}, error)
}

type Service struct {
	ledger    *ledger.Service
	momo      *momo.Client
	zra       *zra.Client
	documents InvoiceSource
}

func NewService(l *ledger.Service, momoClient *momo.Client, zraClient *zra.Client, documents InvoiceSource) *Service {
	return &Service{ledger: l, momo: momoClient, zra: zraClient, documents: documents}
}

// SubmitTransaction sends a pending transaction as a request-to-pay.
//
// The returned transaction reflects the stored state after the attempt. The
// error wraps gateway.ErrTransient (left pending with last_error set) or
// gateway.ErrRejected (moved to failed).
func (s *Service) SubmitTransaction(ctx context.Context, id uint) (*models.MomoTransaction, error) {
	tx, err := s.ledger.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.MomoStatusPending {
		return tx, fmt.Errorf("%w: %s is %s", ErrNotSubmittable, tx.TransactionNumber, tx.Status)
	}
	p, err := s.ledger.Registry().Get(ctx, tx.ProviderID)
	if err != nil {
		return tx, err
	}
	ctx, _ = audit.EnsureCorrelationID(ctx)

	// The reference is stored before the call so a resubmission after a lost
	// response reuses it and the provider can dedupe.
	if tx.ProviderReference == "" {
		tx, err = s.ledger.ApplyMomo(ctx, id, func(t *models.MomoTransaction) (bool, error) {
			if t.ProviderReference != "" {
				return false, nil
			}
			t.ProviderReference = uuid.NewString()
			return true, nil
		})
		if err != nil {
			return nil, err
		}
	}

	res, callErr := s.momo.RequestToPay(ctx, p, tx)
	now := s.ledger.Now()
	if callErr == nil {
		return s.ledger.ApplyMomo(ctx, id, func(t *models.MomoTransaction) (bool, error) {
			if t.Status != models.MomoStatusPending {
				return false, nil
			}
			t.RecordAttempt("", now)
			if _, err := t.MarkProcessing(res.Reference, res.ProviderTransactionID, now); err != nil {
				return false, err
			}
			return true, nil
		})
	}
	if errors.Is(callErr, context.Canceled) {
		return tx, callErr
	}

	if rej, ok := gateway.AsRejected(callErr); ok {
		log.Warnf("[Submission] %s rejected by %s: %s", tx.TransactionNumber, p.Code, rej.Reason)
		reason := rej.Reason
		if reason == "" {
			reason = rej.Error()
		}
		updated, err := s.ledger.ApplyMomo(ctx, id, func(t *models.MomoTransaction) (bool, error) {
			t.RecordAttempt("", now)
			return t.MarkFailed(reason, rej.Response, now)
		})
		if err != nil {
			return nil, err
		}
		return updated, callErr
	}

	log.Warnf("[Submission] %s attempt failed transiently: %v", tx.TransactionNumber, callErr)
	updated, err := s.ledger.ApplyMomo(ctx, id, func(t *models.MomoTransaction) (bool, error) {
		if t.Status != models.MomoStatusPending {
			return false, nil
		}
		t.RecordAttempt(callErr.Error(), now)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !gateway.IsTransient(callErr) {
		callErr = &gateway.TransientError{Err: callErr}
	}
	return updated, callErr
}

// PollStatus queries the provider for a processing transaction and applies a terminal outcome.
func (s *Service) PollStatus(ctx context.Context, id uint) (*models.MomoTransaction, error) {
	tx, err := s.ledger.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.MomoStatusProcessing {
		return tx, nil
	}
	p, err := s.ledger.Registry().Get(ctx, tx.ProviderID)
	if err != nil {
		return tx, err
	}
	ctx, _ = audit.EnsureCorrelationID(ctx)
	res, err := s.momo.Status(ctx, p, tx)
	if err != nil {
		return tx, err
	}
	now := s.ledger.Now()
	switch res.Status {
	case momo.RemoteSuccessful:
		return s.ledger.ApplyMomo(ctx, id, func(t *models.MomoTransaction) (bool, error) {
			if t.ProviderTransactionID == "" {
				t.ProviderTransactionID = res.ProviderTransactionID
			}
			return t.MarkCompleted(res.Response, now)
		})
	case momo.RemoteFailed:
		reason := res.Reason
		if reason == "" {
			reason = "provider reported failure"
		}
		return s.ledger.ApplyMomo(ctx, id, func(t *models.MomoTransaction) (bool, error) {
			return t.MarkFailed(reason, res.Response, now)
		})
	}
	return tx, nil
}

// SubmitInvoice sends a pending or rejected invoice to the authority.
//
// The invoice is claimed with a version-checked write before the outbound
// call, so a concurrent sender gets models.ErrSubmissionInFlight instead of a
// second request. Accepted submissions are counted by MarkSubmitted. Transient
// failures and rejected resubmissions are counted by RecordFailedAttempt, so
// every attempt after the first rejection counts exactly once.
func (s *Service) SubmitInvoice(ctx context.Context, id uint, submittedBy *uint) (*models.ZraSmartInvoice, error) {
	inv, err := s.ledger.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inv.CanResubmit() {
		return inv, fmt.Errorf("%w: invoice %s is %s", ErrNotSubmittable, inv.InvoiceNumber, inv.SubmissionStatus)
	}
	p, err := s.ledger.Registry().Get(ctx, inv.ProviderID)
	if err != nil {
		return inv, err
	}
	rendered, err := s.renderDocument(ctx, inv)
	if err != nil {
		return inv, err
	}
	ctx, _ = audit.EnsureCorrelationID(ctx)

	inv, err = s.ledger.ApplyZra(ctx, id, func(z *models.ZraSmartInvoice) (bool, error) {
		if err := z.ClaimSubmission(s.ledger.Now(), submissionLease); err != nil {
			return false, err
		}
		if !z.HasDocument() {
			if len(rendered) == 0 {
				return false, fmt.Errorf("%w: invoice %s", ErrNoDocument, z.InvoiceNumber)
			}
			z.RequestPayload = datatypes.JSONMap(rendered)
		}
		return true, nil
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			err = fmt.Errorf("%w: %v", ErrNotSubmittable, err)
		}
		return nil, err
	}

	res, callErr := s.zra.Submit(ctx, p, inv, inv.RequestPayload)
	now := s.ledger.Now()
	if callErr == nil {
		return s.ledger.ApplyZra(ctx, id, func(z *models.ZraSmartInvoice) (bool, error) {
			released := z.ReleaseSubmission()
			if !z.CanResubmit() {
				return released, nil
			}
			changed, err := z.MarkSubmitted(res.Response, submittedBy, now)
			return changed || released, err
		})
	}
	if errors.Is(callErr, context.Canceled) {
		s.releaseInvoice(context.WithoutCancel(ctx), id)
		return inv, callErr
	}

	if rej, ok := gateway.AsRejected(callErr); ok {
		log.Warnf("[Submission] ZRA rejected invoice %s: %s (%d validation errors)", inv.InvoiceNumber, rej.Reason, len(rej.ValidationErrors))
		updated, err := s.ledger.ApplyZra(ctx, id, func(z *models.ZraSmartInvoice) (bool, error) {
			z.ReleaseSubmission()
			return applyRejection(z, rej, now)
		})
		if err != nil {
			return nil, err
		}
		return updated, callErr
	}

	log.Warnf("[Submission] ZRA submission of %s failed transiently: %v", inv.InvoiceNumber, callErr)
	updated, err := s.ledger.ApplyZra(ctx, id, func(z *models.ZraSmartInvoice) (bool, error) {
		released := z.ReleaseSubmission()
		if !z.CanResubmit() {
			return released, nil
		}
		z.RecordFailedAttempt(callErr.Error(), now)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !gateway.IsTransient(callErr) {
		callErr = &gateway.TransientError{Err: callErr}
	}
	return updated, callErr
}

// renderDocument returns nil when the invoice already carries a stored document.
func (s *Service) renderDocument(ctx context.Context, inv *models.ZraSmartInvoice) (map[string]interface{}, error) {
	if inv.HasDocument() {
		return nil, nil
	}
	if s.documents == nil {
		return nil, fmt.Errorf("%w: invoice %s", ErrNoDocument, inv.InvoiceNumber)
	}
	doc, err := s.documents.Document(ctx, inv.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to render invoice %s: %w", inv.InvoiceNumber, err)
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("%w: invoice %s", ErrNoDocument, inv.InvoiceNumber)
	}
	return doc, nil
}

func (s *Service) releaseInvoice(ctx context.Context, id uint) {
	_, err := s.ledger.ApplyZra(ctx, id, func(z *models.ZraSmartInvoice) (bool, error) {
		return z.ReleaseSubmission(), nil
	})
	if err != nil {
		log.Warnf("[Submission] failed to release submission claim on invoice %d: %v", id, err)
	}
}

// PollInvoice queries the authority for a submitted invoice and applies the verdict.
func (s *Service) PollInvoice(ctx context.Context, id uint) (*models.ZraSmartInvoice, error) {
	inv, err := s.ledger.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.SubmissionStatus != models.ZraStatusSubmitted {
		return inv, nil
	}
	p, err := s.ledger.Registry().Get(ctx, inv.ProviderID)
	if err != nil {
		return inv, err
	}
	ctx, _ = audit.EnsureCorrelationID(ctx)
	res, err := s.zra.Status(ctx, p, inv)
	if err != nil {
		return inv, err
	}
	now := s.ledger.Now()
	switch res.Status {
	case zra.RemoteApproved:
		return s.ledger.ApplyZra(ctx, id, func(z *models.ZraSmartInvoice) (bool, error) {
			return z.MarkApproved(res.Response, now)
		})
	case zra.RemoteRejected:
		return s.ledger.ApplyZra(ctx, id, func(z *models.ZraSmartInvoice) (bool, error) {
			return z.MarkRejected(res.Reason, res.ValidationErrors, res.Response, now)
		})
	}
	return inv, nil
}
