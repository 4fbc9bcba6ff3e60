package ledger

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
)

// CreateInvoiceSubmission opens the Smart Invoice record for a CRM invoice.
// It is idempotent per invoice: the existing record is returned with created=false.
// A zero providerID selects the active ZRA config.
func (s *Service) CreateInvoiceSubmission(ctx context.Context, invoiceID uint, invoiceNumber string, providerID uint) (*models.ZraSmartInvoice, bool, error) {
	if invoiceID == 0 || invoiceNumber == "" {
		return nil, false, validationError(fmt.Errorf("invoice id and number are required"))
	}
	p, err := s.zraProvider(ctx, providerID)
	if err != nil {
		return nil, false, err
	}
	inv := &models.ZraSmartInvoice{
		InvoiceID:        invoiceID,
		InvoiceNumber:    invoiceNumber,
		CompanyID:        p.CompanyID,
		ProviderID:       p.ID,
		SubmissionStatus: models.ZraStatusPending,
		IsTestMode:       p.IsSandbox,
		Version:          1,
	}
	created, stored, err := s.repos.ZraInvoice.CreateIfNotExists(ctx, inv)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create submission for invoice %s: %w", invoiceNumber, err)
	}
	if created {
		log.Infof("[Ledger] Opened ZRA submission for invoice %s", invoiceNumber)
	}
	return stored, created, nil
}

func (s *Service) zraProvider(ctx context.Context, id uint) (*models.Provider, error) {
	if id == 0 {
		return s.registry.Active(ctx, models.ProviderKindZra)
	}
	p, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Kind != models.ProviderKindZra {
		return nil, validationError(fmt.Errorf("provider %s is not a ZRA endpoint", p.Code))
	}
	return p, nil
}

func (s *Service) GetInvoice(ctx context.Context, id uint) (*models.ZraSmartInvoice, error) {
	inv, err := s.repos.ZraInvoice.GetByID(ctx, id)
	if repository.IsNotFound(err) {
		return nil, fmt.Errorf("%w: zra invoice %d", ErrNotFound, id)
	}
	return inv, err
}

func (s *Service) CancelInvoice(ctx context.Context, id uint, reason string, cancelledBy *uint) (*models.ZraSmartInvoice, error) {
	now := s.Now()
	return s.ApplyZra(ctx, id, func(inv *models.ZraSmartInvoice) (bool, error) {
		return inv.MarkCancelled(reason, cancelledBy, now)
	})
}

func (s *Service) ApproveInvoice(ctx context.Context, id uint, responseData map[string]interface{}) (*models.ZraSmartInvoice, error) {
	now := s.Now()
	return s.ApplyZra(ctx, id, func(inv *models.ZraSmartInvoice) (bool, error) {
		return inv.MarkApproved(responseData, now)
	})
}

// AttachInvoiceDocument stores the fiscal document body sent on the next
// submission. A rejected invoice can take a corrected document.
func (s *Service) AttachInvoiceDocument(ctx context.Context, id uint, document map[string]interface{}) (*models.ZraSmartInvoice, error) {
	if len(document) == 0 {
		return nil, validationError(fmt.Errorf("document is empty"))
	}
	return s.ApplyZra(ctx, id, func(inv *models.ZraSmartInvoice) (bool, error) {
		if err := inv.AttachDocument(document); err != nil {
			return false, err
		}
		return true, nil
	})
}
