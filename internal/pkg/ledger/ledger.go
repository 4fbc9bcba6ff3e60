// Package ledger owns every write to MoMo transactions and Smart Invoice records.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
	"github.com/ManuelReschke/PayFox/internal/pkg/notify"
	"github.com/ManuelReschke/PayFox/internal/pkg/providers"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("record not found")
	// ErrStaleState means another writer moved the row first. The caller's
	// mutation was discarded and may safely be retried on a fresh read.
	ErrStaleState = errors.New("stale state")
)

// TransactableResolver confirms that an owner reference points at a live
// CRM/HR entity. The entities themselves live outside this service.
type TransactableResolver interface {
	Exists(ctx context.Context, owner models.Transactable) (bool, error)
}

// MomoMutation changes a loaded transaction in memory and reports whether anything changed.
type MomoMutation func(tx *models.MomoTransaction) (bool, error)

// ZraMutation is the Smart Invoice counterpart of MomoMutation.
type ZraMutation func(inv *models.ZraSmartInvoice) (bool, error)

// Change describes one committed write, used to emit notifications after commit.
type Change struct {
	Kind      notify.EventKind
	Entity    notify.Entity
	OldStatus string
	NewStatus string
	Extra     map[string]interface{}
}

func (c *Change) StatusChanged() bool {
	return c != nil && c.OldStatus != c.NewStatus
}

// Payload is the notification body for this change.
func (c *Change) Payload() map[string]interface{} {
	return notify.StatusChange(c.OldStatus, c.NewStatus, c.Extra)
}

// Service is the TransactionLedger.
type Service struct {
	repos    *repository.Repositories
	registry *providers.Registry
	notifier notify.Dispatcher
	resolver TransactableResolver
	validate *validator.Validate
	now      func() time.Time

	monthLocksMu sync.Mutex
	monthLocks   map[string]*sync.Mutex
}

func NewService(repos *repository.Repositories, registry *providers.Registry, notifier notify.Dispatcher) *Service {
	return &Service{
		repos:      repos,
		registry:   registry,
		notifier:   notifier,
		validate:   validator.New(),
		now:        time.Now,
		monthLocks: make(map[string]*sync.Mutex),
	}
}

// SetResolver enables owner existence checks on creation.
func (s *Service) SetResolver(r TransactableResolver) {
	s.resolver = r
}

func (s *Service) Registry() *providers.Registry {
	return s.registry
}

func (s *Service) Repositories() *repository.Repositories {
	return s.repos
}

// Now is the service clock in UTC.
func (s *Service) Now() time.Time {
	return s.now().UTC()
}

// Publish emits the notification for a change if its status moved.
func (s *Service) Publish(ctx context.Context, changes ...*Change) {
	for _, c := range changes {
		if c.StatusChanged() {
			s.Announce(ctx, c)
		}
	}
}

// Announce emits the notification for a change unconditionally.
func (s *Service) Announce(ctx context.Context, c *Change) {
	if c == nil || s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, c.Kind, c.Entity, c.Payload())
}

// ApplyMomo runs fn against a fresh read of the transaction and persists the
// result under an optimistic version check in its own DB transaction.
func (s *Service) ApplyMomo(ctx context.Context, id uint, fn MomoMutation) (*models.MomoTransaction, error) {
	var (
		out    *models.MomoTransaction
		change *Change
	)
	err := s.repos.Transaction(ctx, func(r *repository.Repositories) error {
		var err error
		out, change, err = s.ApplyMomoIn(ctx, r, id, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Publish(ctx, change)
	return out, nil
}

// ApplyMomoIn is ApplyMomo against caller-provided repositories, typically
// bound to a wider DB transaction. The caller publishes the change after commit.
func (s *Service) ApplyMomoIn(ctx context.Context, r *repository.Repositories, id uint, fn MomoMutation) (*models.MomoTransaction, *Change, error) {
	tx, err := r.MomoTransaction.GetByID(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, nil, fmt.Errorf("%w: momo transaction %d", ErrNotFound, id)
		}
		return nil, nil, err
	}
	oldStatus := tx.Status
	version := tx.Version

	changed, err := fn(tx)
	if err != nil {
		return nil, nil, err
	}
	if !changed {
		return tx, nil, nil
	}
	if err := r.MomoTransaction.UpdateWithVersion(ctx, tx, version); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			log.Debugf("[Ledger] Lost race on %s (version %d)", tx.TransactionNumber, version)
			return nil, nil, fmt.Errorf("%w: momo transaction %s", ErrStaleState, tx.TransactionNumber)
		}
		return nil, nil, fmt.Errorf("failed to update momo transaction %s: %w", tx.TransactionNumber, err)
	}
	if oldStatus != tx.Status {
		log.Infof("[Ledger] %s: %s -> %s", tx.TransactionNumber, oldStatus, tx.Status)
	}
	return tx, momoChange(ctx, tx, oldStatus), nil
}

func momoChange(ctx context.Context, tx *models.MomoTransaction, oldStatus models.MomoStatus) *Change {
	extra := map[string]interface{}{
		"transaction_number": tx.TransactionNumber,
		"provider_id":        tx.ProviderID,
		"amount":             tx.Amount.StringFixed(2),
		"currency":           tx.Currency,
		"transactable":       tx.Owner().String(),
		"retry_count":        tx.RetryCount,
		"requires_review":    tx.RequiresReview,
	}
	if tx.FailureReason != "" {
		extra["failure_reason"] = tx.FailureReason
	}
	if id := audit.CorrelationID(ctx); id != "" {
		extra["correlation_id"] = id
	}
	return &Change{
		Kind:      notify.MomoStatusChanged,
		Entity:    notify.Entity{Type: notify.EntityMomoTransaction, ID: tx.ID, Reference: tx.TransactionNumber},
		OldStatus: string(oldStatus),
		NewStatus: string(tx.Status),
		Extra:     extra,
	}
}

// ApplyZra is ApplyMomo for Smart Invoice records.
func (s *Service) ApplyZra(ctx context.Context, id uint, fn ZraMutation) (*models.ZraSmartInvoice, error) {
	var (
		out    *models.ZraSmartInvoice
		change *Change
	)
	err := s.repos.Transaction(ctx, func(r *repository.Repositories) error {
		var err error
		out, change, err = s.ApplyZraIn(ctx, r, id, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Publish(ctx, change)
	return out, nil
}

func (s *Service) ApplyZraIn(ctx context.Context, r *repository.Repositories, id uint, fn ZraMutation) (*models.ZraSmartInvoice, *Change, error) {
	inv, err := r.ZraInvoice.GetByID(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, nil, fmt.Errorf("%w: zra invoice %d", ErrNotFound, id)
		}
		return nil, nil, err
	}
	oldStatus := inv.SubmissionStatus
	version := inv.Version

	changed, err := fn(inv)
	if err != nil {
		return nil, nil, err
	}
	if !changed {
		return inv, nil, nil
	}
	if err := r.ZraInvoice.UpdateWithVersion(ctx, inv, version); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, nil, fmt.Errorf("%w: zra invoice %s", ErrStaleState, inv.InvoiceNumber)
		}
		return nil, nil, fmt.Errorf("failed to update zra invoice %s: %w", inv.InvoiceNumber, err)
	}
	if oldStatus != inv.SubmissionStatus {
		log.Infof("[Ledger] ZRA %s: %s -> %s", inv.InvoiceNumber, oldStatus, inv.SubmissionStatus)
	}
	return inv, zraChange(ctx, inv, oldStatus), nil
}

func zraChange(ctx context.Context, inv *models.ZraSmartInvoice, oldStatus models.ZraStatus) *Change {
	extra := map[string]interface{}{
		"invoice_id":      inv.InvoiceID,
		"invoice_number":  inv.InvoiceNumber,
		"zra_reference":   inv.ZraReference,
		"retry_count":     inv.RetryCount,
		"requires_review": inv.RequiresReview,
	}
	if inv.RejectionReason != "" {
		extra["rejection_reason"] = inv.RejectionReason
	}
	if len(inv.ValidationErrors) > 0 {
		extra["validation_errors"] = []string(inv.ValidationErrors)
	}
	if id := audit.CorrelationID(ctx); id != "" {
		extra["correlation_id"] = id
	}
	return &Change{
		Kind:      notify.ZraStatusChanged,
		Entity:    notify.Entity{Type: notify.EntityZraInvoice, ID: inv.ID, Reference: inv.InvoiceNumber},
		OldStatus: string(oldStatus),
		NewStatus: string(inv.SubmissionStatus),
		Extra:     extra,
	}
}

func validationError(err error) error {
	return fmt.Errorf("%w: %v", ErrValidation, err)
}
