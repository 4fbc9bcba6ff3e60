package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
)

// ErrVersionConflict is returned when an optimistic version check loses a race.
var ErrVersionConflict = errors.New("row was modified concurrently")

// ProviderRepository defines provider configuration persistence
type ProviderRepository interface {
	Create(ctx context.Context, p *models.Provider) error
	GetByID(ctx context.Context, id uint) (*models.Provider, error)
	FindActive(ctx context.Context, companyID uint, kind models.ProviderKind, sandbox bool) (*models.Provider, error)
	FindActiveByCode(ctx context.Context, companyID uint, code string, sandbox bool) (*models.Provider, error)
	ListActive(ctx context.Context) ([]models.Provider, error)
	ListByCompany(ctx context.Context, companyID uint) ([]models.Provider, error)
	Update(ctx context.Context, p *models.Provider) error
	Activate(ctx context.Context, id uint) error
	UpdateHealth(ctx context.Context, id uint, status models.HealthStatus, details string, at time.Time) error
}

// MomoTransactionRepository defines MoMo ledger persistence
type MomoTransactionRepository interface {
	Create(ctx context.Context, tx *models.MomoTransaction) error
	GetByID(ctx context.Context, id uint) (*models.MomoTransaction, error)
	GetByNumber(ctx context.Context, number string) (*models.MomoTransaction, error)
	GetByProviderTransactionID(ctx context.Context, providerID uint, providerTxID string) (*models.MomoTransaction, error)
	GetByProviderReference(ctx context.Context, providerID uint, reference string) (*models.MomoTransaction, error)
	LatestNumberWithPrefix(ctx context.Context, prefix string) (string, error)
	UpdateWithVersion(ctx context.Context, tx *models.MomoTransaction, expectedVersion uint) error
	FindRetryCandidates(ctx context.Context) ([]models.MomoTransaction, error)
	FindExhausted(ctx context.Context) ([]models.MomoTransaction, error)
	FindOpenCreatedBefore(ctx context.Context, providerID uint, before time.Time) ([]models.MomoTransaction, error)
	FindProcessing(ctx context.Context, providerID uint) ([]models.MomoTransaction, error)
	FindForReconciliation(ctx context.Context, providerID uint, from, to time.Time) ([]models.MomoTransaction, error)
	SumAmountsBetween(ctx context.Context, providerID uint, from, to time.Time) (decimal.Decimal, error)
	List(ctx context.Context, scopes []func(*gorm.DB) *gorm.DB, offset, limit int) ([]models.MomoTransaction, error)
}

// ZraInvoiceRepository defines Smart Invoice persistence
type ZraInvoiceRepository interface {
	CreateIfNotExists(ctx context.Context, inv *models.ZraSmartInvoice) (bool, *models.ZraSmartInvoice, error)
	GetByID(ctx context.Context, id uint) (*models.ZraSmartInvoice, error)
	GetByInvoiceID(ctx context.Context, invoiceID uint) (*models.ZraSmartInvoice, error)
	GetByReference(ctx context.Context, providerID uint, reference string) (*models.ZraSmartInvoice, error)
	UpdateWithVersion(ctx context.Context, inv *models.ZraSmartInvoice, expectedVersion uint) error
	FindResubmittable(ctx context.Context) ([]models.ZraSmartInvoice, error)
}

// WebhookRepository defines inbound webhook persistence
type WebhookRepository interface {
	Create(ctx context.Context, w *models.Webhook) error
	Save(ctx context.Context, w *models.Webhook) error
	GetByID(ctx context.Context, id uint) (*models.Webhook, error)
	FindProcessed(ctx context.Context, providerID uint, webhookID string) (*models.Webhook, error)
	List(ctx context.Context, status models.WebhookStatus, offset, limit int) ([]models.Webhook, error)
}

// AuditLogRepository defines the append-only audit trail store
type AuditLogRepository interface {
	Create(ctx context.Context, entry *models.AuditLog) error
	FindByCorrelationID(ctx context.Context, correlationID string) ([]models.AuditLog, error)
	FindByEntity(ctx context.Context, entityType string, entityID uint) ([]models.AuditLog, error)
}

// ReconciliationRepository defines reconciliation batch persistence
type ReconciliationRepository interface {
	FindOrCreateBatch(ctx context.Context, batch *models.Reconciliation) (*models.Reconciliation, bool, error)
	SaveBatch(ctx context.Context, batch *models.Reconciliation) error
	GetByID(ctx context.Context, id uint) (*models.Reconciliation, error)
	CreateDiscrepancyIfNotExists(ctx context.Context, d *models.ReconciliationDiscrepancy) (bool, error)
	ListDiscrepancies(ctx context.Context, reconciliationID uint) ([]models.ReconciliationDiscrepancy, error)
}

// SettingRepository defines the interface for settings operations
type SettingRepository interface {
	Get() (*models.AppSettings, error)
	Save(settings *models.AppSettings) error
	GetValue(key string) (string, error)
	SetValue(key, value string) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	db              *gorm.DB
	Provider        ProviderRepository
	MomoTransaction MomoTransactionRepository
	ZraInvoice      ZraInvoiceRepository
	Webhook         WebhookRepository
	AuditLog        AuditLogRepository
	Reconciliation  ReconciliationRepository
	Setting         SettingRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		db:              db,
		Provider:        NewProviderRepository(db),
		MomoTransaction: NewMomoTransactionRepository(db),
		ZraInvoice:      NewZraInvoiceRepository(db),
		Webhook:         NewWebhookRepository(db),
		AuditLog:        NewAuditLogRepository(db),
		Reconciliation:  NewReconciliationRepository(db),
		Setting:         NewSettingRepository(db),
	}
}

// Transaction runs fn with repositories bound to a single database transaction.
func (r *Repositories) Transaction(ctx context.Context, fn func(tx *Repositories) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}

// DB exposes the underlying handle for health checks and migrations.
func (r *Repositories) DB() *gorm.DB {
	return r.db
}
