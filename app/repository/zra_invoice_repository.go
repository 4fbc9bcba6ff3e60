package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PayFox/app/models"
)

// zraInvoiceRepository implements the ZraInvoiceRepository interface
type zraInvoiceRepository struct {
	db *gorm.DB
}

// NewZraInvoiceRepository creates a new Smart Invoice repository instance
func NewZraInvoiceRepository(db *gorm.DB) ZraInvoiceRepository {
	return &zraInvoiceRepository{db: db}
}

// CreateIfNotExists keeps the invoice_id 1:1 relation idempotent.
func (r *zraInvoiceRepository) CreateIfNotExists(ctx context.Context, inv *models.ZraSmartInvoice) (bool, *models.ZraSmartInvoice, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "invoice_id"}},
		DoNothing: true,
	}).Create(inv)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	stored, err := r.GetByInvoiceID(ctx, inv.InvoiceID)
	if err != nil {
		return false, nil, err
	}
	return created, stored, nil
}

func (r *zraInvoiceRepository) GetByID(ctx context.Context, id uint) (*models.ZraSmartInvoice, error) {
	var inv models.ZraSmartInvoice
	if err := r.db.WithContext(ctx).First(&inv, id).Error; err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *zraInvoiceRepository) GetByInvoiceID(ctx context.Context, invoiceID uint) (*models.ZraSmartInvoice, error) {
	var inv models.ZraSmartInvoice
	if err := r.db.WithContext(ctx).Where("invoice_id = ?", invoiceID).First(&inv).Error; err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetByReference resolves an authority reference, submission id or invoice number.
func (r *zraInvoiceRepository) GetByReference(ctx context.Context, providerID uint, reference string) (*models.ZraSmartInvoice, error) {
	var inv models.ZraSmartInvoice
	err := r.db.WithContext(ctx).
		Where("provider_id = ? AND (zra_reference = ? OR submission_id = ? OR invoice_number = ?)", providerID, reference, reference, reference).
		Order("id DESC").
		First(&inv).Error
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *zraInvoiceRepository) UpdateWithVersion(ctx context.Context, inv *models.ZraSmartInvoice, expectedVersion uint) error {
	inv.Version = expectedVersion + 1
	res := r.db.WithContext(ctx).
		Model(inv).
		Select("*").
		Omit("id", "created_at", "invoice_id").
		Where("version = ?", expectedVersion).
		Updates(inv)
	if res.Error != nil {
		inv.Version = expectedVersion
		return res.Error
	}
	if res.RowsAffected == 0 {
		inv.Version = expectedVersion
		return ErrVersionConflict
	}
	return nil
}

func (r *zraInvoiceRepository) FindResubmittable(ctx context.Context) ([]models.ZraSmartInvoice, error) {
	var invoices []models.ZraSmartInvoice
	err := r.db.WithContext(ctx).
		Where("submission_status IN ? AND requires_review = ?", []models.ZraStatus{models.ZraStatusPending, models.ZraStatusRejected}, false).
		Order("id ASC").
		Find(&invoices).Error
	return invoices, err
}
