package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PayFox/app/models"
)

// reconciliationRepository implements the ReconciliationRepository interface
type reconciliationRepository struct {
	db *gorm.DB
}

// NewReconciliationRepository creates a new reconciliation repository instance
func NewReconciliationRepository(db *gorm.DB) ReconciliationRepository {
	return &reconciliationRepository{db: db}
}

// FindOrCreateBatch inserts the batch unless one with the same provider, window and digest exists.
func (r *reconciliationRepository) FindOrCreateBatch(ctx context.Context, batch *models.Reconciliation) (*models.Reconciliation, bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider_id"},
			{Name: "period_start"},
			{Name: "period_end"},
			{Name: "statement_digest"},
		},
		DoNothing: true,
	}).Create(batch)
	if tx.Error != nil {
		return nil, false, tx.Error
	}
	created := tx.RowsAffected > 0

	var stored models.Reconciliation
	err := r.db.WithContext(ctx).
		Where("provider_id = ? AND period_start = ? AND period_end = ? AND statement_digest = ?",
			batch.ProviderID, batch.PeriodStart, batch.PeriodEnd, batch.StatementDigest).
		First(&stored).Error
	if err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}

func (r *reconciliationRepository) SaveBatch(ctx context.Context, batch *models.Reconciliation) error {
	return r.db.WithContext(ctx).Save(batch).Error
}

func (r *reconciliationRepository) GetByID(ctx context.Context, id uint) (*models.Reconciliation, error) {
	var batch models.Reconciliation
	if err := r.db.WithContext(ctx).First(&batch, id).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

func (r *reconciliationRepository) CreateDiscrepancyIfNotExists(ctx context.Context, d *models.ReconciliationDiscrepancy) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "reconciliation_id"},
			{Name: "kind"},
			{Name: "reference_key"},
		},
		DoNothing: true,
	}).Create(d)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *reconciliationRepository) ListDiscrepancies(ctx context.Context, reconciliationID uint) ([]models.ReconciliationDiscrepancy, error) {
	var out []models.ReconciliationDiscrepancy
	err := r.db.WithContext(ctx).
		Where("reconciliation_id = ?", reconciliationID).
		Order("id ASC").
		Find(&out).Error
	return out, err
}
