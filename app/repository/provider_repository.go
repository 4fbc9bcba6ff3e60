package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
)

// providerRepository implements the ProviderRepository interface
type providerRepository struct {
	db *gorm.DB
}

// NewProviderRepository creates a new provider repository instance
func NewProviderRepository(db *gorm.DB) ProviderRepository {
	return &providerRepository{db: db}
}

func (r *providerRepository) Create(ctx context.Context, p *models.Provider) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *providerRepository) GetByID(ctx context.Context, id uint) (*models.Provider, error) {
	var p models.Provider
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *providerRepository) FindActive(ctx context.Context, companyID uint, kind models.ProviderKind, sandbox bool) (*models.Provider, error) {
	var p models.Provider
	err := r.db.WithContext(ctx).
		Where("company_id = ? AND kind = ? AND is_sandbox = ? AND is_active = ?", companyID, kind, sandbox, true).
		Order("id DESC").
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *providerRepository) FindActiveByCode(ctx context.Context, companyID uint, code string, sandbox bool) (*models.Provider, error) {
	var p models.Provider
	err := r.db.WithContext(ctx).
		Where("company_id = ? AND code = ? AND is_sandbox = ? AND is_active = ?", companyID, code, sandbox, true).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *providerRepository) ListActive(ctx context.Context) ([]models.Provider, error) {
	var providers []models.Provider
	err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").Find(&providers).Error
	return providers, err
}

func (r *providerRepository) ListByCompany(ctx context.Context, companyID uint) ([]models.Provider, error) {
	var providers []models.Provider
	err := r.db.WithContext(ctx).Where("company_id = ?", companyID).Order("kind ASC, code ASC").Find(&providers).Error
	return providers, err
}

func (r *providerRepository) Update(ctx context.Context, p *models.Provider) error {
	return r.db.WithContext(ctx).Save(p).Error
}

// Activate enables one config and disables its siblings for the same company, kind and environment.
func (r *providerRepository) Activate(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.Provider
		if err := tx.First(&p, id).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Provider{}).
			Where("company_id = ? AND kind = ? AND is_sandbox = ? AND id <> ?", p.CompanyID, p.Kind, p.IsSandbox, p.ID).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Model(&models.Provider{}).Where("id = ?", p.ID).Update("is_active", true).Error
	})
}

func (r *providerRepository) UpdateHealth(ctx context.Context, id uint, status models.HealthStatus, details string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Provider{}).Where("id = ?", id).Updates(map[string]interface{}{
		"health_status":        status,
		"health_details":       details,
		"last_health_check_at": at,
	}).Error
}
