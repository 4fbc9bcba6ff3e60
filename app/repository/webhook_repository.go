package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
)

// webhookRepository implements the WebhookRepository interface
type webhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository creates a new webhook repository instance
func NewWebhookRepository(db *gorm.DB) WebhookRepository {
	return &webhookRepository{db: db}
}

func (r *webhookRepository) Create(ctx context.Context, w *models.Webhook) error {
	return r.db.WithContext(ctx).Create(w).Error
}

func (r *webhookRepository) Save(ctx context.Context, w *models.Webhook) error {
	return r.db.WithContext(ctx).Save(w).Error
}

func (r *webhookRepository) GetByID(ctx context.Context, id uint) (*models.Webhook, error) {
	var w models.Webhook
	if err := r.db.WithContext(ctx).First(&w, id).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

// FindProcessed returns the processed delivery for (provider, webhook_id), or nil.
func (r *webhookRepository) FindProcessed(ctx context.Context, providerID uint, webhookID string) (*models.Webhook, error) {
	var hooks []models.Webhook
	err := r.db.WithContext(ctx).
		Where("provider_id = ? AND webhook_id = ? AND status = ?", providerID, webhookID, models.WebhookStatusProcessed).
		Limit(1).
		Find(&hooks).Error
	if err != nil {
		return nil, err
	}
	if len(hooks) == 0 {
		return nil, nil
	}
	return &hooks[0], nil
}

func (r *webhookRepository) List(ctx context.Context, status models.WebhookStatus, offset, limit int) ([]models.Webhook, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Order("id DESC").Offset(offset).Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var hooks []models.Webhook
	err := q.Find(&hooks).Error
	return hooks, err
}
