package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
)

// auditLogRepository implements the AuditLogRepository interface.
// It only ever inserts; the model hooks refuse updates and deletes.
type auditLogRepository struct {
	db *gorm.DB
}

// NewAuditLogRepository creates a new audit log repository instance
func NewAuditLogRepository(db *gorm.DB) AuditLogRepository {
	return &auditLogRepository{db: db}
}

func (r *auditLogRepository) Create(ctx context.Context, entry *models.AuditLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *auditLogRepository) FindByCorrelationID(ctx context.Context, correlationID string) ([]models.AuditLog, error) {
	var entries []models.AuditLog
	err := r.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *auditLogRepository) FindByEntity(ctx context.Context, entityType string, entityID uint) ([]models.AuditLog, error) {
	var entries []models.AuditLog
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}
