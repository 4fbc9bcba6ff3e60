package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
)

// Named query builders for MoMo transactions.

func PendingOnly(db *gorm.DB) *gorm.DB {
	return db.Where("status = ?", models.MomoStatusPending)
}

func UnreconciledOnly(db *gorm.DB) *gorm.DB {
	return db.Where("is_reconciled = ?", false)
}

func CompletedOnly(db *gorm.DB) *gorm.DB {
	return db.Where("status = ?", models.MomoStatusCompleted)
}

func NotFlaggedForReview(db *gorm.DB) *gorm.DB {
	return db.Where("requires_review = ?", false)
}

// RetryableOnly matches rows CanRetry or NeedsResubmission would accept.
func RetryableOnly(db *gorm.DB) *gorm.DB {
	return db.Where(
		"(status IN ? AND retry_count < ?) OR (status = ? AND last_error <> '' AND retry_count < ?)",
		[]models.MomoStatus{models.MomoStatusFailed, models.MomoStatusExpired}, models.MomoMaxRetries,
		models.MomoStatusPending, models.MomoMaxRetries,
	)
}

// ExhaustedOnly matches rows RetriesExhausted would accept.
func ExhaustedOnly(db *gorm.DB) *gorm.DB {
	return db.Where(
		"retry_count >= ? AND (status IN ? OR (status = ? AND last_error <> ''))",
		models.MomoMaxRetries,
		[]models.MomoStatus{models.MomoStatusFailed, models.MomoStatusExpired},
		models.MomoStatusPending,
	)
}

func ForProvider(providerID uint) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("provider_id = ?", providerID)
	}
}

func ForCompany(companyID uint) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("company_id = ?", companyID)
	}
}

func WithStatus(statuses ...models.MomoStatus) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("status IN ?", statuses)
	}
}

// InWindow matches rows created in [from, to).
func InWindow(from, to time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("created_at >= ? AND created_at < ?", from, to)
	}
}

func ForOwner(owner models.Transactable) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("transactable_type = ? AND transactable_id = ?", owner.Kind, owner.ID)
	}
}
