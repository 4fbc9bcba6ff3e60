package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
)

// momoTransactionRepository implements the MomoTransactionRepository interface
type momoTransactionRepository struct {
	db *gorm.DB
}

// NewMomoTransactionRepository creates a new MoMo transaction repository instance
func NewMomoTransactionRepository(db *gorm.DB) MomoTransactionRepository {
	return &momoTransactionRepository{db: db}
}

func (r *momoTransactionRepository) Create(ctx context.Context, tx *models.MomoTransaction) error {
	return r.db.WithContext(ctx).Create(tx).Error
}

func (r *momoTransactionRepository) GetByID(ctx context.Context, id uint) (*models.MomoTransaction, error) {
	var tx models.MomoTransaction
	if err := r.db.WithContext(ctx).First(&tx, id).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *momoTransactionRepository) GetByNumber(ctx context.Context, number string) (*models.MomoTransaction, error) {
	var tx models.MomoTransaction
	if err := r.db.WithContext(ctx).Where("transaction_number = ?", number).First(&tx).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *momoTransactionRepository) GetByProviderTransactionID(ctx context.Context, providerID uint, providerTxID string) (*models.MomoTransaction, error) {
	var tx models.MomoTransaction
	err := r.db.WithContext(ctx).
		Where("provider_id = ? AND provider_transaction_id = ?", providerID, providerTxID).
		First(&tx).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *momoTransactionRepository) GetByProviderReference(ctx context.Context, providerID uint, reference string) (*models.MomoTransaction, error) {
	var tx models.MomoTransaction
	err := r.db.WithContext(ctx).
		Where("provider_id = ? AND provider_reference = ?", providerID, reference).
		First(&tx).Error
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// LatestNumberWithPrefix includes soft-deleted rows so numbers are never reused.
func (r *momoTransactionRepository) LatestNumberWithPrefix(ctx context.Context, prefix string) (string, error) {
	var numbers []string
	err := r.db.WithContext(ctx).Unscoped().
		Model(&models.MomoTransaction{}).
		Where("transaction_number LIKE ?", prefix+"%").
		Order("transaction_number DESC").
		Limit(1).
		Pluck("transaction_number", &numbers).Error
	if err != nil {
		return "", err
	}
	if len(numbers) == 0 {
		return "", nil
	}
	return numbers[0], nil
}

// UpdateWithVersion writes all columns if the stored version still equals expectedVersion.
func (r *momoTransactionRepository) UpdateWithVersion(ctx context.Context, tx *models.MomoTransaction, expectedVersion uint) error {
	tx.Version = expectedVersion + 1
	res := r.db.WithContext(ctx).
		Model(tx).
		Select("*").
		Omit("id", "created_at", "transaction_number", "Provider").
		Where("version = ?", expectedVersion).
		Updates(tx)
	if res.Error != nil {
		tx.Version = expectedVersion
		return res.Error
	}
	if res.RowsAffected == 0 {
		tx.Version = expectedVersion
		return ErrVersionConflict
	}
	return nil
}

func (r *momoTransactionRepository) FindRetryCandidates(ctx context.Context) ([]models.MomoTransaction, error) {
	var txs []models.MomoTransaction
	err := r.db.WithContext(ctx).
		Scopes(RetryableOnly, NotFlaggedForReview).
		Order("id ASC").
		Find(&txs).Error
	return txs, err
}

func (r *momoTransactionRepository) FindExhausted(ctx context.Context) ([]models.MomoTransaction, error) {
	var txs []models.MomoTransaction
	err := r.db.WithContext(ctx).
		Scopes(ExhaustedOnly, NotFlaggedForReview).
		Order("id ASC").
		Find(&txs).Error
	return txs, err
}

func (r *momoTransactionRepository) FindOpenCreatedBefore(ctx context.Context, providerID uint, before time.Time) ([]models.MomoTransaction, error) {
	var txs []models.MomoTransaction
	err := r.db.WithContext(ctx).
		Scopes(ForProvider(providerID), WithStatus(models.MomoStatusPending, models.MomoStatusProcessing)).
		Where("created_at < ?", before).
		Order("id ASC").
		Find(&txs).Error
	return txs, err
}

func (r *momoTransactionRepository) FindProcessing(ctx context.Context, providerID uint) ([]models.MomoTransaction, error) {
	var txs []models.MomoTransaction
	err := r.db.WithContext(ctx).
		Scopes(ForProvider(providerID), WithStatus(models.MomoStatusProcessing)).
		Order("id ASC").
		Find(&txs).Error
	return txs, err
}

func (r *momoTransactionRepository) FindForReconciliation(ctx context.Context, providerID uint, from, to time.Time) ([]models.MomoTransaction, error) {
	var txs []models.MomoTransaction
	err := r.db.WithContext(ctx).
		Scopes(ForProvider(providerID), CompletedOnly, InWindow(from, to)).
		Order("created_at ASC, id ASC").
		Find(&txs).Error
	return txs, err
}

// SumAmountsBetween totals requested amounts that still count against the daily limit.
func (r *momoTransactionRepository) SumAmountsBetween(ctx context.Context, providerID uint, from, to time.Time) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	err := r.db.WithContext(ctx).
		Model(&models.MomoTransaction{}).
		Scopes(ForProvider(providerID), InWindow(from, to)).
		Where("status NOT IN ?", []models.MomoStatus{models.MomoStatusFailed, models.MomoStatusCancelled, models.MomoStatusExpired}).
		Pluck("amount", &amounts).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total, nil
}

func (r *momoTransactionRepository) List(ctx context.Context, scopes []func(*gorm.DB) *gorm.DB, offset, limit int) ([]models.MomoTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var txs []models.MomoTransaction
	err := r.db.WithContext(ctx).
		Scopes(scopes...).
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// IsDuplicate reports whether err is a unique constraint violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
