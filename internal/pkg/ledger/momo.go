package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/providers"
)

const (
	numberPrefix       = "MOMO"
	numberDigits       = 6
	maxNumberSequence  = 999999
	maxNumberAttempts  = 10
	defaultDescription = "Mobile money collection"
)

var ErrNumberSpaceExhausted = errors.New("transaction number space exhausted for month")

// CreateTransactionInput is a new collection request.
type CreateTransactionInput struct {
	Owner         models.Transactable `json:"owner"`
	ProviderID    uint                `json:"provider_id"`
	CustomerPhone string              `json:"customer_phone" validate:"required,min=9,max=20"`
	Amount        decimal.Decimal     `json:"amount"`
	Currency      string              `json:"currency" validate:"omitempty,len=3,alpha"`
	Description   string              `json:"description" validate:"max=255"`
}

// CreateTransaction validates the request against the provider's limits,
// computes the fee and inserts a pending transaction with a fresh number.
func (s *Service) CreateTransaction(ctx context.Context, in CreateTransactionInput) (*models.MomoTransaction, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	if err := in.Owner.Validate(); err != nil {
		return nil, validationError(err)
	}
	if !in.Amount.IsPositive() {
		return nil, validationError(fmt.Errorf("amount must be positive, got %s", in.Amount))
	}
	if s.resolver != nil {
		ok, err := s.resolver.Exists(ctx, in.Owner)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", in.Owner, err)
		}
		if !ok {
			return nil, validationError(fmt.Errorf("%s does not exist", in.Owner))
		}
	}

	p, err := s.momoProvider(ctx, in.ProviderID)
	if err != nil {
		return nil, err
	}
	if !providers.IsAmountValid(p, in.Amount) {
		return nil, validationError(fmt.Errorf("amount %s outside %s..%s",
			in.Amount.StringFixed(2), p.MinAmount.StringFixed(2), p.MaxAmount.StringFixed(2)))
	}
	currency := strings.ToUpper(in.Currency)
	if currency == "" {
		currency = p.Currency
	}
	if currency != p.Currency {
		return nil, validationError(fmt.Errorf("currency %s not supported by %s", currency, p.Code))
	}
	now := s.Now()
	if err := s.registry.CheckDailyLimit(ctx, p, in.Amount, now); err != nil {
		if errors.Is(err, providers.ErrDailyLimitExceeded) {
			return nil, validationError(err)
		}
		return nil, err
	}

	amount := in.Amount.Round(2)
	fee := providers.CalculateFee(p, amount)
	description := in.Description
	if description == "" {
		description = defaultDescription
	}
	tx := &models.MomoTransaction{
		CompanyID:        p.CompanyID,
		ProviderID:       p.ID,
		TransactableType: in.Owner.Kind,
		TransactableID:   in.Owner.ID,
		CustomerPhone:    in.CustomerPhone,
		Amount:           amount,
		Currency:         currency,
		FeeAmount:        fee,
		NetAmount:        amount.Sub(fee),
		Description:      description,
		Status:           models.MomoStatusPending,
		IsTestMode:       p.IsSandbox,
		Version:          1,
		CreatedAt:        now,
	}
	if err := s.insertNumbered(ctx, tx, now); err != nil {
		return nil, err
	}
	log.Infof("[Ledger] Created %s for %s (%s %s, fee %s)",
		tx.TransactionNumber, in.Owner, tx.Amount.StringFixed(2), tx.Currency, tx.FeeAmount.StringFixed(2))
	return tx, nil
}

func (s *Service) momoProvider(ctx context.Context, id uint) (*models.Provider, error) {
	if id == 0 {
		return s.registry.Active(ctx, models.ProviderKindMomo)
	}
	p, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Kind != models.ProviderKindMomo || !p.IsActive {
		return nil, validationError(fmt.Errorf("provider %s is not an active momo provider", p.Code))
	}
	return p, nil
}

// insertNumbered assigns MOMO-YYYYMM-NNNNNN. The unique index is the source of
// truth; the month lock only avoids needless collisions inside this process.
func (s *Service) insertNumbered(ctx context.Context, tx *models.MomoTransaction, now time.Time) error {
	prefix := fmt.Sprintf("%s-%s-", numberPrefix, now.Format("200601"))
	lock := s.monthLock(prefix)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
		latest, err := s.repos.MomoTransaction.LatestNumberWithPrefix(ctx, prefix)
		if err != nil {
			return fmt.Errorf("failed to read latest transaction number: %w", err)
		}
		number, err := nextNumber(prefix, latest)
		if err != nil {
			return err
		}
		tx.ID = 0
		tx.TransactionNumber = number
		err = s.repos.MomoTransaction.Create(ctx, tx)
		if err == nil {
			return nil
		}
		if !repository.IsDuplicate(err) {
			return fmt.Errorf("failed to insert transaction: %w", err)
		}
		log.Warnf("[Ledger] Number %s taken, retrying (attempt %d/%d)", number, attempt, maxNumberAttempts)
	}
	return fmt.Errorf("could not allocate a transaction number after %d attempts", maxNumberAttempts)
}

func (s *Service) monthLock(prefix string) *sync.Mutex {
	s.monthLocksMu.Lock()
	defer s.monthLocksMu.Unlock()
	l, ok := s.monthLocks[prefix]
	if !ok {
		l = &sync.Mutex{}
		s.monthLocks[prefix] = l
	}
	return l
}

func nextNumber(prefix, latest string) (string, error) {
	seq := 0
	if latest != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(latest, prefix))
		if err != nil {
			return "", fmt.Errorf("malformed transaction number %q: %w", latest, err)
		}
		seq = n
	}
	if seq >= maxNumberSequence {
		return "", fmt.Errorf("%w: %s", ErrNumberSpaceExhausted, prefix)
	}
	return fmt.Sprintf("%s%0*d", prefix, numberDigits, seq+1), nil
}

func (s *Service) GetTransaction(ctx context.Context, id uint) (*models.MomoTransaction, error) {
	tx, err := s.repos.MomoTransaction.GetByID(ctx, id)
	if repository.IsNotFound(err) {
		return nil, fmt.Errorf("%w: momo transaction %d", ErrNotFound, id)
	}
	return tx, err
}

func (s *Service) GetTransactionByNumber(ctx context.Context, number string) (*models.MomoTransaction, error) {
	tx, err := s.repos.MomoTransaction.GetByNumber(ctx, number)
	if repository.IsNotFound(err) {
		return nil, fmt.Errorf("%w: momo transaction %s", ErrNotFound, number)
	}
	return tx, err
}

// ListTransactions applies named scopes, e.g. repository.PendingOnly.
func (s *Service) ListTransactions(ctx context.Context, offset, limit int, scopes ...func(*gorm.DB) *gorm.DB) ([]models.MomoTransaction, error) {
	return s.repos.MomoTransaction.List(ctx, scopes, offset, limit)
}

func (s *Service) CompleteTransaction(ctx context.Context, id uint, providerResponse map[string]interface{}) (*models.MomoTransaction, error) {
	now := s.Now()
	return s.ApplyMomo(ctx, id, func(tx *models.MomoTransaction) (bool, error) {
		return tx.MarkCompleted(providerResponse, now)
	})
}

func (s *Service) FailTransaction(ctx context.Context, id uint, reason string, providerResponse map[string]interface{}) (*models.MomoTransaction, error) {
	now := s.Now()
	return s.ApplyMomo(ctx, id, func(tx *models.MomoTransaction) (bool, error) {
		return tx.MarkFailed(reason, providerResponse, now)
	})
}

func (s *Service) CancelTransaction(ctx context.Context, id uint, reason string) (*models.MomoTransaction, error) {
	now := s.Now()
	return s.ApplyMomo(ctx, id, func(tx *models.MomoTransaction) (bool, error) {
		return tx.MarkCancelled(reason, now)
	})
}

func (s *Service) ExpireTransaction(ctx context.Context, id uint) (*models.MomoTransaction, error) {
	now := s.Now()
	return s.ApplyMomo(ctx, id, func(tx *models.MomoTransaction) (bool, error) {
		return tx.MarkExpired(now)
	})
}

// MarkReconciled latches the reconciliation flag. Re-marking is a no-op.
func (s *Service) MarkReconciled(ctx context.Context, id, reconciliationID, userID uint) (*models.MomoTransaction, error) {
	now := s.Now()
	return s.ApplyMomo(ctx, id, func(tx *models.MomoTransaction) (bool, error) {
		return tx.MarkReconciled(reconciliationID, userID, now), nil
	})
}

// PostToLedger latches the general-ledger posting of a completed transaction.
func (s *Service) PostToLedger(ctx context.Context, id, glTransactionID uint) (*models.MomoTransaction, error) {
	now := s.Now()
	return s.ApplyMomo(ctx, id, func(tx *models.MomoTransaction) (bool, error) {
		if tx.Status != models.MomoStatusCompleted {
			return false, fmt.Errorf("%w: %s is %s, only completed transactions post", ErrValidation, tx.TransactionNumber, tx.Status)
		}
		return tx.MarkPostedToLedger(glTransactionID, now), nil
	})
}
