package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/secrets"
)

var (
	ErrProviderNotFound   = errors.New("no active provider configured")
	ErrDailyLimitExceeded = errors.New("daily limit exceeded")
	ErrInvalidSettings    = errors.New("invalid provider settings")
	ErrMissingCredentials = errors.New("provider credentials not configured")
)

// Credentials is the revealed credential set of one environment.
// Values only live for the duration of a single outbound request or verification.
type Credentials struct {
	ClientID      string
	APIKey        string
	APISecret     string
	WebhookSecret string
}

// Registry resolves provider configuration for the configured company and environment.
type Registry struct {
	repo        repository.ProviderRepository
	txRepo      repository.MomoTransactionRepository
	cipher      *secrets.Cipher
	companyID   uint
	environment models.Environment
	validate    *validator.Validate
}

func NewRegistry(repos *repository.Repositories, cipher *secrets.Cipher, companyID uint, env models.Environment) *Registry {
	return &Registry{
		repo:        repos.Provider,
		txRepo:      repos.MomoTransaction,
		cipher:      cipher,
		companyID:   companyID,
		environment: env,
		validate:    validator.New(),
	}
}

func (r *Registry) CompanyID() uint                 { return r.companyID }
func (r *Registry) Environment() models.Environment { return r.environment }

// GetActiveProvider returns the active config of kind for env.
func (r *Registry) GetActiveProvider(ctx context.Context, kind models.ProviderKind, env models.Environment) (*models.Provider, error) {
	p, err := r.repo.FindActive(ctx, r.companyID, kind, env == models.EnvironmentSandbox)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrProviderNotFound, kind, env)
	}
	return p, err
}

// Active is GetActiveProvider for the registry's own environment.
func (r *Registry) Active(ctx context.Context, kind models.ProviderKind) (*models.Provider, error) {
	return r.GetActiveProvider(ctx, kind, r.environment)
}

// ByCode resolves the active provider addressed by a webhook URL segment.
func (r *Registry) ByCode(ctx context.Context, code string) (*models.Provider, error) {
	p, err := r.repo.FindActiveByCode(ctx, r.companyID, code, r.environment == models.EnvironmentSandbox)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: code %q", ErrProviderNotFound, code)
	}
	return p, err
}

func (r *Registry) Get(ctx context.Context, id uint) (*models.Provider, error) {
	p, err := r.repo.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrProviderNotFound, id)
	}
	return p, err
}

func (r *Registry) List(ctx context.Context) ([]models.Provider, error) {
	return r.repo.ListByCompany(ctx, r.companyID)
}

func (r *Registry) ListActive(ctx context.Context) ([]models.Provider, error) {
	return r.repo.ListActive(ctx)
}

// CalculateFee is amount * percentage / 100 + fixed, rounded to two places.
func CalculateFee(p *models.Provider, amount decimal.Decimal) decimal.Decimal {
	pct := amount.Mul(p.FeePercentage).Div(decimal.NewFromInt(100))
	return pct.Add(p.FeeFixed).Round(2)
}

// IsAmountValid reports min <= amount <= max.
func IsAmountValid(p *models.Provider, amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(p.MinAmount) && amount.LessThanOrEqual(p.MaxAmount)
}

// CheckDailyLimit fails when amount would push today's open and completed volume past the limit.
// A zero limit means unlimited.
func (r *Registry) CheckDailyLimit(ctx context.Context, p *models.Provider, amount decimal.Decimal, now time.Time) error {
	if !p.DailyLimit.IsPositive() {
		return nil
	}
	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	used, err := r.txRepo.SumAmountsBetween(ctx, p.ID, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return fmt.Errorf("failed to sum daily volume: %w", err)
	}
	if used.Add(amount).GreaterThan(p.DailyLimit) {
		return fmt.Errorf("%w: %s used of %s", ErrDailyLimitExceeded, used.StringFixed(2), p.DailyLimit.StringFixed(2))
	}
	return nil
}

// Activate makes one config the active one for its company, kind and environment.
func (r *Registry) Activate(ctx context.Context, id uint) (*models.Provider, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	if err := r.repo.Activate(ctx, id); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// Credentials reveals the active credential set.
func (r *Registry) Credentials(p *models.Provider) (Credentials, error) {
	set := p.ActiveCredentials()
	var out Credentials
	var err error
	out.ClientID = set.ClientID
	if out.APIKey, err = set.APIKey.Reveal(r.cipher); err != nil {
		return Credentials{}, fmt.Errorf("api key: %w", err)
	}
	if out.APISecret, err = set.APISecret.Reveal(r.cipher); err != nil {
		return Credentials{}, fmt.Errorf("api secret: %w", err)
	}
	if out.WebhookSecret, err = set.WebhookSecret.Reveal(r.cipher); err != nil {
		return Credentials{}, fmt.Errorf("webhook secret: %w", err)
	}
	return out, nil
}

// WebhookSecret reveals only the signing secret; empty means verification must fail.
func (r *Registry) WebhookSecret(p *models.Provider) (string, error) {
	s := p.ActiveCredentials().WebhookSecret
	if s.IsZero() {
		return "", ErrMissingCredentials
	}
	return s.Reveal(r.cipher)
}

// RecordHealth persists the outcome of a health probe.
func (r *Registry) RecordHealth(ctx context.Context, id uint, status models.HealthStatus, details string, now time.Time) error {
	return r.repo.UpdateHealth(ctx, id, status, details, now.UTC())
}
