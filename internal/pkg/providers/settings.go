package providers

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/secrets"
)

// CredentialInput carries plaintext credentials from the operator API.
// Empty fields keep the stored value.
type CredentialInput struct {
	ClientID      string `json:"client_id" validate:"omitempty,max=191"`
	APIKey        string `json:"api_key"`
	APISecret     string `json:"api_secret"`
	WebhookSecret string `json:"webhook_secret" validate:"omitempty,min=16"`
}

// ProviderSettings is a partial update; nil fields are left unchanged.
type ProviderSettings struct {
	DisplayName           *string          `json:"display_name" validate:"omitempty,min=1,max=255"`
	SandboxBaseURL        *string          `json:"sandbox_base_url" validate:"omitempty,url"`
	ProductionBaseURL     *string          `json:"production_base_url" validate:"omitempty,url"`
	TokenPath             *string          `json:"token_path" validate:"omitempty,startswith=/"`
	HealthPath            *string          `json:"health_path" validate:"omitempty,startswith=/"`
	MinAmount             *decimal.Decimal `json:"min_amount"`
	MaxAmount             *decimal.Decimal `json:"max_amount"`
	DailyLimit            *decimal.Decimal `json:"daily_limit"`
	FeePercentage         *decimal.Decimal `json:"fee_percentage"`
	FeeFixed              *decimal.Decimal `json:"fee_fixed"`
	RetryDelayMinutes     *int             `json:"retry_delay_minutes" validate:"omitempty,min=1,max=1440"`
	MaxRetries            *int             `json:"max_retries" validate:"omitempty,min=1,max=20"`
	ExpiryMinutes         *int             `json:"expiry_minutes" validate:"omitempty,min=1,max=10080"`
	SandboxCredentials    *CredentialInput `json:"sandbox_credentials" validate:"omitempty"`
	ProductionCredentials *CredentialInput `json:"production_credentials" validate:"omitempty"`
}

// UpdateSettings validates and applies s; credentials are sealed before they are stored.
func (r *Registry) UpdateSettings(ctx context.Context, id uint, s ProviderSettings) (*models.Provider, error) {
	if err := r.validate.Struct(s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	p, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	setString(&p.DisplayName, s.DisplayName)
	setString(&p.SandboxBaseURL, s.SandboxBaseURL)
	setString(&p.ProductionBaseURL, s.ProductionBaseURL)
	setString(&p.TokenPath, s.TokenPath)
	setString(&p.HealthPath, s.HealthPath)
	setDecimal(&p.MinAmount, s.MinAmount)
	setDecimal(&p.MaxAmount, s.MaxAmount)
	setDecimal(&p.DailyLimit, s.DailyLimit)
	setDecimal(&p.FeePercentage, s.FeePercentage)
	setDecimal(&p.FeeFixed, s.FeeFixed)
	if s.RetryDelayMinutes != nil {
		p.RetryDelayMinutes = *s.RetryDelayMinutes
	}
	if s.MaxRetries != nil {
		p.MaxRetries = *s.MaxRetries
	}
	if s.ExpiryMinutes != nil {
		p.ExpiryMinutes = *s.ExpiryMinutes
	}

	if err := checkAmounts(p); err != nil {
		return nil, err
	}
	if err := r.applyCredentials(&p.SandboxCredentials, s.SandboxCredentials); err != nil {
		return nil, err
	}
	if err := r.applyCredentials(&p.ProductionCredentials, s.ProductionCredentials); err != nil {
		return nil, err
	}

	if err := r.repo.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func checkAmounts(p *models.Provider) error {
	for name, v := range map[string]decimal.Decimal{
		"min_amount":     p.MinAmount,
		"max_amount":     p.MaxAmount,
		"daily_limit":    p.DailyLimit,
		"fee_percentage": p.FeePercentage,
		"fee_fixed":      p.FeeFixed,
	} {
		if v.IsNegative() {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidSettings, name)
		}
	}
	if p.MaxAmount.IsPositive() && p.MinAmount.GreaterThan(p.MaxAmount) {
		return fmt.Errorf("%w: min_amount exceeds max_amount", ErrInvalidSettings)
	}
	if p.FeePercentage.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: fee_percentage above 100", ErrInvalidSettings)
	}
	return nil
}

func (r *Registry) applyCredentials(dst *models.ProviderCredentials, in *CredentialInput) error {
	if in == nil {
		return nil
	}
	if in.ClientID != "" {
		dst.ClientID = in.ClientID
	}
	for _, f := range []struct {
		plain string
		field *secrets.SecretField
	}{
		{in.APIKey, &dst.APIKey},
		{in.APISecret, &dst.APISecret},
		{in.WebhookSecret, &dst.WebhookSecret},
	} {
		if f.plain == "" {
			continue
		}
		sealed, err := secrets.Seal(r.cipher, f.plain)
		if err != nil {
			return err
		}
		*f.field = sealed
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDecimal(dst *decimal.Decimal, v *decimal.Decimal) {
	if v != nil {
		*dst = *v
	}
}
