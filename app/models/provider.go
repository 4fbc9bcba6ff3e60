package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayFox/internal/pkg/secrets"
)

// ProviderKind distinguishes mobile-money gateways from the tax authority.
type ProviderKind string

const (
	ProviderKindMomo ProviderKind = "momo"
	ProviderKindZra  ProviderKind = "zra"
)

// Environment selects between the sandbox and production endpoint/credential sets.
type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// ParseEnvironment maps free-form config values to an Environment, defaulting to sandbox.
func ParseEnvironment(s string) Environment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production", "prod", "live":
		return EnvironmentProduction
	default:
		return EnvironmentSandbox
	}
}

type HealthStatus string

const (
	HealthUnknown  HealthStatus = "unknown"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

const (
	DefaultRetryDelayMinutes = 5
	DefaultZraMaxRetries     = 3
	DefaultExpiryMinutes     = 30
)

// ProviderCredentials is one environment's credential set.
type ProviderCredentials struct {
	ClientID      string              `gorm:"type:varchar(191)" json:"client_id"`
	APIKey        secrets.SecretField `gorm:"type:text" json:"api_key"`
	APISecret     secrets.SecretField `gorm:"type:text" json:"api_secret"`
	WebhookSecret secrets.SecretField `gorm:"type:text" json:"webhook_secret"`
}

// Provider is a configured MoMo gateway or ZRA endpoint for one company.
type Provider struct {
	ID                    uint                `gorm:"primaryKey" json:"id"`
	CompanyID             uint                `gorm:"not null;index:idx_providers_scope,priority:1;uniqueIndex:ux_providers_code,priority:1" json:"company_id"`
	Kind                  ProviderKind        `gorm:"type:varchar(10);not null;index:idx_providers_scope,priority:2" json:"kind"`
	Code                  string              `gorm:"type:varchar(50);not null;uniqueIndex:ux_providers_code,priority:2" json:"code"`
	DisplayName           string              `gorm:"type:varchar(255);not null" json:"display_name"`
	Currency              string              `gorm:"type:varchar(3);not null;default:'ZMW'" json:"currency"`
	SandboxBaseURL        string              `gorm:"type:varchar(255)" json:"sandbox_base_url"`
	ProductionBaseURL     string              `gorm:"type:varchar(255)" json:"production_base_url"`
	TokenPath             string              `gorm:"type:varchar(255)" json:"token_path"`
	HealthPath            string              `gorm:"type:varchar(255)" json:"health_path"`
	SandboxCredentials    ProviderCredentials `gorm:"embedded;embeddedPrefix:sandbox_" json:"sandbox_credentials"`
	ProductionCredentials ProviderCredentials `gorm:"embedded;embeddedPrefix:production_" json:"production_credentials"`
	MinAmount             decimal.Decimal     `gorm:"type:decimal(15,2);not null" json:"min_amount"`
	MaxAmount             decimal.Decimal     `gorm:"type:decimal(15,2);not null" json:"max_amount"`
	DailyLimit            decimal.Decimal     `gorm:"type:decimal(15,2);not null" json:"daily_limit"`
	FeePercentage         decimal.Decimal     `gorm:"type:decimal(7,4);not null" json:"fee_percentage"`
	FeeFixed              decimal.Decimal     `gorm:"type:decimal(15,2);not null" json:"fee_fixed"`
	RetryDelayMinutes     int                 `gorm:"not null" json:"retry_delay_minutes"`
	MaxRetries            int                 `gorm:"not null" json:"max_retries"`
	ExpiryMinutes         int                 `gorm:"not null" json:"expiry_minutes"`
	IsSandbox             bool                `gorm:"index:idx_providers_scope,priority:3;uniqueIndex:ux_providers_code,priority:3" json:"is_sandbox"`
	IsActive              bool                `gorm:"index:idx_providers_scope,priority:4" json:"is_active"`
	HealthStatus          HealthStatus        `gorm:"type:varchar(20);not null;default:'unknown'" json:"health_status"`
	HealthDetails         string              `gorm:"type:text" json:"health_details"`
	LastHealthCheckAt     *time.Time          `json:"last_health_check_at,omitempty"`
	CreatedAt             time.Time           `json:"created_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

// Environment returns the environment this config belongs to.
func (p *Provider) Environment() Environment {
	if p.IsSandbox {
		return EnvironmentSandbox
	}
	return EnvironmentProduction
}

// ActiveBaseURL returns the base URL selected by IsSandbox.
func (p *Provider) ActiveBaseURL() string {
	if p.IsSandbox {
		return strings.TrimRight(p.SandboxBaseURL, "/")
	}
	return strings.TrimRight(p.ProductionBaseURL, "/")
}

// ActiveCredentials returns the credential set selected by IsSandbox.
func (p *Provider) ActiveCredentials() ProviderCredentials {
	if p.IsSandbox {
		return p.SandboxCredentials
	}
	return p.ProductionCredentials
}

// RetryDelay falls back to the default five minutes when unset.
func (p *Provider) RetryDelay() time.Duration {
	if p.RetryDelayMinutes <= 0 {
		return DefaultRetryDelayMinutes * time.Minute
	}
	return time.Duration(p.RetryDelayMinutes) * time.Minute
}

// RetryCeiling is the configurable ZRA resubmission ceiling.
func (p *Provider) RetryCeiling() int {
	if p.MaxRetries <= 0 {
		return DefaultZraMaxRetries
	}
	return p.MaxRetries
}

// ExpiryWindow is how long a MoMo request may stay open before it expires.
func (p *Provider) ExpiryWindow() time.Duration {
	if p.ExpiryMinutes <= 0 {
		return DefaultExpiryMinutes * time.Minute
	}
	return time.Duration(p.ExpiryMinutes) * time.Minute
}
