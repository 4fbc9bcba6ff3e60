package repository

import (
	"sync"

	"gorm.io/gorm"
)

// Factory manages repository instances and ensures they are singletons
type Factory struct {
	db    *gorm.DB
	repos *Repositories
	once  sync.Once
}

// NewFactory creates a new repository factory
func NewFactory(db *gorm.DB) *Factory {
	return &Factory{
		db: db,
	}
}

// GetRepositories returns a singleton instance of all repositories
func (f *Factory) GetRepositories() *Repositories {
	f.once.Do(func() {
		f.repos = NewRepositories(f.db)
	})
	return f.repos
}

// GetProviderRepository returns the provider repository instance
func (f *Factory) GetProviderRepository() ProviderRepository {
	return f.GetRepositories().Provider
}

// GetMomoTransactionRepository returns the MoMo transaction repository instance
func (f *Factory) GetMomoTransactionRepository() MomoTransactionRepository {
	return f.GetRepositories().MomoTransaction
}

// GetZraInvoiceRepository returns the Smart Invoice repository instance
func (f *Factory) GetZraInvoiceRepository() ZraInvoiceRepository {
	return f.GetRepositories().ZraInvoice
}

// GetWebhookRepository returns the webhook repository instance
func (f *Factory) GetWebhookRepository() WebhookRepository {
	return f.GetRepositories().Webhook
}

// GetAuditLogRepository returns the audit log repository instance
func (f *Factory) GetAuditLogRepository() AuditLogRepository {
	return f.GetRepositories().AuditLog
}

// GetReconciliationRepository returns the reconciliation repository instance
func (f *Factory) GetReconciliationRepository() ReconciliationRepository {
	return f.GetRepositories().Reconciliation
}

// GetSettingRepository returns the setting repository instance
func (f *Factory) GetSettingRepository() SettingRepository {
	return f.GetRepositories().Setting
}

// Global factory instance
var globalFactory *Factory
var factoryOnce sync.Once

// InitializeFactory initializes the global repository factory
func InitializeFactory(db *gorm.DB) {
	factoryOnce.Do(func() {
		globalFactory = NewFactory(db)
	})
}

// GetGlobalFactory returns the global repository factory instance
func GetGlobalFactory() *Factory {
	if globalFactory == nil {
		panic("Repository factory not initialized. Call InitializeFactory first.")
	}
	return globalFactory
}

// GetGlobalRepositories returns the global repositories instance
func GetGlobalRepositories() *Repositories {
	return GetGlobalFactory().GetRepositories()
}
