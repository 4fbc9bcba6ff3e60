// Package testdb provides an isolated in-memory database for package tests.
package testdb

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/database"
)

// New opens a fresh migrated SQLite database that lives as long as the test.
// A single connection serializes access the way row locks would on MySQL.
func New(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	cfg := database.Config()
	cfg.Logger = logger.Default.LogMode(logger.Silent)
	cfg.NowFunc = func() time.Time { return time.Now().UTC() }

	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// NewRepositories is New wrapped in the repository aggregate.
func NewRepositories(t testing.TB) *repository.Repositories {
	t.Helper()
	return repository.NewRepositories(New(t))
}

// MomoProvider inserts an active sandbox MoMo provider with a 2% + 1 fee.
func MomoProvider(t testing.TB, repos *repository.Repositories, mutate ...func(*models.Provider)) *models.Provider {
	t.Helper()
	p := &models.Provider{
		CompanyID:         1,
		Kind:              models.ProviderKindMomo,
		Code:              "mtn",
		DisplayName:       "MTN MoMo",
		Currency:          "ZMW",
		SandboxBaseURL:    "http://momo.invalid",
		ProductionBaseURL: "http://momo-prod.invalid",
		MinAmount:         decimal.NewFromInt(1),
		MaxAmount:         decimal.NewFromInt(10000),
		DailyLimit:        decimal.NewFromInt(50000),
		FeePercentage:     decimal.NewFromInt(2),
		FeeFixed:          decimal.NewFromInt(1),
		RetryDelayMinutes: 5,
		MaxRetries:        3,
		ExpiryMinutes:     30,
		IsSandbox:         true,
		IsActive:          true,
		HealthStatus:      models.HealthUnknown,
	}
	for _, m := range mutate {
		m(p)
	}
	if err := repos.Provider.Create(testContext(t), p); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	return p
}

// ZraProvider inserts an active sandbox ZRA endpoint config.
func ZraProvider(t testing.TB, repos *repository.Repositories, mutate ...func(*models.Provider)) *models.Provider {
	t.Helper()
	return MomoProvider(t, repos, append([]func(*models.Provider){func(p *models.Provider) {
		p.Kind = models.ProviderKindZra
		p.Code = "zra"
		p.DisplayName = "ZRA Smart Invoice"
		p.SandboxBaseURL = "http://zra.invalid"
		p.FeePercentage = decimal.Zero
		p.FeeFixed = decimal.Zero
	}}, mutate...)...)
}
