package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// GetDB returns the process-wide connection, nil before SetupDatabase ran.
func GetDB() *gorm.DB {
	return DB
}

// Config is the GORM configuration shared by production and tests.
// TranslateError maps driver unique violations to gorm.ErrDuplicatedKey.
func Config() *gorm.Config {
	return &gorm.Config{TranslateError: true}
}

func SetupDatabase() {
	var err error
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			DisableDatetimePrecision:  false,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), Config())
		if err == nil {
			if err = AutoMigrate(DB); err != nil {
				log.Errorf("[Database] AutoMigrate failed: %v", err)
			}
			if err = models.LoadSettings(DB); err != nil {
				log.Warnf("[Database] Using default settings: %v", err)
			}
			return
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Infof("[Database] Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}

	if err != nil {
		panic(err)
	}
}

// AutoMigrate creates or updates every table this service owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Provider{},
		&models.MomoTransaction{},
		&models.ZraSmartInvoice{},
		&models.Webhook{},
		&models.AuditLog{},
		&models.Reconciliation{},
		&models.ReconciliationDiscrepancy{},
		&models.Setting{},
	)
}
