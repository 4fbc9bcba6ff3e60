package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Setting represents a system setting
type Setting struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Key       string    `gorm:"column:setting_key;size:255;not null;uniqueIndex" json:"key" validate:"required,min=1,max=255"`
	Value     string    `gorm:"type:text" json:"value"`
	Type      string    `gorm:"size:50;not null" json:"type" validate:"required"` // string, boolean, integer
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppSettings holds runtime-tunable worker and reconciliation settings.
type AppSettings struct {
	JobQueueWorkerCount        int  `json:"job_queue_worker_count" validate:"min=1,max=50"`
	RetrySweepIntervalMinutes  int  `json:"retry_sweep_interval_minutes" validate:"min=1,max=1440"`
	ExpirySweepIntervalMinutes int  `json:"expiry_sweep_interval_minutes" validate:"min=1,max=1440"`
	HealthCheckIntervalSeconds int  `json:"health_check_interval_seconds" validate:"min=10,max=3600"`
	ReconciliationEnabled      bool `json:"reconciliation_enabled"`
	ReconciliationHour         int  `json:"reconciliation_hour" validate:"min=0,max=23"`
	ReconciliationGraceMinutes int  `json:"reconciliation_grace_minutes" validate:"min=0,max=10080"`
	FuzzyMatchWindowMinutes    int  `json:"fuzzy_match_window_minutes" validate:"min=1,max=1440"`
	mu                         sync.RWMutex
}

// Global settings instance
var (
	appSettings *AppSettings
	settingsMu  sync.RWMutex
)

// DefaultAppSettings returns the built-in defaults.
func DefaultAppSettings() *AppSettings {
	return &AppSettings{
		JobQueueWorkerCount:        5,
		RetrySweepIntervalMinutes:  1,
		ExpirySweepIntervalMinutes: 5,
		HealthCheckIntervalSeconds: 60,
		ReconciliationEnabled:      true,
		ReconciliationHour:         2,
		ReconciliationGraceMinutes: 60,
		FuzzyMatchWindowMinutes:    10,
	}
}

// GetAppSettings returns the current application settings
func GetAppSettings() *AppSettings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return appSettings
}

// LoadSettings loads settings from database into memory
func LoadSettings(db *gorm.DB) error {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	loaded := DefaultAppSettings()

	var settings []Setting
	if err := db.Find(&settings).Error; err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	for _, setting := range settings {
		switch setting.Key {
		case "reconciliation_enabled":
			loaded.ReconciliationEnabled = setting.Value == "true"
		default:
			if target := loaded.intField(setting.Key); target != nil {
				if v, err := strconv.Atoi(setting.Value); err == nil {
					*target = v
				}
			}
		}
	}

	appSettings = loaded
	return nil
}

// SaveSettings saves current settings to database
func SaveSettings(db *gorm.DB, settings *AppSettings) error {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	if err := settings.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	for key, value := range settings.toMap() {
		var setting Setting
		result := db.Where("setting_key = ?", key).First(&setting)

		if result.Error != nil {
			if result.Error == gorm.ErrRecordNotFound {
				setting = Setting{
					Key:   key,
					Value: value,
					Type:  getSettingType(key),
				}
				if err := db.Create(&setting).Error; err != nil {
					return fmt.Errorf("failed to create setting %s: %w", key, err)
				}
			} else {
				return fmt.Errorf("failed to query setting %s: %w", key, result.Error)
			}
		} else {
			setting.Value = value
			if err := db.Save(&setting).Error; err != nil {
				return fmt.Errorf("failed to update setting %s: %w", key, err)
			}
		}
	}

	appSettings = settings
	return nil
}

func (s *AppSettings) intField(key string) *int {
	switch key {
	case "job_queue_worker_count":
		return &s.JobQueueWorkerCount
	case "retry_sweep_interval_minutes":
		return &s.RetrySweepIntervalMinutes
	case "expiry_sweep_interval_minutes":
		return &s.ExpirySweepIntervalMinutes
	case "health_check_interval_seconds":
		return &s.HealthCheckIntervalSeconds
	case "reconciliation_hour":
		return &s.ReconciliationHour
	case "reconciliation_grace_minutes":
		return &s.ReconciliationGraceMinutes
	case "fuzzy_match_window_minutes":
		return &s.FuzzyMatchWindowMinutes
	}
	return nil
}

func (s *AppSettings) toMap() map[string]string {
	return map[string]string{
		"job_queue_worker_count":        strconv.Itoa(s.JobQueueWorkerCount),
		"retry_sweep_interval_minutes":  strconv.Itoa(s.RetrySweepIntervalMinutes),
		"expiry_sweep_interval_minutes": strconv.Itoa(s.ExpirySweepIntervalMinutes),
		"health_check_interval_seconds": strconv.Itoa(s.HealthCheckIntervalSeconds),
		"reconciliation_enabled":        strconv.FormatBool(s.ReconciliationEnabled),
		"reconciliation_hour":           strconv.Itoa(s.ReconciliationHour),
		"reconciliation_grace_minutes":  strconv.Itoa(s.ReconciliationGraceMinutes),
		"fuzzy_match_window_minutes":    strconv.Itoa(s.FuzzyMatchWindowMinutes),
	}
}

// getSettingType returns the type of a setting based on its key
func getSettingType(key string) string {
	if key == "reconciliation_enabled" {
		return "boolean"
	}
	return "integer"
}

// Validate validates the settings
func (s *AppSettings) Validate() error {
	validate := validator.New()
	return validate.Struct(s)
}

// ToJSON converts settings to JSON
func (s *AppSettings) ToJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s)
}

// FromJSON loads settings from JSON
func (s *AppSettings) FromJSON(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Unmarshal(data, s)
}

func (s *AppSettings) GetJobQueueWorkerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.JobQueueWorkerCount
}

func (s *AppSettings) GetRetrySweepInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.RetrySweepIntervalMinutes) * time.Minute
}

func (s *AppSettings) GetExpirySweepInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.ExpirySweepIntervalMinutes) * time.Minute
}

func (s *AppSettings) GetHealthCheckInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.HealthCheckIntervalSeconds) * time.Second
}

func (s *AppSettings) IsReconciliationEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ReconciliationEnabled
}

func (s *AppSettings) GetReconciliationHour() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ReconciliationHour
}

func (s *AppSettings) GetReconciliationGrace() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.ReconciliationGraceMinutes) * time.Minute
}

func (s *AppSettings) GetFuzzyMatchWindow() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.FuzzyMatchWindowMinutes) * time.Minute
}
