package repository

import (
	"errors"

	"gorm.io/gorm"

	"github.com/ManuelReschke/PayFox/app/models"
)

// settingRepository implements the SettingRepository interface
type settingRepository struct {
	db *gorm.DB
}

// NewSettingRepository creates a new setting repository instance
func NewSettingRepository(db *gorm.DB) SettingRepository {
	return &settingRepository{db: db}
}

// Get returns the in-memory settings, loading them on first use.
func (r *settingRepository) Get() (*models.AppSettings, error) {
	if s := models.GetAppSettings(); s != nil {
		return s, nil
	}
	if err := models.LoadSettings(r.db); err != nil {
		return nil, err
	}
	return models.GetAppSettings(), nil
}

// Save validates and persists the settings, then swaps the in-memory copy.
func (r *settingRepository) Save(settings *models.AppSettings) error {
	return models.SaveSettings(r.db, settings)
}

// GetValue retrieves a raw setting value; unknown keys yield "".
func (r *settingRepository) GetValue(key string) (string, error) {
	var setting models.Setting
	err := r.db.Where("setting_key = ?", key).First(&setting).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return setting.Value, nil
}

// SetValue upserts a raw setting and reloads the in-memory settings.
func (r *settingRepository) SetValue(key, value string) error {
	var setting models.Setting
	err := r.db.Where("setting_key = ?", key).First(&setting).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		setting = models.Setting{Key: key, Value: value, Type: "string"}
		if err := r.db.Create(&setting).Error; err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		setting.Value = value
		if err := r.db.Save(&setting).Error; err != nil {
			return err
		}
	}
	return models.LoadSettings(r.db)
}
