package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type WebhookStatus string

const (
	WebhookStatusPending   WebhookStatus = "pending"
	WebhookStatusProcessed WebhookStatus = "processed"
	WebhookStatusFailed    WebhookStatus = "failed"
	WebhookStatusIgnored   WebhookStatus = "ignored"
)

// Webhook stores an inbound provider callback verbatim, before any processing.
type Webhook struct {
	ID                uint              `gorm:"primaryKey" json:"id"`
	ProviderID        uint              `gorm:"not null;default:0;index:idx_webhooks_provider_external,priority:1" json:"provider_id"`
	ProviderCode      string            `gorm:"type:varchar(50);not null" json:"provider_code"`
	WebhookID         string            `gorm:"type:varchar(191);not null;index:idx_webhooks_provider_external,priority:2" json:"webhook_id"`
	EventType         string            `gorm:"type:varchar(100);not null;default:'';index" json:"event_type"`
	Headers           datatypes.JSONMap `json:"headers"`
	Payload           string            `gorm:"type:longtext;not null" json:"payload"`
	Signature         string            `gorm:"type:varchar(255)" json:"signature"`
	SignatureVerified bool              `gorm:"not null;default:false" json:"signature_verified"`
	IsDuplicate       bool              `gorm:"not null;default:false;index" json:"is_duplicate"`
	Status            WebhookStatus     `gorm:"type:varchar(20);not null;index" json:"status"`
	ProcessedKey      *string           `gorm:"type:varchar(255);uniqueIndex" json:"-"`
	EntityType        string            `gorm:"type:varchar(50)" json:"entity_type"`
	EntityID          *uint             `json:"entity_id,omitempty"`
	Notes             string            `gorm:"type:text" json:"notes"`
	RetryCount        int               `gorm:"not null;default:0" json:"retry_count"`
	CorrelationID     string            `gorm:"type:varchar(255);index" json:"correlation_id"`
	ProcessedAt       *time.Time        `json:"processed_at,omitempty"`
	CreatedAt         time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// DedupeKey identifies the external delivery across retries.
func (w *Webhook) DedupeKey() string {
	return fmt.Sprintf("%d:%s", w.ProviderID, w.WebhookID)
}

// MarkProcessed claims the dedupe key for this row.
func (w *Webhook) MarkProcessed(entityType string, entityID uint, note string, now time.Time) {
	key := w.DedupeKey()
	w.Status = WebhookStatusProcessed
	w.ProcessedKey = &key
	w.IsDuplicate = false
	w.EntityType = entityType
	w.EntityID = &entityID
	w.Notes = note
	w.ProcessedAt = &now
}

// MarkDuplicate ignores a re-delivery of an already processed webhook.
func (w *Webhook) MarkDuplicate(note string, now time.Time) {
	w.Status = WebhookStatusIgnored
	w.IsDuplicate = true
	w.ProcessedKey = nil
	w.Notes = note
	w.ProcessedAt = &now
}

// MarkFailed records a processing failure and counts it.
func (w *Webhook) MarkFailed(note string, now time.Time) {
	w.Status = WebhookStatusFailed
	w.ProcessedKey = nil
	w.Notes = note
	w.RetryCount++
	w.ProcessedAt = &now
}

// MarkRejected records a webhook that must never drive a mutation (bad signature, unknown provider).
func (w *Webhook) MarkRejected(note string, now time.Time) {
	w.Status = WebhookStatusFailed
	w.ProcessedKey = nil
	w.Notes = note
	w.ProcessedAt = &now
}
