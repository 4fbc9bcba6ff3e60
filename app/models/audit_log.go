package models

import (
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrAuditLogImmutable = errors.New("audit log entries are append-only")

// AuditLog is one external hop (outbound call or inbound webhook).
type AuditLog struct {
	ID               uint              `gorm:"primaryKey" json:"id"`
	CorrelationID    string            `gorm:"type:varchar(255);not null;index" json:"correlation_id"`
	ProviderID       *uint             `gorm:"index" json:"provider_id,omitempty"`
	EntityType       string            `gorm:"type:varchar(50);index:idx_audit_entity,priority:1" json:"entity_type"`
	EntityID         *uint             `gorm:"index:idx_audit_entity,priority:2" json:"entity_id,omitempty"`
	Action           string            `gorm:"type:varchar(100);not null" json:"action"`
	Direction        string            `gorm:"type:varchar(10);not null" json:"direction"`
	Method           string            `gorm:"type:varchar(10)" json:"method"`
	Endpoint         string            `gorm:"type:varchar(500)" json:"endpoint"`
	HTTPStatus       int               `json:"http_status"`
	DurationMs       int64             `json:"duration_ms"`
	RequestSnapshot  datatypes.JSONMap `json:"request_snapshot"`
	ResponseSnapshot datatypes.JSONMap `json:"response_snapshot"`
	ErrorDetail      string            `gorm:"type:text" json:"error_detail"`
	CreatedAt        time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
}

const (
	AuditDirectionInbound  = "inbound"
	AuditDirectionOutbound = "outbound"
)

func (a *AuditLog) BeforeUpdate(tx *gorm.DB) error {
	return ErrAuditLogImmutable
}

func (a *AuditLog) BeforeDelete(tx *gorm.DB) error {
	return ErrAuditLogImmutable
}
