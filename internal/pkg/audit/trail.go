package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/secrets"
)

// Entry is one external hop before it is persisted.
type Entry struct {
	CorrelationID string
	ProviderID    *uint
	EntityType    string
	EntityID      *uint
	Action        string
	Direction     string
	Method        string
	Endpoint      string
	HTTPStatus    int
	Duration      time.Duration
	Request       map[string]interface{}
	Response      map[string]interface{}
	Err           error
}

// Trail is the append-only record of every call to or from a provider.
type Trail struct {
	repo repository.AuditLogRepository
}

func NewTrail(repo repository.AuditLogRepository) *Trail {
	return &Trail{repo: repo}
}

// Record persists e with credentials redacted from both snapshots.
func (t *Trail) Record(ctx context.Context, e Entry) (*models.AuditLog, error) {
	if e.CorrelationID == "" {
		e.CorrelationID = CorrelationID(ctx)
	}
	if e.CorrelationID == "" {
		return nil, fmt.Errorf("audit entry %q has no correlation id", e.Action)
	}
	entry := &models.AuditLog{
		CorrelationID:    e.CorrelationID,
		ProviderID:       e.ProviderID,
		EntityType:       e.EntityType,
		EntityID:         e.EntityID,
		Action:           e.Action,
		Direction:        e.Direction,
		Method:           e.Method,
		Endpoint:         e.Endpoint,
		HTTPStatus:       e.HTTPStatus,
		DurationMs:       e.Duration.Milliseconds(),
		RequestSnapshot:  secrets.Redact(e.Request),
		ResponseSnapshot: secrets.Redact(e.Response),
	}
	if e.Err != nil {
		entry.ErrorDetail = e.Err.Error()
	}
	if err := t.repo.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record audit entry: %w", err)
	}
	return entry, nil
}

func (t *Trail) ByCorrelationID(ctx context.Context, correlationID string) ([]models.AuditLog, error) {
	return t.repo.FindByCorrelationID(ctx, correlationID)
}

func (t *Trail) ByEntity(ctx context.Context, entityType string, entityID uint) ([]models.AuditLog, error) {
	return t.repo.FindByEntity(ctx, entityType, entityID)
}
