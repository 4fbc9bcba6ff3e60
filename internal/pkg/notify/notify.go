package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

// EventKind is the closed set of events other subsystems can subscribe to.
type EventKind string

const (
	MomoStatusChanged       EventKind = "momo_status_changed"
	ZraStatusChanged        EventKind = "zra_status_changed"
	ReconciliationCompleted EventKind = "reconciliation_completed"
)

const (
	EntityMomoTransaction = "momo_transaction"
	EntityZraInvoice      = "zra_smart_invoice"
	EntityReconciliation  = "momo_reconciliation"
)

// Entity identifies what a notification is about.
type Entity struct {
	Type      string `json:"type"`
	ID        uint   `json:"id"`
	Reference string `json:"reference,omitempty"`
}

// Notification is the envelope handed to a Sink.
type Notification struct {
	ID         string                 `json:"id"`
	Kind       EventKind              `json:"kind"`
	Entity     Entity                 `json:"entity"`
	Payload    map[string]interface{} `json:"payload"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Dispatcher is fire-and-forget: implementations never block the caller on
// delivery and never report delivery failures back to it.
type Dispatcher interface {
	Notify(ctx context.Context, kind EventKind, entity Entity, payload map[string]interface{})
}

// Sink performs the actual delivery (email, chat, in-app). It lives outside this service.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// New builds an envelope with a fresh id.
func New(kind EventKind, entity Entity, payload map[string]interface{}) Notification {
	return Notification{
		ID:         uuid.NewString(),
		Kind:       kind,
		Entity:     entity,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// StatusChange is the standard payload for a state transition.
func StatusChange(oldStatus, newStatus string, extra map[string]interface{}) map[string]interface{} {
	p := map[string]interface{}{
		"old_status": oldStatus,
		"new_status": newStatus,
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

// LogSink writes notifications to the log; the default when no delivery backend is wired.
type LogSink struct{}

func (LogSink) Deliver(_ context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	log.Infof("[Notify] %s", b)
	return nil
}

// AsyncDispatcher delivers on a goroutine, for deployments without the job queue.
type AsyncDispatcher struct {
	Sink    Sink
	Timeout time.Duration
}

func (d *AsyncDispatcher) Notify(_ context.Context, kind EventKind, entity Entity, payload map[string]interface{}) {
	n := New(kind, entity, payload)
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := d.Sink.Deliver(ctx, n); err != nil {
			log.Errorf("[Notify] Delivery of %s for %s:%d failed: %v", n.Kind, n.Entity.Type, n.Entity.ID, err)
		}
	}()
}
