package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/notify"
)

// NotificationDispatcher hands notifications to the queue so the caller never
// waits on delivery. Enqueue failures are logged, never returned.
type NotificationDispatcher struct {
	queue *Queue
}

func NewNotificationDispatcher(q *Queue) *NotificationDispatcher {
	return &NotificationDispatcher{queue: q}
}

func (d *NotificationDispatcher) Notify(ctx context.Context, kind notify.EventKind, entity notify.Entity, payload map[string]interface{}) {
	n := notify.New(kind, entity, payload)
	data, err := notificationToMap(n)
	if err != nil {
		log.Errorf("[JobQueue] Failed to encode notification %s: %v", n.ID, err)
		return
	}
	correlationID, _ := payload["correlation_id"].(string)
	if _, err := d.queue.Enqueue(ctx, JobTypeNotificationDispatch, data, correlationID); err != nil {
		log.Errorf("[JobQueue] Failed to enqueue notification %s (%s %s:%d): %v", n.ID, n.Kind, n.Entity.Type, n.Entity.ID, err)
	}
}

// NotificationHandler delivers queued notifications to the sink.
func NotificationHandler(sink notify.Sink) Handler {
	return func(ctx context.Context, job *Job) error {
		var n notify.Notification
		if err := decodePayload(job.Payload, &n); err != nil {
			return fmt.Errorf("%w: decode notification: %v", ErrPermanent, err)
		}
		return sink.Deliver(ctx, n)
	}
}

func notificationToMap(n notify.Notification) (map[string]interface{}, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
