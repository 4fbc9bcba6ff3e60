// Package notifytest records notifications in memory for assertions.
package notifytest

import (
	"context"
	"sync"

	"github.com/ManuelReschke/PayFox/internal/pkg/notify"
)

type Recorder struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *Recorder) Notify(_ context.Context, kind notify.EventKind, entity notify.Entity, payload map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, notify.New(kind, entity, payload))
}

// All returns a copy of everything recorded so far.
func (r *Recorder) All() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// OfKind filters recorded notifications.
func (r *Recorder) OfKind(kind notify.EventKind) []notify.Notification {
	var out []notify.Notification
	for _, n := range r.All() {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
