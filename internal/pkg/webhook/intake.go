// Package webhook ingests provider callbacks: persist first, verify, dedupe, apply.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PayFox/internal/pkg/providers"
	"github.com/ManuelReschke/PayFox/internal/pkg/secrets"
)

// MaxReplays bounds operator replays of a failed delivery.
const MaxReplays = 5

var (
	ErrPersist           = errors.New("failed to persist webhook")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrMalformedPayload  = errors.New("malformed webhook payload")
	ErrUnknownProvider   = errors.New("unknown webhook provider")
	ErrNotReplayable     = errors.New("webhook is not replayable")
	ErrReplayLimit       = errors.New("webhook replay limit reached")
	errClaimedElsewhere  = errors.New("dedupe key claimed by a concurrent delivery")
	signatureHeaderNames = []string{"X-Signature", "X-Webhook-Signature", "X-Hub-Signature-256"}
)

// Input is one raw delivery as received by the HTTP endpoint.
type Input struct {
	ProviderCode string
	Headers      map[string]string
	Payload      []byte
	Signature    string
}

// SignatureFromHeaders picks the signature from the first known header present.
func SignatureFromHeaders(headers map[string]string) string {
	for _, name := range signatureHeaderNames {
		for k, v := range headers {
			if strings.EqualFold(k, name) && v != "" {
				return v
			}
		}
	}
	return ""
}

// Intake is the WebhookIntake.
type Intake struct {
	repos    *repository.Repositories
	registry *providers.Registry
	ledger   *ledger.Service
	trail    *audit.Trail
	now      func() time.Time
}

func NewIntake(repos *repository.Repositories, registry *providers.Registry, l *ledger.Service, trail *audit.Trail) *Intake {
	return &Intake{repos: repos, registry: registry, ledger: l, trail: trail, now: time.Now}
}

// Ingest stores the delivery verbatim and then processes it.
//
// A nil webhook means persisting failed; that is the only case the endpoint
// answers non-2xx. Otherwise the returned error explains why the delivery
// did not change any state (bad signature, unknown event, ...) and the
// outcome is recorded on the webhook row.
func (in *Intake) Ingest(ctx context.Context, input Input) (*models.Webhook, error) {
	started := time.Now()
	code := strings.ToLower(strings.TrimSpace(input.ProviderCode))

	var provider *models.Provider
	p, err := in.registry.ByCode(ctx, code)
	switch {
	case err == nil:
		provider = p
	case !errors.Is(err, providers.ErrProviderNotFound):
		log.Warnf("[Webhook] Provider lookup for %q failed: %v", code, err)
	}

	env, decodeErr := decodeEnvelope(input.Payload)
	w := &models.Webhook{
		ProviderCode: code,
		Payload:      string(input.Payload),
		Signature:    input.Signature,
		Headers:      headersJSON(input.Headers),
		Status:       models.WebhookStatusPending,
	}
	if provider != nil {
		w.ProviderID = provider.ID
	}
	if decodeErr == nil {
		w.WebhookID = env.WebhookID
		w.EventType = env.EventType
	}
	if w.WebhookID == "" {
		w.WebhookID = fallbackWebhookID(input.Payload)
	}
	w.CorrelationID = fmt.Sprintf("webhook:%s:%s", code, w.WebhookID)

	if err := in.repos.Webhook.Create(ctx, w); err != nil {
		log.Errorf("[Webhook] Failed to persist delivery from %s: %v", code, err)
		return nil, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return w, in.process(ctx, w, provider, started, false)
}

// Replay re-runs verification and application for a stored failed delivery.
func (in *Intake) Replay(ctx context.Context, webhookID uint) (*models.Webhook, error) {
	started := time.Now()
	w, err := in.repos.Webhook.GetByID(ctx, webhookID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, fmt.Errorf("%w: webhook %d not found", ErrNotReplayable, webhookID)
		}
		return nil, err
	}
	if w.Status != models.WebhookStatusFailed {
		return w, fmt.Errorf("%w: status is %s", ErrNotReplayable, w.Status)
	}
	if w.RetryCount >= MaxReplays {
		return w, fmt.Errorf("%w: %d attempts", ErrReplayLimit, w.RetryCount)
	}

	var provider *models.Provider
	if w.ProviderID != 0 {
		provider, err = in.registry.Get(ctx, w.ProviderID)
	} else {
		provider, err = in.registry.ByCode(ctx, w.ProviderCode)
		if err == nil {
			w.ProviderID = provider.ID
		}
	}
	if err != nil && !errors.Is(err, providers.ErrProviderNotFound) {
		return w, err
	}
	log.Infof("[Webhook] Replaying %s (attempt %d)", w.CorrelationID, w.RetryCount+1)
	return w, in.process(ctx, w, provider, started, true)
}

func (in *Intake) process(ctx context.Context, w *models.Webhook, provider *models.Provider, started time.Time, replay bool) error {
	ctx = audit.WithCorrelationID(ctx, w.CorrelationID)
	now := in.now().UTC()

	committed, outcome := in.apply(ctx, w, provider, now, replay)
	if outcome != nil && w.Status == models.WebhookStatusPending {
		w.MarkFailed(outcome.Error(), now)
	}
	if !committed {
		if err := in.repos.Webhook.Save(ctx, w); err != nil {
			log.Errorf("[Webhook] Failed to save outcome of %s: %v", w.CorrelationID, err)
		}
	}

	in.recordAudit(ctx, w, started, outcome)
	switch {
	case outcome != nil:
		log.Warnf("[Webhook] %s not applied: %v", w.CorrelationID, outcome)
	case w.IsDuplicate:
		log.Infof("[Webhook] %s is a duplicate, ignored", w.CorrelationID)
	default:
		log.Infof("[Webhook] %s processed (%s)", w.CorrelationID, w.EventType)
	}
	return outcome
}

// apply records the outcome on w. The bool reports that w was already saved
// together with the entity mutation.
func (in *Intake) apply(ctx context.Context, w *models.Webhook, provider *models.Provider, now time.Time, replay bool) (bool, error) {
	if provider == nil {
		w.MarkRejected("unknown provider", now)
		countReplay(w, replay)
		return false, fmt.Errorf("%w: %q", ErrUnknownProvider, w.ProviderCode)
	}

	canonical, err := CanonicalJSON([]byte(w.Payload))
	if err != nil {
		w.MarkRejected("malformed payload", now)
		countReplay(w, replay)
		return false, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	secret, err := in.registry.WebhookSecret(provider)
	if err != nil {
		w.MarkRejected("signature could not be verified: no webhook secret", now)
		countReplay(w, replay)
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !VerifySignature(canonical, w.Signature, secret) {
		w.MarkRejected("signature mismatch", now)
		countReplay(w, replay)
		return false, ErrInvalidSignature
	}
	w.SignatureVerified = true

	env, err := decodeEnvelope([]byte(w.Payload))
	if err != nil || env.EventType == "" {
		w.MarkFailed("payload has no event type", now)
		return false, ErrMalformedPayload
	}

	prior, err := in.repos.Webhook.FindProcessed(ctx, w.ProviderID, w.WebhookID)
	if err != nil {
		return false, fmt.Errorf("dedupe lookup: %w", err)
	}
	if prior != nil && prior.ID != w.ID {
		w.MarkDuplicate(fmt.Sprintf("duplicate of webhook %d", prior.ID), now)
		return false, nil
	}

	t, err := mapEvent(env, now)
	if err != nil {
		w.MarkFailed(err.Error(), now)
		return false, err
	}

	var change *ledger.Change
	err = in.repos.Transaction(ctx, func(r *repository.Repositories) error {
		var (
			entityID uint
			note     string
			txErr    error
		)
		switch {
		case t.momo != nil:
			tx, err := locateTransaction(ctx, r, provider.ID, env.Fields)
			if err != nil {
				return err
			}
			var updated *models.MomoTransaction
			updated, change, txErr = in.ledger.ApplyMomoIn(ctx, r, tx.ID, t.momo)
			if txErr != nil {
				return txErr
			}
			entityID = updated.ID
			note = fmt.Sprintf("%s %s", updated.TransactionNumber, updated.Status)
		case t.zra != nil:
			inv, err := locateInvoice(ctx, r, provider.ID, env.Fields)
			if err != nil {
				return err
			}
			var updated *models.ZraSmartInvoice
			updated, change, txErr = in.ledger.ApplyZraIn(ctx, r, inv.ID, t.zra)
			if txErr != nil {
				return txErr
			}
			entityID = updated.ID
			note = fmt.Sprintf("invoice %s %s", updated.InvoiceNumber, updated.SubmissionStatus)
		}
		if change == nil {
			note += " (no state change)"
		}
		w.MarkProcessed(t.entityType, entityID, note, now)
		if err := r.Webhook.Save(ctx, w); err != nil {
			if repository.IsDuplicate(err) {
				return errClaimedElsewhere
			}
			return err
		}
		return nil
	})

	switch {
	case err == nil:
		in.ledger.Publish(ctx, change)
		return true, nil
	case errors.Is(err, errClaimedElsewhere):
		w.MarkDuplicate("processed concurrently by another delivery", now)
		return false, nil
	default:
		w.EntityType = t.entityType
		w.EntityID = nil
		w.MarkFailed(err.Error(), now)
		return false, err
	}
}

func countReplay(w *models.Webhook, replay bool) {
	if replay {
		w.RetryCount++
	}
}

func (in *Intake) recordAudit(ctx context.Context, w *models.Webhook, started time.Time, outcome error) {
	if in.trail == nil {
		return
	}
	entry := audit.Entry{
		CorrelationID: w.CorrelationID,
		EntityType:    w.EntityType,
		EntityID:      w.EntityID,
		Action:        "webhook." + eventOrUnknown(w.EventType),
		Direction:     models.AuditDirectionInbound,
		Method:        http.MethodPost,
		Endpoint:      "/webhooks/" + w.ProviderCode,
		HTTPStatus:    http.StatusOK,
		Duration:      time.Since(started),
		Request: map[string]interface{}{
			"headers": map[string]interface{}(w.Headers),
			"payload": w.Payload,
		},
		Response: map[string]interface{}{
			"webhook_row_id":     w.ID,
			"status":             string(w.Status),
			"signature_verified": w.SignatureVerified,
			"is_duplicate":       w.IsDuplicate,
			"notes":              w.Notes,
		},
		Err: outcome,
	}
	if w.ProviderID != 0 {
		id := w.ProviderID
		entry.ProviderID = &id
	}
	if _, err := in.trail.Record(ctx, entry); err != nil {
		log.Errorf("[Webhook] Failed to write audit entry for %s: %v", w.CorrelationID, err)
	}
}

func eventOrUnknown(e string) string {
	if e == "" {
		return "unknown"
	}
	return e
}

func headersJSON(h map[string]string) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range secrets.RedactHeaders(h) {
		out[k] = v
	}
	return out
}
