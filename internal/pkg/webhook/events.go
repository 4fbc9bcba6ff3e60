package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PayFox/internal/pkg/notify"
)

var (
	ErrUnknownEvent   = errors.New("unknown webhook event type")
	ErrEntityNotFound = errors.New("webhook references no known entity")
)

// envelope is the decoded delivery. Fields are read from the top level and
// from a nested "data" object, the nested value winning.
type envelope struct {
	WebhookID string
	EventType string
	Fields    map[string]interface{}
}

func decodeEnvelope(payload []byte) (*envelope, error) {
	var top map[string]interface{}
	if err := json.Unmarshal(payload, &top); err != nil {
		return nil, err
	}
	fields := make(map[string]interface{}, len(top))
	for k, v := range top {
		fields[k] = v
	}
	if data, ok := top["data"].(map[string]interface{}); ok {
		for k, v := range data {
			fields[k] = v
		}
	}
	return &envelope{
		WebhookID: firstString(top, "webhook_id", "id", "event_id"),
		EventType: strings.ToLower(firstString(top, "event_type", "type", "event")),
		Fields:    fields,
	}, nil
}

// fallbackWebhookID identifies deliveries that carry no id by their content.
func fallbackWebhookID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func stringList(m map[string]interface{}, keys ...string) []string {
	for _, k := range keys {
		items, ok := m[k].([]interface{})
		if !ok {
			continue
		}
		out := make([]string, 0, len(items))
		for _, it := range items {
			switch v := it.(type) {
			case string:
				out = append(out, v)
			case map[string]interface{}:
				if msg := firstString(v, "message"); msg != "" {
					if field := firstString(v, "field"); field != "" {
						msg = field + ": " + msg
					}
					out = append(out, msg)
				}
			}
		}
		return out
	}
	return nil
}

// target is the entity an event applies to.
type target struct {
	entityType string
	momo       ledger.MomoMutation
	zra        ledger.ZraMutation
}

func mapEvent(env *envelope, now time.Time) (*target, error) {
	f := env.Fields
	reason := firstString(f, "reason", "failure_reason", "message")
	switch env.EventType {
	case "payment.processing":
		return momoTarget(func(tx *models.MomoTransaction) (bool, error) {
			return tx.MarkProcessing(firstString(f, "reference", "reference_id", "referenceId"),
				firstString(f, "provider_transaction_id", "financialTransactionId"), now)
		}), nil
	case "payment.completed", "payment.successful":
		return momoTarget(func(tx *models.MomoTransaction) (bool, error) {
			if id := firstString(f, "provider_transaction_id", "financialTransactionId"); id != "" && tx.ProviderTransactionID == "" {
				tx.ProviderTransactionID = id
			}
			return tx.MarkCompleted(f, now)
		}), nil
	case "payment.failed":
		if reason == "" {
			reason = "provider reported failure"
		}
		return momoTarget(func(tx *models.MomoTransaction) (bool, error) {
			return tx.MarkFailed(reason, f, now)
		}), nil
	case "payment.cancelled":
		return momoTarget(func(tx *models.MomoTransaction) (bool, error) {
			return tx.MarkCancelled(reason, now)
		}), nil
	case "payment.expired":
		return momoTarget(func(tx *models.MomoTransaction) (bool, error) {
			return tx.MarkExpired(now)
		}), nil
	case "invoice.submitted":
		return zraTarget(func(inv *models.ZraSmartInvoice) (bool, error) {
			return inv.MarkSubmitted(f, nil, now)
		}), nil
	case "invoice.approved":
		return zraTarget(func(inv *models.ZraSmartInvoice) (bool, error) {
			return inv.MarkApproved(f, now)
		}), nil
	case "invoice.rejected":
		errs := stringList(f, "validation_errors", "errors")
		return zraTarget(func(inv *models.ZraSmartInvoice) (bool, error) {
			return inv.MarkRejected(firstString(f, "rejection_reason", "reason", "message"), errs, f, now)
		}), nil
	case "invoice.cancelled":
		return zraTarget(func(inv *models.ZraSmartInvoice) (bool, error) {
			return inv.MarkCancelled(reason, nil, now)
		}), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.EventType)
}

func momoTarget(fn ledger.MomoMutation) *target {
	return &target{entityType: notify.EntityMomoTransaction, momo: fn}
}

func zraTarget(fn ledger.ZraMutation) *target {
	return &target{entityType: notify.EntityZraInvoice, zra: fn}
}

// locateTransaction finds the transaction by our number, the provider's id or our request reference.
func locateTransaction(ctx context.Context, r *repository.Repositories, providerID uint, f map[string]interface{}) (*models.MomoTransaction, error) {
	if number := firstString(f, "transaction_number", "external_id", "externalId"); number != "" {
		tx, err := r.MomoTransaction.GetByNumber(ctx, number)
		if err == nil && tx.ProviderID == providerID {
			return tx, nil
		}
		if err != nil && !repository.IsNotFound(err) {
			return nil, err
		}
	}
	if id := firstString(f, "provider_transaction_id", "financialTransactionId"); id != "" {
		tx, err := r.MomoTransaction.GetByProviderTransactionID(ctx, providerID, id)
		if err == nil {
			return tx, nil
		}
		if !repository.IsNotFound(err) {
			return nil, err
		}
	}
	if ref := firstString(f, "reference", "reference_id", "referenceId", "provider_reference"); ref != "" {
		tx, err := r.MomoTransaction.GetByProviderReference(ctx, providerID, ref)
		if err == nil {
			return tx, nil
		}
		if !repository.IsNotFound(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: momo transaction", ErrEntityNotFound)
}

func locateInvoice(ctx context.Context, r *repository.Repositories, providerID uint, f map[string]interface{}) (*models.ZraSmartInvoice, error) {
	if ref := firstString(f, "zra_reference", "reference"); ref != "" {
		inv, err := r.ZraInvoice.GetByReference(ctx, providerID, ref)
		if err == nil {
			return inv, nil
		}
		if !repository.IsNotFound(err) {
			return nil, err
		}
	}
	if raw := firstString(f, "invoice_id"); raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			inv, err := r.ZraInvoice.GetByInvoiceID(ctx, uint(id))
			if err == nil && inv.ProviderID == providerID {
				return inv, nil
			}
			if err != nil && !repository.IsNotFound(err) {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: zra invoice", ErrEntityNotFound)
}
