package momo

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
)

const (
	requestToPayPath = "/collection/v1_0/requesttopay"
	statementPath    = "/collection/v1_0/statement"
)

// RemoteStatus is the provider's view of a collection request.
type RemoteStatus string

const (
	RemotePending    RemoteStatus = "pending"
	RemoteSuccessful RemoteStatus = "successful"
	RemoteFailed     RemoteStatus = "failed"
)

// ParseRemoteStatus folds provider spellings into RemoteStatus.
func ParseRemoteStatus(s string) RemoteStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "successful", "success", "completed":
		return RemoteSuccessful
	case "failed", "rejected", "timeout", "expired", "cancelled":
		return RemoteFailed
	default:
		return RemotePending
	}
}

// RequestToPayResult is the provider's acknowledgement of a collection request.
type RequestToPayResult struct {
	Reference             string
	ProviderTransactionID string
	Response              map[string]interface{}
}

// StatusResult is a polled status.
type StatusResult struct {
	Status                RemoteStatus
	ProviderTransactionID string
	Reason                string
	Response              map[string]interface{}
}

// StatementEntry is one line of a provider settlement statement.
type StatementEntry struct {
	ProviderTransactionID string          `json:"provider_transaction_id"`
	ExternalID            string          `json:"external_id"`
	Phone                 string          `json:"phone"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Status                string          `json:"status"`
	OccurredAt            time.Time       `json:"occurred_at"`
}

// Client speaks the collection API of a MoMo gateway.
type Client struct {
	gw *gateway.Client
}

func NewClient(gw *gateway.Client) *Client {
	return &Client{gw: gw}
}

// RequestToPay asks the payer to approve a collection. The returned reference
// is the idempotency key the provider tracks the request under.
func (c *Client) RequestToPay(ctx context.Context, p *models.Provider, tx *models.MomoTransaction) (*RequestToPayResult, error) {
	reference := tx.ProviderReference
	if reference == "" {
		reference = uuid.NewString()
	}
	body := map[string]interface{}{
		"amount":     tx.Amount.StringFixed(2),
		"currency":   tx.Currency,
		"externalId": tx.TransactionNumber,
		"payer": map[string]string{
			"partyIdType": "MSISDN",
			"partyId":     NormalizePhone(tx.CustomerPhone),
		},
		"payerMessage": tx.Description,
		"payeeNote":    tx.TransactionNumber,
	}
	id := tx.ID
	resp, err := c.gw.Do(ctx, p, gateway.Request{
		Method:  http.MethodPost,
		Path:    requestToPayPath,
		Body:    body,
		Headers: map[string]string{"X-Reference-Id": reference},
		Subject: audit.Subject{EntityType: "momo_transaction", EntityID: &id, Action: "momo.request_to_pay"},
	})
	if err != nil {
		return nil, err
	}
	out := &RequestToPayResult{Reference: reference, Response: resp.Body}
	if v, ok := resp.Body["financialTransactionId"].(string); ok {
		out.ProviderTransactionID = v
	}
	return out, nil
}

// Status polls a previously submitted request.
func (c *Client) Status(ctx context.Context, p *models.Provider, tx *models.MomoTransaction) (*StatusResult, error) {
	if tx.ProviderReference == "" {
		return nil, fmt.Errorf("transaction %s has no provider reference", tx.TransactionNumber)
	}
	id := tx.ID
	resp, err := c.gw.Do(ctx, p, gateway.Request{
		Method:  http.MethodGet,
		Path:    requestToPayPath + "/" + url.PathEscape(tx.ProviderReference),
		Subject: audit.Subject{EntityType: "momo_transaction", EntityID: &id, Action: "momo.status"},
	})
	if err != nil {
		return nil, err
	}
	out := &StatusResult{Response: resp.Body}
	out.Status = ParseRemoteStatus(stringField(resp.Body, "status"))
	out.ProviderTransactionID = stringField(resp.Body, "financialTransactionId")
	out.Reason = stringField(resp.Body, "reason")
	return out, nil
}

// FetchStatement returns the provider's settled lines for [from, to).
func (c *Client) FetchStatement(ctx context.Context, p *models.Provider, from, to time.Time) ([]StatementEntry, []byte, error) {
	q := url.Values{}
	q.Set("from", from.UTC().Format(time.RFC3339))
	q.Set("to", to.UTC().Format(time.RFC3339))
	resp, err := c.gw.Do(ctx, p, gateway.Request{
		Method:  http.MethodGet,
		Path:    statementPath,
		Query:   q,
		Subject: audit.Subject{EntityType: "momo_reconciliation", Action: "momo.statement"},
	})
	if err != nil {
		return nil, nil, err
	}
	entries, err := parseStatement(resp.Body)
	if err != nil {
		return nil, resp.Raw, err
	}
	return entries, resp.Raw, nil
}

func parseStatement(body map[string]interface{}) ([]StatementEntry, error) {
	items, _ := body["transactions"].([]interface{})
	out := make([]StatementEntry, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("statement line %d is not an object", i)
		}
		amount, err := decimal.NewFromString(fmt.Sprint(m["amount"]))
		if err != nil {
			return nil, fmt.Errorf("statement line %d: invalid amount: %w", i, err)
		}
		e := StatementEntry{
			ProviderTransactionID: stringField(m, "financialTransactionId"),
			ExternalID:            stringField(m, "externalId"),
			Phone:                 NormalizePhone(stringField(m, "payer")),
			Amount:                amount,
			Currency:              stringField(m, "currency"),
			Status:                stringField(m, "status"),
		}
		if ts := stringField(m, "timestamp"); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				e.OccurredAt = t.UTC()
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func stringField(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case map[string]interface{}:
		// payer objects carry the phone under partyId
		if id, ok := v["partyId"].(string); ok {
			return id
		}
	}
	return ""
}

// NormalizePhone reduces a Zambian MSISDN to 260XXXXXXXXX.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case strings.HasPrefix(digits, "00260"):
		return digits[2:]
	case len(digits) == 10 && strings.HasPrefix(digits, "0"):
		return "260" + digits[1:]
	case len(digits) == 9:
		return "260" + digits
	}
	return digits
}
