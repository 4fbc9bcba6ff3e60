package zra

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
)

const invoicesPath = "/smart-invoice/v1/invoices"

// RemoteStatus is the authority's view of a submitted invoice.
type RemoteStatus string

const (
	RemoteSubmitted RemoteStatus = "submitted"
	RemoteApproved  RemoteStatus = "approved"
	RemoteRejected  RemoteStatus = "rejected"
	RemoteCancelled RemoteStatus = "cancelled"
)

func ParseRemoteStatus(s string) RemoteStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved", "accepted", "validated":
		return RemoteApproved
	case "rejected", "invalid":
		return RemoteRejected
	case "cancelled", "canceled", "voided":
		return RemoteCancelled
	default:
		return RemoteSubmitted
	}
}

// SubmitResult is the authority's acceptance of an invoice for validation.
type SubmitResult struct {
	Status   RemoteStatus
	Response map[string]interface{}
}

// StatusResult is a queried invoice status.
type StatusResult struct {
	Status           RemoteStatus
	Reason           string
	ValidationErrors []string
	Response         map[string]interface{}
}

// Client submits invoices to the Smart Invoice API.
type Client struct {
	gw *gateway.Client
}

func NewClient(gw *gateway.Client) *Client {
	return &Client{gw: gw}
}

// Submit sends the invoice document. Business rejections come back as *gateway.RejectedError.
func (c *Client) Submit(ctx context.Context, p *models.Provider, inv *models.ZraSmartInvoice, document map[string]interface{}) (*SubmitResult, error) {
	body := make(map[string]interface{}, len(document)+3)
	for k, v := range document {
		body[k] = v
	}
	body["invoice_id"] = inv.InvoiceID
	body["invoice_number"] = inv.InvoiceNumber
	if inv.ZraReference != "" {
		body["previous_reference"] = inv.ZraReference
	}

	id := inv.ID
	resp, err := c.gw.Do(ctx, p, gateway.Request{
		Method:  http.MethodPost,
		Path:    invoicesPath,
		Body:    body,
		Subject: audit.Subject{EntityType: "zra_smart_invoice", EntityID: &id, Action: "zra.submit"},
	})
	if err != nil {
		return nil, err
	}
	status := ParseRemoteStatus(fmt.Sprint(resp.Body["status"]))
	if status == RemoteRejected {
		return nil, &gateway.RejectedError{
			StatusCode:       resp.StatusCode,
			Reason:           reason(resp.Body),
			ValidationErrors: errorList(resp.Body),
			Response:         resp.Body,
		}
	}
	return &SubmitResult{Status: status, Response: resp.Body}, nil
}

// Status queries the current validation status by reference.
func (c *Client) Status(ctx context.Context, p *models.Provider, inv *models.ZraSmartInvoice) (*StatusResult, error) {
	if inv.ZraReference == "" {
		return nil, fmt.Errorf("invoice %s has no ZRA reference", inv.InvoiceNumber)
	}
	id := inv.ID
	resp, err := c.gw.Do(ctx, p, gateway.Request{
		Method:  http.MethodGet,
		Path:    invoicesPath + "/" + url.PathEscape(inv.ZraReference),
		Subject: audit.Subject{EntityType: "zra_smart_invoice", EntityID: &id, Action: "zra.status"},
	})
	if err != nil {
		return nil, err
	}
	return &StatusResult{
		Status:           ParseRemoteStatus(fmt.Sprint(resp.Body["status"])),
		Reason:           reason(resp.Body),
		ValidationErrors: errorList(resp.Body),
		Response:         resp.Body,
	}, nil
}

func reason(body map[string]interface{}) string {
	for _, k := range []string{"rejection_reason", "reason", "message"} {
		if s, ok := body[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func errorList(body map[string]interface{}) []string {
	for _, k := range []string{"validation_errors", "errors"} {
		items, ok := body[k].([]interface{})
		if !ok {
			continue
		}
		out := make([]string, 0, len(items))
		for _, it := range items {
			switch v := it.(type) {
			case string:
				out = append(out, v)
			case map[string]interface{}:
				if msg, ok := v["message"].(string); ok {
					out = append(out, msg)
				}
			}
		}
		return out
	}
	return nil
}
