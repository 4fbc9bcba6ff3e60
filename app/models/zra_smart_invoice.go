package models

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// ErrSubmissionInFlight means another sender holds the invoice's submission claim.
var ErrSubmissionInFlight = errors.New("submission already in flight")

// ZraStatus is the submission state of a Smart Invoice.
type ZraStatus string

const (
	ZraStatusPending   ZraStatus = "pending"
	ZraStatusSubmitted ZraStatus = "submitted"
	ZraStatusApproved  ZraStatus = "approved"
	ZraStatusRejected  ZraStatus = "rejected"
	ZraStatusCancelled ZraStatus = "cancelled"
)

var zraTransitions = map[ZraStatus][]ZraStatus{
	ZraStatusPending:   {ZraStatusSubmitted, ZraStatusRejected, ZraStatusCancelled},
	ZraStatusSubmitted: {ZraStatusApproved, ZraStatusRejected, ZraStatusCancelled},
	ZraStatusRejected:  {ZraStatusSubmitted, ZraStatusCancelled},
}

// ZraSmartInvoice tracks the fiscal submission of exactly one CRM invoice.
type ZraSmartInvoice struct {
	ID                    uint                        `gorm:"primaryKey" json:"id"`
	InvoiceID             uint                        `gorm:"not null;uniqueIndex" json:"invoice_id"`
	InvoiceNumber         string                      `gorm:"type:varchar(100);not null" json:"invoice_number"`
	CompanyID             uint                        `gorm:"not null;index" json:"company_id"`
	ProviderID            uint                        `gorm:"not null;index" json:"provider_id"`
	SubmissionStatus      ZraStatus                   `gorm:"type:varchar(20);not null;index" json:"submission_status"`
	ZraReference          string                      `gorm:"type:varchar(191);index" json:"zra_reference"`
	SubmissionID          string                      `gorm:"type:varchar(191)" json:"submission_id"`
	VerificationURL       string                      `gorm:"type:varchar(500)" json:"verification_url"`
	QRCode                string                      `gorm:"type:text" json:"qr_code"`
	ValidationErrors      datatypes.JSONSlice[string] `json:"validation_errors"`
	RequestPayload        datatypes.JSONMap           `json:"request_payload"`
	RejectionReason       string                      `gorm:"type:text" json:"rejection_reason"`
	ResponseData          datatypes.JSONMap           `json:"response_data"`
	LastError             string                      `gorm:"type:text" json:"last_error"`
	RetryCount            int                         `gorm:"not null;default:0" json:"retry_count"`
	LastSubmissionAttempt *time.Time                  `json:"last_submission_attempt,omitempty"`
	SubmissionClaimedAt   *time.Time                  `json:"submission_claimed_at,omitempty"`
	SubmittedBy           *uint                       `json:"submitted_by,omitempty"`
	SubmittedAt           *time.Time                  `json:"submitted_at,omitempty"`
	ApprovedAt            *time.Time                  `json:"approved_at,omitempty"`
	RejectedAt            *time.Time                  `json:"rejected_at,omitempty"`
	CancelledAt           *time.Time                  `json:"cancelled_at,omitempty"`
	CancelledBy           *uint                       `json:"cancelled_by,omitempty"`
	CancellationReason    string                      `gorm:"type:text" json:"cancellation_reason"`
	RequiresReview        bool                        `gorm:"not null;default:false;index" json:"requires_review"`
	IsTestMode            bool                        `gorm:"<-:create;not null;default:false" json:"is_test_mode"`
	Version               uint                        `gorm:"not null" json:"version"`
	CreatedAt             time.Time                   `json:"created_at"`
	UpdatedAt             time.Time                   `json:"updated_at"`
}

func (z *ZraSmartInvoice) IsFinal() bool {
	return z.SubmissionStatus == ZraStatusApproved || z.SubmissionStatus == ZraStatusCancelled
}

func (z *ZraSmartInvoice) transitionTo(target ZraStatus) (bool, error) {
	if z.SubmissionStatus == target {
		return false, nil
	}
	for _, next := range zraTransitions[z.SubmissionStatus] {
		if next == target {
			z.SubmissionStatus = target
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: zra %s -> %s", ErrInvalidTransition, z.SubmissionStatus, target)
}

// MarkSubmitted records an accepted submission, counts the attempt and
// captures the authority's references from the response.
func (z *ZraSmartInvoice) MarkSubmitted(responseData map[string]interface{}, submittedBy *uint, now time.Time) (bool, error) {
	changed, err := z.transitionTo(ZraStatusSubmitted)
	if err != nil || !changed {
		return changed, err
	}
	z.RetryCount++
	z.LastSubmissionAttempt = &now
	z.SubmittedAt = &now
	z.SubmittedBy = submittedBy
	z.LastError = ""
	z.ValidationErrors = nil
	z.RejectionReason = ""
	if ref := stringField(responseData, "zra_reference", "reference"); ref != "" {
		z.ZraReference = ref
	}
	if id := stringField(responseData, "submission_id"); id != "" {
		z.SubmissionID = id
	}
	if u := stringField(responseData, "verification_url"); u != "" {
		z.VerificationURL = u
	}
	if qr := stringField(responseData, "qr_code"); qr != "" {
		z.QRCode = qr
	}
	z.mergeResponse(responseData)
	return true, nil
}

func (z *ZraSmartInvoice) MarkApproved(responseData map[string]interface{}, now time.Time) (bool, error) {
	changed, err := z.transitionTo(ZraStatusApproved)
	if err != nil || !changed {
		return changed, err
	}
	z.ApprovedAt = &now
	if u := stringField(responseData, "verification_url"); u != "" {
		z.VerificationURL = u
	}
	if qr := stringField(responseData, "qr_code"); qr != "" {
		z.QRCode = qr
	}
	z.mergeResponse(responseData)
	return true, nil
}

func (z *ZraSmartInvoice) MarkRejected(reason string, validationErrors []string, responseData map[string]interface{}, now time.Time) (bool, error) {
	changed, err := z.transitionTo(ZraStatusRejected)
	if err != nil || !changed {
		return changed, err
	}
	z.RejectedAt = &now
	z.RejectionReason = reason
	z.ValidationErrors = append(datatypes.JSONSlice[string]{}, validationErrors...)
	z.mergeResponse(responseData)
	return true, nil
}

func (z *ZraSmartInvoice) MarkCancelled(reason string, cancelledBy *uint, now time.Time) (bool, error) {
	changed, err := z.transitionTo(ZraStatusCancelled)
	if err != nil || !changed {
		return changed, err
	}
	z.CancelledAt = &now
	z.CancelledBy = cancelledBy
	z.CancellationReason = reason
	return true, nil
}

// CanResubmit is true while the invoice has not been accepted or closed.
func (z *ZraSmartInvoice) CanResubmit() bool {
	return z.SubmissionStatus == ZraStatusPending || z.SubmissionStatus == ZraStatusRejected
}

// ClaimSubmission reserves the invoice for one outbound submission. A claim
// younger than lease belongs to a sender that may still be talking to the authority.
func (z *ZraSmartInvoice) ClaimSubmission(now time.Time, lease time.Duration) error {
	if !z.CanResubmit() {
		return fmt.Errorf("%w: zra %s cannot be submitted", ErrInvalidTransition, z.SubmissionStatus)
	}
	if z.SubmissionClaimedAt != nil && now.Sub(*z.SubmissionClaimedAt) < lease {
		return fmt.Errorf("%w: invoice %s claimed at %s", ErrSubmissionInFlight, z.InvoiceNumber, z.SubmissionClaimedAt.Format(time.RFC3339))
	}
	z.SubmissionClaimedAt = &now
	return nil
}

// ReleaseSubmission drops the claim. Returns false if none was held.
func (z *ZraSmartInvoice) ReleaseSubmission() bool {
	if z.SubmissionClaimedAt == nil {
		return false
	}
	z.SubmissionClaimedAt = nil
	return true
}

// HasDocument reports whether a fiscal document body is stored.
func (z *ZraSmartInvoice) HasDocument() bool {
	return len(z.RequestPayload) > 0
}

// AttachDocument replaces the stored document. Only allowed while the invoice
// can still be (re)submitted and no submission is in flight.
func (z *ZraSmartInvoice) AttachDocument(doc map[string]interface{}) error {
	if !z.CanResubmit() {
		return fmt.Errorf("%w: zra %s document is frozen", ErrInvalidTransition, z.SubmissionStatus)
	}
	if z.SubmissionClaimedAt != nil {
		return fmt.Errorf("%w: invoice %s", ErrSubmissionInFlight, z.InvoiceNumber)
	}
	z.RequestPayload = datatypes.JSONMap(doc)
	return nil
}

func (z *ZraSmartInvoice) IsReadyForRetry(delayMinutes int, now time.Time) bool {
	if z.LastSubmissionAttempt == nil {
		return true
	}
	return !now.Before(z.NextRetryAt(delayMinutes))
}

func (z *ZraSmartInvoice) NextRetryAt(delayMinutes int) time.Time {
	if z.LastSubmissionAttempt == nil {
		return z.CreatedAt
	}
	return z.LastSubmissionAttempt.Add(time.Duration(delayMinutes) * time.Minute)
}

func (z *ZraSmartInvoice) HasExceededMaxRetries(ceiling int) bool {
	return z.RetryCount >= ceiling
}

// RecordFailedAttempt counts a submission attempt that was not accepted.
func (z *ZraSmartInvoice) RecordFailedAttempt(errMsg string, now time.Time) {
	z.RetryCount++
	z.LastSubmissionAttempt = &now
	z.LastError = errMsg
}

func (z *ZraSmartInvoice) FlagForReview() bool {
	if z.RequiresReview {
		return false
	}
	z.RequiresReview = true
	return true
}

func (z *ZraSmartInvoice) mergeResponse(resp map[string]interface{}) {
	if len(resp) == 0 {
		return
	}
	if z.ResponseData == nil {
		z.ResponseData = datatypes.JSONMap{}
	}
	for k, v := range resp {
		z.ResponseData[k] = v
	}
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
