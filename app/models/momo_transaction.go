package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRetryNotAllowed   = errors.New("retry not allowed")
)

// MomoStatus is the lifecycle state of a mobile-money transaction.
type MomoStatus string

const (
	MomoStatusPending    MomoStatus = "pending"
	MomoStatusProcessing MomoStatus = "processing"
	MomoStatusCompleted  MomoStatus = "completed"
	MomoStatusFailed     MomoStatus = "failed"
	MomoStatusCancelled  MomoStatus = "cancelled"
	MomoStatusExpired    MomoStatus = "expired"
)

// MomoMaxRetries is the fixed MoMo retry ceiling.
const MomoMaxRetries = 3

var momoTransitions = map[MomoStatus][]MomoStatus{
	MomoStatusPending:    {MomoStatusProcessing, MomoStatusCompleted, MomoStatusFailed, MomoStatusCancelled, MomoStatusExpired},
	MomoStatusProcessing: {MomoStatusCompleted, MomoStatusFailed, MomoStatusCancelled, MomoStatusExpired},
}

// MomoTransaction is one collection request against a MoMo provider.
type MomoTransaction struct {
	ID                         uint              `gorm:"primaryKey" json:"id"`
	TransactionNumber          string            `gorm:"type:varchar(32);not null;uniqueIndex" json:"transaction_number"`
	CompanyID                  uint              `gorm:"not null;index" json:"company_id"`
	ProviderID                 uint              `gorm:"not null;index" json:"provider_id"`
	Provider                   *Provider         `gorm:"foreignKey:ProviderID" json:"provider,omitempty"`
	TransactableType           TransactableKind  `gorm:"type:varchar(20);not null;index:idx_momo_transactable,priority:1" json:"transactable_type"`
	TransactableID             uint              `gorm:"not null;index:idx_momo_transactable,priority:2" json:"transactable_id"`
	CustomerPhone              string            `gorm:"type:varchar(20);not null;index" json:"customer_phone"`
	Amount                     decimal.Decimal   `gorm:"type:decimal(15,2);not null" json:"amount"`
	Currency                   string            `gorm:"type:varchar(3);not null" json:"currency"`
	FeeAmount                  decimal.Decimal   `gorm:"type:decimal(15,2);not null" json:"fee_amount"`
	NetAmount                  decimal.Decimal   `gorm:"type:decimal(15,2);not null" json:"net_amount"`
	Description                string            `gorm:"type:varchar(255)" json:"description"`
	Status                     MomoStatus        `gorm:"type:varchar(20);not null;index" json:"status"`
	ProviderTransactionID      string            `gorm:"type:varchar(191);index" json:"provider_transaction_id"`
	ProviderReference          string            `gorm:"type:varchar(191);index" json:"provider_reference"`
	ProviderResponse           datatypes.JSONMap `json:"provider_response"`
	FailureReason              string            `gorm:"type:text" json:"failure_reason"`
	LastError                  string            `gorm:"type:text" json:"last_error"`
	RetryCount                 int               `gorm:"not null;default:0" json:"retry_count"`
	LastRetryAt                *time.Time        `json:"last_retry_at,omitempty"`
	LastAttemptAt              *time.Time        `json:"last_attempt_at,omitempty"`
	SubmittedAt                *time.Time        `json:"submitted_at,omitempty"`
	CompletedAt                *time.Time        `json:"completed_at,omitempty"`
	FailedAt                   *time.Time        `json:"failed_at,omitempty"`
	CancelledAt                *time.Time        `json:"cancelled_at,omitempty"`
	ExpiredAt                  *time.Time        `json:"expired_at,omitempty"`
	IsPostedToLedger           bool              `gorm:"not null;default:false" json:"is_posted_to_ledger"`
	GeneralLedgerTransactionID *uint             `json:"general_ledger_transaction_id,omitempty"`
	PostedAt                   *time.Time        `json:"posted_at,omitempty"`
	IsReconciled               bool              `gorm:"not null;default:false;index" json:"is_reconciled"`
	ReconciliationID           *uint             `gorm:"index" json:"reconciliation_id,omitempty"`
	ReconciledBy               *uint             `json:"reconciled_by,omitempty"`
	ReconciledAt               *time.Time        `json:"reconciled_at,omitempty"`
	RequiresReview             bool              `gorm:"not null;default:false;index" json:"requires_review"`
	IsTestMode                 bool              `gorm:"<-:create;not null;default:false" json:"is_test_mode"`
	Version                    uint              `gorm:"not null" json:"version"`
	CreatedAt                  time.Time         `json:"created_at"`
	UpdatedAt                  time.Time         `json:"updated_at"`
	DeletedAt                  gorm.DeletedAt    `gorm:"index" json:"-"`
}

// Owner returns the tagged transactable reference.
func (t *MomoTransaction) Owner() Transactable {
	return Transactable{Kind: t.TransactableType, ID: t.TransactableID}
}

// IsFinal reports whether the transaction reached a terminal state.
func (t *MomoTransaction) IsFinal() bool {
	switch t.Status {
	case MomoStatusCompleted, MomoStatusFailed, MomoStatusCancelled, MomoStatusExpired:
		return true
	}
	return false
}

// transitionTo moves to target. Re-entering the current state is a no-op.
func (t *MomoTransaction) transitionTo(target MomoStatus) (bool, error) {
	if t.Status == target {
		return false, nil
	}
	for _, next := range momoTransitions[t.Status] {
		if next == target {
			t.Status = target
			return true, nil
		}
	}
	return false, fmt.Errorf("%w: momo %s -> %s", ErrInvalidTransition, t.Status, target)
}

// MarkProcessing records that the provider accepted the request.
func (t *MomoTransaction) MarkProcessing(providerReference, providerTransactionID string, now time.Time) (bool, error) {
	changed, err := t.transitionTo(MomoStatusProcessing)
	if err != nil || !changed {
		return changed, err
	}
	if providerReference != "" {
		t.ProviderReference = providerReference
	}
	if providerTransactionID != "" {
		t.ProviderTransactionID = providerTransactionID
	}
	t.SubmittedAt = &now
	t.LastError = ""
	return true, nil
}

// MarkCompleted merges the provider response into the stored one.
func (t *MomoTransaction) MarkCompleted(providerResponse map[string]interface{}, now time.Time) (bool, error) {
	changed, err := t.transitionTo(MomoStatusCompleted)
	if err != nil || !changed {
		return changed, err
	}
	t.CompletedAt = &now
	t.LastError = ""
	t.mergeResponse(providerResponse)
	return true, nil
}

func (t *MomoTransaction) MarkFailed(reason string, providerResponse map[string]interface{}, now time.Time) (bool, error) {
	changed, err := t.transitionTo(MomoStatusFailed)
	if err != nil || !changed {
		return changed, err
	}
	t.FailedAt = &now
	t.FailureReason = reason
	t.mergeResponse(providerResponse)
	return true, nil
}

func (t *MomoTransaction) MarkCancelled(reason string, now time.Time) (bool, error) {
	changed, err := t.transitionTo(MomoStatusCancelled)
	if err != nil || !changed {
		return changed, err
	}
	t.CancelledAt = &now
	if reason != "" {
		t.FailureReason = reason
	}
	return true, nil
}

func (t *MomoTransaction) MarkExpired(now time.Time) (bool, error) {
	changed, err := t.transitionTo(MomoStatusExpired)
	if err != nil || !changed {
		return changed, err
	}
	t.ExpiredAt = &now
	return true, nil
}

// CanRetry is true for failed or expired transactions below the fixed ceiling.
func (t *MomoTransaction) CanRetry() bool {
	return (t.Status == MomoStatusFailed || t.Status == MomoStatusExpired) && t.RetryCount < MomoMaxRetries
}

// NeedsResubmission is true for pending transactions whose last submission
// hit a transient error.
func (t *MomoTransaction) NeedsResubmission() bool {
	return t.Status == MomoStatusPending && t.LastError != "" && t.RetryCount < MomoMaxRetries
}

// RetriesExhausted is true once no further automatic attempt is allowed.
func (t *MomoTransaction) RetriesExhausted() bool {
	if t.RetryCount < MomoMaxRetries {
		return false
	}
	switch t.Status {
	case MomoStatusFailed, MomoStatusExpired:
		return true
	case MomoStatusPending:
		return t.LastError != ""
	}
	return false
}

// IsReadyForRetry checks whether delay has passed since the last attempt or failure.
func (t *MomoTransaction) IsReadyForRetry(delay time.Duration, now time.Time) bool {
	ref := t.lastActivity()
	if ref == nil {
		return true
	}
	return !now.Before(ref.Add(delay))
}

// NextRetryAt is the earliest moment IsReadyForRetry turns true.
func (t *MomoTransaction) NextRetryAt(delay time.Duration) time.Time {
	ref := t.lastActivity()
	if ref == nil {
		return t.UpdatedAt
	}
	return ref.Add(delay)
}

func (t *MomoTransaction) lastActivity() *time.Time {
	var latest *time.Time
	for _, ts := range []*time.Time{t.LastRetryAt, t.LastAttemptAt, t.FailedAt, t.ExpiredAt} {
		if ts != nil && (latest == nil || ts.After(*latest)) {
			latest = ts
		}
	}
	return latest
}

// ReopenForRetry puts an eligible transaction back to pending and counts the attempt.
func (t *MomoTransaction) ReopenForRetry(now time.Time) error {
	switch {
	case t.CanRetry():
		// the provider closed the old request; the next attempt needs a fresh reference
		t.Status = MomoStatusPending
		t.ProviderReference = ""
		t.ProviderTransactionID = ""
	case t.NeedsResubmission():
	default:
		return fmt.Errorf("%w: transaction %s (status=%s, retries=%d)", ErrRetryNotAllowed, t.TransactionNumber, t.Status, t.RetryCount)
	}
	t.RetryCount++
	t.LastRetryAt = &now
	return nil
}

// RecordAttempt stamps a submission attempt; a non-empty errMsg marks it transient-failed.
func (t *MomoTransaction) RecordAttempt(errMsg string, now time.Time) {
	t.LastAttemptAt = &now
	t.LastError = errMsg
}

// FlagForReview marks the transaction for manual follow-up. Returns false if already flagged.
func (t *MomoTransaction) FlagForReview() bool {
	if t.RequiresReview {
		return false
	}
	t.RequiresReview = true
	return true
}

// MarkReconciled is a one-way latch.
func (t *MomoTransaction) MarkReconciled(reconciliationID, userID uint, now time.Time) bool {
	if t.IsReconciled {
		return false
	}
	t.IsReconciled = true
	t.ReconciliationID = &reconciliationID
	if userID != 0 {
		t.ReconciledBy = &userID
	}
	t.ReconciledAt = &now
	return true
}

// MarkPostedToLedger is a one-way latch.
func (t *MomoTransaction) MarkPostedToLedger(glTransactionID uint, now time.Time) bool {
	if t.IsPostedToLedger {
		return false
	}
	t.IsPostedToLedger = true
	t.GeneralLedgerTransactionID = &glTransactionID
	t.PostedAt = &now
	return true
}

func (t *MomoTransaction) mergeResponse(resp map[string]interface{}) {
	if len(resp) == 0 {
		return
	}
	if t.ProviderResponse == nil {
		t.ProviderResponse = datatypes.JSONMap{}
	}
	for k, v := range resp {
		t.ProviderResponse[k] = v
	}
}
