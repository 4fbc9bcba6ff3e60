package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReconciliationStatus string

const (
	ReconciliationRunning   ReconciliationStatus = "running"
	ReconciliationCompleted ReconciliationStatus = "completed"
)

// Reconciliation is one batch comparing the ledger against a provider statement.
// A batch is identified by provider, window and statement digest so re-runs reuse it.
type Reconciliation struct {
	ID                   uint                 `gorm:"primaryKey" json:"id"`
	ProviderID           uint                 `gorm:"not null;uniqueIndex:ux_reconciliation_batch,priority:1" json:"provider_id"`
	PeriodStart          time.Time            `gorm:"not null;uniqueIndex:ux_reconciliation_batch,priority:2" json:"period_start"`
	PeriodEnd            time.Time            `gorm:"not null;uniqueIndex:ux_reconciliation_batch,priority:3" json:"period_end"`
	StatementDigest      string               `gorm:"type:varchar(64);not null;uniqueIndex:ux_reconciliation_batch,priority:4" json:"statement_digest"`
	Status               ReconciliationStatus `gorm:"type:varchar(20);not null" json:"status"`
	MatchedCount         int                  `json:"matched_count"`
	UnmatchedLocalCount  int                  `json:"unmatched_local_count"`
	UnmatchedRemoteCount int                  `json:"unmatched_remote_count"`
	AmountMismatchCount  int                  `json:"amount_mismatch_count"`
	HasDiscrepancies     bool                 `json:"has_discrepancies"`
	RunCount             int                  `gorm:"not null;default:0" json:"run_count"`
	RunBy                *uint                `json:"run_by,omitempty"`
	ArchiveKey           string               `gorm:"type:varchar(500)" json:"archive_key"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

type DiscrepancyKind string

const (
	DiscrepancyMissingRemote  DiscrepancyKind = "missing_remote"
	DiscrepancyMissingLocal   DiscrepancyKind = "missing_local"
	DiscrepancyAmountMismatch DiscrepancyKind = "amount_mismatch"
)

// ReconciliationDiscrepancy is a recorded mismatch, unique per batch, kind and reference.
type ReconciliationDiscrepancy struct {
	ID                    uint            `gorm:"primaryKey" json:"id"`
	ReconciliationID      uint            `gorm:"not null;uniqueIndex:ux_discrepancy_ref,priority:1" json:"reconciliation_id"`
	Kind                  DiscrepancyKind `gorm:"type:varchar(30);not null;uniqueIndex:ux_discrepancy_ref,priority:2" json:"kind"`
	ReferenceKey          string          `gorm:"type:varchar(191);not null;uniqueIndex:ux_discrepancy_ref,priority:3" json:"reference_key"`
	TransactionID         *uint           `gorm:"index" json:"transaction_id,omitempty"`
	ProviderTransactionID string          `gorm:"type:varchar(191)" json:"provider_transaction_id"`
	Amount                decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"amount"`
	RemoteAmount          decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"remote_amount"`
	Details               string          `gorm:"type:text" json:"details"`
	CreatedAt             time.Time       `json:"created_at"`
}
