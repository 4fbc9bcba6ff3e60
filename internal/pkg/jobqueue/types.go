package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeNotificationDispatch JobType = "notification_dispatch"
	JobTypeMomoSubmit           JobType = "momo_submit"
	JobTypeZraSubmit            JobType = "zra_submit"
	JobTypeReconciliationRun    JobType = "reconciliation_run"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID            string                 `json:"id"`
	Type          JobType                `json:"type"`
	Status        JobStatus              `json:"status"`
	Payload       map[string]interface{} `json:"payload"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	ProcessedAt   *time.Time             `json:"processed_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg      string                 `json:"error_msg,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`
}

// MomoSubmitJobPayload asks a worker to run the single submit path for one transaction.
type MomoSubmitJobPayload struct {
	TransactionID uint `json:"transaction_id"`
}

func (p MomoSubmitJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"transaction_id": p.TransactionID,
	}
}

func MomoSubmitJobPayloadFromMap(data map[string]interface{}) (*MomoSubmitJobPayload, error) {
	var payload MomoSubmitJobPayload
	if err := decodePayload(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ZraSubmitJobPayload asks a worker to (re)submit one smart invoice.
type ZraSubmitJobPayload struct {
	InvoiceRecordID uint  `json:"invoice_record_id"`
	SubmittedBy     *uint `json:"submitted_by,omitempty"`
}

func (p ZraSubmitJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"invoice_record_id": p.InvoiceRecordID,
	}
	if p.SubmittedBy != nil {
		m["submitted_by"] = *p.SubmittedBy
	}
	return m
}

func ZraSubmitJobPayloadFromMap(data map[string]interface{}) (*ZraSubmitJobPayload, error) {
	var payload ZraSubmitJobPayload
	if err := decodePayload(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ReconciliationJobPayload describes one provider statement window to reconcile.
type ReconciliationJobPayload struct {
	ProviderID  uint      `json:"provider_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	RunBy       *uint     `json:"run_by,omitempty"`
}

func (p ReconciliationJobPayload) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"provider_id":  p.ProviderID,
		"period_start": p.PeriodStart.UTC().Format(time.RFC3339),
		"period_end":   p.PeriodEnd.UTC().Format(time.RFC3339),
	}
	if p.RunBy != nil {
		m["run_by"] = *p.RunBy
	}
	return m
}

func ReconciliationJobPayloadFromMap(data map[string]interface{}) (*ReconciliationJobPayload, error) {
	var payload ReconciliationJobPayload
	if err := decodePayload(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// decodePayload round-trips through JSON so numeric map values coming back
// from Redis (float64) land in typed fields.
func decodePayload(data map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}

func (j *Job) startedAt() time.Time {
	if j.ProcessedAt != nil && !j.ProcessedAt.IsZero() {
		return *j.ProcessedAt
	}
	if !j.UpdatedAt.IsZero() {
		return j.UpdatedAt
	}
	return j.CreatedAt
}
