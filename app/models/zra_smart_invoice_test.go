package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZraInvoiceSubmitApprove(t *testing.T) {
	inv := &ZraSmartInvoice{InvoiceID: 1, SubmissionStatus: ZraStatusPending}
	by := uint(12)

	changed, err := inv.MarkSubmitted(map[string]interface{}{
		"zra_reference": "ZRA-1",
		"submission_id": "S-1",
	}, &by, t0)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, inv.RetryCount)
	assert.Equal(t, "ZRA-1", inv.ZraReference)
	assert.Equal(t, "S-1", inv.SubmissionID)
	require.NotNil(t, inv.LastSubmissionAttempt)

	changed, err = inv.MarkApproved(map[string]interface{}{"verification_url": "https://v/1", "qr_code": "QR"}, t0)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, inv.IsFinal())
	assert.Equal(t, "https://v/1", inv.VerificationURL)

	_, err = inv.MarkCancelled("late", nil, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = inv.MarkRejected("no", nil, nil, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestZraInvoiceRejectThenResubmit(t *testing.T) {
	inv := &ZraSmartInvoice{InvoiceID: 2, SubmissionStatus: ZraStatusPending}

	changed, err := inv.MarkRejected("validation failed", []string{"missing TPIN", "bad VAT code"}, nil, t0)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, inv.ValidationErrors, 2)
	assert.True(t, inv.CanResubmit())
	assert.Equal(t, 0, inv.RetryCount)

	changed, err = inv.MarkSubmitted(map[string]interface{}{"zra_reference": "ZRA-NEW"}, nil, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ZraStatusSubmitted, inv.SubmissionStatus)
	assert.Equal(t, 1, inv.RetryCount)
	assert.Equal(t, "ZRA-NEW", inv.ZraReference)
	assert.Empty(t, inv.ValidationErrors)
}

func TestZraInvoiceCancelAnyNonApproved(t *testing.T) {
	for _, st := range []ZraStatus{ZraStatusPending, ZraStatusSubmitted, ZraStatusRejected} {
		inv := &ZraSmartInvoice{SubmissionStatus: st}
		changed, err := inv.MarkCancelled("voided", nil, t0)
		require.NoError(t, err, st)
		assert.True(t, changed, st)
		assert.False(t, inv.CanResubmit())
	}

	inv := &ZraSmartInvoice{SubmissionStatus: ZraStatusCancelled}
	changed, err := inv.MarkCancelled("again", nil, t0)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestZraInvoiceRetryGates(t *testing.T) {
	inv := &ZraSmartInvoice{SubmissionStatus: ZraStatusRejected}
	assert.True(t, inv.IsReadyForRetry(5, t0))

	inv.RecordFailedAttempt("503 from authority", t0)
	assert.Equal(t, 1, inv.RetryCount)
	assert.False(t, inv.IsReadyForRetry(5, t0.Add(4*time.Minute)))
	assert.True(t, inv.IsReadyForRetry(5, t0.Add(5*time.Minute)))

	assert.False(t, inv.HasExceededMaxRetries(3))
	inv.RetryCount = 3
	assert.True(t, inv.HasExceededMaxRetries(3))
	assert.False(t, inv.HasExceededMaxRetries(5))
}

func TestZraInvoiceSubmissionClaim(t *testing.T) {
	inv := &ZraSmartInvoice{InvoiceNumber: "INV-7", SubmissionStatus: ZraStatusPending}

	require.NoError(t, inv.ClaimSubmission(t0, 2*time.Minute))
	assert.ErrorIs(t, inv.ClaimSubmission(t0.Add(time.Minute), 2*time.Minute), ErrSubmissionInFlight)
	assert.ErrorIs(t, inv.AttachDocument(map[string]interface{}{"total": "1.00"}), ErrSubmissionInFlight)

	// an abandoned claim expires with the lease
	require.NoError(t, inv.ClaimSubmission(t0.Add(3*time.Minute), 2*time.Minute))
	assert.True(t, inv.ReleaseSubmission())
	assert.False(t, inv.ReleaseSubmission())
	require.NoError(t, inv.ClaimSubmission(t0.Add(3*time.Minute), 2*time.Minute))

	inv.ReleaseSubmission()
	inv.SubmissionStatus = ZraStatusSubmitted
	assert.ErrorIs(t, inv.ClaimSubmission(t0.Add(time.Hour), 2*time.Minute), ErrInvalidTransition)
}

func TestZraInvoiceAttachDocument(t *testing.T) {
	inv := &ZraSmartInvoice{SubmissionStatus: ZraStatusRejected}
	assert.False(t, inv.HasDocument())

	require.NoError(t, inv.AttachDocument(map[string]interface{}{"total": "116.00"}))
	assert.True(t, inv.HasDocument())
	assert.Equal(t, "116.00", inv.RequestPayload["total"])

	inv.SubmissionStatus = ZraStatusApproved
	assert.ErrorIs(t, inv.AttachDocument(map[string]interface{}{"total": "1.00"}), ErrInvalidTransition)
	assert.Equal(t, "116.00", inv.RequestPayload["total"])
}
