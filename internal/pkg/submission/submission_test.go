package submission

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/ManuelReschke/PayFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PayFox/internal/pkg/momo"
	"github.com/ManuelReschke/PayFox/internal/pkg/notify"
	"github.com/ManuelReschke/PayFox/internal/pkg/notify/notifytest"
	"github.com/ManuelReschke/PayFox/internal/pkg/providers"
	"github.com/ManuelReschke/PayFox/internal/pkg/testdb"
	"github.com/ManuelReschke/PayFox/internal/pkg/zra"
)

// scriptedProvider answers each path with the next queued reply.
type scriptedProvider struct {
	mu      sync.Mutex
	replies map[string][]reply
	seen    map[string][]*http.Request
	holds   map[string]*hold
}

// hold parks the next request on a path until release is closed.
type hold struct {
	entered chan struct{}
	release chan struct{}
}

func (s *scriptedProvider) holdNext(path string) *hold {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &hold{entered: make(chan struct{}), release: make(chan struct{})}
	if s.holds == nil {
		s.holds = map[string]*hold{}
	}
	s.holds[path] = h
	return h
}

type reply struct {
	status int
	body   string
}

func (s *scriptedProvider) queue(path string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[path] = append(s.replies[path], reply{status, body})
}

func (s *scriptedProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.seen[r.URL.Path] = append(s.seen[r.URL.Path], r)
	queue := s.replies[r.URL.Path]
	var next reply
	if len(queue) > 0 {
		next, s.replies[r.URL.Path] = queue[0], queue[1:]
	} else {
		next = reply{http.StatusInternalServerError, `{"message":"unscripted"}`}
	}
	h := s.holds[r.URL.Path]
	delete(s.holds, r.URL.Path)
	s.mu.Unlock()
	if h != nil {
		close(h.entered)
		<-h.release
	}
	w.WriteHeader(next.status)
	_, _ = w.Write([]byte(next.body))
}

func (s *scriptedProvider) calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen[path])
}

type fixture struct {
	svc      *Service
	ledger   *ledger.Service
	repos    *repository.Repositories
	remote   *scriptedProvider
	momoP    *models.Provider
	zraP     *models.Provider
	notes    *notifytest.Recorder
	invoices staticDocuments
}

type staticDocuments map[uint]map[string]interface{}

func (d staticDocuments) Document(_ context.Context, invoiceID uint) (map[string]interface{}, error) {
	return d[invoiceID], nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	remote := &scriptedProvider{replies: map[string][]reply{}, seen: map[string][]*http.Request{}}
	srv := httptest.NewServer(remote)
	t.Cleanup(srv.Close)

	repos := testdb.NewRepositories(t)
	mp := testdb.MomoProvider(t, repos, func(p *models.Provider) { p.SandboxBaseURL = srv.URL })
	zp := testdb.ZraProvider(t, repos, func(p *models.Provider) { p.SandboxBaseURL = srv.URL })

	registry := providers.NewRegistry(repos, nil, 1, models.EnvironmentSandbox)
	rec := &notifytest.Recorder{}
	l := ledger.NewService(repos, registry, rec)
	gw := gateway.NewClient(srv.Client(), nil, registry)
	docs := staticDocuments{42: {"currency": "ZMW", "total": "116.00"}}
	return &fixture{
		svc:      NewService(l, momo.NewClient(gw), zra.NewClient(gw), docs),
		ledger:   l,
		repos:    repos,
		remote:   remote,
		momoP:    mp,
		zraP:     zp,
		notes:    rec,
		invoices: docs,
	}
}

func (f *fixture) transaction(t *testing.T) *models.MomoTransaction {
	t.Helper()
	tx, err := f.ledger.CreateTransaction(context.Background(), ledger.CreateTransactionInput{
		Owner:         models.Transactable{Kind: models.TransactableClient, ID: 3},
		CustomerPhone: "0971234567",
		Amount:        decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	return tx
}

func (f *fixture) invoice(t *testing.T) *models.ZraSmartInvoice {
	t.Helper()
	inv, _, err := f.ledger.CreateInvoiceSubmission(context.Background(), 42, "INV-0042", f.zraP.ID)
	require.NoError(t, err)
	return inv
}

const (
	payPath      = "/collection/v1_0/requesttopay"
	invoicesPath = "/smart-invoice/v1/invoices"
)

func TestSubmitTransaction_Accepted(t *testing.T) {
	f := newFixture(t)
	tx := f.transaction(t)
	f.remote.queue(payPath, http.StatusAccepted, `{}`)

	got, err := f.svc.SubmitTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MomoStatusProcessing, got.Status)
	assert.NotEmpty(t, got.ProviderReference)
	assert.NotNil(t, got.SubmittedAt)
	assert.Equal(t, 0, got.RetryCount)

	sent := f.notes.OfKind(notify.MomoStatusChanged)
	require.Len(t, sent, 1)
	assert.Equal(t, "processing", sent[0].Payload["new_status"])
	assert.NotEmpty(t, sent[0].Payload["correlation_id"])

	_, err = f.svc.SubmitTransaction(context.Background(), tx.ID)
	assert.ErrorIs(t, err, ErrNotSubmittable)
}

func TestSubmitTransaction_TransientKeepsPendingAndReference(t *testing.T) {
	f := newFixture(t)
	tx := f.transaction(t)
	f.remote.queue(payPath, http.StatusServiceUnavailable, `{"message":"maintenance"}`)

	got, err := f.svc.SubmitTransaction(context.Background(), tx.ID)
	assert.ErrorIs(t, err, gateway.ErrTransient)
	require.NotNil(t, got)
	assert.Equal(t, models.MomoStatusPending, got.Status)
	assert.Contains(t, got.LastError, "maintenance")
	assert.True(t, got.NeedsResubmission())
	assert.Empty(t, f.notes.All())

	ref := got.ProviderReference
	require.NotEmpty(t, ref)
	f.remote.queue(payPath, http.StatusAccepted, `{}`)
	got, err = f.svc.SubmitTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ref, got.ProviderReference)
	assert.Empty(t, got.LastError)

	f.remote.mu.Lock()
	defer f.remote.mu.Unlock()
	reqs := f.remote.seen[payPath]
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].Header.Get("X-Reference-Id"), reqs[1].Header.Get("X-Reference-Id"))
}

func TestSubmitTransaction_RejectedFails(t *testing.T) {
	f := newFixture(t)
	tx := f.transaction(t)
	f.remote.queue(payPath, http.StatusBadRequest, `{"reason":"PAYER_NOT_FOUND"}`)

	got, err := f.svc.SubmitTransaction(context.Background(), tx.ID)
	assert.ErrorIs(t, err, gateway.ErrRejected)
	assert.Equal(t, models.MomoStatusFailed, got.Status)
	assert.Equal(t, "PAYER_NOT_FOUND", got.FailureReason)
	assert.True(t, got.CanRetry())
}

func TestSubmitTransaction_RetryAfterFailureUsesNewReference(t *testing.T) {
	f := newFixture(t)
	tx := f.transaction(t)
	f.remote.queue(payPath, http.StatusBadRequest, `{"reason":"PAYER_LIMIT_REACHED"}`)
	failed, err := f.svc.SubmitTransaction(context.Background(), tx.ID)
	assert.ErrorIs(t, err, gateway.ErrRejected)
	require.Equal(t, models.MomoStatusFailed, failed.Status)
	firstRef := failed.ProviderReference

	_, err = f.ledger.ApplyMomo(context.Background(), tx.ID, func(m *models.MomoTransaction) (bool, error) {
		return true, m.ReopenForRetry(time.Now().UTC())
	})
	require.NoError(t, err)

	f.remote.queue(payPath, http.StatusAccepted, `{}`)
	got, err := f.svc.SubmitTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MomoStatusProcessing, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotEqual(t, firstRef, got.ProviderReference)

	f.remote.mu.Lock()
	defer f.remote.mu.Unlock()
	reqs := f.remote.seen[payPath]
	require.Len(t, reqs, 2)
	assert.NotEqual(t, reqs[0].Header.Get("X-Reference-Id"), reqs[1].Header.Get("X-Reference-Id"))
}

func TestPollStatus(t *testing.T) {
	f := newFixture(t)
	tx := f.transaction(t)
	f.remote.queue(payPath, http.StatusAccepted, `{}`)
	tx, err := f.svc.SubmitTransaction(context.Background(), tx.ID)
	require.NoError(t, err)

	statusPath := payPath + "/" + tx.ProviderReference
	f.remote.queue(statusPath, http.StatusOK, `{"status":"PENDING"}`)
	got, err := f.svc.PollStatus(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MomoStatusProcessing, got.Status)

	f.remote.queue(statusPath, http.StatusOK, `{"status":"SUCCESSFUL","financialTransactionId":"FT-77"}`)
	got, err = f.svc.PollStatus(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MomoStatusCompleted, got.Status)
	assert.Equal(t, "FT-77", got.ProviderTransactionID)
	assert.Equal(t, "SUCCESSFUL", got.ProviderResponse["status"])

	// Terminal rows are not polled again.
	_, err = f.svc.PollStatus(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.remote.calls(statusPath))
}

func TestSubmitInvoice_RejectedThenResubmitted(t *testing.T) {
	f := newFixture(t)
	inv := f.invoice(t)

	f.remote.queue(invoicesPath, http.StatusOK,
		`{"status":"REJECTED","rejection_reason":"invalid invoice","validation_errors":["buyer tpin missing","vat total mismatch"]}`)
	got, err := f.svc.SubmitInvoice(context.Background(), inv.ID, nil)
	assert.ErrorIs(t, err, gateway.ErrRejected)
	assert.Equal(t, models.ZraStatusRejected, got.SubmissionStatus)
	assert.Equal(t, []string{"buyer tpin missing", "vat total mismatch"}, []string(got.ValidationErrors))
	assert.Equal(t, 0, got.RetryCount)
	assert.True(t, got.CanResubmit())

	by := uint(9)
	f.remote.queue(invoicesPath, http.StatusOK, `{"status":"SUBMITTED","zra_reference":"ZRA-2026-0001","submission_id":"SUB-1"}`)
	got, err = f.svc.SubmitInvoice(context.Background(), inv.ID, &by)
	require.NoError(t, err)
	assert.Equal(t, models.ZraStatusSubmitted, got.SubmissionStatus)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "ZRA-2026-0001", got.ZraReference)
	assert.Empty(t, got.ValidationErrors)
	assert.Equal(t, by, *got.SubmittedBy)

	sent := f.notes.OfKind(notify.ZraStatusChanged)
	require.Len(t, sent, 2)
	assert.Equal(t, "rejected", sent[0].Payload["new_status"])
	assert.Equal(t, "submitted", sent[1].Payload["new_status"])
}

func TestSubmitInvoice_RejectedResubmissionCounts(t *testing.T) {
	f := newFixture(t)
	inv := f.invoice(t)
	rejected := `{"status":"REJECTED","rejection_reason":"still invalid","validation_errors":["buyer tpin missing"]}`

	f.remote.queue(invoicesPath, http.StatusOK, rejected)
	f.remote.queue(invoicesPath, http.StatusOK, rejected)
	_, _ = f.svc.SubmitInvoice(context.Background(), inv.ID, nil)
	got, err := f.svc.SubmitInvoice(context.Background(), inv.ID, nil)
	assert.ErrorIs(t, err, gateway.ErrRejected)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "still invalid", got.RejectionReason)
	require.NotNil(t, got.LastSubmissionAttempt)
	assert.Len(t, f.notes.OfKind(notify.ZraStatusChanged), 1)
}

func TestSubmitInvoice_TransientCounts(t *testing.T) {
	f := newFixture(t)
	inv := f.invoice(t)
	f.remote.queue(invoicesPath, http.StatusBadGateway, `{}`)

	got, err := f.svc.SubmitInvoice(context.Background(), inv.ID, nil)
	assert.ErrorIs(t, err, gateway.ErrTransient)
	assert.Equal(t, models.ZraStatusPending, got.SubmissionStatus)
	assert.Equal(t, 1, got.RetryCount)
	assert.False(t, got.IsReadyForRetry(5, time.Now().UTC()))

	f.remote.mu.Lock()
	body := f.remote.seen[invoicesPath][0]
	f.remote.mu.Unlock()
	assert.Equal(t, http.MethodPost, body.Method)
}

func TestSubmitInvoice_ConcurrentSenderSeesClaim(t *testing.T) {
	f := newFixture(t)
	inv := f.invoice(t)
	h := f.remote.holdNext(invoicesPath)
	f.remote.queue(invoicesPath, http.StatusOK, `{"status":"SUBMITTED","zra_reference":"ZRA-7"}`)

	var first *models.ZraSmartInvoice
	done := make(chan error, 1)
	go func() {
		var err error
		first, err = f.svc.SubmitInvoice(context.Background(), inv.ID, nil)
		done <- err
	}()
	select {
	case <-h.entered:
	case <-time.After(5 * time.Second):
		require.Fail(t, "first submission never reached the authority")
	}

	stored, err := f.ledger.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.SubmissionClaimedAt)

	_, err = f.svc.SubmitInvoice(context.Background(), inv.ID, nil)
	assert.ErrorIs(t, err, models.ErrSubmissionInFlight)

	close(h.release)
	require.NoError(t, <-done)
	assert.Equal(t, models.ZraStatusSubmitted, first.SubmissionStatus)
	assert.Nil(t, first.SubmissionClaimedAt)
	assert.Equal(t, 1, first.RetryCount)
	assert.Equal(t, 1, f.remote.calls(invoicesPath))
}

func TestSubmitInvoice_ExpiredClaimIsTakenOver(t *testing.T) {
	f := newFixture(t)
	inv := f.invoice(t)
	_, err := f.ledger.ApplyZra(context.Background(), inv.ID, func(z *models.ZraSmartInvoice) (bool, error) {
		return true, z.ClaimSubmission(time.Now().UTC().Add(-2*submissionLease), submissionLease)
	})
	require.NoError(t, err)

	f.remote.queue(invoicesPath, http.StatusOK, `{"status":"SUBMITTED","zra_reference":"ZRA-8"}`)
	got, err := f.svc.SubmitInvoice(context.Background(), inv.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ZraStatusSubmitted, got.SubmissionStatus)
	assert.Nil(t, got.SubmissionClaimedAt)
}

func TestSubmitInvoice_TransientReleasesClaim(t *testing.T) {
	f := newFixture(t)
	inv := f.invoice(t)
	f.remote.queue(invoicesPath, http.StatusServiceUnavailable, `{}`)
	f.remote.queue(invoicesPath, http.StatusOK, `{"status":"SUBMITTED","zra_reference":"ZRA-3"}`)

	got, err := f.svc.SubmitInvoice(context.Background(), inv.ID, nil)
	assert.ErrorIs(t, err, gateway.ErrTransient)
	assert.Nil(t, got.SubmissionClaimedAt)

	got, err = f.svc.SubmitInvoice(context.Background(), inv.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ZraStatusSubmitted, got.SubmissionStatus)
	assert.Equal(t, 2, f.remote.calls(invoicesPath))
}

func TestSubmitInvoice_StoresRenderedDocument(t *testing.T) {
	f := newFixture(t)
	inv := f.invoice(t)
	f.remote.queue(invoicesPath, http.StatusOK, `{"status":"SUBMITTED","zra_reference":"ZRA-5"}`)

	got, err := f.svc.SubmitInvoice(context.Background(), inv.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "ZMW", got.RequestPayload["currency"])
	assert.Equal(t, "116.00", got.RequestPayload["total"])
}

func TestSubmitInvoice_PrefersStoredDocument(t *testing.T) {
	f := newFixture(t)
	f.svc.documents = nil
	inv := f.invoice(t)
	_, err := f.ledger.AttachInvoiceDocument(context.Background(), inv.ID, map[string]interface{}{"currency": "ZMW", "total": "58.00"})
	require.NoError(t, err)
	f.remote.queue(invoicesPath, http.StatusOK, `{"status":"SUBMITTED","zra_reference":"ZRA-6"}`)

	got, err := f.svc.SubmitInvoice(context.Background(), inv.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ZraStatusSubmitted, got.SubmissionStatus)
	assert.Equal(t, "58.00", got.RequestPayload["total"])
}

func TestSubmitInvoice_RefusesWithoutDocument(t *testing.T) {
	f := newFixture(t)
	f.svc.documents = nil
	inv := f.invoice(t)

	_, err := f.svc.SubmitInvoice(context.Background(), inv.ID, nil)
	assert.ErrorIs(t, err, ErrNoDocument)
	assert.Equal(t, 0, f.remote.calls(invoicesPath))

	f.svc.documents = staticDocuments{}
	_, err = f.svc.SubmitInvoice(context.Background(), inv.ID, nil)
	assert.ErrorIs(t, err, ErrNoDocument)
	assert.Equal(t, 0, f.remote.calls(invoicesPath))

	stored, err := f.ledger.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.SubmissionClaimedAt)
	assert.Equal(t, 0, stored.RetryCount)
}

func TestPollInvoice_Approved(t *testing.T) {
	f := newFixture(t)
	inv := f.invoice(t)
	f.remote.queue(invoicesPath, http.StatusOK, `{"status":"SUBMITTED","zra_reference":"ZRA-9"}`)
	_, err := f.svc.SubmitInvoice(context.Background(), inv.ID, nil)
	require.NoError(t, err)

	f.remote.queue(invoicesPath+"/ZRA-9", http.StatusOK, `{"status":"APPROVED","qr_code":"qr-data"}`)
	got, err := f.svc.PollInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ZraStatusApproved, got.SubmissionStatus)
	assert.Equal(t, "qr-data", got.QRCode)
	assert.True(t, got.IsFinal())

	_, err = f.svc.SubmitInvoice(context.Background(), inv.ID, nil)
	assert.ErrorIs(t, err, ErrNotSubmittable)
}

func TestSettle(t *testing.T) {
	assert.NoError(t, settle(nil))
	assert.NoError(t, settle(&gateway.TransientError{}))
	assert.NoError(t, settle(&gateway.RejectedError{}))
	assert.NoError(t, settle(ErrNotSubmittable))
	assert.NoError(t, settle(ledger.ErrStaleState))
	assert.NoError(t, settle(models.ErrSubmissionInFlight))
	assert.Error(t, settle(ledger.ErrNotFound))
	assert.ErrorIs(t, settle(ErrNoDocument), jobqueue.ErrPermanent)
	assert.Error(t, settle(context.DeadlineExceeded))
}
