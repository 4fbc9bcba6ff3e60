package retry

import (
	"context"
	"errors"
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
	"github.com/ManuelReschke/PayFox/internal/pkg/notify"
	"github.com/ManuelReschke/PayFox/internal/pkg/notify/notifytest"
	"github.com/ManuelReschke/PayFox/internal/pkg/providers"
	"github.com/ManuelReschke/PayFox/internal/pkg/testdb"
)

// fakeSubmitter applies a scripted provider outcome through the ledger.
type fakeSubmitter struct {
	ledger *ledger.Service

	mu          sync.Mutex
	submitted   []uint
	polled      []uint
	momoOutcome func(ctx context.Context, id uint) (*models.MomoTransaction, error)
	zraOutcome  func(ctx context.Context, id uint) (*models.ZraSmartInvoice, error)
}

func (f *fakeSubmitter) SubmitTransaction(ctx context.Context, id uint) (*models.MomoTransaction, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, id)
	f.mu.Unlock()
	return f.momoOutcome(ctx, id)
}

func (f *fakeSubmitter) SubmitInvoice(ctx context.Context, id uint, _ *uint) (*models.ZraSmartInvoice, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, id)
	f.mu.Unlock()
	return f.zraOutcome(ctx, id)
}

func (f *fakeSubmitter) PollStatus(ctx context.Context, id uint) (*models.MomoTransaction, error) {
	f.mu.Lock()
	f.polled = append(f.polled, id)
	f.mu.Unlock()
	return f.ledger.GetTransaction(ctx, id)
}

func (f *fakeSubmitter) attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func (f *fakeSubmitter) rejectMomo(ctx context.Context, id uint) (*models.MomoTransaction, error) {
	tx, err := f.ledger.FailTransaction(ctx, id, "payer declined", nil)
	if err != nil {
		return nil, err
	}
	return tx, &gateway.RejectedError{StatusCode: 400, Reason: "payer declined"}
}

type fixture struct {
	sched  *Scheduler
	ledger *ledger.Service
	repos  *repository.Repositories
	sub    *fakeSubmitter
	notes  *notifytest.Recorder
	momoP  *models.Provider
	zraP   *models.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repos := testdb.NewRepositories(t)
	mp := testdb.MomoProvider(t, repos)
	zp := testdb.ZraProvider(t, repos)
	rec := &notifytest.Recorder{}
	l := ledger.NewService(repos, providers.NewRegistry(repos, nil, 1, models.EnvironmentSandbox), rec)
	sub := &fakeSubmitter{ledger: l}
	sub.momoOutcome = sub.rejectMomo
	return &fixture{
		sched:  NewScheduler(l, sub),
		ledger: l,
		repos:  repos,
		sub:    sub,
		notes:  rec,
		momoP:  mp,
		zraP:   zp,
	}
}

func (f *fixture) transaction(t *testing.T) *models.MomoTransaction {
	t.Helper()
	tx, err := f.ledger.CreateTransaction(context.Background(), ledger.CreateTransactionInput{
		Owner:         models.Transactable{Kind: models.TransactableLead, ID: 11},
		CustomerPhone: "0771234567",
		Amount:        decimal.NewFromInt(40),
	})
	require.NoError(t, err)
	return tx
}

func reviewNotifications(rec *notifytest.Recorder, kind notify.EventKind) []notify.Notification {
	var out []notify.Notification
	for _, n := range rec.OfKind(kind) {
		if n.Payload["requires_review"] == true {
			out = append(out, n)
		}
	}
	return out
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("zra")
	require.NoError(t, err)
	assert.Equal(t, KindZra, k)

	_, err = ParseKind("sms")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestRunDue_ExhaustsAfterThreeRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.transaction(t)
	_, err := f.ledger.FailTransaction(ctx, tx.ID, "payer declined", nil)
	require.NoError(t, err)

	base := time.Now().UTC()
	for round := 1; round <= models.MomoMaxRetries; round++ {
		report, err := f.sched.RunDue(ctx, KindMomo, base.Add(time.Duration(round)*10*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Attempted, "round %d", round)
		assert.Equal(t, 1, report.Failed, "round %d", round)

		got, err := f.ledger.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, models.MomoStatusFailed, got.Status)
		assert.Equal(t, round, got.RetryCount)
	}

	got, err := f.ledger.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, got.CanRetry())
	assert.True(t, got.RequiresReview)
	require.Len(t, reviewNotifications(f.notes, notify.MomoStatusChanged), 1)

	candidates, err := f.sched.FindRetryCandidates(ctx, KindMomo)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	report, err := f.sched.RunDue(ctx, KindMomo, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
	assert.Zero(t, report.Escalated)
	assert.Equal(t, models.MomoMaxRetries, f.sub.attempts())

	got, err = f.ledger.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MomoStatusFailed, got.Status)
	assert.Equal(t, models.MomoMaxRetries, got.RetryCount)
	assert.Len(t, reviewNotifications(f.notes, notify.MomoStatusChanged), 1)
}

func TestRunDue_WaitsForRetryDelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.transaction(t)
	failed, err := f.ledger.FailTransaction(ctx, tx.ID, "payer declined", nil)
	require.NoError(t, err)

	candidates, err := f.sched.FindRetryCandidates(ctx, KindMomo)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, tx.TransactionNumber, candidates[0].Reference)
	assert.WithinDuration(t, failed.FailedAt.Add(5*time.Minute), candidates[0].NextEligibleAt, time.Second)

	report, err := f.sched.RunDue(ctx, KindMomo, failed.FailedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, report.Due)
	assert.Zero(t, f.sub.attempts())
}

func TestRunDue_SuccessfulResubmission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sub.momoOutcome = func(ctx context.Context, id uint) (*models.MomoTransaction, error) {
		return f.ledger.ApplyMomo(ctx, id, func(t *models.MomoTransaction) (bool, error) {
			return t.MarkProcessing("ref-2", "", time.Now().UTC())
		})
	}
	tx := f.transaction(t)
	_, err := f.ledger.ApplyMomo(ctx, tx.ID, func(m *models.MomoTransaction) (bool, error) {
		m.RecordAttempt("connection reset", time.Now().UTC().Add(-time.Hour))
		return true, nil
	})
	require.NoError(t, err)

	report, err := f.sched.RunDue(ctx, KindMomo, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	got, err := f.ledger.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MomoStatusProcessing, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotNil(t, got.LastRetryAt)
}

func TestRunDue_CancelledBeforeAttemptIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.transaction(t)
	_, err := f.ledger.ApplyMomo(ctx, tx.ID, func(m *models.MomoTransaction) (bool, error) {
		m.RecordAttempt("timeout", time.Now().UTC().Add(-time.Hour))
		return true, nil
	})
	require.NoError(t, err)

	candidates, err := f.sched.FindRetryCandidates(ctx, KindMomo)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	_, err = f.ledger.CancelTransaction(ctx, tx.ID, "customer changed mind")
	require.NoError(t, err)

	now := time.Now().UTC()
	attempted, err := f.sched.retryTransaction(ctx, f.sched.providers(), tx.ID, now, &RunReport{})
	require.NoError(t, err)
	assert.False(t, attempted)
	assert.Zero(t, f.sub.attempts())

	got, err := f.ledger.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MomoStatusCancelled, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestEscalate_PendingTransientExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.transaction(t)
	_, err := f.ledger.ApplyMomo(ctx, tx.ID, func(m *models.MomoTransaction) (bool, error) {
		m.RetryCount = models.MomoMaxRetries
		m.RecordAttempt("gateway timeout", time.Now().UTC())
		return true, nil
	})
	require.NoError(t, err)
	f.notes.Reset()

	n, err := f.sched.Escalate(ctx, KindMomo, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.ledger.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MomoStatusFailed, got.Status)
	assert.Equal(t, EscalationReason, got.FailureReason)
	assert.True(t, got.RequiresReview)
	assert.Len(t, f.notes.All(), 1)

	n, err = f.sched.Escalate(ctx, KindMomo, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.notes.All(), 1)
}

func TestRunDue_ZraCancelledAtCeiling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv, _, err := f.ledger.CreateInvoiceSubmission(ctx, 9, "INV-0009", f.zraP.ID)
	require.NoError(t, err)
	lastAttempt := time.Now().UTC().Add(-time.Hour)
	_, err = f.ledger.ApplyZra(ctx, inv.ID, func(z *models.ZraSmartInvoice) (bool, error) {
		if _, err := z.MarkRejected("TPIN mismatch", []string{"tpin: mismatch"}, nil, lastAttempt); err != nil {
			return false, err
		}
		z.RetryCount = f.zraP.RetryCeiling() - 1
		z.LastSubmissionAttempt = &lastAttempt
		return true, nil
	})
	require.NoError(t, err)
	f.notes.Reset()

	f.sub.zraOutcome = func(ctx context.Context, id uint) (*models.ZraSmartInvoice, error) {
		updated, err := f.ledger.ApplyZra(ctx, id, func(z *models.ZraSmartInvoice) (bool, error) {
			z.RecordFailedAttempt("still rejected", time.Now().UTC())
			return true, nil
		})
		if err != nil {
			return nil, err
		}
		return updated, &gateway.RejectedError{StatusCode: 422, Reason: "still rejected"}
	}

	candidates, err := f.sched.FindRetryCandidates(ctx, KindZra)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	report, err := f.sched.RunDue(ctx, KindZra, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Escalated)

	got, err := f.ledger.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ZraStatusCancelled, got.SubmissionStatus)
	assert.Equal(t, EscalationReason, got.CancellationReason)
	assert.True(t, got.RequiresReview)
	assert.Len(t, reviewNotifications(f.notes, notify.ZraStatusChanged), 1)

	candidates, err = f.sched.FindRetryCandidates(ctx, KindZra)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.transaction(t)

	n, err := f.sched.ExpireStale(ctx, time.Now().UTC().Add(10*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.sched.ExpireStale(ctx, time.Now().UTC().Add(31*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.ledger.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MomoStatusExpired, got.Status)
	assert.True(t, got.CanRetry())
}

func TestPollProcessing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx := f.transaction(t)
	submitted := time.Now().UTC()
	_, err := f.ledger.ApplyMomo(ctx, tx.ID, func(m *models.MomoTransaction) (bool, error) {
		return m.MarkProcessing("ref-1", "", submitted)
	})
	require.NoError(t, err)

	n, err := f.sched.PollProcessing(ctx, submitted.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.sched.PollProcessing(ctx, submitted.Add(6*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint{tx.ID}, f.sub.polled)
}

func TestTasks_RunThroughManager(t *testing.T) {
	f := newFixture(t)
	tasks := f.sched.Tasks(nil)
	require.Len(t, tasks, 3)

	m := jobqueue.NewManager(nil)
	for _, task := range tasks {
		assert.Positive(t, task.Interval())
		m.Schedule(task)
	}
	assert.NoError(t, m.RunTaskOnce(context.Background(), "retry_sweep"))
	assert.NoError(t, m.RunTaskOnce(context.Background(), "expiry_sweep"))
	err := m.RunTaskOnce(context.Background(), "nope")
	assert.True(t, err != nil && !errors.Is(err, context.Canceled))
}
