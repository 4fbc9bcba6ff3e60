package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/app/repository"
	"github.com/ManuelReschke/PayFox/internal/pkg/testdb"
)

func newTx(providerID uint, number string) *models.MomoTransaction {
	return &models.MomoTransaction{
		TransactionNumber: number,
		CompanyID:         1,
		ProviderID:        providerID,
		TransactableType:  models.TransactableInvoice,
		TransactableID:    10,
		CustomerPhone:     "260971234567",
		Amount:            decimal.NewFromInt(100),
		Currency:          "ZMW",
		FeeAmount:         decimal.NewFromInt(3),
		NetAmount:         decimal.NewFromInt(97),
		Status:            models.MomoStatusPending,
		Version:           1,
	}
}

func TestMomoTransactionUpdateWithVersion(t *testing.T) {
	ctx := context.Background()
	repos := testdb.NewRepositories(t)
	p := testdb.MomoProvider(t, repos)

	tx := newTx(p.ID, "MOMO-202603-000001")
	require.NoError(t, repos.MomoTransaction.Create(ctx, tx))

	first, err := repos.MomoTransaction.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	second, err := repos.MomoTransaction.GetByID(ctx, tx.ID)
	require.NoError(t, err)

	_, err = first.MarkProcessing("ref", "ptx-1", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, repos.MomoTransaction.UpdateWithVersion(ctx, first, 1))
	assert.Equal(t, uint(2), first.Version)

	_, err = second.MarkFailed("late", nil, time.Now().UTC())
	require.NoError(t, err)
	err = repos.MomoTransaction.UpdateWithVersion(ctx, second, 1)
	assert.ErrorIs(t, err, repository.ErrVersionConflict)
	assert.Equal(t, uint(1), second.Version)

	stored, err := repos.MomoTransaction.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MomoStatusProcessing, stored.Status)
	assert.Equal(t, "ptx-1", stored.ProviderTransactionID)
}

func TestMomoTransactionNumbersIncludeSoftDeleted(t *testing.T) {
	ctx := context.Background()
	db := testdb.New(t)
	repos := repository.NewRepositories(db)
	p := testdb.MomoProvider(t, repos)

	require.NoError(t, repos.MomoTransaction.Create(ctx, newTx(p.ID, "MOMO-202603-000001")))
	gone := newTx(p.ID, "MOMO-202603-000002")
	require.NoError(t, repos.MomoTransaction.Create(ctx, gone))
	require.NoError(t, db.Delete(gone).Error)

	latest, err := repos.MomoTransaction.LatestNumberWithPrefix(ctx, "MOMO-202603-")
	require.NoError(t, err)
	assert.Equal(t, "MOMO-202603-000002", latest)

	none, err := repos.MomoTransaction.LatestNumberWithPrefix(ctx, "MOMO-202604-")
	require.NoError(t, err)
	assert.Empty(t, none)

	err = repos.MomoTransaction.Create(ctx, newTx(p.ID, "MOMO-202603-000002"))
	assert.True(t, repository.IsDuplicate(err), "unique index must reject reuse: %v", err)
}

func TestMomoTransactionRetryScopes(t *testing.T) {
	ctx := context.Background()
	repos := testdb.NewRepositories(t)
	p := testdb.MomoProvider(t, repos)

	mk := func(n string, status models.MomoStatus, retries int, lastErr string) {
		tx := newTx(p.ID, n)
		tx.Status = status
		tx.RetryCount = retries
		tx.LastError = lastErr
		require.NoError(t, repos.MomoTransaction.Create(ctx, tx))
	}
	mk("MOMO-202603-000001", models.MomoStatusFailed, 0, "")
	mk("MOMO-202603-000002", models.MomoStatusExpired, 2, "")
	mk("MOMO-202603-000003", models.MomoStatusFailed, 3, "")
	mk("MOMO-202603-000004", models.MomoStatusPending, 1, "timeout")
	mk("MOMO-202603-000005", models.MomoStatusPending, 0, "")
	mk("MOMO-202603-000006", models.MomoStatusCompleted, 0, "")

	candidates, err := repos.MomoTransaction.FindRetryCandidates(ctx)
	require.NoError(t, err)
	var numbers []string
	for _, c := range candidates {
		numbers = append(numbers, c.TransactionNumber)
	}
	assert.Equal(t, []string{"MOMO-202603-000001", "MOMO-202603-000002", "MOMO-202603-000004"}, numbers)

	exhausted, err := repos.MomoTransaction.FindExhausted(ctx)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	assert.Equal(t, "MOMO-202603-000003", exhausted[0].TransactionNumber)
}

func TestSumAmountsBetweenSkipsFailed(t *testing.T) {
	ctx := context.Background()
	repos := testdb.NewRepositories(t)
	p := testdb.MomoProvider(t, repos)

	ok := newTx(p.ID, "MOMO-202603-000001")
	ok.Amount = decimal.RequireFromString("150.50")
	require.NoError(t, repos.MomoTransaction.Create(ctx, ok))
	failed := newTx(p.ID, "MOMO-202603-000002")
	failed.Status = models.MomoStatusFailed
	require.NoError(t, repos.MomoTransaction.Create(ctx, failed))

	now := time.Now().UTC()
	total, err := repos.MomoTransaction.SumAmountsBetween(ctx, p.ID, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("150.50").Equal(total), total.String())
}

func TestZraInvoiceCreateIfNotExists(t *testing.T) {
	ctx := context.Background()
	repos := testdb.NewRepositories(t)
	p := testdb.ZraProvider(t, repos)

	inv := &models.ZraSmartInvoice{InvoiceID: 42, InvoiceNumber: "INV-42", CompanyID: 1, ProviderID: p.ID, SubmissionStatus: models.ZraStatusPending, Version: 1}
	created, stored, err := repos.ZraInvoice.CreateIfNotExists(ctx, inv)
	require.NoError(t, err)
	assert.True(t, created)

	again := &models.ZraSmartInvoice{InvoiceID: 42, InvoiceNumber: "INV-42", CompanyID: 1, ProviderID: p.ID, SubmissionStatus: models.ZraStatusPending, Version: 1}
	created, dup, err := repos.ZraInvoice.CreateIfNotExists(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.ID, dup.ID)
}

func TestZraInvoiceTestModeIsCreateOnly(t *testing.T) {
	ctx := context.Background()
	repos := testdb.NewRepositories(t)
	p := testdb.ZraProvider(t, repos)

	inv := &models.ZraSmartInvoice{InvoiceID: 7, InvoiceNumber: "INV-7", CompanyID: 1, ProviderID: p.ID, SubmissionStatus: models.ZraStatusPending, IsTestMode: true, Version: 1}
	_, inv, err := repos.ZraInvoice.CreateIfNotExists(ctx, inv)
	require.NoError(t, err)

	inv.IsTestMode = false
	require.NoError(t, repos.ZraInvoice.UpdateWithVersion(ctx, inv, inv.Version))

	stored, err := repos.ZraInvoice.GetByID(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsTestMode)
	assert.Equal(t, uint(2), stored.Version)
}

func TestWebhookProcessedKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	repos := testdb.NewRepositories(t)
	now := time.Now().UTC()

	a := &models.Webhook{ProviderID: 1, ProviderCode: "mtn", WebhookID: "evt-1", Payload: "{}", Status: models.WebhookStatusPending}
	b := &models.Webhook{ProviderID: 1, ProviderCode: "mtn", WebhookID: "evt-1", Payload: "{}", Status: models.WebhookStatusPending}
	require.NoError(t, repos.Webhook.Create(ctx, a))
	require.NoError(t, repos.Webhook.Create(ctx, b))

	none, err := repos.Webhook.FindProcessed(ctx, 1, "evt-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	a.MarkProcessed("momo_transaction", 1, "", now)
	require.NoError(t, repos.Webhook.Save(ctx, a))

	b.MarkProcessed("momo_transaction", 1, "", now)
	err = repos.Webhook.Save(ctx, b)
	assert.True(t, repository.IsDuplicate(err), "second processed row must violate the key: %v", err)

	found, err := repos.Webhook.FindProcessed(ctx, 1, "evt-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, a.ID, found.ID)
}

func TestAuditLogIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	db := testdb.New(t)
	repos := repository.NewRepositories(db)

	entityID := uint(5)
	entry := &models.AuditLog{CorrelationID: "corr-1", EntityType: "momo_transaction", EntityID: &entityID, Action: "request_to_pay", Direction: models.AuditDirectionOutbound}
	require.NoError(t, repos.AuditLog.Create(ctx, entry))
	require.NoError(t, repos.AuditLog.Create(ctx, &models.AuditLog{CorrelationID: "corr-1", Action: "status", Direction: models.AuditDirectionOutbound}))

	entry.Action = "tampered"
	assert.ErrorIs(t, db.Save(entry).Error, models.ErrAuditLogImmutable)
	assert.ErrorIs(t, db.Delete(entry).Error, models.ErrAuditLogImmutable)

	byCorr, err := repos.AuditLog.FindByCorrelationID(ctx, "corr-1")
	require.NoError(t, err)
	assert.Len(t, byCorr, 2)
	assert.Equal(t, "request_to_pay", byCorr[0].Action)

	byEntity, err := repos.AuditLog.FindByEntity(ctx, "momo_transaction", 5)
	require.NoError(t, err)
	assert.Len(t, byEntity, 1)
}

func TestProviderActivateIsExclusive(t *testing.T) {
	ctx := context.Background()
	repos := testdb.NewRepositories(t)

	a := testdb.MomoProvider(t, repos)
	b := testdb.MomoProvider(t, repos, func(p *models.Provider) { p.Code = "airtel"; p.IsActive = false })
	prod := testdb.MomoProvider(t, repos, func(p *models.Provider) { p.Code = "mtn"; p.IsSandbox = false })

	require.NoError(t, repos.Provider.Activate(ctx, b.ID))

	active, err := repos.Provider.FindActive(ctx, 1, models.ProviderKindMomo, true)
	require.NoError(t, err)
	assert.Equal(t, b.ID, active.ID)

	reloadedA, err := repos.Provider.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, reloadedA.IsActive)

	reloadedProd, err := repos.Provider.GetByID(ctx, prod.ID)
	require.NoError(t, err)
	assert.True(t, reloadedProd.IsActive, "other environment untouched")
}

func TestReconciliationBatchAndDiscrepancyIdempotent(t *testing.T) {
	ctx := context.Background()
	repos := testdb.NewRepositories(t)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	batch := &models.Reconciliation{ProviderID: 1, PeriodStart: start, PeriodEnd: end, StatementDigest: "abc", Status: models.ReconciliationRunning}
	first, created, err := repos.Reconciliation.FindOrCreateBatch(ctx, batch)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := repos.Reconciliation.FindOrCreateBatch(ctx, &models.Reconciliation{ProviderID: 1, PeriodStart: start, PeriodEnd: end, StatementDigest: "abc", Status: models.ReconciliationRunning})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	d := func() *models.ReconciliationDiscrepancy {
		return &models.ReconciliationDiscrepancy{ReconciliationID: first.ID, Kind: models.DiscrepancyMissingLocal, ReferenceKey: "ptx-9", Amount: decimal.Zero, RemoteAmount: decimal.NewFromInt(50)}
	}
	ok, err := repos.Reconciliation.CreateDiscrepancyIfNotExists(ctx, d())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repos.Reconciliation.CreateDiscrepancyIfNotExists(ctx, d())
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := repos.Reconciliation.ListDiscrepancies(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTransactionRollsBackAcrossRepositories(t *testing.T) {
	ctx := context.Background()
	repos := testdb.NewRepositories(t)
	p := testdb.MomoProvider(t, repos)

	err := repos.Transaction(ctx, func(tx *repository.Repositories) error {
		if err := tx.MomoTransaction.Create(ctx, newTx(p.ID, "MOMO-202603-000001")); err != nil {
			return err
		}
		return tx.MomoTransaction.Create(ctx, newTx(p.ID, "MOMO-202603-000001"))
	})
	require.Error(t, err)

	_, err = repos.MomoTransaction.GetByNumber(ctx, "MOMO-202603-000001")
	assert.True(t, repository.IsNotFound(err))
}
