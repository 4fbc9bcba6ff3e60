// Package reconciliation cross-checks completed MoMo transactions against the
// provider's settlement statement.
package reconciliation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/audit"
	"github.com/ManuelReschke/PayFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PayFox/internal/pkg/momo"
	"github.com/ManuelReschke/PayFox/internal/pkg/notify"
)

var (
	ErrInvalidWindow = errors.New("invalid reconciliation window")
	ErrNotMomo       = errors.New("provider is not a MoMo provider")
)

// StatementSource fetches the provider's settled lines for a window.
type StatementSource interface {
	FetchStatement(ctx context.Context, p *models.Provider, from, to time.Time) ([]momo.StatementEntry, []byte, error)
}

// Archiver stores the raw statement a run was computed from.
type Archiver interface {
	Put(ctx context.Context, key string, body []byte) (string, error)
}

type Request struct {
	ProviderID uint
	From       time.Time
	To         time.Time
	Statement  []momo.StatementEntry
	RunBy      *uint
	ArchiveKey string
	// Now defaults to the ledger clock.
	Now time.Time
}

// Summary is the outcome of one run. Re-running the same statement yields the same counts.
type Summary struct {
	ReconciliationID uint `json:"reconciliation_id"`
	Matched          int  `json:"matched"`
	UnmatchedLocal   int  `json:"unmatched_local"`
	UnmatchedRemote  int  `json:"unmatched_remote"`
	AmountMismatches int  `json:"amount_mismatches"`
	WithinGrace      int  `json:"within_grace"`
	HasDiscrepancies bool `json:"has_discrepancies"`
	RunCount         int  `json:"run_count"`
}

type Engine struct {
	ledger     *ledger.Service
	statements StatementSource
	archive    Archiver
	archiveKey func(p *models.Provider, from, to time.Time) string
	settings   func() *models.AppSettings
}

func NewEngine(l *ledger.Service, statements StatementSource, settings func() *models.AppSettings) *Engine {
	return &Engine{ledger: l, statements: statements, settings: settings}
}

// WithArchive enables statement archiving. keyFn names the object for a window.
func (e *Engine) WithArchive(a Archiver, keyFn func(p *models.Provider, from, to time.Time) string) *Engine {
	e.archive = a
	e.archiveKey = keyFn
	return e
}

func (e *Engine) appSettings() *models.AppSettings {
	if e.settings != nil {
		if s := e.settings(); s != nil {
			return s
		}
	}
	return models.DefaultAppSettings()
}

// Run reconciles one statement against the ledger window [From, To).
func (e *Engine) Run(ctx context.Context, req Request) (*Summary, error) {
	if req.From.IsZero() || !req.From.Before(req.To) {
		return nil, fmt.Errorf("%w: %s - %s", ErrInvalidWindow, req.From, req.To)
	}
	p, err := e.ledger.Registry().Get(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}
	if p.Kind != models.ProviderKindMomo {
		return nil, fmt.Errorf("%w: %s", ErrNotMomo, p.Code)
	}
	now := req.Now
	if now.IsZero() {
		now = e.ledger.Now()
	}
	settings := e.appSettings()
	from, to := req.From.UTC(), req.To.UTC()

	digest, err := StatementDigest(req.Statement)
	if err != nil {
		return nil, err
	}
	repos := e.ledger.Repositories()
	batch, created, err := repos.Reconciliation.FindOrCreateBatch(ctx, &models.Reconciliation{
		ProviderID:      p.ID,
		PeriodStart:     from,
		PeriodEnd:       to,
		StatementDigest: digest,
		Status:          models.ReconciliationRunning,
		RunBy:           req.RunBy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open reconciliation batch: %w", err)
	}
	ctx = audit.WithCorrelationID(ctx, fmt.Sprintf("reconciliation:%d", batch.ID))
	if !created {
		log.Infof("[Reconcile] Re-running batch %d for %s", batch.ID, p.Code)
	}

	local, err := repos.MomoTransaction.FindForReconciliation(ctx, p.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger window: %w", err)
	}
	result := match(local, settled(req.Statement), settings.GetFuzzyMatchWindow())

	summary := &Summary{ReconciliationID: batch.ID}
	var userID uint
	if req.RunBy != nil {
		userID = *req.RunBy
	}
	for _, tx := range result.matched {
		summary.Matched++
		if tx.IsReconciled {
			continue
		}
		if _, err := e.ledger.MarkReconciled(ctx, tx.ID, batch.ID, userID); err != nil {
			if errors.Is(err, ledger.ErrStaleState) {
				log.Debugf("[Reconcile] %s changed during the run, latch left to the next run", tx.TransactionNumber)
				continue
			}
			return nil, fmt.Errorf("failed to mark %s reconciled: %w", tx.TransactionNumber, err)
		}
	}

	var discrepancies []*models.ReconciliationDiscrepancy
	for _, m := range result.mismatched {
		id := m.local.ID
		summary.AmountMismatches++
		discrepancies = append(discrepancies, &models.ReconciliationDiscrepancy{
			Kind:                  models.DiscrepancyAmountMismatch,
			ReferenceKey:          m.local.TransactionNumber,
			TransactionID:         &id,
			ProviderTransactionID: m.remote.ProviderTransactionID,
			Amount:                m.local.Amount,
			RemoteAmount:          m.remote.Amount,
			Details:               fmt.Sprintf("ledger %s, statement %s", m.local.Amount.StringFixed(2), m.remote.Amount.StringFixed(2)),
		})
	}
	graceCutoff := now.Add(-settings.GetReconciliationGrace())
	for _, tx := range result.unmatchedLocal {
		if tx.IsReconciled {
			continue
		}
		if !settledAt(tx).Before(graceCutoff) {
			summary.WithinGrace++
			continue
		}
		id := tx.ID
		summary.UnmatchedLocal++
		discrepancies = append(discrepancies, &models.ReconciliationDiscrepancy{
			Kind:                  models.DiscrepancyMissingRemote,
			ReferenceKey:          tx.TransactionNumber,
			TransactionID:         &id,
			ProviderTransactionID: tx.ProviderTransactionID,
			Amount:                tx.Amount,
			Details:               "completed in ledger, absent from provider statement",
		})
	}
	for i, entry := range result.unmatchedRemote {
		summary.UnmatchedRemote++
		discrepancies = append(discrepancies, &models.ReconciliationDiscrepancy{
			Kind:                  models.DiscrepancyMissingLocal,
			ReferenceKey:          remoteKey(entry, i),
			ProviderTransactionID: entry.ProviderTransactionID,
			RemoteAmount:          entry.Amount,
			Details:               fmt.Sprintf("statement line for %s has no completed ledger transaction", entry.Phone),
		})
	}
	for _, d := range discrepancies {
		d.ReconciliationID = batch.ID
		if _, err := repos.Reconciliation.CreateDiscrepancyIfNotExists(ctx, d); err != nil {
			return nil, fmt.Errorf("failed to record %s discrepancy %s: %w", d.Kind, d.ReferenceKey, err)
		}
	}
	summary.HasDiscrepancies = len(discrepancies) > 0

	batch.Status = models.ReconciliationCompleted
	batch.MatchedCount = summary.Matched
	batch.UnmatchedLocalCount = summary.UnmatchedLocal
	batch.UnmatchedRemoteCount = summary.UnmatchedRemote
	batch.AmountMismatchCount = summary.AmountMismatches
	batch.HasDiscrepancies = summary.HasDiscrepancies
	batch.RunCount++
	if req.RunBy != nil {
		batch.RunBy = req.RunBy
	}
	if req.ArchiveKey != "" {
		batch.ArchiveKey = req.ArchiveKey
	}
	batch.CompletedAt = &now
	if err := repos.Reconciliation.SaveBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to save reconciliation batch %d: %w", batch.ID, err)
	}
	summary.RunCount = batch.RunCount

	log.Infof("[Reconcile] %s %s..%s: matched=%d missing_remote=%d missing_local=%d amount_mismatch=%d",
		p.Code, from.Format(time.RFC3339), to.Format(time.RFC3339),
		summary.Matched, summary.UnmatchedLocal, summary.UnmatchedRemote, summary.AmountMismatches)
	e.ledger.Announce(ctx, completedChange(ctx, p, batch, summary))
	return summary, nil
}

// RunForProvider fetches the statement, archives it when an archive is set, and runs.
func (e *Engine) RunForProvider(ctx context.Context, providerID uint, from, to time.Time, runBy *uint) (*Summary, error) {
	if e.statements == nil {
		return nil, errors.New("no statement source configured")
	}
	p, err := e.ledger.Registry().Get(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if p.Kind != models.ProviderKindMomo {
		return nil, fmt.Errorf("%w: %s", ErrNotMomo, p.Code)
	}
	ctx, _ = audit.EnsureCorrelationID(ctx)
	entries, raw, err := e.statements.FetchStatement(ctx, p, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch statement from %s: %w", p.Code, err)
	}

	req := Request{ProviderID: p.ID, From: from, To: to, Statement: entries, RunBy: runBy}
	if e.archive != nil && e.archiveKey != nil {
		loc, err := e.archive.Put(ctx, e.archiveKey(p, from, to), raw)
		if err != nil {
			log.Warnf("[Reconcile] Statement archive failed for %s: %v", p.Code, err)
		} else {
			req.ArchiveKey = loc
		}
	}
	return e.Run(ctx, req)
}

func completedChange(ctx context.Context, p *models.Provider, batch *models.Reconciliation, s *Summary) *ledger.Change {
	extra := map[string]interface{}{
		"reconciliation_id":  batch.ID,
		"provider_id":        p.ID,
		"provider_code":      p.Code,
		"period_start":       batch.PeriodStart.Format(time.RFC3339),
		"period_end":         batch.PeriodEnd.Format(time.RFC3339),
		"matched":            s.Matched,
		"unmatched_local":    s.UnmatchedLocal,
		"unmatched_remote":   s.UnmatchedRemote,
		"amount_mismatches":  s.AmountMismatches,
		"has_discrepancies":  s.HasDiscrepancies,
		"run_count":          batch.RunCount,
		"statement_digest":   batch.StatementDigest,
		"statement_archived": batch.ArchiveKey != "",
	}
	if id := audit.CorrelationID(ctx); id != "" {
		extra["correlation_id"] = id
	}
	return &ledger.Change{
		Kind:      notify.ReconciliationCompleted,
		Entity:    notify.Entity{Type: notify.EntityReconciliation, ID: batch.ID},
		OldStatus: string(models.ReconciliationRunning),
		NewStatus: string(models.ReconciliationCompleted),
		Extra:     extra,
	}
}

// StatementDigest identifies a statement independent of line order.
func StatementDigest(entries []momo.StatementEntry) (string, error) {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		b, err := json.Marshal(struct {
			ID       string `json:"id"`
			External string `json:"ext"`
			Phone    string `json:"phone"`
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
			Status   string `json:"status"`
			At       string `json:"at"`
		}{e.ProviderTransactionID, e.ExternalID, e.Phone, e.Amount.StringFixed(2), e.Currency, strings.ToUpper(e.Status), e.OccurredAt.UTC().Format(time.RFC3339)})
		if err != nil {
			return "", err
		}
		lines = append(lines, string(b))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:]), nil
}

func remoteKey(e momo.StatementEntry, i int) string {
	switch {
	case e.ProviderTransactionID != "":
		return e.ProviderTransactionID
	case e.ExternalID != "":
		return "ext:" + e.ExternalID
	}
	return fmt.Sprintf("line:%d:%s:%s", i, e.Phone, e.Amount.StringFixed(2))
}
