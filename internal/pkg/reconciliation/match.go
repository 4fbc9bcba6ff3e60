package reconciliation

import (
	"strings"
	"time"

	"github.com/ManuelReschke/PayFox/app/models"
	"github.com/ManuelReschke/PayFox/internal/pkg/momo"
)

type mismatch struct {
	local  *models.MomoTransaction
	remote momo.StatementEntry
}

type matchResult struct {
	matched         []*models.MomoTransaction
	mismatched      []mismatch
	unmatchedLocal  []*models.MomoTransaction
	unmatchedRemote []momo.StatementEntry
}

// settled drops statement lines that did not move money.
func settled(entries []momo.StatementEntry) []momo.StatementEntry {
	out := make([]momo.StatementEntry, 0, len(entries))
	for _, e := range entries {
		switch strings.ToUpper(e.Status) {
		case "", "SUCCESSFUL", "SUCCESS", "COMPLETED":
			out = append(out, e)
		}
	}
	return out
}

// settledAt is when the ledger considers the money moved.
func settledAt(tx *models.MomoTransaction) time.Time {
	if tx.CompletedAt != nil {
		return *tx.CompletedAt
	}
	return tx.CreatedAt
}

// match pairs ledger rows with statement lines: first by provider transaction
// id or our transaction number, then by amount, phone and time proximity.
func match(local []models.MomoTransaction, remote []momo.StatementEntry, window time.Duration) matchResult {
	var res matchResult
	used := make([]bool, len(local))
	byProviderID := make(map[string]int, len(local))
	byNumber := make(map[string]int, len(local))
	for i := range local {
		if id := local[i].ProviderTransactionID; id != "" {
			byProviderID[id] = i
		}
		byNumber[local[i].TransactionNumber] = i
	}

	var pending []momo.StatementEntry
	for _, entry := range remote {
		i, ok := -1, false
		if entry.ProviderTransactionID != "" {
			i, ok = byProviderID[entry.ProviderTransactionID]
		}
		if !ok && entry.ExternalID != "" {
			i, ok = byNumber[entry.ExternalID]
		}
		if !ok || used[i] {
			pending = append(pending, entry)
			continue
		}
		used[i] = true
		if local[i].Amount.Equal(entry.Amount) {
			res.matched = append(res.matched, &local[i])
		} else {
			res.mismatched = append(res.mismatched, mismatch{local: &local[i], remote: entry})
		}
	}

	for _, entry := range pending {
		best := -1
		var bestGap time.Duration
		phone := momo.NormalizePhone(entry.Phone)
		if !entry.OccurredAt.IsZero() && phone != "" {
			for i := range local {
				if used[i] || !local[i].Amount.Equal(entry.Amount) {
					continue
				}
				if momo.NormalizePhone(local[i].CustomerPhone) != phone {
					continue
				}
				gap := settledAt(&local[i]).Sub(entry.OccurredAt)
				if gap < 0 {
					gap = -gap
				}
				if gap > window {
					continue
				}
				if best == -1 || gap < bestGap {
					best, bestGap = i, gap
				}
			}
		}
		if best == -1 {
			res.unmatchedRemote = append(res.unmatchedRemote, entry)
			continue
		}
		used[best] = true
		res.matched = append(res.matched, &local[best])
	}

	for i := range local {
		if !used[i] {
			res.unmatchedLocal = append(res.unmatchedLocal, &local[i])
		}
	}
	return res
}
