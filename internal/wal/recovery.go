package wal

import (
	"fmt"
	"sort"
)

// RecoveryResult summarizes one recovery pass.
type RecoveryResult struct {
	Replayed  []string // transaction ids whose DATA entries were applied
	Discarded []string // incomplete or rolled-back transaction ids
}

// Recover groups all log entries by transaction id. A transaction is
// complete iff it contains a COMMIT entry and no ROLLBACK entry. The DATA
// entries of complete transactions are replayed in global seq order via
// apply; everything else is discarded.
func Recover(w WAL, apply func(e *Entry) error) (*RecoveryResult, error) {
	entries, err := w.ReadEntries(0)
	if err != nil {
		return nil, fmt.Errorf("recovery failed: %w", err)
	}

	committed := make(map[string]bool)
	rolledBack := make(map[string]bool)
	seen := make(map[string]bool)

	for _, e := range entries {
		seen[e.TransactionID] = true
		switch e.Type {
		case EntryCommit:
			committed[e.TransactionID] = true
		case EntryRollback:
			rolledBack[e.TransactionID] = true
		}
	}

	result := &RecoveryResult{}
	complete := make(map[string]bool)
	for txnID := range seen {
		if committed[txnID] && !rolledBack[txnID] {
			complete[txnID] = true
			result.Replayed = append(result.Replayed, txnID)
		} else {
			result.Discarded = append(result.Discarded, txnID)
		}
	}
	sort.Strings(result.Replayed)
	sort.Strings(result.Discarded)

	// Entries arrive in seq order already; replay DATA of complete txns
	for _, e := range entries {
		if e.Type != EntryData || !complete[e.TransactionID] {
			continue
		}
		if err := apply(e); err != nil {
			return nil, fmt.Errorf("replay of txn %s failed: %w", e.TransactionID, err)
		}
	}

	return result, nil
}
