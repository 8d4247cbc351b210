package transaction

import (
	"fmt"

	"github.com/kartikbazzad/bunstore/internal/wal"
)

// WALTransactionManager extends the plain manager with write-ahead logging:
// every lifecycle step emits a log entry before the underlying action, so
// recovery can decide which transactions completed.
type WALTransactionManager struct {
	*TransactionManager
	log wal.WAL
}

// NewWALTransactionManager wires a manager to a write-ahead log.
func NewWALTransactionManager(log wal.WAL) (*WALTransactionManager, error) {
	tm, err := NewTransactionManager()
	if err != nil {
		return nil, err
	}
	return &WALTransactionManager{TransactionManager: tm, log: log}, nil
}

// WAL exposes the underlying log (for checkpoints and truncation).
func (wm *WALTransactionManager) WAL() wal.WAL { return wm.log }

// Begin starts a transaction and journals a BEGIN entry.
func (wm *WALTransactionManager) Begin(opts *Options) (*Transaction, error) {
	txn, err := wm.TransactionManager.Begin(opts)
	if err != nil {
		return nil, err
	}

	if _, err := wm.log.WriteEntry(&wal.Entry{
		TransactionID: txn.ID,
		Type:          wal.EntryBegin,
	}); err != nil {
		wm.abort(txn)
		return nil, fmt.Errorf("failed to journal transaction begin: %w", err)
	}
	return txn, nil
}

// LogData journals one mutation under the transaction. DATA entries are
// issued in mutation order and replayed in seq order on recovery.
func (wm *WALTransactionManager) LogData(txnID, collection, operation string, payload map[string]interface{}) error {
	if _, err := wm.Get(txnID); err != nil {
		return err
	}
	_, err := wm.log.WriteEntry(&wal.Entry{
		TransactionID:  txnID,
		Type:           wal.EntryData,
		CollectionName: collection,
		Operation:      operation,
		Data:           payload,
	})
	if err != nil {
		return fmt.Errorf("failed to journal mutation: %w", err)
	}
	return nil
}

// Commit journals one PREPARE entry per affected resource, runs the prepare
// phase, then journals COMMIT (flushed eagerly by entry type) before
// finalizing. A failed prepare initiates rollback, which journals ROLLBACK.
func (wm *WALTransactionManager) Commit(id string) error {
	txn, err := wm.Get(id)
	if err != nil {
		return err
	}

	for _, name := range txn.ResourceNames() {
		if _, err := wm.log.WriteEntry(&wal.Entry{
			TransactionID:  id,
			Type:           wal.EntryPrepare,
			CollectionName: name,
		}); err != nil {
			return fmt.Errorf("failed to journal prepare: %w", err)
		}
	}

	if err := wm.Prepare(id); err != nil {
		// Prepare already rolled the resources back; journal the outcome
		if _, werr := wm.log.WriteEntry(&wal.Entry{
			TransactionID: id,
			Type:          wal.EntryRollback,
		}); werr != nil {
			fmt.Printf("[WARN] failed to journal rollback for txn %s: %v\n", id, werr)
		}
		return err
	}

	if _, err := wm.log.WriteEntry(&wal.Entry{
		TransactionID: id,
		Type:          wal.EntryCommit,
	}); err != nil {
		return fmt.Errorf("failed to journal commit: %w", err)
	}
	if err := wm.log.Flush(); err != nil {
		return fmt.Errorf("failed to flush commit entry: %w", err)
	}

	return wm.Finalize(id)
}

// Rollback journals a ROLLBACK entry and undoes the transaction.
func (wm *WALTransactionManager) Rollback(id string) error {
	if _, err := wm.Get(id); err != nil {
		return err
	}

	if _, err := wm.log.WriteEntry(&wal.Entry{
		TransactionID: id,
		Type:          wal.EntryRollback,
	}); err != nil {
		fmt.Printf("[WARN] failed to journal rollback for txn %s: %v\n", id, err)
	}
	return wm.TransactionManager.Rollback(id)
}

// Recover replays the journal: committed transactions' DATA entries are
// handed to apply in seq order; unfinished transactions are discarded.
func (wm *WALTransactionManager) Recover(apply func(e *wal.Entry) error) (*wal.RecoveryResult, error) {
	return wal.Recover(wm.log, apply)
}
