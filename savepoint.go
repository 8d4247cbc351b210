package bunstore

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/storage"
)

// Savepoint is a per-transaction restore point. Document snapshots are
// authoritative; index state is rebuilt from them on rollback, which makes
// index savepoints unnecessary.
type Savepoint struct {
	ID          string
	Name        string
	TimestampMS int64
	TxnID       string

	seq   int64
	lists map[string]storage.ListSnapshot
}

// SavepointInfo is the caller-visible description of a savepoint.
type SavepointInfo struct {
	ID          string
	Name        string
	TimestampMS int64
	TxnID       string
	Collections []string
}

// CreateSavepoint captures a deep per-collection document snapshot under a
// name unique within the active transaction. Returns the savepoint id.
func (db *Database) CreateSavepoint(name string) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.activeTxn == nil {
		return "", util.ErrNoActiveTxn
	}
	for _, sp := range db.savepoints {
		if sp.Name == name {
			return "", fmt.Errorf("%w: %s", util.ErrSavepointDup, name)
		}
	}

	db.spSeq++
	sp := &Savepoint{
		ID:          uuid.NewString(),
		Name:        name,
		TimestampMS: time.Now().UnixMilli(),
		TxnID:       db.activeTxn.ID,
		seq:         db.spSeq,
		lists:       make(map[string]storage.ListSnapshot, len(db.collections)),
	}
	for name, c := range db.collections {
		c.mu.RLock()
		sp.lists[name] = c.list.snapshot()
		c.mu.RUnlock()
	}

	db.savepoints = append(db.savepoints, sp)
	return sp.ID, nil
}

// RollbackToSavepoint restores every collection's documents from the
// savepoint and discards all savepoints created after it.
func (db *Database) RollbackToSavepoint(id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.activeTxn == nil {
		return util.ErrNoActiveTxn
	}

	var target *Savepoint
	for _, sp := range db.savepoints {
		if sp.ID == id {
			target = sp
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %s", util.ErrSavepoint, id)
	}

	for name, snap := range target.lists {
		c, ok := db.collections[name]
		if !ok {
			continue
		}
		if err := c.restoreList(snap); err != nil {
			return fmt.Errorf("failed to restore collection %s: %w", name, err)
		}
	}

	// Chronology invariant: only savepoints at or before the target remain
	kept := db.savepoints[:0]
	for _, sp := range db.savepoints {
		if sp.seq <= target.seq {
			kept = append(kept, sp)
		}
	}
	db.savepoints = kept
	return nil
}

// ReleaseSavepoint discards a savepoint and frees its snapshots.
func (db *Database) ReleaseSavepoint(id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i, sp := range db.savepoints {
		if sp.ID == id {
			db.savepoints = append(db.savepoints[:i], db.savepoints[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", util.ErrSavepoint, id)
}

// ListSavepoints returns the names of all live savepoints in creation
// order.
func (db *Database) ListSavepoints() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	names := make([]string, 0, len(db.savepoints))
	for _, sp := range db.savepoints {
		names = append(names, sp.Name)
	}
	return names
}

// SavepointInfo describes a savepoint by id.
func (db *Database) SavepointInfo(id string) (*SavepointInfo, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, sp := range db.savepoints {
		if sp.ID == id {
			info := &SavepointInfo{
				ID:          sp.ID,
				Name:        sp.Name,
				TimestampMS: sp.TimestampMS,
				TxnID:       sp.TxnID,
			}
			for name := range sp.lists {
				info.Collections = append(info.Collections, name)
			}
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", util.ErrSavepoint, id)
}

// releaseAllSavepoints drops every savepoint; called on commit and abort.
func (db *Database) releaseAllSavepoints() {
	db.savepoints = nil
}

// restoreList resets the collection to a list snapshot and rebuilds every
// index from the restored documents.
func (c *Collection) restoreList(snap storage.ListSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.list.restore(snap); err != nil {
		return err
	}
	for _, h := range c.hooks {
		h.ensure()
		if err := h.rebuild(); err != nil {
			return err
		}
	}
	return nil
}
