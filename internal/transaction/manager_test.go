package transaction

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/internal/wal"
)

// fakeResource records protocol calls and can be told to vote no or fail.
type fakeResource struct {
	mu        sync.Mutex
	prepared  []string
	finalized []string
	rolledBk  []string
	voteNo    bool
	prepErr   error
}

func (r *fakeResource) PrepareCommit(txnID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepared = append(r.prepared, txnID)
	if r.prepErr != nil {
		return false, r.prepErr
	}
	return !r.voteNo, nil
}

func (r *fakeResource) FinalizeCommit(txnID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = append(r.finalized, txnID)
	return nil
}

func (r *fakeResource) Rollback(txnID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolledBk = append(r.rolledBk, txnID)
	return nil
}

func newTestManager(t *testing.T) *TransactionManager {
	t.Helper()
	tm, err := NewTransactionManager()
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(tm.Close)
	return tm
}

func TestTransactionBeginCommit(t *testing.T) {
	tm := newTestManager(t)

	txn, err := tm.Begin(nil)
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}
	if txn.ID == "" {
		t.Error("Transaction ID should be non-empty")
	}
	if txn.Status != StatusActive {
		t.Error("New transaction should be active")
	}
	if txn.TimeoutMS != DefaultTimeoutMS {
		t.Errorf("Default timeout = %d, want %d", txn.TimeoutMS, DefaultTimeoutMS)
	}

	r1 := &fakeResource{}
	r2 := &fakeResource{}
	txn.AddResource("users", r1)
	txn.AddResource("orders", r2)
	txn.RecordChange(Change{Collection: "users", Operation: "INSERT", DocumentID: "1"})

	if err := tm.Commit(txn.ID); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	if txn.Status != StatusCommitted {
		t.Errorf("Status = %s, want Committed", txn.Status)
	}
	if len(r1.prepared) != 1 || len(r1.finalized) != 1 {
		t.Errorf("Resource 1 saw prepare=%d finalize=%d, want 1/1", len(r1.prepared), len(r1.finalized))
	}
	if len(r2.finalized) != 1 {
		t.Error("Resource 2 should have finalized")
	}
	if tm.GetActiveTransactionCount() != 0 {
		t.Error("Committed transaction should leave the active set")
	}
}

func TestTransactionCommitAbortsOnNoVote(t *testing.T) {
	tm := newTestManager(t)

	txn, _ := tm.Begin(nil)
	good := &fakeResource{}
	bad := &fakeResource{voteNo: true}
	txn.AddResource("good", good)
	txn.AddResource("bad", bad)

	err := tm.Commit(txn.ID)
	if !errors.Is(err, util.ErrTxnAborted) {
		t.Fatalf("Expected ErrTxnAborted, got %v", err)
	}
	if txn.Status != StatusAborted {
		t.Errorf("Status = %s, want Aborted", txn.Status)
	}
	if len(good.finalized) != 0 {
		t.Error("No resource may finalize after a no vote")
	}
	if len(good.rolledBk) != 1 || len(bad.rolledBk) != 1 {
		t.Error("All resources must be rolled back after a no vote")
	}
}

func TestTransactionCommitAbortsOnPrepareError(t *testing.T) {
	tm := newTestManager(t)

	txn, _ := tm.Begin(nil)
	txn.AddResource("flaky", &fakeResource{prepErr: fmt.Errorf("disk full")})

	if err := tm.Commit(txn.ID); !errors.Is(err, util.ErrTxnAborted) {
		t.Fatalf("Expected ErrTxnAborted, got %v", err)
	}
}

func TestTransactionRollback(t *testing.T) {
	tm := newTestManager(t)

	txn, _ := tm.Begin(nil)
	r := &fakeResource{}
	txn.AddResource("users", r)

	if err := tm.Rollback(txn.ID); err != nil {
		t.Fatalf("Failed to rollback: %v", err)
	}
	if txn.Status != StatusAborted {
		t.Errorf("Status = %s, want Aborted", txn.Status)
	}
	if len(r.rolledBk) != 1 {
		t.Error("Resource should have been rolled back")
	}
	if _, err := tm.Get(txn.ID); !errors.Is(err, util.ErrTxnNotFound) {
		t.Error("Rolled-back transaction should leave the active set")
	}
}

func TestTransactionGetMissing(t *testing.T) {
	tm := newTestManager(t)
	if _, err := tm.Get("nope"); !errors.Is(err, util.ErrTxnNotFound) {
		t.Errorf("Expected ErrTxnNotFound, got %v", err)
	}
}

func TestTransactionCleanupTimeouts(t *testing.T) {
	tm := newTestManager(t)

	expired, _ := tm.Begin(&Options{TimeoutMS: 1})
	fresh, _ := tm.Begin(&Options{TimeoutMS: 60_000})

	time.Sleep(10 * time.Millisecond)
	ids := tm.Cleanup()

	if len(ids) != 1 || ids[0] != expired.ID {
		t.Errorf("Cleanup rolled back %v, want [%s]", ids, expired.ID)
	}
	if _, err := tm.Get(fresh.ID); err != nil {
		t.Error("Fresh transaction should survive cleanup")
	}
}

func TestChangeListenerPanicsAreIsolated(t *testing.T) {
	tm := newTestManager(t)

	var delivered []Change
	tm.OnChange(func([]Change) { panic("listener bug") })
	tm.OnChange(func(changes []Change) { delivered = append(delivered, changes...) })

	txn, _ := tm.Begin(nil)
	txn.RecordChange(Change{Collection: "users", Operation: "INSERT", DocumentID: "1"})

	if err := tm.Commit(txn.ID); err != nil {
		t.Fatalf("Commit must survive a panicking listener: %v", err)
	}
	if len(delivered) != 1 {
		t.Errorf("Second listener should still receive changes, got %d", len(delivered))
	}
}

func TestWALManagerJournalsLifecycle(t *testing.T) {
	log := wal.NewMemoryWAL()
	wm, err := NewWALTransactionManager(log)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer wm.Close()

	txn, err := wm.Begin(nil)
	if err != nil {
		t.Fatalf("Failed to begin: %v", err)
	}
	txn.AddResource("users", &fakeResource{})

	if err := wm.LogData(txn.ID, "users", "INSERT", map[string]interface{}{"id": "1"}); err != nil {
		t.Fatalf("Failed to journal data: %v", err)
	}
	if err := wm.Commit(txn.ID); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	entries, err := log.ReadEntries(0)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}

	var types []wal.EntryType
	for _, e := range entries {
		types = append(types, e.Type)
	}
	want := []wal.EntryType{wal.EntryBegin, wal.EntryData, wal.EntryPrepare, wal.EntryCommit}
	if len(types) != len(want) {
		t.Fatalf("Journal = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("Journal[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestWALManagerJournalsRollback(t *testing.T) {
	log := wal.NewMemoryWAL()
	wm, err := NewWALTransactionManager(log)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer wm.Close()

	txn, _ := wm.Begin(nil)
	if err := wm.Rollback(txn.ID); err != nil {
		t.Fatalf("Failed to rollback: %v", err)
	}

	entries, _ := log.ReadEntries(0)
	last := entries[len(entries)-1]
	if last.Type != wal.EntryRollback {
		t.Errorf("Last entry = %s, want ROLLBACK", last.Type)
	}
}

func TestWALManagerJournalsFailedPrepare(t *testing.T) {
	log := wal.NewMemoryWAL()
	wm, err := NewWALTransactionManager(log)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer wm.Close()

	txn, _ := wm.Begin(nil)
	txn.AddResource("bad", &fakeResource{voteNo: true})

	if err := wm.Commit(txn.ID); !errors.Is(err, util.ErrTxnAborted) {
		t.Fatalf("Expected ErrTxnAborted, got %v", err)
	}

	entries, _ := log.ReadEntries(0)
	sawRollback := false
	for _, e := range entries {
		if e.Type == wal.EntryCommit {
			t.Error("No COMMIT entry may exist for a failed prepare")
		}
		if e.Type == wal.EntryRollback {
			sawRollback = true
		}
	}
	if !sawRollback {
		t.Error("Failed prepare should journal ROLLBACK")
	}
}
