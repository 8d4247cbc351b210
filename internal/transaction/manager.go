package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/kartikbazzad/bunstore/internal/util"
)

// ChangeListener receives the changes of every committed transaction.
// Listeners are best-effort: a panicking listener is logged and ignored.
type ChangeListener func(changes []Change)

// TransactionManager assigns transaction ids, tracks affected resources,
// and runs the prepare/commit/rollback protocol across them. Prepare and
// finalize calls fan out concurrently over a shared worker pool.
type TransactionManager struct {
	mu        sync.RWMutex
	active    map[string]*Transaction
	listeners []ChangeListener
	pool      *ants.Pool
}

const commitPoolSize = 8

// NewTransactionManager creates a manager with its commit worker pool.
func NewTransactionManager() (*TransactionManager, error) {
	pool, err := ants.NewPool(commitPoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create commit pool: %w", err)
	}
	return &TransactionManager{
		active: make(map[string]*Transaction),
		pool:   pool,
	}, nil
}

// Begin starts a new transaction. Default timeout is 30s, default
// isolation Snapshot.
func (tm *TransactionManager) Begin(opts *Options) (*Transaction, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}

	txn := newTransaction(uuid.NewString(), o)

	tm.mu.Lock()
	tm.active[txn.ID] = txn
	tm.mu.Unlock()

	return txn, nil
}

// Get returns an active transaction by id.
func (tm *TransactionManager) Get(id string) (*Transaction, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	txn, ok := tm.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", util.ErrTxnNotFound, id)
	}
	return txn, nil
}

// OnChange registers a change listener.
func (tm *TransactionManager) OnChange(l ChangeListener) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.listeners = append(tm.listeners, l)
}

// GetActiveTransactionCount returns how many transactions are in flight.
func (tm *TransactionManager) GetActiveTransactionCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.active)
}

// Prepare runs the first commit phase: every resource must vote yes. A no
// vote or an error aborts the transaction and rolls all resources back.
func (tm *TransactionManager) Prepare(id string) error {
	txn, err := tm.Get(id)
	if err != nil {
		return err
	}
	if txn.Status != StatusActive {
		return fmt.Errorf("%w: cannot prepare %s transaction", util.ErrTxnState, txn.Status)
	}
	txn.Status = StatusPreparing

	resources := txn.resourceList()
	votes := make([]bool, len(resources))
	errs := tm.parallel(len(resources), func(i int) error {
		ok, err := resources[i].PrepareCommit(txn.ID)
		votes[i] = ok
		return err
	})

	for i := range resources {
		if errs[i] != nil || !votes[i] {
			reason := errs[i]
			if reason == nil {
				reason = fmt.Errorf("resource voted no")
			}
			tm.abort(txn)
			return fmt.Errorf("%w: prepare failed: %v", util.ErrTxnAborted, reason)
		}
	}

	txn.Status = StatusPrepared
	return nil
}

// Finalize runs the second commit phase on a prepared transaction, emits
// the change set to listeners, and retires the transaction.
func (tm *TransactionManager) Finalize(id string) error {
	txn, err := tm.Get(id)
	if err != nil {
		return err
	}
	if txn.Status != StatusPrepared {
		return fmt.Errorf("%w: cannot finalize %s transaction", util.ErrTxnState, txn.Status)
	}

	resources := txn.resourceList()
	errs := tm.parallel(len(resources), func(i int) error {
		return resources[i].FinalizeCommit(txn.ID)
	})
	for _, err := range errs {
		if err != nil {
			// Prepare promised success; a failure here leaves the resource
			// set inconsistent and must surface loudly.
			tm.abort(txn)
			return fmt.Errorf("%w: finalize failed: %v", util.ErrAdapterIO, err)
		}
	}

	tm.notify(txn.Changes)
	txn.Status = StatusCommitted

	tm.mu.Lock()
	delete(tm.active, txn.ID)
	tm.mu.Unlock()
	return nil
}

// Commit runs both phases.
func (tm *TransactionManager) Commit(id string) error {
	if err := tm.Prepare(id); err != nil {
		return err
	}
	return tm.Finalize(id)
}

// Rollback undoes the transaction on every affected resource. Must not be
// called on a committed transaction.
func (tm *TransactionManager) Rollback(id string) error {
	txn, err := tm.Get(id)
	if err != nil {
		return err
	}
	if txn.Status == StatusCommitted {
		return fmt.Errorf("%w: cannot roll back a committed transaction", util.ErrTxnState)
	}
	tm.abort(txn)
	return nil
}

// abort rolls back every resource, marks the transaction aborted, and
// removes it from the active set. Resource errors are logged, not
// propagated; rollback must always complete.
func (tm *TransactionManager) abort(txn *Transaction) {
	resources := txn.resourceList()
	errs := tm.parallel(len(resources), func(i int) error {
		return resources[i].Rollback(txn.ID)
	})
	for _, err := range errs {
		if err != nil {
			fmt.Printf("[WARN] resource rollback failed for txn %s: %v\n", txn.ID, err)
		}
	}

	txn.Status = StatusAborted
	tm.mu.Lock()
	delete(tm.active, txn.ID)
	tm.mu.Unlock()
}

// Cleanup rolls back every active transaction that outlived its timeout.
// Returns the ids that were rolled back.
func (tm *TransactionManager) Cleanup() []string {
	now := time.Now().UnixMilli()

	tm.mu.RLock()
	var expired []*Transaction
	for _, txn := range tm.active {
		if txn.Expired(now) {
			expired = append(expired, txn)
		}
	}
	tm.mu.RUnlock()

	ids := make([]string, 0, len(expired))
	for _, txn := range expired {
		fmt.Printf("[INFO] rolling back expired transaction %s\n", txn.ID)
		tm.abort(txn)
		ids = append(ids, txn.ID)
	}
	return ids
}

// notify delivers the change set to every listener, isolating panics.
func (tm *TransactionManager) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	tm.mu.RLock()
	listeners := make([]ChangeListener, len(tm.listeners))
	copy(listeners, tm.listeners)
	tm.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Printf("[WARN] change listener panicked: %v\n", r)
				}
			}()
			l(changes)
		}()
	}
}

// parallel fans n calls out over the worker pool and waits for all of them.
// If the pool refuses a task the call runs inline instead.
func (tm *TransactionManager) parallel(n int, fn func(i int) error) []error {
	errs := make([]error, n)
	if n == 0 {
		return errs
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		task := func() {
			defer wg.Done()
			errs[i] = fn(i)
		}
		if err := tm.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
	return errs
}

// Close releases the commit worker pool.
func (tm *TransactionManager) Close() {
	tm.pool.Release()
}
