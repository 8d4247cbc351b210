package storage

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Per-field direction values used in index definitions.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// IndexDef captures the configuration of one secondary index. Either Key
// (single field) or Keys (composite) is set. Gen and Process are names into
// caller-supplied registries, never source text.
type IndexDef struct {
	Key        string   `json:"key,omitempty"`
	Keys       []string `json:"keys,omitempty"`
	Order      []string `json:"order,omitempty"` // per-field asc/desc, parallel to Keys (or one entry for Key)
	Separator  string   `json:"separator,omitempty"`
	Auto       bool     `json:"auto,omitempty"`
	Unique     bool     `json:"unique,omitempty"`
	Sparse     bool     `json:"sparse,omitempty"`
	IgnoreCase bool     `json:"ignoreCase,omitempty"`
	Required   bool     `json:"required,omitempty"`
	Gen        string   `json:"gen,omitempty"`
	Process    string   `json:"process,omitempty"`
}

// Fields returns the ordered field list of the definition.
func (d IndexDef) Fields() []string {
	if d.Key != "" {
		return []string{d.Key}
	}
	return d.Keys
}

// SeparatorByte returns the configured composite separator, defaulting to
// the reserved byte.
func (d IndexDef) SeparatorByte() byte {
	if d.Separator == "" {
		return DefaultSeparator
	}
	return d.Separator[0]
}

// ListSnapshot is the serialized primary store of a collection.
type ListSnapshot struct {
	Counter uint64                     `json:"counter"`
	Hash    map[string]Document        `json:"hash"`
	Count   int                        `json:"_count"`
	Order   []string                   `json:"order,omitempty"`
	Records map[string]json.RawMessage `json:"records,omitempty"` // audit-mode version records
}

// Snapshot is the full durable state of one collection: the primary list,
// every serialized index, the index definitions, and the collection's own
// configuration.
type Snapshot struct {
	List      ListSnapshot               `json:"list"`
	Indexes   map[string]json.RawMessage `json:"indexes"`
	IndexDefs map[string]IndexDef        `json:"indexDefs"`
	ID        string                     `json:"id"`
	TTL       int64                      `json:"ttl,omitempty"`
	Rotate    string                     `json:"rotate,omitempty"`
}

// Adapter materializes collection snapshots to durable media.
type Adapter interface {
	// Init binds the adapter to its owning collection.
	Init(collection string)

	// Restore loads the snapshot stored under name; (nil, nil) when none.
	Restore(name string) (*Snapshot, error)

	// Store persists a snapshot under name.
	Store(name string, snap *Snapshot) error

	// Clone returns a fresh, uninitialized adapter of the same kind.
	Clone() Adapter

	// IsTransactional reports two-phase commit support.
	IsTransactional() bool
}

// TransactionalAdapter extends Adapter with staged writes under a
// transaction id and two-phase commit. After FinalizeCommit returns
// successfully, Restore reflects the staged state; after Rollback it is
// unchanged.
type TransactionalAdapter interface {
	Adapter

	// StoreInTransaction stages a snapshot under txnID without touching the
	// live state.
	StoreInTransaction(txnID, name string, snap *Snapshot) error

	// PrepareCommit returns false if the adapter cannot promise that
	// FinalizeCommit will succeed. Idempotent within a transaction.
	PrepareCommit(txnID string) (bool, error)

	// FinalizeCommit durably replaces the live snapshots with the staged
	// ones.
	FinalizeCommit(txnID string) error

	// Rollback discards everything staged under txnID.
	Rollback(txnID string) error

	// CreateCheckpoint captures the live state under a fresh checkpoint id.
	CreateCheckpoint(txnID string) (string, error)

	// RestoreFromCheckpoint replaces the live state with a checkpoint.
	RestoreFromCheckpoint(id string) error
}

// encodeSnapshot round-trips a snapshot through JSON so stored state is
// detached from the caller's in-memory structures.
func encodeSnapshot(snap *Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// MemoryAdapter keeps snapshots in process memory. Used for `:memory:`
// databases and tests; fully transactional.
type MemoryAdapter struct {
	mu          sync.RWMutex
	collection  string
	live        map[string][]byte
	staged      map[string]map[string][]byte // txnID -> name -> snapshot
	checkpoints map[string]map[string][]byte
	activeTxn   string
}

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		live:        make(map[string][]byte),
		staged:      make(map[string]map[string][]byte),
		checkpoints: make(map[string]map[string][]byte),
	}
}

// Init binds the adapter to its owning collection.
func (a *MemoryAdapter) Init(collection string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.collection = collection
}

// Restore returns the staged snapshot of the active transaction when one
// exists, falling through to the live snapshot. It never synthesizes an
// empty snapshot.
func (a *MemoryAdapter) Restore(name string) (*Snapshot, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.activeTxn != "" {
		if staged, ok := a.staged[a.activeTxn]; ok {
			if data, ok := staged[name]; ok {
				return decodeSnapshot(data)
			}
		}
	}

	data, ok := a.live[name]
	if !ok {
		return nil, nil
	}
	return decodeSnapshot(data)
}

// Store persists a snapshot directly to the live state.
func (a *MemoryAdapter) Store(name string, snap *Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live[name] = data
	return nil
}

// Clone returns a fresh adapter of the same kind, uninitialized.
func (a *MemoryAdapter) Clone() Adapter { return NewMemoryAdapter() }

// IsTransactional reports two-phase commit support.
func (a *MemoryAdapter) IsTransactional() bool { return true }

// StoreInTransaction stages a snapshot under txnID.
func (a *MemoryAdapter) StoreInTransaction(txnID, name string, snap *Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.staged[txnID] == nil {
		a.staged[txnID] = make(map[string][]byte)
	}
	a.staged[txnID][name] = data
	a.activeTxn = txnID
	return nil
}

// PrepareCommit verifies the staged state decodes cleanly.
func (a *MemoryAdapter) PrepareCommit(txnID string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	staged, ok := a.staged[txnID]
	if !ok {
		// Nothing staged is a trivially committable state
		return true, nil
	}
	for _, data := range staged {
		if _, err := decodeSnapshot(data); err != nil {
			return false, nil
		}
	}
	return true, nil
}

// FinalizeCommit promotes the staged snapshots to live.
func (a *MemoryAdapter) FinalizeCommit(txnID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, data := range a.staged[txnID] {
		a.live[name] = data
	}
	delete(a.staged, txnID)
	if a.activeTxn == txnID {
		a.activeTxn = ""
	}
	return nil
}

// Rollback discards the staged snapshots.
func (a *MemoryAdapter) Rollback(txnID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.staged, txnID)
	if a.activeTxn == txnID {
		a.activeTxn = ""
	}
	return nil
}

// CreateCheckpoint captures the live state under a fresh checkpoint id.
func (a *MemoryAdapter) CreateCheckpoint(txnID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := fmt.Sprintf("ckpt-%s-%d", txnID, len(a.checkpoints))
	copied := make(map[string][]byte, len(a.live))
	for name, data := range a.live {
		copied[name] = data
	}
	a.checkpoints[id] = copied
	return id, nil
}

// RestoreFromCheckpoint replaces the live state with a checkpoint.
func (a *MemoryAdapter) RestoreFromCheckpoint(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ckpt, ok := a.checkpoints[id]
	if !ok {
		return fmt.Errorf("checkpoint not found: %s", id)
	}
	a.live = make(map[string][]byte, len(ckpt))
	for name, data := range ckpt {
		a.live[name] = data
	}
	return nil
}
