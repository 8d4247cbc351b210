// Package bunstore implements an embeddable, document-oriented collection
// store with transactional durability.
//
// Key features:
//   - Cross-collection ACID transactions with savepoints, coordinated by a
//     two-phase commit across storage adapters
//   - Write-Ahead Logging (WAL) for durability and crash recovery
//   - Primary and secondary B+Tree indexes (unique, sparse, composite,
//     case-folded) maintained synchronously under every mutation
//   - A MongoDB-compatible query engine with a compiled fast path
//   - Optional per-document TTL expiry, scheduled archival rotation, and an
//     audit mode retaining per-document version history
//
// Architecture:
//  1. Database: the main entry point; owns the collection registry, the
//     manifest, the transaction manager, and the savepoint stack.
//  2. Collection: manages one document list and its indexes.
//  3. TransactionManager: correlates storage adapters under transaction
//     ids and drives prepare/commit/rollback; the WAL-backed variant
//     journals every step.
//  4. Storage: snapshot adapters (memory, single-file, per-record
//     directory) and the B+Tree.
package bunstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kartikbazzad/bunstore/internal/query"
	"github.com/kartikbazzad/bunstore/internal/transaction"
	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/internal/wal"
	"github.com/kartikbazzad/bunstore/rules"
	"github.com/kartikbazzad/bunstore/security"
	"github.com/kartikbazzad/bunstore/storage"
)

// Adapter kind names accepted in collection configurations.
const (
	AdapterMemory    = "memory"
	AdapterFile      = "file"
	AdapterFileStore = "filestore"
)

// Database groups collections under a common root, provides
// cross-collection transactions with savepoints, and persists a manifest
// describing every collection's configuration. A database expects a single
// logical caller and enforces one active transaction at a time.
type Database struct {
	opts     *Options
	manifest *ManifestManager
	walLog   wal.WAL
	txnMgr   *transaction.WALTransactionManager

	queryEngine    *query.Engine
	idGenerators   map[string]IDGenerator
	indexValueGens map[string]func() interface{}
	processors     map[string]ProcessFunc
	rotation       *rotationScheduler

	RulesEngine *rules.RulesEngine
	Security    *security.UserManager
	Events      *security.AuditLogger

	collections map[string]*Collection

	activeTxn    *transaction.Transaction
	txnSnapshots map[string]storage.ListSnapshot
	affected     map[string]*Collection
	savepoints   []*Savepoint
	spSeq        int64

	mu     sync.RWMutex
	closed bool
}

// Open opens a database with the provided options. It loads the manifest,
// reconstructs every configured collection through its adapter, and (with
// AutoRecovery) replays the write-ahead log.
func Open(opts *Options) (*Database, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}
	if opts.Name == "" {
		opts.Name = "bunstore"
	}
	if !opts.InMemory() {
		if err := os.MkdirAll(opts.Root, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database root: %w", err)
		}
	}

	// WAL variant follows the root: pure in-memory databases journal in
	// memory, everything else on disk
	var walLog wal.WAL
	if opts.InMemory() {
		walLog = wal.NewMemoryWAL()
	} else {
		path := opts.WALPath
		if path == "" {
			path = filepath.Join(opts.Root, "wal", opts.Name+".wal")
		}
		fw, err := wal.NewFileWAL(path, &wal.Options{
			MaxBufferEntries: opts.WALMaxBuffer,
			FlushInterval:    opts.WALFlushInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create WAL: %w", err)
		}
		walLog = fw
	}

	txnMgr, err := transaction.NewWALTransactionManager(walLog)
	if err != nil {
		walLog.Close()
		return nil, err
	}

	var engineOpts []query.Option
	if opts.WhereCompiler != nil {
		engineOpts = append(engineOpts, query.WithWhereCompiler(opts.WhereCompiler))
	}
	engine, err := query.NewEngine(engineOpts...)
	if err != nil {
		walLog.Close()
		return nil, fmt.Errorf("failed to initialize query engine: %w", err)
	}

	re, err := rules.NewRulesEngine()
	if err != nil {
		walLog.Close()
		return nil, fmt.Errorf("failed to initialize rules engine: %w", err)
	}

	manifestPath := ""
	if !opts.InMemory() {
		manifestPath = filepath.Join(opts.Root, opts.Name+".json")
	}
	manifest, err := NewManifestManager(manifestPath)
	if err != nil {
		walLog.Close()
		return nil, err
	}

	db := &Database{
		opts:           opts,
		manifest:       manifest,
		walLog:         walLog,
		txnMgr:         txnMgr,
		queryEngine:    engine,
		idGenerators:   newGeneratorRegistry(opts.IDGenerators),
		indexValueGens: map[string]func() interface{}{"now": func() interface{} { return time.Now().UnixMilli() }},
		processors:     opts.Processors,
		rotation:       newRotationScheduler(),
		RulesEngine:    re,
		collections:    make(map[string]*Collection),
	}

	// Security event journal; absent path (in-memory) discards events
	if opts.AuditLogPath != "" {
		events, err := security.NewAuditLogger(opts.AuditLogPath)
		if err != nil {
			walLog.Close()
			return nil, fmt.Errorf("failed to init event log: %w", err)
		}
		db.Events = events
	} else {
		db.Events = security.DiscardLogger()
	}
	db.Security = security.NewUserManager(NewInternalUserStore(db))

	// Restore collections from the manifest
	for _, name := range manifest.ListCollections() {
		cfg, _ := manifest.GetCollection(name)
		coll, err := db.buildCollection(cfg)
		if err != nil {
			walLog.Close()
			return nil, fmt.Errorf("failed to restore collection %s: %w", name, err)
		}
		if err := coll.Load(); err != nil {
			fmt.Printf("[WARN] restore of collection %s: %v\n", name, err)
		}
		db.collections[name] = coll
		if coll.rotate != "" {
			if err := db.rotation.schedule(coll); err != nil {
				fmt.Printf("[WARN] %v\n", err)
			}
		}
	}

	if opts.AutoRecovery {
		if err := db.recover(); err != nil {
			fmt.Printf("[WARN] WAL recovery: %v\n", err)
		}
	}

	db.rotation.start()
	db.Events.Log(security.EventSystemStart, "", "", map[string]interface{}{"database": opts.Name})
	return db, nil
}

// buildCollection assembles a collection from its configuration without
// touching durable state.
func (db *Database) buildCollection(cfg CollectionConfig) (*Collection, error) {
	adapter, err := db.newAdapter(cfg.Adapter)
	if err != nil {
		return nil, err
	}
	adapter.Init(cfg.Name)

	pk := cfg.ID
	if pk == "" {
		pk = "id"
	}
	genName := cfg.Auto
	if genName == "" {
		genName = GenCounter
	}

	c := &Collection{
		name:      cfg.Name,
		db:        db,
		pkField:   pk,
		idGenName: genName,
		ttl:       time.Duration(cfg.TTL) * time.Millisecond,
		rotate:    cfg.Rotate,
		audit:     cfg.Audit,
		list:      NewList(cfg.Audit),
		indexes:   make(map[string]*storage.BPlusTree),
		indexDefs: make(map[string]storage.IndexDef),
		adapter:   adapter,
	}
	c.installBaseIndexes()

	for _, idx := range cfg.IndexList {
		if idx.Name == pk || idx.Name == ttlField {
			continue
		}
		if err := c.createIndexLocked(idx.Name, idx.IndexDef); err != nil {
			return nil, err
		}
	}

	if cfg.Schema != "" {
		if err := applySchemaValidator(c, cfg.Schema); err != nil {
			fmt.Printf("[WARN] failed to load schema for collection %s: %v\n", cfg.Name, err)
		}
	}
	return c, nil
}

// newAdapter constructs a storage adapter of the requested kind; an empty
// kind picks the database default (memory for :memory:, file otherwise).
func (db *Database) newAdapter(kind string) (storage.Adapter, error) {
	if kind == "" {
		if db.opts.InMemory() {
			kind = AdapterMemory
		} else {
			kind = AdapterFile
		}
	}

	switch kind {
	case AdapterMemory:
		return storage.NewMemoryAdapter(), nil
	case AdapterFile:
		if db.opts.InMemory() {
			return storage.NewMemoryAdapter(), nil
		}
		return storage.NewFileAdapter(filepath.Join(db.opts.Root, "data"), db.opts.EncryptionKey)
	case AdapterFileStore:
		if db.opts.InMemory() {
			return storage.NewMemoryAdapter(), nil
		}
		return storage.NewFileStorage(filepath.Join(db.opts.Root, "data"))
	default:
		return nil, fmt.Errorf("unknown adapter kind: %s", kind)
	}
}

// CreateCollection registers a new collection with explicit options and
// persists its configuration to the manifest.
func (db *Database) CreateCollection(name string, opts *CollectionOptions) (*Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, util.ErrDatabaseClosed
	}
	if _, exists := db.collections[name]; exists {
		return nil, fmt.Errorf("%w: %s", util.ErrCollectionExists, name)
	}

	o := CollectionOptions{}
	if opts != nil {
		o = *opts
	}
	cfg := CollectionConfig{
		Name:    name,
		Root:    db.opts.Root,
		Adapter: o.Adapter,
		ID:      o.PrimaryKey,
		Auto:    o.IDGenerator,
		TTL:     o.TTL.Milliseconds(),
		Rotate:  o.Rotate,
		Audit:   o.Audit,
	}
	for idxName, def := range o.Indexes {
		cfg.IndexList = append(cfg.IndexList, NamedIndexDef{Name: idxName, IndexDef: def})
	}

	coll, err := db.buildCollection(cfg)
	if err != nil {
		return nil, err
	}
	db.collections[name] = coll

	if err := db.manifest.UpdateCollection(coll.manifestConfig()); err != nil {
		return nil, err
	}
	if coll.rotate != "" {
		if err := db.rotation.schedule(coll); err != nil {
			fmt.Printf("[WARN] %v\n", err)
		}
	}
	return coll, nil
}

// Collection returns the named collection, creating it with defaults when
// it does not exist yet.
func (db *Database) Collection(name string) (*Collection, error) {
	db.mu.RLock()
	coll, ok := db.collections[name]
	db.mu.RUnlock()
	if ok {
		return coll, nil
	}
	coll, err := db.CreateCollection(name, nil)
	if err != nil {
		// Lost a race with a concurrent creation
		db.mu.RLock()
		existing, ok := db.collections[name]
		db.mu.RUnlock()
		if ok {
			return existing, nil
		}
		return nil, err
	}
	return coll, nil
}

// GetCollection returns the named collection if registered.
func (db *Database) GetCollection(name string) (*Collection, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	coll, ok := db.collections[name]
	return coll, ok
}

// ListCollections returns the registered collection names.
func (db *Database) ListCollections() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	return names
}

// DropCollection removes a collection and its manifest entry.
func (db *Database) DropCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.collections[name]; !ok {
		return fmt.Errorf("%w: %s", util.ErrCollectionNotFound, name)
	}
	delete(db.collections, name)
	return db.manifest.DeleteCollection(name)
}

// manifestConfig renders the collection's current configuration.
func (c *Collection) manifestConfig() CollectionConfig {
	cfg := CollectionConfig{
		Name:    c.name,
		Root:    c.db.opts.Root,
		ID:      c.pkField,
		Auto:    c.idGenName,
		TTL:     c.ttl.Milliseconds(),
		Rotate:  c.rotate,
		Audit:   c.audit,
		Adapter: adapterKind(c.adapter),
	}
	if existing, ok := c.db.manifest.GetCollection(c.name); ok {
		cfg.Schema = existing.Schema
		cfg.Rules = existing.Rules
	}
	for name, def := range c.IndexDefs() {
		if name == c.pkField || name == ttlField {
			continue
		}
		cfg.IndexList = append(cfg.IndexList, NamedIndexDef{Name: name, IndexDef: def})
	}
	return cfg
}

func adapterKind(a storage.Adapter) string {
	switch a.(type) {
	case *storage.FileAdapter:
		return AdapterFile
	case *storage.FileStorage:
		return AdapterFileStore
	default:
		return AdapterMemory
	}
}

// StartTransaction begins a database transaction. Exactly one transaction
// may be active at a time; a document-level snapshot of every collection is
// taken for rollback.
func (db *Database) StartTransaction(opts ...*transaction.Options) (string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return "", util.ErrDatabaseClosed
	}
	if db.activeTxn != nil {
		return "", util.ErrTxnActive
	}

	var o *transaction.Options
	if len(opts) > 0 {
		o = opts[0]
	}
	txn, err := db.txnMgr.Begin(o)
	if err != nil {
		return "", err
	}

	db.activeTxn = txn
	db.txnSnapshots = make(map[string]storage.ListSnapshot, len(db.collections))
	db.affected = make(map[string]*Collection)
	for name, c := range db.collections {
		c.mu.RLock()
		db.txnSnapshots[name] = c.list.snapshot()
		c.mu.RUnlock()
	}
	return txn.ID, nil
}

// CommitTransaction stages every affected collection's snapshot on its
// adapter, then drives the two-phase commit through the WAL-backed manager.
func (db *Database) CommitTransaction() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.activeTxn == nil {
		return util.ErrNoActiveTxn
	}
	txnID := db.activeTxn.ID

	db.releaseAllSavepoints()

	for name, c := range db.affected {
		c.mu.RLock()
		snap, err := c.snapshot()
		c.mu.RUnlock()
		if err != nil {
			db.abortLocked()
			return err
		}
		ta, ok := c.adapter.(storage.TransactionalAdapter)
		if !ok {
			// Non-transactional adapters persist directly; atomicity is
			// then limited to the in-memory state
			if err := c.adapter.Store(name, snap); err != nil {
				db.abortLocked()
				return err
			}
			continue
		}
		if err := ta.StoreInTransaction(txnID, name, snap); err != nil {
			db.abortLocked()
			return err
		}
	}

	if err := db.txnMgr.Commit(txnID); err != nil {
		// The manager already rolled the adapters back; restore memory state
		db.restoreTxnSnapshots()
		db.clearTxnState()
		return err
	}

	db.clearTxnState()
	return nil
}

// AbortTransaction releases savepoints, restores every collection from the
// transaction-start snapshot, and rolls back at the manager.
func (db *Database) AbortTransaction() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.activeTxn == nil {
		return util.ErrNoActiveTxn
	}
	return db.abortLocked()
}

func (db *Database) abortLocked() error {
	txnID := db.activeTxn.ID

	db.releaseAllSavepoints()
	db.restoreTxnSnapshots()

	err := db.txnMgr.Rollback(txnID)
	db.clearTxnState()
	return err
}

func (db *Database) restoreTxnSnapshots() {
	for name, snap := range db.txnSnapshots {
		c, ok := db.collections[name]
		if !ok {
			continue
		}
		if err := c.restoreList(snap); err != nil {
			fmt.Printf("[WARN] failed to restore collection %s on abort: %v\n", name, err)
		}
	}
}

func (db *Database) clearTxnState() {
	db.activeTxn = nil
	db.txnSnapshots = nil
	db.affected = nil
	db.releaseAllSavepoints()
}

// InTransaction reports whether a transaction is active.
func (db *Database) InTransaction() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.activeTxn != nil
}

// CleanupTransactions rolls back transactions that outlived their timeout.
func (db *Database) CleanupTransactions() {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.activeTxn == nil {
		db.txnMgr.Cleanup()
		return
	}

	expired := db.txnMgr.Cleanup()
	for _, id := range expired {
		if id == db.activeTxn.ID {
			db.releaseAllSavepoints()
			db.restoreTxnSnapshots()
			db.clearTxnState()
			break
		}
	}
}

// onMutation records a collection mutation against the active transaction:
// the adapter becomes an affected resource, the change is queued for
// listeners, and a DATA entry is journaled. Mutations outside a
// transaction touch only the in-memory state until Persist.
func (db *Database) onMutation(c *Collection, op, id string, doc storage.Document) {
	if db == nil {
		return
	}
	db.mu.Lock()
	txn := db.activeTxn
	if txn != nil {
		db.affected[c.name] = c
	}
	db.mu.Unlock()
	if txn == nil {
		return
	}

	if ta, ok := c.adapter.(storage.TransactionalAdapter); ok {
		txn.AddResource(c.name, ta)
	}
	txn.RecordChange(transaction.Change{
		Collection: c.name,
		Operation:  op,
		DocumentID: id,
		Document:   doc.Clone(),
	})

	payload := map[string]interface{}{"id": id}
	if op != "REMOVE" {
		payload["document"] = map[string]interface{}(doc.Clone())
	}
	if err := db.txnMgr.LogData(txn.ID, c.name, op, payload); err != nil {
		fmt.Printf("[WARN] failed to journal %s on %s: %v\n", op, c.name, err)
	}
}

// OnChange registers a listener receiving the change sets of committed
// transactions. Listener failures are logged, never propagated.
func (db *Database) OnChange(l transaction.ChangeListener) {
	db.txnMgr.OnChange(l)
}

// recover replays committed transactions from the WAL into the in-memory
// collections, then rebuilds indexes and persists the result.
func (db *Database) recover() error {
	touched := make(map[string]*Collection)

	result, err := db.txnMgr.Recover(func(e *wal.Entry) error {
		if e.Operation == "CHECKPOINT" {
			return nil
		}
		c, ok := db.collections[e.CollectionName]
		if !ok {
			// Collections can be journaled before their manifest entry
			// survives; create them with defaults
			cfg := CollectionConfig{Name: e.CollectionName, Root: db.opts.Root}
			built, err := db.buildCollection(cfg)
			if err != nil {
				return err
			}
			db.collections[e.CollectionName] = built
			c = built
		}
		touched[e.CollectionName] = c

		id, _ := e.Data["id"].(string)
		switch e.Operation {
		case "INSERT", "UPDATE":
			raw, _ := e.Data["document"].(map[string]interface{})
			if id == "" || raw == nil {
				return nil
			}
			c.list.Set(id, storage.Document(raw).Clone())
		case "REMOVE":
			if id != "" {
				c.list.Delete(id)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for name, c := range touched {
		c.mu.Lock()
		for _, h := range c.hooks {
			h.ensure()
			if rerr := h.rebuild(); rerr != nil {
				fmt.Printf("[WARN] index rebuild after recovery failed for %s: %v\n", name, rerr)
			}
		}
		c.mu.Unlock()
		if err := c.Persist(); err != nil {
			fmt.Printf("[WARN] failed to persist recovered collection %s: %v\n", name, err)
		}
	}

	if len(result.Replayed) > 0 || len(result.Discarded) > 0 {
		fmt.Printf("[INFO] WAL recovery: replayed %d transaction(s), discarded %d\n",
			len(result.Replayed), len(result.Discarded))
	}
	return nil
}

// Checkpoint flushes the WAL, writes a checkpoint marker, and truncates
// entries older than the retained window.
func (db *Database) Checkpoint(retain uint64) (*wal.Checkpoint, error) {
	ckpt, err := db.walLog.CreateCheckpoint()
	if err != nil {
		return nil, err
	}
	cutoff := uint64(0)
	if ckpt.Seq > retain {
		cutoff = ckpt.Seq - retain
	}
	if err := db.walLog.Truncate(cutoff); err != nil {
		return nil, err
	}
	return ckpt, nil
}

// PersistAll stores every collection's snapshot.
func (db *Database) PersistAll() error {
	db.mu.RLock()
	colls := make([]*Collection, 0, len(db.collections))
	for _, c := range db.collections {
		colls = append(colls, c)
	}
	db.mu.RUnlock()

	for _, c := range colls {
		if err := c.Persist(); err != nil {
			return err
		}
	}
	return nil
}

// EnsureGroupIndex makes sure every collection whose name matches the
// prefix pattern carries an index on field, so group queries resolve
// through indexes instead of scans.
func (db *Database) EnsureGroupIndex(pattern, field string) error {
	for _, c := range db.matchCollections(pattern) {
		if err := c.EnsureIndex(field); err != nil {
			return err
		}
	}
	return nil
}

// FindInGroup queries field=value across every collection matching the
// prefix pattern (e.g. "tenant_*"). Results carry their collection name
// under __collection.
func (db *Database) FindInGroup(pattern, field string, value interface{}) ([]storage.Document, error) {
	var out []storage.Document
	for _, c := range db.matchCollections(pattern) {
		if err := c.EnsureIndex(field); err != nil {
			return nil, err
		}
		docs, err := c.FindBy(field, value)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			doc["__collection"] = c.name
			out = append(out, doc)
		}
	}
	return out, nil
}

func (db *Database) matchCollections(pattern string) []*Collection {
	db.mu.RLock()
	defer db.mu.RUnlock()

	prefix := strings.TrimSuffix(pattern, "*")
	var out []*Collection
	for name, c := range db.collections {
		if pattern == name || (strings.HasSuffix(pattern, "*") && strings.HasPrefix(name, prefix)) {
			out = append(out, c)
		}
	}
	return out
}

// Name returns the database name.
func (db *Database) Name() string { return db.opts.Name }

// WAL exposes the write-ahead log.
func (db *Database) WAL() wal.WAL { return db.walLog }

// Close persists all collections, stops background work, and shuts the WAL
// down. An active transaction is aborted.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	hasTxn := db.activeTxn != nil
	db.mu.Unlock()

	if hasTxn {
		if err := db.AbortTransaction(); err != nil && err != util.ErrNoActiveTxn {
			fmt.Printf("[WARN] abort on close: %v\n", err)
		}
	}

	db.rotation.stop()

	if err := db.PersistAll(); err != nil {
		fmt.Printf("[WARN] persist on close: %v\n", err)
	}
	if err := db.manifest.Save(); err != nil {
		fmt.Printf("[WARN] manifest save on close: %v\n", err)
	}

	db.txnMgr.Close()
	err := db.walLog.Close()
	if db.Events != nil {
		db.Events.Log(security.EventSystemStop, "", "", map[string]interface{}{"database": db.opts.Name})
		db.Events.Close()
	}
	return err
}
