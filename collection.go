package bunstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kartikbazzad/bunstore/internal/query"
	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/storage"
)

// Collection represents a named group of schema-less documents. It owns the
// primary list, every B+Tree index, and the storage adapter that persists
// its snapshots; the database back-reference is used for transactions,
// registries, and name resolution only.
type Collection struct {
	name      string
	db        *Database
	pkField   string
	idGenName string
	ttl       time.Duration
	rotate    string
	audit     bool

	list      *List
	indexes   map[string]*storage.BPlusTree
	indexDefs map[string]storage.IndexDef
	hooks     []*indexHook
	adapter   storage.Adapter
	validator Validator

	mu sync.RWMutex
}

// ttlField is the hidden index key carrying insert timestamps for expiry.
const ttlField = "__ttltime"

// ValidationResult is the outcome of the pluggable document validator.
type ValidationResult struct {
	OK       bool
	Data     storage.Document
	Errors   []string
	Warnings []string
}

// Validator is the single capability the core requires from a schema
// layer. Implementations live above the core; see TypedCollection.
type Validator interface {
	Validate(doc storage.Document) ValidationResult
}

// indexHook bundles the maintenance callbacks built at index-creation
// time: pre-checks and link commits for inserts, old-to-new delta updates,
// removals, idempotent creation, and full rebuilds.
type indexHook struct {
	name        string
	insertCheck func(doc storage.Document, pk string) error
	insert      func(doc storage.Document, pk string) error
	update      func(oldDoc, newDoc storage.Document, pk string) error
	remove      func(doc storage.Document, pk string)
	ensure      func()
	rebuild     func() error
}

// Name returns the collection name
func (c *Collection) Name() string { return c.name }

// PrimaryKey returns the primary-key field name
func (c *Collection) PrimaryKey() string { return c.pkField }

// SetValidator installs (or clears) the schema validation capability.
func (c *Collection) SetValidator(v Validator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validator = v
}

func (c *Collection) validate(doc storage.Document) (storage.Document, error) {
	if c.validator == nil {
		return doc, nil
	}
	result := c.validator.Validate(doc)
	if !result.OK {
		return nil, fmt.Errorf("%w: %v", util.ErrValidationFailed, result.Errors)
	}
	for _, warn := range result.Warnings {
		fmt.Printf("[WARN] validation warning for collection %s: %s\n", c.name, warn)
	}
	if result.Data != nil {
		return result.Data, nil
	}
	return doc, nil
}

// primaryKeyOf extracts (or generates) the document's primary key.
func (c *Collection) primaryKeyOf(doc storage.Document, generate bool) (string, error) {
	if v, ok := doc.Get(c.pkField); ok && v != nil {
		return storage.EncodeKeyPart(v), nil
	}
	if !generate {
		return "", fmt.Errorf("%w: document has no %s", util.ErrDocumentNotFound, c.pkField)
	}

	gen, ok := c.db.idGenerators[c.idGenName]
	if !ok {
		gen = c.db.idGenerators[GenCounter]
	}
	pk := gen(c)
	doc.Set(c.pkField, pk)
	return pk, nil
}

// Insert adds a new document to the collection.
//
// The operation runs in this order:
//  1. Schema validation (when a validator is installed).
//  2. Primary-key assignment via the configured generator.
//  3. Per-index pre-checks (unique, required) without touching any tree.
//  4. List append, then index link commits keyed by primary key.
//
// The pre-check pass means a rejected insert leaves no state behind.
func (c *Collection) Insert(doc storage.Document) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(doc)
}

func (c *Collection) insertLocked(doc storage.Document) (string, error) {
	validated, err := c.validate(doc)
	if err != nil {
		return "", err
	}
	doc = validated.Clone()

	pk, err := c.primaryKeyOf(doc, true)
	if err != nil {
		return "", err
	}
	if _, exists := c.list.Get(pk); exists {
		return "", fmt.Errorf("%w: duplicate primary key %s", util.ErrUniqueViolation, pk)
	}

	if c.ttl > 0 {
		if _, ok := doc.Get(ttlField); !ok {
			doc.Set(ttlField, time.Now().UnixMilli())
		}
	}
	c.autoGenerate(doc)

	for _, h := range c.hooks {
		if err := h.insertCheck(doc, pk); err != nil {
			return "", err
		}
	}

	c.list.Set(pk, doc)
	for _, h := range c.hooks {
		if err := h.insert(doc, pk); err != nil {
			// Pre-checks passed, so a failure here is a broken invariant
			return "", fmt.Errorf("index link failed after pre-check: %w", err)
		}
	}

	c.db.onMutation(c, "INSERT", pk, doc)
	return pk, nil
}

// InsertBatch inserts multiple documents into the collection
func (c *Collection) InsertBatch(docs []storage.Document) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pks := make([]string, 0, len(docs))
	for _, doc := range docs {
		pk, err := c.insertLocked(doc)
		if err != nil {
			return pks, err
		}
		pks = append(pks, pk)
	}
	return pks, nil
}

// autoGenerate fills index fields configured with a generation rule.
func (c *Collection) autoGenerate(doc storage.Document) {
	for name, def := range c.indexDefs {
		if !def.Auto || def.Gen == "" {
			continue
		}
		field := def.Key
		if field == "" {
			continue
		}
		if _, ok := doc.Get(field); ok {
			continue
		}
		if gen, ok := c.db.indexValueGens[def.Gen]; ok {
			doc.Set(field, gen())
		} else {
			fmt.Printf("[WARN] unknown index value generator %q on index %s\n", def.Gen, name)
		}
	}
}

// Save replaces the document whose primary key matches doc's.
func (c *Collection) Save(doc storage.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pk, err := c.primaryKeyOf(doc, false)
	if err != nil {
		return err
	}
	old, ok := c.list.Get(pk)
	if !ok {
		return fmt.Errorf("%w: %s", util.ErrDocumentNotFound, pk)
	}

	validated, err := c.validate(doc)
	if err != nil {
		return err
	}
	return c.replaceLocked(pk, old, validated.Clone())
}

// replaceLocked updates indexes old -> new, then replaces the list entry.
func (c *Collection) replaceLocked(pk string, old, new storage.Document) error {
	// Keep the expiry stamp unless the caller replaced it
	if c.ttl > 0 {
		if _, ok := new.Get(ttlField); !ok {
			if ts, ok := old.Get(ttlField); ok {
				new.Set(ttlField, ts)
			}
		}
	}

	for _, h := range c.hooks {
		if err := h.update(old, new, pk); err != nil {
			return err
		}
	}
	c.list.Set(pk, new)
	c.db.onMutation(c, "UPDATE", pk, new)
	return nil
}

// Predicate selects documents for update/remove. Either a query document
// (map) or a function can be used.
type Predicate interface{}

func (c *Collection) resolvePredicate(p Predicate) (func(storage.Document) bool, error) {
	switch pred := p.(type) {
	case nil:
		return func(storage.Document) bool { return true }, nil
	case func(storage.Document) bool:
		return pred, nil
	case map[string]interface{}:
		matcher, err := c.db.queryEngine.Predicate(pred)
		if err != nil {
			return nil, err
		}
		return func(doc storage.Document) bool { return matcher(doc) }, nil
	case storage.Document:
		matcher, err := c.db.queryEngine.Predicate(pred)
		if err != nil {
			return nil, err
		}
		return func(doc storage.Document) bool { return matcher(doc) }, nil
	default:
		return nil, fmt.Errorf("%w: unsupported predicate %T", util.ErrOperatorMisuse, p)
	}
}

// Update modifies every matching document. With merge true the patch is
// deep-merged into the old document; otherwise patch fields are assigned
// over it. Returns the updated documents.
func (c *Collection) Update(p Predicate, patch storage.Document, merge bool) ([]storage.Document, error) {
	match, err := c.resolvePredicate(p)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var updated []storage.Document
	for _, pk := range c.list.IDs() {
		old, ok := c.list.Get(pk)
		if !ok || !c.isValidTTL(old) || !match(old) {
			continue
		}

		var next storage.Document
		if merge {
			next = storage.DeepMerge(old, patch)
		} else {
			next = old.Clone()
			for k, v := range patch.Clone() {
				next[k] = v
			}
		}
		next.Set(c.pkField, mustGetPK(old, c.pkField))

		validated, err := c.validate(next)
		if err != nil {
			return updated, err
		}
		if err := c.replaceLocked(pk, old, validated.Clone()); err != nil {
			return updated, err
		}
		updated = append(updated, validated)
	}
	return updated, nil
}

// UpdateWithID merges a patch into the document with the given primary key.
func (c *Collection) UpdateWithID(id string, patch storage.Document) (storage.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, ok := c.list.Get(id)
	if !ok || !c.isValidTTL(old) {
		return nil, fmt.Errorf("%w: %s", util.ErrDocumentNotFound, id)
	}

	next := storage.DeepMerge(old, patch)
	next.Set(c.pkField, mustGetPK(old, c.pkField))

	validated, err := c.validate(next)
	if err != nil {
		return nil, err
	}
	if err := c.replaceLocked(id, old, validated.Clone()); err != nil {
		return nil, err
	}
	return validated, nil
}

// Remove deletes every matching document, returning the removed ones. In
// audit mode the list retains a tombstoned version record per document.
func (c *Collection) Remove(p Predicate) ([]storage.Document, error) {
	match, err := c.resolvePredicate(p)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []storage.Document
	for _, pk := range c.list.IDs() {
		doc, ok := c.list.Get(pk)
		if !ok || !match(doc) {
			continue
		}
		c.removeLocked(pk, doc)
		removed = append(removed, doc)
	}
	return removed, nil
}

// RemoveWithID deletes the document with the given primary key. The list
// lookup is the gate: a missing key is reported, never inferred from index
// positions.
func (c *Collection) RemoveWithID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.list.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", util.ErrDocumentNotFound, id)
	}
	c.removeLocked(id, doc)
	return nil
}

func (c *Collection) removeLocked(pk string, doc storage.Document) {
	for _, h := range c.hooks {
		h.remove(doc, pk)
	}
	c.list.Delete(pk)
	c.db.onMutation(c, "REMOVE", pk, doc)
}

// Count returns the number of live documents.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.list.Len()
}

// CreateIndex adds a secondary index and populates it from the existing
// list. The name must be unused.
func (c *Collection) CreateIndex(name string, def storage.IndexDef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createIndexLocked(name, def)
}

func (c *Collection) createIndexLocked(name string, def storage.IndexDef) error {
	if _, exists := c.indexes[name]; exists {
		return fmt.Errorf("%w: %s", util.ErrIndexExists, name)
	}
	if len(def.Fields()) == 0 {
		def.Key = name
	}

	hook := c.buildIndexHook(name, def)
	c.indexes[name] = storage.NewBPlusTree(def.Unique, c.comparatorFor(def))
	c.indexDefs[name] = def
	c.hooks = append(c.hooks, hook)

	if err := hook.rebuild(); err != nil {
		// Roll the registration back so a failed build leaves no trace
		delete(c.indexes, name)
		delete(c.indexDefs, name)
		c.hooks = c.hooks[:len(c.hooks)-1]
		return err
	}
	return nil
}

// EnsureIndex creates a single-field index if it doesn't already exist.
func (c *Collection) EnsureIndex(field string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if field == c.pkField {
		return nil // Always exists
	}
	if _, exists := c.indexes[field]; exists {
		return nil
	}
	fmt.Printf("[INFO] Auto-creating index for field '%s'...\n", field)
	return c.createIndexLocked(field, storage.IndexDef{Key: field})
}

// DropIndex removes a secondary index.
func (c *Collection) DropIndex(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name == c.pkField {
		return fmt.Errorf("cannot drop primary index")
	}
	if _, exists := c.indexes[name]; !exists {
		return fmt.Errorf("%w: %s", util.ErrIndexMissing, name)
	}

	delete(c.indexes, name)
	delete(c.indexDefs, name)
	for i, h := range c.hooks {
		if h.name == name {
			c.hooks = append(c.hooks[:i], c.hooks[i+1:]...)
			break
		}
	}
	fmt.Printf("[INFO] Dropped index '%s'\n", name)
	return nil
}

// ListIndexes returns the names of all secondary indexes.
func (c *Collection) ListIndexes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var names []string
	for name := range c.indexes {
		if name != c.pkField && name != ttlField {
			names = append(names, name)
		}
	}
	return names
}

// IndexDefs returns a copy of the index definitions.
func (c *Collection) IndexDefs() map[string]storage.IndexDef {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]storage.IndexDef, len(c.indexDefs))
	for k, v := range c.indexDefs {
		out[k] = v
	}
	return out
}

// buildProjector compiles an index definition into the pure function
// mapping a document to its index key. A nil key means the path is
// undefined on the document.
func (c *Collection) buildProjector(def storage.IndexDef) func(storage.Document) interface{} {
	fields := def.Fields()
	proc := c.processorFor(def)
	sep := def.SeparatorByte()

	projectField := func(doc storage.Document, field string) interface{} {
		v, ok := doc.Get(field)
		if !ok {
			return nil
		}
		if proc != nil {
			v = proc(v)
		}
		if def.IgnoreCase {
			if s, isStr := v.(string); isStr {
				v = lowercase(s)
			}
		}
		return v
	}

	if len(fields) == 1 {
		field := fields[0]
		return func(doc storage.Document) interface{} {
			return projectField(doc, field)
		}
	}

	return func(doc storage.Document) interface{} {
		parts := make([]interface{}, len(fields))
		allNil := true
		for i, field := range fields {
			parts[i] = projectField(doc, field)
			if parts[i] != nil {
				allNil = false
			}
		}
		if allNil {
			return nil
		}
		return storage.EncodeComposite(parts, sep)
	}
}

func (c *Collection) processorFor(def storage.IndexDef) ProcessFunc {
	switch def.Process {
	case "":
		return nil
	case "lowercase":
		return func(v interface{}) interface{} {
			if s, ok := v.(string); ok {
				return lowercase(s)
			}
			return v
		}
	default:
		if proc, ok := c.db.processors[def.Process]; ok {
			return proc
		}
		fmt.Printf("[WARN] unknown index processor %q\n", def.Process)
		return nil
	}
}

// comparatorFor derives the key ordering of an index: single-field keys
// order by type class with optional direction inversion; composite keys
// split on the separator and compare per field with per-field direction.
func (c *Collection) comparatorFor(def storage.IndexDef) storage.Comparator {
	fields := def.Fields()
	if len(fields) <= 1 {
		desc := len(def.Order) > 0 && def.Order[0] == storage.OrderDesc
		return func(a, b interface{}) int {
			cmp := query.CompareValues(a, b)
			if desc {
				return -cmp
			}
			return cmp
		}
	}

	sep := def.SeparatorByte()
	desc := make([]bool, len(fields))
	for i := range fields {
		if i < len(def.Order) && def.Order[i] == storage.OrderDesc {
			desc[i] = true
		}
	}

	return func(a, b interface{}) int {
		sa, aOK := a.(string)
		sb, bOK := b.(string)
		if !aOK || !bOK {
			return query.CompareValues(a, b)
		}
		pa := storage.DecodeComposite(sa, sep)
		pb := storage.DecodeComposite(sb, sep)

		n := len(pa)
		if len(pb) < n {
			n = len(pb)
		}
		for i := 0; i < n; i++ {
			cmp := query.CompareValues(pa[i], pb[i])
			if cmp != 0 {
				if i < len(desc) && desc[i] {
					return -cmp
				}
				return cmp
			}
		}
		switch {
		case len(pa) < len(pb):
			return -1
		case len(pa) > len(pb):
			return 1
		default:
			return 0
		}
	}
}

// buildIndexHook compiles the maintenance callbacks for one index.
func (c *Collection) buildIndexHook(name string, def storage.IndexDef) *indexHook {
	project := c.buildProjector(def)

	tree := func() *storage.BPlusTree { return c.indexes[name] }

	checkKey := func(key interface{}, pk string) error {
		if key == nil {
			if def.Required {
				return fmt.Errorf("%w: index %s", util.ErrRequiredMissing, name)
			}
			return nil
		}
		if def.Unique {
			if existing, ok := tree().FindFirst(key); ok && existing != pk {
				return fmt.Errorf("%w: index %s key %v", util.ErrUniqueViolation, name, key)
			}
		}
		return nil
	}

	insertLink := func(doc storage.Document, pk string) error {
		key := project(doc)
		if key == nil {
			if def.Sparse {
				return nil
			}
			if def.Required {
				return fmt.Errorf("%w: index %s", util.ErrRequiredMissing, name)
			}
		}
		return tree().Insert(key, pk)
	}

	return &indexHook{
		name: name,

		insertCheck: func(doc storage.Document, pk string) error {
			key := project(doc)
			if key == nil && def.Sparse {
				return nil
			}
			return checkKey(key, pk)
		},

		insert: insertLink,

		update: func(oldDoc, newDoc storage.Document, pk string) error {
			oldKey := project(oldDoc)
			newKey := project(newDoc)
			if query.DeepEqual(oldKey, newKey) {
				return nil
			}

			if newKey == nil {
				if def.Required {
					return fmt.Errorf("%w: index %s", util.ErrRequiredMissing, name)
				}
			} else if err := checkKey(newKey, pk); err != nil {
				return err
			}

			if oldKey != nil || !def.Sparse {
				if def.Unique {
					tree().Remove(oldKey)
				} else {
					tree().RemoveSpecific(oldKey, func(l string) bool { return l == pk })
				}
			}
			if newKey == nil && def.Sparse {
				return nil
			}
			return tree().Insert(newKey, pk)
		},

		remove: func(doc storage.Document, pk string) {
			key := project(doc)
			if key == nil && def.Sparse {
				return
			}
			if def.Unique {
				tree().Remove(key)
			} else {
				tree().RemoveSpecific(key, func(l string) bool { return l == pk })
			}
		},

		ensure: func() {
			if _, ok := c.indexes[name]; !ok {
				c.indexes[name] = storage.NewBPlusTree(def.Unique, c.comparatorFor(def))
			}
		},

		rebuild: func() error {
			t := tree()
			t.Reset()
			for _, pk := range c.list.IDs() {
				doc, ok := c.list.Get(pk)
				if !ok {
					continue
				}
				key := project(doc)
				if key == nil && def.Sparse {
					continue
				}
				if key == nil && def.Required {
					return fmt.Errorf("%w: index %s", util.ErrRequiredMissing, name)
				}
				if err := t.Insert(key, pk); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// snapshot renders the collection's full durable state.
func (c *Collection) snapshot() (*storage.Snapshot, error) {
	indexes := make(map[string]json.RawMessage, len(c.indexes))
	for name, tree := range c.indexes {
		data, err := tree.Serialize()
		if err != nil {
			return nil, err
		}
		indexes[name] = data
	}

	defs := make(map[string]storage.IndexDef, len(c.indexDefs))
	for k, v := range c.indexDefs {
		defs[k] = v
	}

	return &storage.Snapshot{
		List:      c.list.snapshot(),
		Indexes:   indexes,
		IndexDefs: defs,
		ID:        c.pkField,
		TTL:       c.ttl.Milliseconds(),
		Rotate:    c.rotate,
	}, nil
}

// restoreSnapshot replaces the collection's state from a durable snapshot.
// Indexes with a serialized tree are reconstructed directly; the rest are
// rebuilt from the list.
func (c *Collection) restoreSnapshot(snap *storage.Snapshot) error {
	if snap.ID != "" {
		c.pkField = snap.ID
	}
	if snap.TTL > 0 {
		c.ttl = time.Duration(snap.TTL) * time.Millisecond
	}
	if snap.Rotate != "" {
		c.rotate = snap.Rotate
	}

	if err := c.list.restore(snap.List); err != nil {
		return err
	}

	c.indexes = make(map[string]*storage.BPlusTree)
	c.indexDefs = make(map[string]storage.IndexDef)
	c.hooks = nil

	// Primary infrastructure first, then the persisted definitions
	c.installBaseIndexes()
	for name, def := range snap.IndexDefs {
		if _, exists := c.indexDefs[name]; exists {
			continue
		}
		hook := c.buildIndexHook(name, def)
		c.indexDefs[name] = def
		c.hooks = append(c.hooks, hook)

		if data, ok := snap.Indexes[name]; ok {
			tree, err := storage.DeserializeBPlusTree(data, c.comparatorFor(def))
			if err == nil {
				c.indexes[name] = tree
				continue
			}
			fmt.Printf("[WARN] failed to deserialize index %s, rebuilding: %v\n", name, err)
		}
		hook.ensure()
		if err := hook.rebuild(); err != nil {
			return err
		}
	}

	// The base indexes always rebuild from the restored list
	for _, h := range c.hooks {
		if h.name == c.pkField || h.name == ttlField {
			if err := h.rebuild(); err != nil {
				return err
			}
		}
	}
	return nil
}

// installBaseIndexes creates the primary index and, when TTL is enabled,
// the hidden expiry index.
func (c *Collection) installBaseIndexes() {
	pkDef := storage.IndexDef{Key: c.pkField, Unique: true, Required: true}
	pkHook := c.buildIndexHook(c.pkField, pkDef)
	c.indexes[c.pkField] = storage.NewBPlusTree(true, c.comparatorFor(pkDef))
	c.indexDefs[c.pkField] = pkDef
	c.hooks = append(c.hooks, pkHook)

	if c.ttl > 0 {
		ttlDef := storage.IndexDef{Key: ttlField, Auto: true, Gen: "now", Sparse: false}
		ttlHook := c.buildIndexHook(ttlField, ttlDef)
		c.indexes[ttlField] = storage.NewBPlusTree(false, c.comparatorFor(ttlDef))
		c.indexDefs[ttlField] = ttlDef
		c.hooks = append(c.hooks, ttlHook)
	}
}

// Persist stores the collection snapshot through its adapter, optionally
// under an alternate name.
func (c *Collection) Persist(name ...string) error {
	c.mu.RLock()
	snap, err := c.snapshot()
	c.mu.RUnlock()
	if err != nil {
		return err
	}

	target := c.name
	if len(name) > 0 && name[0] != "" {
		target = name[0]
	}
	if err := c.adapter.Store(target, snap); err != nil {
		return fmt.Errorf("failed to persist collection %s: %w", target, err)
	}
	return nil
}

// Load restores the collection from its adapter, rebuilding indexes and
// reaping expired documents. Restore errors are swallowed with a warning so
// a missing or unreadable snapshot yields an empty collection.
func (c *Collection) Load(name ...string) error {
	target := c.name
	if len(name) > 0 && name[0] != "" {
		target = name[0]
	}

	snap, err := c.adapter.Restore(target)
	if err != nil {
		fmt.Printf("[WARN] failed to restore collection %s: %v\n", target, err)
		return nil
	}
	if snap == nil {
		return nil
	}

	c.mu.Lock()
	err = c.restoreSnapshot(snap)
	c.mu.Unlock()
	if err != nil {
		fmt.Printf("[WARN] failed to rebuild collection %s: %v\n", target, err)
		return nil
	}

	c.EnsureTTL()
	return nil
}

func mustGetPK(doc storage.Document, field string) string {
	v, _ := doc.Get(field)
	return storage.EncodeKeyPart(v)
}

func lowercase(s string) string {
	return strings.ToLower(s)
}
