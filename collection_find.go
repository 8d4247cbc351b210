package bunstore

import (
	"fmt"

	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/storage"
)

// FindByID retrieves a document by its primary key. Expired documents are
// treated as absent.
func (c *Collection) FindByID(id string) (storage.Document, error) {
	c.mu.RLock()
	doc, ok := c.list.Get(id)
	valid := ok && c.isValidTTL(doc)
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", util.ErrDocumentNotFound, id)
	}
	if !valid {
		c.EnsureTTL()
		return nil, fmt.Errorf("%w: %s", util.ErrDocumentNotFound, id)
	}
	return doc.Clone(), nil
}

// indexFor resolves the index serving a field: an index named after the
// field, or a single-field definition over it.
func (c *Collection) indexFor(field string) (*storage.BPlusTree, storage.IndexDef, error) {
	if tree, ok := c.indexes[field]; ok {
		return tree, c.indexDefs[field], nil
	}
	for name, def := range c.indexDefs {
		fields := def.Fields()
		if len(fields) == 1 && fields[0] == field {
			return c.indexes[name], def, nil
		}
	}
	return nil, storage.IndexDef{}, fmt.Errorf("%w: no index for field %s", util.ErrIndexMissing, field)
}

// indexKeyFor normalizes a lookup value the same way the index projector
// would (case folding, processors).
func (c *Collection) indexKeyFor(def storage.IndexDef, value interface{}) interface{} {
	if proc := c.processorFor(def); proc != nil {
		value = proc(value)
	}
	if def.IgnoreCase {
		if s, ok := value.(string); ok {
			value = lowercase(s)
		}
	}
	return value
}

// FindBy returns every document whose indexed field equals value. The
// lookup goes straight to the index, bypassing the query engine.
func (c *Collection) FindBy(field string, value interface{}) ([]storage.Document, error) {
	c.mu.RLock()
	tree, def, err := c.indexFor(field)
	if err != nil {
		c.mu.RUnlock()
		return nil, err
	}

	locators := tree.Find(c.indexKeyFor(def, value))
	docs, expired := c.docsForLocators(locators)
	c.mu.RUnlock()

	if expired {
		c.EnsureTTL()
	}
	return docs, nil
}

// FindFirstBy returns the first document whose indexed field equals value.
func (c *Collection) FindFirstBy(field string, value interface{}) (storage.Document, error) {
	docs, err := c.FindBy(field, value)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s=%v", util.ErrDocumentNotFound, field, value)
	}
	return docs[0], nil
}

// FindLastBy returns the last document whose indexed field equals value.
func (c *Collection) FindLastBy(field string, value interface{}) (storage.Document, error) {
	docs, err := c.FindBy(field, value)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s=%v", util.ErrDocumentNotFound, field, value)
	}
	return docs[len(docs)-1], nil
}

// docsForLocators resolves locators to live, unexpired documents.
func (c *Collection) docsForLocators(locators []string) ([]storage.Document, bool) {
	var docs []storage.Document
	expired := false
	for _, pk := range locators {
		doc, ok := c.list.Get(pk)
		if !ok {
			continue
		}
		if !c.isValidTTL(doc) {
			expired = true
			continue
		}
		docs = append(docs, doc.Clone())
	}
	return docs, expired
}

// Find executes a query against the collection. A nil or empty query
// returns every live document in insertion order.
func (c *Collection) Find(q map[string]interface{}, opts ...QueryOptions) ([]storage.Document, error) {
	var iter Iterator
	base, err := NewListScanIterator(c)
	if err != nil {
		return nil, err
	}
	iter = base
	defer iter.Close()

	if len(q) > 0 {
		matcher, err := c.db.queryEngine.Predicate(q)
		if err != nil {
			return nil, err
		}
		iter = NewFilterIterator(iter, func(doc storage.Document) bool { return matcher(doc) })
	}

	if len(opts) > 0 {
		o := opts[0]
		if o.SortField != "" {
			iter = NewSortIterator(iter, o.SortField, o.SortDesc)
		}
		if o.Skip > 0 {
			iter = NewSkipIterator(iter, o.Skip)
		}
		if o.Limit > 0 {
			iter = NewLimitIterator(iter, o.Limit)
		}
	}

	var results []storage.Document
	for iter.Next() {
		doc, err := iter.Value()
		if err == nil {
			results = append(results, doc)
		}
	}

	if base.SawExpired() {
		c.EnsureTTL()
	}
	return results, nil
}

// FindFunc scans with a caller-supplied predicate.
func (c *Collection) FindFunc(pred func(storage.Document) bool) []storage.Document {
	c.mu.RLock()
	var out []storage.Document
	expired := false
	for _, pk := range c.list.IDs() {
		doc, ok := c.list.Get(pk)
		if !ok {
			continue
		}
		if !c.isValidTTL(doc) {
			expired = true
			continue
		}
		if pred(doc) {
			out = append(out, doc.Clone())
		}
	}
	c.mu.RUnlock()

	if expired {
		c.EnsureTTL()
	}
	return out
}

// First returns the earliest-inserted live document.
func (c *Collection) First() (storage.Document, bool) {
	docs := c.FindFunc(func(storage.Document) bool { return true })
	if len(docs) == 0 {
		return nil, false
	}
	return docs[0], true
}

// Last returns the latest-inserted live document.
func (c *Collection) Last() (storage.Document, bool) {
	docs := c.FindFunc(func(storage.Document) bool { return true })
	if len(docs) == 0 {
		return nil, false
	}
	return docs[len(docs)-1], true
}

// Oldest returns the document with the smallest insert timestamp. Without a
// TTL index this is the insertion-order head.
func (c *Collection) Oldest() (storage.Document, bool) {
	c.mu.RLock()
	tree, ok := c.indexes[ttlField]
	c.mu.RUnlock()
	if !ok {
		return c.First()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	min, ok := tree.Min()
	if !ok || len(min.Locators) == 0 {
		return nil, false
	}
	doc, ok := c.list.Get(min.Locators[0])
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// Latest returns the document with the greatest insert timestamp. Without a
// TTL index this is the insertion-order tail.
func (c *Collection) Latest() (storage.Document, bool) {
	c.mu.RLock()
	tree, ok := c.indexes[ttlField]
	c.mu.RUnlock()
	if !ok {
		return c.Last()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	max, ok := tree.Max()
	if !ok || len(max.Locators) == 0 {
		return nil, false
	}
	doc, ok := c.list.Get(max.Locators[len(max.Locators)-1])
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// Lowest returns the document with the smallest value in an indexed field.
func (c *Collection) Lowest(field string) (storage.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tree, _, err := c.indexFor(field)
	if err != nil {
		return nil, err
	}
	min, ok := tree.Min()
	if !ok || len(min.Locators) == 0 {
		return nil, fmt.Errorf("%w: collection is empty", util.ErrDocumentNotFound)
	}
	doc, ok := c.list.Get(min.Locators[0])
	if !ok {
		return nil, fmt.Errorf("%w", util.ErrDocumentNotFound)
	}
	return doc.Clone(), nil
}

// Greatest returns the document with the largest value in an indexed field.
func (c *Collection) Greatest(field string) (storage.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tree, _, err := c.indexFor(field)
	if err != nil {
		return nil, err
	}
	max, ok := tree.Max()
	if !ok || len(max.Locators) == 0 {
		return nil, fmt.Errorf("%w: collection is empty", util.ErrDocumentNotFound)
	}
	doc, ok := c.list.Get(max.Locators[len(max.Locators)-1])
	if !ok {
		return nil, fmt.Errorf("%w", util.ErrDocumentNotFound)
	}
	return doc.Clone(), nil
}
