package bunstore

import (
	"fmt"

	"github.com/kartikbazzad/bunstore/internal/query"
	"github.com/kartikbazzad/bunstore/storage"
)

// Iterator defines the interface for iterating over document results.
// It follows the standard cursor pattern: Next() advances, Value() retrieves.
type Iterator interface {
	Next() bool                       // Advances to the next document. Returns false if exhausted.
	Value() (storage.Document, error) // Returns the current document.
	Close() error                     // Releases resources.
}

// ListScanIterator walks every live document in insertion order. The id set
// is snapshotted up front so mutations during iteration don't shift the
// cursor.
type ListScanIterator struct {
	collection *Collection
	docs       []storage.Document
	current    int
	sawExpired bool
}

// NewListScanIterator snapshots the collection's live documents.
func NewListScanIterator(c *Collection) (*ListScanIterator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it := &ListScanIterator{collection: c, current: -1}
	for _, pk := range c.list.IDs() {
		doc, ok := c.list.Get(pk)
		if !ok {
			continue
		}
		if !c.isValidTTL(doc) {
			it.sawExpired = true
			continue
		}
		it.docs = append(it.docs, doc.Clone())
	}
	return it, nil
}

func (it *ListScanIterator) Next() bool {
	it.current++
	return it.current < len(it.docs)
}

func (it *ListScanIterator) Value() (storage.Document, error) {
	if it.current < 0 || it.current >= len(it.docs) {
		return nil, fmt.Errorf("iterator out of bounds")
	}
	return it.docs[it.current], nil
}

func (it *ListScanIterator) Close() error { return nil }

// SawExpired reports whether the scan skipped expired documents; the
// caller should kick the TTL reaper when it did.
func (it *ListScanIterator) SawExpired() bool { return it.sawExpired }

// IndexScanIterator walks an index range and resolves each locator to its
// document through the primary list.
type IndexScanIterator struct {
	collection *Collection
	locators   []string
	current    int
}

// NewIndexScanIterator captures the locators of an index range. pairs come
// from the tree's range generators (Lt/Lte/Gt/Gte).
func NewIndexScanIterator(c *Collection, pairs []storage.Pair) *IndexScanIterator {
	it := &IndexScanIterator{collection: c, current: -1}
	for _, p := range pairs {
		it.locators = append(it.locators, p.Locators...)
	}
	return it
}

func (it *IndexScanIterator) Next() bool {
	it.current++
	return it.current < len(it.locators)
}

func (it *IndexScanIterator) Value() (storage.Document, error) {
	if it.current < 0 || it.current >= len(it.locators) {
		return nil, fmt.Errorf("iterator out of bounds")
	}
	return it.collection.FindByID(it.locators[it.current])
}

func (it *IndexScanIterator) Close() error { return nil }

// FilterIterator wraps any iterator and yields only matching documents.
type FilterIterator struct {
	inner   Iterator
	pred    func(storage.Document) bool
	current storage.Document
}

func NewFilterIterator(inner Iterator, pred func(storage.Document) bool) *FilterIterator {
	return &FilterIterator{inner: inner, pred: pred}
}

func (it *FilterIterator) Next() bool {
	for it.inner.Next() {
		doc, err := it.inner.Value()
		if err != nil {
			continue
		}
		if it.pred(doc) {
			it.current = doc
			return true
		}
	}
	return false
}

func (it *FilterIterator) Value() (storage.Document, error) {
	if it.current == nil {
		return nil, fmt.Errorf("iterator out of bounds")
	}
	return it.current, nil
}

func (it *FilterIterator) Close() error { return it.inner.Close() }

// SortIterator materializes the inner iterator and re-yields in sorted
// order. Sorting reads everything into memory.
type SortIterator struct {
	docs    []storage.Document
	current int
}

func NewSortIterator(inner Iterator, field string, desc bool) *SortIterator {
	it := &SortIterator{current: -1}
	for inner.Next() {
		doc, err := inner.Value()
		if err == nil {
			it.docs = append(it.docs, doc)
		}
	}
	query.SortDocuments(it.docs, field, desc)
	return it
}

func (it *SortIterator) Next() bool {
	it.current++
	return it.current < len(it.docs)
}

func (it *SortIterator) Value() (storage.Document, error) {
	if it.current < 0 || it.current >= len(it.docs) {
		return nil, fmt.Errorf("iterator out of bounds")
	}
	return it.docs[it.current], nil
}

func (it *SortIterator) Close() error { return nil }

// SkipIterator drops the first n documents.
type SkipIterator struct {
	inner   Iterator
	skip    int
	skipped bool
}

func NewSkipIterator(inner Iterator, skip int) *SkipIterator {
	return &SkipIterator{inner: inner, skip: skip}
}

func (it *SkipIterator) Next() bool {
	if !it.skipped {
		it.skipped = true
		for i := 0; i < it.skip; i++ {
			if !it.inner.Next() {
				return false
			}
		}
	}
	return it.inner.Next()
}

func (it *SkipIterator) Value() (storage.Document, error) { return it.inner.Value() }
func (it *SkipIterator) Close() error                     { return it.inner.Close() }

// LimitIterator stops after n documents.
type LimitIterator struct {
	inner Iterator
	limit int
	seen  int
}

func NewLimitIterator(inner Iterator, limit int) *LimitIterator {
	return &LimitIterator{inner: inner, limit: limit}
}

func (it *LimitIterator) Next() bool {
	if it.seen >= it.limit {
		return false
	}
	if !it.inner.Next() {
		return false
	}
	it.seen++
	return true
}

func (it *LimitIterator) Value() (storage.Document, error) { return it.inner.Value() }
func (it *LimitIterator) Close() error                     { return it.inner.Close() }
