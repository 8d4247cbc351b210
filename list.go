package bunstore

import (
	"encoding/json"

	"github.com/kartikbazzad/bunstore/storage"
)

// List is the primary store of a collection: primary key -> document, with
// stable insertion order for forward iteration. In audit mode every key
// additionally carries a StoredRecord holding its version history.
type List struct {
	hash    map[string]storage.Document
	order   []string
	records map[string]*StoredRecord
	counter uint64
	audit   bool
}

// NewList creates an empty list.
func NewList(audit bool) *List {
	l := &List{
		hash:  make(map[string]storage.Document),
		audit: audit,
	}
	if audit {
		l.records = make(map[string]*StoredRecord)
	}
	return l
}

// Set stores a document under id, returning true when the id is new.
func (l *List) Set(id string, doc storage.Document) bool {
	_, existed := l.hash[id]
	l.hash[id] = doc
	if !existed {
		l.order = append(l.order, id)
	}

	if l.audit {
		if rec, ok := l.records[id]; ok && !rec.Deleted() {
			rec.recordUpdate(doc)
		} else {
			l.records[id] = newStoredRecord(id, doc)
		}
	}
	return !existed
}

// Get returns the document stored under id.
func (l *List) Get(id string) (storage.Document, bool) {
	doc, ok := l.hash[id]
	return doc, ok
}

// Delete removes the document under id. In audit mode the version record
// is retained with a tombstone delta.
func (l *List) Delete(id string) bool {
	if _, ok := l.hash[id]; !ok {
		return false
	}
	delete(l.hash, id)
	for i, oid := range l.order {
		if oid == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}

	if l.audit {
		if rec, ok := l.records[id]; ok {
			rec.recordDelete()
		}
	}
	return true
}

// Len is the count of live documents.
func (l *List) Len() int { return len(l.hash) }

// IDs returns the live primary keys in insertion order.
func (l *List) IDs() []string {
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// Record returns the audit version record for id, including tombstoned
// ones.
func (l *List) Record(id string) (*StoredRecord, bool) {
	if !l.audit {
		return nil, false
	}
	rec, ok := l.records[id]
	return rec, ok
}

// NextCounter advances and returns the monotonic id counter.
func (l *List) NextCounter() uint64 {
	l.counter++
	return l.counter
}

// Reset discards all documents and records; the counter is preserved so
// generated ids stay unique across rotations.
func (l *List) Reset() {
	l.hash = make(map[string]storage.Document)
	l.order = nil
	if l.audit {
		l.records = make(map[string]*StoredRecord)
	}
}

// snapshot renders the list into its durable form.
func (l *List) snapshot() storage.ListSnapshot {
	snap := storage.ListSnapshot{
		Counter: l.counter,
		Hash:    make(map[string]storage.Document, len(l.hash)),
		Count:   len(l.hash),
		Order:   l.IDs(),
	}
	for id, doc := range l.hash {
		snap.Hash[id] = doc.Clone()
	}

	if l.audit {
		snap.Records = make(map[string]json.RawMessage, len(l.records))
		for id, rec := range l.records {
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			snap.Records[id] = data
		}
	}
	return snap
}

// restore replaces the list contents from a durable snapshot.
func (l *List) restore(snap storage.ListSnapshot) error {
	l.counter = snap.Counter
	l.hash = make(map[string]storage.Document, len(snap.Hash))
	l.order = nil

	for id, doc := range snap.Hash {
		l.hash[id] = doc.Clone()
	}
	// Prefer the persisted order; fall back to whatever keys exist
	if len(snap.Order) > 0 {
		for _, id := range snap.Order {
			if _, ok := l.hash[id]; ok {
				l.order = append(l.order, id)
			}
		}
	}
	for id := range l.hash {
		if !contains(l.order, id) {
			l.order = append(l.order, id)
		}
	}

	if l.audit {
		l.records = make(map[string]*StoredRecord, len(snap.Records))
		for id, raw := range snap.Records {
			var rec StoredRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			l.records[id] = &rec
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
