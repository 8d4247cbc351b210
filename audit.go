package bunstore

import (
	"time"

	"github.com/kartikbazzad/bunstore/storage"
)

// DeltaOp classifies one structural change between two document versions.
type DeltaOp string

const (
	DeltaInsert DeltaOp = "insert"
	DeltaUpdate DeltaOp = "update"
	DeltaDelete DeltaOp = "delete"
	DeltaArray  DeltaOp = "array"
)

// DeltaEntry is one operation of a structural diff. Path is the dotted
// field path; the empty path addresses the whole document (initial insert
// and tombstones).
type DeltaEntry struct {
	Op   DeltaOp     `json:"op"`
	Path string      `json:"path,omitempty"`
	Old  interface{} `json:"old,omitempty"`
	New  interface{} `json:"new,omitempty"`
}

// Delta is one version step in a document's history.
type Delta struct {
	Version int          `json:"version"`
	Ops     []DeltaEntry `json:"ops"`
	DateMS  int64        `json:"date_ms"`
}

// StoredRecord is the audit-mode representation of a document: the current
// data plus the ordered history of deltas that produced it. History[i]
// always carries version i, and folding the full history from an empty
// object reproduces Data.
type StoredRecord struct {
	ID          string           `json:"id"`
	Version     int              `json:"version"`
	NextVersion int              `json:"next_version"`
	Data        storage.Document `json:"data"`
	CreatedMS   int64            `json:"created_ms"`
	UpdatedMS   int64            `json:"updated_ms,omitempty"`
	DeletedMS   int64            `json:"deleted_ms,omitempty"`
	History     []Delta          `json:"history"`
}

// newStoredRecord starts a record at version 0 with a whole-document insert
// delta.
func newStoredRecord(id string, doc storage.Document) *StoredRecord {
	now := time.Now().UnixMilli()
	r := &StoredRecord{
		ID:        id,
		Data:      doc.Clone(),
		CreatedMS: now,
	}
	r.appendDelta([]DeltaEntry{{Op: DeltaInsert, New: map[string]interface{}(doc.Clone())}}, now)
	return r
}

// appendDelta pushes one version step; Version tracks the latest applied
// step and NextVersion the next free slot.
func (r *StoredRecord) appendDelta(ops []DeltaEntry, nowMS int64) {
	r.History = append(r.History, Delta{Version: r.NextVersion, Ops: ops, DateMS: nowMS})
	r.Version = r.NextVersion
	r.NextVersion++
}

// recordUpdate diffs the record's data against the new version and appends
// the step.
func (r *StoredRecord) recordUpdate(doc storage.Document) {
	ops := DiffDocuments(r.Data, doc)
	if len(ops) == 0 {
		return
	}
	now := time.Now().UnixMilli()
	r.appendDelta(ops, now)
	r.Data = doc.Clone()
	r.UpdatedMS = now
}

// recordDelete appends a tombstone delta; the record itself is retained.
func (r *StoredRecord) recordDelete() {
	now := time.Now().UnixMilli()
	r.appendDelta([]DeltaEntry{{Op: DeltaDelete, Old: map[string]interface{}(r.Data.Clone())}}, now)
	r.Data = storage.Document{}
	r.DeletedMS = now
}

// Deleted reports whether the record carries a tombstone.
func (r *StoredRecord) Deleted() bool { return r.DeletedMS != 0 }

// DiffDocuments computes the structural delta between two document
// versions. Nested objects diff recursively; arrays are replaced wholesale
// as one array op.
func DiffDocuments(old, new storage.Document) []DeltaEntry {
	return diffMaps("", map[string]interface{}(old), map[string]interface{}(new))
}

func diffMaps(prefix string, old, new map[string]interface{}) []DeltaEntry {
	var ops []DeltaEntry

	for k, ov := range old {
		path := joinPath(prefix, k)
		nv, exists := new[k]
		if !exists {
			ops = append(ops, DeltaEntry{Op: DeltaDelete, Path: path, Old: ov})
			continue
		}
		ops = append(ops, diffValues(path, ov, nv)...)
	}
	for k, nv := range new {
		if _, exists := old[k]; exists {
			continue
		}
		ops = append(ops, DeltaEntry{Op: DeltaInsert, Path: joinPath(prefix, k), New: nv})
	}
	return ops
}

func diffValues(path string, ov, nv interface{}) []DeltaEntry {
	om, oIsMap := ov.(map[string]interface{})
	nm, nIsMap := nv.(map[string]interface{})
	if oIsMap && nIsMap {
		return diffMaps(path, om, nm)
	}

	oa, oIsArr := ov.([]interface{})
	na, nIsArr := nv.([]interface{})
	if oIsArr && nIsArr {
		if deepEqualValues(oa, na) {
			return nil
		}
		return []DeltaEntry{{Op: DeltaArray, Path: path, Old: ov, New: nv}}
	}

	if deepEqualValues(ov, nv) {
		return nil
	}
	return []DeltaEntry{{Op: DeltaUpdate, Path: path, Old: ov, New: nv}}
}

// FoldHistory replays a delta history from the empty object. The result
// equals the record's current data when the history is complete.
func FoldHistory(history []Delta) storage.Document {
	doc := storage.Document{}
	for _, delta := range history {
		for _, op := range delta.Ops {
			applyDeltaEntry(doc, op)
		}
	}
	return doc
}

func applyDeltaEntry(doc storage.Document, op DeltaEntry) {
	if op.Path == "" {
		// Whole-document ops: initial insert and tombstone
		switch op.Op {
		case DeltaInsert:
			for k := range doc {
				delete(doc, k)
			}
			if m, ok := op.New.(map[string]interface{}); ok {
				for k, v := range storage.Document(m).Clone() {
					doc[k] = v
				}
			}
		case DeltaDelete:
			for k := range doc {
				delete(doc, k)
			}
		}
		return
	}

	switch op.Op {
	case DeltaInsert, DeltaUpdate, DeltaArray:
		doc.Set(op.Path, op.New)
	case DeltaDelete:
		doc.Unset(op.Path)
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func deepEqualValues(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			ov, exists := bv[k]
			if !exists || !deepEqualValues(v, ov) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqualValues(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
