package wal

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/bunstore/internal/util"
)

// MemoryWAL keeps the log in process memory. It shares the WAL contract
// with FileWAL and is used for `:memory:` databases and tests. Flushing is
// a no-op since nothing is buffered apart from the entries themselves.
type MemoryWAL struct {
	mu      sync.Mutex
	seq     uint64
	entries []*Entry
	closed  bool
}

// NewMemoryWAL creates an empty in-memory WAL.
func NewMemoryWAL() *MemoryWAL {
	return &MemoryWAL{}
}

// WriteEntry assigns the next sequence number and retains the entry.
func (w *MemoryWAL) WriteEntry(e *Entry) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, util.ErrWALClosed
	}

	w.seq++
	e.SequenceNumber = w.seq
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	checksum, err := e.ComputeChecksum()
	if err != nil {
		return 0, err
	}
	e.Checksum = checksum
	w.entries = append(w.entries, e)
	return w.seq, nil
}

// Flush is a no-op for the memory variant.
func (w *MemoryWAL) Flush() error { return nil }

// ReadEntries returns all entries with seq >= fromSeq in seq order.
func (w *MemoryWAL) ReadEntries(fromSeq uint64) ([]*Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []*Entry
	for _, e := range w.entries {
		if e.SequenceNumber >= fromSeq {
			copied := *e
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return out, nil
}

// Truncate retains entries with seq >= beforeSeq.
func (w *MemoryWAL) Truncate(beforeSeq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.SequenceNumber >= beforeSeq {
			kept = append(kept, e)
		}
	}
	w.entries = kept
	return nil
}

// CreateCheckpoint writes a checkpoint marker entry.
func (w *MemoryWAL) CreateCheckpoint() (*Checkpoint, error) {
	id := uuid.NewString()
	entry := &Entry{
		TransactionID: "checkpoint",
		Type:          EntryData,
		Operation:     "CHECKPOINT",
		Data:          map[string]interface{}{"checkpointId": id},
	}
	seq, err := w.WriteEntry(entry)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{CheckpointID: id, Seq: seq, Timestamp: entry.Timestamp}, nil
}

// CurrentSeq returns the last-assigned sequence number.
func (w *MemoryWAL) CurrentSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Close shuts the log down; writes fail afterwards.
func (w *MemoryWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}
