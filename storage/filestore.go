package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"github.com/kartikbazzad/bunstore/internal/util"
)

// FileStorage persists a collection as a directory: metadata.json holding
// everything but the documents, plus one JSON file per document named after
// its primary key. The metadata carries a B+Tree mapping primary key to
// file basename.
type FileStorage struct {
	root       string
	collection string
	mu         sync.Mutex
	activeTxn  string
}

// fileStoreMeta is the content of metadata.json.
type fileStoreMeta struct {
	List      ListSnapshot               `json:"list"`
	Indexes   map[string]json.RawMessage `json:"indexes"`
	IndexDefs map[string]IndexDef        `json:"indexDefs"`
	ID        string                     `json:"id"`
	TTL       int64                      `json:"ttl,omitempty"`
	Rotate    string                     `json:"rotate,omitempty"`
	Files     json.RawMessage            `json:"files"` // pk -> basename tree
}

// NewFileStorage creates a multi-file adapter rooted at dir.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create storage root: %v", util.ErrAdapterIO, err)
	}
	return &FileStorage{root: dir}, nil
}

// Init binds the adapter to its owning collection.
func (s *FileStorage) Init(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collection = collection
}

func (s *FileStorage) liveDir(name string) string {
	return filepath.Join(s.root, sanitizeFilename(name))
}

func (s *FileStorage) stagedDir(txnID string) string {
	return filepath.Join(s.root, ".txn", txnID)
}

// Store writes the documents and metadata for a collection, removing files
// for documents that no longer exist.
func (s *FileStorage) Store(name string, snap *Snapshot) error {
	return s.storeTo(s.liveDir(name), snap)
}

func (s *FileStorage) storeTo(dir string, snap *Snapshot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}

	files := NewBPlusTree(true, CompareStrings)
	keep := map[string]bool{"metadata.json": true}
	for pk, doc := range snap.List.Hash {
		base := documentFilename(pk)
		keep[base] = true

		data, err := doc.Serialize()
		if err != nil {
			return err
		}
		if err := atomic.WriteFile(filepath.Join(dir, base), bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
		}
		if err := files.Insert(pk, base); err != nil {
			return err
		}
	}

	filesData, err := files.Serialize()
	if err != nil {
		return err
	}

	meta := fileStoreMeta{
		List: ListSnapshot{
			Counter: snap.List.Counter,
			Count:   snap.List.Count,
			Order:   snap.List.Order,
			Records: snap.List.Records,
		},
		Indexes:   snap.Indexes,
		IndexDefs: snap.IndexDefs,
		ID:        snap.ID,
		TTL:       snap.TTL,
		Rotate:    snap.Rotate,
		Files:     filesData,
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := atomic.WriteFile(filepath.Join(dir, "metadata.json"), bytes.NewReader(metaData)); err != nil {
		return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}

	// Drop files for removed documents
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || keep[entry.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
		}
	}
	return nil
}

// Restore reads the metadata and every referenced document file.
func (s *FileStorage) Restore(name string) (*Snapshot, error) {
	s.mu.Lock()
	txn := s.activeTxn
	s.mu.Unlock()

	if txn != "" {
		staged := filepath.Join(s.stagedDir(txn), sanitizeFilename(name))
		if snap, err := s.restoreFrom(staged); err == nil && snap != nil {
			return snap, nil
		}
	}
	return s.restoreFrom(s.liveDir(name))
}

func (s *FileStorage) restoreFrom(dir string) (*Snapshot, error) {
	metaData, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}

	var meta fileStoreMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	files, err := DeserializeBPlusTree(meta.Files, CompareStrings)
	if err != nil {
		return nil, err
	}

	hash := make(map[string]Document)
	var readErr error
	files.Each(true, func(p Pair) bool {
		pk, ok := p.Key.(string)
		if !ok || len(p.Locators) == 0 {
			return true
		}
		data, err := os.ReadFile(filepath.Join(dir, p.Locators[0]))
		if err != nil {
			readErr = fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
			return false
		}
		doc, err := DeserializeDocument(data)
		if err != nil {
			readErr = err
			return false
		}
		hash[pk] = doc
		return true
	})
	if readErr != nil {
		return nil, readErr
	}

	return &Snapshot{
		List: ListSnapshot{
			Counter: meta.List.Counter,
			Hash:    hash,
			Count:   meta.List.Count,
			Order:   meta.List.Order,
			Records: meta.List.Records,
		},
		Indexes:   meta.Indexes,
		IndexDefs: meta.IndexDefs,
		ID:        meta.ID,
		TTL:       meta.TTL,
		Rotate:    meta.Rotate,
	}, nil
}

// Clone returns a fresh adapter of the same kind over the same root.
func (s *FileStorage) Clone() Adapter {
	return &FileStorage{root: s.root}
}

// IsTransactional reports two-phase commit support.
func (s *FileStorage) IsTransactional() bool { return true }

// StoreInTransaction stages the collection directory under txnID.
func (s *FileStorage) StoreInTransaction(txnID, name string, snap *Snapshot) error {
	dir := filepath.Join(s.stagedDir(txnID), sanitizeFilename(name))
	if err := s.storeTo(dir, snap); err != nil {
		return err
	}
	s.mu.Lock()
	s.activeTxn = txnID
	s.mu.Unlock()
	return nil
}

// PrepareCommit verifies every staged directory restores cleanly.
func (s *FileStorage) PrepareCommit(txnID string) (bool, error) {
	dir := s.stagedDir(txnID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := s.restoreFrom(filepath.Join(dir, entry.Name())); err != nil {
			return false, nil
		}
	}
	return true, nil
}

// FinalizeCommit swaps each staged directory into place.
func (s *FileStorage) FinalizeCommit(txnID string) error {
	dir := s.stagedDir(txnID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.clearActiveTxn(txnID)
			return nil
		}
		return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		live := filepath.Join(s.root, entry.Name())
		old := live + ".old"

		if err := os.RemoveAll(old); err != nil {
			return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
		}
		if _, err := os.Stat(live); err == nil {
			if err := os.Rename(live, old); err != nil {
				return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
			}
		}
		if err := os.Rename(filepath.Join(dir, entry.Name()), live); err != nil {
			// Try to put the previous state back before failing
			_ = os.Rename(old, live)
			return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
		}
		_ = os.RemoveAll(old)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}
	s.clearActiveTxn(txnID)
	return nil
}

// Rollback discards the staged directories.
func (s *FileStorage) Rollback(txnID string) error {
	if err := os.RemoveAll(s.stagedDir(txnID)); err != nil {
		return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}
	s.clearActiveTxn(txnID)
	return nil
}

func (s *FileStorage) clearActiveTxn(txnID string) {
	s.mu.Lock()
	if s.activeTxn == txnID {
		s.activeTxn = ""
	}
	s.mu.Unlock()
}

// CreateCheckpoint copies the bound collection's live directory under a
// fresh checkpoint id.
func (s *FileStorage) CreateCheckpoint(txnID string) (string, error) {
	_ = txnID
	id := uuid.NewString()
	dst := filepath.Join(s.root, ".checkpoints", id)
	if err := copyDir(s.liveDir(s.collection), filepath.Join(dst, sanitizeFilename(s.collection))); err != nil {
		return "", err
	}
	return id, nil
}

// RestoreFromCheckpoint replaces the live directory with a checkpoint copy.
func (s *FileStorage) RestoreFromCheckpoint(id string) error {
	src := filepath.Join(s.root, ".checkpoints", id)
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("%w: checkpoint not found: %v", util.ErrAdapterIO, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		live := filepath.Join(s.root, entry.Name())
		if err := os.RemoveAll(live); err != nil {
			return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
		}
		if err := copyDir(filepath.Join(src, entry.Name()), live); err != nil {
			return err
		}
	}
	return nil
}

func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, entry.Name()))
		if err != nil {
			return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
		}
		if err := os.WriteFile(filepath.Join(dst, entry.Name()), data, 0o644); err != nil {
			return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
		}
	}
	return nil
}

// CompareStrings orders keys by their string encoding. Used for trees whose
// keys are known to be strings, like the primary-key file map.
func CompareStrings(a, b interface{}) int {
	sa, _ := a.(string)
	sb, _ := b.(string)
	return strings.Compare(sa, sb)
}

// documentFilename maps a primary key to a safe file basename.
func documentFilename(pk string) string {
	return sanitizeFilename(pk) + ".json"
}
