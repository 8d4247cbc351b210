package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/security"
)

// FileAdapter persists each collection as a single JSON snapshot file under
// a root directory. Writes staged inside a transaction live in a hidden
// .txn directory until FinalizeCommit atomically replaces the live file.
// At-rest encryption is applied when the adapter carries an encryptor.
type FileAdapter struct {
	root       string
	collection string
	enc        *security.Encryptor
	mu         sync.Mutex
	activeTxn  string
}

// NewFileAdapter creates a file adapter rooted at dir. A non-nil
// encryptionKey (32 bytes) enables AES-GCM encryption of snapshot files.
func NewFileAdapter(dir string, encryptionKey []byte) (*FileAdapter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create adapter root: %v", util.ErrAdapterIO, err)
	}

	var enc *security.Encryptor
	if encryptionKey != nil {
		e, err := security.NewEncryptor(encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to init encryption: %w", err)
		}
		enc = e
	}

	return &FileAdapter{root: dir, enc: enc}, nil
}

// Init binds the adapter to its owning collection.
func (a *FileAdapter) Init(collection string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.collection = collection
}

func (a *FileAdapter) livePath(name string) string {
	return filepath.Join(a.root, sanitizeFilename(name)+".json")
}

func (a *FileAdapter) stagedDir(txnID string) string {
	return filepath.Join(a.root, ".txn", txnID)
}

func (a *FileAdapter) checkpointDir(id string) string {
	return filepath.Join(a.root, ".checkpoints", id)
}

// Restore loads the snapshot stored under name. A snapshot staged by the
// active transaction takes precedence over the live file.
func (a *FileAdapter) Restore(name string) (*Snapshot, error) {
	a.mu.Lock()
	txn := a.activeTxn
	a.mu.Unlock()

	if txn != "" {
		staged := filepath.Join(a.stagedDir(txn), sanitizeFilename(name)+".json")
		if snap, err := a.readSnapshotFile(staged); err == nil && snap != nil {
			return snap, nil
		}
	}

	return a.readSnapshotFile(a.livePath(name))
}

func (a *FileAdapter) readSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}

	if a.enc != nil {
		plain, err := a.enc.DecryptBlock(data)
		if err != nil {
			return nil, fmt.Errorf("%w: decryption failed: %v", util.ErrAdapterIO, err)
		}
		data = plain
	}

	return decodeSnapshot(data)
}

func (a *FileAdapter) writeSnapshotFile(path string, snap *Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if a.enc != nil {
		sealed, err := a.enc.EncryptBlock(data)
		if err != nil {
			return fmt.Errorf("%w: encryption failed: %v", util.ErrAdapterIO, err)
		}
		data = sealed
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}
	return nil
}

// Store persists a snapshot directly to the live file.
func (a *FileAdapter) Store(name string, snap *Snapshot) error {
	return a.writeSnapshotFile(a.livePath(name), snap)
}

// Clone returns a fresh adapter of the same kind over the same root.
func (a *FileAdapter) Clone() Adapter {
	return &FileAdapter{root: a.root, enc: a.enc}
}

// IsTransactional reports two-phase commit support.
func (a *FileAdapter) IsTransactional() bool { return true }

// StoreInTransaction stages a snapshot under txnID.
func (a *FileAdapter) StoreInTransaction(txnID, name string, snap *Snapshot) error {
	path := filepath.Join(a.stagedDir(txnID), sanitizeFilename(name)+".json")
	if err := a.writeSnapshotFile(path, snap); err != nil {
		return err
	}
	a.mu.Lock()
	a.activeTxn = txnID
	a.mu.Unlock()
	return nil
}

// PrepareCommit re-reads every staged file; a snapshot that fails to decode
// means the adapter cannot promise the commit.
func (a *FileAdapter) PrepareCommit(txnID string) (bool, error) {
	dir := a.stagedDir(txnID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			// Nothing staged is a trivially committable state
			return true, nil
		}
		return false, fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, err := a.readSnapshotFile(filepath.Join(dir, entry.Name())); err != nil {
			return false, nil
		}
	}
	return true, nil
}

// FinalizeCommit atomically replaces each live file with its staged
// counterpart, then discards the staging directory.
func (a *FileAdapter) FinalizeCommit(txnID string) error {
	dir := a.stagedDir(txnID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			a.clearActiveTxn(txnID)
			return nil
		}
		return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(dir, entry.Name())
		dst := filepath.Join(a.root, entry.Name())
		if err := atomic.ReplaceFile(src, dst); err != nil {
			return fmt.Errorf("%w: failed to promote staged snapshot: %v", util.ErrAdapterIO, err)
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}
	a.clearActiveTxn(txnID)
	return nil
}

// Rollback discards everything staged under txnID.
func (a *FileAdapter) Rollback(txnID string) error {
	if err := os.RemoveAll(a.stagedDir(txnID)); err != nil {
		return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}
	a.clearActiveTxn(txnID)
	return nil
}

func (a *FileAdapter) clearActiveTxn(txnID string) {
	a.mu.Lock()
	if a.activeTxn == txnID {
		a.activeTxn = ""
	}
	a.mu.Unlock()
}

// CreateCheckpoint copies the bound collection's live snapshot under a
// fresh checkpoint id.
func (a *FileAdapter) CreateCheckpoint(txnID string) (string, error) {
	_ = txnID
	id := uuid.NewString()
	dir := a.checkpointDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}

	src := a.livePath(a.collection)
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return id, nil
		}
		return "", fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}
	dst := filepath.Join(dir, filepath.Base(src))
	if err := atomic.WriteFile(dst, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
	}
	return id, nil
}

// RestoreFromCheckpoint replaces the live snapshot with a checkpoint copy.
func (a *FileAdapter) RestoreFromCheckpoint(id string) error {
	dir := a.checkpointDir(id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: checkpoint not found: %v", util.ErrAdapterIO, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
		}
		if err := atomic.WriteFile(filepath.Join(a.root, entry.Name()), bytes.NewReader(data)); err != nil {
			return fmt.Errorf("%w: %v", util.ErrAdapterIO, err)
		}
	}
	return nil
}

// sanitizeFilename keeps collection names usable as file names.
func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, name)
}
