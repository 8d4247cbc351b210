package bunstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/kartikbazzad/bunstore/storage"
)

// NamedIndexDef pairs an index definition with its name for the manifest's
// indexList entries.
type NamedIndexDef struct {
	Name string `json:"name"`
	storage.IndexDef
}

// CollectionConfig is the serialized configuration of one collection as it
// appears in the database manifest.
type CollectionConfig struct {
	Name      string            `json:"name"`
	Root      string            `json:"root"`
	Adapter   string            `json:"adapter"`
	ID        string            `json:"id"`
	Auto      string            `json:"auto,omitempty"`
	TTL       int64             `json:"ttl,omitempty"`
	Rotate    string            `json:"rotate,omitempty"`
	Audit     bool              `json:"audit,omitempty"`
	IndexList []NamedIndexDef   `json:"indexList"`
	Schema    string            `json:"schema,omitempty"`
	Rules     map[string]string `json:"rules,omitempty"`
}

// manifestData is the on-disk shape of <database_name>.json.
type manifestData struct {
	Collections map[string]CollectionConfig `json:"collections"`
}

// ManifestManager persists the schema of the database: every collection's
// configuration and index definitions, so the exact state can be
// reconstructed after a restart. With an empty path (in-memory databases)
// saves are a no-op.
type ManifestManager struct {
	path string
	data manifestData
	mu   sync.RWMutex
}

// NewManifestManager loads (or initializes) the manifest at path.
func NewManifestManager(path string) (*ManifestManager, error) {
	mm := &ManifestManager{
		path: path,
		data: manifestData{Collections: make(map[string]CollectionConfig)},
	}
	if path == "" {
		return mm, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return mm, nil
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if err := json.Unmarshal(raw, &mm.data); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if mm.data.Collections == nil {
		mm.data.Collections = make(map[string]CollectionConfig)
	}
	return mm, nil
}

// Save writes the manifest to disk.
func (mm *ManifestManager) Save() error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.saveLocked()
}

func (mm *ManifestManager) saveLocked() error {
	if mm.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(mm.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := atomic.WriteFile(mm.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// UpdateCollection stores a collection's configuration.
func (mm *ManifestManager) UpdateCollection(cfg CollectionConfig) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.data.Collections[cfg.Name] = cfg
	return mm.saveLocked()
}

// GetCollection returns a collection's configuration.
func (mm *ManifestManager) GetCollection(name string) (CollectionConfig, bool) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	cfg, ok := mm.data.Collections[name]
	return cfg, ok
}

// DeleteCollection removes a collection from the manifest.
func (mm *ManifestManager) DeleteCollection(name string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	delete(mm.data.Collections, name)
	return mm.saveLocked()
}

// ListCollections returns all configured collection names.
func (mm *ManifestManager) ListCollections() []string {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	names := make([]string, 0, len(mm.data.Collections))
	for name := range mm.data.Collections {
		names = append(names, name)
	}
	return names
}

// UpdateCollectionSchema stores the schema text of a collection.
func (mm *ManifestManager) UpdateCollectionSchema(name, schema string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	cfg, ok := mm.data.Collections[name]
	if !ok {
		return fmt.Errorf("collection not found: %s", name)
	}
	cfg.Schema = schema
	mm.data.Collections[name] = cfg
	return mm.saveLocked()
}

// UpdateCollectionRules stores the access rules of a collection.
func (mm *ManifestManager) UpdateCollectionRules(name string, rules map[string]string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	cfg, ok := mm.data.Collections[name]
	if !ok {
		return fmt.Errorf("collection not found: %s", name)
	}
	cfg.Rules = rules
	mm.data.Collections[name] = cfg
	return mm.saveLocked()
}
