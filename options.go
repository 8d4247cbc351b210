package bunstore

import (
	"path/filepath"
	"time"

	"github.com/kartikbazzad/bunstore/internal/query"
	"github.com/kartikbazzad/bunstore/storage"
)

// IndexDef re-exports the storage-level index definition for callers.
type IndexDef = storage.IndexDef

// MemoryRoot is the root value that turns a database into a pure in-memory
// instance: adapters become memory-backed, the WAL lives in memory, and no
// manifest file is written.
const MemoryRoot = ":memory:"

// Options configures a database instance
type Options struct {
	// Root directory for the database, or ":memory:"
	Root string

	// Name of the database; the manifest is written as <Name>.json under
	// Root (default: "bunstore")
	Name string

	// WALPath for the write-ahead log (default: Root/wal/bunstore.wal)
	WALPath string

	// WALFlushInterval for the background flush timer
	WALFlushInterval time.Duration

	// WALMaxBuffer is the buffered-entry count that forces a flush
	WALMaxBuffer int

	// AutoRecovery replays the WAL on Open
	AutoRecovery bool

	// EncryptionKey for at-rest encryption of snapshot files (32 bytes for
	// AES-256). If nil, encryption is disabled.
	EncryptionKey []byte

	// AuditLogPath for security events (default: Root/events.log)
	AuditLogPath string

	// IDGenerators extends the built-in primary-key generators
	// (counter, timestamp, uuid) with caller-supplied ones.
	IDGenerators map[string]IDGenerator

	// Processors is the registry of named index-value projectors referenced
	// by an index definition's Process key.
	Processors map[string]ProcessFunc

	// WhereCompiler, when set, enables string-bodied $where clauses.
	WhereCompiler func(src string) (query.WhereFunc, error)
}

// ProcessFunc transforms a projected index value before it is encoded.
type ProcessFunc func(v interface{}) interface{}

// DefaultOptions returns default database options rooted at path.
func DefaultOptions(path string) *Options {
	opts := &Options{
		Root:         path,
		Name:         "bunstore",
		AutoRecovery: true,
	}
	if path != MemoryRoot {
		opts.WALPath = filepath.Join(path, "wal", "bunstore.wal")
		opts.AuditLogPath = filepath.Join(path, "events.log")
	}
	return opts
}

// InMemory reports whether the options describe a pure in-memory database.
func (o *Options) InMemory() bool {
	return o.Root == MemoryRoot
}

// CollectionOptions configures a collection at creation time.
type CollectionOptions struct {
	// PrimaryKey field name (default: "id")
	PrimaryKey string

	// IDGenerator names the registered generator used when the caller omits
	// the primary key (default: "counter")
	IDGenerator string

	// TTL expires documents this long after insertion; zero disables expiry
	TTL time.Duration

	// Rotate is a cron expression scheduling archival rotation
	Rotate string

	// Audit retains per-document version history with structural deltas
	Audit bool

	// Adapter kind overriding the database default: memory, file, or
	// filestore (per-record directory layout)
	Adapter string

	// Indexes to create along with the collection, keyed by index name
	Indexes map[string]IndexDef
}

// QueryOptions represents query options like sort, limit, skip
type QueryOptions struct {
	SortField string
	SortDesc  bool
	Limit     int
	Skip      int
}
