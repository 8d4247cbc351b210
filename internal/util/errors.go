package util

import "errors"

// Common errors used throughout bunstore
var (
	// Validation / index errors
	ErrValidationFailed = errors.New("document validation failed")
	ErrUniqueViolation  = errors.New("unique constraint violation")
	ErrRequiredMissing  = errors.New("required index value is missing")
	ErrIndexMissing     = errors.New("index not found")
	ErrIndexExists      = errors.New("index already exists")

	// Document / collection errors
	ErrDocumentNotFound   = errors.New("document not found")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrCollectionExists   = errors.New("collection already exists")

	// Transaction errors
	ErrTxnNotFound  = errors.New("transaction not found")
	ErrTxnState     = errors.New("operation invalid for transaction state")
	ErrTxnAborted   = errors.New("transaction aborted")
	ErrTxnActive    = errors.New("another transaction is already active")
	ErrTxnTimeout   = errors.New("transaction timeout")
	ErrNoActiveTxn  = errors.New("no active transaction")
	ErrSavepoint    = errors.New("savepoint not found")
	ErrSavepointDup = errors.New("savepoint name already exists")

	// WAL errors
	ErrWALClosed  = errors.New("WAL is closed")
	ErrWALCorrupt = errors.New("WAL entry is corrupt")

	// Adapter errors
	ErrAdapterIO = errors.New("storage adapter I/O failure")

	// Query errors
	ErrQueryCompile   = errors.New("query compilation failed")
	ErrOperatorMisuse = errors.New("query operator misuse")

	// Database errors
	ErrDatabaseClosed = errors.New("database is closed")
)
