package wal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/kartikbazzad/bunstore/internal/util"
)

// EntryType represents the type of a WAL entry
type EntryType string

const (
	EntryBegin    EntryType = "BEGIN"
	EntryData     EntryType = "DATA"
	EntryPrepare  EntryType = "PREPARE"
	EntryCommit   EntryType = "COMMIT"
	EntryRollback EntryType = "ROLLBACK"
)

// Entry is a single WAL record. Entries serialize as one JSON object per
// line; the checksum is a hex SHA-256 of the serialized entry with its own
// checksum field set to the empty string.
type Entry struct {
	TransactionID  string                 `json:"transactionId"`
	SequenceNumber uint64                 `json:"sequenceNumber"`
	Timestamp      int64                  `json:"timestamp"`
	Type           EntryType              `json:"type"`
	CollectionName string                 `json:"collectionName,omitempty"`
	Operation      string                 `json:"operation,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Checksum       string                 `json:"checksum"`
}

// ComputeChecksum hashes the entry with an empty checksum field.
func (e *Entry) ComputeChecksum() (string, error) {
	shadow := *e
	shadow.Checksum = ""
	data, err := json.Marshal(&shadow)
	if err != nil {
		return "", fmt.Errorf("failed to serialize entry: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Encode stamps the checksum and serializes the entry to one JSON line
// (without the trailing newline).
func (e *Entry) Encode() ([]byte, error) {
	checksum, err := e.ComputeChecksum()
	if err != nil {
		return nil, err
	}
	e.Checksum = checksum
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize entry: %w", err)
	}
	return data, nil
}

// DecodeEntry parses a serialized entry and verifies its checksum.
func DecodeEntry(line []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, fmt.Errorf("%w: unparsable entry: %v", util.ErrWALCorrupt, err)
	}

	expected, err := e.ComputeChecksum()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrWALCorrupt, err)
	}
	if expected != e.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch at seq %d", util.ErrWALCorrupt, e.SequenceNumber)
	}
	return &e, nil
}

// String returns a human-readable representation of the entry
func (e *Entry) String() string {
	return fmt.Sprintf("Entry{Seq:%d, Txn:%s, Type:%s, Collection:%s, Op:%s}",
		e.SequenceNumber, e.TransactionID, e.Type, e.CollectionName, e.Operation)
}
