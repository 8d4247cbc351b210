package bunstore

import (
	"fmt"
	"time"

	"github.com/kartikbazzad/bunstore/internal/query"
	"github.com/kartikbazzad/bunstore/storage"
)

// isValidTTL reports whether a document is still live under the
// collection's expiry policy. Collections without TTL never expire.
// Callers must hold at least a read lock.
func (c *Collection) isValidTTL(doc storage.Document) bool {
	if c.ttl <= 0 {
		return true
	}
	v, ok := doc.Get(ttlField)
	if !ok {
		return true
	}
	ts, ok := query.ToFloat(v)
	if !ok {
		return true
	}
	cutoff := time.Now().Add(-c.ttl).UnixMilli()
	return int64(ts) >= cutoff
}

// EnsureTTL reaps expired documents: it walks the hidden expiry index below
// the cutoff, removes each hit through the standard delete path, and
// persists when anything was reaped. Runs on load and opportunistically
// after reads that saw expired documents.
func (c *Collection) EnsureTTL() {
	if c.ttl <= 0 {
		return
	}

	cutoff := time.Now().Add(-c.ttl).UnixMilli()

	c.mu.Lock()
	tree, ok := c.indexes[ttlField]
	if !ok {
		c.mu.Unlock()
		return
	}

	var expired []string
	for _, pair := range tree.Lt(cutoff) {
		if pair.Key == nil {
			// Documents without a stamp never expire
			continue
		}
		expired = append(expired, pair.Locators...)
	}
	for _, pk := range expired {
		doc, ok := c.list.Get(pk)
		if !ok {
			continue
		}
		c.removeLocked(pk, doc)
	}
	c.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	fmt.Printf("[INFO] reaped %d expired documents from collection %s\n", len(expired), c.name)
	if err := c.Persist(); err != nil {
		fmt.Printf("[WARN] failed to persist after TTL sweep: %v\n", err)
	}
}

// TTL returns the collection's expiry duration (zero when disabled).
func (c *Collection) TTL() time.Duration { return c.ttl }
