package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func sampleSnapshot(pk, value string) *Snapshot {
	return &Snapshot{
		List: ListSnapshot{
			Counter: 7,
			Hash:    map[string]Document{pk: {"id": pk, "v": value}},
			Count:   1,
			Order:   []string{pk},
		},
		IndexDefs: map[string]IndexDef{"id": {Key: "id", Unique: true, Required: true}},
		ID:        "id",
	}
}

// adapterUnderTest exercises the shared transactional contract.
func adapterUnderTest(t *testing.T, a TransactionalAdapter) {
	t.Helper()
	a.Init("users")

	// Nothing stored yet
	snap, err := a.Restore("users")
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if snap != nil {
		t.Fatal("Restore of an absent collection should yield nil")
	}

	// Direct store and restore
	if err := a.Store("users", sampleSnapshot("1", "live")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	snap, err = a.Restore("users")
	if err != nil || snap == nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if snap.List.Hash["1"]["v"] != "live" {
		t.Errorf("Restored value = %v", snap.List.Hash["1"]["v"])
	}
	if snap.List.Counter != 7 {
		t.Errorf("Counter = %d, want 7", snap.List.Counter)
	}

	// Staged write is visible through Restore during the transaction
	if err := a.StoreInTransaction("tx1", "users", sampleSnapshot("1", "staged")); err != nil {
		t.Fatalf("StoreInTransaction failed: %v", err)
	}
	snap, err = a.Restore("users")
	if err != nil || snap == nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if snap.List.Hash["1"]["v"] != "staged" {
		t.Error("In-transaction read should see the staged snapshot first")
	}

	// Rollback discards the staged state
	if err := a.Rollback("tx1"); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	snap, _ = a.Restore("users")
	if snap.List.Hash["1"]["v"] != "live" {
		t.Error("Restore after rollback must reflect the untouched live state")
	}

	// Prepare and finalize promote the staged state
	if err := a.StoreInTransaction("tx2", "users", sampleSnapshot("1", "committed")); err != nil {
		t.Fatalf("StoreInTransaction failed: %v", err)
	}
	ok, err := a.PrepareCommit("tx2")
	if err != nil || !ok {
		t.Fatalf("PrepareCommit = %v, %v", ok, err)
	}
	// Prepare must be idempotent within a transaction
	ok, err = a.PrepareCommit("tx2")
	if err != nil || !ok {
		t.Fatalf("Second PrepareCommit = %v, %v", ok, err)
	}
	if err := a.FinalizeCommit("tx2"); err != nil {
		t.Fatalf("FinalizeCommit failed: %v", err)
	}
	snap, _ = a.Restore("users")
	if snap.List.Hash["1"]["v"] != "committed" {
		t.Error("Restore after finalize must reflect the staged state")
	}

	// Checkpoint and restore
	ckptID, err := a.CreateCheckpoint("tx3")
	if err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}
	if err := a.Store("users", sampleSnapshot("1", "after-checkpoint")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := a.RestoreFromCheckpoint(ckptID); err != nil {
		t.Fatalf("RestoreFromCheckpoint failed: %v", err)
	}
	snap, _ = a.Restore("users")
	if snap.List.Hash["1"]["v"] != "committed" {
		t.Errorf("Checkpoint restore yielded %v, want committed", snap.List.Hash["1"]["v"])
	}

	// Clone returns a fresh, unbound adapter of the same kind
	clone := a.Clone()
	if clone == nil || !clone.IsTransactional() {
		t.Error("Clone should produce a transactional adapter")
	}
}

func TestMemoryAdapterContract(t *testing.T) {
	adapterUnderTest(t, NewMemoryAdapter())
}

func TestFileAdapterContract(t *testing.T) {
	a, err := NewFileAdapter(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Failed to create adapter: %v", err)
	}
	adapterUnderTest(t, a)
}

func TestFileAdapterEncryption(t *testing.T) {
	dir := t.TempDir()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	a, err := NewFileAdapter(dir, key)
	if err != nil {
		t.Fatalf("Failed to create adapter: %v", err)
	}
	a.Init("secrets")

	if err := a.Store("secrets", sampleSnapshot("1", "classified")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// Ciphertext on disk must not contain the plaintext
	raw, err := os.ReadFile(filepath.Join(dir, "secrets.json"))
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if contains := string(raw); len(contains) > 0 && containsSubstring(contains, "classified") {
		t.Error("Snapshot file should be encrypted")
	}

	snap, err := a.Restore("secrets")
	if err != nil || snap == nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if snap.List.Hash["1"]["v"] != "classified" {
		t.Error("Decryption round trip failed")
	}

	// A different key cannot read the snapshot
	otherKey := make([]byte, 32)
	other, err := NewFileAdapter(dir, otherKey)
	if err != nil {
		t.Fatalf("Failed to create adapter: %v", err)
	}
	if _, err := other.Restore("secrets"); err == nil {
		t.Error("Restore with the wrong key should fail")
	}
}

func containsSubstring(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestFileStorageContract(t *testing.T) {
	s, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	adapterUnderTest(t, s)
}

func TestFileStorageLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage(dir)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	s.Init("posts")

	snap := &Snapshot{
		List: ListSnapshot{
			Hash: map[string]Document{
				"p1": {"id": "p1", "title": "first"},
				"p2": {"id": "p2", "title": "second"},
			},
			Count: 2,
			Order: []string{"p1", "p2"},
		},
		ID: "id",
	}
	if err := s.Store("posts", snap); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// One metadata file plus one JSON file per document
	if _, err := os.Stat(filepath.Join(dir, "posts", "metadata.json")); err != nil {
		t.Error("metadata.json missing")
	}
	if _, err := os.Stat(filepath.Join(dir, "posts", "p1.json")); err != nil {
		t.Error("p1.json missing")
	}

	// Removing a document drops its file on the next store
	delete(snap.List.Hash, "p2")
	snap.List.Count = 1
	snap.List.Order = []string{"p1"}
	if err := s.Store("posts", snap); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "posts", "p2.json")); !os.IsNotExist(err) {
		t.Error("p2.json should be removed")
	}

	restored, err := s.Restore("posts")
	if err != nil || restored == nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if len(restored.List.Hash) != 1 || restored.List.Hash["p1"]["title"] != "first" {
		t.Errorf("Restored hash = %v", restored.List.Hash)
	}
}

func TestDocumentPaths(t *testing.T) {
	d := Document{"a": map[string]interface{}{"b": map[string]interface{}{"c": 1}}}

	if v, ok := d.Get("a.b.c"); !ok || v != 1 {
		t.Errorf("Get(a.b.c) = %v, %v", v, ok)
	}
	if _, ok := d.Get("a.x.c"); ok {
		t.Error("Missing segment should report absence")
	}

	d.Set("a.b.d", 2)
	if v, _ := d.Get("a.b.d"); v != 2 {
		t.Error("Set through dotted path failed")
	}

	d.Unset("a.b.c")
	if _, ok := d.Get("a.b.c"); ok {
		t.Error("Unset through dotted path failed")
	}
}

func TestDocumentCloneIsDeep(t *testing.T) {
	d := Document{"nested": map[string]interface{}{"n": 1}, "arr": []interface{}{1, 2}}
	clone := d.Clone()

	clone.Set("nested.n", 99)
	cloneArr := clone["arr"].([]interface{})
	cloneArr[0] = 99

	if v, _ := d.Get("nested.n"); v != 1 {
		t.Error("Clone shares nested maps")
	}
	if d["arr"].([]interface{})[0] != 1 {
		t.Error("Clone shares arrays")
	}
}

func TestDeepMerge(t *testing.T) {
	dst := Document{"a": 1, "nested": map[string]interface{}{"x": 1, "y": 2}, "arr": []interface{}{1}}
	src := Document{"b": 2, "nested": map[string]interface{}{"y": 3}, "arr": []interface{}{9, 9}}

	out := DeepMerge(dst, src)

	if out["a"] != 1 || out["b"] != 2 {
		t.Errorf("Top-level merge wrong: %v", out)
	}
	if v, _ := out.Get("nested.x"); v != 1 {
		t.Error("Nested keys of dst should survive")
	}
	if v, _ := out.Get("nested.y"); v != 3 {
		t.Error("Nested keys of src should win")
	}
	if arr := out["arr"].([]interface{}); len(arr) != 2 || arr[0] != 9 {
		t.Error("Arrays replace wholesale")
	}
	// dst untouched
	if v, _ := dst.Get("nested.y"); v != 2 {
		t.Error("DeepMerge must not mutate dst")
	}
}

func TestDocumentSerializeRoundTrip(t *testing.T) {
	d := Document{"id": "1", "tags": []interface{}{"a"}, "n": 4.0}
	data, err := d.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	back, err := DeserializeDocument(data)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if back["id"] != "1" || back["n"] != 4.0 {
		t.Errorf("Round trip = %v", back)
	}
}
