package bunstore

import (
	"errors"
	"testing"

	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/storage"
)

func TestSavepointNestedRollback(t *testing.T) {
	db := openMemoryDB(t)
	c, _ := db.CreateCollection("sp", nil)

	if _, err := db.StartTransaction(); err != nil {
		t.Fatalf("StartTransaction failed: %v", err)
	}

	c.Insert(storage.Document{"id": 1})
	sp1, err := db.CreateSavepoint("sp1")
	if err != nil {
		t.Fatalf("CreateSavepoint failed: %v", err)
	}

	c.Insert(storage.Document{"id": 2})
	if _, err := db.CreateSavepoint("sp2"); err != nil {
		t.Fatalf("CreateSavepoint failed: %v", err)
	}

	c.Insert(storage.Document{"id": 3})

	if err := db.RollbackToSavepoint(sp1); err != nil {
		t.Fatalf("RollbackToSavepoint failed: %v", err)
	}

	docs, err := c.Find(nil)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if len(docs) != 1 || storage.EncodeKeyPart(docs[0]["id"]) != "1" {
		t.Errorf("After rollback: %v, want only id 1", docs)
	}

	// Chronology: sp2 was created after sp1 and must be gone
	names := db.ListSavepoints()
	if len(names) != 1 || names[0] != "sp1" {
		t.Errorf("Savepoints after rollback = %v, want [sp1]", names)
	}

	if err := db.AbortTransaction(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if len(db.ListSavepoints()) != 0 {
		t.Error("Savepoints must be released on abort")
	}
}

func TestSavepointNameUniquePerTransaction(t *testing.T) {
	db := openMemoryDB(t)
	db.CreateCollection("x", nil)

	db.StartTransaction()
	defer db.AbortTransaction()

	if _, err := db.CreateSavepoint("dup"); err != nil {
		t.Fatalf("CreateSavepoint failed: %v", err)
	}
	if _, err := db.CreateSavepoint("dup"); !errors.Is(err, util.ErrSavepointDup) {
		t.Errorf("Duplicate name: got %v", err)
	}
}

func TestSavepointRequiresTransaction(t *testing.T) {
	db := openMemoryDB(t)

	if _, err := db.CreateSavepoint("sp"); !errors.Is(err, util.ErrNoActiveTxn) {
		t.Errorf("Savepoint outside transaction: got %v", err)
	}
	if err := db.RollbackToSavepoint("nope"); !errors.Is(err, util.ErrNoActiveTxn) {
		t.Errorf("Rollback outside transaction: got %v", err)
	}
}

func TestSavepointReleaseAndInfo(t *testing.T) {
	db := openMemoryDB(t)
	c, _ := db.CreateCollection("r", nil)
	c.Insert(storage.Document{"id": 1})

	db.StartTransaction()
	defer db.AbortTransaction()

	id, err := db.CreateSavepoint("keep")
	if err != nil {
		t.Fatalf("CreateSavepoint failed: %v", err)
	}

	info, err := db.SavepointInfo(id)
	if err != nil {
		t.Fatalf("SavepointInfo failed: %v", err)
	}
	if info.Name != "keep" || info.TimestampMS == 0 || info.TxnID == "" {
		t.Errorf("SavepointInfo = %+v", info)
	}

	if err := db.ReleaseSavepoint(id); err != nil {
		t.Fatalf("ReleaseSavepoint failed: %v", err)
	}
	if _, err := db.SavepointInfo(id); !errors.Is(err, util.ErrSavepoint) {
		t.Errorf("Info after release: got %v", err)
	}
	if err := db.RollbackToSavepoint(id); !errors.Is(err, util.ErrSavepoint) {
		t.Errorf("Rollback to released savepoint: got %v", err)
	}
}

func TestSavepointRestoresIndexes(t *testing.T) {
	db := openMemoryDB(t)
	c, _ := db.CreateCollection("idx", &CollectionOptions{
		Indexes: map[string]IndexDef{"email": {Key: "email", Unique: true}},
	})
	c.Insert(storage.Document{"id": 1, "email": "a@x"})

	db.StartTransaction()
	defer db.AbortTransaction()

	sp, _ := db.CreateSavepoint("before")
	c.RemoveWithID("1")
	c.Insert(storage.Document{"id": 2, "email": "a@x"}) // key freed by the remove

	if err := db.RollbackToSavepoint(sp); err != nil {
		t.Fatalf("RollbackToSavepoint failed: %v", err)
	}

	// Index state must match the restored documents again
	doc, err := c.FindFirstBy("email", "a@x")
	if err != nil {
		t.Fatalf("Index lookup after savepoint rollback failed: %v", err)
	}
	if storage.EncodeKeyPart(doc["id"]) != "1" {
		t.Errorf("Index points at %v, want id 1", doc["id"])
	}
	if _, err := c.Insert(storage.Document{"id": 3, "email": "a@x"}); !errors.Is(err, util.ErrUniqueViolation) {
		t.Errorf("Unique constraint lost after savepoint rollback: %v", err)
	}
	checkIndexIntegrity(t, c)
}
