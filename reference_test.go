package bunstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/kartikbazzad/bunstore/storage"
)

func postsSchema(onDelete string) string {
	return fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"author": {
				"type": ["string", "null"],
				"x-bunstore-ref": {"collection": "authors", "on_delete": %q}
			}
		}
	}`, onDelete)
}

func setupReferenceFixture(t *testing.T, onDelete string) (*Database, *TypedCollection, *TypedCollection) {
	t.Helper()
	db := openMemoryDB(t)

	authors, err := db.Typed("authors")
	if err != nil {
		t.Fatalf("Typed failed: %v", err)
	}
	posts, err := db.Typed("posts")
	if err != nil {
		t.Fatalf("Typed failed: %v", err)
	}
	if err := posts.SetSchema(postsSchema(onDelete)); err != nil {
		t.Fatalf("SetSchema failed: %v", err)
	}

	if _, err := authors.Insert(storage.Document{"id": "a1", "name": "Ada"}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	return db, authors, posts
}

func TestReferenceInsertChecked(t *testing.T) {
	_, _, posts := setupReferenceFixture(t, "set_null")

	if _, err := posts.InsertChecked(storage.Document{"id": "p1", "author": "a1"}); err != nil {
		t.Fatalf("Valid reference rejected: %v", err)
	}
	if _, err := posts.InsertChecked(storage.Document{"id": "p2", "author": "ghost"}); !errors.Is(err, ErrReferenceTargetNotFound) {
		t.Errorf("Dangling reference: got %v", err)
	}
	// Documents without the reference field pass
	if _, err := posts.InsertChecked(storage.Document{"id": "p3"}); err != nil {
		t.Errorf("Unreferenced document rejected: %v", err)
	}
}

func TestReferenceOnDeleteRestrict(t *testing.T) {
	_, authors, posts := setupReferenceFixture(t, "restrict")
	posts.InsertChecked(storage.Document{"id": "p1", "author": "a1"})

	if err := authors.RemoveChecked("a1"); !errors.Is(err, ErrReferenceRestrictViolation) {
		t.Fatalf("Restrict: got %v", err)
	}
	// Target survives the refused delete
	if _, err := authors.FindByID("a1"); err != nil {
		t.Error("Restricted target was deleted")
	}

	// After the referencing post goes away, the delete succeeds
	posts.RemoveWithID("p1")
	if err := authors.RemoveChecked("a1"); err != nil {
		t.Errorf("Delete after clearing references failed: %v", err)
	}
}

func TestReferenceOnDeleteSetNull(t *testing.T) {
	_, authors, posts := setupReferenceFixture(t, "set_null")
	posts.InsertChecked(storage.Document{"id": "p1", "author": "a1"})

	if err := authors.RemoveChecked("a1"); err != nil {
		t.Fatalf("RemoveChecked failed: %v", err)
	}

	doc, err := posts.FindByID("p1")
	if err != nil {
		t.Fatalf("Referencing post disappeared: %v", err)
	}
	if doc["author"] != nil {
		t.Errorf("author = %v, want nil", doc["author"])
	}
}

func TestReferenceOnDeleteCascade(t *testing.T) {
	_, authors, posts := setupReferenceFixture(t, "cascade")
	posts.InsertChecked(storage.Document{"id": "p1", "author": "a1"})
	posts.InsertChecked(storage.Document{"id": "p2", "author": "a1"})
	posts.InsertChecked(storage.Document{"id": "p3"})

	if err := authors.RemoveChecked("a1"); err != nil {
		t.Fatalf("RemoveChecked failed: %v", err)
	}

	if _, err := posts.FindByID("p1"); err == nil {
		t.Error("Cascade should delete referencing posts")
	}
	if _, err := posts.FindByID("p3"); err != nil {
		t.Error("Unreferencing post must survive the cascade")
	}
}

func TestReferenceSchemaValidation(t *testing.T) {
	db := openMemoryDB(t)
	posts, _ := db.Typed("posts")

	bad := `{
		"type": "object",
		"properties": {
			"author": {"x-bunstore-ref": {"collection": "authors", "on_delete": "explode"}}
		}
	}`
	if err := posts.SetSchema(bad); err != nil {
		t.Fatalf("SetSchema failed: %v", err)
	}
	if _, err := posts.ReferenceRules(); !errors.Is(err, ErrInvalidReferenceSchema) {
		t.Errorf("Invalid on_delete: got %v", err)
	}
}
