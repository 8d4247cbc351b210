package bunstore

import (
	"errors"
	"testing"

	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/rules"
	"github.com/kartikbazzad/bunstore/security"
	"github.com/kartikbazzad/bunstore/storage"
)

const userSchema = `{
	"type": "object",
	"required": ["name"],
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "number", "minimum": 0}
	}
}`

func TestSchemaValidation(t *testing.T) {
	db := openMemoryDB(t)

	tc, err := db.Typed("people")
	if err != nil {
		t.Fatalf("Typed failed: %v", err)
	}
	if err := tc.SetSchema(userSchema); err != nil {
		t.Fatalf("SetSchema failed: %v", err)
	}

	if _, err := tc.Insert(storage.Document{"id": 1, "name": "Ada", "age": 36}); err != nil {
		t.Fatalf("Valid document rejected: %v", err)
	}
	if _, err := tc.Insert(storage.Document{"id": 2, "age": 5}); !errors.Is(err, util.ErrValidationFailed) {
		t.Errorf("Missing required field: got %v", err)
	}
	if _, err := tc.Insert(storage.Document{"id": 3, "name": "Bob", "age": -1}); !errors.Is(err, util.ErrValidationFailed) {
		t.Errorf("Constraint violation: got %v", err)
	}
	// Rejected documents leave no state
	if tc.Count() != 1 {
		t.Errorf("Count = %d, want 1", tc.Count())
	}

	// Clearing the schema disables validation
	if err := tc.SetSchema(""); err != nil {
		t.Fatalf("Clearing schema failed: %v", err)
	}
	if _, err := tc.Insert(storage.Document{"id": 4}); err != nil {
		t.Errorf("Insert after clearing schema failed: %v", err)
	}

	if err := tc.SetSchema(`{"type":`); err == nil {
		t.Error("Malformed schema should be rejected")
	}
}

func TestSchemaPersistsInManifest(t *testing.T) {
	db := openMemoryDB(t)

	tc, _ := db.Typed("people")
	tc.SetSchema(userSchema)

	cfg, ok := db.manifest.GetCollection("people")
	if !ok || cfg.Schema == "" {
		t.Error("Schema should be stored in the manifest")
	}

	// Setting an equivalent schema (different whitespace) is a no-op
	if err := tc.SetSchema("\n" + userSchema + "\n"); err != nil {
		t.Errorf("Equivalent schema rejected: %v", err)
	}
}

func TestUpdateOperators(t *testing.T) {
	base := storage.Document{
		"n":    10,
		"name": "old",
		"tags": []interface{}{"a", "b"},
		"meta": map[string]interface{}{"x": 1},
	}

	cases := []struct {
		name   string
		update map[string]interface{}
		check  func(t *testing.T, doc storage.Document)
	}{
		{"set", map[string]interface{}{"$set": map[string]interface{}{"name": "new", "meta.y": 2}},
			func(t *testing.T, doc storage.Document) {
				if doc["name"] != "new" {
					t.Errorf("name = %v", doc["name"])
				}
				if v, _ := doc.Get("meta.y"); v != 2 {
					t.Errorf("meta.y = %v", v)
				}
			}},
		{"unset", map[string]interface{}{"$unset": map[string]interface{}{"name": ""}},
			func(t *testing.T, doc storage.Document) {
				if _, ok := doc["name"]; ok {
					t.Error("name should be removed")
				}
			}},
		{"inc", map[string]interface{}{"$inc": map[string]interface{}{"n": 5}},
			func(t *testing.T, doc storage.Document) {
				if doc["n"] != 15.0 {
					t.Errorf("n = %v", doc["n"])
				}
			}},
		{"mul", map[string]interface{}{"$mul": map[string]interface{}{"n": 3}},
			func(t *testing.T, doc storage.Document) {
				if doc["n"] != 30.0 {
					t.Errorf("n = %v", doc["n"])
				}
			}},
		{"min keeps smaller", map[string]interface{}{"$min": map[string]interface{}{"n": 20}},
			func(t *testing.T, doc storage.Document) {
				if doc["n"] != 10 {
					t.Errorf("n = %v", doc["n"])
				}
			}},
		{"max replaces", map[string]interface{}{"$max": map[string]interface{}{"n": 20}},
			func(t *testing.T, doc storage.Document) {
				if doc["n"] != 20 {
					t.Errorf("n = %v", doc["n"])
				}
			}},
		{"rename", map[string]interface{}{"$rename": map[string]interface{}{"name": "title"}},
			func(t *testing.T, doc storage.Document) {
				if doc["title"] != "old" {
					t.Errorf("title = %v", doc["title"])
				}
				if _, ok := doc["name"]; ok {
					t.Error("name should be gone")
				}
			}},
		{"push", map[string]interface{}{"$push": map[string]interface{}{"tags": "c"}},
			func(t *testing.T, doc storage.Document) {
				arr := doc["tags"].([]interface{})
				if len(arr) != 3 || arr[2] != "c" {
					t.Errorf("tags = %v", arr)
				}
			}},
		{"addToSet dedupes", map[string]interface{}{"$addToSet": map[string]interface{}{"tags": "a"}},
			func(t *testing.T, doc storage.Document) {
				if len(doc["tags"].([]interface{})) != 2 {
					t.Errorf("tags = %v", doc["tags"])
				}
			}},
		{"pull", map[string]interface{}{"$pull": map[string]interface{}{"tags": "a"}},
			func(t *testing.T, doc storage.Document) {
				arr := doc["tags"].([]interface{})
				if len(arr) != 1 || arr[0] != "b" {
					t.Errorf("tags = %v", arr)
				}
			}},
		{"pop tail", map[string]interface{}{"$pop": map[string]interface{}{"tags": 1}},
			func(t *testing.T, doc storage.Document) {
				arr := doc["tags"].([]interface{})
				if len(arr) != 1 || arr[0] != "a" {
					t.Errorf("tags = %v", arr)
				}
			}},
		{"pop head", map[string]interface{}{"$pop": map[string]interface{}{"tags": -1}},
			func(t *testing.T, doc storage.Document) {
				arr := doc["tags"].([]interface{})
				if len(arr) != 1 || arr[0] != "b" {
					t.Errorf("tags = %v", arr)
				}
			}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := ApplyUpdateOperators(base, tc.update)
			if err != nil {
				t.Fatalf("ApplyUpdateOperators failed: %v", err)
			}
			tc.check(t, out)
			// The source document is never mutated
			if base["n"] != 10 || base["name"] != "old" || len(base["tags"].([]interface{})) != 2 {
				t.Error("Update mutated the source document")
			}
		})
	}
}

func TestUpdateOperatorErrors(t *testing.T) {
	base := storage.Document{"s": "text"}

	cases := []map[string]interface{}{
		{"$inc": map[string]interface{}{"s": 1}},                // non-numeric target
		{"$inc": "oops"},                                        // wrong shape
		{"$pop": map[string]interface{}{"s": 2}},                // invalid direction
		{"$frobnicate": map[string]interface{}{"s": 1}},         // unknown operator
		{"$rename": map[string]interface{}{"s": 7}},             // non-string target
	}
	for _, update := range cases {
		if _, err := ApplyUpdateOperators(base, update); !errors.Is(err, util.ErrOperatorMisuse) {
			t.Errorf("ApplyUpdateOperators(%v) = %v, want operator misuse", update, err)
		}
	}
}

func TestUpdateByIDThroughIndexes(t *testing.T) {
	db := openMemoryDB(t)

	tc, _ := db.Typed("players")
	tc.CreateIndex("score", storage.IndexDef{Key: "score"})
	tc.Insert(storage.Document{"id": 1, "score": 10})

	doc, err := tc.UpdateByID("1", map[string]interface{}{"$inc": map[string]interface{}{"score": 5}})
	if err != nil {
		t.Fatalf("UpdateByID failed: %v", err)
	}
	if doc["score"] != 15.0 {
		t.Errorf("score = %v", doc["score"])
	}

	// Index maintenance followed the operator update
	docs, err := tc.FindBy("score", 15.0)
	if err != nil || len(docs) != 1 {
		t.Errorf("Index lookup after operator update: %v (%d)", err, len(docs))
	}
	if docs2, _ := tc.FindBy("score", 10); len(docs2) != 0 {
		t.Error("Old index key survived the operator update")
	}
}

func TestAccessRules(t *testing.T) {
	db := openMemoryDB(t)

	tc, _ := db.Typed("notes")
	if err := tc.SetRules(map[string]string{
		"create": "request.auth != null",
		"read":   "true",
		"delete": "false",
	}); err != nil {
		t.Fatalf("SetRules failed: %v", err)
	}

	// Unauthenticated create is denied
	if _, err := tc.InsertAs(nil, storage.Document{"id": 1}); err == nil {
		t.Error("Unauthenticated insert should be denied")
	}

	auth := &rules.AuthContext{UID: "u1"}
	if _, err := tc.InsertAs(auth, storage.Document{"id": 1}); err != nil {
		t.Fatalf("Authenticated insert denied: %v", err)
	}

	if _, err := tc.FindByIDAs(nil, "1"); err != nil {
		t.Errorf("Read with a true rule denied: %v", err)
	}

	if err := tc.RemoveWithIDAs(auth, "1"); err == nil {
		t.Error("Delete with a false rule should be denied")
	}

	// Admins bypass rules entirely
	admin := &rules.AuthContext{UID: "root", IsAdmin: true}
	if err := tc.RemoveWithIDAs(admin, "1"); err != nil {
		t.Errorf("Admin delete denied: %v", err)
	}
}

func TestWriteRuleFallback(t *testing.T) {
	db := openMemoryDB(t)

	tc, _ := db.Typed("wiki")
	tc.SetRules(map[string]string{"write": "request.auth != null"})

	if _, err := tc.InsertAs(nil, storage.Document{"id": 1}); err == nil {
		t.Error("create should fall back to the write rule")
	}
	if _, err := tc.InsertAs(&rules.AuthContext{UID: "u"}, storage.Document{"id": 1}); err != nil {
		t.Errorf("Authenticated write denied: %v", err)
	}
}

func TestUserManagerOverCollection(t *testing.T) {
	db := openMemoryDB(t)

	if err := db.Security.CreateUser("alice", "s3cret", []security.Role{security.RoleReadWrite}); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	user, err := db.Security.Authenticate("alice", "s3cret")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if user.Username != "alice" {
		t.Errorf("Username = %s", user.Username)
	}

	if _, err := db.Security.Authenticate("alice", "wrong"); err == nil {
		t.Error("Wrong password should fail")
	}

	// Users live in an ordinary collection
	coll, ok := db.GetCollection(usersCollection)
	if !ok || coll.Count() != 1 {
		t.Error("User should be stored in the internal collection")
	}

	if err := db.Security.DeleteUser("alice"); err != nil {
		t.Fatalf("DeleteUser failed: %v", err)
	}
	if _, err := db.Security.GetUser("alice"); err == nil {
		t.Error("Deleted user still present")
	}
}
