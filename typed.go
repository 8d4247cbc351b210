package bunstore

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kartikbazzad/bunstore/internal/query"
	"github.com/kartikbazzad/bunstore/internal/util"
	"github.com/kartikbazzad/bunstore/rules"
	"github.com/kartikbazzad/bunstore/storage"
)

// TypedCollection layers JSON-schema validation, update operators, and
// access rules over a core Collection. The core never names a schema
// library; this wrapper owns the gojsonschema binding through the Validator
// capability.
type TypedCollection struct {
	*Collection
	schemaText string
}

// Typed wraps a collection and records the manifest's schema text (when
// present). The validator for that schema was already installed when the
// collection was opened.
func (db *Database) Typed(name string) (*TypedCollection, error) {
	coll, err := db.Collection(name)
	if err != nil {
		return nil, err
	}

	tc := &TypedCollection{Collection: coll}
	if cfg, ok := db.manifest.GetCollection(name); ok && cfg.Schema != "" {
		tc.schemaText = cfg.Schema
	}
	return tc, nil
}

// jsonSchemaValidator adapts gojsonschema to the core's Validator
// capability.
type jsonSchemaValidator struct {
	schema *gojsonschema.Schema
}

func (v *jsonSchemaValidator) Validate(doc storage.Document) ValidationResult {
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return ValidationResult{OK: false, Errors: []string{err.Error()}}
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return ValidationResult{OK: false, Errors: errs}
	}
	return ValidationResult{OK: true, Data: doc}
}

// applySchemaValidator compiles schema text and installs it on the
// collection.
func applySchemaValidator(c *Collection, schemaText string) error {
	if schemaText == "" {
		c.SetValidator(nil)
		return nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaText))
	if err != nil {
		return fmt.Errorf("invalid json schema: %w", err)
	}
	c.SetValidator(&jsonSchemaValidator{schema: schema})
	return nil
}

// SetSchema compiles and installs a JSON schema, persisting it to the
// manifest. An empty schema clears validation; setting an equivalent
// schema again is a no-op.
func (tc *TypedCollection) SetSchema(schemaText string) error {
	if tc.schemaText != "" && schemaText != "" {
		if same, err := SchemaEqual(tc.schemaText, schemaText); err == nil && same {
			return nil
		}
	}
	if err := applySchemaValidator(tc.Collection, schemaText); err != nil {
		return err
	}
	tc.schemaText = schemaText
	return tc.db.manifest.UpdateCollectionSchema(tc.name, schemaText)
}

// GetSchema returns the current schema text.
func (tc *TypedCollection) GetSchema() string { return tc.schemaText }

// SetRules stores the collection's access rules (operation -> CEL
// expression) in the manifest.
func (tc *TypedCollection) SetRules(ruleMap map[string]string) error {
	return tc.db.manifest.UpdateCollectionRules(tc.name, ruleMap)
}

// GetRules returns the collection's access rules.
func (tc *TypedCollection) GetRules() map[string]string {
	cfg, ok := tc.db.manifest.GetCollection(tc.name)
	if !ok {
		return nil
	}
	return cfg.Rules
}

// evaluateRule checks whether the operation is allowed for the caller.
// Admins bypass rules; collections without rules default to allow.
func (tc *TypedCollection) evaluateRule(op string, auth *rules.AuthContext, resource storage.Document) error {
	if auth != nil && auth.IsAdmin {
		return nil
	}

	ruleMap := tc.GetRules()
	if len(ruleMap) == 0 {
		return nil
	}

	rule, ok := ruleMap[op]
	if !ok {
		// create/update/delete fall back to a generic write rule
		if op == "create" || op == "update" || op == "delete" {
			rule, ok = ruleMap["write"]
		}
	}
	if !ok {
		return nil
	}

	allowed, err := tc.db.RulesEngine.EvaluateOp(rule, auth, map[string]interface{}(resource))
	if err != nil {
		return fmt.Errorf("rule evaluation error: %w", err)
	}
	if !allowed {
		return fmt.Errorf("permission denied: rule '%s' failed", op)
	}
	return nil
}

// InsertAs inserts a document on behalf of an authenticated caller,
// enforcing the collection's create rule first.
func (tc *TypedCollection) InsertAs(auth *rules.AuthContext, doc storage.Document) (string, error) {
	if err := tc.evaluateRule("create", auth, doc); err != nil {
		return "", err
	}
	return tc.Insert(doc)
}

// FindByIDAs reads a document on behalf of an authenticated caller,
// enforcing the read rule against the resource.
func (tc *TypedCollection) FindByIDAs(auth *rules.AuthContext, id string) (storage.Document, error) {
	doc, err := tc.FindByID(id)
	if err != nil {
		return nil, err
	}
	if err := tc.evaluateRule("read", auth, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// RemoveWithIDAs deletes a document on behalf of an authenticated caller.
func (tc *TypedCollection) RemoveWithIDAs(auth *rules.AuthContext, id string) error {
	doc, err := tc.FindByID(id)
	if err != nil {
		return err
	}
	if err := tc.evaluateRule("delete", auth, doc); err != nil {
		return err
	}
	return tc.RemoveWithID(id)
}

// ListAs lists documents on behalf of an authenticated caller, enforcing
// the list rule once for the whole query.
func (tc *TypedCollection) ListAs(auth *rules.AuthContext, q map[string]interface{}, opts ...QueryOptions) ([]storage.Document, error) {
	if err := tc.evaluateRule("list", auth, nil); err != nil {
		return nil, err
	}
	return tc.Find(q, opts...)
}

// UpdateByID applies a MongoDB-style update document ($set, $inc, ...) to
// one document. A document without any $-operator is deep-merged: nested
// objects merge recursively, every other field is replaced.
func (tc *TypedCollection) UpdateByID(id string, update map[string]interface{}) (storage.Document, error) {
	old, err := tc.FindByID(id)
	if err != nil {
		return nil, err
	}

	next, err := ApplyUpdateOperators(old, update)
	if err != nil {
		return nil, err
	}
	next.Set(tc.pkField, mustGetPK(old, tc.pkField))

	if err := tc.Save(next); err != nil {
		return nil, err
	}
	return next, nil
}

// UpdateManyWhere applies an update document to every match of a query.
func (tc *TypedCollection) UpdateManyWhere(q map[string]interface{}, update map[string]interface{}) (int, error) {
	docs, err := tc.Find(q)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, doc := range docs {
		pk := mustGetPK(doc, tc.pkField)
		if _, err := tc.UpdateByID(pk, update); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// ApplyUpdateOperators interprets a MongoDB-style update document against a
// copy of doc and returns the result. Supported operators: $set, $unset,
// $inc, $mul, $min, $max, $rename, $push, $pull, $pop, $addToSet.
func ApplyUpdateOperators(doc storage.Document, update map[string]interface{}) (storage.Document, error) {
	out := doc.Clone()

	hasOperator := false
	for k := range update {
		if len(k) > 0 && k[0] == '$' {
			hasOperator = true
			break
		}
	}
	if !hasOperator {
		// Plain document: merge fields
		return storage.DeepMerge(out, update), nil
	}

	for op, rawArgs := range update {
		args, ok := rawArgs.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: %s takes an object", util.ErrOperatorMisuse, op)
		}
		for path, arg := range args {
			if err := applyUpdateOp(out, op, path, arg); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func applyUpdateOp(doc storage.Document, op, path string, arg interface{}) error {
	switch op {
	case "$set":
		doc.Set(path, arg)

	case "$unset":
		doc.Unset(path)

	case "$inc", "$mul":
		delta, ok := query.ToFloat(arg)
		if !ok {
			return fmt.Errorf("%w: %s takes a number", util.ErrOperatorMisuse, op)
		}
		current := 0.0
		if v, ok := doc.Get(path); ok {
			if f, ok := query.ToFloat(v); ok {
				current = f
			} else {
				return fmt.Errorf("%w: %s target %s is not numeric", util.ErrOperatorMisuse, op, path)
			}
		} else if op == "$mul" {
			current = 0
		}
		if op == "$inc" {
			doc.Set(path, current+delta)
		} else {
			doc.Set(path, current*delta)
		}

	case "$min", "$max":
		v, ok := doc.Get(path)
		if !ok {
			doc.Set(path, arg)
			return nil
		}
		cmp := query.CompareValues(arg, v)
		if (op == "$min" && cmp < 0) || (op == "$max" && cmp > 0) {
			doc.Set(path, arg)
		}

	case "$rename":
		newPath, ok := arg.(string)
		if !ok {
			return fmt.Errorf("%w: $rename takes a string", util.ErrOperatorMisuse)
		}
		if v, ok := doc.Get(path); ok {
			doc.Unset(path)
			doc.Set(newPath, v)
		}

	case "$push":
		arr := arrayAt(doc, path)
		doc.Set(path, append(arr, arg))

	case "$addToSet":
		arr := arrayAt(doc, path)
		for _, existing := range arr {
			if query.DeepEqual(existing, arg) {
				return nil
			}
		}
		doc.Set(path, append(arr, arg))

	case "$pull":
		arr := arrayAt(doc, path)
		kept := make([]interface{}, 0, len(arr))
		for _, existing := range arr {
			if !query.DeepEqual(existing, arg) {
				kept = append(kept, existing)
			}
		}
		doc.Set(path, kept)

	case "$pop":
		dir, ok := query.ToFloat(arg)
		if !ok || (dir != 1 && dir != -1) {
			return fmt.Errorf("%w: $pop takes 1 or -1", util.ErrOperatorMisuse)
		}
		arr := arrayAt(doc, path)
		if len(arr) == 0 {
			return nil
		}
		if dir == 1 {
			doc.Set(path, arr[:len(arr)-1])
		} else {
			doc.Set(path, arr[1:])
		}

	default:
		return fmt.Errorf("%w: unknown update operator %s", util.ErrOperatorMisuse, op)
	}
	return nil
}

func arrayAt(doc storage.Document, path string) []interface{} {
	if v, ok := doc.Get(path); ok {
		if arr, ok := v.([]interface{}); ok {
			return arr
		}
	}
	return nil
}
