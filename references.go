package bunstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kartikbazzad/bunstore/storage"
)

const (
	onDeleteRestrict = "restrict"
	onDeleteSetNull  = "set_null"
	onDeleteCascade  = "cascade"
)

// referenceAnnotation is the schema property key declaring a reference.
const referenceAnnotation = "x-bunstore-ref"

// ReferenceRule defines a schema-level reference from a source collection
// field to a target collection's primary key.
type ReferenceRule struct {
	SourceCollection string
	SourceField      string
	TargetCollection string
	OnDelete         string
}

// parseReferenceRules extracts reference annotations from a JSON schema's
// properties. Each annotation names a target collection and an on_delete
// policy (restrict, set_null, or cascade; set_null is the default).
func parseReferenceRules(sourceCollection, schemaText string) ([]ReferenceRule, error) {
	if schemaText == "" {
		return nil, nil
	}

	var root map[string]interface{}
	if err := json.Unmarshal([]byte(schemaText), &root); err != nil {
		return nil, fmt.Errorf("%w: schema is not valid JSON: %v", ErrInvalidReferenceSchema, err)
	}
	props, ok := root["properties"].(map[string]interface{})
	if !ok {
		return nil, nil
	}

	var ruleList []ReferenceRule
	for fieldName, defRaw := range props {
		defMap, ok := defRaw.(map[string]interface{})
		if !ok {
			continue
		}
		refRaw, hasRef := defMap[referenceAnnotation]
		if !hasRef {
			continue
		}

		refMap, ok := refRaw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: %s for field %s must be an object", ErrInvalidReferenceSchema, referenceAnnotation, fieldName)
		}
		targetCollection, ok := refMap["collection"].(string)
		if !ok || targetCollection == "" {
			return nil, fmt.Errorf("%w: %s.collection is required for field %s", ErrInvalidReferenceSchema, referenceAnnotation, fieldName)
		}

		onDelete := onDeleteSetNull
		if v, ok := refMap["on_delete"].(string); ok && v != "" {
			onDelete = v
		}
		switch onDelete {
		case onDeleteRestrict, onDeleteSetNull, onDeleteCascade:
		default:
			return nil, fmt.Errorf("%w: invalid on_delete %q for field %s", ErrInvalidReferenceSchema, onDelete, fieldName)
		}

		ruleList = append(ruleList, ReferenceRule{
			SourceCollection: sourceCollection,
			SourceField:      fieldName,
			TargetCollection: targetCollection,
			OnDelete:         onDelete,
		})
	}
	return ruleList, nil
}

// ReferenceRules returns the reference rules declared by the collection's
// schema.
func (tc *TypedCollection) ReferenceRules() ([]ReferenceRule, error) {
	return parseReferenceRules(tc.name, tc.schemaText)
}

// CheckReferences verifies that every reference field of doc points to an
// existing target document. Nil reference values are allowed.
func (tc *TypedCollection) CheckReferences(doc storage.Document) error {
	ruleList, err := tc.ReferenceRules()
	if err != nil {
		return err
	}

	for _, rule := range ruleList {
		v, ok := doc.Get(rule.SourceField)
		if !ok || v == nil {
			continue
		}
		target, err := normalizeReferenceValue(v)
		if err != nil {
			return fmt.Errorf("field %s: %w", rule.SourceField, err)
		}
		if target == "" {
			continue
		}

		targetColl, exists := tc.db.GetCollection(rule.TargetCollection)
		if !exists {
			return fmt.Errorf("%w: collection %s", ErrReferenceTargetNotFound, rule.TargetCollection)
		}
		if _, err := targetColl.FindByID(target); err != nil {
			return fmt.Errorf("%w: %s/%s", ErrReferenceTargetNotFound, rule.TargetCollection, target)
		}
	}
	return nil
}

// InsertChecked inserts after validating every declared reference.
func (tc *TypedCollection) InsertChecked(doc storage.Document) (string, error) {
	if err := tc.CheckReferences(doc); err != nil {
		return "", err
	}
	return tc.Insert(doc)
}

// RemoveChecked deletes a document after applying every inbound reference's
// on_delete policy: restrict refuses while references exist, set_null
// clears the referencing fields, cascade deletes the referencing documents.
func (tc *TypedCollection) RemoveChecked(id string) error {
	inbound, err := tc.db.inboundReferences(tc.name)
	if err != nil {
		return err
	}

	for _, rule := range inbound {
		sourceColl, ok := tc.db.GetCollection(rule.SourceCollection)
		if !ok {
			continue
		}
		if err := sourceColl.EnsureIndex(rule.SourceField); err != nil {
			return err
		}
		referencing, err := sourceColl.FindBy(rule.SourceField, id)
		if err != nil {
			return err
		}
		if len(referencing) == 0 {
			continue
		}

		switch rule.OnDelete {
		case onDeleteRestrict:
			return fmt.Errorf("%w: %s.%s still references %s", ErrReferenceRestrictViolation,
				rule.SourceCollection, rule.SourceField, id)
		case onDeleteSetNull:
			for _, doc := range referencing {
				pk := mustGetPK(doc, sourceColl.pkField)
				if _, err := sourceColl.UpdateWithID(pk, storage.Document{rule.SourceField: nil}); err != nil {
					return err
				}
			}
		case onDeleteCascade:
			for _, doc := range referencing {
				pk := mustGetPK(doc, sourceColl.pkField)
				if err := sourceColl.RemoveWithID(pk); err != nil {
					return err
				}
			}
		}
	}

	return tc.RemoveWithID(id)
}

// inboundReferences collects every reference rule across the database whose
// target is the given collection.
func (db *Database) inboundReferences(target string) ([]ReferenceRule, error) {
	var inbound []ReferenceRule
	for _, name := range db.manifest.ListCollections() {
		cfg, ok := db.manifest.GetCollection(name)
		if !ok || cfg.Schema == "" {
			continue
		}
		ruleList, err := parseReferenceRules(name, cfg.Schema)
		if err != nil {
			return nil, err
		}
		for _, rule := range ruleList {
			if rule.TargetCollection == target {
				inbound = append(inbound, rule)
			}
		}
	}
	return inbound, nil
}

func normalizeReferenceValue(v interface{}) (string, error) {
	switch typed := v.(type) {
	case string:
		if typed == "" {
			return "", errors.New("empty reference value")
		}
		return typed, nil
	case float64, float32, int, int64, int32, int16, int8, uint, uint64, uint32, uint16, uint8, bool:
		return fmt.Sprintf("%v", typed), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("reference field must be a scalar")
	}
}
