package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Document represents a schema-less JSON document in the database
type Document map[string]interface{}

// Serialize converts a document to JSON bytes
func (d Document) Serialize() ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	encoder := json.NewEncoder(buf)
	if err := encoder.Encode(d); err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}

	// Trim the trailing newline added by Encode and copy out of the pooled
	// buffer before it is reused.
	b := buf.Bytes()
	if len(b) > 0 && b[len(b)-1] == '\n' {
		b = b[:len(b)-1]
	}
	result := make([]byte, len(b))
	copy(result, b)

	return result, nil
}

// DeserializeDocument creates a document from JSON bytes
func DeserializeDocument(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to deserialize document: %w", err)
	}
	return d, nil
}

// Get resolves a dotted field path through nested mappings. A segment that
// does not match a key yields (nil, false).
func (d Document) Get(path string) (interface{}, bool) {
	if d == nil {
		return nil, false
	}
	if !strings.Contains(path, ".") {
		v, ok := d[path]
		return v, ok
	}

	var current interface{} = map[string]interface{}(d)
	for {
		seg := path
		rest := ""
		if i := strings.IndexByte(path, '.'); i >= 0 {
			seg, rest = path[:i], path[i+1:]
		}

		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, exists := m[seg]
		if !exists {
			return nil, false
		}
		if rest == "" {
			return v, true
		}
		current = v
		path = rest
	}
}

// Set assigns a value at a dotted field path, creating intermediate objects
// as needed.
func (d Document) Set(path string, value interface{}) {
	parts := strings.Split(path, ".")
	current := map[string]interface{}(d)
	for _, seg := range parts[:len(parts)-1] {
		next, ok := current[seg].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[seg] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// Unset removes the value at a dotted field path. Missing intermediate
// segments are a no-op.
func (d Document) Unset(path string) {
	parts := strings.Split(path, ".")
	current := map[string]interface{}(d)
	for _, seg := range parts[:len(parts)-1] {
		next, ok := current[seg].(map[string]interface{})
		if !ok {
			return
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
}

// Clone creates a deep copy of the document. Nested objects are kept as
// plain maps so path resolution behaves identically on copies.
func (d Document) Clone() Document {
	clone := make(Document, len(d))
	for k, v := range d {
		clone[k] = deepCopyValue(v)
	}
	return clone
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case Document:
		return map[string]interface{}(val.Clone())
	case map[string]interface{}:
		return map[string]interface{}(Document(val).Clone())
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i, item := range val {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		// Primitives (string, number, bool) are immutable or copied by value
		return val
	}
}

// DeepMerge merges src into a copy of dst. Nested objects merge recursively;
// everything else (including arrays) is replaced wholesale.
func DeepMerge(dst, src Document) Document {
	out := dst.Clone()
	for k, v := range src {
		existing, ok := out[k].(map[string]interface{})
		incoming, isMap := v.(map[string]interface{})
		if ok && isMap {
			out[k] = map[string]interface{}(DeepMerge(existing, incoming))
			continue
		}
		out[k] = deepCopyValue(v)
	}
	return out
}

// ApplyPatch assigns each patch entry onto the document. Keys may use dot
// notation to address nested fields.
func (d Document) ApplyPatch(patch map[string]interface{}) error {
	for path, v := range patch {
		d.Set(path, deepCopyValue(v))
	}
	return nil
}

// Size returns the approximate size of the document in bytes
func (d Document) Size() int {
	data, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return len(data)
}
