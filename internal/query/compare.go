package query

import (
	"encoding/json"
	"math"
	"math/big"
	"strings"
	"time"
)

// Type classes used for cross-type ordering, ascending:
// null < number < string < object < array < bool < date.
// Within a class, natural ordering applies.
const (
	classNull = iota
	classNumber
	classString
	classObject
	classArray
	classBool
	classDate
)

// TypeClass returns the ordering class of a value.
func TypeClass(v interface{}) int {
	switch v.(type) {
	case nil:
		return classNull
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, *big.Int:
		return classNumber
	case json.Number:
		return classNumber
	case string:
		return classString
	case bool:
		return classBool
	case time.Time:
		return classDate
	case []interface{}:
		return classArray
	case map[string]interface{}:
		return classObject
	default:
		// Unknown concrete types (e.g. named map/slice types) fall back to object
		return classObject
	}
}

// CompareValues returns -1 if a < b, 0 if equal, 1 if a > b.
// Values of different classes order by class. NaNs compare equal to each
// other and less than all other numbers.
func CompareValues(a, b interface{}) int {
	ca, cb := TypeClass(a), TypeClass(b)
	if ca != cb {
		if ca < cb {
			return -1
		}
		return 1
	}

	switch ca {
	case classNull:
		return 0
	case classNumber:
		return compareNumbers(a, b)
	case classString:
		return strings.Compare(a.(string), b.(string))
	case classBool:
		ba, bb := a.(bool), b.(bool)
		if ba == bb {
			return 0
		}
		if !ba {
			return -1
		}
		return 1
	case classDate:
		ta, tb := a.(time.Time), b.(time.Time)
		switch {
		case ta.Before(tb):
			return -1
		case ta.After(tb):
			return 1
		default:
			return 0
		}
	case classArray:
		aa, ba := a.([]interface{}), b.([]interface{})
		n := len(aa)
		if len(ba) < n {
			n = len(ba)
		}
		for i := 0; i < n; i++ {
			if c := CompareValues(aa[i], ba[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(aa) < len(ba):
			return -1
		case len(aa) > len(ba):
			return 1
		default:
			return 0
		}
	default:
		// Objects: compare the canonical JSON encoding. encoding/json sorts
		// map keys, so this is deterministic.
		ja, _ := json.Marshal(a)
		jb, _ := json.Marshal(b)
		return strings.Compare(string(ja), string(jb))
	}
}

func compareNumbers(a, b interface{}) int {
	fa, _ := ToFloat(a)
	fb, _ := ToFloat(b)

	aNaN := math.IsNaN(fa)
	bNaN := math.IsNaN(fb)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return -1
	case bNaN:
		return 1
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	default:
		return 0
	}
}

// DeepEqual reports structural equality: strict scalar equality, Dates by
// epoch, arrays pointwise, plain objects by identical key sets and values.
func DeepEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !DeepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			ov, exists := bv[k]
			if !exists || !DeepEqual(v, ov) {
				return false
			}
		}
		return true
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		if TypeClass(a) == classNumber && TypeClass(b) == classNumber {
			return compareNumbers(a, b) == 0
		}
		return a == b
	}
}

// ToFloat converts any numeric value to float64.
func ToFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case *big.Int:
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ToBigInt widens an integral value to a big integer. Floats qualify only if
// they carry no fractional part.
func ToBigInt(v interface{}) (*big.Int, bool) {
	switch n := v.(type) {
	case *big.Int:
		return n, true
	case int:
		return big.NewInt(int64(n)), true
	case int8:
		return big.NewInt(int64(n)), true
	case int16:
		return big.NewInt(int64(n)), true
	case int32:
		return big.NewInt(int64(n)), true
	case int64:
		return big.NewInt(n), true
	case uint:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint8:
		return big.NewInt(int64(n)), true
	case uint16:
		return big.NewInt(int64(n)), true
	case uint32:
		return big.NewInt(int64(n)), true
	case uint64:
		return new(big.Int).SetUint64(n), true
	case float32:
		return floatToBigInt(float64(n))
	case float64:
		return floatToBigInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return big.NewInt(i), true
		}
		if f, err := n.Float64(); err == nil {
			return floatToBigInt(f)
		}
	}
	return nil, false
}

func floatToBigInt(f float64) (*big.Int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil, false
	}
	bi, _ := new(big.Float).SetFloat64(f).Int(nil)
	return bi, true
}

// Resolve walks a dotted field path through nested mappings. A segment that
// does not match a key yields (nil, false); the parent predicate then
// evaluates against undefined.
func Resolve(doc map[string]interface{}, path string) (interface{}, bool) {
	if doc == nil {
		return nil, false
	}
	if !strings.Contains(path, ".") {
		v, ok := doc[path]
		return v, ok
	}

	var current interface{} = doc
	for {
		seg := path
		rest := ""
		if i := strings.IndexByte(path, '.'); i >= 0 {
			seg, rest = path[:i], path[i+1:]
		}

		m, ok := asMap(current)
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

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	default:
		return nil, false
	}
}
