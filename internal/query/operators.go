package query

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/kartikbazzad/bunstore/internal/util"
)

// Condition evaluates a single operator against a resolved field value.
// found reports whether the field path resolved to a defined value.
type Condition struct {
	fn func(v interface{}, found bool) bool

	// arrayAware conditions receive array values whole; all others are
	// applied per-element with OR semantics when the value is an array.
	arrayAware bool
}

// evalCondition applies a condition to a value with array semantics.
func evalCondition(c Condition, v interface{}, found bool) bool {
	if c.arrayAware {
		return c.fn(v, found)
	}
	if arr, ok := v.([]interface{}); ok {
		if c.fn(v, found) {
			return true
		}
		for _, elem := range arr {
			if c.fn(elem, true) {
				return true
			}
		}
		return false
	}
	return c.fn(v, found)
}

// buildConditions converts the right-hand side of a field query into
// conditions. A plain value is an implicit $eq; a map of $-operators yields
// one condition per operator.
func buildConditions(arg interface{}, e *Engine) ([]Condition, error) {
	opMap, ok := arg.(map[string]interface{})
	if !ok || !isOperatorMap(opMap) {
		return []Condition{eqCondition(arg)}, nil
	}

	conds := make([]Condition, 0, len(opMap))
	var regexOptions string
	if raw, has := opMap["$options"]; has {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: $options must be a string", util.ErrOperatorMisuse)
		}
		regexOptions = s
	}

	for op, opArg := range opMap {
		if op == "$options" {
			if _, has := opMap["$regex"]; !has {
				return nil, fmt.Errorf("%w: $options requires $regex", util.ErrOperatorMisuse)
			}
			continue
		}
		cond, err := makeCondition(op, opArg, regexOptions, e)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	}
	return conds, nil
}

func isOperatorMap(m map[string]interface{}) bool {
	for k := range m {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func makeCondition(op string, arg interface{}, regexOptions string, e *Engine) (Condition, error) {
	switch op {
	case "$eq":
		return eqCondition(arg), nil
	case "$ne":
		eq := eqCondition(arg)
		return Condition{arrayAware: true, fn: func(v interface{}, found bool) bool {
			return !evalCondition(eq, v, found)
		}}, nil
	case "$gt":
		return orderCondition(arg, func(c int) bool { return c > 0 }), nil
	case "$gte":
		return orderCondition(arg, func(c int) bool { return c >= 0 }), nil
	case "$lt":
		return orderCondition(arg, func(c int) bool { return c < 0 }), nil
	case "$lte":
		return orderCondition(arg, func(c int) bool { return c <= 0 }), nil
	case "$in":
		return inCondition(arg)
	case "$nin":
		in, err := inCondition(arg)
		if err != nil {
			return Condition{}, err
		}
		return Condition{arrayAware: true, fn: func(v interface{}, found bool) bool {
			return !in.fn(v, found)
		}}, nil
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			return Condition{}, fmt.Errorf("%w: $exists takes a boolean", util.ErrOperatorMisuse)
		}
		return Condition{arrayAware: true, fn: func(_ interface{}, found bool) bool {
			return found == want
		}}, nil
	case "$type":
		return typeCondition(arg)
	case "$all":
		return allCondition(arg)
	case "$elemMatch":
		return elemMatchCondition(arg, e)
	case "$size":
		return sizeCondition(arg)
	case "$mod":
		return modCondition(arg)
	case "$regex":
		return regexCondition(arg, regexOptions)
	case "$not":
		return notCondition(arg, e)
	case "$bitsAllSet", "$bitsAnySet", "$bitsAllClear", "$bitsAnyClear":
		return bitsCondition(op, arg)
	case "$text":
		return textCondition(arg)
	default:
		return Condition{}, fmt.Errorf("%w: unknown operator %s", util.ErrQueryCompile, op)
	}
}

func eqCondition(expected interface{}) Condition {
	return Condition{fn: func(v interface{}, found bool) bool {
		if expected == nil {
			// null matches both explicit null and missing fields
			return !found || v == nil
		}
		return found && DeepEqual(v, expected)
	}}
}

func orderCondition(expected interface{}, accept func(int) bool) Condition {
	expectedClass := TypeClass(expected)
	return Condition{fn: func(v interface{}, found bool) bool {
		if !found {
			return false
		}
		// Ordering comparisons only apply within a type class
		if TypeClass(v) != expectedClass {
			return false
		}
		return accept(CompareValues(v, expected))
	}}
}

func inCondition(arg interface{}) (Condition, error) {
	list, ok := arg.([]interface{})
	if !ok {
		return Condition{}, fmt.Errorf("%w: $in takes an array", util.ErrOperatorMisuse)
	}
	// Regex elements in the list match string values
	regexes := make([]*regexp.Regexp, 0)
	literals := make([]interface{}, 0, len(list))
	for _, elem := range list {
		if re, ok := elem.(*regexp.Regexp); ok {
			regexes = append(regexes, re)
			continue
		}
		literals = append(literals, elem)
	}

	matchOne := func(v interface{}, found bool) bool {
		for _, lit := range literals {
			if lit == nil {
				if !found || v == nil {
					return true
				}
				continue
			}
			if found && DeepEqual(v, lit) {
				return true
			}
		}
		if s, ok := v.(string); ok && found {
			for _, re := range regexes {
				if re.MatchString(s) {
					return true
				}
			}
		}
		return false
	}

	return Condition{arrayAware: true, fn: func(v interface{}, found bool) bool {
		if matchOne(v, found) {
			return true
		}
		if arr, ok := v.([]interface{}); ok {
			for _, elem := range arr {
				if matchOne(elem, true) {
					return true
				}
			}
		}
		return false
	}}, nil
}

var typeNames = map[string]int{
	"null": classNull, "number": classNumber, "double": classNumber,
	"int": classNumber, "long": classNumber, "decimal": classNumber,
	"string": classString, "object": classObject, "array": classArray,
	"bool": classBool, "date": classDate,
}

var typeCodes = map[int]int{
	1: classNumber, 2: classString, 3: classObject, 4: classArray,
	8: classBool, 9: classDate, 10: classNull, 16: classNumber,
	18: classNumber, 19: classNumber,
}

func typeCondition(arg interface{}) (Condition, error) {
	specs := []interface{}{arg}
	if list, ok := arg.([]interface{}); ok {
		specs = list
	}

	classes := make(map[int]bool, len(specs))
	for _, spec := range specs {
		switch s := spec.(type) {
		case string:
			cls, ok := typeNames[s]
			if !ok {
				return Condition{}, fmt.Errorf("%w: unknown type name %q", util.ErrOperatorMisuse, s)
			}
			classes[cls] = true
		default:
			f, ok := ToFloat(spec)
			if !ok {
				return Condition{}, fmt.Errorf("%w: $type takes a type name or numeric code", util.ErrOperatorMisuse)
			}
			cls, ok := typeCodes[int(f)]
			if !ok {
				return Condition{}, fmt.Errorf("%w: unknown type code %v", util.ErrOperatorMisuse, spec)
			}
			classes[cls] = true
		}
	}

	return Condition{arrayAware: true, fn: func(v interface{}, found bool) bool {
		if !found {
			return false
		}
		return classes[TypeClass(v)]
	}}, nil
}

func allCondition(arg interface{}) (Condition, error) {
	expected, ok := arg.([]interface{})
	if !ok {
		return Condition{}, fmt.Errorf("%w: $all takes an array", util.ErrOperatorMisuse)
	}
	return Condition{arrayAware: true, fn: func(v interface{}, found bool) bool {
		if !found {
			return false
		}
		elems, ok := v.([]interface{})
		if !ok {
			elems = []interface{}{v}
		}
		for _, want := range expected {
			present := false
			for _, have := range elems {
				if DeepEqual(have, want) {
					present = true
					break
				}
			}
			if !present {
				return false
			}
		}
		return true
	}}, nil
}

func elemMatchCondition(arg interface{}, e *Engine) (Condition, error) {
	sub, ok := arg.(map[string]interface{})
	if !ok {
		return Condition{}, fmt.Errorf("%w: $elemMatch takes an object", util.ErrOperatorMisuse)
	}

	// Operator-only form ({$gt: 5}) matches scalar elements; the document
	// form ({field: ...}) matches object elements via a sub-query.
	if isOperatorMap(sub) && !hasPlainKey(sub) {
		conds, err := buildConditions(sub, e)
		if err != nil {
			return Condition{}, err
		}
		return Condition{arrayAware: true, fn: func(v interface{}, found bool) bool {
			arr, ok := v.([]interface{})
			if !found || !ok {
				return false
			}
			for _, elem := range arr {
				all := true
				for _, c := range conds {
					if !evalCondition(c, elem, true) {
						all = false
						break
					}
				}
				if all {
					return true
				}
			}
			return false
		}}, nil
	}

	node, err := e.parse(sub)
	if err != nil {
		return Condition{}, err
	}
	return Condition{arrayAware: true, fn: func(v interface{}, found bool) bool {
		arr, ok := v.([]interface{})
		if !found || !ok {
			return false
		}
		for _, elem := range arr {
			if doc, ok := elem.(map[string]interface{}); ok && node.Match(doc) {
				return true
			}
		}
		return false
	}}, nil
}

func hasPlainKey(m map[string]interface{}) bool {
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

func sizeCondition(arg interface{}) (Condition, error) {
	f, ok := ToFloat(arg)
	if !ok || f < 0 || f != float64(int(f)) {
		return Condition{}, fmt.Errorf("%w: $size takes a non-negative integer", util.ErrOperatorMisuse)
	}
	want := int(f)
	return Condition{arrayAware: true, fn: func(v interface{}, found bool) bool {
		arr, ok := v.([]interface{})
		return found && ok && len(arr) == want
	}}, nil
}

func modCondition(arg interface{}) (Condition, error) {
	pair, ok := arg.([]interface{})
	if !ok || len(pair) != 2 {
		return Condition{}, fmt.Errorf("%w: $mod takes [divisor, remainder]", util.ErrOperatorMisuse)
	}
	divisor, ok := ToBigInt(pair[0])
	if !ok || divisor.Sign() == 0 {
		return Condition{}, fmt.Errorf("%w: $mod divisor must be a non-zero integer", util.ErrOperatorMisuse)
	}
	remainder, ok := ToBigInt(pair[1])
	if !ok {
		return Condition{}, fmt.Errorf("%w: $mod remainder must be an integer", util.ErrOperatorMisuse)
	}

	return Condition{fn: func(v interface{}, found bool) bool {
		if !found {
			return false
		}
		n, ok := ToBigInt(v)
		if !ok {
			return false
		}
		got := new(big.Int).Rem(n, divisor)
		return got.Cmp(remainder) == 0
	}}, nil
}

func regexCondition(arg interface{}, options string) (Condition, error) {
	var re *regexp.Regexp
	switch pat := arg.(type) {
	case *regexp.Regexp:
		re = pat
	case string:
		compiled, err := compileRegex(pat, options)
		if err != nil {
			return Condition{}, err
		}
		re = compiled
	case map[string]interface{}:
		src, ok := pat["$regex"].(string)
		if !ok {
			return Condition{}, fmt.Errorf("%w: $regex takes a pattern string", util.ErrOperatorMisuse)
		}
		opts, _ := pat["$options"].(string)
		compiled, err := compileRegex(src, opts)
		if err != nil {
			return Condition{}, err
		}
		re = compiled
	default:
		return Condition{}, fmt.Errorf("%w: $regex takes a pattern string or regex", util.ErrOperatorMisuse)
	}

	return Condition{fn: func(v interface{}, found bool) bool {
		s, ok := v.(string)
		return found && ok && re.MatchString(s)
	}}, nil
}

func compileRegex(pattern, options string) (*regexp.Regexp, error) {
	var flags strings.Builder
	for _, opt := range options {
		switch opt {
		case 'i', 'm', 's':
			flags.WriteRune(opt)
		case 'x':
			// extended mode is not supported by RE2; ignored
		default:
			return nil, fmt.Errorf("%w: unsupported $options flag %q", util.ErrOperatorMisuse, string(opt))
		}
	}
	if flags.Len() > 0 {
		pattern = "(?" + flags.String() + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid pattern: %v", util.ErrQueryCompile, err)
	}
	return re, nil
}

func notCondition(arg interface{}, e *Engine) (Condition, error) {
	var inner []Condition
	switch a := arg.(type) {
	case map[string]interface{}:
		if !isOperatorMap(a) {
			return Condition{}, fmt.Errorf("%w: $not takes an operator object or regex", util.ErrOperatorMisuse)
		}
		conds, err := buildConditions(a, e)
		if err != nil {
			return Condition{}, err
		}
		inner = conds
	case string, *regexp.Regexp:
		cond, err := regexCondition(a, "")
		if err != nil {
			return Condition{}, err
		}
		inner = []Condition{cond}
	default:
		return Condition{}, fmt.Errorf("%w: $not takes an operator object or regex", util.ErrOperatorMisuse)
	}

	return Condition{arrayAware: true, fn: func(v interface{}, found bool) bool {
		for _, c := range inner {
			if !evalCondition(c, v, found) {
				return true
			}
		}
		return false
	}}, nil
}

func bitsCondition(op string, arg interface{}) (Condition, error) {
	mask, err := bitmask(arg)
	if err != nil {
		return Condition{}, fmt.Errorf("%w: %s: %v", util.ErrOperatorMisuse, op, err)
	}

	return Condition{fn: func(v interface{}, found bool) bool {
		if !found {
			return false
		}
		n, ok := ToBigInt(v)
		if !ok || !n.IsInt64() {
			return false
		}
		bits := uint64(n.Int64())
		switch op {
		case "$bitsAllSet":
			return bits&mask == mask
		case "$bitsAnySet":
			return bits&mask != 0
		case "$bitsAllClear":
			return bits&mask == 0
		default: // $bitsAnyClear
			return bits&mask != mask
		}
	}}, nil
}

func bitmask(arg interface{}) (uint64, error) {
	if positions, ok := arg.([]interface{}); ok {
		var mask uint64
		for _, p := range positions {
			f, ok := ToFloat(p)
			if !ok || f < 0 || f >= 64 || f != float64(int(f)) {
				return 0, fmt.Errorf("bit position %v out of range", p)
			}
			mask |= 1 << uint(f)
		}
		return mask, nil
	}
	f, ok := ToFloat(arg)
	if !ok || f < 0 || f != float64(uint64(f)) {
		return 0, fmt.Errorf("mask must be a non-negative integer or bit-position array")
	}
	return uint64(f), nil
}

func textCondition(arg interface{}) (Condition, error) {
	spec, ok := arg.(map[string]interface{})
	if !ok {
		return Condition{}, fmt.Errorf("%w: $text takes an object", util.ErrOperatorMisuse)
	}
	search, ok := spec["$search"].(string)
	if !ok {
		return Condition{}, fmt.Errorf("%w: $text requires $search", util.ErrOperatorMisuse)
	}
	caseSensitive, _ := spec["$caseSensitive"].(bool)
	diacriticSensitive, _ := spec["$diacriticSensitive"].(bool)

	normalize := func(s string) string {
		if !caseSensitive {
			s = strings.ToLower(s)
		}
		if !diacriticSensitive {
			s = stripDiacritics(s)
		}
		return s
	}

	tokens := strings.Fields(normalize(search))

	return Condition{fn: func(v interface{}, found bool) bool {
		s, ok := v.(string)
		if !found || !ok {
			return false
		}
		haystack := normalize(s)
		for _, tok := range tokens {
			if !strings.Contains(haystack, tok) {
				return false
			}
		}
		return true
	}}, nil
}

// stripDiacritics removes combining marks after Unicode decomposition.
func stripDiacritics(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
