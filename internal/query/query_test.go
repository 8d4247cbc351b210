package query

import (
	"errors"
	"testing"
	"time"

	"github.com/kartikbazzad/bunstore/internal/util"
)

type doc = map[string]interface{}

// matchBoth asserts interpreter and compiled paths agree and returns the
// shared verdict.
func matchBoth(t *testing.T, q doc, d doc) bool {
	t.Helper()

	node, err := Parse(q)
	if err != nil {
		t.Fatalf("Parse(%v) failed: %v", q, err)
	}
	interpreted := node.Match(d)

	e, err := NewEngine()
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	compiled, err := e.Compile(q)
	if err != nil {
		t.Fatalf("Compile(%v) failed: %v", q, err)
	}
	if got := compiled(d); got != interpreted {
		t.Fatalf("Compiler/interpreter disagree on %v for %v: compiled=%v interpreted=%v", q, d, got, interpreted)
	}
	return interpreted
}

func TestComparisonOperators(t *testing.T) {
	d := doc{"age": 30, "name": "Ada", "score": 9.5}

	cases := []struct {
		name string
		q    doc
		want bool
	}{
		{"implicit eq", doc{"age": 30}, true},
		{"implicit eq miss", doc{"age": 31}, false},
		{"eq", doc{"age": doc{"$eq": 30}}, true},
		{"ne", doc{"age": doc{"$ne": 31}}, true},
		{"ne miss", doc{"age": doc{"$ne": 30}}, false},
		{"gt", doc{"age": doc{"$gt": 29}}, true},
		{"gt equal", doc{"age": doc{"$gt": 30}}, false},
		{"gte equal", doc{"age": doc{"$gte": 30}}, true},
		{"lt", doc{"score": doc{"$lt": 10}}, true},
		{"lte", doc{"score": doc{"$lte": 9.5}}, true},
		{"in", doc{"name": doc{"$in": []interface{}{"Ada", "Bob"}}}, true},
		{"in miss", doc{"name": doc{"$in": []interface{}{"Bob"}}}, false},
		{"nin", doc{"name": doc{"$nin": []interface{}{"Bob"}}}, true},
		{"range", doc{"age": doc{"$gte": 20, "$lt": 40}}, true},
		{"range miss", doc{"age": doc{"$gte": 31, "$lt": 40}}, false},
		{"cross-class ordering excluded", doc{"name": doc{"$gt": 5}}, false},
		{"int float equality", doc{"age": 30.0}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := matchBoth(t, tc.q, d); got != tc.want {
				t.Errorf("Match = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLogicalOperators(t *testing.T) {
	d := doc{"age": 35, "tags": []interface{}{"x"}}

	cases := []struct {
		name string
		q    doc
		want bool
	}{
		{"and", doc{"$and": []interface{}{doc{"age": doc{"$gt": 30}}, doc{"age": doc{"$lt": 40}}}}, true},
		{"or", doc{"$or": []interface{}{doc{"age": 10}, doc{"age": 35}}}, true},
		{"or miss", doc{"$or": []interface{}{doc{"age": 10}, doc{"age": 11}}}, false},
		{"nor", doc{"$nor": []interface{}{doc{"age": 10}, doc{"age": 11}}}, true},
		{"nor miss", doc{"$nor": []interface{}{doc{"age": 35}}}, false},
		{"not", doc{"age": doc{"$not": doc{"$gt": 40}}}, true},
		{"not miss", doc{"age": doc{"$not": doc{"$gt": 30}}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := matchBoth(t, tc.q, d); got != tc.want {
				t.Errorf("Match = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestElementOperators(t *testing.T) {
	d := doc{"age": 30, "nick": nil, "tags": []interface{}{"a"}}

	cases := []struct {
		name string
		q    doc
		want bool
	}{
		{"exists true", doc{"age": doc{"$exists": true}}, true},
		{"exists false on present", doc{"age": doc{"$exists": false}}, false},
		{"exists false on missing", doc{"ghost": doc{"$exists": false}}, true},
		{"exists true on null", doc{"nick": doc{"$exists": true}}, true},
		{"type number", doc{"age": doc{"$type": "number"}}, true},
		{"type by code", doc{"age": doc{"$type": 16}}, true},
		{"type union", doc{"age": doc{"$type": []interface{}{"string", "number"}}}, true},
		{"type array", doc{"tags": doc{"$type": "array"}}, true},
		{"type null", doc{"nick": doc{"$type": "null"}}, true},
		{"type miss", doc{"age": doc{"$type": "string"}}, false},
		{"null eq matches missing", doc{"ghost": nil}, true},
		{"null eq matches null", doc{"nick": nil}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := matchBoth(t, tc.q, d); got != tc.want {
				t.Errorf("Match = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestArrayOperators(t *testing.T) {
	d := doc{
		"tags":   []interface{}{"x", "y", "z"},
		"scores": []interface{}{1, 5, 9},
		"items":  []interface{}{doc{"qty": 2}, doc{"qty": 7}},
	}

	cases := []struct {
		name string
		q    doc
		want bool
	}{
		{"all", doc{"tags": doc{"$all": []interface{}{"x", "z"}}}, true},
		{"all miss", doc{"tags": doc{"$all": []interface{}{"x", "w"}}}, false},
		{"size", doc{"tags": doc{"$size": 3}}, true},
		{"size miss", doc{"tags": doc{"$size": 2}}, false},
		{"elemMatch scalar", doc{"scores": doc{"$elemMatch": doc{"$gt": 8}}}, true},
		{"elemMatch scalar miss", doc{"scores": doc{"$elemMatch": doc{"$gt": 10}}}, false},
		{"elemMatch doc", doc{"items": doc{"$elemMatch": doc{"qty": doc{"$gte": 7}}}}, true},
		{"elemMatch doc miss", doc{"items": doc{"$elemMatch": doc{"qty": doc{"$gt": 7}}}}, false},
		{"per-element eq", doc{"tags": "y"}, true},
		{"per-element gt", doc{"scores": doc{"$gt": 8}}, true},
		{"whole-array eq", doc{"tags": []interface{}{"x", "y", "z"}}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := matchBoth(t, tc.q, d); got != tc.want {
				t.Errorf("Match = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluationOperators(t *testing.T) {
	d := doc{"n": 10, "big": float64(1 << 40), "name": "Grace Hopper", "bio": "Café déjà vu"}

	cases := []struct {
		name string
		q    doc
		want bool
	}{
		{"mod", doc{"n": doc{"$mod": []interface{}{3, 1}}}, true},
		{"mod miss", doc{"n": doc{"$mod": []interface{}{3, 2}}}, false},
		{"mod wide", doc{"big": doc{"$mod": []interface{}{2, 0}}}, true},
		{"regex", doc{"name": doc{"$regex": "^Grace"}}, true},
		{"regex options", doc{"name": doc{"$regex": "^grace", "$options": "i"}}, true},
		{"regex miss", doc{"name": doc{"$regex": "^Hopper"}}, false},
		{"text", doc{"name": doc{"$text": doc{"$search": "grace hopper"}}}, true},
		{"text case sensitive miss", doc{"name": doc{"$text": doc{"$search": "grace", "$caseSensitive": true}}}, false},
		{"text diacritic insensitive", doc{"bio": doc{"$text": doc{"$search": "cafe deja"}}}, true},
		{"text diacritic sensitive miss", doc{"bio": doc{"$text": doc{"$search": "cafe", "$diacriticSensitive": true}}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := matchBoth(t, tc.q, d); got != tc.want {
				t.Errorf("Match = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWhereOperator(t *testing.T) {
	d := doc{"a": 2, "b": 3}

	q := doc{"$where": WhereFunc(func(d doc) bool {
		a, _ := ToFloat(d["a"])
		b, _ := ToFloat(d["b"])
		return a+b == 5
	})}
	node, err := Parse(q)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !node.Match(d) {
		t.Error("$where function should match")
	}

	// String bodies need a registered compiler
	if _, err := Parse(doc{"$where": "this.a > 1"}); !errors.Is(err, util.ErrOperatorMisuse) {
		t.Errorf("Expected operator misuse for string $where, got %v", err)
	}
}

func TestBitwiseOperators(t *testing.T) {
	d := doc{"flags": 0b1010}

	cases := []struct {
		name string
		q    doc
		want bool
	}{
		{"allSet mask", doc{"flags": doc{"$bitsAllSet": 0b1010}}, true},
		{"allSet miss", doc{"flags": doc{"$bitsAllSet": 0b1110}}, false},
		{"anySet positions", doc{"flags": doc{"$bitsAnySet": []interface{}{0, 1}}}, true},
		{"anySet miss", doc{"flags": doc{"$bitsAnySet": []interface{}{0, 2}}}, false},
		{"allClear", doc{"flags": doc{"$bitsAllClear": 0b0101}}, true},
		{"anyClear", doc{"flags": doc{"$bitsAnyClear": 0b1110}}, true},
		{"anyClear miss", doc{"flags": doc{"$bitsAnyClear": 0b1010}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := matchBoth(t, tc.q, d); got != tc.want {
				t.Errorf("Match = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDottedPaths(t *testing.T) {
	d := doc{"user": doc{"address": doc{"city": "Berlin"}}}

	if !matchBoth(t, doc{"user.address.city": "Berlin"}, d) {
		t.Error("Dotted path should resolve")
	}
	if matchBoth(t, doc{"user.address.zip": doc{"$exists": true}}, d) {
		t.Error("Missing segment should yield undefined")
	}
	if matchBoth(t, doc{"user.address.city.extra": "x"}, d) {
		t.Error("Descending through a scalar should yield undefined")
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		q    doc
		kind error
	}{
		{"unknown operator", doc{"a": doc{"$frobnicate": 1}}, util.ErrQueryCompile},
		{"unknown top-level", doc{"$frob": []interface{}{}}, util.ErrQueryCompile},
		{"and not list", doc{"$and": "x"}, util.ErrQueryCompile},
		{"size negative", doc{"a": doc{"$size": -1}}, util.ErrOperatorMisuse},
		{"mod shape", doc{"a": doc{"$mod": []interface{}{3}}}, util.ErrOperatorMisuse},
		{"exists shape", doc{"a": doc{"$exists": "yes"}}, util.ErrOperatorMisuse},
		{"in shape", doc{"a": doc{"$in": "xs"}}, util.ErrOperatorMisuse},
		{"options without regex", doc{"a": doc{"$options": "i"}}, util.ErrOperatorMisuse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.q); !errors.Is(err, tc.kind) {
				t.Errorf("Parse(%v) error = %v, want %v", tc.q, err, tc.kind)
			}
		})
	}
}

func TestCompilerInterpreterParity(t *testing.T) {
	q := doc{"$or": []interface{}{
		doc{"age": doc{"$gte": 30}},
		doc{"tags": doc{"$all": []interface{}{"x", "y"}}},
	}}
	docs := []doc{
		{"age": 29, "tags": []interface{}{"x", "y"}},
		{"age": 35, "tags": []interface{}{"x"}},
		{"age": 20, "tags": []interface{}{}},
	}

	var matched []int
	for i, d := range docs {
		if matchBoth(t, q, d) {
			matched = append(matched, i)
		}
	}
	if len(matched) != 2 || matched[0] != 0 || matched[1] != 1 {
		t.Errorf("Matched = %v, want [0 1]", matched)
	}
}

func TestCompileCache(t *testing.T) {
	e, err := NewEngine()
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	q := doc{"a": 1}
	p1, err := e.Compile(q)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	p2, err := e.Compile(doc{"a": 1})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	// Both predicates must behave identically whether or not they share a
	// cache slot
	d := doc{"a": 1}
	if p1(d) != p2(d) {
		t.Error("Cached predicate diverged")
	}
}

func TestCompareValuesOrdering(t *testing.T) {
	now := time.Now()
	// Ascending type classes: null < number < string < object < array < bool < date
	ordered := []interface{}{
		nil,
		3,
		"abc",
		doc{"k": 1},
		[]interface{}{1},
		true,
		now,
	}
	for i := 0; i < len(ordered)-1; i++ {
		if CompareValues(ordered[i], ordered[i+1]) >= 0 {
			t.Errorf("ordered[%d] should sort before ordered[%d]", i, i+1)
		}
	}

	if CompareValues(2, 10) >= 0 {
		t.Error("2 < 10")
	}
	if CompareValues("b", "a") <= 0 {
		t.Error(`"b" > "a"`)
	}
	if CompareValues(false, true) >= 0 {
		t.Error("false < true")
	}
	if CompareValues(now, now.Add(time.Second)) >= 0 {
		t.Error("earlier date sorts first")
	}
}

func TestDeepEqual(t *testing.T) {
	cases := []struct {
		a, b interface{}
		want bool
	}{
		{1, 1.0, true},
		{"a", "a", true},
		{[]interface{}{1, 2}, []interface{}{1, 2}, true},
		{[]interface{}{1, 2}, []interface{}{2, 1}, false},
		{doc{"a": 1}, doc{"a": 1.0}, true},
		{doc{"a": 1}, doc{"a": 1, "b": 2}, false},
		{time.Unix(10, 0), time.Unix(10, 0), true},
		{nil, nil, true},
		{nil, 0, false},
	}
	for _, tc := range cases {
		if got := DeepEqual(tc.a, tc.b); got != tc.want {
			t.Errorf("DeepEqual(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestSortDocuments(t *testing.T) {
	docs := []doc{
		{"n": 3}, {"n": 1}, {"m": 0}, {"n": 2},
	}
	SortDocuments(docs, "n", false)

	// Undefined sorts first (like null), then ascending values
	if _, ok := docs[0]["m"]; !ok {
		t.Errorf("Undefined field should sort first, got %v", docs[0])
	}
	if docs[1]["n"] != 1 || docs[3]["n"] != 3 {
		t.Errorf("Ascending sort wrong: %v", docs)
	}

	SortDocuments(docs, "n", true)
	if docs[0]["n"] != 3 {
		t.Errorf("Descending sort wrong: %v", docs)
	}
}
