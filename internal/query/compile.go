package query

import (
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Predicate is a compiled query: a pure function from document to bool.
type Predicate func(doc map[string]interface{}) bool

// Engine compiles queries into predicates and caches the hot ones.
//
// Two code paths exist with identical semantics: the interpreter walks the
// AST node tree on every document, while the compiler flattens the tree once
// into a fused closure (field resolvers, precompiled regexes, and value
// tables are all captured up front). On any compilation error the engine
// falls back to the interpreter.
type Engine struct {
	cache         *lru.Cache[string, Predicate]
	whereCompiler func(src string) (WhereFunc, error)
}

const defaultCacheSize = 256

var defaultEngine = mustEngine(NewEngine())

func mustEngine(e *Engine, err error) *Engine {
	if err != nil {
		panic(err)
	}
	return e
}

// Option configures an Engine.
type Option func(*Engine)

// WithWhereCompiler registers a capability for compiling string-bodied
// $where clauses. Without it, string $where is rejected.
func WithWhereCompiler(fn func(src string) (WhereFunc, error)) Option {
	return func(e *Engine) { e.whereCompiler = fn }
}

// NewEngine creates a query engine with an LRU cache of compiled predicates.
func NewEngine(opts ...Option) (*Engine, error) {
	cache, err := lru.New[string, Predicate](defaultCacheSize)
	if err != nil {
		return nil, err
	}
	e := &Engine{cache: cache}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Parse builds the interpreter AST for a query.
func (e *Engine) Parse(q map[string]interface{}) (Node, error) {
	return e.parse(q)
}

// Compile builds (or fetches from cache) the fused predicate for a query.
func (e *Engine) Compile(q map[string]interface{}) (Predicate, error) {
	key, cacheable := cacheKey(q)
	if cacheable {
		if p, ok := e.cache.Get(key); ok {
			return p, nil
		}
	}

	node, err := e.parse(q)
	if err != nil {
		return nil, err
	}

	p := compileNode(node)
	if cacheable {
		e.cache.Add(key, p)
	}
	return p, nil
}

// Predicate returns a matcher for the query, preferring the compiled path.
// Compilation failures fall back to the interpreter with a warning; a query
// that fails to parse at all is surfaced as an error.
func (e *Engine) Predicate(q map[string]interface{}) (Predicate, error) {
	p, err := e.Compile(q)
	if err == nil {
		return p, nil
	}

	node, parseErr := e.parse(q)
	if parseErr != nil {
		return nil, parseErr
	}

	fmt.Printf("[WARN] query compilation failed, falling back to interpreter: %v\n", err)
	return node.Match, nil
}

// cacheKey derives a canonical cache key for a query. Queries carrying
// function values ($where closures) are not cacheable.
func cacheKey(q map[string]interface{}) (string, bool) {
	if hasFunction(q) {
		return "", false
	}
	// encoding/json sorts map keys, so the encoding is canonical
	data, err := json.Marshal(q)
	if err != nil {
		return "", false
	}
	return string(data), true
}

func hasFunction(v interface{}) bool {
	switch t := v.(type) {
	case WhereFunc, func(map[string]interface{}) bool:
		return true
	case map[string]interface{}:
		for _, sub := range t {
			if hasFunction(sub) {
				return true
			}
		}
	case []interface{}:
		for _, sub := range t {
			if hasFunction(sub) {
				return true
			}
		}
	}
	return false
}

// compileNode flattens an AST subtree into a single closure. The tree shape
// is resolved once here instead of on every Match call.
func compileNode(n Node) Predicate {
	switch node := n.(type) {
	case *AndNode:
		children := compileChildren(node.Children)
		if len(children) == 0 {
			return func(map[string]interface{}) bool { return true }
		}
		if len(children) == 1 {
			return children[0]
		}
		return func(doc map[string]interface{}) bool {
			for _, child := range children {
				if !child(doc) {
					return false
				}
			}
			return true
		}

	case *OrNode:
		children := compileChildren(node.Children)
		return func(doc map[string]interface{}) bool {
			for _, child := range children {
				if child(doc) {
					return true
				}
			}
			return false
		}

	case *NorNode:
		children := compileChildren(node.Children)
		return func(doc map[string]interface{}) bool {
			for _, child := range children {
				if child(doc) {
					return false
				}
			}
			return true
		}

	case *FieldNode:
		path := node.Path
		conds := node.Conds
		if len(conds) == 1 {
			c := conds[0]
			return func(doc map[string]interface{}) bool {
				v, found := Resolve(doc, path)
				return evalCondition(c, v, found)
			}
		}
		return func(doc map[string]interface{}) bool {
			v, found := Resolve(doc, path)
			for _, c := range conds {
				if !evalCondition(c, v, found) {
					return false
				}
			}
			return true
		}

	case *WhereNode:
		fn := node.Fn
		return func(doc map[string]interface{}) bool { return fn(doc) }

	default:
		return n.Match
	}
}

func compileChildren(nodes []Node) []Predicate {
	out := make([]Predicate, len(nodes))
	for i, n := range nodes {
		out[i] = compileNode(n)
	}
	return out
}
