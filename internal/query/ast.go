// Package query implements the query parsing and evaluation engine for
// bunstore.
//
// Unstructured queries (e.g. `{"age": {"$gt": 25}}`) are parsed into an
// Abstract Syntax Tree of matcher nodes, which the execution engine uses to
// filter documents. A second, compiled code path fuses the same tree into a
// single closure for hot queries; both paths share the operator
// implementations and therefore the same semantics.
package query

import (
	"fmt"

	"github.com/kartikbazzad/bunstore/internal/util"
)

// Node is the common interface for all nodes in the query AST.
type Node interface {
	// Match reports whether the document satisfies this subtree.
	Match(doc map[string]interface{}) bool
}

// WhereFunc is a caller-supplied predicate used by the $where operator. The
// document is passed as the receiver argument.
type WhereFunc func(doc map[string]interface{}) bool

// AndNode matches when every child matches. An empty AndNode matches
// everything; it is also the root produced for the implicit top-level AND.
type AndNode struct {
	Children []Node
}

func (n *AndNode) Match(doc map[string]interface{}) bool {
	for _, child := range n.Children {
		if !child.Match(doc) {
			return false
		}
	}
	return true
}

// OrNode matches when at least one child matches.
type OrNode struct {
	Children []Node
}

func (n *OrNode) Match(doc map[string]interface{}) bool {
	for _, child := range n.Children {
		if child.Match(doc) {
			return true
		}
	}
	return false
}

// NorNode matches when no child matches.
type NorNode struct {
	Children []Node
}

func (n *NorNode) Match(doc map[string]interface{}) bool {
	for _, child := range n.Children {
		if child.Match(doc) {
			return false
		}
	}
	return true
}

// FieldNode evaluates one or more operator conditions against a field path.
// Multiple conditions (e.g. {$gte: 1, $lt: 10}) are conjunctive.
type FieldNode struct {
	Path  string
	Conds []Condition
}

func (n *FieldNode) Match(doc map[string]interface{}) bool {
	v, found := Resolve(doc, n.Path)
	for _, c := range n.Conds {
		if !evalCondition(c, v, found) {
			return false
		}
	}
	return true
}

// WhereNode invokes a caller-supplied predicate.
type WhereNode struct {
	Fn WhereFunc
}

func (n *WhereNode) Match(doc map[string]interface{}) bool {
	return n.Fn(doc)
}

// Parse converts a map-based query into an AST using default engine
// settings. String-bodied $where clauses are rejected; construct an Engine
// with a WhereCompiler to enable them.
func Parse(q map[string]interface{}) (Node, error) {
	return defaultEngine.parse(q)
}

// parse builds the AST. Every error is classified as either a malformed
// query (ErrQueryCompile) or a misused operator (ErrOperatorMisuse).
func (e *Engine) parse(q map[string]interface{}) (Node, error) {
	root := &AndNode{}

	for key, val := range q {
		switch key {
		case "$and", "$or", "$nor":
			children, err := e.parseList(key, val)
			if err != nil {
				return nil, err
			}
			switch key {
			case "$and":
				root.Children = append(root.Children, &AndNode{Children: children})
			case "$or":
				root.Children = append(root.Children, &OrNode{Children: children})
			default:
				root.Children = append(root.Children, &NorNode{Children: children})
			}

		case "$where":
			node, err := e.parseWhere(val)
			if err != nil {
				return nil, err
			}
			root.Children = append(root.Children, node)

		default:
			if len(key) > 0 && key[0] == '$' {
				return nil, fmt.Errorf("%w: unknown top-level operator %s", util.ErrQueryCompile, key)
			}
			conds, err := buildConditions(val, e)
			if err != nil {
				return nil, err
			}
			root.Children = append(root.Children, &FieldNode{Path: key, Conds: conds})
		}
	}

	return root, nil
}

func (e *Engine) parseList(op string, val interface{}) ([]Node, error) {
	list, ok := val.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: value for %s must be a list", util.ErrQueryCompile, op)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %s requires a non-empty list", util.ErrQueryCompile, op)
	}
	children := make([]Node, 0, len(list))
	for _, item := range list {
		subMap, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: element of %s must be an object", util.ErrQueryCompile, op)
		}
		subNode, err := e.parse(subMap)
		if err != nil {
			return nil, err
		}
		children = append(children, subNode)
	}
	return children, nil
}

func (e *Engine) parseWhere(val interface{}) (Node, error) {
	switch fn := val.(type) {
	case WhereFunc:
		return &WhereNode{Fn: fn}, nil
	case func(map[string]interface{}) bool:
		return &WhereNode{Fn: fn}, nil
	case string:
		if e.whereCompiler == nil {
			return nil, fmt.Errorf("%w: string-bodied $where requires a registered compiler", util.ErrOperatorMisuse)
		}
		compiled, err := e.whereCompiler(fn)
		if err != nil {
			return nil, fmt.Errorf("%w: $where: %v", util.ErrQueryCompile, err)
		}
		return &WhereNode{Fn: compiled}, nil
	default:
		return nil, fmt.Errorf("%w: $where takes a function", util.ErrOperatorMisuse)
	}
}
