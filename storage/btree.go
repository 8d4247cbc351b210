package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kartikbazzad/bunstore/internal/util"
)

// Comparator defines the ordering of index keys.
type Comparator func(a, b interface{}) int

// Pair is one index entry: a key and the record locators filed under it.
// Locators are primary-key values, never document references.
type Pair struct {
	Key      interface{} `json:"key"`
	Locators []string    `json:"locators"`
}

// BPlusTree is an ordered map from index key to one (unique) or many
// (non-unique) record locators. The comparator is fixed at construction;
// leaves are chained for range iteration.
type BPlusTree struct {
	mu     sync.RWMutex
	order  int
	unique bool
	cmp    Comparator
	root   treeNode
	head   *leafNode // leftmost leaf
	keys   int       // distinct keys
	count  int       // total locators
}

// DefaultOrder is the default maximum fan-out of a tree node.
const DefaultOrder = 32

// NewBPlusTree creates an empty tree with the given comparator.
func NewBPlusTree(unique bool, cmp Comparator) *BPlusTree {
	leaf := &leafNode{}
	return &BPlusTree{
		order:  DefaultOrder,
		unique: unique,
		cmp:    cmp,
		root:   leaf,
		head:   leaf,
	}
}

// Unique reports whether the tree enforces one locator per key.
func (t *BPlusTree) Unique() bool { return t.unique }

// Insert files a locator under a key. For unique trees an existing key is a
// constraint violation; for non-unique trees the locator is appended.
func (t *BPlusTree) Insert(key interface{}, locator string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	split, err := t.insertRec(t.root, key, locator)
	if err != nil {
		return err
	}
	if split != nil {
		t.root = &innerNode{
			keys:     []interface{}{split.key},
			children: []treeNode{t.root, split.right},
		}
	}
	return nil
}

// Remove deletes all locators under a key. Returns true if the key existed.
func (t *BPlusTree) Remove(key interface{}) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaf, idx := t.findLeaf(key)
	if idx < 0 {
		return false
	}
	t.count -= len(leaf.vals[idx])
	t.keys--
	leaf.deleteAt(idx)
	return true
}

// RemoveSpecific deletes the locators under a key for which the predicate
// holds, returning how many were removed. The key itself is removed once no
// locators remain.
func (t *BPlusTree) RemoveSpecific(key interface{}, pred func(locator string) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaf, idx := t.findLeaf(key)
	if idx < 0 {
		return 0
	}

	kept := leaf.vals[idx][:0]
	removed := 0
	for _, loc := range leaf.vals[idx] {
		if pred(loc) {
			removed++
			continue
		}
		kept = append(kept, loc)
	}
	t.count -= removed

	if len(kept) == 0 {
		t.keys--
		leaf.deleteAt(idx)
	} else {
		leaf.vals[idx] = kept
	}
	return removed
}

// Find returns all locators under a key.
func (t *BPlusTree) Find(key interface{}) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaf, idx := t.findLeaf(key)
	if idx < 0 {
		return nil
	}
	out := make([]string, len(leaf.vals[idx]))
	copy(out, leaf.vals[idx])
	return out
}

// FindFirst returns the first locator under a key.
func (t *BPlusTree) FindFirst(key interface{}) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaf, idx := t.findLeaf(key)
	if idx < 0 || len(leaf.vals[idx]) == 0 {
		return "", false
	}
	return leaf.vals[idx][0], true
}

// FindLast returns the last locator under a key.
func (t *BPlusTree) FindLast(key interface{}) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaf, idx := t.findLeaf(key)
	if idx < 0 || len(leaf.vals[idx]) == 0 {
		return "", false
	}
	locs := leaf.vals[idx]
	return locs[len(locs)-1], true
}

// Contains reports whether a locator is filed under a key.
func (t *BPlusTree) Contains(key interface{}, locator string) bool {
	for _, loc := range t.Find(key) {
		if loc == locator {
			return true
		}
	}
	return false
}

// Lt returns all pairs with key < bound, in ascending key order.
func (t *BPlusTree) Lt(bound interface{}) []Pair {
	return t.scan(func(k interface{}) bool { return t.cmp(k, bound) < 0 }, nil)
}

// Lte returns all pairs with key <= bound, in ascending key order.
func (t *BPlusTree) Lte(bound interface{}) []Pair {
	return t.scan(func(k interface{}) bool { return t.cmp(k, bound) <= 0 }, nil)
}

// Gt returns all pairs with key > bound, in ascending key order.
func (t *BPlusTree) Gt(bound interface{}) []Pair {
	return t.scan(nil, func(k interface{}) bool { return t.cmp(k, bound) > 0 })
}

// Gte returns all pairs with key >= bound, in ascending key order.
func (t *BPlusTree) Gte(bound interface{}) []Pair {
	return t.scan(nil, func(k interface{}) bool { return t.cmp(k, bound) >= 0 })
}

// scan walks the leaf chain collecting pairs. upper, when set, is a
// monotonic cut-off (iteration stops at the first key failing it); lower,
// when set, filters the leading keys.
func (t *BPlusTree) scan(upper, lower func(interface{}) bool) []Pair {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Pair
	for leaf := t.head; leaf != nil; leaf = leaf.next {
		for i, k := range leaf.keys {
			if lower != nil && !lower(k) {
				continue
			}
			if upper != nil && !upper(k) {
				return out
			}
			locs := make([]string, len(leaf.vals[i]))
			copy(locs, leaf.vals[i])
			out = append(out, Pair{Key: k, Locators: locs})
		}
	}
	return out
}

// Each traverses all pairs in key order (ascending or descending). The
// callback returns false to stop early.
func (t *BPlusTree) Each(asc bool, fn func(Pair) bool) {
	pairs := t.Pairs()
	if asc {
		for _, p := range pairs {
			if !fn(p) {
				return
			}
		}
		return
	}
	for i := len(pairs) - 1; i >= 0; i-- {
		if !fn(pairs[i]) {
			return
		}
	}
}

// Pairs returns every entry in ascending key order.
func (t *BPlusTree) Pairs() []Pair {
	return t.scan(nil, nil)
}

// Min returns the smallest-keyed pair.
func (t *BPlusTree) Min() (Pair, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for leaf := t.head; leaf != nil; leaf = leaf.next {
		if len(leaf.keys) > 0 {
			locs := make([]string, len(leaf.vals[0]))
			copy(locs, leaf.vals[0])
			return Pair{Key: leaf.keys[0], Locators: locs}, true
		}
	}
	return Pair{}, false
}

// Max returns the largest-keyed pair.
func (t *BPlusTree) Max() (Pair, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var last *leafNode
	for leaf := t.head; leaf != nil; leaf = leaf.next {
		if len(leaf.keys) > 0 {
			last = leaf
		}
	}
	if last == nil {
		return Pair{}, false
	}
	i := len(last.keys) - 1
	locs := make([]string, len(last.vals[i]))
	copy(locs, last.vals[i])
	return Pair{Key: last.keys[i], Locators: locs}, true
}

// Size returns the number of distinct keys.
func (t *BPlusTree) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.keys
}

// Count returns the total number of locators.
func (t *BPlusTree) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Reset discards all entries.
func (t *BPlusTree) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaf := &leafNode{}
	t.root = leaf
	t.head = leaf
	t.keys = 0
	t.count = 0
}

// serializedTree is the portable representation of a tree.
type serializedTree struct {
	Unique  bool   `json:"unique"`
	Entries []Pair `json:"entries"`
}

// Serialize renders the tree deterministically: entries in ascending key
// order, locators in insertion order.
func (t *BPlusTree) Serialize() ([]byte, error) {
	data, err := json.Marshal(serializedTree{
		Unique:  t.unique,
		Entries: t.Pairs(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize index: %w", err)
	}
	return data, nil
}

// DeserializeBPlusTree reconstructs a tree from its serialized form. The
// comparator is supplied by the caller since orderings are not portable.
func DeserializeBPlusTree(data []byte, cmp Comparator) (*BPlusTree, error) {
	var st serializedTree
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to deserialize index: %w", err)
	}

	t := NewBPlusTree(st.Unique, cmp)
	for _, entry := range st.Entries {
		for _, loc := range entry.Locators {
			if err := t.Insert(entry.Key, loc); err != nil {
				return nil, fmt.Errorf("failed to rebuild index: %w", err)
			}
		}
	}
	return t, nil
}

// insertRec descends to the target leaf, inserting on the way back up when
// a child split propagates.
func (t *BPlusTree) insertRec(n treeNode, key interface{}, locator string) (*splitResult, error) {
	switch node := n.(type) {
	case *leafNode:
		idx, exists := node.search(key, t.cmp)
		if exists {
			if t.unique {
				return nil, fmt.Errorf("%w: duplicate key %v", util.ErrUniqueViolation, key)
			}
			node.vals[idx] = append(node.vals[idx], locator)
			t.count++
			return nil, nil
		}

		node.insertAt(idx, key, []string{locator})
		t.keys++
		t.count++

		if len(node.keys) > t.order-1 {
			return node.split(), nil
		}
		return nil, nil

	case *innerNode:
		childIdx := node.childIndex(key, t.cmp)
		split, err := t.insertRec(node.children[childIdx], key, locator)
		if err != nil {
			return nil, err
		}
		if split == nil {
			return nil, nil
		}

		node.insertChild(childIdx, split.key, split.right)
		if len(node.keys) > t.order-1 {
			return node.split(), nil
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown node type %T", n)
	}
}

// findLeaf locates the leaf and slot holding a key. idx is -1 when absent.
func (t *BPlusTree) findLeaf(key interface{}) (*leafNode, int) {
	n := t.root
	for {
		inner, ok := n.(*innerNode)
		if !ok {
			break
		}
		n = inner.children[inner.childIndex(key, t.cmp)]
	}
	leaf := n.(*leafNode)
	idx, exists := leaf.search(key, t.cmp)
	if !exists {
		return leaf, -1
	}
	return leaf, idx
}
