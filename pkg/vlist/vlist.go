// Package vlist implements versioned collections with a generational
// diff protocol.
//
// A Tree stores nodes keyed by an identity function. An owner refreshes
// the collection by calling UpdateStart, re-adding the current set of
// nodes, then Flush. The update callback observes the resulting delta:
// (new, old) for a refreshed node, (new, nil) for an insert and
// (nil, old) for a removal. Reconciliation with an external system
// (the kernel, a file, a peer daemon) happens inside the callback.
package vlist

// Tree is the keyed versioned collection.
type Tree[T any, K comparable] struct {
	key     func(*T) K
	update  func(newNode, oldNode *T)
	version int

	// KeepOld retains the existing node on a duplicate add; the callback
	// receives the fresh node for config merge and the tree keeps the old.
	KeepOld bool

	// NoDelete leaves stale nodes in the tree on Flush; the callback is
	// responsible for eventual removal via Remove.
	NoDelete bool

	nodes map[K]*entry[T]
	order []K
}

type entry[T any] struct {
	value   *T
	version int
}

// New creates a versioned tree keyed by key with reconciliation
// callback update. The callback may be nil.
func New[T any, K comparable](key func(*T) K, update func(newNode, oldNode *T)) *Tree[T, K] {
	return &Tree[T, K]{
		key:    key,
		update: update,
		nodes:  make(map[K]*entry[T]),
	}
}

// Version returns the current generation counter.
func (t *Tree[T, K]) Version() int {
	return t.version
}

// Len returns the number of nodes in the tree.
func (t *Tree[T, K]) Len() int {
	return len(t.nodes)
}

// UpdateStart begins a new generation. Existing nodes keep their
// previous version until re-added.
func (t *Tree[T, K]) UpdateStart() {
	t.version++
}

// Add inserts v at the current generation. If a node with the same key
// exists it is promoted to the current generation and the callback
// fires with both nodes; otherwise the callback fires with (v, nil).
func (t *Tree[T, K]) Add(v *T) {
	k := t.key(v)
	if e, ok := t.nodes[k]; ok {
		old := e.value
		e.version = t.version
		if !t.KeepOld {
			e.value = v
		}
		t.fire(v, old)
		return
	}
	t.nodes[k] = &entry[T]{value: v, version: t.version}
	t.order = append(t.order, k)
	t.fire(v, nil)
}

// Flush completes an update cycle: every node still at a previous
// generation is dropped and reported to the callback as (nil, old).
func (t *Tree[T, K]) Flush() {
	t.flush(t.version)
}

// FlushAll drops every node regardless of generation.
func (t *Tree[T, K]) FlushAll() {
	t.flush(t.version + 1)
}

func (t *Tree[T, K]) flush(minVersion int) {
	// snapshot: callbacks may mutate the tree
	keys := make([]K, len(t.order))
	copy(keys, t.order)
	for _, k := range keys {
		e, ok := t.nodes[k]
		if !ok || e.version >= minVersion {
			continue
		}
		if !t.NoDelete {
			t.remove(k)
		}
		t.fire(nil, e.value)
	}
}

// Delete removes the node for v's key and reports it as (nil, old).
func (t *Tree[T, K]) Delete(v *T) {
	k := t.key(v)
	e, ok := t.nodes[k]
	if !ok {
		return
	}
	if !t.NoDelete {
		t.remove(k)
	}
	t.fire(nil, e.value)
}

// Remove drops the node for key k without firing the callback.
// Used by owners that manage node teardown themselves (NoDelete trees).
func (t *Tree[T, K]) Remove(k K) {
	t.remove(k)
}

// Find returns the node stored under key k, or nil.
func (t *Tree[T, K]) Find(k K) *T {
	if e, ok := t.nodes[k]; ok {
		return e.value
	}
	return nil
}

// ForEach visits every node in insertion order. The callback may
// mutate the tree; iteration runs on a snapshot.
func (t *Tree[T, K]) ForEach(fn func(*T)) {
	keys := make([]K, len(t.order))
	copy(keys, t.order)
	for _, k := range keys {
		if e, ok := t.nodes[k]; ok {
			fn(e.value)
		}
	}
}

// NodeVersion returns the generation of the node under key k.
// The second return is false if no such node exists.
func (t *Tree[T, K]) NodeVersion(k K) (int, bool) {
	if e, ok := t.nodes[k]; ok {
		return e.version, true
	}
	return 0, false
}

func (t *Tree[T, K]) fire(newNode, oldNode *T) {
	if t.update != nil {
		t.update(newNode, oldNode)
	}
}

func (t *Tree[T, K]) remove(k K) {
	if _, ok := t.nodes[k]; !ok {
		return
	}
	delete(t.nodes, k)
	for i, key := range t.order {
		if key == k {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}
