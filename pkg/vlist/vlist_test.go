package vlist

import (
	"testing"
)

type rec struct {
	name string
	val  int
}

type delta struct {
	newName, oldName string
}

func collect(deltas *[]delta) func(n, o *rec) {
	return func(n, o *rec) {
		d := delta{}
		if n != nil {
			d.newName = n.name
		}
		if o != nil {
			d.oldName = o.name
		}
		*deltas = append(*deltas, d)
	}
}

func TestTree_InsertUpdateRemove(t *testing.T) {
	var deltas []delta
	tree := New[rec, string](func(r *rec) string { return r.name }, collect(&deltas))

	tree.UpdateStart()
	tree.Add(&rec{name: "a", val: 1})
	tree.Add(&rec{name: "b", val: 2})
	tree.Flush()

	if len(deltas) != 2 {
		t.Fatalf("expected 2 deltas after initial fill, got %d", len(deltas))
	}
	if deltas[0].newName != "a" || deltas[0].oldName != "" {
		t.Errorf("first delta should be insert of a, got %+v", deltas[0])
	}

	// refresh: a updated, b dropped, c inserted
	deltas = nil
	tree.UpdateStart()
	tree.Add(&rec{name: "a", val: 10})
	tree.Add(&rec{name: "c", val: 3})
	tree.Flush()

	if len(deltas) != 3 {
		t.Fatalf("expected 3 deltas, got %d: %+v", len(deltas), deltas)
	}
	if deltas[0].newName != "a" || deltas[0].oldName != "a" {
		t.Errorf("expected update pair for a, got %+v", deltas[0])
	}
	if deltas[1].newName != "c" || deltas[1].oldName != "" {
		t.Errorf("expected insert of c, got %+v", deltas[1])
	}
	if deltas[2].newName != "" || deltas[2].oldName != "b" {
		t.Errorf("expected removal of b, got %+v", deltas[2])
	}

	if got := tree.Find("a"); got == nil || got.val != 10 {
		t.Errorf("Find(a) = %+v, want val 10", got)
	}
	if tree.Find("b") != nil {
		t.Error("b should be gone after flush")
	}
	if tree.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tree.Len())
	}
}

func TestTree_GenerationInvariant(t *testing.T) {
	tree := New[rec, string](func(r *rec) string { return r.name }, nil)

	tree.UpdateStart()
	tree.Add(&rec{name: "a"})
	tree.UpdateStart()
	tree.Add(&rec{name: "b"})

	// Before flush, versions may span current and current-1.
	for _, name := range []string{"a", "b"} {
		v, ok := tree.NodeVersion(name)
		if !ok {
			t.Fatalf("node %s missing", name)
		}
		if v != tree.Version() && v != tree.Version()-1 {
			t.Errorf("node %s version %d outside {current, current-1} (current=%d)", name, v, tree.Version())
		}
	}

	tree.Flush()

	// After flush only current-generation nodes remain.
	if tree.Find("a") != nil {
		t.Error("stale node survived flush")
	}
	v, _ := tree.NodeVersion("b")
	if v != tree.Version() {
		t.Errorf("node b version %d != current %d after flush", v, tree.Version())
	}
}

func TestTree_KeepOld(t *testing.T) {
	var deltas []delta
	tree := New[rec, string](func(r *rec) string { return r.name }, collect(&deltas))
	tree.KeepOld = true

	tree.UpdateStart()
	first := &rec{name: "a", val: 1}
	tree.Add(first)

	tree.UpdateStart()
	tree.Add(&rec{name: "a", val: 2})
	tree.Flush()

	// the original node object must survive the refresh
	if got := tree.Find("a"); got != first {
		t.Error("KeepOld tree replaced the stored node")
	}
	if len(deltas) != 2 {
		t.Fatalf("expected 2 deltas, got %d", len(deltas))
	}
}

func TestTree_NoDelete(t *testing.T) {
	var removed []string
	tree := New[rec, string](func(r *rec) string { return r.name }, func(n, o *rec) {
		if n == nil && o != nil {
			removed = append(removed, o.name)
		}
	})
	tree.NoDelete = true

	tree.UpdateStart()
	tree.Add(&rec{name: "a"})
	tree.UpdateStart()
	tree.Flush()

	if len(removed) != 1 || removed[0] != "a" {
		t.Fatalf("expected removal callback for a, got %v", removed)
	}
	if tree.Find("a") == nil {
		t.Error("NoDelete tree dropped the node; callback owns removal")
	}

	tree.Remove("a")
	if tree.Find("a") != nil {
		t.Error("explicit Remove should drop the node")
	}
}

func TestTree_CallbackMayMutate(t *testing.T) {
	tree := New[rec, string](func(r *rec) string { return r.name }, nil)

	tree.UpdateStart()
	tree.Add(&rec{name: "a"})
	tree.Add(&rec{name: "b"})

	visited := 0
	tree.ForEach(func(r *rec) {
		visited++
		if r.name == "a" {
			tree.Remove("b")
		}
	})
	// b was removed mid-iteration; the snapshot skips it safely
	if visited != 1 {
		t.Errorf("visited %d nodes, want 1", visited)
	}
}

func TestSimpleList_FlushDropsStale(t *testing.T) {
	var l SimpleList[string]

	l.UpdateStart()
	l.Add("8.8.8.8")
	l.Add("1.1.1.1")
	l.Flush()
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}

	l.UpdateStart()
	l.Add("9.9.9.9")
	l.Flush()

	vals := l.Values()
	if len(vals) != 1 || vals[0] != "9.9.9.9" {
		t.Errorf("Values() = %v, want [9.9.9.9]", vals)
	}

	l.FlushAll()
	if !l.Empty() {
		t.Error("FlushAll should empty the list")
	}
}
