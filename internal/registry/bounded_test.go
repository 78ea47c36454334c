package registry

import (
	"fmt"
	"sync"
	"testing"
)

func TestBounded_EvictsOldest(t *testing.T) {
	b := New[string, int](3)
	for i, order := range []float64{30, 10, 20} {
		if ok, ev := b.Insert(fmt.Sprint(i), i, order); !ok || len(ev) != 0 {
			t.Fatalf("Insert(%d) = %v, %v", i, ok, ev)
		}
	}
	ok, ev := b.Insert("3", 3, 25)
	if !ok {
		t.Fatal("Insert(3) rejected")
	}
	if len(ev) != 1 || ev[0] != 1 {
		t.Errorf("evicted = %v, want [1] (order 10)", ev)
	}
	if got := b.Values(); fmt.Sprint(got) != "[2 3 0]" {
		t.Errorf("Values() = %v, want [2 3 0]", got)
	}

	// older than everything in a full collection evicts itself
	_, ev = b.Insert("4", 4, 1)
	if len(ev) != 1 || ev[0] != 4 {
		t.Errorf("evicted = %v, want [4]", ev)
	}
}

func TestBounded_InsertUnless(t *testing.T) {
	b := New[string, float64](0)
	b.Insert("a", 100, 100)

	dup := func(v float64) bool { return v > 99 && v < 101 }
	if ok, _ := b.InsertUnless("b", 100.5, 100.5, 98, 103, dup); ok {
		t.Error("InsertUnless inserted a duplicate")
	}
	if ok, _ := b.InsertUnless("c", 200, 200, 198, 203, dup); !ok {
		t.Error("InsertUnless rejected a distinct value")
	}
	if ok, _ := b.Insert("c", 1, 1); ok {
		t.Error("Insert accepted a duplicate key")
	}
	if b.Len() != 2 {
		t.Errorf("Len() = %d, want 2", b.Len())
	}
}

func TestBounded_RangeAndRemoveBefore(t *testing.T) {
	b := New[int, int](0)
	for i := 0; i < 10; i++ {
		b.Insert(i, i, float64(i))
	}
	if got := b.Range(3, 5); fmt.Sprint(got) != "[3 4 5]" {
		t.Errorf("Range(3,5) = %v", got)
	}
	if got := b.Range(5, 3); len(got) != 0 {
		t.Errorf("Range(5,3) = %v, want empty", got)
	}
	gone := b.RemoveBefore(4)
	if len(gone) != 4 {
		t.Errorf("RemoveBefore(4) removed %d, want 4", len(gone))
	}
	if _, ok := b.Get(2); ok {
		t.Error("Get(2) found a removed value")
	}
	if k, _, _ := b.Oldest(); k != 4 {
		t.Errorf("Oldest() = %d, want 4", k)
	}
}

func TestBounded_Reorder(t *testing.T) {
	b := New[string, string](0)
	b.Insert("x", "x", 1)
	b.Insert("y", "y", 2)
	b.Reorder("x", 3)
	if got := b.Keys(); fmt.Sprint(got) != "[y x]" {
		t.Errorf("Keys() = %v, want [y x]", got)
	}
	if _, ok := b.Remove("y"); !ok {
		t.Error("Remove(y) failed")
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}
}

func TestBounded_ConcurrentEvictionKeepsNewest(t *testing.T) {
	const max = 50
	b := New[int, int](max)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				n := w*100 + i
				b.Insert(n, n, float64(n))
			}
		}(w)
	}
	wg.Wait()

	if b.Len() != max {
		t.Fatalf("Len() = %d, want %d", b.Len(), max)
	}
	// whatever the interleaving, only the newest orders can survive once all
	// inserts are done, because each eviction removes the current minimum
	vals := b.Values()
	for i, v := range vals {
		if v != 750+i {
			t.Fatalf("Values()[%d] = %d, want %d", i, v, 750+i)
		}
	}
}

func TestBounded_Put(t *testing.T) {
	b := New[string, int](2)
	b.Insert("a", 1, 1)
	if replaced, _ := b.Put("a", 2, 5); !replaced {
		t.Error("Put(a) did not report replacement")
	}
	if v, _ := b.Get("a"); v != 2 {
		t.Errorf("Get(a) = %d, want 2", v)
	}
	b.Put("b", 3, 3)
	if _, ev := b.Put("c", 4, 4); len(ev) != 1 || ev[0] != 3 {
		t.Errorf("evicted = %v, want [3]", ev)
	}
}
