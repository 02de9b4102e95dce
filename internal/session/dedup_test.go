package session

import "testing"

func TestDedupWindowSeenOrAdd(t *testing.T) {
	w := NewDedupWindow(3)

	if w.SeenOrAdd("a") {
		t.Fatal("expected a to be new")
	}
	if !w.SeenOrAdd("a") {
		t.Fatal("expected a to now be seen")
	}
	if w.SeenOrAdd("b") {
		t.Fatal("expected b to be new")
	}
	if w.Len() != 2 {
		t.Fatalf("len = %d, want 2", w.Len())
	}
}

func TestDedupWindowEvictsOldest(t *testing.T) {
	w := NewDedupWindow(2)

	w.SeenOrAdd("a")
	w.SeenOrAdd("b")
	w.SeenOrAdd("c") // evicts a

	if w.SeenOrAdd("a") {
		t.Fatal("expected a to have been evicted and treated as new again")
	}
	if !w.SeenOrAdd("c") {
		t.Fatal("expected c to still be tracked")
	}
	if w.Len() != 2 {
		t.Fatalf("len = %d, want 2", w.Len())
	}
}

func TestDedupWindowDefaultCapacity(t *testing.T) {
	w := NewDedupWindow(0)
	if w.cap != 2000 {
		t.Fatalf("cap = %d, want 2000", w.cap)
	}
}
