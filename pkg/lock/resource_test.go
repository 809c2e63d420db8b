package lock

import "testing"

func TestResourceNameParentAndDepth(t *testing.T) {
	page := NewResourceName("database", "table1", "page42")
	if page.Depth() != 3 {
		t.Errorf("depth = %d, want 3", page.Depth())
	}

	tbl, ok := page.Parent()
	if !ok || !tbl.Equals(NewResourceName("database", "table1")) {
		t.Errorf("parent = %s, want database/table1", tbl)
	}

	root := NewResourceName("database")
	if _, ok := root.Parent(); !ok {
		t.Error("single-segment name should have the empty root as parent")
	}
	empty, _ := root.Parent()
	if _, ok := empty.Parent(); ok {
		t.Error("empty name should have no parent")
	}
}

func TestResourceNameDescendant(t *testing.T) {
	db := NewResourceName("database")
	tbl := db.Child("table1")
	page := tbl.Child("page42")

	if !page.IsDescendantOf(db) || !page.IsDescendantOf(tbl) {
		t.Error("page should descend from both ancestors")
	}
	if tbl.IsDescendantOf(tbl) {
		t.Error("descendant check is strict; a name does not descend from itself")
	}
	if db.IsDescendantOf(page) {
		t.Error("ancestor is not a descendant")
	}

	other := NewResourceName("database", "table2", "page42")
	if other.IsDescendantOf(tbl) {
		t.Error("sibling subtree misidentified as descendant")
	}
}

func TestResourceNameKeysDistinguishSegmentBoundaries(t *testing.T) {
	a := NewResourceName("database", "t/1")
	b := NewResourceName("database", "t", "1")
	if a.Key() == b.Key() {
		t.Error("segment containing the separator must not collide with a deeper path")
	}
	if a.Equals(b) {
		t.Error("names with different segmentation must not be equal")
	}
}
