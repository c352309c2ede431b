package store

import (
	"path/filepath"
	"testing"

	"github.com/edgecache/dfscache/internal/cachepath"
	"github.com/edgecache/dfscache/internal/managed"
)

func newFile(t *testing.T, codec *cachepath.Codec, root, name string) *managed.File {
	t.Helper()
	return managed.New(filepath.Join(root, "hdfs", "nn_8020", name), codec, 0)
}

func scanOrder(s *Store) []string {
	var names []string
	s.Scan(func(f *managed.File) bool {
		names = append(names, f.RelativeName())
		return true
	})
	return names
}

func TestAddGetRemove(t *testing.T) {
	root := t.TempDir()
	codec, err := cachepath.New(root)
	if err != nil {
		t.Fatal(err)
	}
	s := New()

	a := newFile(t, codec, root, "a")
	got, added := s.Add(a)
	if !added || got != a {
		t.Fatal("first add must insert the candidate")
	}
	if s.Get(a.LocalPath()) != a {
		t.Error("Get did not return the added file")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}

	// A duplicate admission returns the existing entry and drops the
	// caller's candidate.
	dup := newFile(t, codec, root, "a")
	got, added = s.Add(dup)
	if added || got != a {
		t.Error("duplicate add must return the existing entry")
	}
	if s.Len() != 1 {
		t.Errorf("Len after duplicate = %d, want 1", s.Len())
	}

	if s.Remove(a.LocalPath()) != a {
		t.Error("Remove did not return the removed file")
	}
	if s.Get(a.LocalPath()) != nil {
		t.Error("entry still present after Remove")
	}
	if s.Remove(a.LocalPath()) != nil {
		t.Error("removing a missing path must return nil")
	}
}

func TestScanInInsertionOrder(t *testing.T) {
	root := t.TempDir()
	codec, _ := cachepath.New(root)
	s := New()

	for _, name := range []string{"a", "b", "c"} {
		s.Add(newFile(t, codec, root, name))
	}

	got := scanOrder(s)
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("scan order %v, want %v", got, want)
		}
	}
}

func TestTouchPromotes(t *testing.T) {
	root := t.TempDir()
	codec, _ := cachepath.New(root)
	s := New()

	a := newFile(t, codec, root, "a")
	b := newFile(t, codec, root, "b")
	c := newFile(t, codec, root, "c")
	s.Add(a)
	s.Add(b)
	s.Add(c)

	if !s.Touch(a.LocalPath()) {
		t.Fatal("Touch of a present path must succeed")
	}
	got := scanOrder(s)
	want := []string{"b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order after touch %v, want %v", got, want)
		}
	}

	if s.Touch(filepath.Join(root, "hdfs", "nn_8020", "missing")) {
		t.Error("Touch of a missing path must fail")
	}
}

func TestScanStopsEarly(t *testing.T) {
	root := t.TempDir()
	codec, _ := cachepath.New(root)
	s := New()
	for _, name := range []string{"a", "b", "c"} {
		s.Add(newFile(t, codec, root, name))
	}

	var visited int
	s.Scan(func(*managed.File) bool {
		visited++
		return visited < 2
	})
	if visited != 2 {
		t.Errorf("visited %d entries, want 2", visited)
	}
}

func TestClear(t *testing.T) {
	root := t.TempDir()
	codec, _ := cachepath.New(root)
	s := New()
	s.Add(newFile(t, codec, root, "a"))
	s.Add(newFile(t, codec, root, "b"))

	var cleared int
	s.Clear(func(*managed.File) { cleared++ })
	if cleared != 2 {
		t.Errorf("Clear visited %d entries, want 2", cleared)
	}
	if s.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", s.Len())
	}
}
