// Package store indexes managed files by local path and keeps them in a
// recency-ordered list for eviction scans.
//
// The store itself is not synchronized: the owning eviction engine
// serializes every mutation under its admission lock, which also keeps the
// recency list consistent with the accounted weight.
package store

import (
	"container/list"

	"github.com/edgecache/dfscache/internal/managed"
)

// Store maps local path to managed file plus a recency list. Front is the
// least recently used entry. Entries with equal timestamps keep insertion
// order: Add appends and Touch moves to the back, so ties break oldest
// insertion first.
type Store struct {
	items map[string]*list.Element
	order *list.List // front = LRU victim candidate, back = most recent
}

// New creates an empty store.
func New() *Store {
	return &Store{
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

// Len returns the number of entries.
func (s *Store) Len() int {
	return s.order.Len()
}

// Get returns the file for the path, or nil.
func (s *Store) Get(path string) *managed.File {
	if elem, ok := s.items[path]; ok {
		return elem.Value.(*managed.File)
	}
	return nil
}

// Add inserts the file at the most-recent end. When the path is already
// present the existing file is returned and the candidate is dropped.
func (s *Store) Add(f *managed.File) (*managed.File, bool) {
	if elem, ok := s.items[f.LocalPath()]; ok {
		return elem.Value.(*managed.File), false
	}
	s.items[f.LocalPath()] = s.order.PushBack(f)
	return f, true
}

// Remove deletes the mapping and returns the removed file, or nil.
func (s *Store) Remove(path string) *managed.File {
	elem, ok := s.items[path]
	if !ok {
		return nil
	}
	delete(s.items, path)
	s.order.Remove(elem)
	return elem.Value.(*managed.File)
}

// Touch promotes the entry to the most-recent end.
func (s *Store) Touch(path string) bool {
	elem, ok := s.items[path]
	if !ok {
		return false
	}
	s.order.MoveToBack(elem)
	return true
}

// Scan visits entries from least to most recent until fn returns false.
// fn must not mutate the store; collect victims and remove after the scan.
func (s *Store) Scan(fn func(*managed.File) bool) {
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		if !fn(elem.Value.(*managed.File)) {
			return
		}
	}
}

// Clear drops every entry, invoking fn on each when non-nil.
func (s *Store) Clear(fn func(*managed.File)) {
	if fn != nil {
		for elem := s.order.Front(); elem != nil; elem = elem.Next() {
			fn(elem.Value.(*managed.File))
		}
	}
	s.items = make(map[string]*list.Element)
	s.order.Init()
}
