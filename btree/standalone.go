package btree

import (
	"github.com/yggdrasil-sh/core/pagestore"
)

// Standalone pairs a Tree with a PageStore it owns outright — the shape a
// composite system's single-root journal needs, as opposed to the Snapshot
// Registry, which threads three Trees through one shared PageStore and
// commits them together itself.
type Standalone struct {
	PS   *pagestore.PageStore
	Tree *Tree
}

// OpenStandalone opens (or creates) a one-root page store at dir and wraps
// its root in a Tree.
func OpenStandalone(dir string, opts pagestore.Options) (*Standalone, error) {
	ps, err := pagestore.Open(dir, 1, opts)
	if err != nil {
		return nil, err
	}
	root := ps.Roots()[0]
	return &Standalone{PS: ps, Tree: Open(ps, root)}, nil
}

// Put inserts or overwrites key/value, marking displaced pages freed.
func (s *Standalone) Put(key, value []byte) error {
	displaced, err := s.Tree.Put(key, value)
	if err != nil {
		return err
	}
	for _, addr := range displaced {
		s.PS.MarkFreed(addr)
	}
	return nil
}

// Delete removes key if present, marking displaced pages freed.
func (s *Standalone) Delete(key []byte) (bool, error) {
	deleted, displaced, err := s.Tree.Delete(key)
	if err != nil {
		return false, err
	}
	for _, addr := range displaced {
		s.PS.MarkFreed(addr)
	}
	return deleted, nil
}

// Flush commits the tree's current root through the underlying page store.
func (s *Standalone) Flush() error {
	return s.PS.Flush([]pagestore.Addr{s.Tree.Root()})
}

// Close releases the underlying page store.
func (s *Standalone) Close() error {
	return s.PS.Close()
}
