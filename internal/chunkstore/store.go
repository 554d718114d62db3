// Package chunkstore holds the single local chunk a node keeps per known
// file. It is a plain name → bytes table with per-key atomicity: a reader
// sees either the previous value or the full new value, never a torn write.
package chunkstore

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/exp/slices"
)

// StoreStats contains statistics about the store.
type StoreStats struct {
	Chunks int // number of stored chunks
	Bytes  int // total size of all chunks in bytes
}

// OperationStats tracks operation counts since process start.
type OperationStats struct {
	Gets uint64
	Puts uint64
}

// Store is the in-memory chunk table. An optional mirror directory receives
// a best-effort copy of each chunk as a plain file for operator inspection;
// the in-memory table stays authoritative and nothing is read back from disk
// on restart.
type Store struct {
	data *xsync.MapOf[string, []byte]
	dir  string

	gets atomic.Uint64
	puts atomic.Uint64
}

// New creates an empty store with no mirror directory.
func New() *Store {
	return &Store{data: xsync.NewMapOf[string, []byte]()}
}

// NewWithDir creates an empty store mirroring chunks into dir. The directory
// is created if needed.
func NewWithDir(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{data: xsync.NewMapOf[string, []byte](), dir: dir}, nil
}

// Put stores the chunk for a file, replacing any previous one. The value is
// copied so the caller's buffer cannot mutate stored state. A mirror write
// failure is returned after the in-memory table has already been updated;
// callers log it and carry on.
func (s *Store) Put(name string, value []byte) error {
	s.puts.Add(1)
	stored := make([]byte, len(value))
	copy(stored, value)
	s.data.Store(name, stored)

	if s.dir == "" {
		return nil
	}
	return os.WriteFile(filepath.Join(s.dir, name), stored, 0o644)
}

// Get retrieves a copy of the chunk for a file. The second result reports
// whether the node holds a chunk for that name at all.
func (s *Store) Get(name string) ([]byte, bool) {
	s.gets.Add(1)
	value, ok := s.data.Load(name)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true
}

// Names returns the sorted names of all stored chunks.
func (s *Store) Names() []string {
	names := make([]string, 0, s.data.Size())
	s.data.Range(func(name string, _ []byte) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

// Stats returns storage statistics.
func (s *Store) Stats() StoreStats {
	var st StoreStats
	s.data.Range(func(_ string, value []byte) bool {
		st.Chunks++
		st.Bytes += len(value)
		return true
	})
	return st
}

// Ops returns operation counts.
func (s *Store) Ops() OperationStats {
	return OperationStats{Gets: s.gets.Load(), Puts: s.puts.Load()}
}
