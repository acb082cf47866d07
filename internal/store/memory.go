package store

import (
	"context"
	"sync"
)

// collection is one embedded collection with its unique indexes.
type collection struct {
	mu      sync.RWMutex
	docs    []Doc
	indexes [][]string
}

// MemoryStore is the embedded backend: per-collection slices guarded by
// per-collection mutexes. Snapshot persistence is layered on top by
// WriteSnapshot/RestoreSnapshot.
type MemoryStore struct {
	mu    sync.RWMutex
	colls map[string]*collection
}

// NewMemoryStore creates an empty embedded store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{colls: make(map[string]*collection)}
}

func (s *MemoryStore) coll(name string) *collection {
	s.mu.RLock()
	c, ok := s.colls[name]
	s.mu.RUnlock()
	if ok {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.colls[name]; ok {
		return c
	}
	c = &collection{}
	s.colls[name] = c
	return c
}

func (s *MemoryStore) FindOne(_ context.Context, coll string, filter Filter) (Doc, error) {
	c := s.coll(coll)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.docs {
		if matches(d, filter) {
			return deepCopyDoc(d), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindList(_ context.Context, coll string, filter Filter) ([]Doc, error) {
	c := s.coll(coll)
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Doc
	for _, d := range c.docs {
		if len(filter) == 0 || matches(d, filter) {
			out = append(out, deepCopyDoc(d))
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertOne(_ context.Context, coll string, doc Doc) error {
	nd, err := NormalizeDoc(doc)
	if err != nil {
		return err
	}
	c := s.coll(coll)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conflicts(nd, -1) {
		return ErrConflict
	}
	c.docs = append(c.docs, nd)
	return nil
}

func (s *MemoryStore) UpdateOne(_ context.Context, coll string, filter Filter, set Doc) error {
	ns, err := NormalizeDoc(set)
	if err != nil {
		return err
	}
	c := s.coll(coll)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.docs {
		if !matches(d, filter) {
			continue
		}
		updated := deepCopyDoc(d)
		for k, v := range ns {
			updated[k] = v
		}
		if c.conflicts(updated, i) {
			return ErrConflict
		}
		c.docs[i] = updated
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) MutateOne(_ context.Context, coll string, filter Filter, fn func(Doc) (Doc, error)) error {
	c := s.coll(coll)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.docs {
		if !matches(d, filter) {
			continue
		}
		updated, err := fn(deepCopyDoc(d))
		if err != nil {
			return err
		}
		nd, err := NormalizeDoc(updated)
		if err != nil {
			return err
		}
		if c.conflicts(nd, i) {
			return ErrConflict
		}
		c.docs[i] = nd
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) DeleteOne(_ context.Context, coll string, filter Filter) error {
	c := s.coll(coll)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.docs {
		if matches(d, filter) {
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) CreateIndexes(_ context.Context, coll string, uniqueKeys [][]string) error {
	c := s.coll(coll)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexes = uniqueKeys
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// conflicts reports whether doc collides with another document on any
// unique index. skip excludes the document being updated in place.
func (c *collection) conflicts(doc Doc, skip int) bool {
	for _, idx := range c.indexes {
		if !indexable(doc, idx) {
			continue
		}
		key := indexKey(doc, idx)
		for i, other := range c.docs {
			if i == skip || !indexable(other, idx) {
				continue
			}
			if indexKey(other, idx) == key {
				return true
			}
		}
	}
	return false
}

// Dump copies every collection for snapshotting.
func (s *MemoryStore) Dump() map[string][]Doc {
	s.mu.RLock()
	names := make([]string, 0, len(s.colls))
	for name := range s.colls {
		names = append(names, name)
	}
	s.mu.RUnlock()

	out := make(map[string][]Doc, len(names))
	for _, name := range names {
		c := s.coll(name)
		c.mu.RLock()
		docs := make([]Doc, 0, len(c.docs))
		for _, d := range c.docs {
			docs = append(docs, deepCopyDoc(d))
		}
		c.mu.RUnlock()
		out[name] = docs
	}
	return out
}

// Load replaces collection contents from a snapshot. Indexes declared
// before Load are retained.
func (s *MemoryStore) Load(data map[string][]Doc) {
	for name, docs := range data {
		c := s.coll(name)
		c.mu.Lock()
		c.docs = nil
		for _, d := range docs {
			nd, err := NormalizeDoc(d)
			if err != nil {
				continue
			}
			c.docs = append(c.docs, nd)
		}
		c.mu.Unlock()
	}
}
