// Package store is the config store facade. It exposes document-style
// CRUD over either an embedded in-memory backend (with encrypted
// snapshot persistence) or an external Redis-backed document store.
// The facade never caches; that is the cache layer's job.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// Doc is a stored document. Values are JSON-normalized (string, float64,
// bool, []any, map[string]any) so equality filters behave identically
// across backends.
type Doc = map[string]any

// Filter is an equality match over document fields.
type Filter = map[string]any

// Sentinel errors. Backend transport/disk failures wrap ErrBackend.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: unique index violation")
	ErrBackend  = errors.New("store: backend failure")
)

// Store is the facade interface implemented by both backends.
type Store interface {
	FindOne(ctx context.Context, coll string, filter Filter) (Doc, error)
	FindList(ctx context.Context, coll string, filter Filter) ([]Doc, error)
	InsertOne(ctx context.Context, coll string, doc Doc) error
	UpdateOne(ctx context.Context, coll string, filter Filter, set Doc) error
	// MutateOne applies fn to the first matching document and stores the
	// result atomically with respect to other mutations of the backend.
	MutateOne(ctx context.Context, coll string, filter Filter, fn func(Doc) (Doc, error)) error
	DeleteOne(ctx context.Context, coll string, filter Filter) error
	CreateIndexes(ctx context.Context, coll string, uniqueKeys [][]string) error
	Close() error
}

// Normalize JSON-round-trips a value so filters compare equal against
// stored documents regardless of the caller's concrete Go types.
func Normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeDoc normalizes every value of a document.
func NormalizeDoc(doc Doc) (Doc, error) {
	v, err := Normalize(doc)
	if err != nil {
		return nil, err
	}
	out, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("store: document is not an object")
	}
	return out, nil
}

// matches reports whether doc satisfies every equality clause of filter.
func matches(doc Doc, filter Filter) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok {
			return false
		}
		nw, err := Normalize(want)
		if err != nil {
			return false
		}
		if !reflect.DeepEqual(got, nw) {
			return false
		}
	}
	return true
}

// indexKey renders the values of one unique index for a document.
func indexKey(doc Doc, fields []string) string {
	key := ""
	for _, f := range fields {
		key += fmt.Sprintf("%v\x00", doc[f])
	}
	return key
}

// indexable reports whether a document carries a value for every field
// of an index. Indexes are sparse: a document with a missing or empty
// field is not constrained by that index.
func indexable(doc Doc, fields []string) bool {
	for _, f := range fields {
		v, ok := doc[f]
		if !ok || v == nil || v == "" {
			return false
		}
	}
	return true
}

// deepCopyDoc returns an independent copy so callers cannot mutate
// backend state through returned documents.
func deepCopyDoc(doc Doc) Doc {
	out, err := NormalizeDoc(doc)
	if err != nil {
		// Documents are JSON-normalized on write, so this cannot fail
		// for stored docs.
		return Doc{}
	}
	return out
}
