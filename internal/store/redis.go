package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the external document-store adapter. Each collection is
// a Redis hash keyed by a synthetic document ID; unique-index
// enforcement happens adapter-side under a per-collection lock, which
// is sufficient because all config writes flow through one admin
// surface.
type RedisStore struct {
	client *redis.Client
	prefix string

	mu      sync.Mutex
	indexes map[string][][]string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "doorman:coll:"
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		indexes: make(map[string][][]string),
	}
}

func (s *RedisStore) key(coll string) string {
	return s.prefix + coll
}

func (s *RedisStore) all(ctx context.Context, coll string) (map[string]Doc, error) {
	raw, err := s.client.HGetAll(ctx, s.key(coll)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	out := make(map[string]Doc, len(raw))
	for id, blob := range raw {
		var d Doc
		if err := json.Unmarshal([]byte(blob), &d); err != nil {
			return nil, fmt.Errorf("%w: corrupt document %s/%s: %v", ErrBackend, coll, id, err)
		}
		out[id] = d
	}
	return out, nil
}

func (s *RedisStore) FindOne(ctx context.Context, coll string, filter Filter) (Doc, error) {
	docs, err := s.all(ctx, coll)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if matches(d, filter) {
			return d, nil
		}
	}
	return nil, ErrNotFound
}

func (s *RedisStore) FindList(ctx context.Context, coll string, filter Filter) ([]Doc, error) {
	docs, err := s.all(ctx, coll)
	if err != nil {
		return nil, err
	}
	var out []Doc
	for _, d := range docs {
		if len(filter) == 0 || matches(d, filter) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *RedisStore) InsertOne(ctx context.Context, coll string, doc Doc) error {
	nd, err := NormalizeDoc(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConflict(ctx, coll, nd, ""); err != nil {
		return err
	}
	blob, err := json.Marshal(nd)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key(coll), uuid.NewString(), blob).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

func (s *RedisStore) UpdateOne(ctx context.Context, coll string, filter Filter, set Doc) error {
	ns, err := NormalizeDoc(set)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.all(ctx, coll)
	if err != nil {
		return err
	}
	for id, d := range docs {
		if !matches(d, filter) {
			continue
		}
		for k, v := range ns {
			d[k] = v
		}
		if err := s.checkConflict(ctx, coll, d, id); err != nil {
			return err
		}
		blob, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err := s.client.HSet(ctx, s.key(coll), id, blob).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrBackend, err)
		}
		return nil
	}
	return ErrNotFound
}

// MutateOne runs fn against the matching document under an optimistic
// WATCH transaction, retrying on contention.
func (s *RedisStore) MutateOne(ctx context.Context, coll string, filter Filter, fn func(Doc) (Doc, error)) error {
	key := s.key(coll)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBackend, err)
		}
		for id, blob := range raw {
			var d Doc
			if err := json.Unmarshal([]byte(blob), &d); err != nil {
				return fmt.Errorf("%w: corrupt document %s/%s: %v", ErrBackend, coll, id, err)
			}
			if !matches(d, filter) {
				continue
			}
			updated, err := fn(d)
			if err != nil {
				return err
			}
			nd, err := NormalizeDoc(updated)
			if err != nil {
				return err
			}
			out, err := json.Marshal(nd)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, id, out)
				return nil
			})
			return err
		}
		return ErrNotFound
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: mutate retries exhausted", ErrBackend)
}

func (s *RedisStore) DeleteOne(ctx context.Context, coll string, filter Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.all(ctx, coll)
	if err != nil {
		return err
	}
	for id, d := range docs {
		if matches(d, filter) {
			if err := s.client.HDel(ctx, s.key(coll), id).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrBackend, err)
			}
			return nil
		}
	}
	return ErrNotFound
}

func (s *RedisStore) CreateIndexes(_ context.Context, coll string, uniqueKeys [][]string) error {
	s.mu.Lock()
	s.indexes[coll] = uniqueKeys
	s.mu.Unlock()
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// checkConflict scans for unique-index collisions. Caller holds s.mu.
func (s *RedisStore) checkConflict(ctx context.Context, coll string, doc Doc, skipID string) error {
	idxs := s.indexes[coll]
	if len(idxs) == 0 {
		return nil
	}
	docs, err := s.all(ctx, coll)
	if err != nil {
		return err
	}
	for _, idx := range idxs {
		if !indexable(doc, idx) {
			continue
		}
		key := indexKey(doc, idx)
		for id, other := range docs {
			if id == skipID || !indexable(other, idx) {
				continue
			}
			if indexKey(other, idx) == key {
				return ErrConflict
			}
		}
	}
	return nil
}
