package store

import (
	"context"
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	if err := s.CreateIndexes(context.Background(), "apis", [][]string{{"api_name", "api_version"}}); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestInsertAndFindOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := Doc{"api_name": "echo", "api_version": "v1", "api_public": true}
	if err := s.InsertOne(ctx, "apis", doc); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindOne(ctx, "apis", Filter{"api_name": "echo", "api_version": "v1"})
	if err != nil {
		t.Fatal(err)
	}
	if got["api_public"] != true {
		t.Errorf("unexpected doc: %v", got)
	}
}

func TestUniqueIndexConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := Doc{"api_name": "echo", "api_version": "v1"}
	if err := s.InsertOne(ctx, "apis", doc); err != nil {
		t.Fatal(err)
	}
	err := s.InsertOne(ctx, "apis", Doc{"api_name": "echo", "api_version": "v1", "extra": 1})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	// Different version is fine.
	if err := s.InsertOne(ctx, "apis", Doc{"api_name": "echo", "api_version": "v2"}); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateOneSetSemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.InsertOne(ctx, "apis", Doc{"api_name": "echo", "api_version": "v1", "api_active": true})
	if err := s.UpdateOne(ctx, "apis", Filter{"api_name": "echo"}, Doc{"api_active": false}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.FindOne(ctx, "apis", Filter{"api_name": "echo"})
	if got["api_active"] != false {
		t.Errorf("update not applied: %v", got)
	}
	if got["api_version"] != "v1" {
		t.Errorf("unrelated field lost: %v", got)
	}
}

func TestUpdateMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateOne(context.Background(), "apis", Filter{"api_name": "nope"}, Doc{"x": 1})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteOne(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.InsertOne(ctx, "apis", Doc{"api_name": "echo", "api_version": "v1"})
	if err := s.DeleteOne(ctx, "apis", Filter{"api_name": "echo"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FindOne(ctx, "apis", Filter{"api_name": "echo"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestFindListFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.InsertOne(ctx, "subscriptions", Doc{"username": "alice", "apis": []string{"a/v1"}})
	s.InsertOne(ctx, "subscriptions", Doc{"username": "bob", "apis": []string{"b/v1"}})

	all, err := s.FindList(ctx, "subscriptions", nil)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 docs, got %d (%v)", len(all), err)
	}
	some, _ := s.FindList(ctx, "subscriptions", Filter{"username": "alice"})
	if len(some) != 1 {
		t.Fatalf("expected 1 doc, got %d", len(some))
	}
}

func TestReturnedDocsAreCopies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.InsertOne(ctx, "apis", Doc{"api_name": "echo", "api_version": "v1"})

	got, _ := s.FindOne(ctx, "apis", Filter{"api_name": "echo"})
	got["api_name"] = "mutated"

	again, _ := s.FindOne(ctx, "apis", Filter{"api_version": "v1"})
	if again["api_name"] != "echo" {
		t.Fatal("backend state mutated through returned doc")
	}
}

func TestIntFilterMatchesNormalizedNumber(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.InsertOne(ctx, "apis", Doc{"api_name": "n", "api_version": "v1", "api_allowed_retry_count": 2})

	if _, err := s.FindOne(ctx, "apis", Filter{"api_allowed_retry_count": 2}); err != nil {
		t.Fatalf("int filter did not match: %v", err)
	}
}
