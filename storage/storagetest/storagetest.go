// Package storagetest provides a conformance suite that every storage.Storage
// backend is expected to pass.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-client-go/storage"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Storage

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, newStore(t)) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, newStore(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, newStore(t)) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, newStore(t)) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, newStore(t)) })
	t.Run("InvalidOptions", func(t *testing.T) { testInvalidOptions(t, newStore(t)) })
}

func mustGet(t *testing.T, s storage.Storage, key string, opts ...storage.Option) *storage.StorageItem {
	t.Helper()
	item, err := s.Get(context.Background(), key, opts...)
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	return item
}

func mustSet(t *testing.T, s storage.Storage, key string, data string, opts ...storage.Option) {
	t.Helper()
	if err := s.Set(context.Background(), key, []byte(data), opts...); err != nil {
		t.Fatalf("Set(%q): %v", key, err)
	}
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	defer s.Close()

	mustSet(t, s, "roots", `[{"uri":"file:///a"}]`, storage.WithClient("c1"))
	item := mustGet(t, s, "roots", storage.WithClient("c1"))
	if item == nil {
		t.Fatal("Get returned nil item")
	}
	if string(item.Data) != `[{"uri":"file:///a"}]` {
		t.Fatalf("Data = %s", item.Data)
	}
	if item.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}
	if item.ExpiresAt != nil {
		t.Fatal("ExpiresAt set without TTL")
	}
}

func testGetMissing(t *testing.T, s storage.Storage) {
	defer s.Close()

	if item := mustGet(t, s, "absent"); item != nil {
		t.Fatalf("expected nil, got %+v", item)
	}
}

func testOverwrite(t *testing.T, s storage.Storage) {
	defer s.Close()

	mustSet(t, s, "k", "one")
	mustSet(t, s, "k", "two")
	if item := mustGet(t, s, "k"); item == nil || string(item.Data) != "two" {
		t.Fatalf("expected overwritten value, got %+v", item)
	}
}

func testNamespaceIsolation(t *testing.T, s storage.Storage) {
	defer s.Close()

	mustSet(t, s, "k", "global")
	mustSet(t, s, "k", "c1", storage.WithClient("c1"))
	mustSet(t, s, "k", "c2", storage.WithClient("c2"))
	mustSet(t, s, "k", "c1-s1", storage.WithClientSession("c1", "s1"))

	for _, tc := range []struct {
		opts []storage.Option
		want string
	}{
		{nil, "global"},
		{[]storage.Option{storage.WithClient("c1")}, "c1"},
		{[]storage.Option{storage.WithClient("c2")}, "c2"},
		{[]storage.Option{storage.WithClientSession("c1", "s1")}, "c1-s1"},
	} {
		item := mustGet(t, s, "k", tc.opts...)
		if item == nil || string(item.Data) != tc.want {
			t.Fatalf("want %q, got %+v", tc.want, item)
		}
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	defer s.Close()

	mustSet(t, s, "short", "v", storage.WithTTL(50*time.Millisecond))
	item := mustGet(t, s, "short")
	if item == nil || item.ExpiresAt == nil {
		t.Fatalf("expected item with expiry, got %+v", item)
	}

	time.Sleep(1100 * time.Millisecond)
	if item := mustGet(t, s, "short"); item != nil {
		t.Fatalf("expected expired item to be gone, got %+v", item)
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	mustSet(t, s, "a", "1", storage.WithClient("c1"))
	mustSet(t, s, "b", "2", storage.WithClient("c1"))

	if err := s.Delete(ctx, storage.WithClient("c1"), storage.WithKey("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if item := mustGet(t, s, "a", storage.WithClient("c1")); item != nil {
		t.Fatal("deleted key still present")
	}
	if item := mustGet(t, s, "b", storage.WithClient("c1")); item == nil {
		t.Fatal("sibling key removed")
	}
}

func testDeleteNamespace(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	mustSet(t, s, "a", "1", storage.WithClientSession("c1", "s1"))
	mustSet(t, s, "b", "2", storage.WithClientSession("c1", "s1"))
	mustSet(t, s, "a", "3", storage.WithClientSession("c1", "s2"))

	if err := s.Delete(ctx, storage.WithClientSession("c1", "s1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for _, key := range []string{"a", "b"} {
		if item := mustGet(t, s, key, storage.WithClientSession("c1", "s1")); item != nil {
			t.Fatalf("%s survived namespace delete", key)
		}
	}
	if item := mustGet(t, s, "a", storage.WithClientSession("c1", "s2")); item == nil {
		t.Fatal("other session's data removed")
	}
}

func testInvalidOptions(t *testing.T, s storage.Storage) {
	defer s.Close()

	err := s.Set(context.Background(), "k", []byte("v"), storage.WithClient(""))
	if !errors.Is(err, storage.ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions, got %v", err)
	}
	_, err = s.Get(context.Background(), "k", storage.WithClientSession("c1", ""))
	if !errors.Is(err, storage.ErrInvalidOptions) {
		t.Fatalf("expected ErrInvalidOptions, got %v", err)
	}
}
