package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "value" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreListByPrefix(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for key, value := range map[string]string{
		"position:active:a": "1",
		"position:active:b": "2",
		"position:other":    "3",
		"trade:1":           "4",
		"position:active%":  "5",
	} {
		if err := store.Set(ctx, key, value); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	got, err := store.List(ctx, "position:active:")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got["position:active:a"] != "1" || got["position:active:b"] != "2" {
		t.Fatalf("unexpected list result %v", got)
	}
}

func TestStoreUpsert(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "nested", "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.Set(ctx, "k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "k", "v2"); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, _, err := store.Get(ctx, "k")
	if err != nil || val != "v2" {
		t.Fatalf("expected v2, got %q (%v)", val, err)
	}
}
