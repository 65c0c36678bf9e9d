package storage

import (
	"errors"
	"testing"
)

func TestMemDBPrefixIteration(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	pairs := map[string]string{
		"session/alice": "a",
		"session/bob":   "b",
		"cache/alice/1": "r1",
	}
	for k, v := range pairs {
		if err := db.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	var seen []string
	err := db.IteratePrefix([]byte("session/"), func(key, value []byte) bool {
		seen = append(seen, string(key))
		return true
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected 2 session keys, got %v", seen)
	}
	if seen[0] != "session/alice" || seen[1] != "session/bob" {
		t.Fatalf("keys should iterate in order, got %v", seen)
	}
}

func TestMemDBNotFound(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err := db.Has([]byte("k"))
	if err != nil || ok {
		t.Fatalf("deleted key should be gone, ok=%v err=%v", ok, err)
	}
}
