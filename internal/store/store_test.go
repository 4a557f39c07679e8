package store

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// backends returns every Store implementation under test.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	return map[string]Store{
		"memory": NewMemory(),
		"redis":  NewRedisFromClient(client),
	}
}

func TestGetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(ctx, PrefixConfig+"missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			if err := s.Set(ctx, PrefixConfig+"a", []byte("v1")); err != nil {
				t.Fatalf("set failed: %v", err)
			}
			v, err := s.Get(ctx, PrefixConfig+"a")
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if string(v) != "v1" {
				t.Fatalf("expected v1, got %q", v)
			}

			if err := s.Set(ctx, PrefixConfig+"a", []byte("v2")); err != nil {
				t.Fatalf("overwrite failed: %v", err)
			}
			v, _ = s.Get(ctx, PrefixConfig+"a")
			if string(v) != "v2" {
				t.Fatalf("expected v2 after overwrite, got %q", v)
			}

			if err := s.Delete(ctx, PrefixConfig+"a"); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if _, err := s.Get(ctx, PrefixConfig+"a"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}

			// Double delete is not an error.
			if err := s.Delete(ctx, PrefixConfig+"a"); err != nil {
				t.Fatalf("deleting a missing key should succeed: %v", err)
			}
		})
	}
}

func TestListByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			must := func(err error) {
				t.Helper()
				if err != nil {
					t.Fatal(err)
				}
			}
			must(s.Set(ctx, PrefixCredentials+"c1", []byte("x")))
			must(s.Set(ctx, PrefixCredentials+"c2", []byte("y")))
			must(s.Set(ctx, PrefixAPIKeys+"k1", []byte("z")))

			keys, err := s.List(ctx, PrefixCredentials)
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			sort.Strings(keys)
			want := []string{PrefixCredentials + "c1", PrefixCredentials + "c2"}
			if len(keys) != 2 || keys[0] != want[0] || keys[1] != want[1] {
				t.Fatalf("expected %v, got %v", want, keys)
			}

			empty, err := s.List(ctx, PrefixLogs)
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if len(empty) != 0 {
				t.Fatalf("expected no log keys, got %v", empty)
			}
		})
	}
}

func TestMemoryCopyOnReadWrite(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	in := []byte("original")
	if err := m.Set(ctx, "k", in); err != nil {
		t.Fatal(err)
	}
	in[0] = 'X' // caller mutation must not leak in

	out, _ := m.Get(ctx, "k")
	if string(out) != "original" {
		t.Fatalf("store leaked caller mutation: %q", out)
	}

	out[0] = 'Y' // reader mutation must not leak back
	again, _ := m.Get(ctx, "k")
	if string(again) != "original" {
		t.Fatalf("store leaked reader mutation: %q", again)
	}
}
