package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/doclift/doclift/internal/common"
)

func testStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir(), ".txt", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	return s
}

func TestFSStore_PutGetRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	wrote, err := s.Put(ctx, "k1", []byte("hello"))
	if err != nil || !wrote {
		t.Fatalf("Put: wrote=%v err=%v", wrote, err)
	}
	got, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected content %q", got)
	}

	ok, err := s.Exists(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("Exists: ok=%v err=%v", ok, err)
	}

	rc, err := s.Open(ctx, "k1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, _ := io.ReadAll(rc)
	rc.Close()
	if string(b) != "hello" {
		t.Fatalf("unexpected streamed content %q", b)
	}
}

func TestFSStore_PutNeverOverwrites(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "k2", []byte("first")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	wrote, err := s.Put(ctx, "k2", []byte("second"))
	if err != nil {
		t.Fatalf("Put replay: %v", err)
	}
	if wrote {
		t.Fatal("replayed put must be skipped")
	}
	got, _ := s.Get(ctx, "k2")
	if string(got) != "first" {
		t.Fatalf("original content lost: %q", got)
	}
}

func TestFSStore_ConcurrentPutsWriteOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for round := 0; round < 200; round++ {
		key := fmt.Sprintf("k-race-%d", round)
		var wg sync.WaitGroup
		var writes atomic.Int32
		for g := 0; g < 16; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				wrote, err := s.Put(ctx, key, []byte(fmt.Sprintf("writer-%d", g)))
				if err != nil {
					t.Errorf("Put: %v", err)
					return
				}
				if wrote {
					writes.Add(1)
				}
			}(g)
		}
		wg.Wait()
		if n := writes.Load(); n != 1 {
			t.Fatalf("round %d: %d effective writes, want 1", round, n)
		}
		got, err := s.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !strings.HasPrefix(string(got), "writer-") {
			t.Fatalf("unexpected content %q", got)
		}
	}
}

func TestFSStore_DeleteAndMissing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "k3", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "k3"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// Deleting an absent key is not an error.
	if err := s.Delete(ctx, "k3"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
	if _, err := s.Get(ctx, "k3"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := s.Open(ctx, "k3"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("want ErrNotFound from Open, got %v", err)
	}
	ok, err := s.Exists(ctx, "k3")
	if err != nil || ok {
		t.Fatalf("Exists after delete: ok=%v err=%v", ok, err)
	}
}

func TestFSStore_RejectsBadKeys(t *testing.T) {
	s := testStore(t)
	if _, err := s.Put(context.Background(), "", []byte("x")); err == nil {
		t.Fatal("empty key must be rejected")
	}
	if _, err := s.Put(context.Background(), "a/b", []byte("x")); err == nil {
		t.Fatal("path-like key must be rejected")
	}
}
