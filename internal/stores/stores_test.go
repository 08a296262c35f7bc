package stores

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/idmflow/idmflow/session"
)

type credentialStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	GetCounter(ctx context.Context, key string) (int, error)
	IncrCounter(ctx context.Context, key string) (int, error)
	ResetCounter(ctx context.Context, key string) error
}

func newRedisStore(t *testing.T) credentialStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "t")
}

func backends(t *testing.T) map[string]credentialStore {
	t.Helper()
	return map[string]credentialStore{
		"memory": NewMemory(),
		"redis":  newRedisStore(t),
	}
}

func TestGetMissReturnsKVMiss(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Get(context.Background(), "absent"); !errors.Is(err, session.ErrKVMiss) {
				t.Fatalf("got %v, want ErrKVMiss", err)
			}
		})
	}
}

func TestPutGetDelete(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Put(ctx, "k", []byte("blob")); err != nil {
				t.Fatalf("put failed: %v", err)
			}
			got, err := store.Get(ctx, "k")
			if err != nil || string(got) != "blob" {
				t.Fatalf("get = %q, %v", got, err)
			}
			if err := store.Delete(ctx, "k"); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if err := store.Delete(ctx, "k"); err != nil {
				t.Fatalf("double delete should be a no-op: %v", err)
			}
			if _, err := store.Get(ctx, "k"); !errors.Is(err, session.ErrKVMiss) {
				t.Fatalf("got %v after delete, want ErrKVMiss", err)
			}
		})
	}
}

func TestCounterLifecycle(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if n, err := store.GetCounter(ctx, "fail"); err != nil || n != 0 {
				t.Fatalf("fresh counter = %d, %v", n, err)
			}
			for want := 1; want <= 3; want++ {
				n, err := store.IncrCounter(ctx, "fail")
				if err != nil || n != want {
					t.Fatalf("incr = %d, %v; want %d", n, err, want)
				}
			}
			if err := store.ResetCounter(ctx, "fail"); err != nil {
				t.Fatalf("reset failed: %v", err)
			}
			if n, _ := store.GetCounter(ctx, "fail"); n != 0 {
				t.Fatalf("counter after reset = %d, want 0", n)
			}
		})
	}
}

func TestCounterNeverNegative(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()
	// A clobbered counter value reads as zero instead of poisoning retries.
	if err := store.Put(ctx, "fail", []byte("-7")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if n, err := store.GetCounter(ctx, "fail"); err != nil || n != 0 {
		t.Fatalf("clobbered counter = %d, %v; want 0", n, err)
	}
}

func TestMemoryConcurrentIncrements(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.IncrCounter(ctx, "fail")
		}()
	}
	wg.Wait()
	if n, _ := store.GetCounter(ctx, "fail"); n != 50 {
		t.Fatalf("lost increments: %d, want 50", n)
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	_ = store.Put(ctx, "k", []byte("abc"))
	got, _ := store.Get(ctx, "k")
	got[0] = 'z'
	again, _ := store.Get(ctx, "k")
	if string(again) != "abc" {
		t.Fatal("store leaked its internal buffer")
	}
}
