package pattern

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCache(rdb, time.Minute)
}

func TestCache_GetOrLoad_CachesAcrossCalls(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var loads int32
	load := func(context.Context) ([]Pattern, error) {
		atomic.AddInt32(&loads, 1)
		return []Pattern{{PatternID: "p-1", Category: "data-quality"}}, nil
	}

	for i := 0; i < 3; i++ {
		patterns, err := c.GetOrLoad(ctx, "data-quality", load)
		if err != nil {
			t.Fatalf("GetOrLoad() error = %v", err)
		}
		if len(patterns) != 1 || patterns[0].PatternID != "p-1" {
			t.Fatalf("GetOrLoad() = %+v", patterns)
		}
	}
	if loads != 1 {
		t.Errorf("loads = %d, want 1 (cached after first load)", loads)
	}
}

func TestCache_GetOrLoad_SingleFlightsConcurrentMisses(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var loads int32
	release := make(chan struct{})
	load := func(context.Context) ([]Pattern, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return []Pattern{{PatternID: "p-1", Category: "pipeline"}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.GetOrLoad(ctx, "pipeline", load)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if loads != 1 {
		t.Errorf("loads = %d, want 1 (single-flighted across concurrent misses)", loads)
	}
}

func TestCache_Invalidate_ForcesReload(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var loads int32
	load := func(context.Context) ([]Pattern, error) {
		atomic.AddInt32(&loads, 1)
		return []Pattern{{PatternID: "p-1"}}, nil
	}

	_, _ = c.GetOrLoad(ctx, "system", load)
	c.Invalidate(ctx, "system")
	_, _ = c.GetOrLoad(ctx, "system", load)

	if loads != 2 {
		t.Errorf("loads = %d, want 2 (invalidation forces a reload)", loads)
	}
}
