package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSource struct {
	mu      sync.Mutex
	calls   atomic.Int32
	err     error
	tables  []Table
	release chan struct{}
	now     func() time.Time
}

func (f *fakeSource) Describe(ctx context.Context) (Descriptor, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return Descriptor{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Descriptor{}, f.err
	}
	return NewDescriptor("public", f.tables, f.now()), nil
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(source *fakeSource, ttl time.Duration) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	source.now = clock.Now
	cache := NewCache(source, CacheOptions{TTL: ttl, RetryBackoff: time.Second})
	cache.now = clock.Now
	return cache, clock
}

func TestCacheReusesDescriptorWithinTTL(t *testing.T) {
	source := &fakeSource{tables: []Table{{Name: "candidates"}}}
	cache, clock := newTestCache(source, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := cache.Current(context.Background()); err != nil {
			t.Fatalf("Current() error = %v", err)
		}
		clock.Advance(10 * time.Second)
	}
	if got := source.calls.Load(); got != 1 {
		t.Fatalf("Describe calls = %d, want 1", got)
	}

	clock.Advance(time.Minute)
	if _, err := cache.Current(context.Background()); err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if got := source.calls.Load(); got != 2 {
		t.Fatalf("Describe calls after expiry = %d, want 2", got)
	}
}

func TestCacheZeroTTLKeepsDescriptorForever(t *testing.T) {
	source := &fakeSource{tables: []Table{{Name: "candidates"}}}
	cache, clock := newTestCache(source, 0)

	_, _ = cache.Current(context.Background())
	clock.Advance(1000 * time.Hour)
	_, _ = cache.Current(context.Background())
	if got := source.calls.Load(); got != 1 {
		t.Fatalf("Describe calls = %d, want 1", got)
	}
}

func TestCacheServesStaleDescriptorOnRefreshFailure(t *testing.T) {
	source := &fakeSource{tables: []Table{{Name: "candidates"}}}
	cache, clock := newTestCache(source, time.Minute)

	first, err := cache.Current(context.Background())
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}

	source.fail(errors.New("catalog unavailable"))
	clock.Advance(2 * time.Minute)
	got, err := cache.Current(context.Background())
	if err != nil {
		t.Fatalf("Current() with stale descriptor error = %v", err)
	}
	if !got.LoadedAt.Equal(first.LoadedAt) {
		t.Fatalf("LoadedAt = %v, want stale %v", got.LoadedAt, first.LoadedAt)
	}

	calls := source.calls.Load()
	_, _ = cache.Current(context.Background())
	if source.calls.Load() != calls {
		t.Fatal("refresh retried before the backoff elapsed")
	}
}

func TestCacheSurfacesErrorWithoutDescriptor(t *testing.T) {
	source := &fakeSource{err: ErrNoTables}
	cache, _ := newTestCache(source, time.Minute)

	if _, err := cache.Current(context.Background()); !errors.Is(err, ErrNoTables) {
		t.Fatalf("Current() error = %v, want ErrNoTables", err)
	}
	if cache.Ready() {
		t.Fatal("cache should not be ready")
	}
}

func TestCacheInvalidateForcesRebuild(t *testing.T) {
	source := &fakeSource{tables: []Table{{Name: "candidates"}}}
	cache, _ := newTestCache(source, 0)

	_, _ = cache.Current(context.Background())
	cache.Invalidate()
	_, _ = cache.Current(context.Background())
	_, _ = cache.Current(context.Background())
	if got := source.calls.Load(); got != 2 {
		t.Fatalf("Describe calls = %d, want 2", got)
	}
}

func TestCacheKeepsInvalidateDuringRefresh(t *testing.T) {
	source := &fakeSource{tables: []Table{{Name: "candidates"}}, release: make(chan struct{})}
	cache, _ := newTestCache(source, 0)

	done := make(chan error, 1)
	go func() {
		_, err := cache.Refresh(context.Background())
		done <- err
	}()
	deadline := time.After(2 * time.Second)
	for source.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("refresh never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cache.Invalidate()
	close(source.release)
	if err := <-done; err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if _, err := cache.Current(context.Background()); err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if got := source.calls.Load(); got != 2 {
		t.Fatalf("Describe calls = %d, want 2", got)
	}
	_, _ = cache.Current(context.Background())
	if got := source.calls.Load(); got != 2 {
		t.Fatalf("Describe calls after rebuild = %d, want 2", got)
	}
}

func TestCacheCollapsesConcurrentRefreshes(t *testing.T) {
	source := &fakeSource{tables: []Table{{Name: "candidates"}}, release: make(chan struct{})}
	cache, _ := newTestCache(source, time.Minute)

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := cache.Current(context.Background())
			if err == nil && d.Empty() {
				err = errors.New("empty descriptor")
			}
			errs <- err
		}()
	}

	deadline := time.After(2 * time.Second)
	for source.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("refresh never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(source.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Current() error = %v", err)
		}
	}
	if got := source.calls.Load(); got != 1 {
		t.Fatalf("Describe calls = %d, want 1", got)
	}
}

func TestCacheRefresh(t *testing.T) {
	source := &fakeSource{tables: []Table{{Name: "positions"}}}
	cache, _ := newTestCache(source, 0)

	d, err := cache.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if _, ok := d.Lookup("positions", false); !ok {
		t.Fatal("positions missing after Refresh")
	}
	if !cache.Ready() {
		t.Fatal("cache should be ready after Refresh")
	}
}
