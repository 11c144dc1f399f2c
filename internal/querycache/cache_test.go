package querycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"What is RAG?", "what is rag?"},
		{"  spaced   out\tquery \n", "spaced out query"},
		{"already normal", "already normal"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint("what is rag?", 5, 3)
	if Fingerprint("what is rag?", 5, 3) != base {
		t.Error("fingerprint not deterministic")
	}
	if Fingerprint("what is rag!", 5, 3) == base {
		t.Error("fingerprint ignores query text")
	}
	if Fingerprint("what is rag?", 6, 3) == base {
		t.Error("fingerprint ignores k")
	}
	if Fingerprint("what is rag?", 5, 4) == base {
		t.Error("fingerprint ignores knowledge-base version")
	}
}

func TestPutGet(t *testing.T) {
	c := New[string](4, nil)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "fp1"); ok {
		t.Fatal("hit on empty cache")
	}
	c.Put(ctx, "fp1", "answer", time.Minute)
	v, ok := c.Get(ctx, "fp1")
	if !ok || v != "answer" {
		t.Fatalf("Get = (%q, %v), want (answer, true)", v, ok)
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("stats = (%d, %d), want (1, 1)", hits, misses)
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New[string](4, nil)
	ctx := context.Background()
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Put(ctx, "fp1", "answer", time.Minute)
	if _, ok := c.Get(ctx, "fp1"); !ok {
		t.Fatal("entry missing before expiry")
	}

	now = now.Add(61 * time.Second)
	if _, ok := c.Get(ctx, "fp1"); ok {
		t.Fatal("entry served after expiry")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry still resident, Len = %d", c.Len())
	}
}

func TestLRUEviction(t *testing.T) {
	c := New[int](2, nil)
	ctx := context.Background()

	c.Put(ctx, "a", 1, time.Minute)
	c.Put(ctx, "b", 2, time.Minute)
	// Touch "a" so "b" becomes the eviction candidate.
	if _, ok := c.Get(ctx, "a"); !ok {
		t.Fatal("a missing")
	}
	c.Put(ctx, "c", 3, time.Minute)

	if _, ok := c.Get(ctx, "b"); ok {
		t.Error("least recently used entry survived eviction")
	}
	if _, ok := c.Get(ctx, "a"); !ok {
		t.Error("recently used entry was evicted")
	}
	if _, ok := c.Get(ctx, "c"); !ok {
		t.Error("new entry missing")
	}
}

func TestZeroTTLNotCached(t *testing.T) {
	c := New[string](4, nil)
	ctx := context.Background()
	c.Put(ctx, "fp1", "degraded", 0)
	if _, ok := c.Get(ctx, "fp1"); ok {
		t.Error("zero-TTL value was cached")
	}
}

func TestGetOrComputeMissThenHit(t *testing.T) {
	c := New[string](4, nil)
	ctx := context.Background()
	calls := 0

	v, hit, err := c.GetOrCompute(ctx, "fp1", func() (string, time.Duration, error) {
		calls++
		return "computed", time.Minute, nil
	})
	if err != nil || hit || v != "computed" {
		t.Fatalf("first call = (%q, %v, %v)", v, hit, err)
	}
	v, hit, err = c.GetOrCompute(ctx, "fp1", func() (string, time.Duration, error) {
		calls++
		return "recomputed", time.Minute, nil
	})
	if err != nil || !hit || v != "computed" {
		t.Fatalf("second call = (%q, %v, %v), want cached value", v, hit, err)
	}
	if calls != 1 {
		t.Errorf("compute ran %d times, want 1", calls)
	}
}

func TestGetOrComputeError(t *testing.T) {
	c := New[string](4, nil)
	ctx := context.Background()
	wantErr := errors.New("boom")

	_, _, err := c.GetOrCompute(ctx, "fp1", func() (string, time.Duration, error) {
		return "", 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	// A failed computation must not poison the cache.
	v, hit, err := c.GetOrCompute(ctx, "fp1", func() (string, time.Duration, error) {
		return "ok", time.Minute, nil
	})
	if err != nil || hit || v != "ok" {
		t.Errorf("after failure = (%q, %v, %v)", v, hit, err)
	}
}

func TestGetOrComputeNonCacheable(t *testing.T) {
	c := New[string](4, nil)
	ctx := context.Background()
	calls := 0

	for i := 0; i < 2; i++ {
		v, _, err := c.GetOrCompute(ctx, "fp1", func() (string, time.Duration, error) {
			calls++
			return "degraded", 0, nil
		})
		if err != nil || v != "degraded" {
			t.Fatalf("call %d = (%q, %v)", i, v, err)
		}
	}
	if calls != 2 {
		t.Errorf("non-cacheable result was cached: compute ran %d times, want 2", calls)
	}
}

func TestGetOrComputeCollapsesConcurrentMisses(t *testing.T) {
	c := New[string](4, nil)
	ctx := context.Background()

	var computes atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := c.GetOrCompute(ctx, "fp1", func() (string, time.Duration, error) {
				if computes.Add(1) == 1 {
					close(started)
				}
				<-release
				return "shared", time.Minute, nil
			})
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = v
		}(i)
	}

	<-started
	close(release)
	wg.Wait()

	if n := computes.Load(); n != 1 {
		t.Errorf("compute ran %d times for identical fingerprints, want 1", n)
	}
	for i, v := range results {
		if v != "shared" {
			t.Errorf("caller %d got %q", i, v)
		}
	}
}
