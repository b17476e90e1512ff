package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tangle-network/faas-substrate/pkg/types"
)

func TestFingerprintStableAndSensitive(t *testing.T) {
	env := map[string]string{"B": "2", "A": "1"}
	reordered := map[string]string{"A": "1", "B": "2"}

	f1 := Fingerprint("alpine", types.ModeCached, []byte("code"), env, []byte("in"))
	f2 := Fingerprint("alpine", types.ModeCached, []byte("code"), reordered, []byte("in"))
	if f1 != f2 {
		t.Fatalf("expected map-order-independent fingerprint, got %s vs %s", f1, f2)
	}

	f3 := Fingerprint("alpine", types.ModeCached, []byte("different"), env, []byte("in"))
	if f1 == f3 {
		t.Fatalf("expected different code to change the fingerprint")
	}
}

func TestGetOrComputeHitReturnsStored(t *testing.T) {
	c := New(Config{})
	fp := Fingerprint("alpine", types.ModeCached, []byte("code"), nil, nil)

	var calls int64
	compute := func(ctx context.Context) (types.Response, error) {
		atomic.AddInt64(&calls, 1)
		return types.Response{ExitCode: 0, Stdout: []byte("out")}, nil
	}

	resp1, err := c.GetOrCompute(context.Background(), fp, compute)
	if err != nil {
		t.Fatalf("first GetOrCompute: %v", err)
	}
	if resp1.CacheHit {
		t.Fatalf("expected first call to be a miss")
	}

	resp2, err := c.GetOrCompute(context.Background(), fp, compute)
	if err != nil {
		t.Fatalf("second GetOrCompute: %v", err)
	}
	if !resp2.CacheHit {
		t.Fatalf("expected second call to be a cache hit")
	}
	if string(resp2.Stdout) != "out" {
		t.Fatalf("expected identical stdout bytes, got %q", resp2.Stdout)
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Fatalf("expected exactly one underlying execution, got %d", calls)
	}
}

// TestGetOrComputeSingleFlightCoalesces issues N concurrent misses with an
// identical fingerprint and checks exactly one execution occurs and every
// caller observes identical result bytes.
func TestGetOrComputeSingleFlightCoalesces(t *testing.T) {
	c := New(Config{})
	fp := Fingerprint("alpine", types.ModeCached, []byte("code"), nil, nil)

	var calls int64
	start := make(chan struct{})
	compute := func(ctx context.Context) (types.Response, error) {
		<-start
		atomic.AddInt64(&calls, 1)
		return types.Response{ExitCode: 0, Stdout: []byte("shared-result")}, nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]types.Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			resp, err := c.GetOrCompute(context.Background(), fp, compute)
			if err != nil {
				t.Errorf("GetOrCompute: %v", err)
				return
			}
			results[idx] = resp
		}(i)
	}
	close(start)
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected exactly one underlying execution for %d concurrent misses, got %d", n, got)
	}
	for i, r := range results {
		if string(r.Stdout) != "shared-result" {
			t.Fatalf("result %d: expected shared-result, got %q", i, r.Stdout)
		}
	}
}

func TestEntryExceedingPerEntryCapIsNotStored(t *testing.T) {
	c := New(Config{MaxEntryBytes: 4})
	fp := Fingerprint("alpine", types.ModeCached, []byte("code"), nil, nil)

	_, err := c.GetOrCompute(context.Background(), fp, func(ctx context.Context) (types.Response, error) {
		return types.Response{Stdout: []byte("way too big for the cap")}, nil
	})
	if err != nil {
		t.Fatalf("GetOrCompute: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected oversized entry to be rejected, got Len=%d", c.Len())
	}
}

func TestEvictionDropsLeastRecentlyHit(t *testing.T) {
	c := New(Config{MaxTotalBytes: 10, MaxEntryBytes: 10})

	put := func(key string, size int) {
		fp := Fingerprint("alpine", types.ModeCached, []byte(key), nil, nil)
		data := make([]byte, size)
		_, err := c.GetOrCompute(context.Background(), fp, func(ctx context.Context) (types.Response, error) {
			return types.Response{Stdout: data}, nil
		})
		if err != nil {
			t.Fatalf("GetOrCompute(%s): %v", key, err)
		}
	}

	put("a", 5)
	put("b", 5)
	// Touch "a" so it is more recently hit than "b".
	fpA := Fingerprint("alpine", types.ModeCached, []byte("a"), nil, nil)
	c.Get(fpA)

	// Adding "c" pushes total past the 10-byte cap; "b" (least recently
	// hit) should be evicted, not "a".
	put("c", 5)

	c.mu.Lock()
	_, hasA := c.entries[fpA]
	fpB := Fingerprint("alpine", types.ModeCached, []byte("b"), nil, nil)
	_, hasB := c.entries[fpB]
	c.mu.Unlock()

	if !hasA {
		t.Fatalf("expected recently-hit entry a to survive eviction")
	}
	if hasB {
		t.Fatalf("expected least-recently-hit entry b to be evicted")
	}
}
