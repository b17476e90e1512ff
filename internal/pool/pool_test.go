package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tangle-network/faas-substrate/internal/runtime"
	"github.com/tangle-network/faas-substrate/pkg/types"
)

// fakeAdapter is an in-memory runtime.Adapter stand-in for exercising the
// pool without a container or microVM backend.
type fakeAdapter struct {
	mu      sync.Mutex
	counter int64
	created int64
	destroyed int64
	instances map[string]*types.SandboxInstance
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{instances: make(map[string]*types.SandboxInstance)}
}

func (f *fakeAdapter) Backend() types.Backend { return types.BackendContainer }

func (f *fakeAdapter) Create(ctx context.Context, spec runtime.InstanceSpec) (*types.SandboxInstance, error) {
	id := fmt.Sprintf("inst-%d", atomic.AddInt64(&f.counter, 1))
	inst := &types.SandboxInstance{
		ID: id, EnvKey: spec.EnvKey, Backend: types.BackendContainer,
		Status: types.InstanceRunning, CreatedAt: time.Now(), LastUsed: time.Now(),
	}
	f.mu.Lock()
	f.instances[id] = inst
	f.created++
	f.mu.Unlock()
	return inst, nil
}

func (f *fakeAdapter) Destroy(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, id)
	f.destroyed++
	return nil
}

func (f *fakeAdapter) Get(ctx context.Context, id string) (*types.SandboxInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, types.Wrap(types.NotFound, "fakeAdapter.Get", fmt.Errorf("%s not found", id))
	}
	return inst, nil
}

func (f *fakeAdapter) List(ctx context.Context) ([]*types.SandboxInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.SandboxInstance
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out, nil
}

func (f *fakeAdapter) Exec(ctx context.Context, id string, req runtime.ExecRequest) (*runtime.ExecResult, error) {
	return &runtime.ExecResult{ExitCode: 0}, nil
}

func (f *fakeAdapter) Pause(ctx context.Context, id string) error  { return nil }
func (f *fakeAdapter) Resume(ctx context.Context, id string) error { return nil }

func (f *fakeAdapter) ExposePort(ctx context.Context, id string, containerPort int) (int, error) {
	return 0, types.Wrap(types.Unsupported, "fakeAdapter.ExposePort", fmt.Errorf("not supported"))
}

func (f *fakeAdapter) UploadFiles(ctx context.Context, id string, files map[string][]byte) error {
	return nil
}

func (f *fakeAdapter) DataDir() string { return "" }

func TestAcquireMissThenHit(t *testing.T) {
	adapter := newFakeAdapter()
	p := New(adapter, Config{ReapInterval: time.Hour})
	defer p.Stop()

	spec := runtime.InstanceSpec{EnvKey: "alpine"}
	inst, err := p.Acquire(context.Background(), spec)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if inst.EnvKey != "alpine" {
		t.Fatalf("expected alpine instance, got %+v", inst)
	}
	stats := p.Stats("alpine")
	if stats.Misses != 1 || stats.Hits != 0 || stats.Created != 1 {
		t.Fatalf("expected 1 miss/0 hits/1 created after first acquire, got %+v", stats)
	}

	if err := p.Release(context.Background(), inst); err != nil {
		t.Fatalf("Release: %v", err)
	}
	stats = p.Stats("alpine")
	if stats.Ready != 1 {
		t.Fatalf("expected 1 ready instance after release, got %+v", stats)
	}

	inst2, err := p.Acquire(context.Background(), spec)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if inst2.ID != inst.ID {
		t.Fatalf("expected LIFO reuse of released instance, got %s want %s", inst2.ID, inst.ID)
	}
	stats = p.Stats("alpine")
	if stats.Hits != 1 || stats.Requests != 2 {
		t.Fatalf("expected 1 hit / 2 requests after second acquire, got %+v", stats)
	}
}

func TestReleaseDestroysWhenPoolFull(t *testing.T) {
	adapter := newFakeAdapter()
	p := New(adapter, Config{MaxSize: 1, ReapInterval: time.Hour})
	defer p.Stop()

	spec := runtime.InstanceSpec{EnvKey: "alpine"}
	a, _ := p.Acquire(context.Background(), spec)
	b, _ := p.Acquire(context.Background(), spec)

	if err := p.Release(context.Background(), a); err != nil {
		t.Fatalf("Release a: %v", err)
	}
	if err := p.Release(context.Background(), b); err != nil {
		t.Fatalf("Release b: %v", err)
	}

	stats := p.Stats("alpine")
	if stats.Ready != 1 {
		t.Fatalf("expected pool capped at MaxSize=1, got ready=%d", stats.Ready)
	}
	if stats.Destroyed != 1 {
		t.Fatalf("expected the second release to destroy its instance, got destroyed=%d", stats.Destroyed)
	}
}

func TestReleaseDestroysPastHardCapAge(t *testing.T) {
	adapter := newFakeAdapter()
	p := New(adapter, Config{MaxSize: 10, HardCapAge: time.Millisecond, ReapInterval: time.Hour})
	defer p.Stop()

	inst, _ := p.Acquire(context.Background(), runtime.InstanceSpec{EnvKey: "alpine"})
	time.Sleep(5 * time.Millisecond)

	if err := p.Release(context.Background(), inst); err != nil {
		t.Fatalf("Release: %v", err)
	}
	stats := p.Stats("alpine")
	if stats.Ready != 0 || stats.Destroyed != 1 {
		t.Fatalf("expected aged-out instance to be destroyed not pooled, got %+v", stats)
	}
}

func TestReleaseDestroysPastUseCountCap(t *testing.T) {
	adapter := newFakeAdapter()
	p := New(adapter, Config{MaxSize: 10, UseCountCap: 2, ReapInterval: time.Hour})
	defer p.Stop()

	spec := runtime.InstanceSpec{EnvKey: "alpine"}
	inst, _ := p.Acquire(context.Background(), spec)
	if err := p.Release(context.Background(), inst); err != nil {
		t.Fatalf("Release 1: %v", err)
	}

	inst, _ = p.Acquire(context.Background(), spec) // useCount now 2, at cap
	if err := p.Release(context.Background(), inst); err != nil {
		t.Fatalf("Release 2: %v", err)
	}

	stats := p.Stats("alpine")
	if stats.Ready != 0 || stats.Destroyed != 1 {
		t.Fatalf("expected instance at its use-count cap to be destroyed at release, not pooled, got %+v", stats)
	}
}

func TestReleaseDestroysPastIdleCap(t *testing.T) {
	adapter := newFakeAdapter()
	p := New(adapter, Config{MaxSize: 10, IdleCap: time.Millisecond, ReapInterval: time.Hour})
	defer p.Stop()

	inst, _ := p.Acquire(context.Background(), runtime.InstanceSpec{EnvKey: "alpine"})
	time.Sleep(5 * time.Millisecond)

	if err := p.Release(context.Background(), inst); err != nil {
		t.Fatalf("Release: %v", err)
	}
	stats := p.Stats("alpine")
	if stats.Ready != 0 || stats.Destroyed != 1 {
		t.Fatalf("expected instance idle past cap since last use to be destroyed not pooled, got %+v", stats)
	}
}

func TestPredictiveWarmFillsToTarget(t *testing.T) {
	adapter := newFakeAdapter()
	p := New(adapter, Config{MaxSize: 10, WarmConcurrency: 2, ReapInterval: time.Hour})
	defer p.Stop()

	err := p.PredictiveWarm(context.Background(), []WarmRequest{
		{EnvKey: "alpine", Spec: runtime.InstanceSpec{EnvKey: "alpine"}, Count: 3},
	})
	if err != nil {
		t.Fatalf("PredictiveWarm: %v", err)
	}
	stats := p.Stats("alpine")
	if stats.Ready != 3 {
		t.Fatalf("expected 3 warmed instances, got %+v", stats)
	}
}

func TestPredictiveWarmCapsAtMaxSize(t *testing.T) {
	adapter := newFakeAdapter()
	p := New(adapter, Config{MaxSize: 2, WarmConcurrency: 4, ReapInterval: time.Hour})
	defer p.Stop()

	if err := p.PredictiveWarm(context.Background(), []WarmRequest{
		{EnvKey: "alpine", Spec: runtime.InstanceSpec{EnvKey: "alpine"}, Count: 5},
	}); err != nil {
		t.Fatalf("PredictiveWarm: %v", err)
	}
	stats := p.Stats("alpine")
	if stats.Ready != 2 {
		t.Fatalf("expected warm to cap at MaxSize=2, got ready=%d", stats.Ready)
	}
}

// TestAcquisitionEWMAHalvesTowardNewSample exercises the spec's literal
// (old+new)/2 update rule: after a slow first acquisition and a fast
// second, the running average should be exactly their midpoint, not a
// weighted EWMA.
func TestAcquisitionEWMAHalvesTowardNewSample(t *testing.T) {
	adapter := newFakeAdapter()
	p := New(adapter, Config{ReapInterval: time.Hour})
	defer p.Stop()

	ep := p.poolFor("alpine")
	p.recordAcquisition(ep, 100*time.Millisecond)
	if ep.avgAcquireSeconds != 0.1 {
		t.Fatalf("expected first sample to seed average, got %v", ep.avgAcquireSeconds)
	}
	p.recordAcquisition(ep, 300*time.Millisecond)
	want := (0.1 + 0.3) / 2
	if ep.avgAcquireSeconds != want {
		t.Fatalf("expected (old+new)/2 = %v, got %v", want, ep.avgAcquireSeconds)
	}
}

func TestReapOnceRemovesIdleInstances(t *testing.T) {
	adapter := newFakeAdapter()
	p := New(adapter, Config{IdleCap: time.Millisecond, ReapInterval: time.Hour})
	defer p.Stop()

	inst, _ := p.Acquire(context.Background(), runtime.InstanceSpec{EnvKey: "alpine"})
	if err := p.Release(context.Background(), inst); err != nil {
		t.Fatalf("Release: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	p.reapOnce()

	stats := p.Stats("alpine")
	if stats.Ready != 0 {
		t.Fatalf("expected idle instance reaped, got ready=%d", stats.Ready)
	}
	if stats.Destroyed != 1 {
		t.Fatalf("expected reaper to destroy the idle instance, got destroyed=%d", stats.Destroyed)
	}
}

func TestReapOnceDropsEmptyPoolPastTTL(t *testing.T) {
	adapter := newFakeAdapter()
	p := New(adapter, Config{EmptyPoolTTL: time.Millisecond, ReapInterval: time.Hour})
	defer p.Stop()

	ep := p.poolFor("alpine")
	ep.emptiedAt = time.Now().Add(-time.Hour)

	time.Sleep(2 * time.Millisecond)
	p.reapOnce()

	p.mu.Lock()
	_, ok := p.pools["alpine"]
	p.mu.Unlock()
	if ok {
		t.Fatalf("expected empty-too-long pool bookkeeping to be removed")
	}
}
