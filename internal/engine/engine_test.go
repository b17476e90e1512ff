package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tangle-network/faas-substrate/internal/cache"
	"github.com/tangle-network/faas-substrate/internal/pool"
	"github.com/tangle-network/faas-substrate/internal/runtime"
	"github.com/tangle-network/faas-substrate/pkg/types"
)

// fakeAdapter is a minimal in-memory runtime.Adapter for exercising the
// engine's dispatch and deadline handling without a container or microVM
// backend.
type fakeAdapter struct {
	mu        sync.Mutex
	counter   int64
	instances map[string]*types.SandboxInstance

	execDelay  time.Duration
	execExit   int
	execErr    error
	destroyed  []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{instances: make(map[string]*types.SandboxInstance)}
}

func (f *fakeAdapter) Backend() types.Backend { return types.BackendContainer }

func (f *fakeAdapter) Create(ctx context.Context, spec runtime.InstanceSpec) (*types.SandboxInstance, error) {
	id := fmt.Sprintf("inst-%d", atomic.AddInt64(&f.counter, 1))
	inst := &types.SandboxInstance{ID: id, EnvKey: spec.EnvKey, Backend: types.BackendContainer, Status: types.InstanceRunning, CreatedAt: time.Now(), LastUsed: time.Now()}
	f.mu.Lock()
	f.instances[id] = inst
	f.mu.Unlock()
	return inst, nil
}

func (f *fakeAdapter) Destroy(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, id)
	f.destroyed = append(f.destroyed, id)
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

func (f *fakeAdapter) List(ctx context.Context) ([]*types.SandboxInstance, error) { return nil, nil }

func (f *fakeAdapter) Exec(ctx context.Context, id string, req runtime.ExecRequest) (*runtime.ExecResult, error) {
	if f.execDelay > 0 {
		select {
		case <-time.After(f.execDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &runtime.ExecResult{ExitCode: f.execExit, Stdout: []byte("ok")}, nil
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

func newTestEngine(adapter *fakeAdapter) *Engine {
	p := pool.New(adapter, pool.Config{ReapInterval: time.Hour})
	c := cache.New(cache.Config{})
	return New(adapter, nil, p, c, nil, Checkpoints{}, nil)
}

func TestRunEphemeralSuccess(t *testing.T) {
	adapter := newFakeAdapter()
	e := newTestEngine(adapter)

	resp, err := e.Run(context.Background(), types.Request{Mode: types.ModeEphemeral, EnvKey: "alpine", Code: []byte("echo hi")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.ExitCode != 0 || string(resp.Stdout) != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRunEphemeralDestroysOnExecFailure(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.execErr = fmt.Errorf("boom")
	e := newTestEngine(adapter)

	_, err := e.Run(context.Background(), types.Request{Mode: types.ModeEphemeral, EnvKey: "alpine", Code: []byte("echo hi")})
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(adapter.destroyed) != 1 {
		t.Fatalf("expected the failed instance to be destroyed, got %v", adapter.destroyed)
	}
}

func TestRunCachedCoalescesAndHits(t *testing.T) {
	adapter := newFakeAdapter()
	e := newTestEngine(adapter)

	req := types.Request{Mode: types.ModeCached, EnvKey: "alpine", Code: []byte("echo hi")}

	resp1, err := e.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if resp1.CacheHit {
		t.Fatalf("expected first run to be a miss")
	}

	resp2, err := e.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !resp2.CacheHit {
		t.Fatalf("expected second run to be a cache hit")
	}
}

func TestRunUnknownModeIsInvalid(t *testing.T) {
	adapter := newFakeAdapter()
	e := newTestEngine(adapter)

	_, err := e.Run(context.Background(), types.Request{Mode: types.Mode("bogus")})
	if types.KindOf(err) != types.Invalid {
		t.Fatalf("expected Invalid, got %v", err)
	}
}

func TestRunBranchedWithoutParentIsInvalid(t *testing.T) {
	adapter := newFakeAdapter()
	e := newTestEngine(adapter)

	_, err := e.Run(context.Background(), types.Request{Mode: types.ModeBranched})
	if types.KindOf(err) != types.Invalid {
		t.Fatalf("expected Invalid, got %v", err)
	}
}

func TestRunPersistentWithoutMicroVMIsUnsupported(t *testing.T) {
	adapter := newFakeAdapter()
	e := newTestEngine(adapter)

	_, err := e.Run(context.Background(), types.Request{Mode: types.ModePersistent, Op: types.PersistentStart})
	if types.KindOf(err) != types.Unsupported {
		t.Fatalf("expected Unsupported, got %v", err)
	}
}

func TestRunDeadlineExceededReturnsTimeout(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.execDelay = 50 * time.Millisecond
	e := newTestEngine(adapter)

	req := types.Request{
		Mode: types.ModeEphemeral, EnvKey: "alpine", Code: []byte("sleep"),
		Deadline: time.Now().Add(5 * time.Millisecond),
	}
	_, err := e.Run(context.Background(), req)
	if types.KindOf(err) != types.Timeout {
		t.Fatalf("expected Timeout, got %v", err)
	}
}
