// Package engine implements the execution engine (C8): the single
// run(Request) entry point that selects one of five modes (Ephemeral,
// Cached, Checkpointed, Branched, Persistent) and drives the matching
// protocol across the pool, cache, manifest registry, checkpoint adapters,
// and fork manager. Mode dispatch and deadline handling are grounded on
// teacher's internal/sandbox/router.go Route method (middleware-free here,
// since the substrate has no auth/logging middleware chain to thread
// through — just its context-cancellation and per-instance-lock shape);
// persistent-mode exec serialization reuses router.go's sandboxEntry
// per-instance mutex pattern directly.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tangle-network/faas-substrate/internal/cache"
	"github.com/tangle-network/faas-substrate/internal/checkpoint"
	"github.com/tangle-network/faas-substrate/internal/fork"
	"github.com/tangle-network/faas-substrate/internal/manifest"
	"github.com/tangle-network/faas-substrate/internal/pool"
	"github.com/tangle-network/faas-substrate/internal/runtime"
	"github.com/tangle-network/faas-substrate/pkg/types"
)

// Checkpoints groups the three C4 adapters. Any of them may be nil when the
// corresponding tool (podman, firecracker, criu) is unavailable on this
// host; the engine returns Unsupported for operations that would need one.
type Checkpoints struct {
	ContainerFS *checkpoint.ContainerFSAdapter
	MicroVM     *checkpoint.MicroVMAdapter
	Process     *checkpoint.ProcessAdapter
}

// Engine is the substrate's single execution entry point.
type Engine struct {
	adapter     runtime.Adapter
	microvmRaw  *runtime.MicroVMAdapter // direct access for Persistent mode; nil if unsupported here
	pool        *pool.Pool
	cache       *cache.Cache
	manifests   *manifest.Registry
	checkpoints Checkpoints
	fork        *fork.Manager

	mu         sync.Mutex
	persistent map[string]*persistentEntry
}

type persistentEntry struct {
	mu       sync.Mutex
	instance *types.SandboxInstance
}

// New wires an engine over already-constructed components. microvmRaw may
// be nil on hosts without microVM support, in which case Persistent-mode
// requests return Unsupported.
func New(adapter runtime.Adapter, microvmRaw *runtime.MicroVMAdapter, p *pool.Pool, c *cache.Cache, manifests *manifest.Registry, checkpoints Checkpoints, forkMgr *fork.Manager) *Engine {
	return &Engine{
		adapter:     adapter,
		microvmRaw:  microvmRaw,
		pool:        p,
		cache:       c,
		manifests:   manifests,
		checkpoints: checkpoints,
		fork:        forkMgr,
		persistent:  make(map[string]*persistentEntry),
	}
}

// Run selects req.Mode's protocol and enforces req.Deadline as an overall
// cancellation: exceeding it force-destroys any sandbox created for the
// request and returns a Timeout error.
func (e *Engine) Run(ctx context.Context, req types.Request) (types.Response, error) {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	var resp types.Response
	var err error

	switch req.Mode {
	case types.ModeEphemeral:
		resp, err = e.runEphemeral(ctx, req)
	case types.ModeCached:
		resp, err = e.runCached(ctx, req)
	case types.ModeCheckpointed:
		resp, err = e.runCheckpointed(ctx, req)
	case types.ModeBranched:
		resp, err = e.runBranched(ctx, req)
	case types.ModePersistent:
		resp, err = e.runPersistent(ctx, req)
	default:
		return types.Response{}, types.Wrap(types.Invalid, "engine.Run", fmt.Errorf("unknown mode %q", req.Mode))
	}

	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return resp, types.Wrap(types.Timeout, "engine.Run", fmt.Errorf("request deadline exceeded: %w", err))
	}
	return resp, err
}

// runEphemeral acquires a pooled instance, execs the request, and releases
// (or destroys, on failure) it. Shared by Cached mode's miss path.
func (e *Engine) runEphemeral(ctx context.Context, req types.Request) (types.Response, error) {
	start := time.Now()

	inst, err := e.pool.Acquire(ctx, runtime.InstanceSpec{EnvKey: req.EnvKey, Env: req.EnvVars, CPUCount: 1, MemoryMB: 256, DiskMB: 512})
	if err != nil {
		return types.Response{}, err
	}

	result, execErr := e.adapter.Exec(ctx, inst.ID, runtime.ExecRequest{
		Command: splitCommand(req.Code),
		Env:     req.EnvVars,
		Timeout: timeUntilDeadline(req.Deadline),
	})

	if execErr != nil {
		// Adapter-level failure (not a nonzero exit, which is carried in
		// result): the sandbox is in an unknown state, destroy it outright
		// rather than return it to the pool.
		_ = e.adapter.Destroy(context.Background(), inst.ID)
		return types.Response{}, execErr
	}

	if relErr := e.pool.Release(context.Background(), inst); relErr != nil {
		return types.Response{}, relErr
	}

	return types.Response{
		ExitCode: result.ExitCode,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		Duration: time.Since(start),
	}, nil
}

// runCached consults the result cache, falling back to the Ephemeral
// protocol under a single-flight guard keyed by the request's fingerprint
// on a miss.
func (e *Engine) runCached(ctx context.Context, req types.Request) (types.Response, error) {
	fp := cache.Fingerprint(req.EnvKey, req.Mode, req.Code, req.EnvVars, req.Input)
	return e.cache.GetOrCompute(ctx, fp, func(ctx context.Context) (types.Response, error) {
		return e.runEphemeral(ctx, req)
	})
}

// runCheckpointed implements the two Checkpointed sub-protocols: Create runs
// fresh and snapshots on completion; RestoreAndRun materializes a sandbox
// from an existing manifest and continues execution there.
func (e *Engine) runCheckpointed(ctx context.Context, req types.Request) (types.Response, error) {
	switch req.CheckpointAction {
	case types.CheckpointCreate:
		return e.checkpointCreate(ctx, req)
	case types.CheckpointRestoreAndRun:
		return e.checkpointRestoreAndRun(ctx, req)
	default:
		return types.Response{}, types.Wrap(types.Invalid, "engine.runCheckpointed", fmt.Errorf("unknown checkpoint action %q", req.CheckpointAction))
	}
}

func (e *Engine) checkpointCreate(ctx context.Context, req types.Request) (types.Response, error) {
	start := time.Now()

	inst, err := e.adapter.Create(ctx, runtime.InstanceSpec{EnvKey: req.EnvKey, Env: req.EnvVars, CPUCount: 1, MemoryMB: 256, DiskMB: 512})
	if err != nil {
		return types.Response{}, err
	}

	result, execErr := e.adapter.Exec(ctx, inst.ID, runtime.ExecRequest{
		Command: splitCommand(req.Code),
		Env:     req.EnvVars,
		Timeout: timeUntilDeadline(req.Deadline),
	})
	if execErr != nil {
		_ = e.adapter.Destroy(context.Background(), inst.ID)
		return types.Response{}, execErr
	}

	if err := e.adapter.Pause(ctx, inst.ID); err != nil {
		_ = e.adapter.Destroy(context.Background(), inst.ID)
		return types.Response{}, err
	}

	var m *types.Manifest
	switch e.adapter.Backend() {
	case types.BackendMicroVM:
		if e.checkpoints.MicroVM == nil {
			_ = e.adapter.Destroy(context.Background(), inst.ID)
			return types.Response{}, types.Wrap(types.Unsupported, "engine.checkpointCreate", fmt.Errorf("no microVM checkpoint adapter configured"))
		}
		m, err = e.checkpoints.MicroVM.Checkpoint(ctx, inst.ID, req.ManifestID, nil)
	default:
		if e.checkpoints.ContainerFS == nil {
			_ = e.adapter.Destroy(context.Background(), inst.ID)
			return types.Response{}, types.Wrap(types.Unsupported, "engine.checkpointCreate", fmt.Errorf("no container-filesystem checkpoint adapter configured"))
		}
		m, err = e.checkpoints.ContainerFS.Checkpoint(ctx, inst.ID, req.ManifestID, nil)
	}
	if err != nil {
		_ = e.adapter.Destroy(context.Background(), inst.ID)
		return types.Response{}, err
	}

	// The microVM checkpoint path tears the VM process down as part of
	// hibernation; the container path leaves the paused container running
	// and must be cleaned up explicitly.
	if e.adapter.Backend() != types.BackendMicroVM {
		_ = e.adapter.Destroy(context.Background(), inst.ID)
	}

	return types.Response{
		ExitCode:   result.ExitCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ManifestID: m.ID,
		Duration:   time.Since(start),
	}, nil
}

func (e *Engine) checkpointRestoreAndRun(ctx context.Context, req types.Request) (types.Response, error) {
	start := time.Now()

	m, err := e.manifests.Get(ctx, req.ManifestID)
	if err != nil {
		return types.Response{}, err
	}

	var inst *types.SandboxInstance
	switch m.Kind {
	case types.ManifestKindMicroVMSnapshot:
		if e.checkpoints.MicroVM == nil {
			return types.Response{}, types.Wrap(types.Unsupported, "engine.checkpointRestoreAndRun", fmt.Errorf("no microVM checkpoint adapter configured"))
		}
		inst, err = e.checkpoints.MicroVM.Restore(ctx, req.ManifestID, req.EnvKey)
	case types.ManifestKindContainerFS:
		if e.checkpoints.ContainerFS == nil {
			return types.Response{}, types.Wrap(types.Unsupported, "engine.checkpointRestoreAndRun", fmt.Errorf("no container-filesystem checkpoint adapter configured"))
		}
		name := "faasd-restore-" + uuid.New().String()[:8]
		if rErr := e.checkpoints.ContainerFS.Restore(ctx, req.ManifestID, name); rErr != nil {
			return types.Response{}, rErr
		}
		inst = &types.SandboxInstance{ID: name, EnvKey: req.EnvKey, Backend: types.BackendContainer, Status: types.InstanceRunning, CreatedAt: time.Now(), LastUsed: time.Now()}
	default:
		return types.Response{}, types.Wrap(types.Invalid, "engine.checkpointRestoreAndRun", fmt.Errorf("manifest %s is not a restorable checkpoint kind", req.ManifestID))
	}
	if err != nil {
		return types.Response{}, err
	}

	result, execErr := e.adapter.Exec(ctx, inst.ID, runtime.ExecRequest{
		Command: splitCommand(req.Code),
		Env:     req.EnvVars,
		Timeout: timeUntilDeadline(req.Deadline),
	})
	if execErr != nil {
		_ = e.adapter.Destroy(context.Background(), inst.ID)
		return types.Response{}, execErr
	}

	resp := types.Response{
		ExitCode:   result.ExitCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		InstanceID: inst.ID,
		Duration:   time.Since(start),
	}

	// Optional re-checkpoint: a nonempty tag in ManifestID's successor is
	// signaled by the caller issuing a second CheckpointCreate request
	// chained to this one's ManifestID — re-checkpointing inline here
	// would conflate the two sub-protocols, so it is left to the caller.
	_ = e.adapter.Destroy(context.Background(), inst.ID)
	return resp, nil
}

// runBranched forks a child sandbox from a parent snapshot with
// copy-on-write semantics and executes the request inside it, like
// Ephemeral. The branch is single-use: it is torn down after the request
// completes, since a branch's identity is the manifest+strategy pairing,
// not a pooled instance.
func (e *Engine) runBranched(ctx context.Context, req types.Request) (types.Response, error) {
	if req.ParentManifestID == "" {
		return types.Response{}, types.Wrap(types.Invalid, "engine.runBranched", fmt.Errorf("branched mode requires parent_manifest_id"))
	}
	start := time.Now()

	m, err := e.manifests.Get(ctx, req.ParentManifestID)
	if err != nil {
		return types.Response{}, err
	}

	if m.Kind == types.ManifestKindMicroVMSnapshot {
		inst, err := e.fork.FastForkVM(ctx, req.ParentManifestID, req.EnvKey)
		if err != nil {
			return types.Response{}, err
		}
		result, execErr := e.adapter.Exec(ctx, inst.ID, runtime.ExecRequest{
			Command: splitCommand(req.Code), Env: req.EnvVars, Timeout: timeUntilDeadline(req.Deadline),
		})
		_ = e.adapter.Destroy(context.Background(), inst.ID)
		if execErr != nil {
			return types.Response{}, execErr
		}
		return types.Response{ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr, InstanceID: inst.ID, Duration: time.Since(start)}, nil
	}

	if e.checkpoints.ContainerFS == nil {
		return types.Response{}, types.Wrap(types.Unsupported, "engine.runBranched", fmt.Errorf("no container-filesystem checkpoint adapter configured"))
	}
	containerAdapter, ok := e.adapter.(*runtime.ContainerAdapter)
	if !ok {
		return types.Response{}, types.Wrap(types.Unsupported, "engine.runBranched", fmt.Errorf("branched mode over a container-filesystem manifest requires the container backend"))
	}

	parentDir, cleanupParent, err := e.extractParentFS(ctx, req.ParentManifestID)
	if err != nil {
		return types.Response{}, err
	}
	defer cleanupParent()

	branch, err := e.fork.FastFork(ctx, req.ParentManifestID, parentDir)
	if err != nil {
		return types.Response{}, err
	}
	defer func() { _ = e.fork.CleanupFork(context.Background(), branch.ID) }()

	mergeDir, err := e.fork.MergeDir(branch.ID)
	if err != nil {
		return types.Response{}, err
	}

	inst, err := containerAdapter.CreateFromWorkspace(ctx, runtime.InstanceSpec{EnvKey: req.EnvKey, Env: req.EnvVars, CPUCount: 1, MemoryMB: 256, DiskMB: 512}, mergeDir)
	if err != nil {
		return types.Response{}, err
	}
	defer func() { _ = containerAdapter.Destroy(context.Background(), inst.ID) }()

	result, execErr := containerAdapter.Exec(ctx, inst.ID, runtime.ExecRequest{
		Command: splitCommand(req.Code), Env: req.EnvVars, Timeout: timeUntilDeadline(req.Deadline),
	})
	if execErr != nil {
		return types.Response{}, execErr
	}

	return types.Response{
		ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr,
		InstanceID: inst.ID, Duration: time.Since(start),
	}, nil
}

func (e *Engine) extractParentFS(ctx context.Context, manifestID string) (dir string, cleanup func(), err error) {
	scratch, err := os.MkdirTemp(e.adapter.DataDir(), "branch-src-")
	if err != nil {
		return "", nil, types.Wrap(types.Io, "engine.extractParentFS", err)
	}
	if err := e.checkpoints.ContainerFS.ExtractTo(ctx, manifestID, scratch); err != nil {
		_ = os.RemoveAll(scratch)
		return "", nil, err
	}
	return scratch, func() { _ = os.RemoveAll(scratch) }, nil
}

// runPersistent routes to the microVM backend directly (bypassing the
// pool), booting a long-lived instance or reusing one already tracked by
// InstanceID, and serializes concurrent exec requests against it with a
// per-instance mutex — the same discipline teacher's router.go sandboxEntry
// applies per sandbox.
func (e *Engine) runPersistent(ctx context.Context, req types.Request) (types.Response, error) {
	if e.microvmRaw == nil {
		return types.Response{}, types.Wrap(types.Unsupported, "engine.runPersistent", fmt.Errorf("persistent mode requires the microVM backend"))
	}
	start := time.Now()

	switch req.Op {
	case types.PersistentStart:
		inst, err := e.microvmRaw.Create(ctx, runtime.InstanceSpec{EnvKey: req.EnvKey, Env: req.EnvVars, CPUCount: 1, MemoryMB: 512, DiskMB: 1024})
		if err != nil {
			return types.Response{}, err
		}
		e.trackPersistent(inst)
		return types.Response{InstanceID: inst.ID, Duration: time.Since(start)}, nil

	case types.PersistentStop:
		entry, err := e.persistentEntry(req.InstanceID)
		if err != nil {
			return types.Response{}, err
		}
		entry.mu.Lock()
		defer entry.mu.Unlock()
		if err := e.microvmRaw.Destroy(ctx, req.InstanceID); err != nil {
			return types.Response{}, err
		}
		e.mu.Lock()
		delete(e.persistent, req.InstanceID)
		e.mu.Unlock()
		return types.Response{InstanceID: req.InstanceID, Duration: time.Since(start)}, nil

	case types.PersistentPause:
		if e.checkpoints.MicroVM == nil {
			return types.Response{}, types.Wrap(types.Unsupported, "engine.runPersistent", fmt.Errorf("no microVM checkpoint adapter configured"))
		}
		entry, err := e.persistentEntry(req.InstanceID)
		if err != nil {
			return types.Response{}, err
		}
		entry.mu.Lock()
		defer entry.mu.Unlock()
		m, err := e.checkpoints.MicroVM.Checkpoint(ctx, req.InstanceID, "", nil)
		if err != nil {
			return types.Response{}, err
		}
		e.mu.Lock()
		delete(e.persistent, req.InstanceID)
		e.mu.Unlock()
		return types.Response{ManifestID: m.ID, InstanceID: req.InstanceID, Duration: time.Since(start)}, nil

	case types.PersistentResume:
		if e.checkpoints.MicroVM == nil {
			return types.Response{}, types.Wrap(types.Unsupported, "engine.runPersistent", fmt.Errorf("no microVM checkpoint adapter configured"))
		}
		inst, err := e.checkpoints.MicroVM.Restore(ctx, req.ManifestID, req.EnvKey)
		if err != nil {
			return types.Response{}, err
		}
		e.trackPersistent(inst)
		return types.Response{InstanceID: inst.ID, Duration: time.Since(start)}, nil

	case types.PersistentExposePort:
		entry, err := e.persistentEntry(req.InstanceID)
		if err != nil {
			return types.Response{}, err
		}
		entry.mu.Lock()
		defer entry.mu.Unlock()
		hostPort, err := e.microvmRaw.ExposePort(ctx, req.InstanceID, req.Port)
		if err != nil {
			return types.Response{}, err
		}
		return types.Response{InstanceID: req.InstanceID, Duration: time.Since(start), Port: hostPort}, nil

	case types.PersistentUpload:
		entry, err := e.persistentEntry(req.InstanceID)
		if err != nil {
			return types.Response{}, err
		}
		entry.mu.Lock()
		defer entry.mu.Unlock()
		if err := e.microvmRaw.UploadFiles(ctx, req.InstanceID, req.Files); err != nil {
			return types.Response{}, err
		}
		return types.Response{InstanceID: req.InstanceID, Duration: time.Since(start)}, nil

	case types.PersistentExec:
		entry, err := e.persistentEntry(req.InstanceID)
		if err != nil {
			return types.Response{}, err
		}
		entry.mu.Lock()
		defer entry.mu.Unlock()
		result, err := e.microvmRaw.Exec(ctx, req.InstanceID, runtime.ExecRequest{
			Command: splitCommand(req.Code), Env: req.EnvVars, Timeout: timeUntilDeadline(req.Deadline),
		})
		if err != nil {
			return types.Response{}, err
		}
		return types.Response{
			ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr,
			InstanceID: req.InstanceID, Duration: time.Since(start),
		}, nil

	default:
		return types.Response{}, types.Wrap(types.Invalid, "engine.runPersistent", fmt.Errorf("unknown persistent op %q", req.Op))
	}
}

func (e *Engine) trackPersistent(inst *types.SandboxInstance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.persistent[inst.ID] = &persistentEntry{instance: inst}
}

func (e *Engine) persistentEntry(instanceID string) (*persistentEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.persistent[instanceID]
	if !ok {
		return nil, types.Wrap(types.NotFound, "engine.persistentEntry", fmt.Errorf("persistent instance %s not tracked", instanceID))
	}
	return entry, nil
}

func timeUntilDeadline(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return 0
	}
	return time.Until(deadline)
}

// splitCommand treats req.Code as a shell command line resolved upstream
// (the engine does not itself interpret scripting languages); a request
// that already carries a tokenized argv would bypass this, but Request's
// Code field is byte-oriented per the wire contract.
func splitCommand(code []byte) []string {
	if len(code) == 0 {
		return []string{"true"}
	}
	return []string{"/bin/sh", "-c", string(code)}
}
