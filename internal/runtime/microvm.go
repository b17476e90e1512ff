package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tangle-network/faas-substrate/internal/template"
	"github.com/tangle-network/faas-substrate/pkg/types"
)

// vmMeta is persisted to vm-meta.json in each instance directory so a
// hard-kill recovery can identify what was running without a database.
// Grounded on the pack's SandboxMeta.
type vmMeta struct {
	InstanceID string `json:"instanceId"`
	EnvKey     string `json:"envKey"`
	CPUCount   int    `json:"cpuCount"`
	MemoryMB   int    `json:"memoryMB"`
	GuestPort  int    `json:"guestPort"`
	GuestCID   uint32 `json:"guestCID"`
}

type vmInstance struct {
	meta      vmMeta
	instance  *types.SandboxInstance
	cmd       *exec.Cmd
	api       *firecrackerAPIClient
	vsockPath string
	instDir   string
	rootfs    string
	workspace string
}

// MicroVMConfig configures the microVM backend.
type MicroVMConfig struct {
	DataDir         string
	KernelPath      string
	ImagesDir       string
	FirecrackerBin  string
	DefaultMemoryMB int
	DefaultCPUs     int
	DefaultDiskMB   int
	DefaultPort     int // guest port the in-VM agent listens on
}

// MicroVMAdapter implements Adapter using Firecracker microVMs, booting a
// kernel+rootfs pair per instance and talking to an in-guest agent over
// vsock using the plain JSON request/result protocol (not gRPC — see
// DESIGN.md). Grounded on the pack's internal/firecracker.Manager, with
// TAP/DNAT host networking dropped (out of scope per SPEC_FULL.md's
// Non-goals around networking policy) and the gRPC agent transport
// replaced by JSON-over-vsock per spec.
type MicroVMAdapter struct {
	cfg  MicroVMConfig
	envs *template.Registry

	mu      sync.RWMutex
	vms     map[string]*vmInstance
	nextCID uint32
}

// SetEnvironments attaches an environment registry the adapter consults
// to resolve EnvKey to a built ext4 image name before falling back to
// treating EnvKey as that image name directly.
func (a *MicroVMAdapter) SetEnvironments(envs *template.Registry) {
	a.envs = envs
}

// resolveImageName returns the {cfg.ImagesDir}/{name}.ext4 base name for
// envKey, preferring the registry's MicroVMImage when one is registered.
func (a *MicroVMAdapter) resolveImageName(envKey string) string {
	if a.envs != nil {
		if env, err := a.envs.Get(envKey); err == nil && env.MicroVMImage != "" {
			return env.MicroVMImage
		}
	}
	return envKey
}

// NewMicroVMAdapter verifies the kernel and firecracker binary exist.
func NewMicroVMAdapter(cfg MicroVMConfig) (*MicroVMAdapter, error) {
	if cfg.DataDir == "" {
		return nil, types.Wrap(types.Invalid, "runtime.NewMicroVMAdapter", fmt.Errorf("DataDir is required"))
	}
	if cfg.FirecrackerBin == "" {
		cfg.FirecrackerBin = "firecracker"
	}
	if cfg.DefaultMemoryMB == 0 {
		cfg.DefaultMemoryMB = 512
	}
	if cfg.DefaultCPUs == 0 {
		cfg.DefaultCPUs = 1
	}
	if cfg.DefaultDiskMB == 0 {
		cfg.DefaultDiskMB = 10240
	}
	if cfg.DefaultPort == 0 {
		cfg.DefaultPort = 9000
	}

	if _, err := os.Stat(cfg.KernelPath); err != nil {
		return nil, types.Wrap(types.Unsupported, "runtime.NewMicroVMAdapter", fmt.Errorf("kernel not found at %s: %w", cfg.KernelPath, err))
	}
	if _, err := exec.LookPath(cfg.FirecrackerBin); err != nil {
		return nil, types.Wrap(types.Unsupported, "runtime.NewMicroVMAdapter", fmt.Errorf("firecracker binary not found: %w", err))
	}

	return &MicroVMAdapter{cfg: cfg, vms: make(map[string]*vmInstance), nextCID: 3}, nil
}

func (a *MicroVMAdapter) Backend() types.Backend { return types.BackendMicroVM }
func (a *MicroVMAdapter) DataDir() string         { return a.cfg.DataDir }

func (a *MicroVMAdapter) allocateCID() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	cid := a.nextCID
	a.nextCID++
	return cid
}

func (a *MicroVMAdapter) Create(ctx context.Context, spec InstanceSpec) (*types.SandboxInstance, error) {
	id := "vm-" + uuid.New().String()[:8]
	instDir := filepath.Join(a.cfg.DataDir, "instances", id)
	if err := os.MkdirAll(instDir, 0o755); err != nil {
		return nil, types.Wrap(types.Io, "runtime.Create", err)
	}

	rootfsPath := filepath.Join(instDir, "rootfs.ext4")
	workspacePath := filepath.Join(instDir, "workspace.ext4")
	baseImage := filepath.Join(a.cfg.ImagesDir, a.resolveImageName(spec.EnvKey)+".ext4")
	if err := copyReflink(baseImage, rootfsPath); err != nil {
		os.RemoveAll(instDir)
		return nil, types.Wrap(types.Io, "runtime.Create", fmt.Errorf("prepare rootfs: %w", err))
	}
	if err := allocateSparseFile(workspacePath, int64(spec.DiskMB)<<20); err != nil {
		os.RemoveAll(instDir)
		return nil, types.Wrap(types.Io, "runtime.Create", fmt.Errorf("create workspace: %w", err))
	}

	cpus := spec.CPUCount
	if cpus <= 0 {
		cpus = a.cfg.DefaultCPUs
	}
	memMB := spec.MemoryMB
	if memMB <= 0 {
		memMB = a.cfg.DefaultMemoryMB
	}

	vsockPath := filepath.Join(instDir, "vsock.sock")
	guestCID := a.allocateCID()
	apiSockPath := filepath.Join(instDir, "firecracker.sock")
	os.Remove(apiSockPath)

	logPath := filepath.Join(instDir, "firecracker.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		os.RemoveAll(instDir)
		return nil, types.Wrap(types.Io, "runtime.Create", err)
	}
	defer logFile.Close()

	cmd := exec.Command(a.cfg.FirecrackerBin, "--api-sock", apiSockPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		os.RemoveAll(instDir)
		return nil, types.Wrap(types.Io, "runtime.Create", fmt.Errorf("start firecracker: %w", err))
	}

	api := newFirecrackerAPIClient(apiSockPath)
	if err := api.waitForSocket(5 * time.Second); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		os.RemoveAll(instDir)
		return nil, types.Wrap(types.SandboxFailure, "runtime.Create", err)
	}

	bootArgs := "keep_bootcon console=ttyS0 reboot=k panic=1 pci=off init=/sbin/init"
	steps := []func() error{
		func() error { return api.putMachineConfig(cpus, memMB) },
		func() error { return api.putBootSource(a.cfg.KernelPath, bootArgs) },
		func() error { return api.putDrive("rootfs", rootfsPath, true, false) },
		func() error { return api.putDrive("workspace", workspacePath, false, false) },
		func() error { return api.putVsock(guestCID, vsockPath) },
		func() error { return api.startInstance() },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			os.RemoveAll(instDir)
			return nil, types.Wrap(types.SandboxFailure, "runtime.Create", err)
		}
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := waitForGuestAgent(waitCtx, vsockPath, a.cfg.DefaultPort); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		os.RemoveAll(instDir)
		return nil, types.Wrap(types.SandboxFailure, "runtime.Create", fmt.Errorf("agent not ready: %w", err))
	}

	vm := &vmInstance{
		meta: vmMeta{
			InstanceID: id, EnvKey: spec.EnvKey, CPUCount: cpus, MemoryMB: memMB,
			GuestPort: a.cfg.DefaultPort, GuestCID: guestCID,
		},
		instance: &types.SandboxInstance{
			ID: id, EnvKey: spec.EnvKey, Backend: types.BackendMicroVM,
			Status: types.InstanceRunning, CreatedAt: time.Now(), LastUsed: time.Now(),
			CPUCount: cpus, MemoryMB: memMB,
		},
		cmd: cmd, api: api, vsockPath: vsockPath, instDir: instDir,
		rootfs: rootfsPath, workspace: workspacePath,
	}

	if metaJSON, err := json.Marshal(vm.meta); err == nil {
		_ = os.WriteFile(filepath.Join(instDir, "vm-meta.json"), metaJSON, 0o644)
	}

	a.mu.Lock()
	a.vms[id] = vm
	a.mu.Unlock()

	return vm.instance, nil
}

func waitForGuestAgent(ctx context.Context, vsockPath string, port int) error {
	deadline, _ := ctx.Deadline()
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for guest agent")
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := pingGuest(pingCtx, vsockPath, port)
		cancel()
		if err == nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func (a *MicroVMAdapter) lookup(id string) (*vmInstance, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	vm, ok := a.vms[id]
	if !ok {
		return nil, types.Wrap(types.NotFound, "runtime", fmt.Errorf("instance %s not found", id))
	}
	return vm, nil
}

func (a *MicroVMAdapter) Destroy(ctx context.Context, id string) error {
	vm, err := a.lookup(id)
	if err != nil {
		return err
	}
	if vm.cmd != nil && vm.cmd.Process != nil {
		vm.cmd.Process.Kill()
		vm.cmd.Wait()
	}

	a.mu.Lock()
	delete(a.vms, id)
	a.mu.Unlock()

	return os.RemoveAll(vm.instDir)
}

func (a *MicroVMAdapter) Get(ctx context.Context, id string) (*types.SandboxInstance, error) {
	vm, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	return vm.instance, nil
}

func (a *MicroVMAdapter) List(ctx context.Context) ([]*types.SandboxInstance, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*types.SandboxInstance, 0, len(a.vms))
	for _, vm := range a.vms {
		out = append(out, vm.instance)
	}
	return out, nil
}

func (a *MicroVMAdapter) Exec(ctx context.Context, id string, req ExecRequest) (*ExecResult, error) {
	vm, err := a.lookup(id)
	if err != nil {
		return nil, err
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	result, err := execOverVsock(execCtx, vm.vsockPath, vm.meta.GuestPort, guestRequest{
		Command: req.Command, Env: req.Env,
	})
	if execCtx.Err() == context.DeadlineExceeded {
		return &ExecResult{ExitCode: 124, Stderr: []byte("exec timed out")}, nil
	}
	if err != nil {
		return nil, types.Wrap(types.Io, "runtime.Exec", err)
	}
	if result.Error != "" {
		return nil, types.Wrap(types.SandboxFailure, "runtime.Exec", fmt.Errorf("%s", result.Error))
	}

	a.mu.Lock()
	vm.instance.LastUsed = time.Now()
	a.mu.Unlock()

	return &ExecResult{ExitCode: result.ExitCode, Stdout: []byte(result.Stdout), Stderr: []byte(result.Stderr)}, nil
}

// Pause maps directly to the Firecracker API's VM pause — true VM-level
// suspension, unlike the container backend's best-effort cgroup freeze.
func (a *MicroVMAdapter) Pause(ctx context.Context, id string) error {
	vm, err := a.lookup(id)
	if err != nil {
		return err
	}
	if err := vm.api.pauseVM(); err != nil {
		return types.Wrap(types.SandboxFailure, "runtime.Pause", err)
	}
	return nil
}

func (a *MicroVMAdapter) Resume(ctx context.Context, id string) error {
	vm, err := a.lookup(id)
	if err != nil {
		return err
	}
	if err := vm.api.resumeVM(); err != nil {
		return types.Wrap(types.SandboxFailure, "runtime.Resume", err)
	}
	return nil
}

// ExposePort is Unsupported: without a host networking layer (dropped as
// out of scope, see SPEC_FULL.md §1), there is no host-side listener to
// bind. Callers needing network access to a microVM instance use the
// vsock channel directly.
func (a *MicroVMAdapter) ExposePort(ctx context.Context, id string, containerPort int) (int, error) {
	return 0, types.Wrap(types.Unsupported, "runtime.ExposePort", fmt.Errorf("microVM backend has no host network layer in this build"))
}

func (a *MicroVMAdapter) UploadFiles(ctx context.Context, id string, files map[string][]byte) error {
	vm, err := a.lookup(id)
	if err != nil {
		return err
	}
	for path, content := range files {
		result, err := execOverVsock(ctx, vm.vsockPath, vm.meta.GuestPort, guestRequest{
			Command: []string{"__faasd_write_file__", path},
			Env:     map[string]string{"FAASD_FILE_CONTENT_B64": encodeB64(content)},
		})
		if err != nil {
			return types.Wrap(types.Io, "runtime.UploadFiles", err)
		}
		if result.ExitCode != 0 {
			return types.Wrap(types.Io, "runtime.UploadFiles", fmt.Errorf("write %s: %s", path, result.Stderr))
		}
	}
	return nil
}

// HibernateInstance drives the pause-and-snapshot sequence the microVM
// checkpoint adapter uses: sync the guest filesystem, pause the VM, create
// memory+state snapshot files on disk, read them back into memory, and
// return their bytes for the caller to store as blobs. The VM process is
// killed after the snapshot is captured — hibernating frees the host
// resources the paused VM was holding. Grounded on the pack's
// firecracker.doHibernate.
func (a *MicroVMAdapter) HibernateInstance(ctx context.Context, id string) (memBytes, stateBytes []byte, err error) {
	vm, err := a.lookup(id)
	if err != nil {
		return nil, nil, err
	}

	if _, err := execOverVsock(ctx, vm.vsockPath, vm.meta.GuestPort, guestRequest{Command: []string{"sync"}}); err != nil {
		return nil, nil, types.Wrap(types.CheckpointFailure, "runtime.HibernateInstance", fmt.Errorf("guest sync: %w", err))
	}
	if err := vm.api.pauseVM(); err != nil {
		return nil, nil, types.Wrap(types.CheckpointFailure, "runtime.HibernateInstance", fmt.Errorf("pause: %w", err))
	}

	memPath := filepath.Join(vm.instDir, "snapshot-mem")
	statePath := filepath.Join(vm.instDir, "snapshot-state")
	if err := vm.api.createSnapshot(statePath, memPath); err != nil {
		return nil, nil, types.Wrap(types.CheckpointFailure, "runtime.HibernateInstance", fmt.Errorf("create snapshot: %w", err))
	}

	memBytes, err = os.ReadFile(memPath)
	if err != nil {
		return nil, nil, types.Wrap(types.Io, "runtime.HibernateInstance", err)
	}
	stateBytes, err = os.ReadFile(statePath)
	if err != nil {
		return nil, nil, types.Wrap(types.Io, "runtime.HibernateInstance", err)
	}

	if vm.cmd != nil && vm.cmd.Process != nil {
		vm.cmd.Process.Kill()
		vm.cmd.Wait()
	}
	os.Remove(memPath)
	os.Remove(statePath)

	a.mu.Lock()
	delete(a.vms, id)
	a.mu.Unlock()

	return memBytes, stateBytes, nil
}

// RestoreInstance boots a fresh microVM from memory/state snapshot bytes,
// resuming the VM exactly where HibernateInstance paused it, and registers
// it under a new instance ID. Grounded on the pack's firecracker.doWake
// hot-restore path (the cross-worker cold-boot fallback is not applicable
// here since there is no host networking layer to reconcile).
func (a *MicroVMAdapter) RestoreInstance(ctx context.Context, envKey string, memBytes, stateBytes []byte) (*types.SandboxInstance, error) {
	id := "vm-" + uuid.New().String()[:8]
	instDir := filepath.Join(a.cfg.DataDir, "instances", id)
	if err := os.MkdirAll(instDir, 0o755); err != nil {
		return nil, types.Wrap(types.Io, "runtime.RestoreInstance", err)
	}

	memPath := filepath.Join(instDir, "snapshot-mem")
	statePath := filepath.Join(instDir, "snapshot-state")
	if err := os.WriteFile(memPath, memBytes, 0o644); err != nil {
		os.RemoveAll(instDir)
		return nil, types.Wrap(types.Io, "runtime.RestoreInstance", err)
	}
	if err := os.WriteFile(statePath, stateBytes, 0o644); err != nil {
		os.RemoveAll(instDir)
		return nil, types.Wrap(types.Io, "runtime.RestoreInstance", err)
	}

	apiSockPath := filepath.Join(instDir, "firecracker.sock")
	os.Remove(apiSockPath)

	logFile, err := os.Create(filepath.Join(instDir, "firecracker.log"))
	if err != nil {
		os.RemoveAll(instDir)
		return nil, types.Wrap(types.Io, "runtime.RestoreInstance", err)
	}
	defer logFile.Close()

	cmd := exec.Command(a.cfg.FirecrackerBin, "--api-sock", apiSockPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		os.RemoveAll(instDir)
		return nil, types.Wrap(types.Io, "runtime.RestoreInstance", fmt.Errorf("start firecracker: %w", err))
	}

	api := newFirecrackerAPIClient(apiSockPath)
	if err := api.waitForSocket(5 * time.Second); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		os.RemoveAll(instDir)
		return nil, types.Wrap(types.SandboxFailure, "runtime.RestoreInstance", err)
	}
	if err := api.loadSnapshot(statePath, memPath, true); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		os.RemoveAll(instDir)
		return nil, types.Wrap(types.CheckpointFailure, "runtime.RestoreInstance", fmt.Errorf("load snapshot: %w", err))
	}

	vsockPath := filepath.Join(instDir, "vsock.sock")
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := waitForGuestAgent(waitCtx, vsockPath, a.cfg.DefaultPort); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		os.RemoveAll(instDir)
		return nil, types.Wrap(types.SandboxFailure, "runtime.RestoreInstance", fmt.Errorf("agent not ready after restore: %w", err))
	}

	vm := &vmInstance{
		meta:      vmMeta{InstanceID: id, EnvKey: envKey, GuestPort: a.cfg.DefaultPort},
		instance: &types.SandboxInstance{
			ID: id, EnvKey: envKey, Backend: types.BackendMicroVM,
			Status: types.InstanceRunning, CreatedAt: time.Now(), LastUsed: time.Now(),
		},
		cmd: cmd, api: api, vsockPath: vsockPath, instDir: instDir,
	}

	a.mu.Lock()
	a.vms[id] = vm
	a.mu.Unlock()

	return vm.instance, nil
}
