package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tangle-network/faas-substrate/internal/template"
	"github.com/tangle-network/faas-substrate/pkg/types"
)

const (
	containerNamePrefix = "faasd"
	defaultImage         = "docker.io/library/alpine:3.20"
)

// ContainerAdapter implements Adapter over the podman CLI, the same
// exec.CommandContext wrapping style as the pack's internal/podman.Client,
// trimmed to what the execution substrate needs (no registry auth file
// dance, since templates here are local images resolved by env key).
type ContainerAdapter struct {
	binaryPath string
	dataDir    string
	envs       *template.Registry

	mu        sync.RWMutex
	instances map[string]*containerState
}

// SetEnvironments attaches an environment registry the adapter consults
// to resolve EnvKey to a container image before falling back to treating
// EnvKey as a literal image reference.
func (a *ContainerAdapter) SetEnvironments(envs *template.Registry) {
	a.envs = envs
}

type containerState struct {
	instance *types.SandboxInstance
	name     string
}

// NewContainerAdapter verifies the runtime binary is on PATH and returns an
// adapter rooted at dataDir for per-instance workspace directories.
func NewContainerAdapter(binary, dataDir string) (*ContainerAdapter, error) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, types.Wrap(types.Unsupported, "runtime.NewContainerAdapter", fmt.Errorf("%s not found in PATH: %w", binary, err))
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, types.Wrap(types.Io, "runtime.NewContainerAdapter", err)
	}
	return &ContainerAdapter{
		binaryPath: path,
		dataDir:    dataDir,
		instances:  make(map[string]*containerState),
	}, nil
}

func (a *ContainerAdapter) Backend() types.Backend { return types.BackendContainer }

func (a *ContainerAdapter) DataDir() string { return a.dataDir }

func (a *ContainerAdapter) run(ctx context.Context, args ...string) (stdout, stderr string, exitCode int, err error) {
	cmd := exec.CommandContext(ctx, a.binaryPath, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return stdout, stderr, exitErr.ExitCode(), nil
		}
		return stdout, stderr, -1, fmt.Errorf("%s %s: %w", a.binaryPath, strings.Join(args, " "), runErr)
	}
	return stdout, stderr, 0, nil
}

func (a *ContainerAdapter) Create(ctx context.Context, spec InstanceSpec) (*types.SandboxInstance, error) {
	id := uuid.New().String()[:12]
	workspaceDir := filepath.Join(a.dataDir, id, "workspace")
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, types.Wrap(types.Io, "runtime.Create", err)
	}
	return a.createWithWorkspace(ctx, id, workspaceDir, spec)
}

// CreateFromWorkspace starts an instance whose /workspace bind-mounts an
// existing directory (typically a fork manager's overlay merge directory)
// rather than a freshly created empty one. Used by Branched mode to give a
// forked container the copy-on-write view the fork manager materialized.
func (a *ContainerAdapter) CreateFromWorkspace(ctx context.Context, spec InstanceSpec, workspaceDir string) (*types.SandboxInstance, error) {
	id := uuid.New().String()[:12]
	return a.createWithWorkspace(ctx, id, workspaceDir, spec)
}

func (a *ContainerAdapter) createWithWorkspace(ctx context.Context, id, workspaceDir string, spec InstanceSpec) (*types.SandboxInstance, error) {
	name := fmt.Sprintf("%s-%s", containerNamePrefix, id)

	image := a.resolveImage(spec.EnvKey)
	args := []string{
		"run", "-d", "--name", name,
		"--memory", fmt.Sprintf("%dm", spec.MemoryMB),
		"--cpus", fmt.Sprintf("%d", spec.CPUCount),
		"-v", workspaceDir + ":/workspace",
		"--label", "faasd.env_key=" + spec.EnvKey,
	}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, image, "sleep", "infinity")

	_, stderr, exitCode, err := a.run(ctx, args...)
	if err != nil {
		return nil, types.Wrap(types.Io, "runtime.Create", err)
	}
	if exitCode != 0 {
		return nil, types.Wrap(types.SandboxFailure, "runtime.Create", fmt.Errorf("podman run failed (exit %d): %s", exitCode, strings.TrimSpace(stderr)))
	}

	inst := &types.SandboxInstance{
		ID:        id,
		EnvKey:    spec.EnvKey,
		Backend:   types.BackendContainer,
		Status:    types.InstanceRunning,
		CreatedAt: time.Now(),
		LastUsed:  time.Now(),
		CPUCount:  spec.CPUCount,
		MemoryMB:  spec.MemoryMB,
	}

	a.mu.Lock()
	a.instances[id] = &containerState{instance: inst, name: name}
	a.mu.Unlock()

	return inst, nil
}

// resolveImage looks envKey up in the attached environment registry;
// absent a registry or a registered entry, envKey is treated as a literal
// image reference, and an empty EnvKey falls back to a small base image.
func (a *ContainerAdapter) resolveImage(envKey string) string {
	if a.envs != nil {
		if env, err := a.envs.Get(envKey); err == nil && env.ContainerImage != "" {
			return env.ContainerImage
		}
	}
	if envKey == "" {
		return defaultImage
	}
	return envKey
}

func (a *ContainerAdapter) lookup(id string) (*containerState, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.instances[id]
	if !ok {
		return nil, types.Wrap(types.NotFound, "runtime", fmt.Errorf("instance %s not found", id))
	}
	return st, nil
}

func (a *ContainerAdapter) Destroy(ctx context.Context, id string) error {
	st, err := a.lookup(id)
	if err != nil {
		return err
	}
	_, _, _, _ = a.run(ctx, "rm", "-f", st.name)

	a.mu.Lock()
	delete(a.instances, id)
	a.mu.Unlock()

	return os.RemoveAll(filepath.Join(a.dataDir, id))
}

func (a *ContainerAdapter) Get(ctx context.Context, id string) (*types.SandboxInstance, error) {
	st, err := a.lookup(id)
	if err != nil {
		return nil, err
	}
	return st.instance, nil
}

func (a *ContainerAdapter) List(ctx context.Context) ([]*types.SandboxInstance, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*types.SandboxInstance, 0, len(a.instances))
	for _, st := range a.instances {
		out = append(out, st.instance)
	}
	return out, nil
}

// Exec runs a command inside the instance's container. A command timeout
// maps to ExitCode 124 and a stderr message — not a Go error — per the
// substrate's Timeout-vs-SandboxFailure distinction.
func (a *ContainerAdapter) Exec(ctx context.Context, id string, req ExecRequest) (*ExecResult, error) {
	st, err := a.lookup(id)
	if err != nil {
		return nil, err
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := []string{"exec"}
	for k, v := range req.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, st.name)
	args = append(args, req.Command...)

	stdout, stderr, exitCode, err := a.run(execCtx, args...)
	if execCtx.Err() == context.DeadlineExceeded {
		return &ExecResult{ExitCode: 124, Stderr: []byte("exec timed out")}, nil
	}
	if err != nil {
		return nil, types.Wrap(types.Io, "runtime.Exec", err)
	}

	a.mu.Lock()
	if s, ok := a.instances[id]; ok {
		s.instance.LastUsed = time.Now()
	}
	a.mu.Unlock()

	return &ExecResult{ExitCode: exitCode, Stdout: []byte(stdout), Stderr: []byte(stderr)}, nil
}

// Pause freezes the container's cgroup; best-effort on the container
// backend, unlike the microVM backend's true VM-level pause.
func (a *ContainerAdapter) Pause(ctx context.Context, id string) error {
	st, err := a.lookup(id)
	if err != nil {
		return err
	}
	_, stderr, exitCode, err := a.run(ctx, "pause", st.name)
	if err != nil {
		return types.Wrap(types.Io, "runtime.Pause", err)
	}
	if exitCode != 0 {
		return types.Wrap(types.SandboxFailure, "runtime.Pause", fmt.Errorf("%s", stderr))
	}
	return nil
}

func (a *ContainerAdapter) Resume(ctx context.Context, id string) error {
	st, err := a.lookup(id)
	if err != nil {
		return err
	}
	_, stderr, exitCode, err := a.run(ctx, "unpause", st.name)
	if err != nil {
		return types.Wrap(types.Io, "runtime.Resume", err)
	}
	if exitCode != 0 {
		return types.Wrap(types.SandboxFailure, "runtime.Resume", fmt.Errorf("%s", stderr))
	}
	return nil
}

// ExposePort is Unsupported on the container backend: containers are
// created without published ports, and no port can be added after
// creation.
func (a *ContainerAdapter) ExposePort(ctx context.Context, id string, containerPort int) (int, error) {
	return 0, types.Wrap(types.Unsupported, "runtime.ExposePort", fmt.Errorf("container backend requires ports at creation time"))
}

func (a *ContainerAdapter) UploadFiles(ctx context.Context, id string, files map[string][]byte) error {
	st, err := a.lookup(id)
	if err != nil {
		return err
	}
	for path, content := range files {
		tmp, werr := os.CreateTemp("", "faasd-upload-*")
		if werr != nil {
			return types.Wrap(types.Io, "runtime.UploadFiles", werr)
		}
		tmpPath := tmp.Name()
		_, werr = tmp.Write(content)
		tmp.Close()
		if werr != nil {
			os.Remove(tmpPath)
			return types.Wrap(types.Io, "runtime.UploadFiles", werr)
		}

		_, stderr, exitCode, err := a.run(ctx, "cp", tmpPath, st.name+":"+path)
		os.Remove(tmpPath)
		if err != nil {
			return types.Wrap(types.Io, "runtime.UploadFiles", err)
		}
		if exitCode != 0 {
			return types.Wrap(types.Io, "runtime.UploadFiles", fmt.Errorf("podman cp %s: %s", path, stderr))
		}
	}
	return nil
}

// inspect is used by the checkpoint adapter to read the container's merged
// filesystem path for a container-filesystem checkpoint.
func (a *ContainerAdapter) inspect(ctx context.Context, name string) (map[string]interface{}, error) {
	stdout, stderr, exitCode, err := a.run(ctx, "inspect", name)
	if err != nil {
		return nil, types.Wrap(types.Io, "runtime.inspect", err)
	}
	if exitCode != 0 {
		return nil, types.Wrap(types.NotFound, "runtime.inspect", fmt.Errorf("%s", stderr))
	}
	var out []map[string]interface{}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil || len(out) == 0 {
		return nil, types.Wrap(types.Corruption, "runtime.inspect", fmt.Errorf("parse inspect output: %w", err))
	}
	return out[0], nil
}
