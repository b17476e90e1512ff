// Package runtime defines the uniform sandbox adapter interface (C3) and
// its two backends: a container runtime (podman) and a microVM runtime
// (Firecracker). Upper layers (pool, engine) depend only on Adapter, never
// on a concrete backend, so the backend can be swapped or downgraded
// without touching callers. Grounded on the pack's sandbox.Manager
// interface.
package runtime

import (
	"context"
	"io"
	"time"

	"github.com/tangle-network/faas-substrate/pkg/types"
)

// ExecRequest is a single command execution inside a running instance.
type ExecRequest struct {
	Command []string
	Env     map[string]string
	Stdin   io.Reader
	Timeout time.Duration
}

// ExecResult is the outcome of ExecRequest. A nonzero ExitCode is not a Go
// error — see pkg/types.SandboxFailure.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// InstanceSpec describes the resources and identity of a sandbox to
// create.
type InstanceSpec struct {
	EnvKey   string
	CPUCount int
	MemoryMB int
	DiskMB   int
	Env      map[string]string
}

// Adapter is the uniform contract both the container backend and the
// microVM backend implement. The pool, fork manager, and engine program
// against this interface exclusively.
type Adapter interface {
	// Backend identifies which concrete implementation this is, for
	// metrics labels and capability-aware dispatch.
	Backend() types.Backend

	Create(ctx context.Context, spec InstanceSpec) (*types.SandboxInstance, error)
	Destroy(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*types.SandboxInstance, error)
	List(ctx context.Context) ([]*types.SandboxInstance, error)

	Exec(ctx context.Context, id string, req ExecRequest) (*ExecResult, error)

	// Pause/Resume are used by Persistent mode's lifecycle ops; on the
	// container backend these are best-effort (cgroup freeze), on the
	// microVM backend they map directly to the Firecracker API's VM
	// pause/resume.
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error

	ExposePort(ctx context.Context, id string, containerPort int) (hostPort int, err error)

	UploadFiles(ctx context.Context, id string, files map[string][]byte) error

	DataDir() string
}
