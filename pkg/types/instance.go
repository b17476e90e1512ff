package types

import "time"

// InstanceStatus is the lifecycle state of a pooled or persistent sandbox.
type InstanceStatus string

const (
	InstanceStarting   InstanceStatus = "starting"
	InstanceRunning    InstanceStatus = "running"
	InstancePaused     InstanceStatus = "paused"
	InstanceStopped    InstanceStatus = "stopped"
	InstanceDestroying InstanceStatus = "destroying"
)

// Backend identifies which runtime adapter owns an instance.
type Backend string

const (
	BackendContainer Backend = "container"
	BackendMicroVM   Backend = "microvm"
)

// SandboxInstance is a live (or recently live) sandbox, pooled or
// persistent, tracked by the pool and engine.
type SandboxInstance struct {
	ID        string
	EnvKey    string
	Backend   Backend
	Status    InstanceStatus
	CreatedAt time.Time
	LastUsed  time.Time
	UseCount  int // acquisitions served, tracked by the pool for release/reap health gating
	CPUCount  int
	MemoryMB  int
	HostPort  int // for expose_port on persistent instances
}

// Branch records a forked child's relationship to its parent manifest and
// the fork strategy used to materialize it.
type Branch struct {
	ID         string
	ParentID   string // parent manifest ID
	Strategy   ForkStrategy
	InstanceID string
	CreatedAt  time.Time
}

// ForkStrategy is the copy-on-write mechanism used to materialize a branch.
type ForkStrategy string

const (
	ForkOverlayMount  ForkStrategy = "overlay-mount"
	ForkReflinkClone  ForkStrategy = "reflink-clone"
	ForkBindOverlay   ForkStrategy = "bind-overlay"
	ForkVMSnapshot    ForkStrategy = "vm-snapshot" // delegated to the checkpoint adapter
)

// CacheEntry is a single result-cache record.
type CacheEntry struct {
	Fingerprint string
	Response    Response
	SizeBytes   int64
	CreatedAt   time.Time
	LastHit     time.Time
	Hits        int64
}
