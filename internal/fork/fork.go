// Package fork implements the copy-on-write fork manager (C5): child
// sandboxes materialize from a parent at near-zero marginal cost via an
// overlay mount, a reflink clone, or — failing both — a bare directory
// skeleton with no sharing at all. Grounded on the pack's
// internal/sandbox/quota.go pattern of shelling out to a filesystem tool
// and logging-and-degrading rather than failing hard.
package fork

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tangle-network/faas-substrate/internal/checkpoint"
	"github.com/tangle-network/faas-substrate/pkg/types"
)

// Manager creates and tracks branches under root/forks/.
type Manager struct {
	root string

	mu       sync.RWMutex
	branches map[string]*branchState

	microvm *checkpoint.MicroVMAdapter // nil if VM-level branching is unavailable
}

type branchState struct {
	branch   types.Branch
	mergedir string
	upperdir string
	workdir  string
	mounted  bool
}

// New roots a fork manager at filepath.Join(base, "forks"). microvm may be
// nil — VM-level FastFork then returns Unsupported.
func New(base string, microvm *checkpoint.MicroVMAdapter) (*Manager, error) {
	root := filepath.Join(base, "forks")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, types.Wrap(types.Io, "fork.New", err)
	}
	return &Manager{root: root, branches: make(map[string]*branchState), microvm: microvm}, nil
}

// FastFork materializes a new branch from parentDir using the best
// available strategy: overlay mount, then reflink clone, then a bare
// directory skeleton. parentDir is the directory whose contents the child
// should see (a sandbox instance's workspace directory, typically).
func (m *Manager) FastFork(ctx context.Context, parentManifestID, parentDir string) (*types.Branch, error) {
	branchID := "branch-" + uuid.New().String()[:8]
	branchDir := filepath.Join(m.root, branchID)
	mergeDir := filepath.Join(branchDir, "merged")
	upperDir := filepath.Join(branchDir, "upper")
	workDir := filepath.Join(branchDir, "work")

	for _, d := range []string{mergeDir, upperDir, workDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, types.Wrap(types.Io, "fork.FastFork", err)
		}
	}

	strategy, mounted := m.materialize(ctx, parentDir, mergeDir, upperDir, workDir)

	st := &branchState{
		branch: types.Branch{
			ID: branchID, ParentID: parentManifestID, Strategy: strategy,
			InstanceID: branchID, CreatedAt: time.Now(),
		},
		mergedir: mergeDir, upperdir: upperDir, workdir: workDir, mounted: mounted,
	}

	m.mu.Lock()
	m.branches[branchID] = st
	m.mu.Unlock()

	return &st.branch, nil
}

// materialize tries overlay mount, then reflink clone, then a bare
// skeleton, logging and falling through on each failure rather than
// aborting the fork outright.
func (m *Manager) materialize(ctx context.Context, parentDir, mergeDir, upperDir, workDir string) (types.ForkStrategy, bool) {
	if err := mountOverlay(ctx, parentDir, upperDir, workDir, mergeDir); err == nil {
		return types.ForkOverlayMount, true
	} else {
		log.Printf("fork: overlay mount unavailable (%v), trying reflink clone", err)
	}

	if err := reflinkClone(ctx, parentDir, mergeDir); err == nil {
		return types.ForkReflinkClone, false
	} else {
		log.Printf("fork: reflink clone unavailable (%v), falling back to bind-overlay skeleton", err)
	}

	// Bare skeleton: no sharing with the parent at all, writes simply land
	// in an empty merge directory.
	return types.ForkBindOverlay, false
}

func mountOverlay(ctx context.Context, lower, upper, work, merged string) error {
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	cmd := exec.CommandContext(ctx, "mount", "-t", "overlay", "overlay", "-o", opts, merged)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mount overlay: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func unmountOverlay(ctx context.Context, merged string) error {
	cmd := exec.CommandContext(ctx, "umount", merged)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("umount: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// reflinkClone copies parentDir's tree into mergeDir with shared extents
// where the filesystem supports it (cp --reflink=always), propagating
// EXDEV/ENOTSUP as an error for the caller to fall back on.
func reflinkClone(ctx context.Context, parentDir, mergeDir string) error {
	cmd := exec.CommandContext(ctx, "cp", "-a", "--reflink=always", parentDir+"/.", mergeDir+"/")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("reflink clone: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// MergeDir returns the directory a branch's caller should treat as its
// filesystem root — the overlay merge point, the reflink clone's
// destination, or the bare skeleton directory, depending on which strategy
// materialize() landed on.
func (m *Manager) MergeDir(branchID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.branches[branchID]
	if !ok {
		return "", types.Wrap(types.NotFound, "fork.MergeDir", fmt.Errorf("branch %s not found", branchID))
	}
	return st.mergedir, nil
}

// Get returns the branch record for branchID.
func (m *Manager) Get(branchID string) (*types.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.branches[branchID]
	if !ok {
		return nil, types.Wrap(types.NotFound, "fork.Get", fmt.Errorf("branch %s not found", branchID))
	}
	return &st.branch, nil
}

// CleanupFork unmounts (if an overlay was mounted) and removes branchID's
// directory tree.
func (m *Manager) CleanupFork(ctx context.Context, branchID string) error {
	m.mu.Lock()
	st, ok := m.branches[branchID]
	if ok {
		delete(m.branches, branchID)
	}
	m.mu.Unlock()
	if !ok {
		return types.Wrap(types.NotFound, "fork.CleanupFork", fmt.Errorf("branch %s not found", branchID))
	}

	if st.mounted {
		if err := unmountOverlay(ctx, st.mergedir); err != nil {
			log.Printf("fork: cleanup %s: unmount failed (%v), removing tree anyway", branchID, err)
		}
	}

	branchDir := filepath.Join(m.root, branchID)
	if err := os.RemoveAll(branchDir); err != nil {
		return types.Wrap(types.Io, "fork.CleanupFork", err)
	}
	return nil
}

// FastForkVM delegates VM-level branching to the microVM checkpoint
// adapter: it restores a fresh VM from parentManifestID's snapshot, which
// inherits copy-on-write from the host filesystem beneath the memory file.
// This is the Branched mode's VM path, distinct from the container-level
// materialize() above — see DESIGN.md on why these are not unified.
func (m *Manager) FastForkVM(ctx context.Context, parentManifestID, envKey string) (*types.SandboxInstance, error) {
	if m.microvm == nil {
		return nil, types.Wrap(types.Unsupported, "fork.FastForkVM", fmt.Errorf("no microVM checkpoint adapter configured"))
	}
	return m.microvm.Restore(ctx, parentManifestID, envKey)
}
