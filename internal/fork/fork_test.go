package fork

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tangle-network/faas-substrate/pkg/types"
)

func TestFastForkAndCleanup(t *testing.T) {
	base := t.TempDir()
	parentDir := filepath.Join(base, "parent")
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(filepath.Join(parentDir, "hello.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write parent file: %v", err)
	}

	mgr, err := New(base, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	branch, err := mgr.FastFork(context.Background(), "manifest-1", parentDir)
	if err != nil {
		t.Fatalf("FastFork: %v", err)
	}
	if branch.ParentID != "manifest-1" {
		t.Fatalf("expected ParentID manifest-1, got %s", branch.ParentID)
	}
	switch branch.Strategy {
	case types.ForkOverlayMount, types.ForkReflinkClone, types.ForkBindOverlay:
	default:
		t.Fatalf("unexpected strategy %q", branch.Strategy)
	}

	got, err := mgr.Get(branch.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != branch.ID {
		t.Fatalf("expected matching branch, got %+v", got)
	}

	if err := mgr.CleanupFork(context.Background(), branch.ID); err != nil {
		t.Fatalf("CleanupFork: %v", err)
	}
	if _, err := mgr.Get(branch.ID); err == nil {
		t.Fatalf("expected branch to be gone after cleanup")
	}
}

func TestFastForkVMUnsupportedWithoutAdapter(t *testing.T) {
	mgr, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := mgr.FastForkVM(context.Background(), "manifest-1", "alpine"); types.KindOf(err) != types.Unsupported {
		t.Fatalf("expected Unsupported, got %v", err)
	}
}

func TestCleanupForkUnknownBranch(t *testing.T) {
	mgr, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mgr.CleanupFork(context.Background(), "does-not-exist"); types.KindOf(err) != types.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
