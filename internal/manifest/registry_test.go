package manifest

import (
	"context"
	"testing"
	"time"

	"github.com/tangle-network/faas-substrate/pkg/types"
)

func TestCreateGet(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	m, err := r.Create(ctx, types.Manifest{
		Kind:        types.ManifestKindContainerFS,
		ContentHash: "abc123",
		CreatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := r.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ContentHash != "abc123" {
		t.Errorf("ContentHash = %q, want abc123", got.ContentHash)
	}
}

func TestCreateDuplicateIDRejected(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	if _, err := r.Create(ctx, types.Manifest{ID: "fixed-id", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Create 1: %v", err)
	}
	_, err = r.Create(ctx, types.Manifest{ID: "fixed-id", CreatedAt: time.Now()})
	if types.KindOf(err) != types.AlreadyExists {
		t.Fatalf("KindOf(err) = %v, want AlreadyExists", types.KindOf(err))
	}
}

func TestAncestorsWalksParentChain(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	root, err := r.Create(ctx, types.Manifest{CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("Create root: %v", err)
	}
	child, err := r.Create(ctx, types.Manifest{ParentID: root.ID, CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("Create child: %v", err)
	}

	chain, err := r.Ancestors(ctx, child.ID)
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if len(chain) != 2 || chain[0].ID != child.ID || chain[1].ID != root.ID {
		t.Fatalf("unexpected chain: %+v", chain)
	}
}

func TestListByKind(t *testing.T) {
	r, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	if _, err := r.Create(ctx, types.Manifest{Kind: types.ManifestKindMicroVMSnapshot, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create(ctx, types.Manifest{Kind: types.ManifestKindContainerFS, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	results, err := r.List(ctx, ListFilter{Kind: types.ManifestKindMicroVMSnapshot})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("List returned %d manifests, want 1", len(results))
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	r1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m, err := r1.Create(context.Background(), types.Manifest{ID: "persisted", CreatedAt: time.Now()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	r1.Close()

	r2, err := Open(dir)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer r2.Close()

	got, err := r2.Get(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.ID != m.ID {
		t.Fatalf("got ID %q, want %q", got.ID, m.ID)
	}
}
