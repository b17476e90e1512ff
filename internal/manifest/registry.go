// Package manifest implements the manifest registry (C2): an in-memory
// index backed by one JSON document per manifest on disk, plus a sqlite
// secondary index for kind/tag queries. Manifests are
// immutable once created — "updating" one means creating a new manifest
// with a parent pointer.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tangle-network/faas-substrate/pkg/types"
)

// Registry is the manifest registry.
type Registry struct {
	root string // {base}/manifests/

	mu   sync.RWMutex
	byID map[string]*types.Manifest

	index *sqliteIndex // nil if the secondary index could not be opened
}

// Open loads (or creates) a registry rooted at filepath.Join(base,
// "manifests"), rebuilding its in-memory index and sqlite secondary index
// from whatever manifest JSON files already exist on disk.
func Open(base string) (*Registry, error) {
	root := filepath.Join(base, "manifests")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, types.Wrap(types.Io, "manifest.Open", err)
	}

	r := &Registry{
		root: root,
		byID: make(map[string]*types.Manifest),
	}

	idx, err := openSQLiteIndex(filepath.Join(root, "index.db"))
	if err != nil {
		// The sqlite index is a queryable cache, not the source of truth —
		// degrade to JSON-only listing rather than fail registry open.
		idx = nil
	}
	r.index = idx

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, types.Wrap(types.Io, "manifest.Open", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, e.Name()))
		if err != nil {
			continue
		}
		var m types.Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		r.byID[m.ID] = &m
		if r.index != nil {
			if alreadyIndexed, _ := r.index.has(m.ID); !alreadyIndexed {
				_ = r.index.put(&m)
			}
		}
	}

	return r, nil
}

func (r *Registry) path(id string) string {
	return filepath.Join(r.root, id+".json")
}

// Create persists a new immutable manifest and returns it with its ID
// assigned. If m.ID is already set by the caller (e.g. a checkpoint
// adapter that derived the ID from the content hash), it is honored as
// long as it does not already exist.
func (r *Registry) Create(ctx context.Context, m types.Manifest) (*types.Manifest, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	r.mu.Lock()
	if _, exists := r.byID[m.ID]; exists {
		r.mu.Unlock()
		return nil, types.Wrap(types.AlreadyExists, "manifest.Create", fmt.Errorf("manifest %s already exists", m.ID))
	}
	r.mu.Unlock()

	data, err := json.MarshalIndent(&m, "", "  ")
	if err != nil {
		return nil, types.Wrap(types.Invalid, "manifest.Create", err)
	}

	tmp, err := os.CreateTemp(r.root, ".create-tmp-*")
	if err != nil {
		return nil, types.Wrap(types.Io, "manifest.Create", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, types.Wrap(types.Io, "manifest.Create", err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, r.path(m.ID)); err != nil {
		os.Remove(tmpPath)
		return nil, types.Wrap(types.Io, "manifest.Create", err)
	}

	r.mu.Lock()
	r.byID[m.ID] = &m
	r.mu.Unlock()

	if r.index != nil {
		if err := r.index.put(&m); err != nil {
			// Secondary index write failure never fails the create — the
			// JSON file on disk remains the source of truth.
		}
	}

	return &m, nil
}

// Get returns the manifest for id.
func (r *Registry) Get(ctx context.Context, id string) (*types.Manifest, error) {
	r.mu.RLock()
	m, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, types.Wrap(types.NotFound, "manifest.Get", fmt.Errorf("manifest %s not found", id))
	}
	return m, nil
}

// ListFilter narrows List to a kind, a tag, or neither.
type ListFilter struct {
	Kind types.ManifestKind // "" matches any kind
	Tag  string             // "key=value"; "" matches any
}

// List returns manifests matching filter, newest first. When the sqlite
// secondary index is available it serves the query directly; otherwise it
// falls back to scanning the in-memory index.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]*types.Manifest, error) {
	if r.index != nil {
		ids, err := r.index.query(filter)
		if err == nil {
			r.mu.RLock()
			defer r.mu.RUnlock()
			out := make([]*types.Manifest, 0, len(ids))
			for _, id := range ids {
				if m, ok := r.byID[id]; ok {
					out = append(out, m)
				}
			}
			return out, nil
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.Manifest
	for _, m := range r.byID {
		if filter.Kind != "" && m.Kind != filter.Kind {
			continue
		}
		if filter.Tag != "" && !hasTag(m, filter.Tag) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func hasTag(m *types.Manifest, kv string) bool {
	for k, v := range m.Tags {
		if k+"="+v == kv {
			return true
		}
	}
	return false
}

// Delete removes a manifest's JSON document and index entries. It does not
// touch the blob store — callers are responsible for blob garbage
// collection once no manifest references a digest.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.byID[id]; !ok {
		r.mu.Unlock()
		return types.Wrap(types.NotFound, "manifest.Delete", fmt.Errorf("manifest %s not found", id))
	}
	delete(r.byID, id)
	r.mu.Unlock()

	if err := os.Remove(r.path(id)); err != nil && !os.IsNotExist(err) {
		return types.Wrap(types.Io, "manifest.Delete", err)
	}
	if r.index != nil {
		_ = r.index.delete(id)
	}
	return nil
}

// Ancestors walks parent pointers from id back to the root of the chain,
// id included, nearest first.
func (r *Registry) Ancestors(ctx context.Context, id string) ([]*types.Manifest, error) {
	var chain []*types.Manifest
	cur := id
	seen := make(map[string]bool)
	for cur != "" {
		if seen[cur] {
			return nil, types.Wrap(types.Corruption, "manifest.Ancestors", fmt.Errorf("cycle detected at %s", cur))
		}
		seen[cur] = true
		m, err := r.Get(ctx, cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, m)
		cur = m.ParentID
	}
	return chain, nil
}

// Close releases the secondary index's resources.
func (r *Registry) Close() error {
	if r.index != nil {
		return r.index.close()
	}
	return nil
}
