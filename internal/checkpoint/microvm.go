package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/tangle-network/faas-substrate/internal/blob"
	"github.com/tangle-network/faas-substrate/internal/manifest"
	"github.com/tangle-network/faas-substrate/internal/runtime"
	"github.com/tangle-network/faas-substrate/pkg/types"
)

// MicroVMAdapter checkpoints a paused microVM by capturing its memory and
// device-state snapshot files, storing each as a blob (memory under the
// block-sparse codec, state under general-purpose), and restoring by
// booting a fresh VM from those blobs. Grounded on the pack's
// firecracker/snapshot.go doHibernate/doWake sequence.
type MicroVMAdapter struct {
	vms       *runtime.MicroVMAdapter
	blobs     *blob.Store
	manifests *manifest.Registry
}

// NewMicroVMAdapter wires a checkpoint adapter on top of a live microVM
// runtime adapter.
func NewMicroVMAdapter(vms *runtime.MicroVMAdapter, blobs *blob.Store, manifests *manifest.Registry) *MicroVMAdapter {
	return &MicroVMAdapter{vms: vms, blobs: blobs, manifests: manifests}
}

// Checkpoint pauses and snapshots instanceID, storing the result as a
// manifest of kind microvm-snapshot chained to parentID if given.
func (a *MicroVMAdapter) Checkpoint(ctx context.Context, instanceID, parentID string, tags map[string]string) (*types.Manifest, error) {
	var parent *types.Manifest
	if parentID != "" {
		p, err := a.manifests.Get(ctx, parentID)
		if err != nil {
			return nil, err
		}
		parent = p
	}
	depth, forceFullCheckpoint := nextChainDepth(parent)
	if forceFullCheckpoint {
		parentID = ""
		parent = nil
	}

	memBytes, stateBytes, err := a.vms.HibernateInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	// Memory images are large and mostly zero pages — the block-sparse
	// codec skips those blocks entirely before compressing the rest, which
	// beats running zstd's high-ratio mode over the full buffer. State
	// files are small and general-purpose.
	memBlob, err := a.blobs.Put(ctx, memBytes, types.CodecSparse)
	if err != nil {
		return nil, err
	}
	stateBlob, err := a.blobs.Put(ctx, stateBytes, types.CodecZstdFast)
	if err != nil {
		return nil, err
	}

	m := types.Manifest{
		Kind:     types.ManifestKindMicroVMSnapshot,
		ParentID: parentID,
		Blobs: []types.BlobRef{
			{Digest: memBlob.Digest, Path: "memory.snap", Size: memBlob.Size},
			{Digest: stateBlob.Digest, Path: "state.snap", Size: stateBlob.Size},
		},
		Tags:       tags,
		CreatedAt:  time.Now(),
		SizeBytes:  memBlob.Size + stateBlob.Size,
		ChainDepth: depth,
	}

	memHash, err := newMemHash(bytes.NewReader(memBytes))
	if err != nil {
		return nil, types.Wrap(types.CheckpointFailure, "checkpoint.Checkpoint", err)
	}
	parentHash := ""
	if parent != nil {
		parentHash = parent.ContentHash
	}
	m.ContentHash = contentHash(parentHash, memHash, []FileEntry{
		{Path: "memory.snap", Digest: memBlob.Digest},
		{Path: "state.snap", Digest: stateBlob.Digest},
	}, EnvDescriptor{})

	return a.manifests.Create(ctx, m)
}

// Restore fetches manifestID's memory+state blobs and boots a fresh VM
// from them with a new instance ID.
func (a *MicroVMAdapter) Restore(ctx context.Context, manifestID, envKey string) (*types.SandboxInstance, error) {
	m, err := a.manifests.Get(ctx, manifestID)
	if err != nil {
		return nil, err
	}
	if m.Kind != types.ManifestKindMicroVMSnapshot {
		return nil, types.Wrap(types.Invalid, "checkpoint.Restore", fmt.Errorf("manifest %s is not a microVM snapshot", manifestID))
	}

	var memDigest, stateDigest string
	for _, b := range m.Blobs {
		switch b.Path {
		case "memory.snap":
			memDigest = b.Digest
		case "state.snap":
			stateDigest = b.Digest
		}
	}
	if memDigest == "" || stateDigest == "" {
		return nil, types.Wrap(types.Corruption, "checkpoint.Restore", fmt.Errorf("manifest %s missing memory/state blob entries", manifestID))
	}

	memBytes, err := a.blobs.Get(ctx, memDigest)
	if err != nil {
		return nil, err
	}
	stateBytes, err := a.blobs.Get(ctx, stateDigest)
	if err != nil {
		return nil, err
	}

	return a.vms.RestoreInstance(ctx, envKey, memBytes, stateBytes)
}
