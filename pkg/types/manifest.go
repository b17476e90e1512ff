package types

import "time"

// ManifestKind identifies what kind of checkpoint a Manifest describes.
type ManifestKind string

const (
	ManifestKindContainerFS     ManifestKind = "container-filesystem"
	ManifestKindMicroVMSnapshot ManifestKind = "microvm-snapshot"
	ManifestKindProcessCheckpoint ManifestKind = "process-checkpoint"
	ManifestKindGeneric         ManifestKind = "generic"
)

// BlobRef orders a blob within a manifest, e.g. a chunk index in a memory
// image or a path-ordered file-content entry.
type BlobRef struct {
	Digest string `json:"digest"`
	Path   string `json:"path,omitempty"` // filesystem path this blob materializes to, if any
	Offset int64  `json:"offset,omitempty"`
	Size   int64  `json:"size"`
}

// Manifest is an immutable, content-addressed description of a snapshot:
// an ordered list of blob references plus metadata, optionally chained to
// a parent manifest for incremental checkpoints.
type Manifest struct {
	ID         string            `json:"id"`
	Kind       ManifestKind      `json:"kind"`
	ParentID   string            `json:"parentId,omitempty"`
	ContentHash string           `json:"contentHash"` // H(parent_hash ‖ H_mem ‖ H_fs ‖ H_env)
	Blobs      []BlobRef         `json:"blobs"`
	Tags       map[string]string `json:"tags,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	SizeBytes  int64             `json:"sizeBytes"` // sum of referenced blob sizes, including ancestors
	// ChainDepth counts incremental parent links back to the nearest full
	// checkpoint; a checkpoint adapter resets to 0 when it performs a full
	// (non-incremental) checkpoint instead of an incremental one.
	ChainDepth int `json:"chainDepth"`
}
