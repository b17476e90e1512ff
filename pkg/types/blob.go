package types

import "time"

// Codec identifies how a blob's bytes are encoded on disk/object storage.
type Codec string

const (
	CodecRaw       Codec = "raw"        // stored uncompressed — small blobs
	CodecZstdFast  Codec = "zstd-fast"  // general-purpose, default compression level
	CodecZstdMax   Codec = "zstd-max"   // high-ratio, for large low-entropy memory images
	CodecSparse    Codec = "sparse"     // block-sparse + zstd, for mostly-zero memory/disk images
)

// Blob is a content-addressed, immutable byte sequence.
type Blob struct {
	Digest    string    `json:"digest"`    // sha256 of the decompressed content, hex
	Codec     Codec     `json:"codec"`
	Size      int64     `json:"size"`      // decompressed size in bytes
	StoredSize int64    `json:"storedSize"` // on-disk/object size after codec applied
	CreatedAt time.Time `json:"createdAt"`
}
