// Package sparse implements a block-sparse archive codec for mostly-zero
// byte buffers — memory snapshots and disk images are typically 90%+ zero
// pages, and skipping those blocks before handing the remainder to zstd
// compresses faster and smaller than running zstd over the full buffer.
// Grounded on the pack's block-level sparse file archive format, retargeted
// from file-to-file archival (its Create/Restore wrote straight to a sparse
// file on disk) to in-memory encode/decode so it can plug into
// internal/blob's codec table, which only ever sees already-materialized
// byte slices.
//
// Format:
//   - header: magic [8]byte "OSBSPAR1" + size uint64 (little-endian)
//   - blocks: repeated (offset uint64 + data [BlockSize]byte) for each
//     non-zero block
//   - the whole stream is wrapped in zstd
package sparse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	BlockSize = 4096
	Magic     = "OSBSPAR1"
)

// Encode scans data for non-zero 4KB blocks and returns a zstd-wrapped
// archive containing only those blocks plus their offsets.
func Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("sparse: init zstd writer: %w", err)
	}

	var header [8]byte
	copy(header[:], Magic)
	if _, err := zw.Write(header[:]); err != nil {
		zw.Close()
		return nil, fmt.Errorf("sparse: write magic: %w", err)
	}
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(len(data)))
	if _, err := zw.Write(sizeBuf[:]); err != nil {
		zw.Close()
		return nil, fmt.Errorf("sparse: write size: %w", err)
	}

	var offsetBuf [8]byte
	for offset := 0; offset < len(data); offset += BlockSize {
		end := offset + BlockSize
		if end > len(data) {
			end = len(data)
		}
		block := data[offset:end]
		if isZero(block) {
			continue
		}
		binary.LittleEndian.PutUint64(offsetBuf[:], uint64(offset))
		if _, err := zw.Write(offsetBuf[:]); err != nil {
			zw.Close()
			return nil, fmt.Errorf("sparse: write offset: %w", err)
		}
		if _, err := zw.Write(block); err != nil {
			zw.Close()
			return nil, fmt.Errorf("sparse: write block: %w", err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("sparse: close zstd: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode, reconstructing the original buffer with zero
// bytes in place of blocks that were never written.
func Decode(archive []byte) ([]byte, error) {
	zr, err := zstd.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("sparse: init zstd reader: %w", err)
	}
	defer zr.Close()

	var header [8]byte
	if _, err := io.ReadFull(zr, header[:]); err != nil {
		return nil, fmt.Errorf("sparse: read magic: %w", err)
	}
	if string(header[:]) != Magic {
		return nil, fmt.Errorf("sparse: invalid magic %q", header[:])
	}

	var sizeBuf [8]byte
	if _, err := io.ReadFull(zr, sizeBuf[:]); err != nil {
		return nil, fmt.Errorf("sparse: read size: %w", err)
	}
	size := binary.LittleEndian.Uint64(sizeBuf[:])

	out := make([]byte, size)
	var offsetBuf [8]byte
	for {
		_, err := io.ReadFull(zr, offsetBuf[:])
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("sparse: read block offset: %w", err)
		}
		offset := binary.LittleEndian.Uint64(offsetBuf[:])

		end := offset + BlockSize
		if end > size {
			end = size
		}
		n, err := io.ReadFull(zr, out[offset:end])
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("sparse: read block data at offset %d: %w", offset, err)
		}
		_ = n
	}
	return out, nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
