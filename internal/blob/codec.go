package blob

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/tangle-network/faas-substrate/internal/sparse"
	"github.com/tangle-network/faas-substrate/pkg/types"
)

const (
	rawCeiling       = 4 << 10  // below this, storing raw beats paying codec overhead
	highRatioFloor   = 1 << 20  // above this and low-entropy, use the high-ratio codec
	entropySampleCap = 64 << 10 // only sample the first N bytes when estimating entropy
)

// selectCodec implements the size/entropy heuristic: small blobs are
// stored raw, large low-entropy blobs (memory images, text) get the
// high-ratio codec, everything else gets the fast codec. Callers may
// override this by passing an explicit codec to Put.
func selectCodec(data []byte) types.Codec {
	if len(data) < rawCeiling {
		return types.CodecRaw
	}
	if len(data) >= highRatioFloor && estimateEntropy(data) < 6.5 {
		return types.CodecZstdMax
	}
	return types.CodecZstdFast
}

// estimateEntropy computes the Shannon entropy (bits/byte) of a sample of
// data. High-entropy data (already compressed, encrypted, random) is
// roughly 8; sparse memory pages, text, and zero-filled regions score much
// lower and compress well under a high-ratio codec.
func estimateEntropy(data []byte) float64 {
	sample := data
	if len(sample) > entropySampleCap {
		sample = sample[:entropySampleCap]
	}
	var hist [256]int
	for _, b := range sample {
		hist[b]++
	}
	n := float64(len(sample))
	if n == 0 {
		return 0
	}
	var entropy float64
	for _, count := range hist {
		if count == 0 {
			continue
		}
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// encode compresses data per codec, returning the bytes to store.
func encode(codec types.Codec, data []byte) ([]byte, error) {
	switch codec {
	case types.CodecRaw:
		return data, nil
	case types.CodecZstdFast:
		return zstdCompress(data, zstd.SpeedDefault)
	case types.CodecZstdMax:
		return zstdCompress(data, zstd.SpeedBestCompression)
	case types.CodecSparse:
		return sparse.Encode(data)
	default:
		return nil, fmt.Errorf("blob: unknown codec %q", codec)
	}
}

// decode reverses encode.
func decode(codec types.Codec, stored []byte) ([]byte, error) {
	switch codec {
	case types.CodecRaw:
		return stored, nil
	case types.CodecZstdFast, types.CodecZstdMax:
		dec, err := zstd.NewReader(bytes.NewReader(stored))
		if err != nil {
			return nil, fmt.Errorf("blob: init zstd reader: %w", err)
		}
		defer dec.Close()
		out, err := io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("blob: zstd decode: %w", err)
		}
		return out, nil
	case types.CodecSparse:
		return sparse.Decode(stored)
	default:
		return nil, fmt.Errorf("blob: unknown codec %q", codec)
	}
}

// codecTags assigns each codec a fixed 1-byte on-disk tag. A zstd-wrapped
// CodecSparse archive and a plain CodecZstdFast blob are both valid zstd
// streams at the outer layer, so the codec used to write a blob cannot be
// recovered by inspecting the stored bytes (magic-number sniffing) — every
// blob is written with its tag byte prepended and read back by the same
// byte, never by guessing.
var codecTags = map[types.Codec]byte{
	types.CodecRaw:      0,
	types.CodecZstdFast: 1,
	types.CodecZstdMax:  2,
	types.CodecSparse:   3,
}

var tagCodecs = map[byte]types.Codec{
	0: types.CodecRaw,
	1: types.CodecZstdFast,
	2: types.CodecZstdMax,
	3: types.CodecSparse,
}

// encodeTagged encodes data per codec and prefixes the result with codec's
// 1-byte tag, producing the exact bytes the store writes to disk/object
// tier.
func encodeTagged(codec types.Codec, data []byte) ([]byte, error) {
	tag, ok := codecTags[codec]
	if !ok {
		return nil, fmt.Errorf("blob: unknown codec %q", codec)
	}
	enc, err := encode(codec, data)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(enc))
	out[0] = tag
	copy(out[1:], enc)
	return out, nil
}

// decodeTagged reads the 1-byte codec tag off the front of stored and
// decodes the remainder with the matching codec, returning the codec used.
func decodeTagged(stored []byte) (types.Codec, []byte, error) {
	if len(stored) == 0 {
		return "", nil, fmt.Errorf("blob: empty stored blob, no codec tag")
	}
	codec, ok := tagCodecs[stored[0]]
	if !ok {
		return "", nil, fmt.Errorf("blob: unrecognized codec tag %d", stored[0])
	}
	data, err := decode(codec, stored[1:])
	if err != nil {
		return "", nil, err
	}
	return codec, data, nil
}

func zstdCompress(data []byte, level zstd.EncoderLevel) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("blob: init zstd writer: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}
