package sparse

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data := make([]byte, 64*1024)
	copy(data[4096:4096+13], []byte("hello, world!"))
	copy(data[40960:40960+5], []byte("abcde"))

	archive, err := Encode(data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(archive)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch")
	}
}

func TestEncodeSkipsZeroBlocksSmallerThanInput(t *testing.T) {
	data := make([]byte, 1<<20) // 1 MiB, entirely zero
	archive, err := Encode(data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(archive) >= len(data) {
		t.Fatalf("expected archive (%d bytes) to be much smaller than input (%d bytes)", len(archive), len(data))
	}
}

func TestEncodeDecodeEmpty(t *testing.T) {
	archive, err := Encode(nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(archive)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty output, got %d bytes", len(got))
	}
}

func TestEncodeDecodeSizeNotBlockAligned(t *testing.T) {
	data := make([]byte, 5000) // not a multiple of BlockSize
	copy(data[4096:], []byte("tail"))

	archive, err := Encode(data)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(archive)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch for non-block-aligned size")
	}
}
