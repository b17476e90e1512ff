package checkpoint

import (
	"bytes"
	"testing"

	"github.com/tangle-network/faas-substrate/pkg/types"
)

func TestContentHashDeterministic(t *testing.T) {
	files := []FileEntry{
		{Path: "b.txt", Digest: "digest-b"},
		{Path: "a.txt", Digest: "digest-a"},
	}
	env := EnvDescriptor{EnvKey: "alpine", Env: map[string]string{"FOO": "bar", "BAZ": "qux"}}

	h1, err := newMemHash(bytes.NewReader([]byte("memory bytes")))
	if err != nil {
		t.Fatalf("newMemHash: %v", err)
	}
	hash1 := contentHash("parent", h1, files, env)

	// Reordering the file entries and map iteration must not change the
	// digest — H_fs sorts by path and H_env sorts by key internally.
	reordered := []FileEntry{files[1], files[0]}
	h2, err := newMemHash(bytes.NewReader([]byte("memory bytes")))
	if err != nil {
		t.Fatalf("newMemHash: %v", err)
	}
	hash2 := contentHash("parent", h2, reordered, env)

	if hash1 != hash2 {
		t.Fatalf("expected order-independent hash, got %s vs %s", hash1, hash2)
	}
}

func TestContentHashSensitiveToParent(t *testing.T) {
	files := []FileEntry{{Path: "a.txt", Digest: "d"}}
	env := EnvDescriptor{EnvKey: "alpine"}

	h1, _ := newMemHash(bytes.NewReader(nil))
	hashA := contentHash("parent-1", h1, files, env)

	h2, _ := newMemHash(bytes.NewReader(nil))
	hashB := contentHash("parent-2", h2, files, env)

	if hashA == hashB {
		t.Fatalf("expected different parent hashes to produce different content hashes")
	}
}

func TestNextChainDepth(t *testing.T) {
	depth, force := nextChainDepth(nil)
	if depth != 0 || force {
		t.Fatalf("nil parent: expected depth 0, force=false, got %d, %v", depth, force)
	}

	shallow := &types.Manifest{ChainDepth: 5}
	depth, force = nextChainDepth(shallow)
	if depth != 6 || force {
		t.Fatalf("expected depth 6, force=false, got %d, %v", depth, force)
	}

	atBound := &types.Manifest{ChainDepth: maxChainDepth}
	depth, force = nextChainDepth(atBound)
	if !force || depth != 0 {
		t.Fatalf("expected chain at bound to force a full checkpoint, got depth=%d force=%v", depth, force)
	}
}

func TestParseLoadedImageTag(t *testing.T) {
	out := "Loaded image: faasd-checkpoint-abc:123\n"
	if got := parseLoadedImageTag(out); got != "faasd-checkpoint-abc:123" {
		t.Fatalf("expected parsed tag, got %q", got)
	}
	if got := parseLoadedImageTag("no matching line\n"); got != "" {
		t.Fatalf("expected empty string for no match, got %q", got)
	}
}
