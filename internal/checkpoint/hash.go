// Package checkpoint implements the three checkpoint/restore adapters (C4):
// container-filesystem, microVM snapshot, and process checkpoint. Each
// translates a native artifact format into blobs plus one manifest,
// supporting incremental chains bounded at maxChainDepth parent links.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"sort"

	"github.com/tangle-network/faas-substrate/pkg/types"
)

// maxChainDepth bounds an incremental snapshot chain at 32 parent links; a
// checkpoint that would create link 33 performs a full checkpoint instead
// and resets ChainDepth to 0. Decided as an explicit choice, not a default
// carried over from any example — see DESIGN.md.
const maxChainDepth = 32

// FileEntry is one file-system entry contributing to H_fs, identified by
// its logical path and content digest.
type FileEntry struct {
	Path   string
	Digest string // sha256 hex of the file's content
}

// EnvDescriptor is the environment fingerprint contributing to H_env:
// the sandbox's env key and its declared environment variables.
type EnvDescriptor struct {
	EnvKey string
	Env    map[string]string
}

// contentHash computes H(parentHash ‖ H_mem ‖ H_fs ‖ H_env) as specified:
// H_fs folds lexicographically sorted file entries so map/slice ordering
// never perturbs the digest, and the caller streams memory bytes into
// memHash in fixed 1 MiB chunks before calling contentHash.
func contentHash(parentHash string, memHash hash.Hash, files []FileEntry, env EnvDescriptor) string {
	h := sha256.New()
	io.WriteString(h, parentHash)
	h.Write(memHash.Sum(nil))
	h.Write(hashFiles(files))
	h.Write(hashEnv(env))
	return hex.EncodeToString(h.Sum(nil))
}

func hashFiles(files []FileEntry) []byte {
	sorted := make([]FileEntry, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	for _, f := range sorted {
		io.WriteString(h, f.Path)
		h.Write([]byte{0})
		io.WriteString(h, f.Digest)
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

func hashEnv(env EnvDescriptor) []byte {
	h := sha256.New()
	io.WriteString(h, env.EnvKey)
	h.Write([]byte{0})

	keys := make([]string, 0, len(env.Env))
	for k := range env.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		io.WriteString(h, k)
		h.Write([]byte{'='})
		io.WriteString(h, env.Env[k])
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

// newMemHash streams r into a sha256 hash in fixed 1 MiB chunks, matching
// the spec's H_mem chunking requirement so the digest is stable regardless
// of how the caller buffers memory bytes.
func newMemHash(r io.Reader) (hash.Hash, error) {
	h := sha256.New()
	buf := make([]byte, 1<<20)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return nil, err
	}
	return h, nil
}

// nextChainDepth returns the ChainDepth for a new manifest given its
// parent, and whether the incremental link must be rejected in favor of a
// full checkpoint (parent's depth already at the bound).
func nextChainDepth(parent *types.Manifest) (depth int, forceFullCheckpoint bool) {
	if parent == nil {
		return 0, false
	}
	if parent.ChainDepth >= maxChainDepth {
		return 0, true
	}
	return parent.ChainDepth + 1, false
}
