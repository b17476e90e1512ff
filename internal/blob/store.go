// Package blob implements the content-addressed blob store (C1): local
// disk tier with fan-out directories, optional S3-compatible object tier,
// codec selection by size/entropy, and a bounded in-memory LRU of
// decompressed bytes above the store. Grounded on the pack's
// internal/storage.CheckpointStore (local NVMe cache + S3 source of
// truth, hard-link-first caching, statfs-driven LRU eviction).
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tangle-network/faas-substrate/internal/metrics"
	"github.com/tangle-network/faas-substrate/internal/workerpool"
	"github.com/tangle-network/faas-substrate/pkg/types"
)

// reserveFraction is the fraction of total local-tier filesystem space kept
// free for in-flight work before the LRU starts evicting cold blobs.
const reserveFraction = 5 // keep 1/5 (20%) free, matching the pack's checkpoint cache policy

// Store is the content-addressed blob store.
type Store struct {
	localRoot string
	object    *objectTier // nil if no object tier is configured
	mem       *memLRU
	pool      *workerpool.Pool

	evictMu sync.Mutex // serializes eviction scans
}

// Options configures a Store.
type Options struct {
	LocalRoot      string
	MemCacheBytes  int64 // 0 disables the in-process decompressed-byte cache
	Object         *ObjectTierConfig
	CompressionPar int // concurrent compress/decompress/hash goroutines
}

// New constructs a Store rooted at opts.LocalRoot, creating the blobs/
// directory if needed.
func New(opts Options) (*Store, error) {
	root := filepath.Join(opts.LocalRoot, "blobs")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, types.Wrap(types.Io, "blob.New", fmt.Errorf("create blob root: %w", err))
	}

	par := opts.CompressionPar
	if par < 1 {
		par = 4
	}

	s := &Store{
		localRoot: root,
		mem:       newMemLRU(opts.MemCacheBytes),
		pool:      workerpool.New(par),
	}

	if opts.Object != nil {
		ot, err := newObjectTier(*opts.Object)
		if err != nil {
			return nil, err
		}
		s.object = ot
	}

	return s, nil
}

// digest returns the hex sha256 of data.
func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// localPath implements the {base}/blobs/{2-hex}/{rest} fan-out layout.
func (s *Store) localPath(dig string) string {
	return filepath.Join(s.localRoot, dig[:2], dig[2:])
}

// Put stores data, deduplicating on content hash. If codec is the zero
// value, the codec is chosen by the size/entropy heuristic; callers with
// better knowledge (e.g. the checkpoint adapter knows a blob is an
// already-compressed memory chunk) may pass an explicit override.
func (s *Store) Put(ctx context.Context, data []byte, override types.Codec) (*types.Blob, error) {
	dig := digest(data)
	path := s.localPath(dig)

	if _, err := os.Stat(path); err == nil {
		// Already present — dedup, no write.
		return s.statBlob(dig, data)
	}

	codec := override
	if codec == "" {
		codec = selectCodec(data)
	}

	var stored []byte
	start := time.Now()
	err := s.pool.Submit(ctx, func() error {
		var encErr error
		stored, encErr = encodeTagged(codec, data)
		return encErr
	})
	metrics.BlobPutDuration.WithLabelValues(string(codec)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, types.Wrap(types.Io, "blob.Put", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, types.Wrap(types.Io, "blob.Put", fmt.Errorf("mkdir: %w", err))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-tmp-*")
	if err != nil {
		return nil, types.Wrap(types.Io, "blob.Put", fmt.Errorf("create temp: %w", err))
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(stored); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, types.Wrap(types.Io, "blob.Put", fmt.Errorf("write temp: %w", err))
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, types.Wrap(types.Io, "blob.Put", fmt.Errorf("rename into place: %w", err))
	}

	s.mem.put(dig, data)
	metrics.BlobStoreBytesLocal.WithLabelValues().Add(float64(len(data)))

	blob := &types.Blob{
		Digest:     dig,
		Codec:      codec,
		Size:       int64(len(data)),
		StoredSize: int64(len(stored)),
		CreatedAt:  time.Now(),
	}

	if s.object != nil {
		go s.replicateAsync(dig, path, blob.StoredSize)
	}

	return blob, nil
}

// replicateAsync uploads a freshly-written blob to the object tier in the
// background; Put does not wait on it, matching the pack's async-upload
// pattern in hibernate.go (local write completes the request, S3 catches
// up).
func (s *Store) replicateAsync(dig, path string, size int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	f, err := os.Open(path)
	if err != nil {
		log.Printf("blob: replicate %s: open: %v", dig, err)
		return
	}
	defer f.Close()

	if err := s.object.put(ctx, dig, f, size); err != nil {
		log.Printf("blob: replicate %s: %v", dig, err)
	}
}

// Get returns the decompressed bytes for digest, checking the in-memory
// LRU, then the local tier, then promoting from the object tier.
func (s *Store) Get(ctx context.Context, dig string) ([]byte, error) {
	if data, ok := s.mem.get(dig); ok {
		return data, nil
	}

	path := s.localPath(dig)
	stored, err := os.ReadFile(path)
	if err == nil {
		data, decErr := s.decodeLocal(ctx, dig, stored)
		if decErr != nil {
			return nil, decErr
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, types.Wrap(types.Io, "blob.Get", err)
	}

	if s.object == nil {
		return nil, types.Wrap(types.NotFound, "blob.Get", fmt.Errorf("digest %s not found", dig))
	}

	return s.promoteFromObject(ctx, dig)
}

// decodeLocal decodes stored, the on-disk representation written by Put:
// a 1-byte codec tag (see encodeTagged/decodeTagged) followed by the
// codec's encoded bytes. The tag, not magic-byte sniffing, is what tells
// Get which codec to use — a CodecSparse blob is itself zstd-wrapped at
// the outer layer (see internal/sparse.Encode), so it is indistinguishable
// from a CodecZstdFast blob by content alone; decoding it as the wrong
// codec would "succeed" (the outer zstd layer is valid either way) while
// returning the wrong bytes.
func (s *Store) decodeLocal(ctx context.Context, dig string, stored []byte) ([]byte, error) {
	var data []byte
	err := s.pool.Submit(ctx, func() error {
		_, d, decErr := decodeTagged(stored)
		if decErr != nil {
			return decErr
		}
		data = d
		return nil
	})
	if err != nil {
		return nil, types.Wrap(types.Corruption, "blob.Get", err)
	}
	s.mem.put(dig, data)
	return data, nil
}

// promoteFromObject downloads a blob from the object tier into the local
// tier, then serves it from there — the object tier is durable storage,
// not a read path we want to stay on.
func (s *Store) promoteFromObject(ctx context.Context, dig string) ([]byte, error) {
	rc, err := s.object.get(ctx, dig)
	if err != nil {
		return nil, types.Wrap(types.NotFound, "blob.Get", err)
	}
	defer rc.Close()

	path := s.localPath(dig)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, types.Wrap(types.Io, "blob.Get", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".promote-tmp-*")
	if err != nil {
		return nil, types.Wrap(types.Io, "blob.Get", err)
	}
	tmpPath := tmp.Name()
	stored, err := io.ReadAll(rc)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, types.Wrap(types.Io, "blob.Get", err)
	}
	if _, err := tmp.Write(stored); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, types.Wrap(types.Io, "blob.Get", err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, types.Wrap(types.Io, "blob.Get", err)
	}

	s.evictIfNeeded()
	return s.decodeLocal(ctx, dig, stored)
}

// Exists reports whether digest is known to the store (local or object
// tier).
func (s *Store) Exists(ctx context.Context, dig string) (bool, error) {
	if _, err := os.Stat(s.localPath(dig)); err == nil {
		return true, nil
	}
	if s.object != nil {
		return s.object.exists(ctx, dig)
	}
	return false, nil
}

// Size returns the on-disk (stored, possibly compressed) size of digest.
func (s *Store) Size(ctx context.Context, dig string) (int64, error) {
	info, err := os.Stat(s.localPath(dig))
	if err != nil {
		return 0, types.Wrap(types.NotFound, "blob.Size", err)
	}
	return info.Size(), nil
}

// Delete removes a blob from both tiers and the memory cache. Blob stores
// are otherwise append-only; Delete exists for manifest garbage
// collection once no manifest references a digest.
func (s *Store) Delete(ctx context.Context, dig string) error {
	s.mem.remove(dig)
	if err := os.Remove(s.localPath(dig)); err != nil && !os.IsNotExist(err) {
		return types.Wrap(types.Io, "blob.Delete", err)
	}
	if s.object != nil {
		if err := s.object.delete(ctx, dig); err != nil {
			return err
		}
	}
	return nil
}

// statBlob builds the Blob descriptor for a Put that deduplicated onto an
// already-stored digest. The codec tag is read back off the on-disk file
// (its first byte, see encodeTagged) rather than re-run through
// selectCodec, since a caller may have deduplicated onto a blob originally
// written with an explicit override that the heuristic would not reproduce.
func (s *Store) statBlob(dig string, data []byte) (*types.Blob, error) {
	path := s.localPath(dig)
	info, err := os.Stat(path)
	if err != nil {
		return nil, types.Wrap(types.Io, "blob.Put", err)
	}

	var codec types.Codec
	if f, openErr := os.Open(path); openErr == nil {
		var tag [1]byte
		if _, readErr := io.ReadFull(f, tag[:]); readErr == nil {
			codec = tagCodecs[tag[0]]
		}
		f.Close()
	}

	return &types.Blob{
		Digest:     dig,
		Codec:      codec,
		Size:       int64(len(data)),
		StoredSize: info.Size(),
		CreatedAt:  info.ModTime(),
	}, nil
}

// evictIfNeeded frees local-tier disk space when real filesystem pressure
// crosses the reserve threshold, evicting the coldest (oldest-mtime)
// blobs first. Grounded directly on the pack's statfs-based checkpoint
// cache eviction policy.
func (s *Store) evictIfNeeded() {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	var stat unix.Statfs_t
	if err := unix.Statfs(s.localRoot, &stat); err != nil {
		log.Printf("blob: statfs failed: %v", err)
		return
	}

	totalBytes := stat.Blocks * uint64(stat.Bsize)
	availBytes := stat.Bavail * uint64(stat.Bsize)
	reserveBytes := totalBytes / reserveFraction

	if availBytes > reserveBytes {
		return
	}

	type entry struct {
		path  string
		size  int64
		mtime time.Time
		dig   string
	}
	var files []entry

	fanouts, err := os.ReadDir(s.localRoot)
	if err != nil {
		log.Printf("blob: readdir failed: %v", err)
		return
	}
	for _, fo := range fanouts {
		if !fo.IsDir() {
			continue
		}
		sub := filepath.Join(s.localRoot, fo.Name())
		entries, err := os.ReadDir(sub)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || len(e.Name()) > 0 && e.Name()[0] == '.' {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			files = append(files, entry{
				path:  filepath.Join(sub, e.Name()),
				size:  info.Size(),
				mtime: info.ModTime(),
				dig:   fo.Name() + e.Name(),
			})
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })

	needToFree := int64(reserveBytes - availBytes)
	var freed int64
	var evicted int
	for _, f := range files {
		if freed >= needToFree {
			break
		}
		// Only evict blobs that are also durable in the object tier —
		// local-only blobs (no object tier configured, or replication
		// still in flight) must never be evicted out from under a caller.
		if s.object == nil {
			break
		}
		if ok, _ := s.object.exists(context.Background(), f.dig); !ok {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		s.mem.remove(f.dig)
		freed += f.size
		evicted++
	}

	if evicted > 0 {
		metrics.BlobStoreEvictionsTotal.WithLabelValues().Add(float64(evicted))
		metrics.BlobStoreBytesLocal.WithLabelValues().Sub(float64(freed))
		log.Printf("blob: evicted %d entries, freed %d bytes (avail was %d, reserve %d)",
			evicted, freed, availBytes, reserveBytes)
	}
}
