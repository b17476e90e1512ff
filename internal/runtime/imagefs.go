package runtime

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// copyReflink copies baseImage to destPath using reflink (--reflink=auto)
// for instant copy-on-write on XFS/btrfs, falling back transparently to a
// plain copy elsewhere. Grounded on the pack's firecracker.PrepareRootfs.
func copyReflink(baseImage, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("mkdir for rootfs: %w", err)
	}
	cmd := exec.Command("cp", "--reflink=auto", baseImage, destPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("copy rootfs: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// allocateSparseFile creates path as a sparse file of size bytes and
// formats it ext4, for use as a microVM's writable workspace drive.
// Grounded on the pack's firecracker.CreateWorkspace.
func allocateSparseFile(path string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for workspace: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create workspace file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("truncate workspace: %w", err)
	}
	f.Close()

	cmd := exec.Command("mkfs.ext4", "-q", "-F", "-L", "workspace", "-O", "^has_journal", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.Remove(path)
		return fmt.Errorf("mkfs.ext4: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func encodeB64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
