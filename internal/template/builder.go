package template

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tangle-network/faas-substrate/pkg/types"
)

// Builder builds ext4 rootfs images from Dockerfiles for microVM boot,
// using podman as a build tool: podman build -> podman create -> podman
// export -> tar2ext4 -> images dir. The faasd guest agent binary and an
// init script are injected into the image during build. Grounded on the
// pack's internal/template.Builder, with the podman.Client wrapper
// replaced by direct exec.CommandContext calls against the binary —
// matching internal/runtime/container.go's own style rather than keeping
// a second podman-wrapping abstraction around for one caller.
type Builder struct {
	podmanBin string
	imagesDir string // target directory for ext4 images
	agentPath string // path to the faasd guest agent binary to inject into images
}

// NewBuilder creates a template builder. imagesDir is where completed ext4
// images land; agentPath is the guest agent binary to inject (defaults to
// /usr/local/bin/faasd-agent).
func NewBuilder(podmanBin, imagesDir, agentPath string) *Builder {
	if agentPath == "" {
		agentPath = "/usr/local/bin/faasd-agent"
	}
	return &Builder{podmanBin: podmanBin, imagesDir: imagesDir, agentPath: agentPath}
}

func (b *Builder) run(ctx context.Context, args ...string) (stdout, stderr string, exitCode int, err error) {
	cmd := exec.CommandContext(ctx, b.podmanBin, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			return stdout, stderr, exitErr.ExitCode(), nil
		}
		return stdout, stderr, -1, fmt.Errorf("%s %s: %w", b.podmanBin, strings.Join(args, " "), runErr)
	}
	return stdout, stderr, 0, nil
}

// Build builds an ext4 rootfs image from req.Dockerfile and places it at
// {imagesDir}/{req.EnvKey}.ext4, returning the image path and the build log.
func (b *Builder) Build(ctx context.Context, req types.EnvironmentBuildRequest) (string, string, error) {
	envKey := req.EnvKey
	localImage := fmt.Sprintf("localhost/faasd-env/%s:latest", envKey)

	tmpDir, err := os.MkdirTemp("", "faasd-build-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp build dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	dockerfilePath := filepath.Join(tmpDir, "Dockerfile")
	if err := os.WriteFile(dockerfilePath, []byte(b.augmentDockerfile(req.Dockerfile)), 0o644); err != nil {
		return "", "", fmt.Errorf("write Dockerfile: %w", err)
	}

	if _, err := os.Stat(b.agentPath); err == nil {
		if err := copyFile(b.agentPath, filepath.Join(tmpDir, "faasd-agent")); err != nil {
			return "", "", fmt.Errorf("copy agent binary into build context: %w", err)
		}
	}

	if err := os.WriteFile(filepath.Join(tmpDir, "init"), []byte(initScript), 0o755); err != nil {
		return "", "", fmt.Errorf("write init script: %w", err)
	}

	log.Printf("template: building image %s from Dockerfile", localImage)
	stdout, stderr, exitCode, err := b.run(ctx, "build", "-t", localImage, "-f", dockerfilePath, tmpDir)
	if err != nil {
		return "", "", fmt.Errorf("podman build: %w", err)
	}
	if exitCode != 0 {
		return "", "", fmt.Errorf("podman build failed (exit %d): %s", exitCode, stderr)
	}
	buildLog := stdout + stderr

	tarPath := filepath.Join(tmpDir, "rootfs.tar")
	if err := b.exportImage(ctx, localImage, tarPath); err != nil {
		return "", buildLog, err
	}

	ext4Path := filepath.Join(tmpDir, "rootfs.ext4")
	if err := tarToExt4(tarPath, ext4Path, 4096); err != nil {
		return "", buildLog, err
	}

	if err := os.MkdirAll(b.imagesDir, 0o755); err != nil {
		return "", buildLog, fmt.Errorf("create images dir: %w", err)
	}
	destPath := filepath.Join(b.imagesDir, envKey+".ext4")
	if err := os.Rename(ext4Path, destPath); err != nil {
		if err := copyFile(ext4Path, destPath); err != nil {
			return "", buildLog, fmt.Errorf("move ext4 to images dir: %w", err)
		}
		os.Remove(ext4Path)
	}

	_, _, _, _ = b.run(ctx, "rmi", "-f", localImage)

	log.Printf("template: built %s (%s)", envKey, destPath)
	return destPath, buildLog, nil
}

// augmentDockerfile appends instructions to inject the guest agent and
// init script the microVM boots with.
func (b *Builder) augmentDockerfile(dockerfile string) string {
	return dockerfile + `

COPY faasd-agent /usr/local/bin/faasd-agent
RUN chmod +x /usr/local/bin/faasd-agent
COPY init /sbin/init
RUN chmod +x /sbin/init
RUN mkdir -p /workspace
`
}

func (b *Builder) exportImage(ctx context.Context, image, tarPath string) error {
	containerName := "faasd-export-" + filepath.Base(tarPath)
	stdout, stderr, exitCode, err := b.run(ctx, "create", "--name", containerName, image, "/bin/true")
	if err != nil {
		return fmt.Errorf("podman create: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("podman create failed (exit %d): %s", exitCode, stderr)
	}
	containerID := strings.TrimSpace(stdout)
	if containerID == "" {
		containerID = containerName
	}
	defer b.run(ctx, "rm", "-f", containerID)

	_, stderr, exitCode, err = b.run(ctx, "export", "-o", tarPath, containerID)
	if err != nil {
		return fmt.Errorf("podman export: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("podman export failed (exit %d): %s", exitCode, stderr)
	}
	return nil
}

// tarToExt4 converts a tar archive into an ext4 filesystem image of
// sizeMB, shrunk to minimum size afterward.
func tarToExt4(tarPath, ext4Path string, sizeMB int) error {
	f, err := os.Create(ext4Path)
	if err != nil {
		return fmt.Errorf("create ext4 file: %w", err)
	}
	if err := f.Truncate(int64(sizeMB) * 1024 * 1024); err != nil {
		f.Close()
		return fmt.Errorf("truncate ext4: %w", err)
	}
	f.Close()

	if out, err := exec.Command("mkfs.ext4", "-q", "-F", "-L", "rootfs", ext4Path).CombinedOutput(); err != nil {
		return fmt.Errorf("mkfs.ext4: %w (%s)", err, strings.TrimSpace(string(out)))
	}

	mountDir, err := os.MkdirTemp("", "faasd-mount-*")
	if err != nil {
		return fmt.Errorf("create mount dir: %w", err)
	}
	defer os.RemoveAll(mountDir)

	if out, err := exec.Command("mount", "-o", "loop", ext4Path, mountDir).CombinedOutput(); err != nil {
		return fmt.Errorf("mount ext4: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	defer exec.Command("umount", mountDir).Run()

	if out, err := exec.Command("tar", "xf", tarPath, "-C", mountDir).CombinedOutput(); err != nil {
		return fmt.Errorf("extract tar: %w (%s)", err, strings.TrimSpace(string(out)))
	}

	for _, dir := range []string{"proc", "sys", "dev", "tmp", "workspace", "run"} {
		os.MkdirAll(filepath.Join(mountDir, dir), 0o755)
	}

	exec.Command("sync").Run()
	if out, err := exec.Command("umount", mountDir).CombinedOutput(); err != nil {
		return fmt.Errorf("umount: %w (%s)", err, strings.TrimSpace(string(out)))
	}

	if out, err := exec.Command("resize2fs", "-M", ext4Path).CombinedOutput(); err != nil {
		log.Printf("template: resize2fs -M warning: %v (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// initScript is /sbin/init for the microVM: mounts virtual filesystems,
// the workspace drive, and execs the guest agent as PID 1's replacement.
// Host network configuration is out of scope (no networking policy beyond
// what the runtime provides), so there is no kernel-cmdline IP parsing
// here — only loopback comes up.
const initScript = `#!/bin/busybox sh
mount -t proc proc /proc
mount -t sysfs sysfs /sys
mount -t devtmpfs devtmpfs /dev
mount -t tmpfs tmpfs /tmp
mount -t tmpfs tmpfs /run

[ -c /dev/null ] || mknod -m 666 /dev/null c 1 3
[ -c /dev/zero ] || mknod -m 666 /dev/zero c 1 5
[ -c /dev/random ] || mknod -m 444 /dev/random c 1 8
[ -c /dev/urandom ] || mknod -m 444 /dev/urandom c 1 9
[ -c /dev/tty ] || mknod -m 666 /dev/tty c 5 0
[ -c /dev/console ] || mknod -m 600 /dev/console c 5 1
[ -d /dev/pts ] || mkdir -p /dev/pts
mount -t devpts devpts /dev/pts
[ -d /dev/shm ] || mkdir -p /dev/shm
mount -t tmpfs tmpfs /dev/shm

mkdir -p /workspace
mount /dev/vdb /workspace 2>/dev/null || mount /dev/vdb1 /workspace 2>/dev/null || echo "init: warning: workspace mount failed"

ip link set lo up
hostname faasd-sandbox

exec /usr/local/bin/faasd-agent
`

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := out.ReadFrom(in); err != nil {
		return err
	}

	if info, err := os.Stat(src); err == nil {
		out.Chmod(info.Mode())
	}
	return nil
}
