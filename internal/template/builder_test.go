package template

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAugmentDockerfileInjectsAgentAndInit(t *testing.T) {
	b := NewBuilder("podman", t.TempDir(), "")
	out := b.augmentDockerfile("FROM alpine:3.20\n")

	for _, want := range []string{
		"FROM alpine:3.20",
		"COPY faasd-agent /usr/local/bin/faasd-agent",
		"COPY init /sbin/init",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("augmented Dockerfile missing %q:\n%s", want, out)
		}
	}
}

func TestNewBuilderDefaultsAgentPath(t *testing.T) {
	b := NewBuilder("podman", t.TempDir(), "")
	if b.agentPath != "/usr/local/bin/faasd-agent" {
		t.Errorf("agentPath = %q, want default", b.agentPath)
	}
}

func TestCopyFilePreservesContentAndMode(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")

	if err := os.WriteFile(src, []byte("payload"), 0o755); err != nil {
		t.Fatalf("write src: %v", err)
	}

	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read dst: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("dst content = %q, want %q", got, "payload")
	}

	info, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("stat dst: %v", err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Error("copyFile did not preserve the executable bit")
	}
}
