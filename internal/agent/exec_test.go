package agent

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveWorkspacePathRelative(t *testing.T) {
	got := resolveWorkspacePath("out.txt")
	if want := filepath.Join("/workspace", "out.txt"); got != want {
		t.Errorf("resolveWorkspacePath(relative) = %q, want %q", got, want)
	}
}

func TestResolveWorkspacePathAbsolute(t *testing.T) {
	got := resolveWorkspacePath("/tmp/out.txt")
	if got != "/tmp/out.txt" {
		t.Errorf("resolveWorkspacePath(absolute) = %q, want unchanged", got)
	}
}

func TestMapToEnv(t *testing.T) {
	env := mapToEnv(map[string]string{"FOO": "bar"})
	if len(env) != 1 || env[0] != "FOO=bar" {
		t.Errorf("mapToEnv = %v, want [FOO=bar]", env)
	}
}

func TestHandleWriteFileDecodesAndWrites(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "file.txt")

	content := []byte("hello from host")
	req := request{
		Command: []string{writeFileCommand, target},
		Env:     map[string]string{"FAASD_FILE_CONTENT_B64": base64.StdEncoding.EncodeToString(content)},
	}

	res := handleWriteFile(req)
	if res.ExitCode != 0 {
		t.Fatalf("handleWriteFile: exit %d, stderr %q", res.ExitCode, res.Stderr)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("written content = %q, want %q", got, content)
	}
}

func TestHandleWriteFileBadBase64(t *testing.T) {
	req := request{
		Command: []string{writeFileCommand, "/tmp/whatever.txt"},
		Env:     map[string]string{"FAASD_FILE_CONTENT_B64": "not-valid-base64!!"},
	}
	res := handleWriteFile(req)
	if res.ExitCode == 0 {
		t.Fatal("expected non-zero exit code for bad base64 payload")
	}
}

func TestHandleWriteFileMissingPath(t *testing.T) {
	res := handleWriteFile(request{Command: []string{writeFileCommand}})
	if res.ExitCode == 0 {
		t.Fatal("expected non-zero exit code for missing target path")
	}
}
