package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// writeFileCommand is the magic command internal/runtime/microvm.go sends
// for UploadFiles: the target path is argv[1], and the content arrives
// base64-encoded in the FAASD_FILE_CONTENT_B64 env entry rather than over
// stdin, since the exec protocol has no separate payload channel.
const writeFileCommand = "__faasd_write_file__"

const defaultExecTimeout = 60 * time.Second

// baseEnv returns the current environment with HOME pointed at /workspace,
// so tools invoked by guest commands (npm, pip, git, ...) use the
// sandbox's workspace for caches rather than the rootfs image's home dir.
func baseEnv() []string {
	var env []string
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "HOME=") {
			continue
		}
		env = append(env, e)
	}
	return append(env, "HOME=/workspace")
}

func mapToEnv(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	return env
}

// runExec runs req.Command as a subprocess with a bounded timeout,
// returning its exit code and captured output.
func runExec(req request) result {
	if len(req.Command) == 0 {
		return result{ExitCode: -1, Error: "empty command"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultExecTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	if info, err := os.Stat("/workspace"); err == nil && info.IsDir() {
		cmd.Dir = "/workspace"
	}
	cmd.Env = baseEnv()
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Env, mapToEnv(req.Env)...)
	}
	// Own process group so a timeout kill takes the whole tree with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return result{ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}
	}

	if ctx.Err() == context.DeadlineExceeded {
		killGroup(cmd)
		return result{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String() + "\ncommand timed out"}
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		return result{ExitCode: exitErr.ExitCode(), Stdout: stdout.String(), Stderr: stderr.String()}
	}

	return result{ExitCode: -1, Error: err.Error()}
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// handleWriteFile decodes the base64 payload the host attached and writes
// it to the target path (relative paths resolve under /workspace; see
// resolveWorkspacePath), creating parent directories as needed.
func handleWriteFile(req request) result {
	if len(req.Command) < 2 {
		return result{ExitCode: -1, Error: "missing target path"}
	}
	path := resolveWorkspacePath(req.Command[1])

	content, err := base64.StdEncoding.DecodeString(req.Env["FAASD_FILE_CONTENT_B64"])
	if err != nil {
		return result{ExitCode: -1, Error: "bad base64 payload: " + err.Error()}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return result{ExitCode: 1, Stderr: err.Error()}
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return result{ExitCode: 1, Stderr: err.Error()}
	}
	return result{ExitCode: 0}
}

// resolveWorkspacePath anchors a relative path under /workspace; an
// absolute path is used as-is.
func resolveWorkspacePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join("/workspace", p)
}
