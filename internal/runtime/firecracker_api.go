package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

// firecrackerAPIClient is a minimal HTTP client for a single Firecracker
// instance's API Unix domain socket. Grounded directly on the pack's
// FirecrackerClient — the request shapes below (boot-source,
// machine-config, drives, vsock, actions, vm state, snapshot create/load)
// match the Firecracker API one-to-one, per SPEC_FULL.md §6.
type firecrackerAPIClient struct {
	socketPath string
	httpClient *http.Client
}

func newFirecrackerAPIClient(socketPath string) *firecrackerAPIClient {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &firecrackerAPIClient{
		socketPath: socketPath,
		httpClient: &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

func (c *firecrackerAPIClient) waitForSocket(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(c.socketPath); err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("firecracker API socket %s not ready after %v", c.socketPath, timeout)
}

func (c *firecrackerAPIClient) putBootSource(kernelPath, bootArgs string) error {
	return c.put("/boot-source", map[string]string{
		"kernel_image_path": kernelPath,
		"boot_args":         bootArgs,
	})
}

func (c *firecrackerAPIClient) putDrive(driveID, pathOnHost string, isRootDevice, isReadOnly bool) error {
	return c.putWithID("/drives", driveID, map[string]interface{}{
		"drive_id":       driveID,
		"path_on_host":   pathOnHost,
		"is_root_device": isRootDevice,
		"is_read_only":   isReadOnly,
	})
}

func (c *firecrackerAPIClient) putVsock(guestCID uint32, udsPath string) error {
	return c.put("/vsock", map[string]interface{}{
		"guest_cid": guestCID,
		"uds_path":  udsPath,
	})
}

func (c *firecrackerAPIClient) putMachineConfig(vcpuCount, memSizeMib int) error {
	return c.put("/machine-config", map[string]interface{}{
		"vcpu_count":   vcpuCount,
		"mem_size_mib": memSizeMib,
	})
}

func (c *firecrackerAPIClient) startInstance() error {
	return c.put("/actions", map[string]string{"action_type": "InstanceStart"})
}

func (c *firecrackerAPIClient) pauseVM() error {
	return c.patch("/vm", map[string]string{"state": "Paused"})
}

func (c *firecrackerAPIClient) resumeVM() error {
	return c.patch("/vm", map[string]string{"state": "Resumed"})
}

// createSnapshot creates a full VM snapshot (memory + device state). The
// VM must be paused first.
func (c *firecrackerAPIClient) createSnapshot(snapshotPath, memFilePath string) error {
	return c.put("/snapshot/create", map[string]string{
		"snapshot_type": "Full",
		"snapshot_path": snapshotPath,
		"mem_file_path": memFilePath,
	})
}

func (c *firecrackerAPIClient) loadSnapshot(snapshotPath, memFilePath string, resumeVM bool) error {
	return c.put("/snapshot/load", map[string]interface{}{
		"snapshot_path": snapshotPath,
		"mem_backend": map[string]string{
			"backend_path": memFilePath,
			"backend_type": "File",
		},
		"enable_diff_snapshots": false,
		"resume_vm":             resumeVM,
	})
}

func (c *firecrackerAPIClient) put(path string, body interface{}) error {
	return c.doRequest(http.MethodPut, path, body)
}

func (c *firecrackerAPIClient) putWithID(basePath, id string, body interface{}) error {
	return c.doRequest(http.MethodPut, basePath+"/"+id, body)
}

func (c *firecrackerAPIClient) patch(path string, body interface{}) error {
	return c.doRequest(http.MethodPatch, path, body)
}

func (c *firecrackerAPIClient) doRequest(method, path string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequest(method, "http://localhost"+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("firecracker API %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("firecracker API %s %s returned %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	return nil
}
