package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// guestRequest/guestResult are the wire types for the host-guest protocol:
// the host writes a JSON request and half-closes its write side, the
// guest-side agent reads to EOF, executes, writes a JSON result, and the
// host reads to EOF. Plain JSON over the vsock stream, not an RPC
// framework — see SPEC_FULL.md §6 and DESIGN.md for why gRPC was dropped
// even though the pack's Firecracker manager used it.
type guestRequest struct {
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
}

type guestResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Error    string `json:"error,omitempty"`
}

// dialVsock connects to a Firecracker vsock UDS and performs the
// CONNECT/OK handshake for a specific guest port. Grounded on the pack's
// dialVsock in internal/firecracker/agent_client.go.
func dialVsock(ctx context.Context, vsockPath string, port int) (net.Conn, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}

	d := net.Dialer{Deadline: deadline}
	conn, err := d.DialContext(ctx, "unix", vsockPath)
	if err != nil {
		return nil, fmt.Errorf("dial vsock UDS %s: %w", vsockPath, err)
	}

	_ = conn.SetDeadline(deadline)
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT %d: %w", port, err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read vsock response: %w", err)
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "OK") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", line)
	}

	_ = conn.SetDeadline(time.Time{})
	return &vsockConn{Conn: conn, reader: reader}, nil
}

// vsockConn wraps a net.Conn with a bufio.Reader to preserve bytes
// buffered while reading the CONNECT handshake's response line.
type vsockConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *vsockConn) Read(p []byte) (int, error) { return c.reader.Read(p) }

// CloseWrite half-closes the connection so the guest agent sees EOF on
// its read side once the request has been sent, per the host-guest
// protocol's "write then half-close" handshake.
func (c *vsockConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// execOverVsock sends req to the guest agent listening on guestPort over
// vsockPath and returns its result. One connection per request: dial,
// write the JSON request, half-close, read the JSON result to EOF, close.
func execOverVsock(ctx context.Context, vsockPath string, guestPort int, req guestRequest) (*guestResult, error) {
	conn, err := dialVsock(ctx, vsockPath, guestPort)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("write guest request: %w", err)
	}
	if vc, ok := conn.(*vsockConn); ok {
		if err := vc.CloseWrite(); err != nil {
			return nil, fmt.Errorf("half-close after request: %w", err)
		}
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("read guest result: %w", err)
	}

	var result guestResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parse guest result: %w", err)
	}
	return &result, nil
}

// pingGuest checks that the agent is listening, used while waiting for a
// freshly booted microVM to come up.
func pingGuest(ctx context.Context, vsockPath string, guestPort int) error {
	_, err := execOverVsock(ctx, vsockPath, guestPort, guestRequest{Command: []string{"true"}})
	return err
}
