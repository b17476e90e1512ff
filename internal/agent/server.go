// Package agent implements the in-VM guest agent that runs inside each
// Firecracker microVM and serves the host-guest exec protocol over vsock:
// plain JSON request/result, not gRPC (see DESIGN.md for why the pack's
// gRPC agent transport was dropped in favor of the protocol
// internal/runtime/vsock.go speaks from the host side). This binary is
// statically compiled and baked into the VM rootfs image.
package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"time"
)

// request/result mirror internal/runtime/vsock.go's guestRequest/guestResult
// exactly; the two sides don't share a types package because one compiles
// into the host binary and the other into the guest rootfs image.
type request struct {
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
}

type result struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Error    string `json:"error,omitempty"`
}

// DefaultPort is the vsock port the guest agent listens on unless the
// host configures a different one (internal/runtime.MicroVMConfig.DefaultPort).
const DefaultPort = 9000

// Server handles each accepted connection on its own goroutine and runs
// exactly one request/result exchange per connection, matching the host's
// execOverVsock: write, half-close, read reply, close.
type Server struct {
	version string
}

// NewServer constructs a guest agent server.
func NewServer(version string) *Server {
	return &Server{version: version}
}

// Serve accepts connections on lis until it errors or is closed.
func (s *Server) Serve(lis net.Listener) error {
	log.Printf("agent: %s listening", s.version)
	for {
		conn, err := lis.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Minute)
	conn.SetDeadline(deadline)

	data, err := io.ReadAll(conn)
	if err != nil {
		log.Printf("agent: read request: %v", err)
		return
	}

	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		writeResult(conn, result{ExitCode: -1, Error: fmt.Sprintf("bad request: %v", err)})
		return
	}

	res := s.dispatch(req)
	writeResult(conn, res)
}

func writeResult(conn net.Conn, res result) {
	enc, err := json.Marshal(res)
	if err != nil {
		log.Printf("agent: marshal result: %v", err)
		return
	}
	if _, err := conn.Write(enc); err != nil {
		log.Printf("agent: write result: %v", err)
	}
}

// dispatch special-cases the host's internal write-file convention, then
// falls through to a plain subprocess exec for everything else.
func (s *Server) dispatch(req request) result {
	if len(req.Command) >= 1 && req.Command[0] == writeFileCommand {
		return handleWriteFile(req)
	}
	return runExec(req)
}
