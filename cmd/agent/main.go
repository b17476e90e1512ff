// faasd-agent is the guest agent that runs inside each Firecracker
// microVM. It listens for plain-JSON requests over vsock and runs them as
// subprocesses in the VM's workspace.
//
// Build: CGO_ENABLED=0 GOOS=linux GOARCH=arm64 go build -o faasd-agent ./cmd/agent
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tangle-network/faas-substrate/internal/agent"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Printf("faasd-agent %s starting", version)

	// Listen on vsock port 9000 (inside Firecracker) or a Unix socket (testing).
	lis, err := listenVsock()
	if err != nil {
		log.Fatalf("agent: failed to listen: %v", err)
	}

	srv := agent.NewServer(version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("agent: received %v, shutting down", sig)
		lis.Close()
		os.Exit(0)
	}()

	if err := srv.Serve(lis); err != nil {
		log.Fatalf("agent: serve failed: %v", err)
	}
}
