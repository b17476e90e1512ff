package runtime

import (
	"log"
	"os"
	"os/exec"
)

// Capabilities records what this host can actually run, detected once at
// process start. It is the one piece of process-global state besides the
// blob/manifest roots (per SPEC_FULL.md §9).
type Capabilities struct {
	KVMAvailable        bool
	FirecrackerBinFound bool
	PodmanBinFound      bool
}

// DetectCapabilities probes /dev/kvm and the configured binaries. Any
// probe failure degrades the capability rather than erroring — callers
// decide whether to downgrade to the container backend or fail outright.
func DetectCapabilities(firecrackerBin, podmanBin string) Capabilities {
	var caps Capabilities

	if _, err := os.Stat("/dev/kvm"); err == nil {
		caps.KVMAvailable = true
	}

	if _, err := exec.LookPath(firecrackerBin); err == nil {
		caps.FirecrackerBinFound = true
	}

	if _, err := exec.LookPath(podmanBin); err == nil {
		caps.PodmanBinFound = true
	}

	return caps
}

// SupportsMicroVM reports whether this host can run the microVM backend at
// all.
func (c Capabilities) SupportsMicroVM() bool {
	return c.KVMAvailable && c.FirecrackerBinFound
}

// SelectBackend picks the best backend for requested, downgrading to the
// container backend and logging when requested is microVM but the host
// can't support it. It never silently upgrades a container request to a
// microVM.
func (c Capabilities) SelectBackend(requested string) string {
	if requested == "microvm" && !c.SupportsMicroVM() {
		log.Printf("runtime: microVM backend requested but unsupported on this host (kvm=%v firecracker=%v), downgrading to container",
			c.KVMAvailable, c.FirecrackerBinFound)
		return "container"
	}
	return requested
}
