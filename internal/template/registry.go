// Package template resolves an EnvKey to the images the runtime adapters
// boot from, and builds new microVM-bootable images from a Dockerfile.
// Grounded on the pack's internal/template package (default template set,
// podman-based image builder), retargeted from named "templates" to the
// substrate's EnvKey identity.
package template

import (
	"fmt"
	"sync"
	"time"

	"github.com/tangle-network/faas-substrate/pkg/types"
)

// Registry stores environment metadata in-memory, keyed by EnvKey.
type Registry struct {
	mu   sync.RWMutex
	envs map[string]*types.Environment
}

// NewRegistry creates a registry seeded with a handful of ready-to-run
// environments backed by public container images; EnvKeys beyond these
// resolve straight through to their string value as an image reference
// (see runtime.resolveImage), and microVM boot requires Register to supply
// a built ext4 image first.
func NewRegistry() *Registry {
	r := &Registry{envs: make(map[string]*types.Environment)}

	now := time.Now()
	for _, d := range []struct{ envKey, image string }{
		{"base", "docker.io/library/ubuntu:22.04"},
		{"python", "docker.io/library/python:3.12-slim"},
		{"node", "docker.io/library/node:20-slim"},
	} {
		r.envs[d.envKey] = &types.Environment{
			EnvKey: d.envKey, ContainerImage: d.image, Status: "ready", CreatedAt: now,
		}
	}
	return r
}

// Get returns the environment registered for envKey.
func (r *Registry) Get(envKey string) (*types.Environment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.envs[envKey]
	if !ok {
		return nil, fmt.Errorf("environment %q not registered", envKey)
	}
	return e, nil
}

// List returns every registered environment.
func (r *Registry) List() []types.Environment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]types.Environment, 0, len(r.envs))
	for _, e := range r.envs {
		result = append(result, *e)
	}
	return result
}

// Register adds or replaces an environment's entry.
func (r *Registry) Register(e *types.Environment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs[e.EnvKey] = e
}

// Delete removes envKey's registration.
func (r *Registry) Delete(envKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.envs[envKey]; !ok {
		return fmt.Errorf("environment %q not registered", envKey)
	}
	delete(r.envs, envKey)
	return nil
}
