package template

import (
	"testing"

	"github.com/tangle-network/faas-substrate/pkg/types"
)

func TestNewRegistry_HasDefaults(t *testing.T) {
	r := NewRegistry()
	envs := r.List()
	if len(envs) != 3 {
		t.Fatalf("expected 3 default environments, got %d", len(envs))
	}

	base, err := r.Get("base")
	if err != nil {
		t.Fatalf("Get(base) error: %v", err)
	}
	if base.ContainerImage != "docker.io/library/ubuntu:22.04" {
		t.Errorf("expected ubuntu image, got %s", base.ContainerImage)
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&types.Environment{
		EnvKey:         "custom",
		ContainerImage: "test-image:v1",
		Status:         "ready",
	})

	env, err := r.Get("custom")
	if err != nil {
		t.Fatalf("Get(custom) error: %v", err)
	}
	if env.ContainerImage != "test-image:v1" {
		t.Errorf("expected test-image:v1, got %s", env.ContainerImage)
	}
}

func TestRegistry_Delete(t *testing.T) {
	r := NewRegistry()
	if err := r.Delete("base"); err != nil {
		t.Fatalf("Delete(base) error: %v", err)
	}

	_, err := r.Get("base")
	if err == nil {
		t.Error("expected error after deleting base environment")
	}
}

func TestRegistry_DeleteNotFound(t *testing.T) {
	r := NewRegistry()
	err := r.Delete("nonexistent")
	if err == nil {
		t.Error("expected error for nonexistent environment")
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nonexistent")
	if err == nil {
		t.Error("expected error for nonexistent environment")
	}
}
