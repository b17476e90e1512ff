package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"FAASD_PORT", "FAASD_POOL_MIN_SIZE", "FAASD_POOL_MAX_SIZE"} {
		os.Unsetenv(k)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.PoolMaxSize != 16 {
		t.Errorf("PoolMaxSize = %d, want 16", cfg.PoolMaxSize)
	}
	if cfg.MaxIncrementalChainDepth != 32 {
		t.Errorf("MaxIncrementalChainDepth = %d, want 32", cfg.MaxIncrementalChainDepth)
	}
}

func TestLoadRejectsInvertedPoolBounds(t *testing.T) {
	os.Setenv("FAASD_POOL_MIN_SIZE", "10")
	os.Setenv("FAASD_POOL_MAX_SIZE", "2")
	defer func() {
		os.Unsetenv("FAASD_POOL_MIN_SIZE")
		os.Unsetenv("FAASD_POOL_MAX_SIZE")
	}()

	if _, err := Load(); err == nil {
		t.Fatal("expected error for inverted pool bounds")
	}
}
