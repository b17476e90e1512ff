// Command faasd is the execution substrate's entrypoint: it assembles the
// blob store, manifest registry, runtime adapters, checkpoint adapters,
// fork manager, pool, cache, and engine, then serves the ops surface
// (health + metrics) until signaled to stop.
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/tangle-network/faas-substrate/internal/blob"
	"github.com/tangle-network/faas-substrate/internal/cache"
	"github.com/tangle-network/faas-substrate/internal/checkpoint"
	"github.com/tangle-network/faas-substrate/internal/config"
	"github.com/tangle-network/faas-substrate/internal/engine"
	"github.com/tangle-network/faas-substrate/internal/fork"
	"github.com/tangle-network/faas-substrate/internal/manifest"
	"github.com/tangle-network/faas-substrate/internal/opsserver"
	"github.com/tangle-network/faas-substrate/internal/pool"
	"github.com/tangle-network/faas-substrate/internal/runtime"
	"github.com/tangle-network/faas-substrate/internal/template"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("faasd: config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, adapter, err := build(cfg)
	if err != nil {
		log.Fatalf("faasd: build: %v", err)
	}
	log.Printf("faasd: engine ready on backend %s", adapter.Backend())

	// The engine is embedded by callers in-process (see internal/engine);
	// faasd itself only serves the ops surface below.
	_ = eng

	ops := opsserver.New(func(ctx context.Context) error {
		_, err := adapter.List(ctx)
		return err
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("faasd: ops surface listening on %s (data dir %s)", addr, cfg.DataDir)
	if err := ops.Start(ctx, addr); err != nil {
		log.Fatalf("faasd: ops server: %v", err)
	}
}

// build wires every component per SPEC_FULL.md's architecture, selecting
// the container or microVM backend by detected host capability.
func build(cfg *config.Config) (*engine.Engine, runtime.Adapter, error) {
	blobStore, err := blob.New(blob.Options{
		LocalRoot:      cfg.DataDir,
		MemCacheBytes:  128 << 20,
		CompressionPar: 4,
		Object:         objectTierConfig(cfg),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("blob store: %w", err)
	}

	manifests, err := manifest.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("manifest registry: %w", err)
	}

	caps := runtime.DetectCapabilities(cfg.FirecrackerBin, cfg.ContainerRuntimeBin)
	backend := caps.SelectBackend("microvm")
	if !caps.PodmanBinFound {
		log.Printf("faasd: %s not found in PATH; container backend and container-filesystem checkpoints unavailable", cfg.ContainerRuntimeBin)
	}

	envs := template.NewRegistry()

	containerAdapter, containerErr := runtime.NewContainerAdapter(cfg.ContainerRuntimeBin, cfg.DataDir)
	if containerErr != nil {
		log.Printf("faasd: container adapter unavailable: %v", containerErr)
	} else {
		containerAdapter.SetEnvironments(envs)
	}

	var microvmAdapter *runtime.MicroVMAdapter
	if caps.SupportsMicroVM() {
		microvmAdapter, err = runtime.NewMicroVMAdapter(runtime.MicroVMConfig{
			DataDir:         cfg.DataDir,
			KernelPath:      cfg.KernelPath,
			ImagesDir:       cfg.ImagesDir,
			FirecrackerBin:  cfg.FirecrackerBin,
			DefaultMemoryMB: cfg.DefaultMemoryMB,
			DefaultCPUs:     cfg.DefaultCPUCount,
			DefaultDiskMB:   1024,
			DefaultPort:     9000,
		})
		if err != nil {
			log.Printf("faasd: microVM adapter unavailable: %v", err)
			microvmAdapter = nil
		} else {
			microvmAdapter.SetEnvironments(envs)
		}
	}

	var adapter runtime.Adapter
	switch {
	case backend == "microvm" && microvmAdapter != nil:
		adapter = microvmAdapter
	case containerAdapter != nil:
		adapter = containerAdapter
	default:
		return nil, nil, fmt.Errorf("no usable runtime backend: container adapter error: %v, microVM supported: %v", containerErr, caps.SupportsMicroVM())
	}

	var checkpoints engine.Checkpoints
	if containerAdapter != nil {
		if cfs, err := checkpoint.NewContainerFSAdapter(cfg.ContainerRuntimeBin, blobStore, manifests); err != nil {
			log.Printf("faasd: container-filesystem checkpoint adapter unavailable: %v", err)
		} else {
			checkpoints.ContainerFS = cfs
		}
	}
	if microvmAdapter != nil {
		checkpoints.MicroVM = checkpoint.NewMicroVMAdapter(microvmAdapter, blobStore, manifests)
	}
	if proc, err := checkpoint.NewProcessAdapter(cfg.CriuBin, blobStore, manifests); err != nil {
		log.Printf("faasd: process checkpoint adapter unavailable: %v", err)
	} else {
		checkpoints.Process = proc
	}

	forkMgr, err := fork.New(cfg.DataDir, checkpoints.MicroVM)
	if err != nil {
		return nil, nil, fmt.Errorf("fork manager: %w", err)
	}

	p := pool.New(adapter, pool.Config{
		MinSize:      cfg.PoolMinSize,
		MaxSize:      cfg.PoolMaxSize,
		ReapInterval: time.Duration(cfg.PoolIdleReapSeconds) * time.Second,
		IdleCap:      time.Duration(cfg.PoolIdleReapSeconds) * time.Second,
	})

	c := cache.New(cache.Config{
		MaxTotalBytes: cfg.CacheMaxTotalBytes,
		MaxEntryBytes: cfg.CacheMaxEntryBytes,
	})

	eng := engine.New(adapter, microvmAdapter, p, c, manifests, checkpoints, forkMgr)
	return eng, adapter, nil
}

func objectTierConfig(cfg *config.Config) *blob.ObjectTierConfig {
	if cfg.S3Bucket == "" {
		return nil
	}
	return &blob.ObjectTierConfig{
		Endpoint:        cfg.S3Endpoint,
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		ForcePathStyle:  cfg.S3ForcePathStyle,
	}
}
