// Package config loads substrate configuration from the environment, with
// an optional AWS Secrets Manager bootstrap for production deployments.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds all configuration for the faasd binary.
type Config struct {
	Port     int
	LogLevel string

	// DataDir is the root of the on-disk layout: blobs/, manifests/,
	// snapshots/, forks/.
	DataDir string

	// Runtime backends.
	ContainerRuntimeBin string // podman/docker binary, default "podman"
	FirecrackerBin      string // default "firecracker"
	KernelPath          string // vmlinux path for microVM boot
	ImagesDir           string // base rootfs images for microVM boot

	// Process checkpoint tooling (CRIU).
	CriuBin string // default "criu"

	// Pool defaults.
	PoolMinSize         int
	PoolMaxSize         int
	PoolIdleReapSeconds int

	// Cache layer.
	CacheMaxEntryBytes int64
	CacheMaxTotalBytes int64

	// Checkpoint chain.
	MaxIncrementalChainDepth int // see SPEC_FULL.md §4.4

	// Sandbox resource defaults.
	DefaultCPUCount int
	DefaultMemoryMB int

	// S3-compatible object tier for blobs/checkpoints.
	S3Endpoint       string
	S3Bucket         string
	S3Region         string
	S3AccessKeyID    string
	S3SecretAccessKey string
	S3ForcePathStyle bool

	// AWS Secrets Manager — if set, secrets are fetched at startup using IAM
	// credentials. The secret should be a JSON object with keys matching
	// env var names (e.g. FAASD_S3_BUCKET). Env vars take precedence over
	// secret values so local overrides always win.
	SecretsARN string
}

// Load reads configuration from environment variables with sensible
// defaults. If FAASD_SECRETS_ARN is set, secrets are fetched from AWS
// Secrets Manager first, then environment variables are applied on top.
func Load() (*Config, error) {
	if arn := os.Getenv("FAASD_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Port:     envOrDefaultInt("FAASD_PORT", 8080),
		LogLevel: envOrDefault("FAASD_LOG_LEVEL", "info"),

		DataDir: envOrDefault("FAASD_DATA_DIR", "/data/faasd"),

		ContainerRuntimeBin: envOrDefault("FAASD_CONTAINER_RUNTIME_BIN", "podman"),
		FirecrackerBin:      envOrDefault("FAASD_FIRECRACKER_BIN", "firecracker"),
		KernelPath:          os.Getenv("FAASD_KERNEL_PATH"),
		ImagesDir:           os.Getenv("FAASD_IMAGES_DIR"),

		CriuBin: envOrDefault("FAASD_CRIU_BIN", "criu"),

		PoolMinSize:         envOrDefaultInt("FAASD_POOL_MIN_SIZE", 0),
		PoolMaxSize:         envOrDefaultInt("FAASD_POOL_MAX_SIZE", 16),
		PoolIdleReapSeconds: envOrDefaultInt("FAASD_POOL_IDLE_REAP_SECONDS", 300),

		CacheMaxEntryBytes: envOrDefaultInt64("FAASD_CACHE_MAX_ENTRY_BYTES", 16<<20),
		CacheMaxTotalBytes: envOrDefaultInt64("FAASD_CACHE_MAX_TOTAL_BYTES", 512<<20),

		MaxIncrementalChainDepth: envOrDefaultInt("FAASD_MAX_INCREMENTAL_CHAIN_DEPTH", 32),

		DefaultCPUCount: envOrDefaultInt("FAASD_DEFAULT_CPU_COUNT", 1),
		DefaultMemoryMB: envOrDefaultInt("FAASD_DEFAULT_MEMORY_MB", 512),

		S3Endpoint:        os.Getenv("FAASD_S3_ENDPOINT"),
		S3Bucket:          os.Getenv("FAASD_S3_BUCKET"),
		S3Region:          os.Getenv("FAASD_S3_REGION"),
		S3AccessKeyID:     os.Getenv("FAASD_S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("FAASD_S3_SECRET_ACCESS_KEY"),
		S3ForcePathStyle:  os.Getenv("FAASD_S3_FORCE_PATH_STYLE") == "true",

		SecretsARN: os.Getenv("FAASD_SECRETS_ARN"),
	}

	if cfg.KernelPath == "" {
		cfg.KernelPath = cfg.DataDir + "/firecracker/vmlinux"
	}
	if cfg.ImagesDir == "" {
		cfg.ImagesDir = cfg.DataDir + "/firecracker/images"
	}
	if cfg.PoolMaxSize < cfg.PoolMinSize {
		return nil, fmt.Errorf("FAASD_POOL_MAX_SIZE (%d) must be >= FAASD_POOL_MIN_SIZE (%d)", cfg.PoolMaxSize, cfg.PoolMinSize)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables, but only if not already set — env
// vars always take precedence over secret values.
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
