package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all configuration for the fcsandbox server, loaded from
// FCSANDBOX_* environment variables.
type Config struct {
	Port   int
	APIKey string

	// Artifacts and binaries
	BaseDir        string // base directory for kernels, rootfs images, sandboxes, snapshots
	FirecrackerBin string

	// Capacity
	MaxSandboxes     int
	MemoryBudgetMiB  int
	DefaultMemoryMiB int
	MaxMemoryMiB     int
	MinMemoryMiB     int
	DefaultVCPU      int
	MaxVCPU          int
	MinVCPU          int

	// Timeouts (seconds)
	BootTimeoutS int
	ExecTimeoutS int
	IdleTimeoutS int // 0 disables the idle reaper

	// Optional integrations
	JWTSecret   string // sandbox-scoped tokens on create
	DatabaseURL string // Postgres mirror of sandbox records
	NATSURL     string // lifecycle event publishing

	// Optional S3 snapshot replication
	S3Endpoint        string
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:   8080,
		APIKey: os.Getenv("FCSANDBOX_API_KEY"),

		BaseDir:        envOrDefault("FCSANDBOX_BASE_DIR", "/var/lib/firecracker-workspaces"),
		FirecrackerBin: envOrDefault("FCSANDBOX_FIRECRACKER_BIN", "firecracker"),

		MaxSandboxes:     envOrDefaultInt("FCSANDBOX_MAX_SANDBOXES", 10),
		MemoryBudgetMiB:  envOrDefaultInt("FCSANDBOX_MEMORY_BUDGET_MIB", 8192),
		DefaultMemoryMiB: envOrDefaultInt("FCSANDBOX_DEFAULT_MEMORY_MIB", 512),
		MaxMemoryMiB:     envOrDefaultInt("FCSANDBOX_MAX_MEMORY_MIB", 4096),
		MinMemoryMiB:     envOrDefaultInt("FCSANDBOX_MIN_MEMORY_MIB", 128),
		DefaultVCPU:      envOrDefaultInt("FCSANDBOX_DEFAULT_VCPU", 1),
		MaxVCPU:          envOrDefaultInt("FCSANDBOX_MAX_VCPU", 4),
		MinVCPU:          envOrDefaultInt("FCSANDBOX_MIN_VCPU", 1),

		BootTimeoutS: envOrDefaultInt("FCSANDBOX_BOOT_TIMEOUT_S", 30),
		ExecTimeoutS: envOrDefaultInt("FCSANDBOX_EXEC_TIMEOUT_S", 300),
		IdleTimeoutS: envOrDefaultInt("FCSANDBOX_IDLE_TIMEOUT_S", 0),

		JWTSecret:   os.Getenv("FCSANDBOX_JWT_SECRET"),
		DatabaseURL: os.Getenv("FCSANDBOX_DATABASE_URL"),
		NATSURL:     os.Getenv("FCSANDBOX_NATS_URL"),

		S3Endpoint:        os.Getenv("FCSANDBOX_S3_ENDPOINT"),
		S3Bucket:          os.Getenv("FCSANDBOX_S3_BUCKET"),
		S3Region:          os.Getenv("FCSANDBOX_S3_REGION"),
		S3AccessKeyID:     os.Getenv("FCSANDBOX_S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("FCSANDBOX_S3_SECRET_ACCESS_KEY"),
		S3ForcePathStyle:  os.Getenv("FCSANDBOX_S3_FORCE_PATH_STYLE") == "true",
	}

	if portStr := os.Getenv("FCSANDBOX_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid FCSANDBOX_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	if cfg.MinMemoryMiB > cfg.MaxMemoryMiB {
		return nil, fmt.Errorf("min memory %d exceeds max memory %d", cfg.MinMemoryMiB, cfg.MaxMemoryMiB)
	}
	if cfg.MinVCPU > cfg.MaxVCPU {
		return nil, fmt.Errorf("min vcpu %d exceeds max vcpu %d", cfg.MinVCPU, cfg.MaxVCPU)
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
