package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.BaseDir != "/var/lib/firecracker-workspaces" {
		t.Errorf("unexpected default base dir: %s", cfg.BaseDir)
	}
	if cfg.FirecrackerBin != "firecracker" {
		t.Errorf("unexpected default firecracker bin: %s", cfg.FirecrackerBin)
	}
	if cfg.BootTimeoutS != 30 {
		t.Errorf("expected default boot timeout 30, got %d", cfg.BootTimeoutS)
	}
	if cfg.ExecTimeoutS != 300 {
		t.Errorf("expected default exec timeout 300, got %d", cfg.ExecTimeoutS)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FCSANDBOX_PORT", "9191")
	t.Setenv("FCSANDBOX_BASE_DIR", "/tmp/fcs")
	t.Setenv("FCSANDBOX_MAX_SANDBOXES", "3")
	t.Setenv("FCSANDBOX_MEMORY_BUDGET_MIB", "2048")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 9191 {
		t.Errorf("expected port 9191, got %d", cfg.Port)
	}
	if cfg.BaseDir != "/tmp/fcs" {
		t.Errorf("expected base dir /tmp/fcs, got %s", cfg.BaseDir)
	}
	if cfg.MaxSandboxes != 3 {
		t.Errorf("expected max sandboxes 3, got %d", cfg.MaxSandboxes)
	}
	if cfg.MemoryBudgetMiB != 2048 {
		t.Errorf("expected memory budget 2048, got %d", cfg.MemoryBudgetMiB)
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("FCSANDBOX_PORT", "not-a-port")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid port")
	}
}

func TestLoad_InvalidBounds(t *testing.T) {
	t.Setenv("FCSANDBOX_MIN_MEMORY_MIB", "4096")
	t.Setenv("FCSANDBOX_MAX_MEMORY_MIB", "1024")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when min memory exceeds max")
	}
}
