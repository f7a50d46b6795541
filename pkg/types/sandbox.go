package types

import "time"

// SandboxStatus represents the lifecycle state of a sandbox.
type SandboxStatus string

const (
	SandboxStatusStarting   SandboxStatus = "Starting"
	SandboxStatusRunning    SandboxStatus = "Running"
	SandboxStatusPausing    SandboxStatus = "Pausing"
	SandboxStatusPaused     SandboxStatus = "Paused"
	SandboxStatusResuming   SandboxStatus = "Resuming"
	SandboxStatusDestroying SandboxStatus = "Destroying"
	SandboxStatusDestroyed  SandboxStatus = "Destroyed"
	SandboxStatusFailed     SandboxStatus = "Failed"
)

// Terminal reports whether the status is an end state.
func (s SandboxStatus) Terminal() bool {
	return s == SandboxStatusDestroyed || s == SandboxStatusFailed
}

// Sandbox is the persisted descriptor of a microVM sandbox. It is written
// verbatim to state.json in the sandbox working directory.
type Sandbox struct {
	ID          string        `json:"sandbox_id"`
	WorkspaceID string        `json:"workspace_id"`
	Template    string        `json:"template"`
	MemoryMiB   int           `json:"memory_mib"`
	VCPUCount   int           `json:"vcpu_count"`
	VsockCID    uint32        `json:"vsock_cid"`
	Status      SandboxStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	VmmPid      int           `json:"vmm_pid,omitempty"`

	// Token is a sandbox-scoped JWT, issued on create when a JWT secret is
	// configured. Never persisted.
	Token string `json:"token,omitempty"`
}

// SandboxConfig is the request body for creating a sandbox.
type SandboxConfig struct {
	Template    string `json:"template,omitempty"`
	MemoryMB    int    `json:"memory_mb,omitempty"`
	VCPUCount   int    `json:"vcpu_count,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

// HealthResponse is the response body of GET /health.
type HealthResponse struct {
	Status            string `json:"status"`
	ActiveSandboxes   int    `json:"active_sandboxes"`
	MaxSandboxes      int    `json:"max_sandboxes"`
	MemoryUsedMB      int    `json:"memory_used_mb"`
	MemoryAvailableMB int    `json:"memory_available_mb"`
}
