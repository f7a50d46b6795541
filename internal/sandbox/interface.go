package sandbox

import (
	"context"
	"time"

	"github.com/fcsandbox/fcsandbox/internal/guestrpc"
	"github.com/fcsandbox/fcsandbox/internal/vmm"
	"github.com/fcsandbox/fcsandbox/pkg/types"
)

// Service is the sandbox contract the REST façade consumes. Depending on
// this interface rather than *Manager lets handler tests run against a stub
// and keeps the façade free of lifecycle details.
type Service interface {
	Create(ctx context.Context, cfg types.SandboxConfig) (*types.Sandbox, error)
	Get(ctx context.Context, id string) (*types.Sandbox, error)
	List(ctx context.Context) ([]types.Sandbox, error)
	Destroy(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error

	Exec(ctx context.Context, id string, cfg types.ProcessConfig) (*types.ProcessResult, error)

	ReadFile(ctx context.Context, id, path string) ([]byte, error)
	WriteFile(ctx context.Context, id string, req types.WriteFileRequest) error
	ListFiles(ctx context.Context, id, path string) ([]types.EntryInfo, error)
	MakeDir(ctx context.Context, id, path string, parents bool) error
	Stat(ctx context.Context, id, path string) (*types.FileInfo, error)
	Remove(ctx context.Context, id, path string, recursive bool) error

	Health() types.HealthResponse
}

// vmmController is the slice of vmm.Controller the manager uses. Tests
// substitute a fake so lifecycle logic runs without KVM.
type vmmController interface {
	Spawn(ctx context.Context, socketTimeout time.Duration) error
	Configure(spec vmm.MachineSpec) error
	Start() error
	Pause() error
	Resume() error
	CreateSnapshot(dir string) error
	LoadSnapshot(dir string, resume bool) error
	Probe() error
	Shutdown(grace time.Duration) error
	Kill()
	Alive() bool
	Pid() int
}

// guestCaller is the slice of guestrpc.Client the manager uses.
type guestCaller interface {
	WaitReady(ctx context.Context, budget time.Duration) error
	Call(ctx context.Context, req *guestrpc.Request) (*guestrpc.Response, error)
	Close() error
}

var (
	_ vmmController = (*vmm.Controller)(nil)
	_ guestCaller   = (*guestrpc.Client)(nil)
)
