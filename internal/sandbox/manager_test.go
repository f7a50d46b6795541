package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fcsandbox/fcsandbox/internal/artifacts"
	"github.com/fcsandbox/fcsandbox/internal/config"
	"github.com/fcsandbox/fcsandbox/internal/guestrpc"
	"github.com/fcsandbox/fcsandbox/internal/vmm"
	"github.com/fcsandbox/fcsandbox/pkg/types"
)

// fakeVMM stands in for a Firecracker child so lifecycle logic runs
// without KVM.
type fakeVMM struct {
	mu          sync.Mutex
	dir         string
	pid         int
	alive       bool
	started     bool
	pausedVM    bool
	snapshotted bool
	loaded      bool

	spawnErr    error
	startErr    error
	snapshotErr error
}

func (f *fakeVMM) Spawn(ctx context.Context, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return f.spawnErr
	}
	f.alive = true
	return nil
}

func (f *fakeVMM) Configure(vmm.MachineSpec) error { return nil }

func (f *fakeVMM) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeVMM) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pausedVM = true
	return nil
}

func (f *fakeVMM) Resume() error { return nil }

func (f *fakeVMM) CreateSnapshot(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshotErr != nil {
		return f.snapshotErr
	}
	if !f.pausedVM {
		return fmt.Errorf("%w: snapshot of a running VM", vmm.ErrProtocol)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, artifacts.SnapshotStateName), []byte("vmstate"), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, artifacts.SnapshotMemName), []byte("ram"), 0o644); err != nil {
		return err
	}
	f.snapshotted = true
	return nil
}

func (f *fakeVMM) LoadSnapshot(dir string, resume bool) error {
	if !artifacts.SnapshotValid(dir) {
		return fmt.Errorf("%w: snapshot pair missing", vmm.ErrProtocol)
	}
	f.mu.Lock()
	f.loaded = true
	f.mu.Unlock()
	return nil
}

func (f *fakeVMM) Probe() error {
	if !f.Alive() {
		return vmm.ErrUnresponsive
	}
	return nil
}

func (f *fakeVMM) Shutdown(time.Duration) error {
	f.Kill()
	return nil
}

func (f *fakeVMM) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
}

func (f *fakeVMM) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeVMM) Pid() int { return f.pid }

// fakeRPC emulates the guest agent with an in-memory filesystem.
type fakeRPC struct {
	mu     sync.Mutex
	files  map[string][]byte
	closed bool

	readyErr error
	callErr  error
	execFn   func(req *guestrpc.Request) *guestrpc.Response
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{files: map[string][]byte{}}
}

func (f *fakeRPC) WaitReady(ctx context.Context, _ time.Duration) error {
	return f.readyErr
}

func (f *fakeRPC) Call(ctx context.Context, req *guestrpc.Request) (*guestrpc.Response, error) {
	f.mu.Lock()
	callErr := f.callErr
	execFn := f.execFn
	f.closed = false
	f.mu.Unlock()
	if callErr != nil {
		return nil, callErr
	}
	switch req.Action {
	case guestrpc.ActionPing, guestrpc.ActionSyncFS:
		return &guestrpc.Response{Success: true}, nil
	case guestrpc.ActionExec:
		// Runs without the fake's lock so overlap, if the manager ever
		// allowed it, would be observable.
		if execFn != nil {
			return execFn(req), nil
		}
		zero := 0
		return &guestrpc.Response{Success: true, ExitCode: &zero, Stdout: "ok\n"}, nil
	case guestrpc.ActionWriteFile:
		f.mu.Lock()
		defer f.mu.Unlock()
		data := []byte(req.Content)
		if req.IsBase64 {
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				return &guestrpc.Response{Success: false, Error: err.Error()}, nil
			}
			data = decoded
		}
		f.files[req.Path] = data
		return &guestrpc.Response{Success: true}, nil
	case guestrpc.ActionReadFile:
		f.mu.Lock()
		defer f.mu.Unlock()
		data, ok := f.files[req.Path]
		if !ok {
			return &guestrpc.Response{Success: false, Error: "open " + req.Path + ": no such file or directory"}, nil
		}
		return &guestrpc.Response{Success: true, Content: base64.StdEncoding.EncodeToString(data)}, nil
	default:
		return &guestrpc.Response{Success: false, Error: "unknown action"}, nil
	}
}

func (f *fakeRPC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type testEnv struct {
	m     *Manager
	store *artifacts.Store
	cfg   *config.Config

	mu   sync.Mutex
	vmms []*fakeVMM
	rpcs []*fakeRPC
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := &config.Config{
		BaseDir:          t.TempDir(),
		FirecrackerBin:   "firecracker",
		MaxSandboxes:     4,
		MemoryBudgetMiB:  2048,
		DefaultMemoryMiB: 256,
		MaxMemoryMiB:     1024,
		MinMemoryMiB:     128,
		DefaultVCPU:      1,
		MaxVCPU:          2,
		MinVCPU:          1,
		BootTimeoutS:     1,
		ExecTimeoutS:     5,
	}
	if mutate != nil {
		mutate(cfg)
	}
	store, err := artifacts.NewStore(cfg.BaseDir)
	if err != nil {
		t.Fatal(err)
	}
	// Install the "base" template artifacts.
	if err := os.WriteFile(store.KernelPath("base"), []byte("vmlinux"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(store.BaseRootfsPath("base"), []byte("rootfs-image"), 0o644); err != nil {
		t.Fatal(err)
	}

	env := &testEnv{cfg: cfg, store: store}
	env.m = NewManager(cfg, store)
	pid := 40000
	env.m.newVMM = func(dir string) vmmController {
		env.mu.Lock()
		defer env.mu.Unlock()
		pid++
		v := &fakeVMM{dir: dir, pid: pid}
		env.vmms = append(env.vmms, v)
		return v
	}
	env.m.attachVMM = func(dir string, pid int) vmmController {
		return &fakeVMM{dir: dir, pid: pid, alive: true, started: true}
	}
	env.m.newRPC = func(udsPath string) guestCaller {
		env.mu.Lock()
		defer env.mu.Unlock()
		r := newFakeRPC()
		env.rpcs = append(env.rpcs, r)
		return r
	}
	return env
}

func mustCreate(t *testing.T, env *testEnv, cfg types.SandboxConfig) *types.Sandbox {
	t.Helper()
	sb, err := env.m.Create(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return sb
}

func TestCreate_Running(t *testing.T) {
	env := newTestEnv(t, nil)
	sb := mustCreate(t, env, types.SandboxConfig{MemoryMB: 512, VCPUCount: 1})

	if sb.Status != types.SandboxStatusRunning {
		t.Errorf("status = %s, want Running", sb.Status)
	}
	if sb.VsockCID < 3 {
		t.Errorf("cid %d below 3", sb.VsockCID)
	}
	if sb.VmmPid == 0 {
		t.Error("vmm pid not recorded")
	}
	if sb.WorkspaceID != sb.ID {
		t.Errorf("workspace should default to sandbox id, got %s", sb.WorkspaceID)
	}

	// Overlay exists and holds the base image bytes.
	overlayPath := filepath.Join(env.store.SandboxDir(sb.ID), artifacts.OverlayName)
	data, err := os.ReadFile(overlayPath)
	if err != nil {
		t.Fatalf("overlay missing: %v", err)
	}
	if string(data) != "rootfs-image" {
		t.Errorf("overlay content %q", data)
	}

	// state.json parses back to the same descriptor.
	onDisk, err := LoadState(env.store.SandboxDir(sb.ID))
	if err != nil {
		t.Fatalf("state.json: %v", err)
	}
	if onDisk.ID != sb.ID || onDisk.Status != types.SandboxStatusRunning ||
		onDisk.MemoryMiB != 512 || onDisk.VsockCID != sb.VsockCID {
		t.Errorf("persisted descriptor mismatch: %+v", onDisk)
	}

	h := env.m.Health()
	if h.ActiveSandboxes != 1 || h.MemoryUsedMB != 512 {
		t.Errorf("health: %+v", h)
	}
}

func TestCreate_InvalidBounds(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.m.Create(context.Background(), types.SandboxConfig{MemoryMB: 64}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("low memory: expected ErrInvalidRequest, got %v", err)
	}
	if _, err := env.m.Create(context.Background(), types.SandboxConfig{MemoryMB: 4096}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("high memory: expected ErrInvalidRequest, got %v", err)
	}
	if _, err := env.m.Create(context.Background(), types.SandboxConfig{VCPUCount: 16}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("vcpu: expected ErrInvalidRequest, got %v", err)
	}
}

func TestCreate_AtCapacity(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.MaxSandboxes = 2 })
	mustCreate(t, env, types.SandboxConfig{})
	mustCreate(t, env, types.SandboxConfig{})

	_, err := env.m.Create(context.Background(), types.SandboxConfig{})
	if !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}

	// No third sandbox directory was left behind.
	entries, err := os.ReadDir(env.store.SandboxesDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 sandbox dirs, found %d", len(entries))
	}

	// Destroying one frees the slot.
	list, _ := env.m.List(context.Background())
	if err := env.m.Destroy(context.Background(), list[0].ID); err != nil {
		t.Fatal(err)
	}
	mustCreate(t, env, types.SandboxConfig{})
}

func TestCreate_MemoryBudget(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.MemoryBudgetMiB = 768 })
	mustCreate(t, env, types.SandboxConfig{MemoryMB: 512})
	if _, err := env.m.Create(context.Background(), types.SandboxConfig{MemoryMB: 512}); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("expected ErrAtCapacity on memory budget, got %v", err)
	}
	mustCreate(t, env, types.SandboxConfig{MemoryMB: 256})
}

func TestCreate_WorkspaceConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	mustCreate(t, env, types.SandboxConfig{WorkspaceID: "ws-a"})
	if _, err := env.m.Create(context.Background(), types.SandboxConfig{WorkspaceID: "ws-a"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for workspace conflict, got %v", err)
	}
}

func TestCreate_BootFailureRollsBack(t *testing.T) {
	env := newTestEnv(t, nil)
	env.m.newVMM = func(dir string) vmmController {
		return &fakeVMM{dir: dir, spawnErr: fmt.Errorf("%w: no kvm", vmm.ErrSpawn)}
	}
	_, err := env.m.Create(context.Background(), types.SandboxConfig{})
	if !errors.Is(err, vmm.ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}

	entries, _ := os.ReadDir(env.store.SandboxesDir())
	if len(entries) != 0 {
		t.Error("failed create left a sandbox directory behind")
	}
	h := env.m.Health()
	if h.ActiveSandboxes != 0 || h.MemoryUsedMB != 0 {
		t.Errorf("capacity not released: %+v", h)
	}
}

func TestCreate_MissingTemplate(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.m.Create(context.Background(), types.SandboxConfig{Template: "nope"})
	if !errors.Is(err, artifacts.ErrArtifactMissing) {
		t.Fatalf("expected ErrArtifactMissing, got %v", err)
	}
	if h := env.m.Health(); h.ActiveSandboxes != 0 {
		t.Errorf("capacity not released: %+v", h)
	}
}

func TestCID_UniqueAndReleased(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.MaxSandboxes = 8 })
	seen := map[uint32]string{}
	var ids []string
	for i := 0; i < 4; i++ {
		sb := mustCreate(t, env, types.SandboxConfig{})
		if prev, dup := seen[sb.VsockCID]; dup {
			t.Fatalf("cid %d assigned to both %s and %s", sb.VsockCID, prev, sb.ID)
		}
		seen[sb.VsockCID] = sb.ID
		ids = append(ids, sb.ID)
	}
	if err := env.m.Destroy(context.Background(), ids[0]); err != nil {
		t.Fatal(err)
	}
	sb := mustCreate(t, env, types.SandboxConfig{})
	if _, dup := seen[sb.VsockCID]; dup && sb.VsockCID != 3 {
		// Monotonic allocation: a fresh CID, or reuse only once released.
		t.Fatalf("cid %d still held by a live sandbox", sb.VsockCID)
	}
}

func TestExec(t *testing.T) {
	env := newTestEnv(t, nil)
	sb := mustCreate(t, env, types.SandboxConfig{})

	res, err := env.m.Exec(context.Background(), sb.ID, types.ProcessConfig{Command: "uname -s"})
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "ok\n" {
		t.Errorf("unexpected result: %+v", res)
	}

	if _, err := env.m.Exec(context.Background(), "zzzzzzzz", types.ProcessConfig{Command: "true"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestExec_GuestTimeoutPassthrough(t *testing.T) {
	env := newTestEnv(t, nil)
	sb := mustCreate(t, env, types.SandboxConfig{})

	env.mu.Lock()
	env.rpcs[len(env.rpcs)-1].execFn = func(req *guestrpc.Request) *guestrpc.Response {
		code := -1
		return &guestrpc.Response{Success: false, Error: "Command timed out", ExitCode: &code}
	}
	env.mu.Unlock()

	res, err := env.m.Exec(context.Background(), sb.ID, types.ProcessConfig{Command: "sleep 5", TimeoutSeconds: 1})
	if err != nil {
		t.Fatalf("guest timeout should map to a result, got error %v", err)
	}
	if res.ExitCode != -1 || res.Error != "Command timed out" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestFileRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	sb := mustCreate(t, env, types.SandboxConfig{})

	err := env.m.WriteFile(context.Background(), sb.ID, types.WriteFileRequest{
		Path:    "/workspace/hello.py",
		Content: "print('Hello!')",
	})
	if err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	data, err := env.m.ReadFile(context.Background(), sb.ID, "/workspace/hello.py")
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(data) != "print('Hello!')" {
		t.Errorf("round trip mismatch: %q", data)
	}

	var guestErr *GuestError
	if _, err := env.m.ReadFile(context.Background(), sb.ID, "/absent"); !errors.As(err, &guestErr) {
		t.Errorf("expected GuestError for missing file, got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	env := newTestEnv(t, nil)
	sb := mustCreate(t, env, types.SandboxConfig{WorkspaceID: "ws-pr"})

	if err := env.m.Pause(context.Background(), sb.ID); err != nil {
		t.Fatalf("Pause() error: %v", err)
	}

	got, _ := env.m.Get(context.Background(), sb.ID)
	if got.Status != types.SandboxStatusPaused {
		t.Fatalf("status = %s, want Paused", got.Status)
	}
	if got.VmmPid != 0 {
		t.Error("paused sandbox should have no vmm pid")
	}
	if !artifacts.SnapshotValid(env.store.SnapshotDir("ws-pr")) {
		t.Error("snapshot pair not written")
	}

	// Memory stays reserved across pause so resume cannot hit AtCapacity.
	if h := env.m.Health(); h.MemoryUsedMB != sb.MemoryMiB {
		t.Errorf("memory released on pause: %+v", h)
	}

	// Wrong-state rejections.
	if _, err := env.m.Exec(context.Background(), sb.ID, types.ProcessConfig{Command: "true"}); !errors.Is(err, ErrWrongState) {
		t.Errorf("exec on paused: expected ErrWrongState, got %v", err)
	}
	if err := env.m.Pause(context.Background(), sb.ID); !errors.Is(err, ErrWrongState) {
		t.Errorf("second pause: expected ErrWrongState, got %v", err)
	}

	if err := env.m.Resume(context.Background(), sb.ID); err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	got, _ = env.m.Get(context.Background(), sb.ID)
	if got.Status != types.SandboxStatusRunning {
		t.Fatalf("status = %s, want Running after resume", got.Status)
	}
	if got.VmmPid == 0 {
		t.Error("resumed sandbox should record the new vmm pid")
	}

	// Resume on a running sandbox is a wrong-state error.
	if err := env.m.Resume(context.Background(), sb.ID); !errors.Is(err, ErrWrongState) {
		t.Errorf("resume on running: expected ErrWrongState, got %v", err)
	}

	// The snapshot was loaded on a fresh VMM.
	env.mu.Lock()
	last := env.vmms[len(env.vmms)-1]
	env.mu.Unlock()
	if !last.loaded {
		t.Error("resume did not load the snapshot")
	}
}

func TestDestroy_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	sb := mustCreate(t, env, types.SandboxConfig{WorkspaceID: "ws-d"})

	if err := env.m.Destroy(context.Background(), sb.ID); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
	if err := env.m.Destroy(context.Background(), sb.ID); err != nil {
		t.Fatalf("second Destroy() error: %v", err)
	}
	if err := env.m.Destroy(context.Background(), "never-existed"); err != nil {
		t.Fatalf("Destroy() of unknown id should succeed: %v", err)
	}

	if _, err := os.Stat(env.store.SandboxDir(sb.ID)); !os.IsNotExist(err) {
		t.Error("sandbox dir still present after destroy")
	}
	if _, err := os.Stat(env.store.SnapshotDir("ws-d")); !os.IsNotExist(err) {
		t.Error("snapshot dir still present after destroy")
	}
	if _, err := env.m.Get(context.Background(), sb.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after destroy, got %v", err)
	}
	if h := env.m.Health(); h.ActiveSandboxes != 0 || h.MemoryUsedMB != 0 {
		t.Errorf("capacity not released: %+v", h)
	}
}

func TestDestroy_PausedSandbox(t *testing.T) {
	env := newTestEnv(t, nil)
	sb := mustCreate(t, env, types.SandboxConfig{})
	if err := env.m.Pause(context.Background(), sb.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.m.Destroy(context.Background(), sb.ID); err != nil {
		t.Fatalf("Destroy() of paused sandbox: %v", err)
	}
	if h := env.m.Health(); h.ActiveSandboxes != 0 || h.MemoryUsedMB != 0 {
		t.Errorf("capacity not released: %+v", h)
	}
}

func TestCapacityAccountingInvariant(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.MaxSandboxes = 8; c.MemoryBudgetMiB = 8192 })

	var live []string
	expectMem := 0
	for i := 0; i < 5; i++ {
		sb := mustCreate(t, env, types.SandboxConfig{MemoryMB: 256})
		live = append(live, sb.ID)
		expectMem += 256
	}
	for i := 0; i < 3; i++ {
		if err := env.m.Destroy(context.Background(), live[i]); err != nil {
			t.Fatal(err)
		}
		expectMem -= 256
	}

	h := env.m.Health()
	if h.ActiveSandboxes != 2 || h.MemoryUsedMB != expectMem {
		t.Fatalf("accounting drift: %+v (want 2 active, %d MiB)", h, expectMem)
	}
	list, _ := env.m.List(context.Background())
	if len(list) != h.ActiveSandboxes {
		t.Errorf("List() returned %d, health says %d", len(list), h.ActiveSandboxes)
	}
}

func TestConcurrentExecSerializes(t *testing.T) {
	env := newTestEnv(t, nil)
	sb := mustCreate(t, env, types.SandboxConfig{})

	var inFlight, maxInFlight int
	var mu sync.Mutex
	env.mu.Lock()
	env.rpcs[len(env.rpcs)-1].execFn = func(req *guestrpc.Request) *guestrpc.Response {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		zero := 0
		return &guestrpc.Response{Success: true, ExitCode: &zero}
	}
	env.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.m.Exec(context.Background(), sb.ID, types.ProcessConfig{Command: "true"})
		}()
	}
	wg.Wait()

	if maxInFlight > 1 {
		t.Fatalf("%d exec calls overlapped on one sandbox", maxInFlight)
	}
}

func TestRecover(t *testing.T) {
	env := newTestEnv(t, nil)

	// A sandbox whose VMM died with the host: swept on recovery.
	deadDir := env.store.SandboxDir("deadbeef")
	if err := os.MkdirAll(deadDir, 0o755); err != nil {
		t.Fatal(err)
	}
	dead := &types.Sandbox{
		ID: "deadbeef", WorkspaceID: "deadbeef", Template: "base",
		MemoryMiB: 256, VCPUCount: 1, VsockCID: 9,
		Status: types.SandboxStatusRunning, CreatedAt: time.Now().UTC(),
		VmmPid: 999999999, // certainly not alive
	}
	if err := SaveState(deadDir, dead); err != nil {
		t.Fatal(err)
	}

	// A paused sandbox with a valid snapshot: reattached.
	pausedDir := env.store.SandboxDir("cafe0001")
	if err := os.MkdirAll(pausedDir, 0o755); err != nil {
		t.Fatal(err)
	}
	snapDir := env.store.SnapshotDir("ws-keep")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(snapDir, artifacts.SnapshotStateName), []byte("vmstate"), 0o644)
	os.WriteFile(filepath.Join(snapDir, artifacts.SnapshotMemName), []byte("ram"), 0o644)
	paused := &types.Sandbox{
		ID: "cafe0001", WorkspaceID: "ws-keep", Template: "base",
		MemoryMiB: 512, VCPUCount: 1, VsockCID: 11,
		Status: types.SandboxStatusPaused, CreatedAt: time.Now().UTC(),
	}
	if err := SaveState(pausedDir, paused); err != nil {
		t.Fatal(err)
	}

	if err := env.m.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}

	if _, err := os.Stat(deadDir); !os.IsNotExist(err) {
		t.Error("dead sandbox dir not swept")
	}
	if _, err := env.m.Get(context.Background(), "deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Error("dead sandbox should not be registered")
	}

	got, err := env.m.Get(context.Background(), "cafe0001")
	if err != nil {
		t.Fatalf("paused sandbox not reattached: %v", err)
	}
	if got.Status != types.SandboxStatusPaused {
		t.Errorf("status = %s, want Paused", got.Status)
	}
	h := env.m.Health()
	if h.ActiveSandboxes != 1 || h.MemoryUsedMB != 512 {
		t.Errorf("recovered capacity wrong: %+v", h)
	}

	// Resume works after recovery, and the new CID allocator does not
	// collide with the recovered one.
	if err := env.m.Resume(context.Background(), "cafe0001"); err != nil {
		t.Fatalf("Resume() after recover: %v", err)
	}
	sb := mustCreate(t, env, types.SandboxConfig{})
	if sb.VsockCID == 11 {
		t.Error("allocator reissued a recovered CID")
	}
}

func TestRecover_SweepsInvalidPaused(t *testing.T) {
	env := newTestEnv(t, nil)
	dir := env.store.SandboxDir("baad0001")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	sb := &types.Sandbox{
		ID: "baad0001", WorkspaceID: "ws-gone", Template: "base",
		MemoryMiB: 256, VCPUCount: 1, VsockCID: 5,
		Status: types.SandboxStatusPaused, CreatedAt: time.Now().UTC(),
	}
	if err := SaveState(dir, sb); err != nil {
		t.Fatal(err)
	}

	if err := env.m.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("paused sandbox without snapshot should be swept")
	}
	if h := env.m.Health(); h.ActiveSandboxes != 0 {
		t.Errorf("swept sandbox still counted: %+v", h)
	}
}

func TestIdleReaperPauses(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.IdleTimeoutS = 1 })
	sb := mustCreate(t, env, types.SandboxConfig{})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := env.m.Get(context.Background(), sb.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == types.SandboxStatusPaused {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("idle sandbox was not paused")
}
