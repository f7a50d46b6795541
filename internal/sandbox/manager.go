// Package sandbox owns the sandbox registry and state machine. It
// coordinates the overlay manager, the Firecracker controller, and the
// guest transport into the lifecycle:
//
//	Starting → Running ⇄ (Pausing → Paused → Resuming) → Destroying → Destroyed
//
// with Failed as the terminal state for unrecoverable errors (the sandbox
// directory is retained for diagnosis).
package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fcsandbox/fcsandbox/internal/artifacts"
	"github.com/fcsandbox/fcsandbox/internal/config"
	"github.com/fcsandbox/fcsandbox/internal/db"
	"github.com/fcsandbox/fcsandbox/internal/events"
	"github.com/fcsandbox/fcsandbox/internal/guestrpc"
	"github.com/fcsandbox/fcsandbox/internal/metrics"
	"github.com/fcsandbox/fcsandbox/internal/overlay"
	"github.com/fcsandbox/fcsandbox/internal/storage"
	"github.com/fcsandbox/fcsandbox/internal/vmm"
	"github.com/fcsandbox/fcsandbox/pkg/types"
)

// firstCID is the lowest guest CID handed out; 0-2 are reserved by the
// vsock address family (hypervisor, local, host).
const firstCID = 3

// destroyedGrace keeps a Destroyed entry visible in the registry briefly so
// concurrent callers observe "not found" cleanly instead of racing the
// delete.
const destroyedGrace = 3 * time.Second

// callSlack is added on top of the guest exec timeout for the transport
// deadline, covering serialization and scheduling overhead.
const callSlack = 5 * time.Second

// Compile-time check: Manager implements the façade contract.
var _ Service = (*Manager)(nil)

// instance is one tracked sandbox. The descriptor is guarded by the
// manager's registry mutex; callMu is the per-sandbox transport mutex,
// held across exactly one guest round trip or one lifecycle step.
type instance struct {
	callMu sync.Mutex

	sb    types.Sandbox
	ctrl  vmmController
	rpc   guestCaller
	audit *AuditDB
	idle  *time.Timer
}

// Manager owns all sandboxes on this host.
type Manager struct {
	cfg   *config.Config
	store *artifacts.Store

	snapshots *storage.SnapshotStore // nil disables S3 replication
	events    *events.Publisher      // nil disables NATS events
	pg        *db.Store              // nil disables the Postgres mirror

	// Seams for tests; production wiring is the real vmm/guestrpc/overlay.
	newVMM        func(sandboxDir string) vmmController
	attachVMM     func(sandboxDir string, pid int) vmmController
	newRPC        func(udsPath string) guestCaller
	createOverlay func(baseImage, overlayPath string) error

	mu             sync.Mutex
	sandboxes      map[string]*instance
	nextCID        uint32
	memoryReserved int

	uploadWg sync.WaitGroup
}

// Option configures optional manager integrations.
type Option func(*Manager)

// WithSnapshotStore enables S3 snapshot replication.
func WithSnapshotStore(s *storage.SnapshotStore) Option {
	return func(m *Manager) { m.snapshots = s }
}

// WithEventPublisher enables NATS lifecycle events.
func WithEventPublisher(p *events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithDBStore enables the Postgres mirror.
func WithDBStore(s *db.Store) Option {
	return func(m *Manager) { m.pg = s }
}

// NewManager creates a sandbox manager.
func NewManager(cfg *config.Config, store *artifacts.Store, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		store:     store,
		sandboxes: make(map[string]*instance),
		nextCID:   firstCID,
		newVMM: func(dir string) vmmController {
			return vmm.New(cfg.FirecrackerBin, dir)
		},
		attachVMM: func(dir string, pid int) vmmController {
			return vmm.Attach(cfg.FirecrackerBin, dir, pid)
		},
		newRPC: func(udsPath string) guestCaller {
			return guestrpc.NewClient(udsPath)
		},
		createOverlay: overlay.Create,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create allocates capacity, boots a fresh microVM, and returns the
// descriptor once the guest agent answers. On any failure everything is
// rolled back: VMM killed, directory removed, reservations released.
func (m *Manager) Create(ctx context.Context, cfg types.SandboxConfig) (*types.Sandbox, error) {
	template := cfg.Template
	if template == "" {
		template = "base"
	}
	memMiB := cfg.MemoryMB
	if memMiB <= 0 {
		memMiB = m.cfg.DefaultMemoryMiB
	}
	vcpus := cfg.VCPUCount
	if vcpus <= 0 {
		vcpus = m.cfg.DefaultVCPU
	}
	if memMiB < m.cfg.MinMemoryMiB || memMiB > m.cfg.MaxMemoryMiB {
		return nil, fmt.Errorf("%w: memory_mb %d outside [%d, %d]",
			ErrInvalidRequest, memMiB, m.cfg.MinMemoryMiB, m.cfg.MaxMemoryMiB)
	}
	if vcpus < m.cfg.MinVCPU || vcpus > m.cfg.MaxVCPU {
		return nil, fmt.Errorf("%w: vcpu_count %d outside [%d, %d]",
			ErrInvalidRequest, vcpus, m.cfg.MinVCPU, m.cfg.MaxVCPU)
	}

	id := uuid.New().String()[:8]
	workspace := cfg.WorkspaceID
	if workspace == "" {
		workspace = id
	}

	m.mu.Lock()
	if live := m.liveCountLocked(); live >= m.cfg.MaxSandboxes {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d/%d sandboxes", ErrAtCapacity, live, m.cfg.MaxSandboxes)
	}
	if m.memoryReserved+memMiB > m.cfg.MemoryBudgetMiB {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d MiB reserved + %d requested exceeds budget %d",
			ErrAtCapacity, m.memoryReserved, memMiB, m.cfg.MemoryBudgetMiB)
	}
	if m.workspaceInUseLocked(workspace) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: workspace %q already has a live sandbox", ErrInvalidRequest, workspace)
	}
	cid := m.allocateCIDLocked()
	inst := &instance{
		sb: types.Sandbox{
			ID:          id,
			WorkspaceID: workspace,
			Template:    template,
			MemoryMiB:   memMiB,
			VCPUCount:   vcpus,
			VsockCID:    cid,
			Status:      types.SandboxStatusStarting,
			CreatedAt:   time.Now().UTC(),
		},
	}
	m.sandboxes[id] = inst
	m.memoryReserved += memMiB
	m.mu.Unlock()

	start := time.Now()
	if err := m.boot(ctx, inst); err != nil {
		m.mu.Lock()
		delete(m.sandboxes, id)
		m.memoryReserved -= memMiB
		m.mu.Unlock()
		return nil, fmt.Errorf("create sandbox %s: %w", id, err)
	}

	m.mu.Lock()
	inst.sb.Status = types.SandboxStatusRunning
	inst.sb.VmmPid = inst.ctrl.Pid()
	sb := inst.sb
	m.mu.Unlock()

	if err := SaveState(m.store.SandboxDir(id), &sb); err != nil {
		log.Printf("manager: persist %s: %v", id, err)
	}
	if audit, err := OpenAudit(m.store.SandboxDir(id)); err == nil {
		inst.audit = audit
		_ = audit.LogEvent("created")
	} else {
		log.Printf("manager: audit db for %s: %v", id, err)
	}
	m.startIdleTimer(inst)
	m.publish("created", &sb)
	m.updateMetrics()

	metrics.SandboxCreateDuration.Observe(time.Since(start).Seconds())
	log.Printf("manager: created sandbox %s (template=%s, cpu=%d, mem=%dMiB, cid=%d, pid=%d)",
		id, template, vcpus, memMiB, cid, sb.VmmPid)
	return &sb, nil
}

// boot performs the slow create path: overlay, spawn, configure, start,
// agent handshake. Runs without the registry lock.
func (m *Manager) boot(ctx context.Context, inst *instance) error {
	id := inst.sb.ID
	dir := m.store.SandboxDir(id)

	kernel, baseRootfs, err := m.store.ResolveTemplate(inst.sb.Template)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sandbox dir: %w", err)
	}

	fail := func(err error) error {
		if inst.rpc != nil {
			inst.rpc.Close()
			inst.rpc = nil
		}
		if inst.ctrl != nil {
			inst.ctrl.Kill()
			inst.ctrl = nil
		}
		os.RemoveAll(dir)
		return err
	}

	overlayPath := filepath.Join(dir, artifacts.OverlayName)
	if err := m.createOverlay(baseRootfs, overlayPath); err != nil {
		return fail(fmt.Errorf("overlay: %w", err))
	}

	inst.ctrl = m.newVMM(dir)
	if err := inst.ctrl.Spawn(ctx, vmm.DefaultSocketTimeout); err != nil {
		return fail(err)
	}
	if err := inst.ctrl.Configure(vmm.MachineSpec{
		VCPUCount:  inst.sb.VCPUCount,
		MemSizeMib: inst.sb.MemoryMiB,
		KernelPath: kernel,
		RootfsPath: overlayPath,
		GuestCID:   inst.sb.VsockCID,
	}); err != nil {
		return fail(err)
	}
	if err := inst.ctrl.Start(); err != nil {
		return fail(err)
	}

	inst.rpc = m.newRPC(filepath.Join(dir, artifacts.VsockName))
	if err := inst.rpc.WaitReady(ctx, time.Duration(m.cfg.BootTimeoutS)*time.Second); err != nil {
		return fail(err)
	}
	return nil
}

// Get returns a copy of the descriptor.
func (m *Manager) Get(ctx context.Context, id string) (*types.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.sandboxes[id]
	if !ok || inst.sb.Status == types.SandboxStatusDestroyed {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	sb := inst.sb
	return &sb, nil
}

// List returns descriptors of all live sandboxes.
func (m *Manager) List(ctx context.Context) ([]types.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Sandbox, 0, len(m.sandboxes))
	for _, inst := range m.sandboxes {
		if inst.sb.Status == types.SandboxStatusDestroyed {
			continue
		}
		out = append(out, inst.sb)
	}
	return out, nil
}

// Exec runs a shell command in the guest. Only permitted in Running.
func (m *Manager) Exec(ctx context.Context, id string, cfg types.ProcessConfig) (*types.ProcessResult, error) {
	inst, err := m.lookupRunning(id)
	if err != nil {
		return nil, err
	}

	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = m.cfg.ExecTimeoutS
	}

	inst.callMu.Lock()
	defer inst.callMu.Unlock()
	if err := m.requireRunning(id); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second+callSlack)
	defer cancel()

	start := time.Now()
	resp, err := inst.rpc.Call(callCtx, &guestrpc.Request{
		Action:     guestrpc.ActionExec,
		Command:    cfg.Command,
		Timeout:    timeout,
		WorkingDir: cfg.WorkingDir,
	})
	duration := time.Since(start)
	m.touch(inst)
	if err != nil {
		return nil, err
	}

	result := &types.ProcessResult{
		Stdout:     resp.Stdout,
		Stderr:     resp.Stderr,
		DurationMs: duration.Milliseconds(),
	}
	switch {
	case resp.Success && resp.ExitCode != nil:
		result.ExitCode = *resp.ExitCode
	case !resp.Success && resp.ExitCode != nil:
		// Guest-side timeout: exit_code -1 plus the error string.
		result.ExitCode = *resp.ExitCode
		result.Error = resp.Error
	default:
		return nil, &GuestError{Msg: resp.Error}
	}

	if inst.audit != nil {
		_ = inst.audit.LogCommand(cfg.Command, cfg.WorkingDir, result.ExitCode,
			result.DurationMs, len(result.Stdout), len(result.Stderr))
	}
	metrics.ExecDuration.Observe(duration.Seconds())
	return result, nil
}

// ReadFile returns the decoded content of a guest file.
func (m *Manager) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	resp, err := m.fileCall(ctx, id, &guestrpc.Request{Action: guestrpc.ActionReadFile, Path: path})
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 from guest: %v", guestrpc.ErrProtocol, err)
	}
	return data, nil
}

// WriteFile writes content into the guest, creating parent directories.
func (m *Manager) WriteFile(ctx context.Context, id string, req types.WriteFileRequest) error {
	_, err := m.fileCall(ctx, id, &guestrpc.Request{
		Action:   guestrpc.ActionWriteFile,
		Path:     req.Path,
		Content:  req.Content,
		IsBase64: req.IsBase64,
	})
	return err
}

// ListFiles lists a guest directory (guest defaults to /workspace).
func (m *Manager) ListFiles(ctx context.Context, id, path string) ([]types.EntryInfo, error) {
	resp, err := m.fileCall(ctx, id, &guestrpc.Request{Action: guestrpc.ActionListFiles, Path: path})
	if err != nil {
		return nil, err
	}
	entries := make([]types.EntryInfo, len(resp.Entries))
	for i, e := range resp.Entries {
		entries[i] = types.EntryInfo{Name: e.Name, IsDir: e.IsDir, Size: e.Size}
	}
	return entries, nil
}

// MakeDir creates a guest directory.
func (m *Manager) MakeDir(ctx context.Context, id, path string, parents bool) error {
	_, err := m.fileCall(ctx, id, &guestrpc.Request{Action: guestrpc.ActionMkdir, Path: path, Parents: parents})
	return err
}

// Stat returns guest file metadata.
func (m *Manager) Stat(ctx context.Context, id, path string) (*types.FileInfo, error) {
	resp, err := m.fileCall(ctx, id, &guestrpc.Request{Action: guestrpc.ActionStat, Path: path})
	if err != nil {
		return nil, err
	}
	info := &types.FileInfo{IsDir: resp.IsDir, Size: resp.Size, Mtime: resp.Mtime}
	if resp.Exists != nil {
		info.Exists = *resp.Exists
	}
	return info, nil
}

// Remove deletes a guest file or directory.
func (m *Manager) Remove(ctx context.Context, id, path string, recursive bool) error {
	_, err := m.fileCall(ctx, id, &guestrpc.Request{Action: guestrpc.ActionDeleteFile, Path: path, Recursive: recursive})
	return err
}

// fileCall is the shared path for filesystem operations: Running-only,
// serialized on the transport mutex, bounded by the exec timeout.
func (m *Manager) fileCall(ctx context.Context, id string, req *guestrpc.Request) (*guestrpc.Response, error) {
	inst, err := m.lookupRunning(id)
	if err != nil {
		return nil, err
	}

	inst.callMu.Lock()
	defer inst.callMu.Unlock()
	if err := m.requireRunning(id); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(m.cfg.ExecTimeoutS)*time.Second)
	defer cancel()

	resp, err := inst.rpc.Call(callCtx, req)
	m.touch(inst)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &GuestError{Msg: resp.Error}
	}
	return resp, nil
}

// Pause snapshots a Running sandbox and stops its VMM. The memory
// reservation is retained so Resume can never fail with AtCapacity.
func (m *Manager) Pause(ctx context.Context, id string) error {
	inst, err := m.transition(id, types.SandboxStatusRunning, types.SandboxStatusPausing)
	if err != nil {
		return err
	}

	inst.callMu.Lock()
	defer inst.callMu.Unlock()

	start := time.Now()
	m.stopIdleTimer(inst)

	// Flush guest filesystems, then quiesce the vsock: Firecracker refuses
	// to snapshot with an active vsock connection.
	syncCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if _, err := inst.rpc.Call(syncCtx, &guestrpc.Request{Action: guestrpc.ActionSyncFS}); err != nil {
		log.Printf("manager: pause %s: sync_fs: %v", id, err)
	}
	cancel()
	inst.rpc.Close()

	snapDir := m.store.SnapshotDir(inst.sb.WorkspaceID)
	if err := inst.ctrl.Pause(); err != nil {
		return m.fail(inst, fmt.Errorf("pause VM: %w", err))
	}
	if err := inst.ctrl.CreateSnapshot(snapDir); err != nil {
		return m.fail(inst, fmt.Errorf("create snapshot: %w", err))
	}

	// The paused VMM has served its purpose; RAM is freed here.
	inst.ctrl.Kill()
	os.Remove(filepath.Join(m.store.SandboxDir(id), artifacts.APISocketName))
	os.Remove(filepath.Join(m.store.SandboxDir(id), artifacts.VsockName))

	m.mu.Lock()
	inst.sb.Status = types.SandboxStatusPaused
	inst.sb.VmmPid = 0
	sb := inst.sb
	m.mu.Unlock()
	if err := SaveState(m.store.SandboxDir(id), &sb); err != nil {
		log.Printf("manager: persist %s: %v", id, err)
	}
	if inst.audit != nil {
		_ = inst.audit.LogEvent("paused")
	}
	m.publish("paused", &sb)
	m.updateMetrics()
	m.replicateSnapshot(sb.WorkspaceID, snapDir)

	metrics.PauseDuration.Observe(time.Since(start).Seconds())
	log.Printf("manager: paused sandbox %s (%dms)", id, time.Since(start).Milliseconds())
	return nil
}

// Resume spawns a fresh VMM for a Paused sandbox and restores the snapshot.
func (m *Manager) Resume(ctx context.Context, id string) error {
	inst, err := m.transition(id, types.SandboxStatusPaused, types.SandboxStatusResuming)
	if err != nil {
		return err
	}

	inst.callMu.Lock()
	defer inst.callMu.Unlock()

	start := time.Now()
	dir := m.store.SandboxDir(id)
	snapDir := m.store.SnapshotDir(inst.sb.WorkspaceID)

	if !artifacts.SnapshotValid(snapDir) {
		if err := m.fetchSnapshot(ctx, inst.sb.WorkspaceID, snapDir); err != nil {
			return m.fail(inst, fmt.Errorf("snapshot for workspace %s unusable: %w", inst.sb.WorkspaceID, err))
		}
	}

	ctrl := m.newVMM(dir)
	if err := ctrl.Spawn(ctx, vmm.DefaultSocketTimeout); err != nil {
		return m.fail(inst, err)
	}
	if err := ctrl.LoadSnapshot(snapDir, true); err != nil {
		ctrl.Kill()
		return m.fail(inst, err)
	}
	inst.ctrl = ctrl

	rpc := m.newRPC(filepath.Join(dir, artifacts.VsockName))
	if err := rpc.WaitReady(ctx, time.Duration(m.cfg.BootTimeoutS)*time.Second); err != nil {
		ctrl.Kill()
		return m.fail(inst, err)
	}
	inst.rpc = rpc

	m.mu.Lock()
	inst.sb.Status = types.SandboxStatusRunning
	inst.sb.VmmPid = ctrl.Pid()
	sb := inst.sb
	m.mu.Unlock()
	if err := SaveState(dir, &sb); err != nil {
		log.Printf("manager: persist %s: %v", id, err)
	}
	if inst.audit != nil {
		_ = inst.audit.LogEvent("resumed")
	}
	m.startIdleTimer(inst)
	m.publish("resumed", &sb)
	m.updateMetrics()

	metrics.ResumeDuration.Observe(time.Since(start).Seconds())
	log.Printf("manager: resumed sandbox %s (%dms)", id, time.Since(start).Milliseconds())
	return nil
}

// Destroy tears a sandbox down from any state. Idempotent: unknown ids and
// repeat calls succeed. This is the one operation guaranteed to reclaim
// resources.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.sandboxes[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if inst.sb.Status == types.SandboxStatusDestroying || inst.sb.Status == types.SandboxStatusDestroyed {
		m.mu.Unlock()
		return nil
	}
	prev := inst.sb.Status
	inst.sb.Status = types.SandboxStatusDestroying
	memMiB := inst.sb.MemoryMiB
	workspace := inst.sb.WorkspaceID
	destroying := inst.sb
	m.mu.Unlock()

	// Best effort: the directory is about to go away anyway.
	_ = SaveState(m.store.SandboxDir(id), &destroying)

	inst.callMu.Lock()
	m.stopIdleTimer(inst)
	if inst.rpc != nil {
		inst.rpc.Close()
	}
	if inst.ctrl != nil {
		if prev != types.SandboxStatusPaused && inst.ctrl.Alive() {
			if err := inst.ctrl.Shutdown(vmm.DefaultShutdownGrace); err != nil {
				log.Printf("manager: destroy %s: shutdown: %v", id, err)
			}
		}
		inst.ctrl.Kill()
	}
	if inst.audit != nil {
		inst.audit.Close()
		inst.audit = nil
	}
	if err := os.RemoveAll(m.store.SandboxDir(id)); err != nil {
		log.Printf("manager: destroy %s: remove sandbox dir: %v", id, err)
	}
	if err := os.RemoveAll(m.store.SnapshotDir(workspace)); err != nil {
		log.Printf("manager: destroy %s: remove snapshot dir: %v", id, err)
	}
	inst.callMu.Unlock()

	m.mu.Lock()
	inst.sb.Status = types.SandboxStatusDestroyed
	inst.sb.VmmPid = 0
	m.memoryReserved -= memMiB
	sb := inst.sb
	m.mu.Unlock()

	time.AfterFunc(destroyedGrace, func() {
		m.mu.Lock()
		if cur, ok := m.sandboxes[id]; ok && cur.sb.Status == types.SandboxStatusDestroyed {
			delete(m.sandboxes, id)
		}
		m.mu.Unlock()
	})

	m.publish("destroyed", &sb)
	m.updateMetrics()
	log.Printf("manager: destroyed sandbox %s", id)
	return nil
}

// Health reports capacity for GET /health.
func (m *Manager) Health() types.HealthResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.HealthResponse{
		Status:            "ok",
		ActiveSandboxes:   m.liveCountLocked(),
		MaxSandboxes:      m.cfg.MaxSandboxes,
		MemoryUsedMB:      m.memoryReserved,
		MemoryAvailableMB: m.cfg.MemoryBudgetMiB - m.memoryReserved,
	}
}

// Close destroys all sandboxes and waits for in-flight snapshot uploads.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sandboxes))
	for id := range m.sandboxes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Destroy(ctx, id); err != nil {
			log.Printf("manager: close: destroy %s: %v", id, err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.uploadWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("manager: close: gave up waiting for snapshot uploads")
	}
	log.Printf("manager: closed, %d sandboxes destroyed", len(ids))
}

// ── internal helpers ──

// lookupRunning fetches an instance that must currently be Running.
func (m *Manager) lookupRunning(id string) (*instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.sandboxes[id]
	if !ok || inst.sb.Status == types.SandboxStatusDestroyed {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if inst.sb.Status != types.SandboxStatusRunning {
		return nil, fmt.Errorf("%w: sandbox %s is %s", ErrWrongState, id, inst.sb.Status)
	}
	return inst, nil
}

// requireRunning re-checks the status after the transport mutex was
// acquired; a pause/destroy may have won the race.
func (m *Manager) requireRunning(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.sandboxes[id]
	if !ok || inst.sb.Status == types.SandboxStatusDestroyed {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if inst.sb.Status != types.SandboxStatusRunning {
		return fmt.Errorf("%w: sandbox %s is %s", ErrWrongState, id, inst.sb.Status)
	}
	return nil
}

// transition atomically moves a sandbox from exactly `from` to `to` and
// persists the intermediate state.
func (m *Manager) transition(id string, from, to types.SandboxStatus) (*instance, error) {
	m.mu.Lock()
	inst, ok := m.sandboxes[id]
	if !ok || inst.sb.Status == types.SandboxStatusDestroyed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if inst.sb.Status != from {
		status := inst.sb.Status
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: sandbox %s is %s", ErrWrongState, id, status)
	}
	inst.sb.Status = to
	sb := inst.sb
	m.mu.Unlock()

	if err := SaveState(m.store.SandboxDir(id), &sb); err != nil {
		log.Printf("manager: persist %s: %v", id, err)
	}
	return inst, nil
}

// fail marks a sandbox Failed after an unrecoverable lifecycle error. The
// directory is kept for diagnosis; capacity stays reserved until destroy.
func (m *Manager) fail(inst *instance, cause error) error {
	m.mu.Lock()
	inst.sb.Status = types.SandboxStatusFailed
	if inst.ctrl == nil || !inst.ctrl.Alive() {
		inst.sb.VmmPid = 0
	}
	sb := inst.sb
	m.mu.Unlock()

	if err := SaveState(m.store.SandboxDir(sb.ID), &sb); err != nil {
		log.Printf("manager: persist %s: %v", sb.ID, err)
	}
	m.publish("failed", &sb)
	m.updateMetrics()
	log.Printf("manager: sandbox %s failed: %v", sb.ID, cause)
	return cause
}

func (m *Manager) liveCountLocked() int {
	n := 0
	for _, inst := range m.sandboxes {
		if inst.sb.Status != types.SandboxStatusDestroyed {
			n++
		}
	}
	return n
}

func (m *Manager) workspaceInUseLocked(workspace string) bool {
	for _, inst := range m.sandboxes {
		if inst.sb.Status != types.SandboxStatusDestroyed && inst.sb.WorkspaceID == workspace {
			return true
		}
	}
	return false
}

// allocateCIDLocked hands out the next guest CID, skipping any still held
// by a live sandbox.
func (m *Manager) allocateCIDLocked() uint32 {
	for {
		cid := m.nextCID
		m.nextCID++
		inUse := false
		for _, inst := range m.sandboxes {
			if inst.sb.Status != types.SandboxStatusDestroyed && inst.sb.VsockCID == cid {
				inUse = true
				break
			}
		}
		if !inUse {
			return cid
		}
	}
}

func (m *Manager) publish(event string, sb *types.Sandbox) {
	if m.events != nil {
		m.events.Publish(event, sb)
	}
	if m.pg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.pg.UpsertSandbox(ctx, sb); err != nil {
			log.Printf("manager: pg upsert %s: %v", sb.ID, err)
		}
		if err := m.pg.RecordEvent(ctx, sb.ID, event); err != nil {
			log.Printf("manager: pg event %s: %v", sb.ID, err)
		}
		cancel()
	}
}

func (m *Manager) updateMetrics() {
	m.mu.Lock()
	live := m.liveCountLocked()
	reserved := m.memoryReserved
	m.mu.Unlock()
	metrics.SandboxesActive.Set(float64(live))
	metrics.MemoryReservedMiB.Set(float64(reserved))
}

// replicateSnapshot uploads the snapshot pair to S3 in the background.
func (m *Manager) replicateSnapshot(workspaceID, snapDir string) {
	if m.snapshots == nil {
		return
	}
	m.uploadWg.Add(1)
	go func() {
		defer m.uploadWg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := m.snapshots.Replicate(ctx, workspaceID, snapDir); err != nil {
			log.Printf("manager: snapshot upload for workspace %s: %v", workspaceID, err)
			return
		}
		log.Printf("manager: snapshot for workspace %s replicated", workspaceID)
	}()
}

// fetchSnapshot restores a missing/invalid local snapshot pair from S3.
func (m *Manager) fetchSnapshot(ctx context.Context, workspaceID, snapDir string) error {
	if m.snapshots == nil {
		return errors.New("no valid local snapshot and no snapshot store configured")
	}
	log.Printf("manager: local snapshot for workspace %s missing, fetching from object store", workspaceID)
	if err := m.snapshots.Fetch(ctx, workspaceID, snapDir); err != nil {
		return err
	}
	if !artifacts.SnapshotValid(snapDir) {
		return errors.New("fetched snapshot is incomplete")
	}
	return nil
}

// ── idle reaper ──

// startIdleTimer arms the rolling idle timeout; expiry pauses the sandbox.
func (m *Manager) startIdleTimer(inst *instance) {
	if m.cfg.IdleTimeoutS <= 0 {
		return
	}
	id := inst.sb.ID
	d := time.Duration(m.cfg.IdleTimeoutS) * time.Second
	m.mu.Lock()
	if inst.idle != nil {
		inst.idle.Stop()
	}
	inst.idle = time.AfterFunc(d, func() { m.idleExpire(id) })
	m.mu.Unlock()
}

// touch resets the idle timer; called on every accepted guest operation.
func (m *Manager) touch(inst *instance) {
	if m.cfg.IdleTimeoutS <= 0 {
		return
	}
	m.mu.Lock()
	if inst.idle != nil {
		inst.idle.Reset(time.Duration(m.cfg.IdleTimeoutS) * time.Second)
	}
	m.mu.Unlock()
}

func (m *Manager) stopIdleTimer(inst *instance) {
	m.mu.Lock()
	if inst.idle != nil {
		inst.idle.Stop()
		inst.idle = nil
	}
	m.mu.Unlock()
}

func (m *Manager) idleExpire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	log.Printf("manager: sandbox %s idle, pausing", id)
	if err := m.Pause(ctx, id); err != nil {
		if !errors.Is(err, ErrWrongState) && !errors.Is(err, ErrNotFound) {
			log.Printf("manager: idle pause %s: %v", id, err)
		}
	}
}
