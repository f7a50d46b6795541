package vmm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fcsandbox/fcsandbox/internal/artifacts"
)

// KernelArgs is the command line every sandbox kernel boots with. No pci,
// serial console for the VMM log, clean reboot-on-panic.
const KernelArgs = "console=ttyS0 reboot=k panic=1 pci=off init=/sbin/init"

const (
	rootDriveID = "rootfs"
	vsockID     = "vsock0"

	// DefaultSocketTimeout bounds the wait for the API socket after spawn.
	DefaultSocketTimeout = 5 * time.Second
	// DefaultShutdownGrace is how long a guest gets to act on Ctrl+Alt+Del
	// before the process is killed.
	DefaultShutdownGrace = 2 * time.Second
)

// MachineSpec is everything Configure needs to assemble a bootable VM.
type MachineSpec struct {
	VCPUCount  int
	MemSizeMib int
	KernelPath string
	RootfsPath string
	GuestCID   uint32
}

// Controller owns exactly one Firecracker child for one sandbox directory.
// Calls are serialized by an internal mutex; each HTTP request to the API
// socket happens with the mutex held, and nothing else does.
type Controller struct {
	bin        string
	sandboxDir string

	mu     sync.Mutex
	cmd    *exec.Cmd     // nil when attached to a recovered process
	waitCh chan struct{} // closed once the child has been reaped
	pid    int
	client *Client
}

// New creates a controller for a sandbox directory. Nothing is spawned yet.
func New(bin, sandboxDir string) *Controller {
	return &Controller{
		bin:        bin,
		sandboxDir: sandboxDir,
		client:     NewClient(filepath.Join(sandboxDir, artifacts.APISocketName)),
	}
}

// Attach binds a controller to an already-running Firecracker process, found
// during crash recovery. The process is not this process's child, so reaping
// is left to init.
func Attach(bin, sandboxDir string, pid int) *Controller {
	c := New(bin, sandboxDir)
	c.pid = pid
	return c
}

// Spawn starts the Firecracker binary with its API socket inside the sandbox
// directory and waits for the socket to accept connections. The child is
// made a session leader so it survives a restart of this service; crash
// recovery reattaches or sweeps it.
func (c *Controller) Spawn(ctx context.Context, socketTimeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pid != 0 && c.aliveLocked() {
		return fmt.Errorf("%w: process already running (pid %d)", ErrSpawn, c.pid)
	}
	if socketTimeout <= 0 {
		socketTimeout = DefaultSocketTimeout
	}

	sockPath := filepath.Join(c.sandboxDir, artifacts.APISocketName)
	os.Remove(sockPath) // stale socket from a previous run

	logFile, err := os.OpenFile(filepath.Join(c.sandboxDir, artifacts.VMMLogName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open log: %v", ErrSpawn, err)
	}
	defer logFile.Close()

	cmd := exec.Command(c.bin, "--api-sock", sockPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	c.cmd = cmd
	c.pid = cmd.Process.Pid
	c.waitCh = make(chan struct{})
	go func(ch chan struct{}) {
		_ = cmd.Wait()
		close(ch)
	}(c.waitCh)

	if err := c.client.WaitForSocket(socketTimeout, c.aliveLocked); err != nil {
		c.killLocked()
		return err
	}
	return nil
}

// Configure issues the boot configuration in the order Firecracker requires:
// machine-config, boot-source, root drive, vsock. Any failure aborts.
func (c *Controller) Configure(spec MachineSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.PutMachineConfig(spec.VCPUCount, spec.MemSizeMib); err != nil {
		return fmt.Errorf("machine-config: %w", err)
	}
	if err := c.client.PutBootSource(spec.KernelPath, KernelArgs); err != nil {
		return fmt.Errorf("boot-source: %w", err)
	}
	if err := c.client.PutRootDrive(rootDriveID, spec.RootfsPath); err != nil {
		return fmt.Errorf("root drive: %w", err)
	}
	if err := c.client.PutVsock(vsockID, spec.GuestCID, filepath.Join(c.sandboxDir, artifacts.VsockName)); err != nil {
		return fmt.Errorf("vsock: %w", err)
	}
	return nil
}

// Start boots the configured VM.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.StartInstance()
}

// Pause pauses the running VM.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.PauseVM()
}

// Resume resumes a paused VM.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.ResumeVM()
}

// CreateSnapshot writes the snapshot pair into snapshotDir. The VM must
// already be paused; Firecracker rejects the call otherwise.
func (c *Controller) CreateSnapshot(snapshotDir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	return c.client.CreateSnapshot(
		filepath.Join(snapshotDir, artifacts.SnapshotStateName),
		filepath.Join(snapshotDir, artifacts.SnapshotMemName),
	)
}

// LoadSnapshot restores the snapshot pair from snapshotDir into a freshly
// spawned, never-configured VMM.
func (c *Controller) LoadSnapshot(snapshotDir string, resume bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.LoadSnapshot(
		filepath.Join(snapshotDir, artifacts.SnapshotStateName),
		filepath.Join(snapshotDir, artifacts.SnapshotMemName),
		resume,
	)
}

// Probe checks that the child answers on its API socket.
func (c *Controller) Probe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client.DescribeInstance()
}

// Shutdown sends Ctrl+Alt+Del and waits up to grace for the process to
// exit, then kills it. Always leaves the process dead.
func (c *Controller) Shutdown(grace time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.aliveLocked() {
		return nil
	}
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}

	sendErr := c.client.SendCtrlAltDel()

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !c.aliveLocked() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	c.killLocked()
	if sendErr != nil {
		return fmt.Errorf("graceful shutdown failed, killed pid %d: %w", c.pid, sendErr)
	}
	return nil
}

// Kill terminates the child immediately.
func (c *Controller) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killLocked()
}

// Alive reports whether the child process exists.
func (c *Controller) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aliveLocked()
}

// Pid returns the child pid, 0 if never spawned.
func (c *Controller) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

func (c *Controller) aliveLocked() bool {
	if c.pid == 0 {
		return false
	}
	if c.waitCh != nil {
		// Own child: a dead-but-unreaped zombie still answers signal 0, so
		// consult the reaper goroutine instead.
		select {
		case <-c.waitCh:
			return false
		default:
			return true
		}
	}
	return syscall.Kill(c.pid, 0) == nil
}

func (c *Controller) killLocked() {
	if c.pid == 0 {
		return
	}
	_ = syscall.Kill(c.pid, syscall.SIGKILL)
	if c.waitCh != nil {
		<-c.waitCh
	}
}
