package sandbox

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"syscall"

	"github.com/fcsandbox/fcsandbox/internal/artifacts"
	"github.com/fcsandbox/fcsandbox/pkg/types"
)

// Recover scans the sandboxes directory at process start. Sandboxes whose
// VMM child is still alive and answering on its API socket are reattached
// with their capacity re-reserved, as are Paused sandboxes whose snapshot
// is valid (no VMM needed); everything else is swept to Destroyed and its
// directories removed. Failed sandboxes keep their directory for
// diagnosis and stay registered so an operator can inspect and destroy
// them.
func (m *Manager) Recover(ctx context.Context) error {
	descs, broken, err := LoadAllStates(m.store.SandboxesDir())
	if err != nil {
		return err
	}
	for _, id := range broken {
		log.Printf("recover: sweeping %s: unreadable state.json", id)
		os.RemoveAll(filepath.Join(m.store.SandboxesDir(), id))
	}

	for _, sb := range descs {
		switch sb.Status {
		case types.SandboxStatusPaused:
			if artifacts.SnapshotValid(m.store.SnapshotDir(sb.WorkspaceID)) {
				m.reattach(sb, types.SandboxStatusPaused, nil)
			} else {
				log.Printf("recover: sweeping %s: paused without a valid snapshot", sb.ID)
				m.sweep(sb)
			}

		case types.SandboxStatusFailed:
			m.reattach(sb, types.SandboxStatusFailed, nil)

		case types.SandboxStatusDestroying, types.SandboxStatusDestroyed:
			m.sweep(sb)

		default:
			// Starting, Running, Pausing, Resuming: the descriptor says a
			// VMM should exist. Probe it.
			ctrl := m.probeVMM(sb)
			if ctrl == nil {
				log.Printf("recover: sweeping %s: vmm pid %d gone or unresponsive", sb.ID, sb.VmmPid)
				m.sweep(sb)
				continue
			}
			m.reattach(sb, types.SandboxStatusRunning, ctrl)
		}
	}

	m.updateMetrics()
	return nil
}

// probeVMM checks that the recorded pid is alive and its API socket
// answers. Returns an attached controller or nil.
func (m *Manager) probeVMM(sb *types.Sandbox) vmmController {
	if sb.VmmPid <= 0 || syscall.Kill(sb.VmmPid, 0) != nil {
		return nil
	}
	ctrl := m.attachVMM(m.store.SandboxDir(sb.ID), sb.VmmPid)
	if err := ctrl.Probe(); err != nil {
		return nil
	}
	return ctrl
}

// reattach installs a recovered sandbox into the registry, re-reserving
// its memory and keeping its CID out of the allocator's reach.
func (m *Manager) reattach(sb *types.Sandbox, status types.SandboxStatus, ctrl vmmController) {
	inst := &instance{sb: *sb}
	inst.sb.Status = status
	inst.ctrl = ctrl
	if status == types.SandboxStatusRunning {
		inst.rpc = m.newRPC(filepath.Join(m.store.SandboxDir(sb.ID), artifacts.VsockName))
		if ctrl != nil {
			inst.sb.VmmPid = ctrl.Pid()
		}
	} else {
		inst.sb.VmmPid = 0
	}

	m.mu.Lock()
	m.sandboxes[sb.ID] = inst
	m.memoryReserved += sb.MemoryMiB
	if sb.VsockCID >= m.nextCID {
		m.nextCID = sb.VsockCID + 1
	}
	cur := inst.sb
	m.mu.Unlock()

	if err := SaveState(m.store.SandboxDir(sb.ID), &cur); err != nil {
		log.Printf("recover: persist %s: %v", sb.ID, err)
	}
	if audit, err := OpenAudit(m.store.SandboxDir(sb.ID)); err == nil {
		inst.audit = audit
		_ = audit.LogEvent("recovered")
	}
	if status == types.SandboxStatusRunning {
		m.startIdleTimer(inst)
	}
	log.Printf("recover: reattached sandbox %s as %s", sb.ID, status)
}

// sweep removes all traces of a dead sandbox.
func (m *Manager) sweep(sb *types.Sandbox) {
	os.RemoveAll(m.store.SandboxDir(sb.ID))
	os.RemoveAll(m.store.SnapshotDir(sb.WorkspaceID))
}
