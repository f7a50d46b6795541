package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fcsandbox/fcsandbox/internal/artifacts"
	"github.com/fcsandbox/fcsandbox/pkg/types"
)

// SaveState writes the descriptor to state.json in the sandbox directory
// via write-to-temp-then-rename, so a reader sees either the previous or
// the new complete contents, never a partial write.
func SaveState(sandboxDir string, sb *types.Sandbox) error {
	data, err := json.MarshalIndent(sb, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}

	tmp, err := os.CreateTemp(sandboxDir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close state: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(sandboxDir, artifacts.StateName)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// LoadState reads a descriptor back from a sandbox directory.
func LoadState(sandboxDir string) (*types.Sandbox, error) {
	data, err := os.ReadFile(filepath.Join(sandboxDir, artifacts.StateName))
	if err != nil {
		return nil, err
	}
	var sb types.Sandbox
	if err := json.Unmarshal(data, &sb); err != nil {
		return nil, fmt.Errorf("parse state.json: %w", err)
	}
	return &sb, nil
}

// LoadAllStates scans base/sandboxes/*/state.json at startup. Unreadable
// descriptors are returned in broken so the caller can sweep them.
func LoadAllStates(sandboxesDir string) (descs []*types.Sandbox, broken []string, err error) {
	entries, err := os.ReadDir(sandboxesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sb, err := LoadState(filepath.Join(sandboxesDir, e.Name()))
		if err != nil {
			broken = append(broken, e.Name())
			continue
		}
		descs = append(descs, sb)
	}
	return descs, broken, nil
}
