package agent

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/fcsandbox/fcsandbox/internal/guestrpc"
)

const defaultExecTimeout = 300 * time.Second

// baseEnv returns the OS environment with HOME pointed at the workspace so
// tools (pip, npm, git) keep their caches on the workspace drive.
func baseEnv(workspaceDir string) []string {
	var env []string
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "HOME=") {
			continue
		}
		env = append(env, e)
	}
	return append(env, "HOME="+workspaceDir)
}

// handleExec runs a shell-evaluated command and reports exit code, stdout,
// and stderr. A timeout kills the whole process group and reports
// exit_code -1.
func (s *Server) handleExec(req *guestrpc.Request) *guestrpc.Response {
	if req.Command == "" {
		return &guestrpc.Response{Success: false, Error: "command is required"}
	}

	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", req.Command)
	cmd.Dir = req.WorkingDir
	if cmd.Dir == "" {
		cmd.Dir = s.workspaceDir
	}
	cmd.Env = baseEnv(s.workspaceDir)

	// Own process group so the timeout kill reaches the entire tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// Do not wait on inherited pipes once the group is dead.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	exitCode := 0
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			code := -1
			return &guestrpc.Response{
				Success:  false,
				Error:    "Command timed out",
				ExitCode: &code,
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return &guestrpc.Response{Success: false, Error: err.Error()}
		}
	}

	return &guestrpc.Response{
		Success:  true,
		ExitCode: &exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
}
