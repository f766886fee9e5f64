package platform

import (
	"fmt"
	"os"
	"path/filepath"
)

// SpawnDetached starts spec detached from the caller. Stdio is bound to plain
// files (never pipes) so the child holds the descriptors itself and keeps
// running after the supervisor exits.
func (n native) SpawnDetached(spec Spec) (Process, error) {
	cmd, err := BuildCommand(spec.Command)
	if err != nil {
		return Process{}, err
	}
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	stdout, err := openOutput(spec.Stdout)
	if err != nil {
		return Process{}, fmt.Errorf("open stdout: %w", err)
	}
	defer func() { _ = stdout.Close() }()
	stderr := stdout
	if spec.Stderr != spec.Stdout {
		stderr, err = openOutput(spec.Stderr)
		if err != nil {
			return Process{}, fmt.Errorf("open stderr: %w", err)
		}
		defer func() { _ = stderr.Close() }()
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return Process{}, err
	}
	pid := cmd.Process.Pid
	// Reap the child if it exits while we are still around; once this process
	// exits the child is re-parented and reaped by the OS.
	go func() { _ = cmd.Wait() }()
	return Process{PID: pid, StartedAt: n.StartTime(pid)}, nil
}

func openOutput(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	// #nosec G304 -- path is derived from configured log directory
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}
