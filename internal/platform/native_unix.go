//go:build !windows

package platform

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// detach starts the child in a new session: it gets no controlling terminal,
// leads its own process group, and is not signalled when the caller's group is.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func (n native) IsAlive(pid int, startedAt int64) bool {
	if !pidExists(pid) {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	if startedAt > 0 && !SameStart(startedAt, n.StartTime(pid)) {
		return false
	}
	return true
}

func (n native) StartTime(pid int) int64 { return procStartUnix(pid) }

// Terminate signals the process group led by pid (daemons are spawned with
// setsid) and falls back to the single pid when no such group exists.
func (n native) Terminate(pid int, mode TerminateMode) error {
	if pid <= 0 {
		return nil
	}
	sig := unix.SIGTERM
	if mode == Forced {
		sig = unix.SIGKILL
	}
	err := unix.Kill(-pid, sig)
	if err == nil {
		return nil
	}
	err = unix.Kill(pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// pidExists returns true if a process with pid exists (EPERM means it exists
// but belongs to someone else).
func pidExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// isZombieLinux reports whether /proc/<pid>/status shows state Z.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
