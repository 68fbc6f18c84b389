//go:build unix

// Package proc runs child processes in their own process group so that
// termination reaches every descendant, not only the direct child.
package proc

import (
	"errors"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultGracePeriod is how long a process group gets between SIGTERM and SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// Configure puts cmd in a new process group and installs a context
// cancellation hook that sends SIGTERM to the group, escalating to SIGKILL
// once gracePeriod has elapsed. WaitDelay is set so Wait cannot hang on pipes
// held open by orphaned grandchildren.
func Configure(cmd *exec.Cmd, gracePeriod time.Duration) {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	SetGroup(cmd)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return signalGroupGracefully(cmd.Process.Pid, gracePeriod)
	}
	cmd.WaitDelay = 2 * gracePeriod
}

// SetGroup makes cmd the leader of a new process group. Use it for commands
// whose lifetime is managed with Terminate rather than a context.
func SetGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Terminate sends SIGTERM to the process group led by pid and waits for done
// to close. If it has not closed after gracePeriod the group is killed.
func Terminate(pid int, gracePeriod time.Duration, done <-chan struct{}) error {
	if pid <= 0 {
		return nil
	}
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}

	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return Kill(pid)
	}

	timer := time.NewTimer(gracePeriod)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return Kill(pid)
	}
}

// Kill sends SIGKILL to the process group led by pid. A group that is already
// gone is not an error.
func Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func signalGroupGracefully(pid int, gracePeriod time.Duration) error {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return Kill(pid)
	}
	go func() {
		time.Sleep(gracePeriod)
		// The group may already be gone; ESRCH is expected then.
		_ = unix.Kill(-pid, unix.SIGKILL)
	}()
	return nil
}
