//go:build unix

package process

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group so
// SIGTERM/SIGKILL can be delivered to the whole subprocess tree at once.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalProcessGroup(pid int, sig syscall.Signal) error {
	if pgid, err := syscall.Getpgid(pid); err == nil {
		return syscall.Kill(-pgid, sig)
	}
	return syscall.Kill(pid, sig)
}

// exitSignal extracts the terminating signal name, if any, from a process
// exit error. Mirrors the teacher's waitPtyProcess unix/windows split for
// the same syscall.WaitStatus inspection.
func exitSignal(err *exec.ExitError) string {
	if status, ok := err.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return status.Signal().String()
	}
	return ""
}
