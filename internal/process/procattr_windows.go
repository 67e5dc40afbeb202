//go:build windows

package process

import (
	"fmt"
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// signalProcessGroup on Windows has no SIGTERM equivalent; force-kill the
// process tree directly regardless of which signal was requested.
func signalProcessGroup(pid int, _ syscall.Signal) error {
	kill := exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", pid))
	return kill.Run()
}

// exitSignal has no meaningful value on Windows; exec.Cmd.Wait never
// reports a POSIX signal there.
func exitSignal(*exec.ExitError) string {
	return ""
}
