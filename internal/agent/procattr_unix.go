//go:build unix && !linux

package agent

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the agent in its own process group so the whole
// subprocess tree can be killed together. Pdeathsig is Linux-only; on
// other platforms orphan cleanup relies on explicit termination.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to the agent's process group.
func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcessGroup sends SIGKILL to the agent's process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
