//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
)

// detach places the child in its own session so it survives the agent
// exiting.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
