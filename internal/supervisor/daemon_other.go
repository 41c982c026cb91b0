//go:build !unix

package supervisor

import "os/exec"

// detach is a no-op where process sessions are not available; the child
// still runs, it just will not outlive the agent.
func detach(_ *exec.Cmd) {}
