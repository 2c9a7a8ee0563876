//go:build !windows

package app

import (
	"os/exec"
	"syscall"
)

// detach puts the watcher in its own session so it outlives the command
// that started it.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
