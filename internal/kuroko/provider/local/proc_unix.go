//go:build !windows

package local

import (
	"bytes"
	"errors"
	"os"
	"strconv"
	"syscall"
)

const pauseSupported = true

// Agents run as their own process group leaders, so signalling -pid
// reaches every process they spawned. Fall back to the single pid when the
// agent is not a group leader.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	return !zombie(pid)
}

// zombie reports whether pid has exited but not been reaped. Only Linux
// exposes this cheaply; elsewhere it always returns false.
func zombie(pid int) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// The state field follows the parenthesised command name.
	i := bytes.LastIndexByte(data, ')')
	return i >= 0 && i+2 < len(data) && data[i+2] == 'Z'
}

func freezeProcess(pid int) error    { return signalGroup(pid, syscall.SIGSTOP) }
func thawProcess(pid int) error      { return signalGroup(pid, syscall.SIGCONT) }
func terminateProcess(pid int) error { return signalGroup(pid, syscall.SIGTERM) }
func killProcess(pid int) error      { return signalGroup(pid, syscall.SIGKILL) }

func execSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
