//go:build windows

package local

import (
	"syscall"

	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

const pauseSupported = false

func alive(int) bool { return false }

func freezeProcess(int) error    { return provider.ErrUnsupported }
func thawProcess(int) error      { return provider.ErrUnsupported }
func terminateProcess(int) error { return provider.ErrUnsupported }
func killProcess(int) error      { return provider.ErrUnsupported }

func execSysProcAttr() *syscall.SysProcAttr { return nil }
