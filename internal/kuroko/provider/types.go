package provider

import (
	"fmt"
	"time"

	"github.com/bdobrica/kuroko/internal/kuroko/host"
)

// Kind selects a backend implementation.
type Kind string

const (
	KindLocal  Kind = "local"
	KindDocker Kind = "docker"
	KindMemory Kind = "memory"
)

// ParseKind validates a backend kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindLocal, KindDocker, KindMemory:
		return k, nil
	}
	return "", fmt.Errorf("unknown provider kind %q (want local, docker or memory)", s)
}

// Capabilities describes optional behaviour of a backend.
type Capabilities struct {
	// SupportsPause means Pause/Resume are cheap and available. Idle hosts
	// are paused instead of stopped.
	SupportsPause bool
	// NativeSnapshots means snapshots can be incremental.
	NativeSnapshots bool
	// Remote means no controller process is guaranteed to stay alive next
	// to the host, so the heartbeat watchdog must run.
	Remote bool
}

// HostSpec describes a host to create.
type HostSpec struct {
	ID            string
	Name          string
	Image         string
	Command       string
	WorkDir       string
	Env           map[string]string
	Mounts        []host.Mount
	GPUs          int
	Tags          map[string]string
	SessionPrefix string
}

// SpecFromRecord rebuilds the creation spec stored in a certified record.
func SpecFromRecord(r *host.Record) HostSpec {
	return HostSpec{
		ID:            r.ID,
		Name:          r.Name,
		Image:         r.Image,
		Command:       r.Command,
		WorkDir:       r.WorkDir,
		Mounts:        append([]host.Mount(nil), r.Mounts...),
		GPUs:          r.GPUs,
		Tags:          r.Tags,
		SessionPrefix: r.SessionPrefix,
	}
}

// Status is the backend's view of a host, independent of lifecycle state.
type Status string

const (
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusMissing Status = "missing"
	StatusUnknown Status = "unknown"
)

// Handle identifies a host in a backend.
type Handle struct {
	ID       string
	Name     string
	Provider string
	// BackendID is the provider's own identifier (container id, directory).
	BackendID string
	Status    Status
	Address   string
	StartedAt time.Time
}

// ExecRequest is a command to run inside a host.
type ExecRequest struct {
	// Script is run with "sh -c".
	Script  string
	Env     map[string]string
	WorkDir string
}

// ExecResult is the outcome of Exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Env variables every Exec receives.
const (
	EnvHostID   = "KUROKO_HOST_ID"
	EnvStateDir = "KUROKO_STATE_DIR"
)
