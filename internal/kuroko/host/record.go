package host

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StopReason records why a host left RUNNING.
type StopReason string

const (
	StopUser         StopReason = "user"
	StopIdle         StopReason = "idle"
	StopHeartbeat    StopReason = "heartbeat"
	StopAgentsExited StopReason = "agents_exited"
)

// ProviderInstance is a resolved backend: its kind plus connection
// parameters. It is the only configuration the engine consumes.
type ProviderInstance struct {
	Name   string            `json:"name"`
	Kind   string            `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
}

// Mount is a host path made visible inside the host. External mounts are
// not captured by snapshots.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// SnapshotRef identifies an immutable snapshot.
type SnapshotRef struct {
	ID          string    `json:"id"`
	HostID      string    `json:"host_id"`
	CreatedAt   time.Time `json:"created_at"`
	Incremental bool      `json:"is_incremental"`
	Incomplete  bool      `json:"incomplete,omitempty"`
	// Parent is the snapshot an incremental snapshot builds on.
	Parent string `json:"parent,omitempty"`
	// BackendRef is the provider's own identifier (image id, archive path).
	BackendRef string `json:"backend_ref"`
	Provider   string `json:"provider"`
}

// Agent holds the certified fields of one agent. Fields an agent reports
// about itself live elsewhere and are never stored here.
type Agent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Command     string    `json:"command"`
	WorkDir     string    `json:"work_dir,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	CreateTime  time.Time `json:"create_time"`
}

// Record is the certified host record. Only the lifecycle manager writes
// it, always while holding the host lock.
type Record struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Provider           ProviderInstance  `json:"provider_instance"`
	State              State             `json:"state"`
	Tags               map[string]string `json:"tags,omitempty"`
	IdleMode           string            `json:"idle_mode"`
	IdleTimeoutSeconds int64             `json:"idle_timeout_seconds"`
	StopReason         StopReason        `json:"stop_reason,omitempty"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	SnapshotRefs       []SnapshotRef     `json:"snapshot_refs"`
	Agents             []Agent           `json:"agents"`
	CreateTime         time.Time         `json:"create_time"`
	UpdateTime         time.Time         `json:"update_time"`
	SessionPrefix      string            `json:"session_prefix"`

	Image   string  `json:"image,omitempty"`
	Command string  `json:"command,omitempty"`
	WorkDir string  `json:"work_dir,omitempty"`
	Mounts  []Mount `json:"mounts,omitempty"`
	GPUs    int     `json:"gpus,omitempty"`
	// RestoredFrom is set when the host was created from a snapshot.
	RestoredFrom string `json:"restored_from,omitempty"`
}

// NewID returns a fresh host id.
func NewID() string { return "host-" + uuid.NewString() }

// NewAgentID returns a fresh agent id.
func NewAgentID() string { return "agent-" + uuid.NewString() }

// NewSnapshotID returns a fresh snapshot id.
func NewSnapshotID() string { return "snap-" + uuid.NewString() }

// SessionPrefixFor derives the tmux session prefix used to find agents of
// the host with the given id.
func SessionPrefixFor(id string) string {
	short := strings.TrimPrefix(id, "host-")
	if len(short) > 8 {
		short = short[:8]
	}
	return "kuroko-" + short + "-"
}

// ValidateName checks a user-chosen host name. Names become container names
// and directory names, so the alphabet is restricted.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("host name is required")
	}
	if len(name) > 63 {
		return fmt.Errorf("host name %q longer than 63 characters", name)
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case (r == '-' || r == '_' || r == '.') && i > 0:
		default:
			return fmt.Errorf("host name %q: invalid character %q", name, r)
		}
	}
	return nil
}

// IdleTimeout returns the configured idle timeout.
func (r *Record) IdleTimeout() time.Duration {
	return time.Duration(r.IdleTimeoutSeconds) * time.Second
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Provider.Params = cloneMap(r.Provider.Params)
	c.Tags = cloneMap(r.Tags)
	c.SnapshotRefs = append([]SnapshotRef(nil), r.SnapshotRefs...)
	c.Agents = make([]Agent, len(r.Agents))
	for i, a := range r.Agents {
		a.Permissions = append([]string(nil), a.Permissions...)
		c.Agents[i] = a
	}
	c.Mounts = append([]Mount(nil), r.Mounts...)
	return &c
}

// Identity returns the fields that must never change after creation.
func (r *Record) Identity() Identity {
	return Identity{ID: r.ID, ProviderName: r.Provider.Name, ProviderKind: r.Provider.Kind}
}

// AddSnapshot appends ref, replacing an existing entry with the same id.
func (r *Record) AddSnapshot(ref SnapshotRef) {
	for i := range r.SnapshotRefs {
		if r.SnapshotRefs[i].ID == ref.ID {
			r.SnapshotRefs[i] = ref
			return
		}
	}
	r.SnapshotRefs = append(r.SnapshotRefs, ref)
}

// RemoveSnapshot drops the entry with id and reports whether it existed.
func (r *Record) RemoveSnapshot(id string) bool {
	for i := range r.SnapshotRefs {
		if r.SnapshotRefs[i].ID == id {
			r.SnapshotRefs = append(r.SnapshotRefs[:i], r.SnapshotRefs[i+1:]...)
			return true
		}
	}
	return false
}

// LatestSnapshot returns the most recent snapshot, if any.
func (r *Record) LatestSnapshot() (SnapshotRef, bool) {
	if len(r.SnapshotRefs) == 0 {
		return SnapshotRef{}, false
	}
	refs := append([]SnapshotRef(nil), r.SnapshotRefs...)
	sort.SliceStable(refs, func(i, j int) bool { return refs[i].CreatedAt.Before(refs[j].CreatedAt) })
	return refs[len(refs)-1], true
}

// Agent returns the agent with the given name.
func (r *Record) Agent(name string) (Agent, bool) {
	for _, a := range r.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return Agent{}, false
}

// UnsafeForSnapshot lists configuration that a filesystem snapshot cannot
// capture. An empty result means the host is safe to snapshot.
func (r *Record) UnsafeForSnapshot() []string {
	var reasons []string
	for _, m := range r.Mounts {
		reasons = append(reasons, "external mount "+m.Source+" -> "+m.Target)
	}
	if r.GPUs > 0 {
		reasons = append(reasons, fmt.Sprintf("%d attached GPU(s)", r.GPUs))
	}
	return reasons
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
