// Package local implements provider.Provider on the controller's own
// machine. A host is a directory tree; its agents are process groups
// started through Exec.
//
// Layout under the provider root:
//
//	hosts/<id>/identity.json   immutable identity, created exclusively
//	hosts/<id>/meta.json       display name, status, start time
//	hosts/<id>/host.json       sealed certified record
//	hosts/<id>/fs/             the host filesystem (snapshotted)
//	hosts/<id>/state/          activity signals, heartbeat, agent pids, logs
//	snapshots/<snap>.tar.zst   full filesystem archives
//	snapshots/<snap>.json      snapshot refs
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/kuroko/common/clock"
	"github.com/bdobrica/kuroko/internal/kuroko/fsutil"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

const (
	// stopGrace is how long agents get between SIGTERM and SIGKILL.
	stopGrace = 5 * time.Second

	identityFile = "identity.json"
	metaFile     = "meta.json"
	recordFile   = "host.json"
)

// Options configures a local provider.
type Options struct {
	// Name is the provider instance name recorded in identity metadata.
	Name string
	// Root is the directory holding hosts/ and snapshots/.
	Root string
	// MaxHosts caps the number of hosts. Zero means unlimited.
	MaxHosts int
	Sealer   host.Sealer
	Clock    clock.Clock
}

// Provider is the local backend.
type Provider struct {
	name     string
	root     string
	maxHosts int
	sealer   host.Sealer
	clock    clock.Clock
}

var _ provider.Provider = (*Provider)(nil)

type meta struct {
	Name      string          `json:"name"`
	Status    provider.Status `json:"status"`
	StartedAt time.Time       `json:"started_at"`
}

// New creates the provider root if needed.
func New(opts Options) (*Provider, error) {
	if opts.Root == "" {
		return nil, errors.New("local provider: root directory is required")
	}
	if opts.Name == "" {
		opts.Name = "local"
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	for _, dir := range []string{"hosts", "snapshots"} {
		if err := os.MkdirAll(filepath.Join(opts.Root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("local provider: %w", err)
		}
	}
	return &Provider{
		name:     opts.Name,
		root:     opts.Root,
		maxHosts: opts.MaxHosts,
		sealer:   opts.Sealer,
		clock:    opts.Clock,
	}, nil
}

func (p *Provider) Kind() provider.Kind { return provider.KindLocal }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{SupportsPause: pauseSupported}
}

func (p *Provider) hostDir(id string) string { return filepath.Join(p.root, "hosts", id) }

// FSDir returns the directory holding the host's filesystem.
func (p *Provider) FSDir(id string) string { return filepath.Join(p.hostDir(id), "fs") }

// StateDir returns the host's state directory. Local hosts share the
// controller's filesystem view, so it is a plain absolute path.
func (p *Provider) StateDir(id string) string { return filepath.Join(p.hostDir(id), "state") }

func (p *Provider) snapshotPath(snapID, ext string) string {
	return filepath.Join(p.root, "snapshots", snapID+ext)
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func (p *Provider) loadMeta(op, id string) (meta, error) {
	var m meta
	if !validID(id) {
		return m, provider.NotFound(op, id)
	}
	data, err := os.ReadFile(filepath.Join(p.hostDir(id), metaFile))
	if errors.Is(err, fs.ErrNotExist) {
		return m, provider.NotFound(op, id)
	}
	if err != nil {
		return m, provider.NewError(provider.Transient, provider.CodeUnavailable, op, id, err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, provider.NewError(provider.Permanent, provider.CodeInternal, op, id, err)
	}
	return m, nil
}

func (p *Provider) saveMeta(op, id string, m meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return provider.NewError(provider.Permanent, provider.CodeInternal, op, id, err)
	}
	if err := fsutil.WriteAtomic(filepath.Join(p.hostDir(id), metaFile), data, 0o644); err != nil {
		return provider.NewError(provider.Transient, provider.CodeUnavailable, op, id, err)
	}
	return nil
}

func (p *Provider) handle(id string, m meta) provider.Handle {
	return provider.Handle{
		ID:        id,
		Name:      m.Name,
		Provider:  p.name,
		BackendID: p.hostDir(id),
		Status:    m.Status,
		StartedAt: m.StartedAt,
	}
}

func (p *Provider) touchSignal(id, source string) {
	dir := filepath.Join(p.StateDir(id), "activity")
	now := p.clock.Now()
	payload := fmt.Sprintf("{\"time\": %d}\n", now.UnixMilli())
	path := filepath.Join(dir, source)
	err := os.WriteFile(path, []byte(payload), 0o644)
	if err == nil {
		err = os.Chtimes(path, now, now)
	}
	if err != nil {
		slog.Warn("local: failed to record activity signal", "id", id, "source", source, "err", err)
	}
}

func (p *Provider) Create(ctx context.Context, spec provider.HostSpec) (provider.Handle, error) {
	return p.create(ctx, "create", spec, "")
}

func (p *Provider) create(_ context.Context, op string, spec provider.HostSpec, archive string) (provider.Handle, error) {
	if !validID(spec.ID) || spec.Name == "" {
		return provider.Handle{}, provider.NewError(provider.Permanent, provider.CodeInvalidSpec, op, spec.ID,
			errors.New("id and name are required"))
	}
	if len(spec.Mounts) > 0 || spec.GPUs > 0 {
		return provider.Handle{}, provider.NewError(provider.Permanent, provider.CodeInvalidSpec, op, spec.ID,
			errors.New("local hosts do not support mounts or GPUs"))
	}
	if p.maxHosts > 0 {
		entries, err := os.ReadDir(filepath.Join(p.root, "hosts"))
		if err != nil {
			return provider.Handle{}, provider.NewError(provider.Transient, provider.CodeUnavailable, op, spec.ID, err)
		}
		if len(entries) >= p.maxHosts {
			return provider.Handle{}, provider.NewError(provider.Permanent, provider.CodeQuotaExceeded, op, spec.ID,
				fmt.Errorf("limit of %d hosts reached", p.maxHosts))
		}
	}

	dir := p.hostDir(spec.ID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return provider.Handle{}, provider.NewError(provider.Permanent, provider.CodeConflict, op, spec.ID,
				errors.New("host directory already exists"))
		}
		return provider.Handle{}, provider.NewError(provider.Transient, provider.CodeUnavailable, op, spec.ID, err)
	}
	cleanup := func(err error) (provider.Handle, error) {
		os.RemoveAll(dir)
		return provider.Handle{}, err
	}

	ident, _ := json.Marshal(host.Identity{ID: spec.ID, ProviderName: p.name, ProviderKind: string(provider.KindLocal)})
	if err := fsutil.CreateExclusive(filepath.Join(dir, identityFile), ident, 0o444); err != nil {
		return cleanup(provider.NewError(provider.Transient, provider.CodeUnavailable, op, spec.ID, err))
	}
	for _, sub := range []string{"fs", "state/activity", "state/agents", "state/logs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return cleanup(provider.NewError(provider.Transient, provider.CodeUnavailable, op, spec.ID, err))
		}
	}
	if archive != "" {
		if err := extractArchive(archive, p.FSDir(spec.ID)); err != nil {
			return cleanup(provider.NewError(provider.Permanent, provider.CodeInternal, op, spec.ID, err))
		}
	}

	m := meta{Name: spec.Name, Status: provider.StatusRunning, StartedAt: p.clock.Now()}
	if err := p.saveMeta(op, spec.ID, m); err != nil {
		return cleanup(err)
	}
	p.touchSignal(spec.ID, "host_create")
	p.touchSignal(spec.ID, "host_boot")

	slog.Info("local: host created", "id", spec.ID, "name", spec.Name, "dir", dir)
	return p.handle(spec.ID, m), nil
}

func (p *Provider) Start(_ context.Context, id string) (provider.Handle, error) {
	m, err := p.loadMeta("start", id)
	if err != nil {
		return provider.Handle{}, err
	}
	m.Status = provider.StatusRunning
	m.StartedAt = p.clock.Now()
	if err := p.saveMeta("start", id, m); err != nil {
		return provider.Handle{}, err
	}
	p.touchSignal(id, "host_boot")
	return p.handle(id, m), nil
}

func (p *Provider) Stop(ctx context.Context, id string, snapshotBefore bool) (*host.SnapshotRef, error) {
	m, err := p.loadMeta("stop", id)
	if err != nil {
		return nil, err
	}
	var ref *host.SnapshotRef
	if snapshotBefore {
		r, err := p.SnapshotCreate(ctx, id, "")
		if err != nil {
			return nil, err
		}
		ref = &r
	}
	p.stopAgents(ctx, id, m.Status == provider.StatusPaused)
	m.Status = provider.StatusStopped
	if err := p.saveMeta("stop", id, m); err != nil {
		return ref, err
	}
	return ref, nil
}

// agentPIDs reads every pid file in the host's agents directory.
func (p *Provider) agentPIDs(id string) map[string]int {
	dir := filepath.Join(p.StateDir(id), "agents")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	pids := make(map[string]int, len(entries))
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".pid") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid > 1 {
			pids[filepath.Join(dir, e.Name())] = pid
		}
	}
	return pids
}

func (p *Provider) stopAgents(ctx context.Context, id string, paused bool) {
	pids := p.agentPIDs(id)
	for _, pid := range pids {
		if paused {
			_ = thawProcess(pid)
		}
		_ = terminateProcess(pid)
	}
	deadline := time.Now().Add(stopGrace)
	for path, pid := range pids {
		for alive(pid) && time.Now().Before(deadline) && ctx.Err() == nil {
			time.Sleep(50 * time.Millisecond)
		}
		if alive(pid) {
			slog.Warn("local: agent ignored SIGTERM, killing", "id", id, "pid", pid)
			_ = killProcess(pid)
		}
		os.Remove(path)
	}
}

func (p *Provider) Destroy(ctx context.Context, id string, deleteSnapshots bool) error {
	if _, err := p.loadMeta("destroy", id); err != nil {
		return err
	}
	p.stopAgents(ctx, id, true)
	if err := os.RemoveAll(p.hostDir(id)); err != nil {
		return provider.NewError(provider.Transient, provider.CodeUnavailable, "destroy", id, err)
	}
	if !deleteSnapshots {
		return nil
	}
	refs, err := p.SnapshotList(ctx, id)
	if err != nil {
		return err
	}
	var errs []error
	for _, ref := range refs {
		if err := p.SnapshotDelete(ctx, ref); err != nil && !provider.IsNotFound(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) Pause(_ context.Context, id string) error {
	return p.setFrozen("pause", id, true)
}

func (p *Provider) Resume(_ context.Context, id string) error {
	return p.setFrozen("resume", id, false)
}

func (p *Provider) setFrozen(op, id string, frozen bool) error {
	if !pauseSupported {
		return provider.ErrUnsupported
	}
	m, err := p.loadMeta(op, id)
	if err != nil {
		return err
	}
	for _, pid := range p.agentPIDs(id) {
		if !alive(pid) {
			continue
		}
		signal := thawProcess
		if frozen {
			signal = freezeProcess
		}
		if err := signal(pid); err != nil {
			return provider.NewError(provider.Permanent, provider.CodeInternal, op, id, fmt.Errorf("pid %d: %w", pid, err))
		}
	}
	m.Status = provider.StatusRunning
	if frozen {
		m.Status = provider.StatusPaused
	}
	return p.saveMeta(op, id, m)
}

func (p *Provider) Rename(_ context.Context, id, newName string) error {
	m, err := p.loadMeta("rename", id)
	if err != nil {
		return err
	}
	m.Name = newName
	return p.saveMeta("rename", id, m)
}

func (p *Provider) Exec(ctx context.Context, id string, req provider.ExecRequest) (provider.ExecResult, error) {
	m, err := p.loadMeta("exec", id)
	if err != nil {
		return provider.ExecResult{}, err
	}
	if m.Status != provider.StatusRunning {
		return provider.ExecResult{}, provider.NewError(provider.Permanent, provider.CodeConflict, "exec", id,
			fmt.Errorf("host is %s", m.Status))
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", req.Script)
	cmd.Dir = p.FSDir(id)
	switch {
	case req.WorkDir == "":
	case filepath.IsAbs(req.WorkDir):
		cmd.Dir = req.WorkDir
	default:
		cmd.Dir = filepath.Join(p.FSDir(id), req.WorkDir)
	}
	cmd.Env = append(os.Environ(),
		provider.EnvHostID+"="+id,
		provider.EnvStateDir+"="+p.StateDir(id),
	)
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+req.Env[k])
	}
	cmd.SysProcAttr = execSysProcAttr()
	// Background agents may inherit the pipes; do not wait on them forever.
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	res := provider.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case ctx.Err() != nil:
		return res, ctx.Err()
	default:
		return res, provider.NewError(provider.Permanent, provider.CodeInternal, "exec", id, err)
	}
	return res, nil
}

func (p *Provider) Status(_ context.Context, id string) (provider.Handle, error) {
	m, err := p.loadMeta("status", id)
	if err != nil {
		return provider.Handle{}, err
	}
	return p.handle(id, m), nil
}

// List derives every handle from identity.json and meta.json on disk.
func (p *Provider) List(_ context.Context) ([]provider.Handle, error) {
	entries, err := os.ReadDir(filepath.Join(p.root, "hosts"))
	if err != nil {
		return nil, provider.NewError(provider.Transient, provider.CodeUnavailable, "list", "", err)
	}
	out := make([]provider.Handle, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ident, err := p.readIdentity(e.Name())
		if err != nil || ident.ID != e.Name() {
			slog.Warn("local: skipping directory without valid identity", "dir", e.Name(), "err", err)
			continue
		}
		m, err := p.loadMeta("list", e.Name())
		if err != nil {
			continue
		}
		out = append(out, p.handle(e.Name(), m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *Provider) readIdentity(id string) (host.Identity, error) {
	var ident host.Identity
	data, err := os.ReadFile(filepath.Join(p.hostDir(id), identityFile))
	if err != nil {
		return ident, err
	}
	err = json.Unmarshal(data, &ident)
	return ident, err
}

func (p *Provider) ReadCertified(_ context.Context, id string) (*host.Record, error) {
	if !validID(id) {
		return nil, provider.NotFound("read-certified", id)
	}
	data, err := os.ReadFile(filepath.Join(p.hostDir(id), recordFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, provider.NotFound("read-certified", id)
	}
	if err != nil {
		return nil, provider.NewError(provider.Transient, provider.CodeUnavailable, "read-certified", id, err)
	}
	rec, err := p.sealer.Open(data)
	if err != nil {
		return nil, provider.NewError(provider.Permanent, provider.CodeInternal, "read-certified", id, err)
	}
	return rec, nil
}

func (p *Provider) WriteCertified(_ context.Context, id string, rec *host.Record) error {
	stored, err := p.readIdentity(id)
	if errors.Is(err, fs.ErrNotExist) {
		return provider.NotFound("write-certified", id)
	}
	if err != nil {
		return provider.NewError(provider.Transient, provider.CodeUnavailable, "write-certified", id, err)
	}
	if err := host.CheckIdentity(stored, rec.Identity()); err != nil {
		return err
	}
	rec = rec.Clone()
	rec.UpdateTime = p.clock.Now()
	data, err := p.sealer.Seal(rec)
	if err != nil {
		return provider.NewError(provider.Permanent, provider.CodeInternal, "write-certified", id, err)
	}
	if err := fsutil.WriteAtomic(filepath.Join(p.hostDir(id), recordFile), data, 0o600); err != nil {
		return provider.NewError(provider.Transient, provider.CodeUnavailable, "write-certified", id, err)
	}
	return nil
}

// SnapshotCreate archives the host filesystem. Local snapshots are always
// full; parent is ignored.
func (p *Provider) SnapshotCreate(_ context.Context, id, _ string) (host.SnapshotRef, error) {
	if _, err := p.loadMeta("snapshot-create", id); err != nil {
		return host.SnapshotRef{}, err
	}
	ref := host.SnapshotRef{
		ID:        host.NewSnapshotID(),
		HostID:    id,
		CreatedAt: p.clock.Now(),
		Provider:  p.name,
	}
	ref.BackendRef = p.snapshotPath(ref.ID, ".tar.zst")
	if err := writeArchive(ref.BackendRef, p.FSDir(id)); err != nil {
		return host.SnapshotRef{}, provider.NewError(provider.Permanent, provider.CodeInternal, "snapshot-create", id, err)
	}
	data, _ := json.MarshalIndent(ref, "", "  ")
	if err := fsutil.WriteAtomic(p.snapshotPath(ref.ID, ".json"), data, 0o644); err != nil {
		os.Remove(ref.BackendRef)
		return host.SnapshotRef{}, provider.NewError(provider.Transient, provider.CodeUnavailable, "snapshot-create", id, err)
	}
	slog.Info("local: snapshot created", "id", id, "snapshot", ref.ID, "archive", ref.BackendRef)
	return ref, nil
}

func (p *Provider) SnapshotRestore(ctx context.Context, spec provider.HostSpec, ref host.SnapshotRef) (provider.Handle, error) {
	archive := p.snapshotPath(ref.ID, ".tar.zst")
	if !validID(ref.ID) {
		return provider.Handle{}, provider.NotFound("snapshot-restore", ref.ID)
	}
	if _, err := os.Stat(archive); err != nil {
		return provider.Handle{}, provider.NotFound("snapshot-restore", ref.ID)
	}
	return p.create(ctx, "snapshot-restore", spec, archive)
}

func (p *Provider) SnapshotDelete(_ context.Context, ref host.SnapshotRef) error {
	if !validID(ref.ID) {
		return provider.NotFound("snapshot-delete", ref.ID)
	}
	err := os.Remove(p.snapshotPath(ref.ID, ".tar.zst"))
	if errors.Is(err, fs.ErrNotExist) {
		return provider.NotFound("snapshot-delete", ref.ID)
	}
	if err != nil {
		return provider.NewError(provider.Transient, provider.CodeUnavailable, "snapshot-delete", ref.ID, err)
	}
	os.Remove(p.snapshotPath(ref.ID, ".json"))
	return nil
}

func (p *Provider) SnapshotList(_ context.Context, hostID string) ([]host.SnapshotRef, error) {
	matches, err := filepath.Glob(filepath.Join(p.root, "snapshots", "*.json"))
	if err != nil {
		return nil, provider.NewError(provider.Permanent, provider.CodeInternal, "snapshot-list", hostID, err)
	}
	var out []host.SnapshotRef
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		var ref host.SnapshotRef
		if err := json.Unmarshal(data, &ref); err != nil {
			continue
		}
		if hostID == "" || ref.HostID == hostID {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
