// Package memory implements an in-process provider.Provider. It backs
// dry runs and the engine's own tests: failures can be injected per
// operation and every call is counted.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bdobrica/kuroko/common/clock"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

// StateDir is the state directory reported for every memory host.
const StateDir = "/var/lib/kuroko"

// ExecFunc scripts the behaviour of Exec.
type ExecFunc func(id string, req provider.ExecRequest) (provider.ExecResult, error)

// Options configures a Provider.
type Options struct {
	// Name is the provider instance name. Defaults to "memory".
	Name string
	// Caps overrides the default capabilities (pause and native snapshots).
	Caps  *provider.Capabilities
	Clock clock.Clock
}

type memHost struct {
	handle   provider.Handle
	identity host.Identity
	record   *host.Record
	files    map[string][]byte
}

type memSnapshot struct {
	ref   host.SnapshotRef
	files map[string][]byte
}

// Provider is the in-memory backend.
type Provider struct {
	name  string
	caps  provider.Capabilities
	clock clock.Clock

	mu        sync.Mutex
	hosts     map[string]*memHost
	snapshots map[string]*memSnapshot
	failures  map[string][]error
	calls     map[string]int
	exec      ExecFunc
}

var _ provider.Provider = (*Provider)(nil)

// New returns an empty memory provider.
func New(opts Options) *Provider {
	p := &Provider{
		name:      opts.Name,
		caps:      provider.Capabilities{SupportsPause: true, NativeSnapshots: true},
		clock:     opts.Clock,
		hosts:     map[string]*memHost{},
		snapshots: map[string]*memSnapshot{},
		failures:  map[string][]error{},
		calls:     map[string]int{},
	}
	if p.name == "" {
		p.name = "memory"
	}
	if opts.Caps != nil {
		p.caps = *opts.Caps
	}
	if p.clock == nil {
		p.clock = clock.Real()
	}
	return p
}

// FailNext makes the next call to op return err. Calls queue in order.
func (p *Provider) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], err)
}

// Calls returns how many times op was invoked.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// SetExec installs the Exec handler. Without one, Exec succeeds with no output.
func (p *Provider) SetExec(fn ExecFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exec = fn
}

// WriteFile stores data at path in the host's filesystem.
func (p *Provider) WriteFile(id, path string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.hosts[id]
	if !ok {
		return provider.NotFound("write-file", id)
	}
	h.files[path] = append([]byte(nil), data...)
	return nil
}

// ReadFile returns the contents of path in the host's filesystem.
func (p *Provider) ReadFile(id, path string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.hosts[id]
	if !ok {
		return nil, false
	}
	data, ok := h.files[path]
	return append([]byte(nil), data...), ok
}

// begin counts the call and pops an injected failure. Callers hold p.mu.
func (p *Provider) begin(op string) error {
	p.calls[op]++
	if q := p.failures[op]; len(q) > 0 {
		p.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (p *Provider) get(op, id string) (*memHost, error) {
	h, ok := p.hosts[id]
	if !ok {
		return nil, provider.NotFound(op, id)
	}
	return h, nil
}

func (p *Provider) Kind() provider.Kind { return provider.KindMemory }

func (p *Provider) Capabilities() provider.Capabilities { return p.caps }

func (p *Provider) StateDir(string) string { return StateDir }

func (p *Provider) Create(_ context.Context, spec provider.HostSpec) (provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("create"); err != nil {
		return provider.Handle{}, err
	}
	return p.createLocked(spec, nil)
}

func (p *Provider) createLocked(spec provider.HostSpec, files map[string][]byte) (provider.Handle, error) {
	if spec.ID == "" || spec.Name == "" {
		return provider.Handle{}, provider.NewError(provider.Permanent, provider.CodeInvalidSpec, "create", spec.ID,
			fmt.Errorf("id and name are required"))
	}
	if _, exists := p.hosts[spec.ID]; exists {
		return provider.Handle{}, provider.NewError(provider.Permanent, provider.CodeConflict, "create", spec.ID,
			fmt.Errorf("host already exists"))
	}
	now := p.clock.Now()
	if files == nil {
		files = map[string][]byte{}
	}
	h := &memHost{
		handle: provider.Handle{
			ID: spec.ID, Name: spec.Name, Provider: p.name,
			BackendID: "mem-" + spec.ID, Status: provider.StatusRunning, StartedAt: now,
		},
		identity: host.Identity{ID: spec.ID, ProviderName: p.name, ProviderKind: string(provider.KindMemory)},
		files:    files,
	}
	p.hosts[spec.ID] = h
	return h.handle, nil
}

func (p *Provider) Start(_ context.Context, id string) (provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("start"); err != nil {
		return provider.Handle{}, err
	}
	h, err := p.get("start", id)
	if err != nil {
		return provider.Handle{}, err
	}
	h.handle.Status = provider.StatusRunning
	h.handle.StartedAt = p.clock.Now()
	return h.handle, nil
}

func (p *Provider) Stop(_ context.Context, id string, snapshotBefore bool) (*host.SnapshotRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("stop"); err != nil {
		return nil, err
	}
	h, err := p.get("stop", id)
	if err != nil {
		return nil, err
	}
	var ref *host.SnapshotRef
	if snapshotBefore {
		r := p.snapshotLocked(h, "")
		ref = &r
	}
	h.handle.Status = provider.StatusStopped
	return ref, nil
}

func (p *Provider) Destroy(_ context.Context, id string, deleteSnapshots bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("destroy"); err != nil {
		return err
	}
	if _, err := p.get("destroy", id); err != nil {
		return err
	}
	delete(p.hosts, id)
	if deleteSnapshots {
		for sid, s := range p.snapshots {
			if s.ref.HostID == id {
				delete(p.snapshots, sid)
			}
		}
	}
	return nil
}

func (p *Provider) Pause(_ context.Context, id string) error {
	return p.setPaused("pause", id, true)
}

func (p *Provider) Resume(_ context.Context, id string) error {
	return p.setPaused("resume", id, false)
}

func (p *Provider) setPaused(op, id string, paused bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(op); err != nil {
		return err
	}
	if !p.caps.SupportsPause {
		return provider.ErrUnsupported
	}
	h, err := p.get(op, id)
	if err != nil {
		return err
	}
	if paused {
		h.handle.Status = provider.StatusPaused
	} else {
		h.handle.Status = provider.StatusRunning
	}
	return nil
}

func (p *Provider) Rename(_ context.Context, id, newName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("rename"); err != nil {
		return err
	}
	h, err := p.get("rename", id)
	if err != nil {
		return err
	}
	h.handle.Name = newName
	return nil
}

func (p *Provider) Exec(_ context.Context, id string, req provider.ExecRequest) (provider.ExecResult, error) {
	p.mu.Lock()
	if err := p.begin("exec"); err != nil {
		p.mu.Unlock()
		return provider.ExecResult{}, err
	}
	h, err := p.get("exec", id)
	if err != nil {
		p.mu.Unlock()
		return provider.ExecResult{}, err
	}
	if h.handle.Status != provider.StatusRunning {
		p.mu.Unlock()
		return provider.ExecResult{}, provider.NewError(provider.Permanent, provider.CodeConflict, "exec", id,
			fmt.Errorf("host is %s", h.handle.Status))
	}
	fn := p.exec
	p.mu.Unlock()

	if fn == nil {
		return provider.ExecResult{}, nil
	}
	return fn(id, req)
}

func (p *Provider) Status(_ context.Context, id string) (provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("status"); err != nil {
		return provider.Handle{}, err
	}
	h, err := p.get("status", id)
	if err != nil {
		return provider.Handle{}, err
	}
	return h.handle, nil
}

func (p *Provider) List(_ context.Context) ([]provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("list"); err != nil {
		return nil, err
	}
	out := make([]provider.Handle, 0, len(p.hosts))
	for _, h := range p.hosts {
		out = append(out, h.handle)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *Provider) SnapshotCreate(_ context.Context, id, parent string) (host.SnapshotRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("snapshot-create"); err != nil {
		return host.SnapshotRef{}, err
	}
	h, err := p.get("snapshot-create", id)
	if err != nil {
		return host.SnapshotRef{}, err
	}
	return p.snapshotLocked(h, parent), nil
}

func (p *Provider) snapshotLocked(h *memHost, parent string) host.SnapshotRef {
	files := make(map[string][]byte, len(h.files))
	for k, v := range h.files {
		files[k] = append([]byte(nil), v...)
	}
	if _, ok := p.snapshots[parent]; !ok || !p.caps.NativeSnapshots {
		parent = ""
	}
	ref := host.SnapshotRef{
		ID:          host.NewSnapshotID(),
		HostID:      h.handle.ID,
		CreatedAt:   p.clock.Now(),
		Incremental: parent != "",
		Parent:      parent,
		Provider:    p.name,
	}
	ref.BackendRef = "mem:" + ref.ID
	p.snapshots[ref.ID] = &memSnapshot{ref: ref, files: files}
	return ref
}

func (p *Provider) SnapshotRestore(_ context.Context, spec provider.HostSpec, ref host.SnapshotRef) (provider.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("snapshot-restore"); err != nil {
		return provider.Handle{}, err
	}
	s, ok := p.snapshots[ref.ID]
	if !ok {
		return provider.Handle{}, provider.NotFound("snapshot-restore", ref.ID)
	}
	files := make(map[string][]byte, len(s.files))
	for k, v := range s.files {
		files[k] = append([]byte(nil), v...)
	}
	return p.createLocked(spec, files)
}

func (p *Provider) SnapshotDelete(_ context.Context, ref host.SnapshotRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("snapshot-delete"); err != nil {
		return err
	}
	if _, ok := p.snapshots[ref.ID]; !ok {
		return provider.NotFound("snapshot-delete", ref.ID)
	}
	delete(p.snapshots, ref.ID)
	return nil
}

func (p *Provider) SnapshotList(_ context.Context, hostID string) ([]host.SnapshotRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("snapshot-list"); err != nil {
		return nil, err
	}
	var out []host.SnapshotRef
	for _, s := range p.snapshots {
		if hostID == "" || s.ref.HostID == hostID {
			out = append(out, s.ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (p *Provider) ReadCertified(_ context.Context, id string) (*host.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("read-certified"); err != nil {
		return nil, err
	}
	h, err := p.get("read-certified", id)
	if err != nil {
		return nil, err
	}
	if h.record == nil {
		return nil, provider.NewError(provider.Permanent, provider.CodeNotFound, "read-certified", id,
			fmt.Errorf("no certified record"))
	}
	return h.record.Clone(), nil
}

func (p *Provider) WriteCertified(_ context.Context, id string, rec *host.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin("write-certified"); err != nil {
		return err
	}
	h, err := p.get("write-certified", id)
	if err != nil {
		return err
	}
	if err := host.CheckIdentity(h.identity, rec.Identity()); err != nil {
		return err
	}
	h.record = rec.Clone()
	h.record.UpdateTime = p.clock.Now()
	return nil
}
