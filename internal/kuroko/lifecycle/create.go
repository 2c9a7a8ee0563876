package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/kuroko/common/trace"
	"github.com/bdobrica/kuroko/internal/kuroko/activity"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/journal"
	"github.com/bdobrica/kuroko/internal/kuroko/lock"
	"github.com/bdobrica/kuroko/internal/kuroko/notify"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
	"github.com/bdobrica/kuroko/internal/kuroko/snapshot"
)

// AgentSpec describes an agent to start in a host.
type AgentSpec struct {
	Name        string
	Type        string
	Command     string
	WorkDir     string
	Permissions []string
	ParentID    string
}

// CreateRequest describes a host to create.
type CreateRequest struct {
	Name    string
	Image   string
	Command string
	WorkDir string
	Env     map[string]string
	Mounts  []host.Mount
	GPUs    int
	Tags    map[string]string

	// IdleMode and IdleTimeout fall back to the engine defaults.
	IdleMode    string
	IdleTimeout time.Duration

	Agents []AgentSpec
	// Reuse returns an existing host with the same name instead of
	// failing, starting it if needed.
	Reuse bool
}

// mainAgent is the name of the agent started from CreateRequest.Command.
const mainAgent = "main"

func (m *Manager) newAgents(specs []AgentSpec, existing []host.Agent) ([]host.Agent, error) {
	seen := make(map[string]bool, len(existing)+len(specs))
	for _, a := range existing {
		seen[a.Name] = true
	}
	out := make([]host.Agent, 0, len(specs))
	for _, s := range specs {
		if s.Name == "" || s.Command == "" {
			return nil, errors.New("agent name and command are required")
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("agent %q already exists", s.Name)
		}
		seen[s.Name] = true
		typ := s.Type
		if typ == "" {
			typ = "command"
		}
		out = append(out, host.Agent{
			ID:          host.NewAgentID(),
			Name:        s.Name,
			Type:        typ,
			Command:     s.Command,
			WorkDir:     s.WorkDir,
			Permissions: append([]string(nil), s.Permissions...),
			ParentID:    s.ParentID,
			CreateTime:  m.clock.Now(),
		})
	}
	return out, nil
}

func (m *Manager) newRecord(req CreateRequest) (*host.Record, error) {
	if err := host.ValidateName(req.Name); err != nil {
		return nil, err
	}
	mode := m.defaults.IdleMode
	if req.IdleMode != "" {
		parsed, err := activity.ParseMode(req.IdleMode)
		if err != nil {
			return nil, err
		}
		mode = parsed
	}
	timeout := m.defaults.IdleTimeout
	if req.IdleTimeout > 0 {
		timeout = req.IdleTimeout
	}

	specs := req.Agents
	if req.Command != "" {
		specs = append([]AgentSpec{{Name: mainAgent, Command: req.Command, WorkDir: req.WorkDir}}, specs...)
	}
	list, err := m.newAgents(specs, nil)
	if err != nil {
		return nil, err
	}

	id := host.NewID()
	now := m.clock.Now()
	return &host.Record{
		ID:                 id,
		Name:               req.Name,
		Provider:           m.inst,
		State:              host.StatePending,
		Tags:               req.Tags,
		IdleMode:           string(mode),
		IdleTimeoutSeconds: int64(timeout / time.Second),
		Agents:             list,
		CreateTime:         now,
		UpdateTime:         now,
		SessionPrefix:      host.SessionPrefixFor(id),
		Image:              req.Image,
		Command:            req.Command,
		WorkDir:            req.WorkDir,
		Mounts:             req.Mounts,
		GPUs:               req.GPUs,
	}, nil
}

// withName holds the lock of a host name for the duration of fn.
func (m *Manager) withName(ctx context.Context, name string, policy lock.Policy, fn func(ctx context.Context) error) error {
	return m.locks.WithResource(ctx, lock.NameResource(name), policy, fn)
}

// withDeployment holds the deployment lock of id, which keeps the idle
// detector from acting while agents are being set up.
func (m *Manager) withDeployment(ctx context.Context, id string, policy lock.Policy, fn func(ctx context.Context) error) error {
	return m.locks.WithDeployment(ctx, id, policy, fn)
}

// Create provisions a new host and starts its agents. With Reuse, an
// existing host of the same name is returned instead, started or resumed
// if it is not running.
func (m *Manager) Create(ctx context.Context, req CreateRequest, policy lock.Policy) (Result, error) {
	rec, err := m.newRecord(req)
	if err != nil {
		return Result{}, err
	}
	env := req.Env

	var res Result
	err = m.withName(ctx, req.Name, policy, func(ctx context.Context) error {
		existing, err := m.FindByName(ctx, req.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			if !req.Reuse {
				return fmt.Errorf("%w: %s is %s", ErrNameInUse, req.Name, existing.ID)
			}
			res, err = m.reuse(ctx, existing, req, policy)
			return err
		}
		spec := provider.SpecFromRecord(rec)
		spec.Env = env
		res, err = m.provisionNew(ctx, rec, "create", policy, func(ctx context.Context) error {
			_, err := m.p.Create(ctx, spec)
			return err
		})
		return err
	})
	return res, err
}

func (m *Manager) reuse(ctx context.Context, rec *host.Record, req CreateRequest, policy lock.Policy) (Result, error) {
	log := trace.Logger(ctx, m.logger).With("host_id", rec.ID, "name", rec.Name)
	if rec.Image != req.Image || rec.Command != req.Command {
		log.Warn("lifecycle: reusing host created from a different spec",
			"image", rec.Image, "requested_image", req.Image)
	}
	switch rec.State {
	case host.StateRunning:
		log.Info("lifecycle: reusing running host")
		m.touched(ctx, rec)
		return Result{Record: rec, Already: true}, nil
	case host.StateIdlePaused:
		return m.Resume(ctx, rec.ID, policy)
	case host.StateStopped:
		return m.Start(ctx, rec.ID, policy)
	}
	return Result{}, &host.InvalidTransitionError{HostID: rec.ID, From: rec.State, To: host.StateRunning, Op: "create --reuse"}
}

// provisionNew brings a PENDING record to RUNNING. boot creates the
// backend host; the record is first written once it exists.
func (m *Manager) provisionNew(ctx context.Context, rec *host.Record, op string, policy lock.Policy, boot func(ctx context.Context) error) (Result, error) {
	log := trace.Logger(ctx, m.logger).With("host_id", rec.ID, "name", rec.Name, "op", op)
	err := m.locks.WithHost(ctx, rec.ID, policy, func(ctx context.Context) error {
		if err := boot(ctx); err != nil {
			m.record(ctx, rec, op, host.StatePending, host.StatePending, journal.ResultFailed, err)
			return fmt.Errorf("%s %s: %w", op, rec.Name, err)
		}

		rec.State = host.StateProvisioning
		if err := m.save(ctx, rec); err != nil {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
			defer cancel()
			if derr := m.p.Destroy(dctx, rec.ID, false); derr != nil {
				log.Error("lifecycle: could not remove host without a record", "err", derr)
			}
			m.record(dctx, rec, op, host.StatePending, host.StatePending, journal.ResultFailed, err)
			return fmt.Errorf("%s %s: write record: %w", op, rec.Name, err)
		}
		m.record(ctx, rec, op, host.StatePending, host.StateProvisioning, journal.ResultSuccess, nil)

		return m.apply(ctx, rec, step{
			op:     op,
			mid:    host.StateProvisioning,
			final:  host.StateRunning,
			failTo: host.StateFailed,
			fn: func(ctx context.Context, rec *host.Record) error {
				return m.withDeployment(ctx, rec.ID, policy, func(ctx context.Context) error {
					return m.launch(ctx, rec, rec.Agents)
				})
			},
		})
	})
	if err != nil {
		return Result{}, err
	}
	log.Info("lifecycle: host created", "agents", len(rec.Agents))
	m.touched(ctx, rec)
	m.notify(ctx, rec, notify.KindHostCreated, fmt.Sprintf("provider %s", rec.Provider.Name))
	return Result{Record: rec}, nil
}

// RestoreRequest creates a host from a snapshot.
type RestoreRequest struct {
	SnapshotID string
	Name       string
	Tags       map[string]string
}

// SnapshotRestore creates a new host from a snapshot. The source host is
// never touched; its configuration is copied when it still exists.
func (m *Manager) SnapshotRestore(ctx context.Context, req RestoreRequest, policy lock.Policy) (Result, error) {
	ref, err := m.findSnapshot(ctx, req.SnapshotID)
	if err != nil {
		return Result{}, err
	}
	log := trace.Logger(ctx, m.logger).With("snapshot_id", ref.ID, "source_host", ref.HostID)

	source, err := m.p.ReadCertified(ctx, ref.HostID)
	switch {
	case err == nil:
		if known, ok := snapshot.Find(source, ref.ID); ok && known.Incomplete {
			log.Warn("lifecycle: restoring an incomplete snapshot")
		}
	case provider.IsNotFound(err):
		source = nil
	default:
		return Result{}, err
	}

	base := CreateRequest{Name: req.Name, Tags: req.Tags}
	if source != nil {
		base.Image, base.WorkDir = source.Image, source.WorkDir
		base.Mounts, base.GPUs = source.Mounts, source.GPUs
		base.IdleMode, base.IdleTimeout = source.IdleMode, source.IdleTimeout()
		if base.Tags == nil {
			base.Tags = source.Tags
		}
		for _, a := range source.Agents {
			base.Agents = append(base.Agents, AgentSpec{
				Name: a.Name, Type: a.Type, Command: a.Command, WorkDir: a.WorkDir, Permissions: a.Permissions,
			})
		}
	}
	rec, err := m.newRecord(base)
	if err != nil {
		return Result{}, err
	}
	if source != nil {
		rec.Command = source.Command
	}
	rec.RestoredFrom = ref.ID

	var res Result
	err = m.withName(ctx, req.Name, policy, func(ctx context.Context) error {
		existing, err := m.FindByName(ctx, req.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s is %s", ErrNameInUse, req.Name, existing.ID)
		}
		res, err = m.provisionNew(ctx, rec, "restore", policy, func(ctx context.Context) error {
			_, err := m.snapshots.Restore(ctx, ref, provider.SpecFromRecord(rec))
			return err
		})
		return err
	})
	if err == nil {
		res.Snapshot = &ref
	}
	return res, err
}

func (m *Manager) findSnapshot(ctx context.Context, id string) (host.SnapshotRef, error) {
	refs, err := m.p.SnapshotList(ctx, "")
	if err != nil {
		return host.SnapshotRef{}, err
	}
	for _, r := range refs {
		if r.ID == id {
			return r, nil
		}
	}
	return host.SnapshotRef{}, provider.NotFound("snapshot", id)
}
