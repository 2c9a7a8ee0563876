// Package lifecycle is the only writer of certified host records. Every
// operation takes the host lock, validates the transition against the
// host graph, delegates the mechanical work to the provider and records
// the outcome.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/kuroko/common/clock"
	"github.com/bdobrica/kuroko/common/trace"
	"github.com/bdobrica/kuroko/internal/kuroko/activity"
	"github.com/bdobrica/kuroko/internal/kuroko/agents"
	"github.com/bdobrica/kuroko/internal/kuroko/heartbeat"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/journal"
	"github.com/bdobrica/kuroko/internal/kuroko/lock"
	"github.com/bdobrica/kuroko/internal/kuroko/notify"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
	"github.com/bdobrica/kuroko/internal/kuroko/snapshot"
)

// saveTimeout bounds the detached writes made after a cancellation.
const saveTimeout = 30 * time.Second

// ErrNameInUse is returned when a host with the requested name exists.
var ErrNameInUse = errors.New("host name already in use")

// Defaults are applied to hosts created without explicit idle settings.
type Defaults struct {
	IdleMode    activity.Mode
	IdleTimeout time.Duration
}

// Watcher makes sure a supervisor runs next to a host. The engine calls
// it every time it leaves a host RUNNING; implementations must tolerate
// repeated calls.
type Watcher interface {
	Ensure(ctx context.Context, rec *host.Record) error
}

// EngineContext carries everything one controller invocation needs. It is
// built once and handed to every component.
type EngineContext struct {
	Provider provider.Provider
	// Instance is stamped into every record this engine creates. Its name
	// must match the one the provider was configured with.
	Instance host.ProviderInstance
	Locks    *lock.Manager
	Journal  journal.Recorder
	Notifier notify.Notifier
	Clock    clock.Clock
	Logger   *slog.Logger
	Defaults Defaults
	// UseTmux starts agents in tmux sessions where available.
	UseTmux bool
	// Watcher is optional.
	Watcher Watcher
}

// Manager performs lifecycle operations.
type Manager struct {
	p         provider.Provider
	inst      host.ProviderInstance
	locks     *lock.Manager
	journal   journal.Recorder
	notifier  notify.Notifier
	snapshots *snapshot.Manager
	clock     clock.Clock
	logger    *slog.Logger
	defaults  Defaults
	useTmux   bool
	watcher   Watcher
}

// New validates ec and fills in defaults.
func New(ec EngineContext) (*Manager, error) {
	if ec.Provider == nil {
		return nil, errors.New("lifecycle: provider is required")
	}
	if ec.Locks == nil {
		return nil, errors.New("lifecycle: lock manager is required")
	}
	if ec.Instance.Name == "" {
		return nil, errors.New("lifecycle: provider instance name is required")
	}
	if ec.Instance.Kind == "" {
		ec.Instance.Kind = string(ec.Provider.Kind())
	}
	if ec.Journal == nil {
		ec.Journal = journal.Discard{}
	}
	if ec.Notifier == nil {
		ec.Notifier = notify.Noop{}
	}
	if ec.Clock == nil {
		ec.Clock = clock.Real()
	}
	if ec.Logger == nil {
		ec.Logger = slog.Default()
	}
	if ec.Defaults.IdleMode == "" {
		ec.Defaults.IdleMode = activity.ModeIO
	}
	if ec.Defaults.IdleTimeout <= 0 {
		ec.Defaults.IdleTimeout = 30 * time.Minute
	}
	return &Manager{
		p:         ec.Provider,
		inst:      ec.Instance,
		locks:     ec.Locks,
		journal:   ec.Journal,
		notifier:  ec.Notifier,
		snapshots: snapshot.New(ec.Provider, ec.Logger),
		clock:     ec.Clock,
		logger:    ec.Logger,
		defaults:  ec.Defaults,
		useTmux:   ec.UseTmux,
		watcher:   ec.Watcher,
	}, nil
}

// Provider returns the provider the manager drives.
func (m *Manager) Provider() provider.Provider { return m.p }

// Result is the outcome of one operation on one host.
type Result struct {
	Record *host.Record
	// Already is set when the host was in the requested state and nothing
	// was done.
	Already bool
	// Declined is set when a Confirm called the action off.
	Declined bool
	Snapshot *host.SnapshotRef
}

// Get reads the certified record of id.
func (m *Manager) Get(ctx context.Context, id string) (*host.Record, error) {
	return m.p.ReadCertified(ctx, id)
}

// Listing pairs a backend handle with its certified record. Err is set
// when the record could not be read.
type Listing struct {
	Handle provider.Handle
	Record *host.Record
	Err    error
}

// List returns every host of the provider instance.
func (m *Manager) List(ctx context.Context) ([]Listing, error) {
	handles, err := m.p.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Listing, 0, len(handles))
	for _, h := range handles {
		rec, err := m.p.ReadCertified(ctx, h.ID)
		out = append(out, Listing{Handle: h, Record: rec, Err: err})
	}
	return out, nil
}

// FindByName returns the host named name, or nil when there is none.
// Destroyed tombstones are ignored.
func (m *Manager) FindByName(ctx context.Context, name string) (*host.Record, error) {
	handles, err := m.p.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, h := range handles {
		if h.Name != name {
			continue
		}
		rec, err := m.p.ReadCertified(ctx, h.ID)
		if err != nil {
			return nil, fmt.Errorf("host %s (%s): %w", name, h.ID, err)
		}
		if rec.State == host.StateDestroyed {
			continue
		}
		return rec, nil
	}
	return nil, nil
}

// Resolve looks a host up by id or by name.
func (m *Manager) Resolve(ctx context.Context, ref string) (*host.Record, error) {
	if strings.HasPrefix(ref, "host-") {
		return m.Get(ctx, ref)
	}
	rec, err := m.FindByName(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, provider.NotFound("resolve", ref)
	}
	return rec, nil
}

// locked runs fn with the host lock held and the record freshly read
// under it.
func (m *Manager) locked(ctx context.Context, id string, policy lock.Policy, fn func(ctx context.Context, rec *host.Record) error) error {
	return m.locks.WithHost(ctx, id, policy, func(ctx context.Context) error {
		rec, err := m.p.ReadCertified(ctx, id)
		if err != nil {
			return err
		}
		return fn(ctx, rec)
	})
}

// step describes one transition: the host enters mid, fn runs, and on
// success the host enters final. When mid equals the current state no
// intermediate write happens.
type step struct {
	op    string
	mid   host.State
	final host.State
	// failTo is the state a failed fn leaves the host in. Empty means
	// revert to the pre-transition state.
	failTo host.State
	// gone is set when fn removes the host, so there is nothing left to
	// write the final state to.
	gone bool
	fn   func(ctx context.Context, rec *host.Record) error
}

// apply runs s against rec. rec is updated in place.
func (m *Manager) apply(ctx context.Context, rec *host.Record, s step) error {
	pre := rec.State
	if s.mid != pre && !host.ValidTransition(pre, s.mid) {
		return &host.InvalidTransitionError{HostID: rec.ID, From: pre, To: s.mid, Op: s.op}
	}
	if s.final != s.mid && !host.ValidTransition(s.mid, s.final) {
		return &host.InvalidTransitionError{HostID: rec.ID, From: s.mid, To: s.final, Op: s.op}
	}

	if s.mid != pre {
		rec.State = s.mid
		if err := m.save(ctx, rec); err != nil {
			rec.State = pre
			m.record(ctx, rec, s.op, pre, pre, journal.ResultFailed, err)
			return err
		}
		m.record(ctx, rec, s.op, pre, s.mid, journal.ResultSuccess, nil)
	}

	if err := s.fn(ctx, rec); err != nil {
		return m.fail(ctx, rec, s, pre, err)
	}

	from := rec.State
	rec.State = s.final
	rec.FailureReason = ""
	if !s.gone {
		if err := m.save(ctx, rec); err != nil {
			m.record(ctx, rec, s.op, from, from, journal.ResultFailed, err)
			return fmt.Errorf("%s: record %s: %w", s.op, s.final, err)
		}
	}
	m.record(ctx, rec, s.op, from, s.final, journal.ResultSuccess, nil)
	return nil
}

// fail settles rec after fn failed. Interrupted operations leave the host
// FAILED; provider failures revert to the pre-transition state.
func (m *Manager) fail(ctx context.Context, rec *host.Record, s step, pre host.State, cause error) error {
	log := trace.Logger(ctx, m.logger).With("host_id", rec.ID, "op", s.op)
	mid := rec.State
	interrupted := ctx.Err() != nil

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	var next host.State
	result := journal.ResultReverted
	switch {
	case (interrupted || s.failTo == host.StateFailed) && host.ValidTransition(mid, host.StateFailed):
		next = host.StateFailed
		result = journal.ResultFailed
	case mid != pre && host.CanRevert(pre, mid):
		next = pre
	default:
		next = mid
		result = journal.ResultFailed
	}

	reason := cause.Error()
	if interrupted {
		reason = "interrupted: " + reason
	}
	rec.State = next
	rec.FailureReason = reason
	if err := m.save(wctx, rec); err != nil {
		log.Error("lifecycle: could not record failure", "state", next, "err", err, "cause", cause)
	}
	m.record(wctx, rec, s.op, mid, next, result, cause)
	log.Warn("lifecycle: operation failed", "from", mid, "to", next, "result", result, "err", cause)
	if next == host.StateFailed {
		m.notify(wctx, rec, notify.KindHostFailed, fmt.Sprintf("%s failed: %s", s.op, reason))
	}
	return fmt.Errorf("%s %s: %w", s.op, rec.ID, cause)
}

func (m *Manager) save(ctx context.Context, rec *host.Record) error {
	rec.UpdateTime = m.clock.Now()
	return m.p.WriteCertified(ctx, rec.ID, rec)
}

func (m *Manager) record(ctx context.Context, rec *host.Record, op string, from, to host.State, result string, cause error) {
	e := journal.Entry{
		Timestamp: m.clock.Now(),
		TraceID:   trace.FromContext(ctx),
		HostID:    rec.ID,
		HostName:  rec.Name,
		Op:        op,
		From:      from,
		To:        to,
		Result:    result,
	}
	if cause != nil {
		e.ErrorMessage = cause.Error()
	}
	if err := m.journal.Record(ctx, e); err != nil {
		trace.Logger(ctx, m.logger).Warn("lifecycle: journal write failed", "host_id", rec.ID, "err", err)
	}
}

func (m *Manager) notify(ctx context.Context, rec *host.Record, kind notify.Kind, msg string) {
	m.notifier.Notify(ctx, notify.Event{
		Kind:      kind,
		HostID:    rec.ID,
		HostName:  rec.Name,
		Message:   msg,
		Timestamp: m.clock.Now(),
	})
}

// touched runs after a controller operation left rec RUNNING. It
// refreshes the heartbeat of remote hosts and makes sure a watcher
// supervises the host.
func (m *Manager) touched(ctx context.Context, rec *host.Record) {
	log := trace.Logger(ctx, m.logger)
	if m.p.Capabilities().Remote {
		if err := heartbeat.Send(ctx, m.p, rec.ID); err != nil {
			log.Warn("lifecycle: heartbeat failed", "host_id", rec.ID, "err", err)
		}
	}
	if m.watcher != nil {
		if err := m.watcher.Ensure(ctx, rec); err != nil {
			log.Warn("lifecycle: could not start watcher", "host_id", rec.ID, "err", err)
		}
	}
}

func (m *Manager) tracker(rec *host.Record) *agents.Tracker {
	return agents.New(m.p, rec.ID, rec.SessionPrefix, agents.Options{UseTmux: m.useTmux})
}

// launch starts the given agents of rec.
func (m *Manager) launch(ctx context.Context, rec *host.Record, list []host.Agent) error {
	if len(list) == 0 {
		return nil
	}
	t := m.tracker(rec)
	log := trace.Logger(ctx, m.logger)
	for _, a := range list {
		pid, err := t.Launch(ctx, a)
		if err != nil {
			return err
		}
		log.Info("lifecycle: agent started", "host_id", rec.ID, "agent", a.Name, "pid", pid)
	}
	return nil
}
