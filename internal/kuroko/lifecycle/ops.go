package lifecycle

import (
	"context"
	"fmt"

	"github.com/bdobrica/kuroko/common/trace"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/journal"
	"github.com/bdobrica/kuroko/internal/kuroko/lock"
	"github.com/bdobrica/kuroko/internal/kuroko/notify"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
	"github.com/bdobrica/kuroko/internal/kuroko/snapshot"
)

// Start boots a stopped host and relaunches its agents. A paused host is
// resumed.
func (m *Manager) Start(ctx context.Context, id string, policy lock.Policy) (Result, error) {
	var res Result
	err := m.locked(ctx, id, policy, func(ctx context.Context, rec *host.Record) error {
		switch rec.State {
		case host.StateRunning:
			res = Result{Record: rec, Already: true}
			return nil
		case host.StateIdlePaused:
			return m.resumeLocked(ctx, rec, &res)
		}
		err := m.apply(ctx, rec, step{
			op:    "start",
			mid:   host.StateProvisioning,
			final: host.StateRunning,
			fn: func(ctx context.Context, rec *host.Record) error {
				if _, err := m.p.Start(ctx, rec.ID); err != nil {
					return err
				}
				rec.StopReason = ""
				err := m.withDeployment(ctx, rec.ID, policy, func(ctx context.Context) error {
					return m.launch(ctx, rec, rec.Agents)
				})
				if err != nil {
					m.undoStart(ctx, rec)
				}
				return err
			},
		})
		if err != nil {
			return err
		}
		m.touched(ctx, rec)
		m.notify(ctx, rec, notify.KindHostStarted, "")
		res = Result{Record: rec}
		return nil
	})
	return res, err
}

// undoStart stops a backend host whose agents could not be started, so
// the reverted STOPPED state matches the backend.
func (m *Manager) undoStart(ctx context.Context, rec *host.Record) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if _, err := m.p.Stop(sctx, rec.ID, false); err != nil {
		trace.Logger(ctx, m.logger).Error("lifecycle: could not stop host after failed start", "host_id", rec.ID, "err", err)
	}
}

// StopOptions controls Stop.
type StopOptions struct {
	Reason host.StopReason
	// SnapshotBefore takes a snapshot before the host goes down.
	SnapshotBefore bool
	OnUnsafe       snapshot.OnUnsafe
	// Confirm, when set, can still call the stop off once the host lock
	// is held. The result is then Declined.
	Confirm Confirm
}

// Confirm reports whether an action decided earlier is still wanted. It
// runs with the host lock held and sees the current record.
type Confirm func(ctx context.Context, rec *host.Record) (bool, error)

// declined runs confirm, if any.
func declined(ctx context.Context, confirm Confirm, rec *host.Record) (bool, error) {
	if confirm == nil {
		return false, nil
	}
	ok, err := confirm(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("confirm: %w", err)
	}
	return !ok, nil
}

// Stop halts a running or paused host.
func (m *Manager) Stop(ctx context.Context, id string, opts StopOptions, policy lock.Policy) (Result, error) {
	if opts.Reason == "" {
		opts.Reason = host.StopUser
	}
	var res Result
	err := m.locked(ctx, id, policy, func(ctx context.Context, rec *host.Record) error {
		if rec.State == host.StateStopped {
			res = Result{Record: rec, Already: true}
			return nil
		}
		if no, err := declined(ctx, opts.Confirm, rec); err != nil || no {
			res = Result{Record: rec, Declined: no}
			return err
		}
		err := m.apply(ctx, rec, step{
			op:    "stop",
			mid:   host.StateStopping,
			final: host.StateStopped,
			fn: func(ctx context.Context, rec *host.Record) error {
				if opts.SnapshotBefore {
					ref, err := m.snapshots.Create(ctx, rec, snapshot.CreateOptions{NoPause: true, OnUnsafe: opts.OnUnsafe})
					if err != nil {
						return fmt.Errorf("snapshot before stop: %w", err)
					}
					res.Snapshot = &ref
				}
				if _, err := m.p.Stop(ctx, rec.ID, false); err != nil {
					return err
				}
				rec.StopReason = opts.Reason
				return nil
			},
		})
		if err != nil {
			return err
		}
		m.notify(ctx, rec, stopKind(opts.Reason), fmt.Sprintf("reason %s", opts.Reason))
		res.Record = rec
		return nil
	})
	return res, err
}

func stopKind(r host.StopReason) notify.Kind {
	switch r {
	case host.StopIdle:
		return notify.KindIdleStop
	case host.StopHeartbeat:
		return notify.KindHeartbeatStop
	case host.StopAgentsExited:
		return notify.KindAgentsExited
	}
	return notify.KindHostStopped
}

// Pause freezes a running host. The provider must support pause.
func (m *Manager) Pause(ctx context.Context, id string, reason host.StopReason, policy lock.Policy) (Result, error) {
	return m.PauseIf(ctx, id, reason, nil, policy)
}

// PauseIf is Pause with a Confirm that can call it off under the host
// lock.
func (m *Manager) PauseIf(ctx context.Context, id string, reason host.StopReason, confirm Confirm, policy lock.Policy) (Result, error) {
	if !m.p.Capabilities().SupportsPause {
		return Result{}, fmt.Errorf("pause %s: %w", id, provider.ErrUnsupported)
	}
	if reason == "" {
		reason = host.StopUser
	}
	var res Result
	err := m.locked(ctx, id, policy, func(ctx context.Context, rec *host.Record) error {
		if rec.State == host.StateIdlePaused {
			res = Result{Record: rec, Already: true}
			return nil
		}
		if no, err := declined(ctx, confirm, rec); err != nil || no {
			res = Result{Record: rec, Declined: no}
			return err
		}
		err := m.apply(ctx, rec, step{
			op:    "pause",
			mid:   rec.State,
			final: host.StateIdlePaused,
			fn: func(ctx context.Context, rec *host.Record) error {
				if err := m.p.Pause(ctx, rec.ID); err != nil {
					return err
				}
				rec.StopReason = reason
				return nil
			},
		})
		if err != nil {
			return err
		}
		kind := notify.KindHostPaused
		if reason == host.StopIdle {
			kind = notify.KindIdlePause
		}
		m.notify(ctx, rec, kind, fmt.Sprintf("reason %s", reason))
		res = Result{Record: rec}
		return nil
	})
	return res, err
}

// Resume thaws a paused host.
func (m *Manager) Resume(ctx context.Context, id string, policy lock.Policy) (Result, error) {
	var res Result
	err := m.locked(ctx, id, policy, func(ctx context.Context, rec *host.Record) error {
		if rec.State == host.StateRunning {
			res = Result{Record: rec, Already: true}
			return nil
		}
		return m.resumeLocked(ctx, rec, &res)
	})
	return res, err
}

func (m *Manager) resumeLocked(ctx context.Context, rec *host.Record, res *Result) error {
	err := m.apply(ctx, rec, step{
		op:    "resume",
		mid:   rec.State,
		final: host.StateRunning,
		fn: func(ctx context.Context, rec *host.Record) error {
			if err := m.p.Resume(ctx, rec.ID); err != nil {
				return err
			}
			rec.StopReason = ""
			return nil
		},
	})
	if err != nil {
		return err
	}
	m.touched(ctx, rec)
	m.notify(ctx, rec, notify.KindHostResumed, "")
	*res = Result{Record: rec}
	return nil
}

// DestroyOptions controls Destroy.
type DestroyOptions struct {
	DeleteSnapshots bool
	// KeepTombstone stops the backend host and keeps it with a DESTROYED
	// record instead of removing it. Destroying a tombstone again purges it.
	KeepTombstone bool
}

// Destroy removes a host. Hosts the backend no longer knows are reported
// as already destroyed.
func (m *Manager) Destroy(ctx context.Context, id string, opts DestroyOptions, policy lock.Policy) (Result, error) {
	var res Result
	err := m.locks.WithHost(ctx, id, policy, func(ctx context.Context) error {
		rec, err := m.p.ReadCertified(ctx, id)
		if provider.IsNotFound(err) {
			return m.destroyUnrecorded(ctx, id, opts, &res)
		}
		if err != nil {
			return err
		}

		if rec.State == host.StateDestroyed {
			if opts.KeepTombstone {
				res = Result{Record: rec, Already: true}
				return nil
			}
			if err := m.p.Destroy(ctx, id, opts.DeleteSnapshots); err != nil && !provider.IsNotFound(err) {
				return err
			}
			m.record(ctx, rec, "purge", rec.State, rec.State, journal.ResultSuccess, nil)
			res = Result{Record: rec}
			return nil
		}

		mid := host.StateDestroying
		if rec.State == host.StateDestroying {
			// An earlier destroy was interrupted; pick it up where it stopped.
			mid = rec.State
		}
		err = m.apply(ctx, rec, step{
			op:    "destroy",
			mid:   mid,
			final: host.StateDestroyed,
			gone:  !opts.KeepTombstone,
			fn: func(ctx context.Context, rec *host.Record) error {
				if !opts.KeepTombstone {
					return m.p.Destroy(ctx, rec.ID, opts.DeleteSnapshots)
				}
				if opts.DeleteSnapshots {
					for _, ref := range append([]host.SnapshotRef(nil), rec.SnapshotRefs...) {
						if err := m.snapshots.Delete(ctx, rec, ref.ID); err != nil {
							return err
						}
					}
				}
				h, err := m.p.Status(ctx, rec.ID)
				if err != nil {
					return err
				}
				if h.Status != provider.StatusStopped {
					if _, err := m.p.Stop(ctx, rec.ID, false); err != nil {
						return err
					}
				}
				return nil
			},
		})
		if err != nil {
			return err
		}
		m.notify(ctx, rec, notify.KindHostDestroyed, "")
		res = Result{Record: rec}
		return nil
	})
	return res, err
}

// destroyUnrecorded handles a host without a certified record: either it
// is long gone, or a create crashed before the record was written.
func (m *Manager) destroyUnrecorded(ctx context.Context, id string, opts DestroyOptions, res *Result) error {
	h, err := m.p.Status(ctx, id)
	if provider.IsNotFound(err) {
		*res = Result{Record: &host.Record{ID: id, State: host.StateDestroyed}, Already: true}
		return nil
	}
	if err != nil {
		return err
	}
	rec := &host.Record{ID: id, Name: h.Name, Provider: m.inst, State: host.StateDestroyed}
	if err := m.p.Destroy(ctx, id, opts.DeleteSnapshots); err != nil {
		m.record(ctx, rec, "destroy", host.StatePending, host.StatePending, journal.ResultFailed, err)
		return err
	}
	trace.Logger(ctx, m.logger).Warn("lifecycle: removed host without a certified record", "host_id", id, "name", h.Name)
	m.record(ctx, rec, "destroy", host.StatePending, host.StateDestroyed, journal.ResultSuccess, nil)
	*res = Result{Record: rec}
	return nil
}

// Rename changes a host's display name. The id never changes.
func (m *Manager) Rename(ctx context.Context, id, newName string, policy lock.Policy) (Result, error) {
	if err := host.ValidateName(newName); err != nil {
		return Result{}, err
	}
	var res Result
	err := m.withName(ctx, newName, policy, func(ctx context.Context) error {
		existing, err := m.FindByName(ctx, newName)
		if err != nil {
			return err
		}
		if existing != nil && existing.ID != id {
			return fmt.Errorf("%w: %s is %s", ErrNameInUse, newName, existing.ID)
		}
		return m.locked(ctx, id, policy, func(ctx context.Context, rec *host.Record) error {
			if rec.State.Terminal() {
				return &host.InvalidTransitionError{HostID: id, From: rec.State, To: rec.State, Op: "rename"}
			}
			if rec.Name == newName {
				res = Result{Record: rec, Already: true}
				return nil
			}
			old := rec.Name
			if err := m.p.Rename(ctx, id, newName); err != nil {
				return err
			}
			rec.Name = newName
			if err := m.save(ctx, rec); err != nil {
				if rerr := m.p.Rename(context.WithoutCancel(ctx), id, old); rerr != nil {
					trace.Logger(ctx, m.logger).Error("lifecycle: rename rollback failed", "host_id", id, "err", rerr)
				}
				rec.Name = old
				return err
			}
			m.record(ctx, rec, "rename", rec.State, rec.State, journal.ResultSuccess, nil)
			res = Result{Record: rec}
			return nil
		})
	})
	return res, err
}

// Provision adds agents to a running host and relaunches certified agents
// that are no longer alive. The deployment lock is held throughout.
func (m *Manager) Provision(ctx context.Context, id string, specs []AgentSpec, policy lock.Policy) (Result, error) {
	var res Result
	err := m.locked(ctx, id, policy, func(ctx context.Context, rec *host.Record) error {
		if rec.State != host.StateRunning {
			return &host.InvalidTransitionError{HostID: id, From: rec.State, To: host.StateRunning, Op: "provision"}
		}
		fresh, err := m.newAgents(specs, rec.Agents)
		if err != nil {
			return err
		}
		err = m.withDeployment(ctx, id, policy, func(ctx context.Context) error {
			statuses, err := m.tracker(rec).Probe(ctx)
			if err != nil {
				return err
			}
			alive := map[string]bool{}
			for _, s := range statuses {
				alive[s.Name] = s.Alive
			}
			var dead []host.Agent
			for _, a := range rec.Agents {
				if !alive[a.Name] {
					dead = append(dead, a)
				}
			}
			if err := m.launch(ctx, rec, dead); err != nil {
				return err
			}
			for _, a := range fresh {
				if err := m.launch(ctx, rec, []host.Agent{a}); err != nil {
					return err
				}
				rec.Agents = append(rec.Agents, a)
			}
			return nil
		})
		if err != nil {
			rec.FailureReason = err.Error()
		} else {
			rec.FailureReason = ""
		}
		if serr := m.save(ctx, rec); serr != nil && err == nil {
			err = serr
		}
		result := journal.ResultSuccess
		if err != nil {
			result = journal.ResultFailed
		}
		m.record(ctx, rec, "provision", rec.State, rec.State, result, err)
		if err != nil {
			return fmt.Errorf("provision %s: %w", id, err)
		}
		m.touched(ctx, rec)
		res = Result{Record: rec}
		return nil
	})
	return res, err
}
