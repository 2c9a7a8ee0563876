package lifecycle

import (
	"context"

	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/journal"
	"github.com/bdobrica/kuroko/internal/kuroko/lock"
	"github.com/bdobrica/kuroko/internal/kuroko/notify"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
	"github.com/bdobrica/kuroko/internal/kuroko/snapshot"
)

// SnapshotCreate snapshots a running, paused or stopped host.
func (m *Manager) SnapshotCreate(ctx context.Context, id string, opts snapshot.CreateOptions, policy lock.Policy) (Result, error) {
	var res Result
	err := m.locked(ctx, id, policy, func(ctx context.Context, rec *host.Record) error {
		switch rec.State {
		case host.StateRunning, host.StateIdlePaused, host.StateStopped:
		default:
			return &host.InvalidTransitionError{HostID: id, From: rec.State, To: rec.State, Op: "snapshot"}
		}
		ref, err := m.snapshots.Create(ctx, rec, opts)
		if err != nil {
			m.record(ctx, rec, "snapshot", rec.State, rec.State, journal.ResultFailed, err)
			return err
		}
		if err := m.save(ctx, rec); err != nil {
			return err
		}
		m.record(ctx, rec, "snapshot", rec.State, rec.State, journal.ResultSuccess, nil)
		m.notify(ctx, rec, notify.KindSnapshotCreated, ref.ID)
		if rec.State == host.StateRunning {
			m.touched(ctx, rec)
		}
		res = Result{Record: rec, Snapshot: &ref}
		return nil
	})
	return res, err
}

// SnapshotList returns the snapshots of one host, or of every host of the
// provider when id is empty.
func (m *Manager) SnapshotList(ctx context.Context, id string) ([]host.SnapshotRef, error) {
	if id == "" {
		return m.p.SnapshotList(ctx, "")
	}
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.snapshots.List(ctx, rec)
}

// SnapshotDelete removes a snapshot. Snapshots that outlived their host
// are deleted directly from the backend.
func (m *Manager) SnapshotDelete(ctx context.Context, snapID string, policy lock.Policy) (Result, error) {
	ref, err := m.findSnapshot(ctx, snapID)
	if err != nil {
		return Result{}, err
	}
	var res Result
	err = m.locks.WithHost(ctx, ref.HostID, policy, func(ctx context.Context) error {
		rec, err := m.p.ReadCertified(ctx, ref.HostID)
		if provider.IsNotFound(err) {
			res = Result{Snapshot: &ref}
			return m.p.SnapshotDelete(ctx, ref)
		}
		if err != nil {
			return err
		}
		if _, ok := snapshot.Find(rec, snapID); !ok {
			rec.AddSnapshot(ref)
		}
		if err := m.snapshots.Delete(ctx, rec, snapID); err != nil {
			return err
		}
		if err := m.save(ctx, rec); err != nil {
			return err
		}
		m.record(ctx, rec, "snapshot-delete", rec.State, rec.State, journal.ResultSuccess, nil)
		res = Result{Record: rec, Snapshot: &ref}
		return nil
	})
	return res, err
}
