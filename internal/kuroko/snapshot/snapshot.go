// Package snapshot takes, lists, restores and deletes host snapshots on
// top of a provider. The caller holds the host lock and persists the
// updated certified record.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

// OnUnsafe selects what happens when a host has configuration a
// filesystem snapshot cannot capture.
type OnUnsafe int

const (
	// Refuse fails with a *ConstraintViolation.
	Refuse OnUnsafe = iota
	// Acknowledge takes the snapshot anyway and marks it incomplete.
	Acknowledge
)

// ConstraintViolation is returned when a snapshot would silently lose
// state.
type ConstraintViolation struct {
	HostID  string
	Reasons []string
}

func (e *ConstraintViolation) Error() string {
	return fmt.Sprintf("host %s cannot be snapshotted safely: %s", e.HostID, strings.Join(e.Reasons, "; "))
}

// CreateOptions controls Create.
type CreateOptions struct {
	// NoPause skips pausing the host around the snapshot. By default
	// backends that support pause are paused for consistency.
	NoPause  bool
	OnUnsafe OnUnsafe
	// Full forces a full snapshot even when incremental ones are possible.
	Full bool
}

// Manager wraps one provider.
type Manager struct {
	p      provider.Provider
	logger *slog.Logger
}

// New returns a Manager for p.
func New(p provider.Provider, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{p: p, logger: logger}
}

// Create snapshots rec's host and records the ref in rec.
func (m *Manager) Create(ctx context.Context, rec *host.Record, opts CreateOptions) (ref host.SnapshotRef, err error) {
	unsafe := rec.UnsafeForSnapshot()
	if len(unsafe) > 0 && opts.OnUnsafe == Refuse {
		return host.SnapshotRef{}, &ConstraintViolation{HostID: rec.ID, Reasons: unsafe}
	}

	caps := m.p.Capabilities()
	if !opts.NoPause && caps.SupportsPause && rec.State == host.StateRunning {
		if err := m.p.Pause(ctx, rec.ID); err != nil {
			return host.SnapshotRef{}, fmt.Errorf("pause before snapshot: %w", err)
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer cancel()
			if rerr := m.p.Resume(rctx, rec.ID); rerr != nil {
				m.logger.Error("snapshot: resume after snapshot failed", "host_id", rec.ID, "err", rerr)
				err = errors.Join(err, fmt.Errorf("resume after snapshot: %w", rerr))
			}
		}()
	}

	parent := ""
	if caps.NativeSnapshots && !opts.Full {
		if latest, ok := rec.LatestSnapshot(); ok {
			parent = latest.ID
		}
	}

	ref, err = m.p.SnapshotCreate(ctx, rec.ID, parent)
	if err != nil {
		return host.SnapshotRef{}, err
	}
	if len(unsafe) > 0 {
		ref.Incomplete = true
		m.logger.Warn("snapshot: taken with unsafe configuration, state outside the filesystem is missing",
			"host_id", rec.ID, "snapshot_id", ref.ID, "reasons", unsafe)
	}
	rec.AddSnapshot(ref)
	m.logger.Info("snapshot: created", "host_id", rec.ID, "snapshot_id", ref.ID,
		"incremental", ref.Incremental, "incomplete", ref.Incomplete)
	return ref, nil
}

// List returns the snapshots of rec that still exist in the backend,
// carrying the flags recorded in rec.
func (m *Manager) List(ctx context.Context, rec *host.Record) ([]host.SnapshotRef, error) {
	live, err := m.p.SnapshotList(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	recorded := make(map[string]host.SnapshotRef, len(rec.SnapshotRefs))
	for _, r := range rec.SnapshotRefs {
		recorded[r.ID] = r
	}
	for i, r := range live {
		if known, ok := recorded[r.ID]; ok {
			live[i].Incomplete = known.Incomplete
		}
	}
	return live, nil
}

// Find returns the snapshot with id among rec's recorded snapshots.
func Find(rec *host.Record, id string) (host.SnapshotRef, bool) {
	for _, r := range rec.SnapshotRefs {
		if r.ID == id {
			return r, true
		}
	}
	return host.SnapshotRef{}, false
}

// Restore creates a new host from ref. spec.ID must be fresh.
func (m *Manager) Restore(ctx context.Context, ref host.SnapshotRef, spec provider.HostSpec) (provider.Handle, error) {
	if spec.ID == "" || spec.ID == ref.HostID {
		return provider.Handle{}, errors.New("restore must target a new host id")
	}
	h, err := m.p.SnapshotRestore(ctx, spec, ref)
	if err != nil {
		return provider.Handle{}, err
	}
	m.logger.Info("snapshot: restored", "snapshot_id", ref.ID, "from_host", ref.HostID, "new_host", h.ID)
	return h, nil
}

// Delete removes a snapshot from the backend and from rec. A snapshot the
// backend no longer has is only dropped from rec.
func (m *Manager) Delete(ctx context.Context, rec *host.Record, id string) error {
	ref, ok := Find(rec, id)
	if !ok {
		return provider.NotFound("snapshot-delete", id)
	}
	if err := m.p.SnapshotDelete(ctx, ref); err != nil && !provider.IsNotFound(err) {
		return err
	}
	rec.RemoveSnapshot(id)
	m.logger.Info("snapshot: deleted", "host_id", rec.ID, "snapshot_id", id)
	return nil
}
