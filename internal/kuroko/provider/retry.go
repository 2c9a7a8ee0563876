package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/bdobrica/kuroko/common/retry"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
)

// WithRetry wraps p so that transient errors are retried with exponential
// backoff. Permanent errors are returned after the first attempt.
//
// Only calls that can be repeated safely are retried. Create, Exec,
// SnapshotCreate, SnapshotRestore and a Stop that snapshots go through
// once: a transient error there may arrive after the backend already
// made the host, ran the script or took the snapshot.
func WithRetry(p Provider, cfg retry.Config) Provider {
	cfg.ShouldRetry = IsTransient
	if cfg.OnRetry == nil {
		kind := p.Kind()
		cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			slog.Warn("provider: transient error, retrying",
				"provider", kind, "attempt", attempt, "delay", delay, "err", err)
		}
	}
	return &retrying{Provider: p, cfg: cfg}
}

type retrying struct {
	Provider
	cfg retry.Config
}

func do[T any](ctx context.Context, cfg retry.Config, fn func() (T, error)) (T, error) {
	var out T
	err := retry.Do(ctx, cfg, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (r *retrying) Start(ctx context.Context, id string) (Handle, error) {
	return do(ctx, r.cfg, func() (Handle, error) { return r.Provider.Start(ctx, id) })
}

func (r *retrying) Stop(ctx context.Context, id string, snapshotBefore bool) (*host.SnapshotRef, error) {
	if snapshotBefore {
		return r.Provider.Stop(ctx, id, true)
	}
	return do(ctx, r.cfg, func() (*host.SnapshotRef, error) { return r.Provider.Stop(ctx, id, snapshotBefore) })
}

func (r *retrying) Destroy(ctx context.Context, id string, deleteSnapshots bool) error {
	return retry.Do(ctx, r.cfg, func() error { return r.Provider.Destroy(ctx, id, deleteSnapshots) })
}

func (r *retrying) Pause(ctx context.Context, id string) error {
	return retry.Do(ctx, r.cfg, func() error { return r.Provider.Pause(ctx, id) })
}

func (r *retrying) Resume(ctx context.Context, id string) error {
	return retry.Do(ctx, r.cfg, func() error { return r.Provider.Resume(ctx, id) })
}

func (r *retrying) Rename(ctx context.Context, id, newName string) error {
	return retry.Do(ctx, r.cfg, func() error { return r.Provider.Rename(ctx, id, newName) })
}

func (r *retrying) Status(ctx context.Context, id string) (Handle, error) {
	return do(ctx, r.cfg, func() (Handle, error) { return r.Provider.Status(ctx, id) })
}

func (r *retrying) List(ctx context.Context) ([]Handle, error) {
	return do(ctx, r.cfg, func() ([]Handle, error) { return r.Provider.List(ctx) })
}

func (r *retrying) SnapshotDelete(ctx context.Context, ref host.SnapshotRef) error {
	return retry.Do(ctx, r.cfg, func() error { return r.Provider.SnapshotDelete(ctx, ref) })
}

func (r *retrying) SnapshotList(ctx context.Context, hostID string) ([]host.SnapshotRef, error) {
	return do(ctx, r.cfg, func() ([]host.SnapshotRef, error) { return r.Provider.SnapshotList(ctx, hostID) })
}

func (r *retrying) ReadCertified(ctx context.Context, id string) (*host.Record, error) {
	return do(ctx, r.cfg, func() (*host.Record, error) { return r.Provider.ReadCertified(ctx, id) })
}

func (r *retrying) WriteCertified(ctx context.Context, id string, rec *host.Record) error {
	return retry.Do(ctx, r.cfg, func() error { return r.Provider.WriteCertified(ctx, id, rec) })
}
