// Package lock provides crash-recoverable advisory locks. A lock is a
// marker that can be created only when absent, carries a deadline, and may
// be reclaimed by anyone once that deadline has passed. Liveness of the
// original holder is never probed.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Lease is one held lock.
type Lease struct {
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder_token"`
	AcquiredAt time.Time `json:"acquired_at"`
	Deadline   time.Time `json:"deadline"`

	// Reclaimed is the expired lease this acquisition replaced, if any.
	Reclaimed *Lease `json:"-"`
}

// Expired reports whether the lease's deadline has passed at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.Deadline)
}

func (l Lease) same(o Lease) bool {
	return l.Resource == o.Resource && l.Holder == o.Holder && l.Deadline.Equal(o.Deadline)
}

// Backend is an atomic primitive able to hold leases.
type Backend interface {
	// TryAcquire creates a lease for resource unless an unexpired one
	// exists, in which case it returns a *ConflictError. Expired leases are
	// replaced and reported through Lease.Reclaimed.
	TryAcquire(ctx context.Context, resource, holder string, now, deadline time.Time) (Lease, error)

	// Extend moves the deadline of a lease still held by lease.Holder to
	// deadline and returns the updated lease. It returns ErrNotHeld when
	// the lease was released or reclaimed.
	Extend(ctx context.Context, lease Lease, now, deadline time.Time) (Lease, error)

	// Release removes the lease if it is still held by lease.Holder.
	Release(ctx context.Context, lease Lease) error

	// Inspect returns the current lease for resource, expired or not.
	Inspect(ctx context.Context, resource string) (Lease, bool, error)
}

// ErrNotHeld is returned by Release when the lease was lost (reclaimed
// after expiry or never acquired).
var ErrNotHeld = errors.New("lock not held")

// ErrLeaseLost is the cancellation cause of work whose lease could not be
// renewed.
var ErrLeaseLost = errors.New("lock lease lost")

// ConflictError means another holder owns an unexpired lease.
type ConflictError struct {
	Current Lease
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resource %s is locked by %s until %s",
		e.Current.Resource, e.Current.Holder, e.Current.Deadline.UTC().Format(time.RFC3339))
}

// IsConflict reports whether err is a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// OrphanDeploymentError is informational: an expired deployment lock was
// recovered, meaning an earlier multi-step operation crashed.
type OrphanDeploymentError struct {
	HostID string
	Stale  Lease
}

func (e *OrphanDeploymentError) Error() string {
	return fmt.Sprintf("orphan deployment on host %s: lock held by %s expired at %s",
		e.HostID, e.Stale.Holder, e.Stale.Deadline.UTC().Format(time.RFC3339))
}

// HostResource names the per-host mutation lock.
func HostResource(hostID string) string { return "host:" + hostID }

// DeployResource names the long-lived deployment lock of a host.
func DeployResource(hostID string) string { return "deploy:" + hostID }

// NameResource serializes creations and renames that claim a host name.
func NameResource(name string) string { return "name:" + name }

// WatchResource is held by the one watcher supervising a host.
func WatchResource(hostID string) string { return "watch:" + hostID }
