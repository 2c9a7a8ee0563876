// Package provider defines the Provider interface that every host backend
// (local directory, Docker container, in-memory) implements.
package provider

import (
	"context"

	"github.com/bdobrica/kuroko/internal/kuroko/host"
)

// Provider abstracts one kind of host backend. Implementations are
// mechanical: they never decide whether an operation is legal, they only
// perform it. All durable state they expose must be derivable from
// backend-native metadata so that it survives controller restarts.
type Provider interface {
	// Kind returns the backend kind this provider implements.
	Kind() Kind

	// Capabilities reports which optional operations are supported.
	Capabilities() Capabilities

	// Create provisions a new host and boots it. Errors carry CodeUnavailable,
	// CodeQuotaExceeded or CodeInvalidSpec.
	Create(ctx context.Context, spec HostSpec) (Handle, error)

	// Start boots a stopped host.
	Start(ctx context.Context, id string) (Handle, error)

	// Stop halts a host, optionally taking a snapshot first. The returned
	// snapshot ref is nil unless snapshotBefore was set.
	Stop(ctx context.Context, id string, snapshotBefore bool) (*host.SnapshotRef, error)

	// Destroy removes a host and, when deleteSnapshots is set, every
	// snapshot taken from it.
	Destroy(ctx context.Context, id string, deleteSnapshots bool) error

	// Pause and Resume freeze and thaw a running host. They return
	// ErrUnsupported unless Capabilities().SupportsPause.
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error

	// Rename changes the host's display name. Identity metadata is untouched.
	Rename(ctx context.Context, id, newName string) error

	// Exec runs a command inside a running host.
	Exec(ctx context.Context, id string, req ExecRequest) (ExecResult, error)

	// Status returns the live handle for one host.
	Status(ctx context.Context, id string) (Handle, error)

	// List returns every host this provider instance manages.
	List(ctx context.Context) ([]Handle, error)

	// SnapshotCreate captures the host's filesystem. With NativeSnapshots the
	// result is incremental on top of parent (if non-empty).
	SnapshotCreate(ctx context.Context, id string, parent string) (host.SnapshotRef, error)

	// SnapshotRestore creates a new host from ref. It never touches the
	// host the snapshot was taken from.
	SnapshotRestore(ctx context.Context, spec HostSpec, ref host.SnapshotRef) (Handle, error)

	// SnapshotDelete removes a snapshot.
	SnapshotDelete(ctx context.Context, ref host.SnapshotRef) error

	// SnapshotList returns the snapshots taken from hostID that still exist
	// in the backend. An empty hostID lists all of them.
	SnapshotList(ctx context.Context, hostID string) ([]host.SnapshotRef, error)

	// ReadCertified loads and verifies the host's certified record.
	ReadCertified(ctx context.Context, id string) (*host.Record, error)

	// WriteCertified replaces the certified record. The record's identity
	// must match the identity stored at creation.
	WriteCertified(ctx context.Context, id string, rec *host.Record) error

	// StateDir returns the path, as seen from inside the host, of the
	// directory holding activity signals, the heartbeat marker and agent
	// pid files.
	StateDir(id string) string
}
