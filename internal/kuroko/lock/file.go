package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bdobrica/kuroko/internal/kuroko/fsutil"
)

// FileBackend keeps one marker file per resource in a directory. Every
// change to a marker happens under an exclusive flock on the resource's
// guard file, and markers are replaced with an atomic rename, so the
// marker path is never empty while a lease is being handed over and
// readers never see a partial write. Guard files are never removed; the
// kernel drops the flock when a holder dies.
type FileBackend struct {
	dir string
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend creates dir if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

var fileNameReplacer = strings.NewReplacer("/", "_", ":", "_", `\`, "_")

func (b *FileBackend) path(resource string) string {
	return filepath.Join(b.dir, fileNameReplacer.Replace(resource)+".lock")
}

// guarded runs fn with the guard of the marker at path held.
func (b *FileBackend) guarded(path string, fn func() error) error {
	unlock, err := lockGuard(path + ".guard")
	if err != nil {
		return fmt.Errorf("lock guard %s: %w", path, err)
	}
	defer unlock()
	return fn()
}

func (b *FileBackend) TryAcquire(_ context.Context, resource, holder string, now, deadline time.Time) (Lease, error) {
	lease := Lease{Resource: resource, Holder: holder, AcquiredAt: now, Deadline: deadline}
	path := b.path(resource)

	err := b.guarded(path, func() error {
		cur, err := b.read(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return err
		case !cur.Expired(now):
			return &ConflictError{Current: cur}
		default:
			stale := cur
			lease.Reclaimed = &stale
		}
		return b.write(path, lease)
	})
	if err != nil {
		return Lease{}, err
	}
	return lease, nil
}

func (b *FileBackend) Extend(_ context.Context, lease Lease, _, deadline time.Time) (Lease, error) {
	path := b.path(lease.Resource)
	var next Lease
	err := b.guarded(path, func() error {
		cur, err := b.read(path)
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotHeld
		}
		if err != nil {
			return err
		}
		if !cur.same(lease) {
			return ErrNotHeld
		}
		next = cur
		next.Deadline = deadline
		return b.write(path, next)
	})
	if err != nil {
		return Lease{}, err
	}
	return next, nil
}

func (b *FileBackend) Release(_ context.Context, lease Lease) error {
	path := b.path(lease.Resource)
	return b.guarded(path, func() error {
		cur, err := b.read(path)
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotHeld
		}
		if err != nil {
			return err
		}
		if !cur.same(lease) {
			return ErrNotHeld
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("lock marker: %w", err)
		}
		return nil
	})
}

func (b *FileBackend) Inspect(_ context.Context, resource string) (Lease, bool, error) {
	l, err := b.read(b.path(resource))
	if errors.Is(err, fs.ErrNotExist) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	return l, true, nil
}

func (b *FileBackend) write(path string, lease Lease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	if err := fsutil.WriteAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("lock marker: %w", err)
	}
	return nil
}

func (b *FileBackend) read(path string) (Lease, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Lease{}, err
	}
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return Lease{}, fmt.Errorf("corrupt lock marker %s: %w", path, err)
	}
	return l, nil
}
