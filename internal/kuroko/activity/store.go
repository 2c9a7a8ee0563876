package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bdobrica/kuroko/internal/kuroko/fsutil"
)

// DirName is the state-directory subdirectory holding signals.
const DirName = "activity"

// Store reads the current signals of one host.
type Store interface {
	Signals(ctx context.Context) ([]Signal, error)
}

// FileStore keeps one file per source. The file's mtime is the signal;
// its content is informational and never read back for decisions.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at stateDir/activity.
func NewFileStore(stateDir string) *FileStore {
	return &FileStore{dir: filepath.Join(stateDir, DirName)}
}

// Dir returns the directory holding the signal files.
func (s *FileStore) Dir() string { return s.dir }

// Signals returns one signal per existing source file. Unknown files are
// ignored.
func (s *FileStore) Signals(_ context.Context) ([]Signal, error) {
	var out []Signal
	for _, src := range AllSources {
		fi, err := os.Stat(filepath.Join(s.dir, string(src)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("activity %s: %w", src, err)
		}
		out = append(out, Signal{Source: src, ObservedAt: fi.ModTime()})
	}
	return out, nil
}

type payload struct {
	Time int64 `json:"time"`
	Note string `json:"note,omitempty"`
}

// Touch records src at t. The informational payload is replaced
// atomically, then the mtime is set.
func (s *FileStore) Touch(src Source, t time.Time, note string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("activity dir: %w", err)
	}
	data, err := json.Marshal(payload{Time: t.UnixMilli(), Note: note})
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, string(src))
	if err := fsutil.WriteAtomic(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("activity %s: %w", src, err)
	}
	if err := os.Chtimes(path, t, t); err != nil {
		return fmt.Errorf("activity %s: %w", src, err)
	}
	return nil
}
