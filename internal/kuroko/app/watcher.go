package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/bdobrica/kuroko/common/trace"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/lifecycle"
	"github.com/bdobrica/kuroko/internal/kuroko/lock"
)

// Spawner starts a detached watcher process for hosts nobody watches. The
// watcher holds lock.WatchResource for as long as it runs, so a live one
// is found through the lock and a duplicate spawned in a race exits on its
// own.
type Spawner struct {
	// Command is the watcher's argv without the host id, typically the
	// running binary followed by "watch".
	Command []string
	LogDir  string
	Locks   *lock.Manager
	Logger  *slog.Logger
}

var _ lifecycle.Watcher = (*Spawner)(nil)

func (s *Spawner) Ensure(ctx context.Context, rec *host.Record) error {
	if len(s.Command) == 0 {
		return errors.New("watcher command is empty")
	}
	held, l, err := s.Locks.Held(ctx, lock.WatchResource(rec.ID))
	if err != nil {
		return fmt.Errorf("watcher lock: %w", err)
	}
	if held {
		trace.Logger(ctx, s.logger()).Debug("app: watcher already running", "host_id", rec.ID, "holder", l.Holder)
		return nil
	}

	if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
		return fmt.Errorf("watcher logs: %w", err)
	}
	logPath := filepath.Join(s.LogDir, "watch-"+rec.ID+".log")
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("watcher logs: %w", err)
	}
	defer out.Close()

	args := append(append([]string{}, s.Command[1:]...), rec.ID)
	cmd := exec.Command(s.Command[0], args...)
	cmd.Stdout = out
	cmd.Stderr = out
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	trace.Logger(ctx, s.logger()).Info("app: watcher started",
		"host_id", rec.ID, "host", rec.Name, "pid", cmd.Process.Pid, "log", logPath)
	return cmd.Process.Release()
}

func (s *Spawner) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
