//go:build !windows

package app_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/kuroko/common/clock"
	"github.com/bdobrica/kuroko/common/environment"
	"github.com/bdobrica/kuroko/internal/kuroko/app"
	"github.com/bdobrica/kuroko/internal/kuroko/config"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/lifecycle"
	"github.com/bdobrica/kuroko/internal/kuroko/lock"
)

// echoWatcher stands in for "kuroko watch": it prints the host id it was
// started for.
var echoWatcher = []string{"sh", "-c", `echo "watching $0"`}

func waitForFile(t *testing.T, path, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && strings.Contains(string(data), want) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("%s never contained %q", path, want)
}

func TestOpen_CreateStartsWatcher(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.Load(environment.FromMap(environment.Prefix, map[string]string{
		"KUROKO_HOME":          home,
		"KUROKO_PROVIDER":      "memory",
		"KUROKO_PROVIDER_NAME": "mem",
	}))
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	a, err := app.Open(context.Background(), cfg, nil, app.Options{Clock: clk, WatchCommand: echoWatcher})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	res, err := a.Manager.Create(context.Background(), lifecycle.CreateRequest{Name: "dev"}, lock.FailImmediately)
	if err != nil {
		t.Fatal(err)
	}
	waitForFile(t, filepath.Join(cfg.WatchLogDir(), "watch-"+res.Record.ID+".log"), "watching "+res.Record.ID)
}

func TestSpawner_SkipsWatchedHost(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backend, err := lock.NewFileBackend(filepath.Join(dir, "locks"))
	if err != nil {
		t.Fatal(err)
	}
	locks, err := lock.NewManager(lock.Options{Backend: backend})
	if err != nil {
		t.Fatal(err)
	}
	s := &app.Spawner{Command: echoWatcher, LogDir: filepath.Join(dir, "logs"), Locks: locks}
	rec := &host.Record{ID: "host-1", Name: "one"}

	lease, err := locks.Acquire(ctx, lock.WatchResource(rec.ID), lock.FailImmediately)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Ensure(ctx, rec); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(dir, "logs", "watch-host-1.log")
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Fatalf("watcher spawned for a watched host (stat: %v)", err)
	}

	if err := locks.Release(ctx, lease); err != nil {
		t.Fatal(err)
	}
	if err := s.Ensure(ctx, rec); err != nil {
		t.Fatal(err)
	}
	waitForFile(t, logPath, "watching host-1")
}
