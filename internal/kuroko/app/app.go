// Package app assembles one kuroko invocation: it builds the provider,
// lock manager, journal and notifier from a config.Config and hands them
// to the lifecycle engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bdobrica/kuroko/common/clock"
	"github.com/bdobrica/kuroko/common/retry"
	"github.com/bdobrica/kuroko/internal/kuroko/commands"
	"github.com/bdobrica/kuroko/internal/kuroko/config"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/journal"
	"github.com/bdobrica/kuroko/internal/kuroko/lifecycle"
	"github.com/bdobrica/kuroko/internal/kuroko/lock"
	"github.com/bdobrica/kuroko/internal/kuroko/notify"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
	"github.com/bdobrica/kuroko/internal/kuroko/provider/docker"
	"github.com/bdobrica/kuroko/internal/kuroko/provider/local"
	"github.com/bdobrica/kuroko/internal/kuroko/provider/memory"
)

// Options overrides parts of the assembly. The zero value builds
// everything from the config.
type Options struct {
	// Provider replaces the one selected by ProviderKind. It is still
	// wrapped with retries.
	Provider provider.Provider
	// LockBackend replaces the one selected by LockBackend.
	LockBackend lock.Backend
	// Notifier is added to the log notifier.
	Notifier notify.Notifier
	Clock    clock.Clock
	// WatchCommand is the argv, without the host id, that starts a
	// watcher. Hosts get one automatically when it is set and the config
	// enables AutoWatch.
	WatchCommand []string
}

// App is a fully wired engine.
type App struct {
	Config   *config.Config
	Provider provider.Provider
	Locks    *lock.Manager
	Journal  *journal.Journal
	Manager  *lifecycle.Manager
	Runner   *commands.Runner
	Notifier notify.Notifier
	Logger   *slog.Logger

	closers []func() error
}

// Open builds the engine described by cfg.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return nil, fmt.Errorf("kuroko home: %w", err)
	}

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	sealer, err := host.NewSealer(cfg.CertifiedKey)
	if err != nil {
		return nil, err
	}

	p := opts.Provider
	if p == nil {
		if p, err = newProvider(ctx, cfg, sealer, opts.Clock); err != nil {
			return nil, err
		}
	}
	a.Provider = provider.WithRetry(p, retry.Config{
		MaxAttempts:  cfg.ProviderRetries,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Clock:        opts.Clock,
	})

	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	a.Journal = j
	a.closers = append(a.closers, j.Close)

	notifiers := notify.Multi{notify.Log{Logger: logger}}
	if cfg.Matrix.Enabled() {
		sender, err := notify.NewMatrixSender(notify.MatrixConfig{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, notify.NewMatrixNotifier(sender, cfg.Matrix.Room,
			notify.KindHostFailed, notify.KindHeartbeatStop, notify.KindIdleStop,
			notify.KindAgentsExited, notify.KindOrphanDeployment))
		logger.Info("notify: posting lifecycle notices to Matrix", "room", cfg.Matrix.Room)
	}
	if opts.Notifier != nil {
		notifiers = append(notifiers, opts.Notifier)
	}
	a.Notifier = notifiers

	backend := opts.LockBackend
	if backend == nil {
		if backend, err = a.newLockBackend(ctx); err != nil {
			return nil, err
		}
	}
	a.Locks, err = lock.NewManager(lock.Options{
		Backend:   backend,
		Clock:     opts.Clock,
		TTL:       cfg.LockTTL,
		DeployTTL: cfg.DeployLockTTL,
		MaxWait:   cfg.LockMaxWait,
		OnOrphan:  a.onOrphan,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	var watcher lifecycle.Watcher
	if cfg.AutoWatch && len(opts.WatchCommand) > 0 {
		watcher = &Spawner{Command: opts.WatchCommand, LogDir: cfg.WatchLogDir(), Locks: a.Locks, Logger: logger}
	}

	inst := cfg.Instance()
	if opts.Provider != nil {
		inst.Kind = string(opts.Provider.Kind())
	}
	a.Manager, err = lifecycle.New(lifecycle.EngineContext{
		Provider: a.Provider,
		Instance: inst,
		Locks:    a.Locks,
		Journal:  a.Journal,
		Notifier: a.Notifier,
		Clock:    opts.Clock,
		Logger:   logger,
		Defaults: lifecycle.Defaults{IdleMode: cfg.IdleMode, IdleTimeout: cfg.IdleTimeout},
		UseTmux:  cfg.UseTmux,
		Watcher:  watcher,
	})
	if err != nil {
		return nil, err
	}
	a.Runner = commands.New(a.Manager, commands.Options{Workers: cfg.Workers, Logger: logger})
	return a, nil
}

// Close releases databases and connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newProvider(ctx context.Context, cfg *config.Config, sealer host.Sealer, clk clock.Clock) (provider.Provider, error) {
	switch cfg.ProviderKind {
	case provider.KindLocal:
		return local.New(local.Options{
			Name:     cfg.ProviderName,
			Root:     cfg.ProviderRoot(),
			MaxHosts: cfg.LocalMaxHosts,
			Sealer:   sealer,
			Clock:    clk,
		})
	case provider.KindDocker:
		p, err := docker.New(docker.Options{
			Name:    cfg.ProviderName,
			Network: cfg.DockerNetwork,
			Image:   cfg.DockerImage,
			Sealer:  sealer,
			Clock:   clk,
		})
		if err != nil {
			return nil, err
		}
		if err := p.EnsureNetwork(ctx); err != nil {
			return nil, err
		}
		return p, nil
	case provider.KindMemory:
		return memory.New(memory.Options{Name: cfg.ProviderName, Clock: clk}), nil
	}
	return nil, fmt.Errorf("unknown provider kind %q", cfg.ProviderKind)
}

func (a *App) newLockBackend(ctx context.Context) (lock.Backend, error) {
	cfg := a.Config
	switch cfg.LockBackend {
	case config.LockFile, "":
		return lock.NewFileBackend(cfg.LockDir())
	case config.LockSQLite:
		b, err := lock.OpenSQLite(cfg.LockDB())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, b.Close)
		return b, nil
	case config.LockRedis:
		b := lock.NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		a.closers = append(a.closers, b.Close)
		if err := b.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis lock backend %s: %w", cfg.RedisAddr, err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
}

func (a *App) onOrphan(ctx context.Context, oe *lock.OrphanDeploymentError) {
	evt := notify.Event{
		Kind:    notify.KindOrphanDeployment,
		HostID:  oe.HostID,
		Message: oe.Error(),
	}
	if rec, err := a.Provider.ReadCertified(ctx, oe.HostID); err == nil {
		evt.HostName = rec.Name
	}
	a.Notifier.Notify(ctx, evt)
}
