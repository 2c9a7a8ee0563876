// Package config resolves kuroko's settings from KUROKO_* environment
// variables into the values the engine is built from.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bdobrica/kuroko/common/crypto"
	"github.com/bdobrica/kuroko/common/environment"
	"github.com/bdobrica/kuroko/common/redact"
	"github.com/bdobrica/kuroko/internal/kuroko/activity"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

// LockBackend selects where locks live.
type LockBackend string

const (
	LockFile   LockBackend = "file"
	LockSQLite LockBackend = "sqlite"
	LockRedis  LockBackend = "redis"
)

// DefaultHeartbeatTimeout is how long a remote host waits for a
// controller before stopping itself.
const DefaultHeartbeatTimeout = 15 * time.Minute

// Matrix holds the optional notification account.
type Matrix struct {
	Homeserver  string
	UserID      string
	AccessToken string
	Room        string
}

// Enabled reports whether notices should be posted.
func (m Matrix) Enabled() bool {
	return m.Homeserver != "" && m.AccessToken != "" && m.Room != ""
}

// Config is the resolved configuration of one invocation.
type Config struct {
	// Home holds the local provider root, lock files and the journal.
	Home string

	ProviderKind provider.Kind
	// ProviderName is the instance name stamped into records.
	ProviderName    string
	DockerNetwork   string
	DockerImage     string
	LocalMaxHosts   int
	ProviderRetries int
	// CertifiedKey, when set, keys the record digest.
	CertifiedKey []byte

	LockBackend   LockBackend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration
	DeployLockTTL time.Duration
	LockMaxWait   time.Duration

	IdleMode         activity.Mode
	IdleTimeout      time.Duration
	IdleTrust        activity.Trust
	HeartbeatTimeout time.Duration

	Workers     int
	JournalPath string
	UseTmux     bool
	// AutoWatch starts a detached "kuroko watch" for every host left
	// running that has no live watcher.
	AutoWatch bool

	Matrix Matrix

	LogLevel  string
	LogFormat string
}

// ProviderRoot is the local provider's directory.
func (c *Config) ProviderRoot() string { return filepath.Join(c.Home, "hosts") }

// LockDir is the file lock backend's directory.
func (c *Config) LockDir() string { return filepath.Join(c.Home, "locks") }

// LockDB is the sqlite lock backend's database.
func (c *Config) LockDB() string { return filepath.Join(c.Home, "locks.db") }

// WatchLogDir holds the output of spawned watchers.
func (c *Config) WatchLogDir() string { return filepath.Join(c.Home, "logs") }

// Instance returns the provider instance stamped into created records.
// Secret-looking params are redacted.
func (c *Config) Instance() host.ProviderInstance {
	params := map[string]string{}
	switch c.ProviderKind {
	case provider.KindLocal:
		params["root"] = c.ProviderRoot()
	case provider.KindDocker:
		params["network"] = c.DockerNetwork
		if c.DockerImage != "" {
			params["image"] = c.DockerImage
		}
	}
	return host.ProviderInstance{
		Name:   c.ProviderName,
		Kind:   string(c.ProviderKind),
		Params: redact.Params(params),
	}
}

// Load reads env. Every malformed value is reported, not just the first.
func Load(env environment.Env) (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	c := &Config{}

	home := env.StringOr("HOME", "")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			collect(fmt.Errorf("%s is not set and no home directory: %w", env.Name("HOME"), err))
		}
		home = filepath.Join(userHome, ".kuroko")
	}
	c.Home = home

	// Provider
	kind, err := provider.ParseKind(env.StringOr("PROVIDER", string(provider.KindLocal)))
	collect(err)
	c.ProviderKind = kind
	c.ProviderName = env.StringOr("PROVIDER_NAME", string(kind))
	c.DockerNetwork = env.StringOr("DOCKER_NETWORK", "kuroko")
	c.DockerImage = env.StringOr("DOCKER_IMAGE", "")
	c.LocalMaxHosts, err = env.IntOr("LOCAL_MAX_HOSTS", 0)
	collect(err)
	c.ProviderRetries, err = env.IntOr("PROVIDER_RETRIES", 3)
	collect(err)
	if raw := env.StringOr("CERTIFIED_KEY", ""); raw != "" {
		key, err := crypto.ParseKey(raw)
		if err != nil {
			collect(fmt.Errorf("%s: %w", env.Name("CERTIFIED_KEY"), err))
		}
		c.CertifiedKey = key
	}

	// Locks
	switch b := LockBackend(strings.ToLower(env.StringOr("LOCK_BACKEND", string(LockFile)))); b {
	case LockFile, LockSQLite, LockRedis:
		c.LockBackend = b
	default:
		collect(fmt.Errorf("%s: unknown lock backend %q (want file, sqlite or redis)", env.Name("LOCK_BACKEND"), b))
	}
	c.RedisAddr = env.StringOr("REDIS_ADDR", "")
	c.RedisPassword = env.StringOr("REDIS_PASSWORD", "")
	c.RedisDB, err = env.IntOr("REDIS_DB", 0)
	collect(err)
	if c.LockBackend == LockRedis && c.RedisAddr == "" {
		collect(fmt.Errorf("%s is required with the redis lock backend", env.Name("REDIS_ADDR")))
	}
	c.LockTTL, err = env.DurationOr("LOCK_TTL", 0)
	collect(err)
	c.DeployLockTTL, err = env.DurationOr("DEPLOY_LOCK_TTL", 0)
	collect(err)
	c.LockMaxWait, err = env.DurationOr("LOCK_MAX_WAIT", 0)
	collect(err)

	// Idle and heartbeat
	mode, err := activity.ParseMode(env.StringOr("IDLE_MODE", string(activity.ModeIO)))
	collect(err)
	c.IdleMode = mode
	c.IdleTimeout, err = env.DurationOr("IDLE_TIMEOUT", 30*time.Minute)
	collect(err)
	c.IdleTrust, err = activity.ParseTrust(env.StringOr("IDLE_TRUST", ""))
	collect(err)
	c.HeartbeatTimeout, err = env.DurationOr("HEARTBEAT_TIMEOUT", DefaultHeartbeatTimeout)
	collect(err)

	// Runner
	c.Workers, err = env.IntOr("WORKERS", 4)
	collect(err)
	if c.Workers < 1 {
		collect(fmt.Errorf("%s must be at least 1", env.Name("WORKERS")))
	}
	c.JournalPath = env.StringOr("JOURNAL_PATH", filepath.Join(home, "journal.db"))
	c.UseTmux, err = env.BoolOr("TMUX", true)
	collect(err)
	c.AutoWatch, err = env.BoolOr("AUTO_WATCH", true)
	collect(err)

	c.Matrix = Matrix{
		Homeserver:  env.StringOr("MATRIX_HOMESERVER", ""),
		UserID:      env.StringOr("MATRIX_USER_ID", ""),
		AccessToken: env.StringOr("MATRIX_ACCESS_TOKEN", ""),
		Room:        env.StringOr("MATRIX_ROOM", ""),
	}

	c.LogLevel = env.StringOr("LOG_LEVEL", "info")
	c.LogFormat = env.StringOr("LOG_FORMAT", "text")

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return c, nil
}
