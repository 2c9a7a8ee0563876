package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/kuroko/common/environment"
	"github.com/bdobrica/kuroko/internal/kuroko/activity"
	"github.com/bdobrica/kuroko/internal/kuroko/config"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

func load(t *testing.T, vars map[string]string) (*config.Config, error) {
	t.Helper()
	return config.Load(environment.FromMap(environment.Prefix, vars))
}

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	c, err := load(t, map[string]string{"KUROKO_HOME": home})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ProviderKind != provider.KindLocal || c.ProviderName != "local" {
		t.Errorf("provider = %s/%s", c.ProviderKind, c.ProviderName)
	}
	if c.LockBackend != config.LockFile {
		t.Errorf("lock backend = %s", c.LockBackend)
	}
	if c.IdleMode != activity.ModeIO || c.IdleTimeout != 30*time.Minute {
		t.Errorf("idle = %s %s", c.IdleMode, c.IdleTimeout)
	}
	if c.HeartbeatTimeout != config.DefaultHeartbeatTimeout {
		t.Errorf("heartbeat = %s", c.HeartbeatTimeout)
	}
	if c.Workers != 4 {
		t.Errorf("workers = %d", c.Workers)
	}
	if !strings.HasPrefix(c.JournalPath, home) {
		t.Errorf("journal path %q not under home", c.JournalPath)
	}
	if c.Matrix.Enabled() {
		t.Error("matrix should be disabled without credentials")
	}
	inst := c.Instance()
	if inst.Kind != "local" || inst.Params["root"] != c.ProviderRoot() {
		t.Errorf("instance = %+v", inst)
	}
}

func TestLoad_Overrides(t *testing.T) {
	c, err := load(t, map[string]string{
		"KUROKO_HOME":                t.TempDir(),
		"KUROKO_PROVIDER":            "docker",
		"KUROKO_PROVIDER_NAME":       "build-farm",
		"KUROKO_DOCKER_NETWORK":      "lab",
		"KUROKO_LOCK_BACKEND":        "redis",
		"KUROKO_REDIS_ADDR":          "localhost:6379",
		"KUROKO_DEPLOY_LOCK_TTL":     "3h",
		"KUROKO_IDLE_MODE":           "agent",
		"KUROKO_IDLE_TIMEOUT":        "600",
		"KUROKO_IDLE_TRUST":          "external-only",
		"KUROKO_WORKERS":             "8",
		"KUROKO_MATRIX_HOMESERVER":   "https://matrix.example.com",
		"KUROKO_MATRIX_ACCESS_TOKEN": "syt_secret",
		"KUROKO_MATRIX_ROOM":         "!ops:example.com",
		"KUROKO_CERTIFIED_KEY":       strings.Repeat("0f", 32),
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.ProviderKind != provider.KindDocker || c.ProviderName != "build-farm" {
		t.Errorf("provider = %s/%s", c.ProviderKind, c.ProviderName)
	}
	if c.DeployLockTTL != 3*time.Hour {
		t.Errorf("deploy ttl = %s", c.DeployLockTTL)
	}
	if c.IdleTimeout != 10*time.Minute {
		t.Errorf("bare integer should be seconds, got %s", c.IdleTimeout)
	}
	if c.IdleTrust != activity.TrustExternalOnly {
		t.Errorf("trust = %s", c.IdleTrust)
	}
	if !c.Matrix.Enabled() {
		t.Error("matrix should be enabled")
	}
	if len(c.CertifiedKey) != 32 {
		t.Errorf("certified key length %d", len(c.CertifiedKey))
	}
	if got := c.Instance().Params["network"]; got != "lab" {
		t.Errorf("network param = %q", got)
	}
}

func TestLoad_ReportsEveryError(t *testing.T) {
	_, err := load(t, map[string]string{
		"KUROKO_HOME":         t.TempDir(),
		"KUROKO_PROVIDER":     "vmware",
		"KUROKO_LOCK_BACKEND": "redis",
		"KUROKO_WORKERS":      "zero",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"vmware", "KUROKO_REDIS_ADDR", "KUROKO_WORKERS"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}
