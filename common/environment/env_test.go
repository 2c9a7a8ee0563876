package environment_test

import (
	"testing"
	"time"

	"github.com/bdobrica/kuroko/common/environment"
)

func env(m map[string]string) environment.Env {
	return environment.FromMap("KUROKO_", m)
}

func TestStringOr(t *testing.T) {
	e := env(map[string]string{"KUROKO_PROVIDER": "docker", "KUROKO_BLANK": "  "})
	if got := e.StringOr("PROVIDER", "local"); got != "docker" {
		t.Errorf("expected docker, got %q", got)
	}
	if got := e.StringOr("MISSING", "local"); got != "local" {
		t.Errorf("expected default, got %q", got)
	}
	if got := e.StringOr("BLANK", "local"); got != "local" {
		t.Errorf("blank value should fall back to default, got %q", got)
	}
}

func TestRequired(t *testing.T) {
	e := env(map[string]string{"KUROKO_HOME": "/var/lib/kuroko"})
	if v, err := e.Required("HOME"); err != nil || v != "/var/lib/kuroko" {
		t.Fatalf("Required(HOME) = %q, %v", v, err)
	}
	if _, err := e.Required("REDIS_ADDR"); err == nil {
		t.Fatal("expected error for missing variable")
	}
}

func TestBoolOr(t *testing.T) {
	e := env(map[string]string{"KUROKO_A": "true", "KUROKO_B": "nope"})
	if b, err := e.BoolOr("A", false); err != nil || !b {
		t.Fatalf("BoolOr(A) = %v, %v", b, err)
	}
	if _, err := e.BoolOr("B", false); err == nil {
		t.Fatal("expected parse error for invalid boolean")
	}
	if b, err := e.BoolOr("C", true); err != nil || !b {
		t.Fatalf("BoolOr(C) should return default, got %v, %v", b, err)
	}
}

func TestDurationOr(t *testing.T) {
	e := env(map[string]string{
		"KUROKO_IDLE_TIMEOUT":      "90",
		"KUROKO_DEPLOY_LOCK_TTL":   "2h",
		"KUROKO_HEARTBEAT_TIMEOUT": "soon",
	})
	cases := []struct {
		name    string
		want    time.Duration
		wantErr bool
	}{
		{"IDLE_TIMEOUT", 90 * time.Second, false},
		{"DEPLOY_LOCK_TTL", 2 * time.Hour, false},
		{"HEARTBEAT_TIMEOUT", time.Minute, true},
		{"LOCK_TTL", time.Minute, false},
	}
	for _, tc := range cases {
		got, err := e.DurationOr(tc.name, time.Minute)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestIntOr(t *testing.T) {
	e := env(map[string]string{"KUROKO_WORKERS": "8"})
	if n, err := e.IntOr("WORKERS", 4); err != nil || n != 8 {
		t.Fatalf("IntOr = %d, %v", n, err)
	}
}

func TestStringSliceOr(t *testing.T) {
	e := env(map[string]string{"KUROKO_TAGS": " a, ,b ,c"})
	got := e.StringSliceOr("TAGS", nil)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected slice %v", got)
	}
}
