package redact_test

import (
	"testing"

	"github.com/bdobrica/kuroko/common/redact"
)

func TestString_RedactsSensitiveValues(t *testing.T) {
	line := "dial redis://:hunter2-long@cache:6379 failed"
	got := redact.String(line, "hunter2-long")
	const want = "dial redis://:[REDACTED]@cache:6379 failed"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestString_SkipsShortValues(t *testing.T) {
	line := "abc host"
	if got := redact.String(line, "abc"); got != line {
		t.Fatalf("short value should not be redacted; got %q", got)
	}
}

func TestParams(t *testing.T) {
	in := map[string]string{
		"image":           "ubuntu:24.04",
		"registry_token":  "xyz-123456",
		"redis_password":  "",
		"network":         "kuroko",
		"api_key":         "k-999999",
	}
	out := redact.Params(in)
	if out["image"] != "ubuntu:24.04" || out["network"] != "kuroko" {
		t.Errorf("non-sensitive values changed: %v", out)
	}
	if out["registry_token"] != "[REDACTED]" || out["api_key"] != "[REDACTED]" {
		t.Errorf("sensitive values not redacted: %v", out)
	}
	if out["redis_password"] != "" {
		t.Errorf("empty secret should stay empty, got %q", out["redis_password"])
	}
	if in["registry_token"] != "xyz-123456" {
		t.Error("input map was modified")
	}
}

func TestSecrets(t *testing.T) {
	got := redact.Secrets(map[string]string{"token": "bbbb", "password": "aaaa", "image": "x"})
	if len(got) != 2 || got[0] != "aaaa" || got[1] != "bbbb" {
		t.Fatalf("unexpected secrets %v", got)
	}
}
