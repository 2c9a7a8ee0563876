package provider_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/kuroko/common/retry"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
	"github.com/bdobrica/kuroko/internal/kuroko/provider/memory"
)

func TestWithRetry_RetriesTransient(t *testing.T) {
	ctx := context.Background()
	m := memory.New(memory.Options{})
	p := provider.WithRetry(m, retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond})
	if _, err := m.Create(ctx, provider.HostSpec{ID: "host-a", Name: "a"}); err != nil {
		t.Fatal(err)
	}

	blip := provider.NewError(provider.Transient, provider.CodeUnavailable, "start", "host-a", errors.New("connection reset"))
	m.FailNext("start", blip)
	m.FailNext("start", blip)

	if _, err := p.Start(ctx, "host-a"); err != nil {
		t.Fatalf("expected success after transient failures, got %v", err)
	}
	if n := m.Calls("start"); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestWithRetry_SideEffectingCallsRunOnce(t *testing.T) {
	ctx := context.Background()
	m := memory.New(memory.Options{})
	p := provider.WithRetry(m, retry.Config{MaxAttempts: 5, InitialDelay: time.Millisecond})
	blip := func(op string) error {
		return provider.NewError(provider.Transient, provider.CodeUnavailable, op, "host-a", errors.New("connection reset"))
	}

	m.FailNext("create", blip("create"))
	if _, err := p.Create(ctx, provider.HostSpec{ID: "host-a", Name: "a"}); !provider.IsTransient(err) {
		t.Fatalf("create: got %v, want the transient error", err)
	}
	if n := m.Calls("create"); n != 1 {
		t.Errorf("create attempts: got %d, want 1", n)
	}

	if _, err := m.Create(ctx, provider.HostSpec{ID: "host-a", Name: "a"}); err != nil {
		t.Fatal(err)
	}
	m.FailNext("exec", blip("exec"))
	if _, err := p.Exec(ctx, "host-a", provider.ExecRequest{Script: "true"}); !provider.IsTransient(err) {
		t.Fatalf("exec: got %v, want the transient error", err)
	}
	if n := m.Calls("exec"); n != 1 {
		t.Errorf("exec attempts: got %d, want 1", n)
	}
}

func TestWithRetry_PermanentPropagatesImmediately(t *testing.T) {
	ctx := context.Background()
	m := memory.New(memory.Options{})
	p := provider.WithRetry(m, retry.Config{MaxAttempts: 5, InitialDelay: time.Millisecond})

	m.FailNext("create", provider.NewError(provider.Permanent, provider.CodeAuth, "create", "", nil))
	_, err := p.Create(ctx, provider.HostSpec{ID: "host-a", Name: "a"})
	if provider.CodeOf(err) != provider.CodeAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if n := m.Calls("create"); n != 1 {
		t.Fatalf("permanent error retried: %d calls", n)
	}
}

func TestError_Message(t *testing.T) {
	err := provider.NewError(provider.Transient, provider.CodeUnavailable, "start", "host-a", errors.New("dial tcp"))
	const want = "provider start host-a: unavailable (transient): dial tcp"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
	if !provider.IsTransient(err) {
		t.Fatal("expected transient")
	}
}
