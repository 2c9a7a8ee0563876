package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
	"github.com/bdobrica/kuroko/internal/kuroko/provider/memory"
)

func TestProvider_SnapshotRestoreCreatesNewHost(t *testing.T) {
	ctx := context.Background()
	p := memory.New(memory.Options{})
	if _, err := p.Create(ctx, provider.HostSpec{ID: "host-a", Name: "a"}); err != nil {
		t.Fatal(err)
	}
	_ = p.WriteFile("host-a", "/work/main.go", []byte("package main"))

	ref, err := p.SnapshotCreate(ctx, "host-a", "")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Incremental {
		t.Error("first snapshot cannot be incremental")
	}
	_ = p.WriteFile("host-a", "/work/main.go", []byte("changed"))

	if _, err := p.SnapshotRestore(ctx, provider.HostSpec{ID: "host-b", Name: "b"}, ref); err != nil {
		t.Fatal(err)
	}
	got, _ := p.ReadFile("host-b", "/work/main.go")
	if string(got) != "package main" {
		t.Fatalf("restored content = %q", got)
	}
	orig, _ := p.ReadFile("host-a", "/work/main.go")
	if string(orig) != "changed" {
		t.Fatal("restore touched the source host")
	}

	next, _ := p.SnapshotCreate(ctx, "host-a", ref.ID)
	if !next.Incremental || next.Parent != ref.ID {
		t.Fatalf("expected incremental snapshot on %s, got %+v", ref.ID, next)
	}
}

func TestProvider_FailNext(t *testing.T) {
	ctx := context.Background()
	p := memory.New(memory.Options{})
	boom := errors.New("boom")
	p.FailNext("create", boom)
	if _, err := p.Create(ctx, provider.HostSpec{ID: "host-a", Name: "a"}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if _, err := p.Create(ctx, provider.HostSpec{ID: "host-a", Name: "a"}); err != nil {
		t.Fatalf("second create should succeed: %v", err)
	}
	if n := p.Calls("create"); n != 2 {
		t.Fatalf("expected 2 create calls, got %d", n)
	}
}

func TestProvider_PauseUnsupported(t *testing.T) {
	ctx := context.Background()
	p := memory.New(memory.Options{Caps: &provider.Capabilities{}})
	_, _ = p.Create(ctx, provider.HostSpec{ID: "host-a", Name: "a"})
	if err := p.Pause(ctx, "host-a"); !errors.Is(err, provider.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestProvider_WriteCertifiedRejectsIdentityChange(t *testing.T) {
	ctx := context.Background()
	p := memory.New(memory.Options{})
	_, _ = p.Create(ctx, provider.HostSpec{ID: "host-a", Name: "a"})
	rec := &host.Record{ID: "host-a", Name: "a", Provider: host.ProviderInstance{Name: "memory", Kind: "memory"}}
	if err := p.WriteCertified(ctx, "host-a", rec); err != nil {
		t.Fatal(err)
	}
	rec.Provider.Name = "elsewhere"
	if err := p.WriteCertified(ctx, "host-a", rec); !errors.Is(err, provider.ErrIdentityMutation) {
		t.Fatalf("expected ErrIdentityMutation, got %v", err)
	}
}

func TestProvider_NotFound(t *testing.T) {
	p := memory.New(memory.Options{})
	if _, err := p.Start(context.Background(), "host-x"); !provider.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
