package snapshot_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/kuroko/common/clock"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
	"github.com/bdobrica/kuroko/internal/kuroko/provider/memory"
	"github.com/bdobrica/kuroko/internal/kuroko/snapshot"
)

var t0 = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func setup(t *testing.T, caps *provider.Capabilities) (*memory.Provider, *host.Record) {
	t.Helper()
	p := memory.New(memory.Options{Name: "mem", Caps: caps, Clock: clock.Fake(t0)})
	if _, err := p.Create(context.Background(), provider.HostSpec{ID: "host-1", Name: "one"}); err != nil {
		t.Fatal(err)
	}
	return p, &host.Record{ID: "host-1", Name: "one", State: host.StateRunning}
}

func TestCreate_PausesAndResumes(t *testing.T) {
	p, rec := setup(t, nil)
	m := snapshot.New(p, nil)

	ref, err := m.Create(context.Background(), rec, snapshot.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if p.Calls("pause") != 1 || p.Calls("resume") != 1 {
		t.Errorf("pause=%d resume=%d, want 1 each", p.Calls("pause"), p.Calls("resume"))
	}
	if len(rec.SnapshotRefs) != 1 || rec.SnapshotRefs[0].ID != ref.ID {
		t.Errorf("ref not recorded: %+v", rec.SnapshotRefs)
	}
	if ref.Incremental {
		t.Error("first snapshot cannot be incremental")
	}

	second, err := m.Create(context.Background(), rec, snapshot.CreateOptions{NoPause: true})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Incremental || second.Parent != ref.ID {
		t.Errorf("second snapshot: %+v, want incremental on %s", second, ref.ID)
	}
	if p.Calls("pause") != 1 {
		t.Error("NoPause still paused")
	}
}

func TestCreate_NoPauseWithoutCapability(t *testing.T) {
	p, rec := setup(t, &provider.Capabilities{})
	if _, err := snapshot.New(p, nil).Create(context.Background(), rec, snapshot.CreateOptions{}); err != nil {
		t.Fatal(err)
	}
	if p.Calls("pause") != 0 {
		t.Error("paused a backend without pause support")
	}
}

func TestCreate_ResumesEvenOnFailure(t *testing.T) {
	p, rec := setup(t, nil)
	p.FailNext("snapshot-create", provider.NewError(provider.Permanent, provider.CodeInternal, "snapshot-create", "host-1", nil))

	if _, err := snapshot.New(p, nil).Create(context.Background(), rec, snapshot.CreateOptions{}); err == nil {
		t.Fatal("expected error")
	}
	if p.Calls("resume") != 1 {
		t.Error("host left paused after a failed snapshot")
	}
	if len(rec.SnapshotRefs) != 0 {
		t.Error("failed snapshot recorded")
	}
}

func TestCreate_UnsafeConfig(t *testing.T) {
	p, rec := setup(t, nil)
	rec.Mounts = []host.Mount{{Source: "/data", Target: "/mnt/data"}}
	rec.GPUs = 1
	m := snapshot.New(p, nil)

	_, err := m.Create(context.Background(), rec, snapshot.CreateOptions{})
	var cv *snapshot.ConstraintViolation
	if !errors.As(err, &cv) || len(cv.Reasons) != 2 {
		t.Fatalf("got %v, want ConstraintViolation with 2 reasons", err)
	}
	if p.Calls("snapshot-create") != 0 {
		t.Error("snapshot taken despite refusal")
	}

	ref, err := m.Create(context.Background(), rec, snapshot.CreateOptions{OnUnsafe: snapshot.Acknowledge})
	if err != nil {
		t.Fatal(err)
	}
	if !ref.Incomplete {
		t.Error("acknowledged unsafe snapshot not marked incomplete")
	}
	listed, err := m.List(context.Background(), rec)
	if err != nil || len(listed) != 1 || !listed[0].Incomplete {
		t.Errorf("List: %+v, err %v", listed, err)
	}
}

func TestRestore_CreatesNewHost(t *testing.T) {
	p, rec := setup(t, nil)
	m := snapshot.New(p, nil)
	ref, err := m.Create(context.Background(), rec, snapshot.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Restore(context.Background(), ref, provider.HostSpec{ID: "host-1", Name: "same"}); err == nil {
		t.Error("restore onto the source host accepted")
	}
	h, err := m.Restore(context.Background(), ref, provider.HostSpec{ID: "host-2", Name: "two"})
	if err != nil {
		t.Fatal(err)
	}
	if h.ID != "host-2" {
		t.Errorf("restored id: %s", h.ID)
	}
	if _, err := p.Status(context.Background(), "host-1"); err != nil {
		t.Errorf("source host disturbed: %v", err)
	}
}

func TestDelete(t *testing.T) {
	p, rec := setup(t, nil)
	m := snapshot.New(p, nil)
	ref, err := m.Create(context.Background(), rec, snapshot.CreateOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(context.Background(), rec, ref.ID); err != nil {
		t.Fatal(err)
	}
	if len(rec.SnapshotRefs) != 0 {
		t.Error("ref still recorded")
	}
	if err := m.Delete(context.Background(), rec, ref.ID); !provider.IsNotFound(err) {
		t.Errorf("second delete: got %v, want not found", err)
	}
}
