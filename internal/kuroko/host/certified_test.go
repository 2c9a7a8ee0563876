package host_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/kuroko/internal/kuroko/host"
)

func sampleRecord() *host.Record {
	return &host.Record{
		ID:                 "host-1234",
		Name:               "dev",
		Provider:           host.ProviderInstance{Name: "local", Kind: "local"},
		State:              host.StateRunning,
		Tags:               map[string]string{"team": "infra"},
		IdleMode:           "io",
		IdleTimeoutSeconds: 600,
		CreateTime:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SessionPrefix:      host.SessionPrefixFor("host-1234"),
		Agents:             []host.Agent{{ID: "agent-1", Name: "main", Type: "shell", Command: "sleep 100"}},
	}
}

func TestSealer_RoundTrip(t *testing.T) {
	for _, key := range [][]byte{nil, bytes.Repeat([]byte{7}, 32)} {
		s, err := host.NewSealer(key)
		if err != nil {
			t.Fatal(err)
		}
		data, err := s.Seal(sampleRecord())
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		got, err := s.Open(data)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if got.ID != "host-1234" || got.Tags["team"] != "infra" || len(got.Agents) != 1 {
			t.Fatalf("unexpected record %+v", got)
		}
	}
}

func TestSealer_DetectsTampering(t *testing.T) {
	s, _ := host.NewSealer(nil)
	data, err := s.Seal(sampleRecord())
	if err != nil {
		t.Fatal(err)
	}
	forged := bytes.Replace(data, []byte(`"idle_mode": "io"`), []byte(`"idle_mode": "disabled"`), 1)
	if bytes.Equal(forged, data) {
		t.Fatal("test did not manage to modify the sealed payload")
	}
	if _, err := s.Open(forged); !errors.Is(err, host.ErrCertifiedTampered) {
		t.Fatalf("expected ErrCertifiedTampered, got %v", err)
	}
}

func TestSealer_KeyMismatch(t *testing.T) {
	a, _ := host.NewSealer(bytes.Repeat([]byte{1}, 32))
	b, _ := host.NewSealer(bytes.Repeat([]byte{2}, 32))
	data, _ := a.Seal(sampleRecord())
	if _, err := b.Open(data); !errors.Is(err, host.ErrCertifiedTampered) {
		t.Fatalf("expected ErrCertifiedTampered, got %v", err)
	}
	if _, err := host.NewSealer([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestCheckIdentity(t *testing.T) {
	id := sampleRecord().Identity()
	if err := host.CheckIdentity(host.Identity{}, id); err != nil {
		t.Fatalf("first write should be accepted: %v", err)
	}
	if err := host.CheckIdentity(id, id); err != nil {
		t.Fatalf("identical write should be accepted: %v", err)
	}
	changed := id
	changed.ProviderName = "other"
	if err := host.CheckIdentity(id, changed); !errors.Is(err, host.ErrIdentityMutation) {
		t.Fatalf("expected ErrIdentityMutation, got %v", err)
	}
}

func TestRecord_CloneIsDeep(t *testing.T) {
	r := sampleRecord()
	c := r.Clone()
	c.Tags["team"] = "other"
	c.Agents[0].Name = "changed"
	if r.Tags["team"] != "infra" || r.Agents[0].Name != "main" {
		t.Fatal("Clone shares state with the original")
	}
}

func TestRecord_Snapshots(t *testing.T) {
	r := sampleRecord()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r.AddSnapshot(host.SnapshotRef{ID: "snap-b", CreatedAt: t0.Add(time.Hour)})
	r.AddSnapshot(host.SnapshotRef{ID: "snap-a", CreatedAt: t0})
	latest, ok := r.LatestSnapshot()
	if !ok || latest.ID != "snap-b" {
		t.Fatalf("LatestSnapshot = %+v, %v", latest, ok)
	}
	if !r.RemoveSnapshot("snap-b") || r.RemoveSnapshot("snap-b") {
		t.Fatal("RemoveSnapshot should succeed exactly once")
	}
}

func TestRecord_UnsafeForSnapshot(t *testing.T) {
	r := sampleRecord()
	if len(r.UnsafeForSnapshot()) != 0 {
		t.Fatal("plain host should be safe")
	}
	r.Mounts = []host.Mount{{Source: "/data", Target: "/mnt/data"}}
	r.GPUs = 1
	if got := r.UnsafeForSnapshot(); len(got) != 2 {
		t.Fatalf("expected 2 reasons, got %v", got)
	}
}

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"dev", "dev-1", "a.b_c"} {
		if err := host.ValidateName(ok); err != nil {
			t.Errorf("ValidateName(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", "-dev", "Dev", "has space"} {
		if err := host.ValidateName(bad); err == nil {
			t.Errorf("ValidateName(%q) should fail", bad)
		}
	}
}
