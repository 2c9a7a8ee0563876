package activity_test

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/bdobrica/kuroko/internal/kuroko/activity"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func TestParseMode(t *testing.T) {
	for _, name := range []string{"io", "user", "agent", "ssh", "boot", "create", "run", "disabled", " IO "} {
		if _, err := activity.ParseMode(name); err != nil {
			t.Errorf("ParseMode(%q): %v", name, err)
		}
	}
	if _, err := activity.ParseMode("always"); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestModeSubsets(t *testing.T) {
	cases := map[activity.Mode][]activity.Source{
		activity.ModeIO:       {activity.UserInput, activity.AgentOutput, activity.SSH, activity.HostCreate, activity.HostBoot},
		activity.ModeUser:     {activity.UserInput, activity.SSH, activity.HostCreate, activity.HostBoot},
		activity.ModeAgent:    {activity.AgentOutput, activity.AgentProcess, activity.HostCreate, activity.HostBoot},
		activity.ModeSSH:      {activity.SSH, activity.HostCreate, activity.HostBoot},
		activity.ModeBoot:     {activity.HostBoot, activity.HostCreate},
		activity.ModeCreate:   {activity.HostCreate},
		activity.ModeRun:      {activity.AgentProcess, activity.HostCreate, activity.HostBoot},
		activity.ModeDisabled: {},
	}
	for mode, want := range cases {
		got := mode.Sources()
		if len(got) == 0 && len(want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%s: got %v, want %v", mode, got, want)
		}
	}
}

func TestAggregate_TakesMaxOfModeSources(t *testing.T) {
	signals := []activity.Signal{
		{Source: activity.HostCreate, ObservedAt: t0},
		{Source: activity.HostBoot, ObservedAt: t0.Add(time.Minute)},
		{Source: activity.UserInput, ObservedAt: t0.Add(5 * time.Minute)},
		{Source: activity.AgentProcess, ObservedAt: t0.Add(time.Hour)},
	}

	res := activity.Aggregate(signals, activity.ModeIO, activity.TrustAll)
	if !res.Found || !res.LastActive.Equal(t0.Add(5*time.Minute)) || res.Winner != activity.UserInput {
		t.Errorf("io: got %+v", res)
	}

	res = activity.Aggregate(signals, activity.ModeCreate, activity.TrustAll)
	if !res.LastActive.Equal(t0) {
		t.Errorf("create: got %v, want %v", res.LastActive, t0)
	}

	res = activity.Aggregate(signals, activity.ModeDisabled, activity.TrustAll)
	if res.Found {
		t.Errorf("disabled: found %+v", res)
	}
}

func TestAggregate_ExternalOnlyDropsHostWrittenSources(t *testing.T) {
	signals := []activity.Signal{
		{Source: activity.HostBoot, ObservedAt: t0},
		{Source: activity.UserInput, ObservedAt: t0.Add(time.Hour)},
		{Source: activity.SSH, ObservedAt: t0.Add(2 * time.Hour)},
	}
	res := activity.Aggregate(signals, activity.ModeIO, activity.TrustExternalOnly)
	if !res.LastActive.Equal(t0) {
		t.Errorf("LastActive: got %v, want %v", res.LastActive, t0)
	}
	want := []activity.Source{activity.SSH, activity.UserInput}
	if !reflect.DeepEqual(res.Distrusted, want) {
		t.Errorf("Distrusted: got %v, want %v", res.Distrusted, want)
	}
}

func TestFileStore_MtimeIsAuthoritative(t *testing.T) {
	stateDir := t.TempDir()
	s := activity.NewFileStore(stateDir)

	if err := s.Touch(activity.UserInput, t0, "keypress"); err != nil {
		t.Fatal(err)
	}
	// A forged payload claiming a later time must not matter.
	path := filepath.Join(stateDir, "activity", "user_input")
	if err := os.WriteFile(path, []byte(`{"time": 99999999999999}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, t0, t0); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(stateDir, "activity", "bogus"), nil, 0o644)

	sigs, err := s.Signals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sigs) != 1 || sigs[0].Source != activity.UserInput || !sigs[0].ObservedAt.Equal(t0) {
		t.Errorf("Signals: got %+v", sigs)
	}
}

func TestFileStore_EmptyDir(t *testing.T) {
	sigs, err := activity.NewFileStore(t.TempDir()).Signals(context.Background())
	if err != nil || len(sigs) != 0 {
		t.Errorf("got %v, %v; want no signals", sigs, err)
	}
}
