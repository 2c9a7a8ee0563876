package journal_test

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/journal"
)

func newTestJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndByHost(t *testing.T) {
	ctx := context.Background()
	j := newTestJournal(t)

	entries := []journal.Entry{
		{TraceID: "t1", HostID: "host-a", Op: "create", From: host.StatePending, To: host.StateProvisioning, Result: journal.ResultSuccess},
		{TraceID: "t1", HostID: "host-a", Op: "create", From: host.StateProvisioning, To: host.StateRunning, Result: journal.ResultSuccess},
		{TraceID: "t2", HostID: "host-b", Op: "create", From: host.StatePending, To: host.StateProvisioning, Result: journal.ResultSuccess},
		{TraceID: "t3", HostID: "host-a", Op: "stop", From: host.StateRunning, To: host.StateStopping, Result: journal.ResultSuccess},
		{TraceID: "t3", HostID: "host-a", Op: "stop", From: host.StateStopping, To: host.StateRunning, Result: journal.ResultReverted, ErrorMessage: "provider unavailable"},
	}
	for _, e := range entries {
		if err := j.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := j.ByHost(ctx, "host-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("ByHost: got %d entries, want 4", len(got))
	}
	if got[3].ErrorMessage != "provider unavailable" || got[3].Result != journal.ResultReverted {
		t.Errorf("last entry: %+v", got[3])
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp not filled in")
	}

	walk, err := j.States(ctx, "host-a")
	if err != nil {
		t.Fatal(err)
	}
	want := []host.State{host.StatePending, host.StateProvisioning, host.StateRunning, host.StateStopping, host.StateRunning}
	if !reflect.DeepEqual(walk, want) {
		t.Errorf("States: got %v, want %v", walk, want)
	}
	if i := host.ValidWalk(walk); i != -1 {
		t.Errorf("journal walk invalid at step %d", i)
	}

	byTrace, err := j.ByTrace(ctx, "t3")
	if err != nil || len(byTrace) != 2 {
		t.Errorf("ByTrace: %d entries, err %v", len(byTrace), err)
	}
	recent, err := j.Recent(ctx, 2)
	if err != nil || len(recent) != 2 || recent[0].Op != "stop" {
		t.Errorf("Recent: %+v, err %v", recent, err)
	}
}
