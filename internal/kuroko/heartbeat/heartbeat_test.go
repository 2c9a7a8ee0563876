package heartbeat_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdobrica/kuroko/common/clock"
	"github.com/bdobrica/kuroko/internal/kuroko/heartbeat"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
	"github.com/bdobrica/kuroko/internal/kuroko/provider/memory"
)

var t0 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func TestWatchdog_TimesOutWithoutHeartbeat(t *testing.T) {
	clk := clock.Fake(t0)
	marker := heartbeat.NewMarker(t.TempDir())
	if err := marker.Touch(t0); err != nil {
		t.Fatal(err)
	}
	w, err := heartbeat.NewWatchdog(marker, heartbeat.WatchdogOptions{Timeout: 3 * time.Second, Clock: clk})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
		if err := w.Check(context.Background()); err != nil {
			t.Fatalf("t0+%ds: %v", i+1, err)
		}
	}
	clk.Advance(time.Second)
	err = w.Check(context.Background())
	var te *heartbeat.TimeoutError
	if !errors.As(err, &te) || !errors.Is(err, heartbeat.ErrTimeout) {
		t.Fatalf("got %v, want *TimeoutError", err)
	}
	if !te.Last.Equal(t0) {
		t.Errorf("Last: got %v, want %v", te.Last, t0)
	}
}

func TestWatchdog_TouchResets(t *testing.T) {
	clk := clock.Fake(t0)
	marker := heartbeat.NewMarker(t.TempDir())
	w, err := heartbeat.NewWatchdog(marker, heartbeat.WatchdogOptions{Timeout: 2 * time.Second, Clock: clk})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		clk.Advance(time.Second)
		if err := marker.Touch(clk.Now()); err != nil {
			t.Fatal(err)
		}
		if err := w.Check(context.Background()); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func TestWatchdog_MissingMarkerCountsFromStart(t *testing.T) {
	clk := clock.Fake(t0)
	w, err := heartbeat.NewWatchdog(heartbeat.NewMarker(t.TempDir()), heartbeat.WatchdogOptions{Timeout: time.Second, Clock: clk})
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	if err := w.Check(context.Background()); err != nil {
		t.Fatalf("at timeout: %v", err)
	}
	clk.Advance(time.Second)
	if !w.Expired(context.Background()) {
		t.Error("expected expiry after timeout with no marker")
	}
}

func TestSend_TouchesMarkerThroughExec(t *testing.T) {
	p := memory.New(memory.Options{Name: "mem"})
	h, err := p.Create(context.Background(), provider.HostSpec{ID: "host-1", Name: "one"})
	if err != nil {
		t.Fatal(err)
	}
	var script string
	p.SetExec(func(id string, req provider.ExecRequest) (provider.ExecResult, error) {
		script = req.Script
		return provider.ExecResult{}, nil
	})
	if err := heartbeat.Send(context.Background(), p, h.ID); err != nil {
		t.Fatal(err)
	}
	if script == "" {
		t.Error("no script executed")
	}
}

func TestMarker_Last(t *testing.T) {
	dir := t.TempDir()
	m := heartbeat.NewMarker(dir)
	if _, ok, err := m.Last(context.Background()); ok || err != nil {
		t.Fatalf("missing marker: ok=%v err=%v", ok, err)
	}
	if err := m.Touch(t0); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, heartbeat.FileName)); err != nil {
		t.Fatal(err)
	}
	got, ok, err := m.Last(context.Background())
	if err != nil || !ok || !got.Equal(t0) {
		t.Errorf("Last: got %v ok=%v err=%v", got, ok, err)
	}
}

func TestWatchdog_SparseChecksStillExpire(t *testing.T) {
	clk := clock.Fake(t0)
	marker := heartbeat.NewMarker(t.TempDir())
	if err := marker.Touch(t0); err != nil {
		t.Fatal(err)
	}
	w, err := heartbeat.NewWatchdog(marker, heartbeat.WatchdogOptions{Timeout: 10 * time.Second, Interval: time.Second, Clock: clk})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Check(context.Background()); err != nil {
		t.Fatal(err)
	}
	clk.Advance(10*time.Second + time.Millisecond)
	if err := w.Check(context.Background()); !errors.Is(err, heartbeat.ErrTimeout) {
		t.Errorf("got %v, want timeout", err)
	}
}

func TestWatchdog_ExpiredOnlyReads(t *testing.T) {
	clk := clock.Fake(t0)
	marker := heartbeat.NewMarker(t.TempDir())
	if err := marker.Touch(t0); err != nil {
		t.Fatal(err)
	}
	w, err := heartbeat.NewWatchdog(marker, heartbeat.WatchdogOptions{Timeout: 2 * time.Second, Clock: clk})
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		if !w.Expired(context.Background()) {
			t.Fatalf("call %d: not expired an hour after the last heartbeat", i)
		}
	}
	err = w.Check(context.Background())
	var te *heartbeat.TimeoutError
	if !errors.As(err, &te) || !te.Last.Equal(t0) {
		t.Errorf("after Expired calls: got %v, want timeout since t0", err)
	}
}

func TestWatchdog_RearmRestartsTimeout(t *testing.T) {
	clk := clock.Fake(t0)
	marker := heartbeat.NewMarker(t.TempDir())
	if err := marker.Touch(t0); err != nil {
		t.Fatal(err)
	}
	w, err := heartbeat.NewWatchdog(marker, heartbeat.WatchdogOptions{Timeout: 2 * time.Second, Clock: clk})
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Hour)
	w.Rearm()
	if err := w.Check(context.Background()); err != nil {
		t.Fatalf("right after Rearm: %v", err)
	}
	clk.Advance(3 * time.Second)
	if !w.Expired(context.Background()) {
		t.Error("not expired a full timeout after Rearm")
	}
}

func TestRemoteMarker_AgeFromHostClock(t *testing.T) {
	clk := clock.Fake(t0)
	p := memory.New(memory.Options{Name: "mem"})
	h, err := p.Create(context.Background(), provider.HostSpec{ID: "host-1", Name: "one"})
	if err != nil {
		t.Fatal(err)
	}
	out := ""
	p.SetExec(func(id string, req provider.ExecRequest) (provider.ExecResult, error) {
		return provider.ExecResult{Stdout: out}, nil
	})
	m := heartbeat.NewRemoteMarker(p, h.ID, clk)

	if _, ok, err := m.Last(context.Background()); ok || err != nil {
		t.Fatalf("missing marker: ok=%v err=%v", ok, err)
	}
	out = "42\n"
	got, ok, err := m.Last(context.Background())
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if want := t0.Add(-42 * time.Second); !got.Equal(want) {
		t.Errorf("Last: got %v, want %v", got, want)
	}
}
