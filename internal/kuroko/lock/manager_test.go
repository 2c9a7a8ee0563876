package lock_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/kuroko/common/clock"
	"github.com/bdobrica/kuroko/internal/kuroko/lock"
)

func newManager(t *testing.T, clk clock.Clock, onOrphan func(context.Context, *lock.OrphanDeploymentError)) *lock.Manager {
	t.Helper()
	b, err := lock.NewFileBackend(filepath.Join(t.TempDir(), "locks"))
	if err != nil {
		t.Fatal(err)
	}
	m, err := lock.NewManager(lock.Options{
		Backend:      b,
		Clock:        clk,
		TTL:          time.Minute,
		MaxWait:      10 * time.Second,
		RetryInitial: time.Second,
		RetryMax:     time.Second,
		OnOrphan:     onOrphan,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestParsePolicy_Required(t *testing.T) {
	if _, err := lock.ParsePolicy(""); !errors.Is(err, lock.ErrPolicyRequired) {
		t.Errorf("empty policy: got %v, want ErrPolicyRequired", err)
	}
	if _, err := lock.ParsePolicy("wait-forever"); err == nil {
		t.Error("unknown policy accepted")
	}
	for _, p := range []string{"continue-and-warn", "fail-immediately", "retry-until-locked"} {
		if _, err := lock.ParsePolicy(p); err != nil {
			t.Errorf("ParsePolicy(%q): %v", p, err)
		}
	}
}

func TestManager_EmptyPolicyRejected(t *testing.T) {
	m := newManager(t, clock.Fake(t0), nil)
	if _, err := m.AcquireHost(context.Background(), "host-1", ""); !errors.Is(err, lock.ErrPolicyRequired) {
		t.Errorf("got %v, want ErrPolicyRequired", err)
	}
}

func TestManager_FailImmediatelyAndContinueAndWarn(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, clock.Fake(t0), nil)

	held, err := m.AcquireHost(ctx, "host-1", lock.FailImmediately)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []lock.Policy{lock.FailImmediately, lock.ContinueAndWarn} {
		if _, err := m.AcquireHost(ctx, "host-1", p); !lock.IsConflict(err) {
			t.Errorf("%s: got %v, want conflict", p, err)
		}
	}
	if err := m.Release(ctx, held); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AcquireHost(ctx, "host-1", lock.FailImmediately); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestManager_RetryUntilLockedWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	m := newManager(t, clk, nil)

	held, err := m.AcquireHost(ctx, "host-1", lock.FailImmediately)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.AcquireHost(ctx, "host-1", lock.RetryUntilLocked)
		done <- err
	}()

	clk.BlockUntil(1)
	if err := m.Release(ctx, held); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("retry acquire: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry-until-locked did not acquire after release")
	}
}

func TestManager_RetryUntilLockedGivesUpAfterMaxWait(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	m := newManager(t, clk, nil)

	if _, err := m.AcquireHost(ctx, "host-1", lock.FailImmediately); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.AcquireHost(ctx, "host-1", lock.RetryUntilLocked)
		done <- err
	}()

	// The acquirer may be sleeping on the clock or between attempts; keep
	// moving time until it reports back.
	for i := 0; i < 500; i++ {
		select {
		case err := <-done:
			if !lock.IsConflict(err) {
				t.Fatalf("got %v, want conflict after MaxWait", err)
			}
			return
		case <-time.After(10 * time.Millisecond):
		}
		clk.Advance(time.Second)
	}
	t.Fatal("retry-until-locked never gave up")
}

func TestManager_DeploymentLockTwoHourBoundary(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)

	var (
		mu      sync.Mutex
		orphans []*lock.OrphanDeploymentError
	)
	m := newManager(t, clk, func(_ context.Context, e *lock.OrphanDeploymentError) {
		mu.Lock()
		orphans = append(orphans, e)
		mu.Unlock()
	})

	first, err := m.AcquireDeployment(ctx, "host-1", lock.FailImmediately)
	if err != nil {
		t.Fatal(err)
	}
	if want := t0.Add(2 * time.Hour); !first.Deadline.Equal(want) {
		t.Fatalf("deployment deadline: got %v, want %v", first.Deadline, want)
	}

	clk.Set(t0.Add(2*time.Hour - time.Second))
	if active, _, err := m.DeploymentActive(ctx, "host-1"); err != nil || !active {
		t.Fatalf("just before 2h: active=%v err=%v, want active", active, err)
	}
	if _, err := m.AcquireDeployment(ctx, "host-1", lock.FailImmediately); !lock.IsConflict(err) {
		t.Fatalf("just before 2h: got %v, want conflict", err)
	}

	clk.Set(t0.Add(2 * time.Hour))
	if active, _, err := m.DeploymentActive(ctx, "host-1"); err != nil || active {
		t.Fatalf("at 2h: active=%v err=%v, want inactive", active, err)
	}
	second, err := m.AcquireDeployment(ctx, "host-1", lock.FailImmediately)
	if err != nil {
		t.Fatalf("at 2h: %v", err)
	}
	if second.Reclaimed == nil || second.Reclaimed.Holder != first.Holder {
		t.Errorf("Reclaimed: got %+v, want first holder", second.Reclaimed)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(orphans) != 1 || orphans[0].HostID != "host-1" {
		t.Errorf("orphan reports: got %+v, want one for host-1", orphans)
	}
}

func TestManager_ReleaseSurvivesCancelledContext(t *testing.T) {
	m := newManager(t, clock.Fake(t0), nil)
	ctx, cancel := context.WithCancel(context.Background())

	l, err := m.AcquireHost(ctx, "host-1", lock.FailImmediately)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := m.Release(ctx, l); err != nil {
		t.Fatalf("Release after cancel: %v", err)
	}
	if _, ok, _ := m.Backend().Inspect(context.Background(), lock.HostResource("host-1")); ok {
		t.Error("lock still held")
	}
}

func TestManager_WithHostReleasesOnError(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, clock.Fake(t0), nil)
	boom := errors.New("boom")

	err := m.WithHost(ctx, "host-1", lock.FailImmediately, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if _, ok, _ := m.Backend().Inspect(ctx, lock.HostResource("host-1")); ok {
		t.Error("lock not released after fn error")
	}
}

// waitDeadline polls the backend until the lease on resource ends at want.
func waitDeadline(t *testing.T, m *lock.Manager, resource string, want time.Time) {
	t.Helper()
	for i := 0; i < 200; i++ {
		l, ok, err := m.Backend().Inspect(context.Background(), resource)
		if err != nil {
			t.Fatal(err)
		}
		if ok && l.Deadline.Equal(want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("lease on %s never reached deadline %v", resource, want)
}

func TestManager_WithHostRenewsLease(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	m := newManager(t, clk, nil)
	res := lock.HostResource("host-1")

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.WithHost(ctx, "host-1", lock.FailImmediately, func(context.Context) error {
			<-release
			return nil
		})
	}()

	clk.BlockUntil(1)
	for i := 1; i <= 4; i++ {
		clk.Advance(20 * time.Second)
		waitDeadline(t, m, res, t0.Add(time.Duration(i)*20*time.Second+time.Minute))
	}
	// Well past the first deadline the lease still excludes others.
	if _, err := m.AcquireHost(ctx, "host-1", lock.FailImmediately); !lock.IsConflict(err) {
		t.Fatalf("competing acquire: got %v, want conflict", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.Backend().Inspect(ctx, res); ok {
		t.Error("renewed lease not released after fn returned")
	}
}

func TestManager_WithHostCancelsOnLostLease(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	m := newManager(t, clk, nil)
	res := lock.HostResource("host-1")

	held := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.WithHost(ctx, "host-1", lock.FailImmediately, func(ctx context.Context) error {
			close(held)
			<-ctx.Done()
			return context.Cause(ctx)
		})
	}()

	<-held
	l, ok, err := m.Backend().Inspect(ctx, res)
	if err != nil || !ok {
		t.Fatalf("inspect: ok=%v err=%v", ok, err)
	}
	if err := m.Backend().Release(ctx, l); err != nil {
		t.Fatal(err)
	}
	clk.BlockUntil(1)
	clk.Advance(20 * time.Second)

	select {
	case err := <-done:
		if !errors.Is(err, lock.ErrLeaseLost) {
			t.Errorf("got %v, want ErrLeaseLost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fn was not cancelled after the lease was lost")
	}
}
