package lock_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/bdobrica/kuroko/internal/kuroko/lock"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type backendFactory func(t *testing.T) lock.Backend

func fileBackend(t *testing.T) lock.Backend {
	t.Helper()
	b, err := lock.NewFileBackend(filepath.Join(t.TempDir(), "locks"))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	return b
}

func sqliteBackend(t *testing.T) lock.Backend {
	t.Helper()
	b, err := lock.OpenSQLite(filepath.Join(t.TempDir(), "locks.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func redisBackend(t *testing.T) lock.Backend {
	t.Helper()
	addr := os.Getenv("KUROKO_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("KUROKO_TEST_REDIS_ADDR not set")
	}
	b := lock.NewRedisBackend(addr, os.Getenv("KUROKO_TEST_REDIS_PASSWORD"), 0)
	if err := b.Ping(context.Background()); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

var backends = map[string]backendFactory{
	"file":   fileBackend,
	"sqlite": sqliteBackend,
	"redis":  redisBackend,
}

// uniqueResource keeps redis runs from colliding with leftovers.
func uniqueResource(t *testing.T, name string) string {
	return "test:" + t.Name() + ":" + name + ":" + time.Now().Format("150405.000000000")
}

func TestBackend_AcquireConflictRelease(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := factory(t)
			res := uniqueResource(t, "a")

			l1, err := b.TryAcquire(ctx, res, "holder-1", t0, t0.Add(time.Minute))
			if err != nil {
				t.Fatalf("first acquire: %v", err)
			}
			if l1.Reclaimed != nil {
				t.Errorf("fresh lease should not report a reclaim")
			}

			_, err = b.TryAcquire(ctx, res, "holder-2", t0.Add(time.Second), t0.Add(time.Minute))
			var ce *lock.ConflictError
			if !errors.As(err, &ce) {
				t.Fatalf("second acquire: got %v, want *ConflictError", err)
			}
			if ce.Current.Holder != "holder-1" {
				t.Errorf("conflict holder: got %q, want holder-1", ce.Current.Holder)
			}

			got, ok, err := b.Inspect(ctx, res)
			if err != nil || !ok {
				t.Fatalf("Inspect: ok=%v err=%v", ok, err)
			}
			if got.Holder != "holder-1" || !got.Deadline.Equal(l1.Deadline) {
				t.Errorf("Inspect: got %+v", got)
			}

			if err := b.Release(ctx, l1); err != nil {
				t.Fatalf("Release: %v", err)
			}
			if _, ok, _ := b.Inspect(ctx, res); ok {
				t.Error("lease still present after release")
			}
			if err := b.Release(ctx, l1); !errors.Is(err, lock.ErrNotHeld) {
				t.Errorf("double release: got %v, want ErrNotHeld", err)
			}
		})
	}
}

func TestBackend_ExpiredLeaseIsReclaimed(t *testing.T) {
	for name, factory := range backends {
		if name == "redis" {
			// Redis drops expired keys by itself, so there is nothing to
			// reclaim once the wall clock passes the deadline.
			continue
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := factory(t)
			res := uniqueResource(t, "a")

			stale, err := b.TryAcquire(ctx, res, "crashed", t0, t0.Add(time.Minute))
			if err != nil {
				t.Fatal(err)
			}

			// Exactly at the deadline the lease counts as expired.
			fresh, err := b.TryAcquire(ctx, res, "new", t0.Add(time.Minute), t0.Add(2*time.Minute))
			if err != nil {
				t.Fatalf("reclaim: %v", err)
			}
			if fresh.Reclaimed == nil || fresh.Reclaimed.Holder != "crashed" {
				t.Fatalf("Reclaimed: got %+v, want holder crashed", fresh.Reclaimed)
			}

			if err := b.Release(ctx, stale); !errors.Is(err, lock.ErrNotHeld) {
				t.Errorf("stale holder release: got %v, want ErrNotHeld", err)
			}
			if got, ok, _ := b.Inspect(ctx, res); !ok || got.Holder != "new" {
				t.Errorf("stale release must not remove the new lease, got %+v ok=%v", got, ok)
			}
		})
	}
}

func TestBackend_ReleaseByOtherHolderFails(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := factory(t)
			res := uniqueResource(t, "a")

			l, err := b.TryAcquire(ctx, res, "owner", t0, t0.Add(time.Hour))
			if err != nil {
				t.Fatal(err)
			}
			impostor := l
			impostor.Holder = "someone-else"
			if err := b.Release(ctx, impostor); !errors.Is(err, lock.ErrNotHeld) {
				t.Errorf("got %v, want ErrNotHeld", err)
			}
			if _, ok, _ := b.Inspect(ctx, res); !ok {
				t.Error("lease removed by a non-holder")
			}
		})
	}
}

// acquireConcurrently races n acquirers for one resource at the same
// instant and returns how many won.
func acquireConcurrently(b lock.Backend, res string, n int) (int, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		firstErr error
		start    = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := b.TryAcquire(context.Background(), res, fmt.Sprintf("holder-%d", i), t0, t0.Add(time.Minute))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case lock.IsConflict(err):
			default:
				if firstErr == nil {
					firstErr = err
				}
			}
		}(i)
	}
	close(start)
	wg.Wait()
	return winners, firstErr
}

func TestBackend_ConcurrentAcquirersExclusive(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			parameters := gopter.DefaultTestParameters()
			parameters.MinSuccessfulTests = 20
			properties := gopter.NewProperties(parameters)

			round := 0
			properties.Property("exactly one of N concurrent acquirers wins", prop.ForAll(
				func(n int) bool {
					round++
					res := uniqueResource(t, fmt.Sprintf("round-%d", round))
					winners, err := acquireConcurrently(b, res, n)
					if err != nil {
						t.Logf("unexpected error: %v", err)
						return false
					}
					return winners == 1
				},
				gen.IntRange(2, 16),
			))
			properties.TestingRun(t)
		})
	}
}

func TestBackend_ExtendMovesDeadline(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := factory(t)
			res := uniqueResource(t, "a")

			l, err := b.TryAcquire(ctx, res, "holder-1", t0, t0.Add(time.Minute))
			if err != nil {
				t.Fatal(err)
			}
			extended, err := b.Extend(ctx, l, t0.Add(30*time.Second), t0.Add(90*time.Second))
			if err != nil {
				t.Fatalf("Extend: %v", err)
			}
			if !extended.Deadline.Equal(t0.Add(90 * time.Second)) {
				t.Errorf("deadline: got %v", extended.Deadline)
			}
			// Past the original deadline the lease still excludes others.
			if _, err := b.TryAcquire(ctx, res, "holder-2", t0.Add(70*time.Second), t0.Add(2*time.Minute)); !lock.IsConflict(err) {
				t.Fatalf("acquire after original deadline: got %v, want conflict", err)
			}
			if err := b.Release(ctx, l); !errors.Is(err, lock.ErrNotHeld) {
				t.Errorf("release with the superseded lease: got %v, want ErrNotHeld", err)
			}
			if err := b.Release(ctx, extended); err != nil {
				t.Errorf("release with the extended lease: %v", err)
			}
		})
	}
}

func TestBackend_ExtendAfterReclaimFails(t *testing.T) {
	for name, factory := range backends {
		if name == "redis" {
			// Redis expires keys on its own clock.
			continue
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := factory(t)
			res := uniqueResource(t, "a")

			stale, err := b.TryAcquire(ctx, res, "holder-1", t0, t0.Add(time.Second))
			if err != nil {
				t.Fatal(err)
			}
			if _, err := b.TryAcquire(ctx, res, "holder-2", t0.Add(2*time.Second), t0.Add(time.Minute)); err != nil {
				t.Fatal(err)
			}
			if _, err := b.Extend(ctx, stale, t0.Add(3*time.Second), t0.Add(time.Hour)); !errors.Is(err, lock.ErrNotHeld) {
				t.Errorf("extend of a reclaimed lease: got %v, want ErrNotHeld", err)
			}
		})
	}
}

// Leases that are never released keep expiring and being reclaimed by a
// crowd of acquirers; no two granted leases may overlap in time.
func TestBackend_ExpiringLeasesNeverOverlap(t *testing.T) {
	for name, factory := range backends {
		if name == "redis" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			b := factory(t)
			res := uniqueResource(t, "a")
			const ttl = 2 * time.Millisecond
			stop := time.Now().Add(300 * time.Millisecond)

			var (
				mu      sync.Mutex
				granted []lock.Lease
				wg      sync.WaitGroup
			)
			errc := make(chan error, 1)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					holder := fmt.Sprintf("holder-%d", i)
					for time.Now().Before(stop) {
						now := time.Now()
						l, err := b.TryAcquire(context.Background(), res, holder, now, now.Add(ttl))
						if lock.IsConflict(err) {
							continue
						}
						if err != nil {
							select {
							case errc <- err:
							default:
							}
							return
						}
						mu.Lock()
						granted = append(granted, l)
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			select {
			case err := <-errc:
				t.Fatalf("TryAcquire: %v", err)
			default:
			}
			if len(granted) < 2 {
				t.Fatalf("only %d leases granted", len(granted))
			}
			sort.Slice(granted, func(i, j int) bool { return granted[i].AcquiredAt.Before(granted[j].AcquiredAt) })
			for i := 1; i < len(granted); i++ {
				prev, cur := granted[i-1], granted[i]
				if cur.AcquiredAt.Before(prev.Deadline) {
					t.Fatalf("%s acquired at %v while %s held the lease until %v",
						cur.Holder, cur.AcquiredAt, prev.Holder, prev.Deadline)
				}
			}
		})
	}
}
