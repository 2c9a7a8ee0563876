package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/kuroko/common/clock"
	"github.com/bdobrica/kuroko/common/retry"
)

// Policy decides what happens when a lock is already held.
type Policy string

const (
	// ContinueAndWarn reports the conflict for this target and lets the
	// caller move on to the next one.
	ContinueAndWarn Policy = "continue-and-warn"
	// FailImmediately reports the conflict and asks the caller to abort.
	FailImmediately Policy = "fail-immediately"
	// RetryUntilLocked waits, with backoff, until the lock frees up or
	// MaxWait elapses.
	RetryUntilLocked Policy = "retry-until-locked"
)

// ErrPolicyRequired is returned when no conflict policy was chosen.
var ErrPolicyRequired = errors.New("lock conflict policy is required")

// ParsePolicy validates a policy name. There is no default.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case ContinueAndWarn, FailImmediately, RetryUntilLocked:
		return p, nil
	case "":
		return "", ErrPolicyRequired
	}
	return "", fmt.Errorf("unknown lock conflict policy %q (want continue-and-warn, fail-immediately or retry-until-locked)", s)
}

const (
	DefaultTTL       = 10 * time.Minute
	DefaultDeployTTL = 2 * time.Hour
	DefaultMaxWait   = 5 * time.Minute
	releaseTimeout   = 10 * time.Second
)

// Options configures a Manager.
type Options struct {
	Backend Backend
	Clock   clock.Clock

	// TTL bounds ordinary per-operation locks.
	TTL time.Duration
	// DeployTTL bounds deployment locks, which span several operations.
	DeployTTL time.Duration
	// MaxWait bounds RetryUntilLocked.
	MaxWait time.Duration
	// RetryInitial and RetryMax shape the backoff of RetryUntilLocked.
	RetryInitial time.Duration
	RetryMax     time.Duration

	// Owner is a human readable prefix for holder tokens.
	Owner string

	// OnOrphan is called when an expired deployment lock is reclaimed.
	OnOrphan func(ctx context.Context, err *OrphanDeploymentError)

	Logger *slog.Logger
}

// Manager layers policies, TTLs and deployment locks over a Backend.
type Manager struct {
	opts   Options
	logger *slog.Logger
}

// NewManager fills in defaults.
func NewManager(opts Options) (*Manager, error) {
	if opts.Backend == nil {
		return nil, errors.New("lock backend is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.DeployTTL <= 0 {
		opts.DeployTTL = DefaultDeployTTL
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 250 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 5 * time.Second
	}
	if opts.Owner == "" {
		opts.Owner = "kuroko"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{opts: opts, logger: logger}, nil
}

// Backend returns the underlying backend.
func (m *Manager) Backend() Backend { return m.opts.Backend }

func (m *Manager) newHolder() string {
	return m.opts.Owner + "/" + uuid.NewString()
}

// AcquireHost takes the per-host mutation lock.
func (m *Manager) AcquireHost(ctx context.Context, hostID string, policy Policy) (Lease, error) {
	return m.acquire(ctx, HostResource(hostID), m.opts.TTL, policy)
}

// AcquireDeployment takes the long-lived deployment lock of a host. An
// expired deployment lock found in the way is reclaimed and reported as an
// orphan deployment; the returned lease is still valid.
func (m *Manager) AcquireDeployment(ctx context.Context, hostID string, policy Policy) (Lease, error) {
	lease, err := m.acquire(ctx, DeployResource(hostID), m.opts.DeployTTL, policy)
	if err != nil {
		return lease, err
	}
	if lease.Reclaimed != nil {
		orphan := &OrphanDeploymentError{HostID: hostID, Stale: *lease.Reclaimed}
		m.logger.Warn("lock: orphan deployment recovered", "host_id", hostID,
			"stale_holder", orphan.Stale.Holder, "stale_deadline", orphan.Stale.Deadline)
		if m.opts.OnOrphan != nil {
			m.opts.OnOrphan(ctx, orphan)
		}
	}
	return lease, nil
}

// Acquire takes an arbitrary resource with the default TTL.
func (m *Manager) Acquire(ctx context.Context, resource string, policy Policy) (Lease, error) {
	return m.acquire(ctx, resource, m.opts.TTL, policy)
}

func (m *Manager) acquire(ctx context.Context, resource string, ttl time.Duration, policy Policy) (Lease, error) {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return Lease{}, err
	}
	holder := m.newHolder()

	try := func() (Lease, error) {
		now := m.opts.Clock.Now()
		return m.opts.Backend.TryAcquire(ctx, resource, holder, now, now.Add(ttl))
	}

	lease, err := try()
	if err == nil {
		m.logReclaim(lease)
		return lease, nil
	}
	if !IsConflict(err) {
		return Lease{}, err
	}

	switch policy {
	case ContinueAndWarn:
		m.logger.Warn("lock: resource busy, skipping", "resource", resource, "err", err)
		return Lease{}, err
	case FailImmediately:
		return Lease{}, err
	}

	err = retry.Do(ctx, retry.Config{
		MaxElapsed:   m.opts.MaxWait,
		InitialDelay: m.opts.RetryInitial,
		MaxDelay:     m.opts.RetryMax,
		ShouldRetry:  IsConflict,
		Clock:        m.opts.Clock,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			m.logger.Debug("lock: waiting", "resource", resource, "attempt", attempt, "delay", delay)
		},
	}, func() error {
		var tryErr error
		lease, tryErr = try()
		return tryErr
	})
	if err != nil {
		return Lease{}, err
	}
	m.logReclaim(lease)
	return lease, nil
}

func (m *Manager) logReclaim(l Lease) {
	if l.Reclaimed != nil {
		m.logger.Info("lock: reclaimed expired lease", "resource", l.Resource,
			"stale_holder", l.Reclaimed.Holder, "stale_deadline", l.Reclaimed.Deadline)
	}
}

// Release drops lease. It runs on a context detached from ctx's
// cancellation so that cancelled operations still give their locks back.
func (m *Manager) Release(ctx context.Context, lease Lease) error {
	if lease.Holder == "" {
		return nil
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	err := m.opts.Backend.Release(rctx, lease)
	if errors.Is(err, ErrNotHeld) {
		m.logger.Warn("lock: lease lost before release", "resource", lease.Resource, "holder", lease.Holder)
	}
	return err
}

// DeploymentActive reports whether an unexpired deployment lock exists.
func (m *Manager) DeploymentActive(ctx context.Context, hostID string) (bool, Lease, error) {
	return m.Held(ctx, DeployResource(hostID))
}

// Held reports whether resource is under an unexpired lease.
func (m *Manager) Held(ctx context.Context, resource string) (bool, Lease, error) {
	l, ok, err := m.opts.Backend.Inspect(ctx, resource)
	if err != nil || !ok {
		return false, Lease{}, err
	}
	if l.Expired(m.opts.Clock.Now()) {
		return false, l, nil
	}
	return true, l, nil
}

// WithHost runs fn while holding the host lock.
func (m *Manager) WithHost(ctx context.Context, hostID string, policy Policy, fn func(ctx context.Context) error) error {
	lease, err := m.AcquireHost(ctx, hostID, policy)
	if err != nil {
		return err
	}
	return m.hold(ctx, lease, m.opts.TTL, fn)
}

// WithResource runs fn while holding resource with the default TTL.
func (m *Manager) WithResource(ctx context.Context, resource string, policy Policy, fn func(ctx context.Context) error) error {
	lease, err := m.Acquire(ctx, resource, policy)
	if err != nil {
		return err
	}
	return m.hold(ctx, lease, m.opts.TTL, fn)
}

// WithDeployment runs fn while holding the deployment lock of hostID.
func (m *Manager) WithDeployment(ctx context.Context, hostID string, policy Policy, fn func(ctx context.Context) error) error {
	lease, err := m.AcquireDeployment(ctx, hostID, policy)
	if err != nil {
		return err
	}
	return m.hold(ctx, lease, m.opts.DeployTTL, fn)
}

// hold runs fn with lease kept alive: its deadline is pushed to now+ttl
// every ttl/3. If the lease is lost, fn's context is cancelled with
// ErrLeaseLost. The lease is released when fn returns.
func (m *Manager) hold(ctx context.Context, lease Lease, ttl time.Duration, fn func(ctx context.Context) error) error {
	fctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		mu      sync.Mutex
		current = lease
		done    = make(chan struct{})
		stopped = make(chan struct{})
	)
	go func() {
		defer close(stopped)
		ticker := m.opts.Clock.NewTicker(renewInterval(ttl))
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			mu.Lock()
			l := current
			mu.Unlock()

			// Renewal outlives a cancelled fn so that its cleanup still
			// runs under the lock.
			rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			now := m.opts.Clock.Now()
			next, err := m.opts.Backend.Extend(rctx, l, now, now.Add(ttl))
			rcancel()
			switch {
			case err == nil:
				mu.Lock()
				current = next
				mu.Unlock()
			case errors.Is(err, ErrNotHeld):
				m.logger.Error("lock: lease lost while held", "resource", l.Resource, "holder", l.Holder)
				cancel(fmt.Errorf("%w: %s", ErrLeaseLost, l.Resource))
				return
			default:
				m.logger.Warn("lock: renewal failed", "resource", l.Resource, "err", err)
			}
		}
	}()

	err := fn(fctx)
	close(done)
	<-stopped

	mu.Lock()
	final := current
	mu.Unlock()
	if rerr := m.Release(ctx, final); rerr != nil && !errors.Is(rerr, ErrNotHeld) {
		m.logger.Error("lock: release failed", "resource", final.Resource, "err", rerr)
	}
	return err
}

func renewInterval(ttl time.Duration) time.Duration {
	if d := ttl / 3; d > 0 {
		return d
	}
	return time.Millisecond
}
