// Package heartbeat stops a remote host when no controller has touched it
// for too long. Controllers refresh a marker file inside the host whenever
// they talk to it; the watchdog reads how long ago that happened.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/kuroko/common/clock"
	"github.com/bdobrica/kuroko/internal/kuroko/fsutil"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

// FileName is the marker's name inside the host's state directory.
const FileName = "heartbeat"

// ErrTimeout is wrapped by *TimeoutError.
var ErrTimeout = errors.New("heartbeat timeout")

// TimeoutError reports a missed heartbeat.
type TimeoutError struct {
	Last    time.Time
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no heartbeat since %s (timeout %s)", e.Last.UTC().Format(time.RFC3339), e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// Beacon reports when the heartbeat was last refreshed. ok is false when
// it never was.
type Beacon interface {
	Last(ctx context.Context) (t time.Time, ok bool, err error)
}

// Marker is the heartbeat file of one host, read from the local
// filesystem.
type Marker struct {
	path string
}

// NewMarker returns the marker in stateDir.
func NewMarker(stateDir string) Marker {
	return Marker{path: filepath.Join(stateDir, FileName)}
}

// Touch sets the marker's mtime to t.
func (m Marker) Touch(t time.Time) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	return fsutil.Touch(m.path, t)
}

// Last returns the marker's mtime. ok is false when it does not exist.
func (m Marker) Last(context.Context) (t time.Time, ok bool, err error) {
	fi, err := os.Stat(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fi.ModTime(), true, nil
}

const touchScript = `mkdir -p "$KUROKO_STATE_DIR" && touch "$KUROKO_STATE_DIR/` + FileName + `"`

const ageScript = `f="$KUROKO_STATE_DIR/` + FileName + `"
[ -f "$f" ] || exit 0
m=$(stat -c %Y "$f" 2>/dev/null || stat -f %m "$f") && echo $(($(date +%s) - m))`

// Execer is the provider subset a controller needs to send or read a
// heartbeat.
type Execer interface {
	Exec(ctx context.Context, id string, req provider.ExecRequest) (provider.ExecResult, error)
}

// RemoteMarker reads the marker of a remote host through Exec. The host
// reports the marker's age by its own clock and the age is subtracted
// from the local clock.
type RemoteMarker struct {
	exec   Execer
	hostID string
	clock  clock.Clock
}

var (
	_ Beacon = Marker{}
	_ Beacon = RemoteMarker{}
)

// NewRemoteMarker returns the marker of hostID. A nil clk means the real
// clock.
func NewRemoteMarker(exec Execer, hostID string, clk clock.Clock) RemoteMarker {
	if clk == nil {
		clk = clock.Real()
	}
	return RemoteMarker{exec: exec, hostID: hostID, clock: clk}
}

func (m RemoteMarker) Last(ctx context.Context) (time.Time, bool, error) {
	res, err := m.exec.Exec(ctx, m.hostID, provider.ExecRequest{Script: ageScript})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("heartbeat %s: %w", m.hostID, err)
	}
	if res.ExitCode != 0 {
		return time.Time{}, false, fmt.Errorf("heartbeat %s: exit %d: %s", m.hostID, res.ExitCode, res.Stderr)
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return time.Time{}, false, nil
	}
	age, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("heartbeat %s: bad age %q", m.hostID, out)
	}
	if age < 0 {
		age = 0
	}
	return m.clock.Now().Add(-time.Duration(age) * time.Second), true, nil
}

// Send refreshes the marker of a remote host from the controller side.
func Send(ctx context.Context, p Execer, hostID string) error {
	res, err := p.Exec(ctx, hostID, provider.ExecRequest{Script: touchScript})
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", hostID, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("heartbeat %s: exit %d: %s", hostID, res.ExitCode, res.Stderr)
	}
	return nil
}

// Watchdog checks the heartbeat of one host.
type Watchdog struct {
	marker   Beacon
	timeout  time.Duration
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger

	mu        sync.Mutex
	startedAt time.Time
	floor     time.Time
}

// WatchdogOptions configures a Watchdog.
type WatchdogOptions struct {
	Timeout  time.Duration
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger
}

// NewWatchdog returns a watchdog over marker.
func NewWatchdog(marker Beacon, opts WatchdogOptions) (*Watchdog, error) {
	if opts.Timeout <= 0 {
		return nil, errors.New("heartbeat: timeout must be positive")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watchdog{
		marker:    marker,
		timeout:   opts.Timeout,
		interval:  opts.Interval,
		clock:     opts.Clock,
		logger:    opts.Logger,
		startedAt: opts.Clock.Now(),
	}, nil
}

// Check returns a *TimeoutError when the heartbeat is overdue. A missing
// marker counts from the watchdog's start or its last Rearm. Check only
// reads.
func (w *Watchdog) Check(ctx context.Context) error {
	now := w.clock.Now()
	w.mu.Lock()
	start, floor := w.startedAt, w.floor
	w.mu.Unlock()

	last, ok, err := w.marker.Last(ctx)
	if err != nil {
		return fmt.Errorf("heartbeat: read marker: %w", err)
	}
	if !ok {
		last = start
	}
	if last.Before(floor) {
		last = floor
	}
	if now.Sub(last) > w.timeout {
		return &TimeoutError{Last: last, Timeout: w.timeout}
	}
	return nil
}

// Rearm restarts the timeout at now, once the host runs again after a
// pause.
func (w *Watchdog) Rearm() {
	w.mu.Lock()
	w.floor = w.clock.Now()
	w.mu.Unlock()
}

// Run checks every interval and returns the *TimeoutError once the
// heartbeat is overdue, or ctx.Err().
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		err := w.Check(ctx)
		if errors.Is(err, ErrTimeout) {
			w.logger.Warn("heartbeat: timeout", "err", err)
			return err
		}
		if err != nil {
			w.logger.Warn("heartbeat: check failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Expired reports whether Check currently fails with a timeout. It
// changes no state.
func (w *Watchdog) Expired(ctx context.Context) bool {
	return errors.Is(w.Check(ctx), ErrTimeout)
}
