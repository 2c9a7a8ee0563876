// Package monitor runs the host-side loops: the idle detector and, for
// remote hosts, the heartbeat watchdog. It makes sure the host is stopped
// at most once per episode and that a heartbeat timeout wins over an idle
// decision reached at the same time.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/kuroko/common/clock"
	"github.com/bdobrica/kuroko/internal/kuroko/heartbeat"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/idle"
)

// Status is what the supervisor reads about the host.
type Status struct {
	State host.State
	// Updated changes whenever the host's record is written.
	Updated time.Time
}

// Confirm is asked, with the host lock held, whether an action decided
// earlier still holds for the host as it is now.
type Confirm func(ctx context.Context, st Status) (bool, error)

// Controller applies lifecycle transitions to the watched host. Pause and
// Stop do nothing and report false when confirm turns the action down.
type Controller interface {
	Pause(ctx context.Context, reason host.StopReason, confirm Confirm) (applied bool, err error)
	Stop(ctx context.Context, reason host.StopReason, confirm Confirm) (applied bool, err error)
	Status(ctx context.Context) (Status, error)
}

// Outcome is what the supervisor did before returning.
type Outcome struct {
	Action idle.Action
	Reason host.StopReason
	// Gone is set when the host disappeared underneath the supervisor.
	Gone bool
	// State is set when the host left RUNNING for a state the supervisor
	// did not cause.
	State host.State
}

// Options configures a Supervisor.
type Options struct {
	Idle *idle.Detector
	// Heartbeat is nil for hosts that do not need one.
	Heartbeat  *heartbeat.Watchdog
	Controller Controller
	// Gone reports whether the host was destroyed. Optional.
	Gone func() bool
	// PollInterval paces the state checks and the wait for resume.
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Supervisor runs the loops of one host.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
}

// New validates opts.
func New(opts Options) (*Supervisor, error) {
	if opts.Idle == nil {
		return nil, errors.New("monitor: idle detector is required")
	}
	if opts.Controller == nil {
		return nil, errors.New("monitor: controller is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{opts: opts, logger: logger}, nil
}

type loopResult struct {
	decision idle.Decision
	err      error
}

// next tells Run what follows an episode.
type next int

const (
	finished next = iota
	// paused waits for the host to come back.
	paused
	// restart begins a new episode right away.
	restart
)

// Run supervises until the host is stopped, destroyed or ctx ends. After a
// pause, its own or anyone else's, it waits for the host to come back,
// rearms the loops and starts over.
func (s *Supervisor) Run(ctx context.Context) (Outcome, error) {
	for {
		out, nx, err := s.episode(ctx)
		if err != nil {
			return out, err
		}
		switch nx {
		case restart:
			continue
		case paused:
			out, again, err := s.waitResume(ctx)
			if err != nil || !again {
				return out, err
			}
			s.rearm()
		default:
			return out, nil
		}
	}
}

func (s *Supervisor) rearm() {
	s.opts.Idle.Rearm()
	if s.opts.Heartbeat != nil {
		s.opts.Heartbeat.Rearm()
	}
}

// episode runs both loops until one of them asks for action or the host
// leaves RUNNING by other hands.
func (s *Supervisor) episode(ctx context.Context) (Outcome, next, error) {
	base, err := s.opts.Controller.Status(ctx)
	if err != nil {
		s.logger.Warn("monitor: status check failed", "err", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	idleCh := make(chan loopResult, 1)
	hbCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		dec, err := s.opts.Idle.Run(loopCtx)
		idleCh <- loopResult{decision: dec, err: err}
	}()
	if s.opts.Heartbeat != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hbCh <- s.opts.Heartbeat.Run(loopCtx)
		}()
	}
	stopLoops := func() {
		cancel()
		wg.Wait()
	}

	poll := s.opts.Clock.NewTicker(s.opts.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			stopLoops()
			return Outcome{}, finished, ctx.Err()

		case err := <-hbCh:
			stopLoops()
			if !errors.Is(err, heartbeat.ErrTimeout) {
				return Outcome{}, finished, err
			}
			return s.stop(ctx, host.StopHeartbeat, err, s.heartbeatConfirm(base))

		case res := <-idleCh:
			stopLoops()
			if res.err != nil {
				return Outcome{}, finished, res.err
			}
			// A heartbeat timeout reached in the same window takes precedence.
			select {
			case err := <-hbCh:
				if errors.Is(err, heartbeat.ErrTimeout) {
					return s.stop(ctx, host.StopHeartbeat, err, s.heartbeatConfirm(base))
				}
			default:
			}
			if s.opts.Heartbeat != nil && s.opts.Heartbeat.Expired(ctx) {
				return s.stop(ctx, host.StopHeartbeat, heartbeat.ErrTimeout, s.heartbeatConfirm(base))
			}
			return s.apply(ctx, res.decision, s.idleConfirm(base))

		case <-poll.C:
			if s.opts.Gone != nil && s.opts.Gone() {
				stopLoops()
				s.logger.Info("monitor: host is gone, exiting")
				return Outcome{Gone: true}, finished, nil
			}
			st, err := s.opts.Controller.Status(ctx)
			if err != nil {
				s.logger.Warn("monitor: status check failed", "err", err)
				continue
			}
			switch st.State {
			case host.StateIdlePaused:
				stopLoops()
				s.logger.Info("monitor: host was paused elsewhere, waiting for resume")
				return Outcome{}, paused, nil
			case host.StateStopped, host.StateFailed, host.StateDestroying, host.StateDestroyed:
				stopLoops()
				s.logger.Info("monitor: host left running, exiting", "state", st.State)
				return Outcome{State: st.State}, finished, nil
			}
		}
	}
}

// unchanged reports whether the host is still running with the record the
// episode started from. A base that could not be read skips the record
// comparison.
func unchanged(base, st Status) bool {
	if st.State != host.StateRunning {
		return false
	}
	if base.State == "" {
		return true
	}
	return base.State == host.StateRunning && st.Updated.Equal(base.Updated)
}

// idleConfirm re-evaluates idleness against the host as it is once the
// lock is held. Any lifecycle change since the episode began calls the
// action off, and a called-off action restarts measurement.
func (s *Supervisor) idleConfirm(base Status) Confirm {
	return func(ctx context.Context, st Status) (bool, error) {
		if !unchanged(base, st) {
			return false, nil
		}
		dec, err := s.opts.Idle.Evaluate(ctx)
		if err != nil {
			s.logger.Warn("monitor: re-evaluation failed, holding off", "err", err)
			return false, nil
		}
		return dec.Action != idle.ActionNone, nil
	}
}

func (s *Supervisor) heartbeatConfirm(base Status) Confirm {
	return func(ctx context.Context, st Status) (bool, error) {
		if !unchanged(base, st) {
			return false, nil
		}
		err := s.opts.Heartbeat.Check(ctx)
		if err != nil && !errors.Is(err, heartbeat.ErrTimeout) {
			s.logger.Warn("monitor: heartbeat re-check failed, holding off", "err", err)
		}
		return errors.Is(err, heartbeat.ErrTimeout), nil
	}
}

func (s *Supervisor) stop(ctx context.Context, reason host.StopReason, cause error, confirm Confirm) (Outcome, next, error) {
	s.logger.Warn("monitor: stopping host", "reason", reason, "cause", cause)
	applied, err := s.opts.Controller.Stop(ctx, reason, confirm)
	if err != nil {
		return Outcome{}, finished, fmt.Errorf("monitor: stop (%s): %w", reason, err)
	}
	if !applied {
		s.logger.Info("monitor: stop no longer due, supervising again", "reason", reason)
		s.rearm()
		return Outcome{}, restart, nil
	}
	return Outcome{Action: idle.ActionStop, Reason: reason}, finished, nil
}

func (s *Supervisor) apply(ctx context.Context, dec idle.Decision, confirm Confirm) (Outcome, next, error) {
	switch dec.Action {
	case idle.ActionPause:
		s.logger.Info("monitor: pausing idle host", "idle_for", dec.IdleFor)
		applied, err := s.opts.Controller.Pause(ctx, dec.Reason, confirm)
		if err != nil {
			return Outcome{}, finished, fmt.Errorf("monitor: pause: %w", err)
		}
		if !applied {
			s.logger.Info("monitor: pause no longer due, supervising again")
			s.rearm()
			return Outcome{}, restart, nil
		}
		return Outcome{Action: idle.ActionPause, Reason: dec.Reason}, paused, nil
	case idle.ActionStop:
		return s.stop(ctx, dec.Reason, nil, confirm)
	}
	return Outcome{}, finished, fmt.Errorf("monitor: unexpected idle action %q", dec.Action)
}

// waitResume polls the host state after a pause. again is false when the
// host left the paused state for anything but RUNNING.
func (s *Supervisor) waitResume(ctx context.Context) (out Outcome, again bool, err error) {
	ticker := s.opts.Clock.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Outcome{Action: idle.ActionPause}, false, ctx.Err()
		case <-ticker.C:
		}
		if s.opts.Gone != nil && s.opts.Gone() {
			return Outcome{Action: idle.ActionPause, Gone: true}, false, nil
		}
		st, err := s.opts.Controller.Status(ctx)
		if err != nil {
			s.logger.Warn("monitor: state check failed", "err", err)
			continue
		}
		switch st.State {
		case host.StateIdlePaused:
			continue
		case host.StateRunning:
			s.logger.Info("monitor: host resumed")
			return Outcome{}, true, nil
		default:
			return Outcome{Action: idle.ActionPause, State: st.State}, false, nil
		}
	}
}
