// Package idle decides when a host has been inactive long enough to be
// paused or stopped. The detector runs next to the host it watches and
// needs no controller: it reads activity signals, checks the deployment
// lock and the agent count, and reports a decision.
package idle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/kuroko/common/clock"
	"github.com/bdobrica/kuroko/internal/kuroko/activity"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/lock"
)

// Action is what the detector wants done.
type Action string

const (
	ActionNone  Action = "none"
	ActionPause Action = "pause"
	ActionStop  Action = "stop"
)

// Decision is the result of one evaluation.
type Decision struct {
	Action     Action
	Reason     host.StopReason
	LastActive time.Time
	IdleFor    time.Duration
	// Suppressed is set when an action was due but a deployment lock
	// was present.
	Suppressed bool
	// LiveAgents is the agent count seen in this pass, -1 if unknown.
	LiveAgents int
}

// DeploymentChecker reports whether a deployment is in progress.
// *lock.Manager satisfies it.
type DeploymentChecker interface {
	DeploymentActive(ctx context.Context, hostID string) (bool, lock.Lease, error)
}

// AgentCounter counts live agents. *agents.Tracker satisfies it.
type AgentCounter interface {
	LiveCount(ctx context.Context) (int, error)
}

// Recorder stores activity signals. *activity.FileStore satisfies it.
type Recorder interface {
	Touch(src activity.Source, t time.Time, note string) error
}

// Config holds the detector settings.
type Config struct {
	HostID  string
	Mode    activity.Mode
	Trust   activity.Trust
	Timeout time.Duration
	// SupportsPause selects pause over stop.
	SupportsPause bool
	// ExitGrace is how long zero live agents must persist before a
	// graceful stop. Zero disables the check.
	ExitGrace time.Duration
	// ExpectAgents arms the exit check before any agent has been seen.
	ExpectAgents bool
	// Interval is the evaluation period of Run.
	Interval time.Duration
}

// Detector evaluates idleness for one host.
type Detector struct {
	cfg      Config
	signals  activity.Store
	deploy   DeploymentChecker
	agents   AgentCounter
	recorder Recorder
	clock    clock.Clock
	logger   *slog.Logger

	// startedAt stands in for last activity when no signal exists.
	startedAt time.Time
	// floor is the earliest moment idleness is measured from after a
	// Rearm.
	floor     time.Time
	sawAgents bool
	zeroSince time.Time
}

// Deps are the detector's collaborators. Agents and Recorder are optional.
type Deps struct {
	Signals  activity.Store
	Deploy   DeploymentChecker
	Agents   AgentCounter
	Recorder Recorder
	Clock    clock.Clock
	Logger   *slog.Logger
}

// New validates cfg and returns a Detector.
func New(cfg Config, deps Deps) (*Detector, error) {
	if cfg.HostID == "" {
		return nil, errors.New("idle: host id is required")
	}
	if _, err := activity.ParseMode(string(cfg.Mode)); err != nil {
		return nil, fmt.Errorf("idle: %w", err)
	}
	if cfg.Timeout <= 0 && !cfg.Mode.Disabled() {
		return nil, errors.New("idle: timeout must be positive")
	}
	if deps.Signals == nil {
		return nil, errors.New("idle: signal store is required")
	}
	if deps.Deploy == nil {
		return nil, errors.New("idle: deployment checker is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Detector{
		cfg:      cfg,
		signals:  deps.Signals,
		deploy:   deps.Deploy,
		agents:   deps.Agents,
		recorder: deps.Recorder,
		clock:    deps.Clock,
		logger:   logger.With("host_id", cfg.HostID),
	}
	d.startedAt = d.clock.Now()
	if cfg.Trust == activity.TrustAll {
		d.logger.Info("idle: trusting every activity source; processes inside the host can keep it awake",
			"mode", cfg.Mode)
	}
	return d, nil
}

// Evaluate runs one pass. It never acts; callers apply the decision.
func (d *Detector) Evaluate(ctx context.Context) (Decision, error) {
	now := d.clock.Now()
	dec := Decision{Action: ActionNone, LiveAgents: -1}

	live, agentsDue := d.checkAgents(ctx, now)
	dec.LiveAgents = live

	idleDue := false
	if !d.cfg.Mode.Disabled() {
		sigs, err := d.signals.Signals(ctx)
		if err != nil {
			return dec, fmt.Errorf("idle: read signals: %w", err)
		}
		res := activity.Aggregate(sigs, d.cfg.Mode, d.cfg.Trust)
		if len(res.Distrusted) > 0 {
			d.logger.Debug("idle: ignoring untrusted sources", "sources", res.Distrusted)
		}
		dec.LastActive = d.startedAt
		if res.Found {
			dec.LastActive = res.LastActive
		}
		if dec.LastActive.Before(d.floor) {
			dec.LastActive = d.floor
		}
		dec.IdleFor = now.Sub(dec.LastActive)
		idleDue = dec.IdleFor > d.cfg.Timeout
	}

	switch {
	case idleDue:
		dec.Action, dec.Reason = ActionStop, host.StopIdle
		if d.cfg.SupportsPause {
			dec.Action = ActionPause
		}
	case agentsDue:
		dec.Action, dec.Reason = ActionStop, host.StopAgentsExited
	default:
		return dec, nil
	}

	active, lease, err := d.deploy.DeploymentActive(ctx, d.cfg.HostID)
	if err != nil {
		// Without knowing, acting could cut a deployment in half.
		return Decision{Action: ActionNone, LiveAgents: live}, fmt.Errorf("idle: check deployment lock: %w", err)
	}
	if active {
		d.logger.Info("idle: action suppressed by deployment lock",
			"action", dec.Action, "holder", lease.Holder, "deadline", lease.Deadline)
		dec.Action = ActionNone
		dec.Suppressed = true
	}
	return dec, nil
}

func (d *Detector) checkAgents(ctx context.Context, now time.Time) (live int, due bool) {
	if d.agents == nil {
		return -1, false
	}
	n, err := d.agents.LiveCount(ctx)
	if err != nil {
		d.logger.Warn("idle: agent probe failed", "err", err)
		return -1, false
	}
	if n > 0 {
		d.sawAgents = true
		d.zeroSince = time.Time{}
		if d.recorder != nil {
			if err := d.recorder.Touch(activity.AgentProcess, now, ""); err != nil {
				d.logger.Warn("idle: failed to record agent activity", "err", err)
			}
		}
		return n, false
	}
	if d.cfg.ExitGrace <= 0 || !(d.sawAgents || d.cfg.ExpectAgents) {
		return 0, false
	}
	if d.zeroSince.IsZero() {
		d.zeroSince = now
		return 0, false
	}
	return 0, now.Sub(d.zeroSince) >= d.cfg.ExitGrace
}

// Run evaluates every Interval until an action is due, then returns that
// decision. Errors from single passes are logged and the loop goes on.
func (d *Detector) Run(ctx context.Context) (Decision, error) {
	ticker := d.clock.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		dec, err := d.Evaluate(ctx)
		if err != nil {
			d.logger.Warn("idle: evaluation failed", "err", err)
		} else if dec.Action != ActionNone {
			d.logger.Info("idle: action due", "action", dec.Action, "reason", dec.Reason,
				"idle_for", dec.IdleFor, "last_active", dec.LastActive)
			return dec, nil
		}

		select {
		case <-ctx.Done():
			return Decision{Action: ActionNone}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Rearm restarts measurement at now. The supervisor calls it once the
// host is running again after a pause, whoever paused it; gaps between
// evaluations never count as a pause on their own.
func (d *Detector) Rearm() {
	d.floor = d.clock.Now()
	d.zeroSince = time.Time{}
}
