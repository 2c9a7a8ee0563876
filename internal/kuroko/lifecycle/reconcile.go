package lifecycle

import (
	"context"
	"fmt"

	"github.com/bdobrica/kuroko/common/trace"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/journal"
	"github.com/bdobrica/kuroko/internal/kuroko/lock"
	"github.com/bdobrica/kuroko/internal/kuroko/notify"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

// Reconcile brings a certified record back in line with the backend after
// a crash. It runs under the host lock, so a record found in an
// intermediate state belongs to an interrupted operation and is marked
// FAILED. A record that disagrees with the backend about running, paused
// or stopped follows the backend.
func (m *Manager) Reconcile(ctx context.Context, id string, policy lock.Policy) (Result, error) {
	var res Result
	err := m.locked(ctx, id, policy, func(ctx context.Context, rec *host.Record) error {
		log := trace.Logger(ctx, m.logger).With("host_id", id, "state", rec.State)

		if rec.State.Intermediate() {
			reason := fmt.Sprintf("interrupted while %s", rec.State)
			if err := m.settle(ctx, rec, reason, host.StateFailed); err != nil {
				return err
			}
			m.notify(ctx, rec, notify.KindHostFailed, reason)
			res = Result{Record: rec}
			return nil
		}

		h, err := m.p.Status(ctx, id)
		if err != nil {
			return err
		}
		var walk []host.State
		switch {
		case rec.State == host.StateRunning && h.Status == provider.StatusPaused:
			walk = []host.State{host.StateIdlePaused}
		case rec.State == host.StateIdlePaused && h.Status == provider.StatusRunning:
			walk = []host.State{host.StateRunning}
		case rec.State.Active() && h.Status == provider.StatusStopped:
			walk = []host.State{host.StateStopping, host.StateStopped}
		case rec.State == host.StateStopped && h.Status == provider.StatusRunning:
			log.Warn("lifecycle: backend host running outside lifecycle control")
		}
		if len(walk) == 0 {
			res = Result{Record: rec, Already: true}
			return nil
		}
		if err := m.settle(ctx, rec, "backend reported "+string(h.Status), walk...); err != nil {
			return err
		}
		log.Info("lifecycle: record reconciled", "backend", h.Status, "now", rec.State)
		res = Result{Record: rec}
		return nil
	})
	return res, err
}

// settle walks rec through states without touching the backend.
func (m *Manager) settle(ctx context.Context, rec *host.Record, reason string, states ...host.State) error {
	for _, next := range states {
		from := rec.State
		if !host.ValidTransition(from, next) {
			return &host.InvalidTransitionError{HostID: rec.ID, From: from, To: next, Op: "reconcile"}
		}
		rec.State = next
		if next == host.StateFailed {
			rec.FailureReason = reason
		}
		if err := m.save(ctx, rec); err != nil {
			rec.State = from
			return err
		}
		m.record(ctx, rec, "reconcile", from, next, journal.ResultSuccess, nil)
	}
	return nil
}
