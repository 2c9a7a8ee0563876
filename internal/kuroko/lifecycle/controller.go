package lifecycle

import (
	"context"

	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/lock"
	"github.com/bdobrica/kuroko/internal/kuroko/monitor"
)

// HostController drives one host on behalf of the host-side supervisor.
// It waits for the host lock rather than skipping, since an idle or
// heartbeat stop must not be dropped because an operator held the lock.
// Whatever ran under the lock meanwhile is judged by the supervisor's
// confirm before anything is applied.
type HostController struct {
	m      *Manager
	id     string
	policy lock.Policy
}

var _ monitor.Controller = (*HostController)(nil)

// Controller returns a HostController for id.
func (m *Manager) Controller(id string) *HostController {
	return &HostController{m: m, id: id, policy: lock.RetryUntilLocked}
}

func (c *HostController) Pause(ctx context.Context, reason host.StopReason, confirm monitor.Confirm) (bool, error) {
	res, err := c.m.PauseIf(ctx, c.id, reason, lockedConfirm(confirm), c.policy)
	return err == nil && !res.Declined, err
}

func (c *HostController) Stop(ctx context.Context, reason host.StopReason, confirm monitor.Confirm) (bool, error) {
	res, err := c.m.Stop(ctx, c.id, StopOptions{Reason: reason, Confirm: lockedConfirm(confirm)}, c.policy)
	return err == nil && !res.Declined, err
}

func (c *HostController) Status(ctx context.Context) (monitor.Status, error) {
	rec, err := c.m.Get(ctx, c.id)
	if err != nil {
		return monitor.Status{}, err
	}
	return statusOf(rec), nil
}

func statusOf(rec *host.Record) monitor.Status {
	return monitor.Status{State: rec.State, Updated: rec.UpdateTime}
}

func lockedConfirm(confirm monitor.Confirm) Confirm {
	if confirm == nil {
		return nil
	}
	return func(ctx context.Context, rec *host.Record) (bool, error) {
		return confirm(ctx, statusOf(rec))
	}
}
