package commands

import (
	"context"
	"fmt"

	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/lifecycle"
)

// planStep is what a verb needs from the current state: the state that
// already satisfies it and the first state it enters.
type planStep struct {
	already host.State
	enter   host.State
}

var plans = map[string]planStep{
	"start":   {already: host.StateRunning, enter: host.StateProvisioning},
	"stop":    {already: host.StateStopped, enter: host.StateStopping},
	"destroy": {already: host.StateDestroyed, enter: host.StateDestroying},
	"pause":   {already: host.StateIdlePaused, enter: host.StateIdlePaused},
	"resume":  {already: host.StateRunning, enter: host.StateRunning},
}

// planOne checks verb against rec without side effects.
func planOne(verb string, rec *host.Record) (Outcome, error) {
	p, ok := plans[verb]
	if !ok {
		if rec.State.Terminal() {
			return OutcomeError, &host.InvalidTransitionError{HostID: rec.ID, From: rec.State, To: rec.State, Op: verb}
		}
		return OutcomeSuccess, nil
	}
	switch {
	case rec.State == p.already:
		return OutcomeAlready, nil
	case host.ValidTransition(rec.State, p.enter):
		return OutcomeSuccess, nil
	case verb == "start" && rec.State == host.StateIdlePaused:
		return OutcomeSuccess, nil
	case verb == "destroy" && rec.State == host.StateDestroying:
		return OutcomeSuccess, nil
	}
	return OutcomeError, &host.InvalidTransitionError{HostID: rec.ID, From: rec.State, To: p.enter, Op: verb}
}

func (r *Runner) plan(verb string, targets []target) Report {
	results := make([]Result, len(targets))
	for i, t := range targets {
		out, err := planOne(verb, t.rec)
		results[i] = Result{Target: t.id, Name: t.name, Outcome: out, Err: err, State: t.rec.State, Planned: true}
	}
	return newReport(results)
}

func (r *Runner) planCreate(ctx context.Context, req lifecycle.CreateRequest) Report {
	if err := host.ValidateName(req.Name); err != nil {
		return failed(req.Name, err)
	}
	existing, err := r.m.FindByName(ctx, req.Name)
	if err != nil {
		return failed(req.Name, err)
	}
	res := Result{Target: req.Name, Name: req.Name, Outcome: OutcomeSuccess, Planned: true}
	if existing != nil {
		res.Target, res.State = existing.ID, existing.State
		switch {
		case !req.Reuse:
			res.Outcome, res.Err = OutcomeError, fmt.Errorf("%w: %s is %s", lifecycle.ErrNameInUse, req.Name, existing.ID)
		case existing.State == host.StateRunning:
			res.Outcome = OutcomeAlready
		}
	}
	return newReport([]Result{res})
}
