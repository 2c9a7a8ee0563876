// Package commands exposes one operation per lifecycle verb. Each takes a
// target selector and a policy bundle, runs the per-host operations on a
// bounded worker pool and reports a result per target.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/kuroko/common/trace"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/lifecycle"
	"github.com/bdobrica/kuroko/internal/kuroko/lock"
	"github.com/bdobrica/kuroko/internal/kuroko/snapshot"
)

// Outcome of one target.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeAlready Outcome = "already"
	OutcomeError   Outcome = "error"
	// OutcomeSkipped marks targets never attempted because an earlier
	// failure aborted the command.
	OutcomeSkipped Outcome = "skipped"
)

// Policy is the bundle of flags every verb takes.
type Policy struct {
	// Conflict is required; there is no default lock policy.
	Conflict           lock.Policy
	DeleteSnapshots    bool
	SnapshotBeforeStop bool
	KeepTombstone      bool
	OnUnsafe           snapshot.OnUnsafe
	// DryRun validates each target against the transition graph and
	// reports what would happen without taking locks or calling the
	// provider.
	DryRun bool
}

// Result is the outcome for one target.
type Result struct {
	Target  string
	Name    string
	Outcome Outcome
	Err     error
	State   host.State
	// Planned is set for dry-run results.
	Planned   bool
	Snapshot  *host.SnapshotRef
	Snapshots []host.SnapshotRef
}

// Report is what a command returns.
type Report struct {
	Results  []Result
	ExitCode int
}

// Err joins the errors of every failed target.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Target, res.Err))
		}
	}
	return errors.Join(errs...)
}

func newReport(results []Result) Report {
	r := Report{Results: results}
	for _, res := range results {
		if res.Outcome == OutcomeError || res.Outcome == OutcomeSkipped {
			r.ExitCode = 1
		}
	}
	return r
}

func failed(target string, err error) Report {
	return newReport([]Result{{Target: target, Outcome: OutcomeError, Err: err}})
}

// Options configures a Runner.
type Options struct {
	// Workers bounds concurrent per-host operations. Defaults to 4.
	Workers int
	Logger  *slog.Logger
}

// Runner dispatches verbs to the lifecycle manager.
type Runner struct {
	m       *lifecycle.Manager
	workers int
	logger  *slog.Logger
}

// New returns a Runner over m.
func New(m *lifecycle.Manager, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{m: m, workers: opts.Workers, logger: opts.Logger}
}

type target struct {
	id   string
	name string
	rec  *host.Record
}

// resolve expands sel into targets. Hosts whose record cannot be read are
// left out of filter selections and logged.
func (r *Runner) resolve(ctx context.Context, sel Selector) ([]target, error) {
	if sel.Single() {
		ref := sel.ID
		if ref == "" {
			ref = sel.Name
		}
		rec, err := r.m.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		return []target{{id: rec.ID, name: rec.Name, rec: rec}}, nil
	}
	if !sel.All && len(sel.Filter) == 0 {
		return nil, errors.New("no target selected")
	}
	listed, err := r.m.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []target
	for _, l := range listed {
		if l.Err != nil {
			trace.Logger(ctx, r.logger).Warn("commands: host without readable record skipped",
				"host_id", l.Handle.ID, "err", l.Err)
			continue
		}
		if sel.All || sel.Filter.Match(l.Record) {
			out = append(out, target{id: l.Record.ID, name: l.Record.Name, rec: l.Record})
		}
	}
	return out, nil
}

type opFunc func(ctx context.Context, t target) (lifecycle.Result, error)

// run applies fn to every target on the worker pool. Under
// FailImmediately targets are dispatched one at a time and the first
// error leaves every later target untouched and reported as skipped.
func (r *Runner) run(ctx context.Context, verb string, targets []target, pol Policy, fn opFunc) Report {
	ctx = trace.Ensure(ctx)
	log := trace.Logger(ctx, r.logger).With("verb", verb)

	results := make([]Result, len(targets))
	for i, t := range targets {
		results[i] = Result{Target: t.id, Name: t.name, Outcome: OutcomeSkipped}
		if t.rec != nil {
			results[i].State = t.rec.State
		}
	}

	limit := r.workers
	if pol.Conflict == lock.FailImmediately {
		limit = 1
	}
	var abort atomic.Bool
	var g errgroup.Group
	g.SetLimit(limit)
	for i, t := range targets {
		// With a limit of one, Go returns only after the previous target
		// finished, so abort is up to date here.
		if abort.Load() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := fn(ctx, t)
			results[i] = toResult(t, res, err)
			if err != nil {
				log.Warn("commands: target failed", "host_id", t.id, "name", t.name, "err", err)
				if pol.Conflict == lock.FailImmediately {
					abort.Store(true)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := newReport(results)
	log.Info("commands: done", "targets", len(targets), "exit_code", rep.ExitCode)
	return rep
}

func toResult(t target, res lifecycle.Result, err error) Result {
	out := Result{Target: t.id, Name: t.name, Snapshot: res.Snapshot}
	if res.Record != nil {
		out.State = res.Record.State
		if res.Record.Name != "" {
			out.Name = res.Record.Name
		}
		if out.Target == "" {
			out.Target = res.Record.ID
		}
	}
	switch {
	case err != nil:
		out.Outcome, out.Err = OutcomeError, err
	case res.Already:
		out.Outcome = OutcomeAlready
	default:
		out.Outcome = OutcomeSuccess
	}
	return out
}

// each resolves sel and runs fn, or plans it in dry-run mode.
func (r *Runner) each(ctx context.Context, verb string, sel Selector, pol Policy, fn opFunc) Report {
	if _, err := lock.ParsePolicy(string(pol.Conflict)); err != nil {
		return failed(sel.String(), err)
	}
	targets, err := r.resolve(ctx, sel)
	if err != nil {
		return failed(sel.String(), err)
	}
	if pol.DryRun {
		return r.plan(verb, targets)
	}
	return r.run(ctx, verb, targets, pol, fn)
}

// Create creates one host.
func (r *Runner) Create(ctx context.Context, req lifecycle.CreateRequest, pol Policy) Report {
	if _, err := lock.ParsePolicy(string(pol.Conflict)); err != nil {
		return failed(req.Name, err)
	}
	if pol.DryRun {
		return r.planCreate(ctx, req)
	}
	t := target{name: req.Name}
	return r.run(ctx, "create", []target{t}, pol, func(ctx context.Context, _ target) (lifecycle.Result, error) {
		return r.m.Create(ctx, req, pol.Conflict)
	})
}

// Start boots stopped hosts and resumes paused ones.
func (r *Runner) Start(ctx context.Context, sel Selector, pol Policy) Report {
	return r.each(ctx, "start", sel, pol, func(ctx context.Context, t target) (lifecycle.Result, error) {
		return r.m.Start(ctx, t.id, pol.Conflict)
	})
}

// Stop halts hosts on behalf of the user.
func (r *Runner) Stop(ctx context.Context, sel Selector, pol Policy) Report {
	opts := lifecycle.StopOptions{Reason: host.StopUser, SnapshotBefore: pol.SnapshotBeforeStop, OnUnsafe: pol.OnUnsafe}
	return r.each(ctx, "stop", sel, pol, func(ctx context.Context, t target) (lifecycle.Result, error) {
		return r.m.Stop(ctx, t.id, opts, pol.Conflict)
	})
}

// Pause freezes running hosts.
func (r *Runner) Pause(ctx context.Context, sel Selector, pol Policy) Report {
	return r.each(ctx, "pause", sel, pol, func(ctx context.Context, t target) (lifecycle.Result, error) {
		return r.m.Pause(ctx, t.id, host.StopUser, pol.Conflict)
	})
}

// Resume thaws paused hosts.
func (r *Runner) Resume(ctx context.Context, sel Selector, pol Policy) Report {
	return r.each(ctx, "resume", sel, pol, func(ctx context.Context, t target) (lifecycle.Result, error) {
		return r.m.Resume(ctx, t.id, pol.Conflict)
	})
}

func (r *Runner) destroyOptions(pol Policy) lifecycle.DestroyOptions {
	return lifecycle.DestroyOptions{DeleteSnapshots: pol.DeleteSnapshots, KeepTombstone: pol.KeepTombstone}
}

// Destroy removes hosts.
func (r *Runner) Destroy(ctx context.Context, sel Selector, pol Policy) Report {
	opts := r.destroyOptions(pol)
	return r.each(ctx, "destroy", sel, pol, func(ctx context.Context, t target) (lifecycle.Result, error) {
		return r.m.Destroy(ctx, t.id, opts, pol.Conflict)
	})
}

// Cleanup destroys every host matching a filter, or every host with
// Selector.All.
func (r *Runner) Cleanup(ctx context.Context, sel Selector, pol Policy) Report {
	if sel.Single() {
		return failed(sel.String(), errors.New("cleanup takes a filter, use destroy for a single host"))
	}
	return r.Destroy(ctx, sel, pol)
}

// Rename gives one host a new name.
func (r *Runner) Rename(ctx context.Context, sel Selector, newName string, pol Policy) Report {
	if !sel.Single() {
		return failed(sel.String(), errors.New("rename takes a single host"))
	}
	return r.each(ctx, "rename", sel, pol, func(ctx context.Context, t target) (lifecycle.Result, error) {
		return r.m.Rename(ctx, t.id, newName, pol.Conflict)
	})
}

// Provision starts missing agents and adds specs to the selected hosts.
func (r *Runner) Provision(ctx context.Context, sel Selector, specs []lifecycle.AgentSpec, pol Policy) Report {
	return r.each(ctx, "provision", sel, pol, func(ctx context.Context, t target) (lifecycle.Result, error) {
		return r.m.Provision(ctx, t.id, specs, pol.Conflict)
	})
}

// Reconcile repairs records of the selected hosts after a crash.
func (r *Runner) Reconcile(ctx context.Context, sel Selector, pol Policy) Report {
	return r.each(ctx, "reconcile", sel, pol, func(ctx context.Context, t target) (lifecycle.Result, error) {
		return r.m.Reconcile(ctx, t.id, pol.Conflict)
	})
}

// SnapshotCreate snapshots the selected hosts.
func (r *Runner) SnapshotCreate(ctx context.Context, sel Selector, opts snapshot.CreateOptions, pol Policy) Report {
	opts.OnUnsafe = pol.OnUnsafe
	return r.each(ctx, "snapshot-create", sel, pol, func(ctx context.Context, t target) (lifecycle.Result, error) {
		return r.m.SnapshotCreate(ctx, t.id, opts, pol.Conflict)
	})
}

// SnapshotList lists the snapshots of the selected hosts. It takes no
// locks.
func (r *Runner) SnapshotList(ctx context.Context, sel Selector) Report {
	targets, err := r.resolve(ctx, sel)
	if err != nil {
		return failed(sel.String(), err)
	}
	results := make([]Result, 0, len(targets))
	for _, t := range targets {
		refs, err := r.m.SnapshotList(ctx, t.id)
		res := Result{Target: t.id, Name: t.name, Outcome: OutcomeSuccess, Snapshots: refs}
		if t.rec != nil {
			res.State = t.rec.State
		}
		if err != nil {
			res.Outcome, res.Err = OutcomeError, err
		}
		results = append(results, res)
	}
	return newReport(results)
}

// SnapshotRestore creates a new host from a snapshot.
func (r *Runner) SnapshotRestore(ctx context.Context, req lifecycle.RestoreRequest, pol Policy) Report {
	if _, err := lock.ParsePolicy(string(pol.Conflict)); err != nil {
		return failed(req.SnapshotID, err)
	}
	if pol.DryRun {
		if err := host.ValidateName(req.Name); err != nil {
			return failed(req.SnapshotID, err)
		}
		return newReport([]Result{{Target: req.SnapshotID, Name: req.Name, Outcome: OutcomeSuccess, Planned: true}})
	}
	return r.run(ctx, "snapshot-restore", []target{{name: req.Name}}, pol, func(ctx context.Context, _ target) (lifecycle.Result, error) {
		return r.m.SnapshotRestore(ctx, req, pol.Conflict)
	})
}

// SnapshotDestroy deletes snapshots by id.
func (r *Runner) SnapshotDestroy(ctx context.Context, ids []string, pol Policy) Report {
	if _, err := lock.ParsePolicy(string(pol.Conflict)); err != nil {
		return failed("snapshots", err)
	}
	targets := make([]target, len(ids))
	for i, id := range ids {
		targets[i] = target{id: id}
	}
	if pol.DryRun {
		results := make([]Result, len(ids))
		for i, id := range ids {
			results[i] = Result{Target: id, Outcome: OutcomeSuccess, Planned: true}
		}
		return newReport(results)
	}
	return r.run(ctx, "snapshot-destroy", targets, pol, func(ctx context.Context, t target) (lifecycle.Result, error) {
		res, err := r.m.SnapshotDelete(ctx, t.id, pol.Conflict)
		res.Record = nil
		return res, err
	})
}

// List returns the selected hosts. A zero Selector lists everything.
func (r *Runner) List(ctx context.Context, sel Selector) ([]lifecycle.Listing, error) {
	listed, err := r.m.List(ctx)
	if err != nil {
		return nil, err
	}
	if !sel.Single() && len(sel.Filter) == 0 {
		return listed, nil
	}
	var out []lifecycle.Listing
	for _, l := range listed {
		if l.Record == nil {
			continue
		}
		switch {
		case sel.ID != "" && l.Record.ID == sel.ID,
			sel.Name != "" && l.Record.Name == sel.Name,
			len(sel.Filter) > 0 && sel.Filter.Match(l.Record):
			out = append(out, l)
		}
	}
	return out, nil
}
