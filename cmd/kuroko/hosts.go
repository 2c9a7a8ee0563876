package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kuroko/common/spec/hosttemplate"
	"github.com/bdobrica/kuroko/internal/kuroko/commands"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/lifecycle"
	"github.com/bdobrica/kuroko/internal/kuroko/lock"
	"github.com/bdobrica/kuroko/internal/kuroko/snapshot"
)

var (
	createTemplate    string
	createImage       string
	createCommand     string
	createWorkDir     string
	createEnv         []string
	createMounts      []string
	createGPUs        int
	createTags        []string
	createIdleMode    string
	createIdleTimeout time.Duration
	createAgents      []string
	createReuse       bool

	stopSnapshot      bool
	acknowledgeUnsafe bool

	destroySnapshots bool
	keepTombstone    bool

	provisionAgents []string
)

var createCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a host, or reuse an existing one with --reuse",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCreate,
}

var startCmd = &cobra.Command{
	Use:   "start <selector>",
	Short: "Start stopped hosts or resume paused ones",
	Args:  cobra.ExactArgs(1),
	RunE: runSelected(func(r *commands.Runner, cmd *cobra.Command, sel commands.Selector, pol commands.Policy) commands.Report {
		return r.Start(cmd.Context(), sel, pol)
	}),
}

var stopCmd = &cobra.Command{
	Use:   "stop <selector>",
	Short: "Stop hosts, optionally taking a snapshot first",
	Args:  cobra.ExactArgs(1),
	RunE: runSelected(func(r *commands.Runner, cmd *cobra.Command, sel commands.Selector, pol commands.Policy) commands.Report {
		return r.Stop(cmd.Context(), sel, pol)
	}),
}

var pauseCmd = &cobra.Command{
	Use:   "pause <selector>",
	Short: "Freeze running hosts (backends with pause support only)",
	Args:  cobra.ExactArgs(1),
	RunE: runSelected(func(r *commands.Runner, cmd *cobra.Command, sel commands.Selector, pol commands.Policy) commands.Report {
		return r.Pause(cmd.Context(), sel, pol)
	}),
}

var resumeCmd = &cobra.Command{
	Use:   "resume <selector>",
	Short: "Thaw paused hosts",
	Args:  cobra.ExactArgs(1),
	RunE: runSelected(func(r *commands.Runner, cmd *cobra.Command, sel commands.Selector, pol commands.Policy) commands.Report {
		return r.Resume(cmd.Context(), sel, pol)
	}),
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <selector>",
	Short: "Destroy hosts",
	Args:  cobra.ExactArgs(1),
	RunE: runSelected(func(r *commands.Runner, cmd *cobra.Command, sel commands.Selector, pol commands.Policy) commands.Report {
		return r.Destroy(cmd.Context(), sel, pol)
	}),
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup <filter>",
	Short: "Destroy every host matching a filter such as state=FAILED",
	Args:  cobra.ExactArgs(1),
	RunE: runSelected(func(r *commands.Runner, cmd *cobra.Command, sel commands.Selector, pol commands.Policy) commands.Report {
		return r.Cleanup(cmd.Context(), sel, pol)
	}),
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <selector>",
	Short: "Repair records left behind by interrupted operations",
	Args:  cobra.ExactArgs(1),
	RunE: runSelected(func(r *commands.Runner, cmd *cobra.Command, sel commands.Selector, pol commands.Policy) commands.Report {
		return r.Reconcile(cmd.Context(), sel, pol)
	}),
}

var renameCmd = &cobra.Command{
	Use:   "rename <host> <new-name>",
	Short: "Rename a host",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sel, err := commands.ParseSelector(args[0])
		if err != nil {
			return err
		}
		return withRunner(cmd, func(r *commands.Runner) commands.Report {
			return r.Rename(cmd.Context(), sel, args[1], policy())
		})
	},
}

var provisionCmd = &cobra.Command{
	Use:   "provision <selector>",
	Short: "Relaunch dead agents and start new ones given with --agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sel, err := commands.ParseSelector(args[0])
		if err != nil {
			return err
		}
		specs, err := parseAgents(provisionAgents)
		if err != nil {
			return err
		}
		return withRunner(cmd, func(r *commands.Runner) commands.Report {
			return r.Provision(cmd.Context(), sel, specs, policy())
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list [selector]",
	Short: "List hosts",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runList,
}

func hostCommands() []*cobra.Command {
	f := createCmd.Flags()
	f.StringVarP(&createTemplate, "template", "f", "", "Host template (YAML)")
	f.StringVar(&createImage, "image", "", "Base image")
	f.StringVar(&createCommand, "command", "", "Command run as the main agent")
	f.StringVar(&createWorkDir, "workdir", "", "Working directory inside the host")
	f.StringArrayVar(&createEnv, "env", nil, "Environment variable KEY=VALUE (repeatable)")
	f.StringArrayVar(&createMounts, "mount", nil, "Mount SOURCE:TARGET[:ro] (repeatable)")
	f.IntVar(&createGPUs, "gpus", 0, "Number of GPUs to attach")
	f.StringArrayVar(&createTags, "tag", nil, "Tag KEY=VALUE (repeatable)")
	f.StringVar(&createIdleMode, "idle-mode", "", "Idle mode: io, user, agent, ssh, boot, create, run or disabled")
	f.DurationVar(&createIdleTimeout, "idle-timeout", 0, "Idle timeout")
	f.StringArrayVar(&createAgents, "agent", nil, "Agent NAME=COMMAND (repeatable)")
	f.BoolVar(&createReuse, "reuse", false, "Reuse an existing host with the same name")

	stopCmd.Flags().BoolVar(&stopSnapshot, "snapshot", false, "Take a snapshot before stopping")
	stopCmd.Flags().BoolVar(&acknowledgeUnsafe, "acknowledge-unsafe", false,
		"Snapshot hosts with external mounts or GPUs anyway, marking the snapshot incomplete")

	for _, c := range []*cobra.Command{destroyCmd, cleanupCmd} {
		c.Flags().BoolVar(&destroySnapshots, "delete-snapshots", false, "Also delete the host's snapshots")
		c.Flags().BoolVar(&keepTombstone, "keep-tombstone", false, "Keep a stopped DESTROYED host instead of removing it")
	}

	provisionCmd.Flags().StringArrayVar(&provisionAgents, "agent", nil, "Agent NAME=COMMAND to add (repeatable)")

	return []*cobra.Command{
		createCmd, startCmd, stopCmd, pauseCmd, resumeCmd, destroyCmd, cleanupCmd,
		reconcileCmd, renameCmd, provisionCmd, listCmd,
	}
}

func policy() commands.Policy {
	pol := commands.Policy{
		Conflict:           lock.Policy(onConflict),
		DeleteSnapshots:    destroySnapshots,
		SnapshotBeforeStop: stopSnapshot,
		KeepTombstone:      keepTombstone,
		DryRun:             dryRun,
		OnUnsafe:           snapshot.Refuse,
	}
	if acknowledgeUnsafe {
		pol.OnUnsafe = snapshot.Acknowledge
	}
	return pol
}

type verbFunc func(r *commands.Runner, cmd *cobra.Command, sel commands.Selector, pol commands.Policy) commands.Report

func runSelected(fn verbFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		sel, err := commands.ParseSelector(args[0])
		if err != nil {
			return err
		}
		return withRunner(cmd, func(r *commands.Runner) commands.Report {
			return fn(r, cmd, sel, policy())
		})
	}
}

// withRunner opens the engine, runs fn, prints the report and turns its
// exit code into an error.
func withRunner(cmd *cobra.Command, fn func(r *commands.Runner) commands.Report) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	rep := fn(a.Runner)
	if err := printReport(cmd.OutOrStdout(), rep); err != nil {
		return err
	}
	if rep.ExitCode != 0 {
		return exitError{code: rep.ExitCode}
	}
	return nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	req, err := createRequest(args)
	if err != nil {
		return err
	}
	return withRunner(cmd, func(r *commands.Runner) commands.Report {
		return r.Create(cmd.Context(), req, policy())
	})
}

// createRequest merges the template, if any, with the flags. Flags win.
func createRequest(args []string) (lifecycle.CreateRequest, error) {
	var req lifecycle.CreateRequest
	if createTemplate != "" {
		tpl, err := hosttemplate.Load(createTemplate)
		if err != nil {
			return req, err
		}
		if req, err = fromTemplate(tpl); err != nil {
			return req, err
		}
	}
	if len(args) == 1 {
		req.Name = args[0]
	}
	if req.Name == "" {
		return req, fmt.Errorf("a host name or --template is required")
	}

	setString(&req.Image, createImage)
	setString(&req.Command, createCommand)
	setString(&req.WorkDir, createWorkDir)
	setString(&req.IdleMode, createIdleMode)
	if createIdleTimeout > 0 {
		req.IdleTimeout = createIdleTimeout
	}
	if createGPUs > 0 {
		req.GPUs = createGPUs
	}
	var err error
	if req.Env, err = mergePairs(req.Env, createEnv); err != nil {
		return req, fmt.Errorf("--env: %w", err)
	}
	if req.Tags, err = mergePairs(req.Tags, createTags); err != nil {
		return req, fmt.Errorf("--tag: %w", err)
	}
	for _, m := range createMounts {
		mount, err := parseMount(m)
		if err != nil {
			return req, err
		}
		req.Mounts = append(req.Mounts, mount)
	}
	agents, err := parseAgents(createAgents)
	if err != nil {
		return req, err
	}
	req.Agents = append(req.Agents, agents...)
	req.Reuse = createReuse
	return req, nil
}

func fromTemplate(tpl *hosttemplate.Template) (lifecycle.CreateRequest, error) {
	timeout, err := tpl.IdleTimeout()
	if err != nil {
		return lifecycle.CreateRequest{}, err
	}
	s := tpl.Spec
	req := lifecycle.CreateRequest{
		Name:        tpl.Metadata.Name,
		Image:       s.Image,
		Command:     s.Command,
		WorkDir:     s.WorkDir,
		Env:         s.Env,
		GPUs:        s.GPUs,
		Tags:        s.Tags,
		IdleMode:    s.Idle.Mode,
		IdleTimeout: timeout,
	}
	for _, m := range s.Mounts {
		req.Mounts = append(req.Mounts, host.Mount{Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}
	for _, a := range s.Agents {
		req.Agents = append(req.Agents, lifecycle.AgentSpec{
			Name:        a.Name,
			Type:        a.Type,
			Command:     a.Command,
			WorkDir:     a.WorkDir,
			Permissions: a.Permissions,
		})
	}
	return req, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergePairs(base map[string]string, pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return base, nil
	}
	out := make(map[string]string, len(base)+len(pairs))
	for k, v := range base {
		out[k] = v
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%q is not KEY=VALUE", p)
		}
		out[k] = v
	}
	return out, nil
}

func parseMount(s string) (host.Mount, error) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return host.Mount{Source: parts[0], Target: parts[1]}, nil
	case len(parts) == 3 && parts[2] == "ro":
		return host.Mount{Source: parts[0], Target: parts[1], ReadOnly: true}, nil
	}
	return host.Mount{}, fmt.Errorf("--mount %q: want SOURCE:TARGET[:ro]", s)
}

func parseAgents(list []string) ([]lifecycle.AgentSpec, error) {
	var out []lifecycle.AgentSpec
	for _, s := range list {
		name, command, ok := strings.Cut(s, "=")
		if !ok || name == "" || command == "" {
			return nil, fmt.Errorf("--agent %q: want NAME=COMMAND", s)
		}
		out = append(out, lifecycle.AgentSpec{Name: name, Command: command})
	}
	return out, nil
}

func runList(cmd *cobra.Command, args []string) error {
	expr := "*"
	if len(args) == 1 {
		expr = args[0]
	}
	sel, err := commands.ParseSelector(expr)
	if err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	listings, err := a.Runner.List(cmd.Context(), sel)
	if err != nil {
		return err
	}
	return printListings(cmd.OutOrStdout(), listings)
}

func idleSeconds(rec *host.Record) string {
	if rec.IdleTimeoutSeconds <= 0 {
		return "-"
	}
	return strconv.FormatInt(rec.IdleTimeoutSeconds, 10) + "s"
}
