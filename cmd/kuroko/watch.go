package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kuroko/common/clock"
	"github.com/bdobrica/kuroko/internal/kuroko/activity"
	"github.com/bdobrica/kuroko/internal/kuroko/agents"
	"github.com/bdobrica/kuroko/internal/kuroko/app"
	"github.com/bdobrica/kuroko/internal/kuroko/heartbeat"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/idle"
	"github.com/bdobrica/kuroko/internal/kuroko/lock"
	"github.com/bdobrica/kuroko/internal/kuroko/monitor"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

var (
	watchInterval  time.Duration
	watchExitGrace time.Duration
	touchStateDir  string
	touchNote      string
)

var watchCmd = &cobra.Command{
	Use:   "watch <host>",
	Short: "Run the idle detector and heartbeat watchdog of one host",
	Long: `watch supervises one host and stops or pauses it when it has been idle
for its configured timeout, when every agent has exited, or, for remote
backends, when no controller has sent a heartbeat in time. Remote hosts are
read through the provider, local ones from their state directory. At most
one watcher runs per host; hosts left running by kuroko get one started
automatically unless KUROKO_AUTO_WATCH is false. It returns once the host
has been stopped or destroyed.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat <host>",
	Short: "Refresh the heartbeat marker of a host",
	Args:  cobra.ExactArgs(1),
	RunE:  runHeartbeat,
}

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Record activity signals",
}

var activityTouchCmd = &cobra.Command{
	Use:   "touch <source>",
	Short: "Record activity from a source (user_input, agent_output, ssh, agent_process)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := activity.ParseSource(args[0])
		if err != nil {
			return err
		}
		dir := touchStateDir
		if dir == "" {
			return errors.New("--state-dir or " + provider.EnvStateDir + " is required")
		}
		return activity.NewFileStore(dir).Touch(src, clock.Real().Now(), touchNote)
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 10*time.Second, "Evaluation interval")
	watchCmd.Flags().DurationVar(&watchExitGrace, "exit-grace", time.Minute,
		"How long no agent may be alive before the host is stopped (0 disables)")

	activityCmd.AddCommand(activityTouchCmd)
	activityTouchCmd.Flags().StringVar(&touchStateDir, "state-dir", os.Getenv(provider.EnvStateDir), "Host state directory")
	activityTouchCmd.Flags().StringVar(&touchNote, "note", "", "Informational note stored with the signal")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.Manager.Resolve(ctx, args[0])
	if err != nil {
		return err
	}
	err = a.Locks.WithResource(ctx, lock.WatchResource(rec.ID), lock.FailImmediately, func(ctx context.Context) error {
		return superviseHost(cmd, a, rec)
	})
	if lock.IsConflict(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: already watched\n", rec.Name)
		return nil
	}
	return err
}

// hostViews returns where the watcher reads signals and the heartbeat.
// Remote hosts keep their state directory inside the host, so they are
// read through the provider.
func hostViews(a *app.App, rec *host.Record) (activity.Store, idle.Recorder, heartbeat.Beacon) {
	p := a.Provider
	if p.Capabilities().Remote {
		store := activity.NewExecStore(p, rec.ID, nil)
		return store, store, heartbeat.NewRemoteMarker(p, rec.ID, nil)
	}
	store := activity.NewFileStore(p.StateDir(rec.ID))
	return store, store, heartbeat.NewMarker(p.StateDir(rec.ID))
}

func superviseHost(cmd *cobra.Command, a *app.App, rec *host.Record) error {
	ctx := cmd.Context()
	mode, err := activity.ParseMode(rec.IdleMode)
	if err != nil {
		return err
	}
	caps := a.Provider.Capabilities()
	logger := a.Logger.With("host_id", rec.ID, "host", rec.Name)
	signals, recorder, beacon := hostViews(a, rec)

	det, err := idle.New(idle.Config{
		HostID:        rec.ID,
		Mode:          mode,
		Trust:         a.Config.IdleTrust,
		Timeout:       rec.IdleTimeout(),
		SupportsPause: caps.SupportsPause,
		ExitGrace:     watchExitGrace,
		ExpectAgents:  len(rec.Agents) > 0,
		Interval:      watchInterval,
	}, idle.Deps{
		Signals:  signals,
		Deploy:   a.Locks,
		Agents:   agents.New(a.Provider, rec.ID, rec.SessionPrefix, agents.Options{UseTmux: a.Config.UseTmux}),
		Recorder: recorder,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var wd *heartbeat.Watchdog
	if caps.Remote {
		wd, err = heartbeat.NewWatchdog(beacon, heartbeat.WatchdogOptions{
			Timeout:  a.Config.HeartbeatTimeout,
			Interval: watchInterval,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
	}

	sup, err := monitor.New(monitor.Options{
		Idle:       det,
		Heartbeat:  wd,
		Controller: a.Manager.Controller(rec.ID),
		Gone: func() bool {
			cur, err := a.Manager.Get(ctx, rec.ID)
			if provider.IsNotFound(err) {
				return true
			}
			return err == nil && cur.State == host.StateDestroyed
		},
		PollInterval: watchInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	logger.Info("watch: supervising host", "mode", mode, "timeout", rec.IdleTimeout(), "heartbeat", wd != nil)
	out, err := sup.Run(ctx)
	if err != nil {
		return err
	}
	switch {
	case out.Gone:
		fmt.Fprintf(cmd.OutOrStdout(), "%s: destroyed\n", rec.Name)
	case out.Action == "":
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", rec.Name, out.State)
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", rec.Name, out.Action, out.Reason)
	}
	return nil
}

func runHeartbeat(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.Manager.Resolve(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := heartbeat.Send(cmd.Context(), a.Provider, rec.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: heartbeat sent\n", rec.Name)
	return nil
}
