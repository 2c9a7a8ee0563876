package main

import (
	"github.com/spf13/cobra"

	"github.com/bdobrica/kuroko/internal/kuroko/commands"
	"github.com/bdobrica/kuroko/internal/kuroko/lifecycle"
	"github.com/bdobrica/kuroko/internal/kuroko/snapshot"
)

var (
	snapNoPause bool
	snapFull    bool
	restoreName string
	restoreTags []string
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage host snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <selector>",
	Short: "Snapshot hosts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sel, err := commands.ParseSelector(args[0])
		if err != nil {
			return err
		}
		pol := policy()
		opts := snapshot.CreateOptions{NoPause: snapNoPause, Full: snapFull, OnUnsafe: pol.OnUnsafe}
		return withRunner(cmd, func(r *commands.Runner) commands.Report {
			return r.SnapshotCreate(cmd.Context(), sel, opts, pol)
		})
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list [selector]",
	Short: "List snapshots",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		expr := "*"
		if len(args) == 1 {
			expr = args[0]
		}
		sel, err := commands.ParseSelector(expr)
		if err != nil {
			return err
		}
		return withRunner(cmd, func(r *commands.Runner) commands.Report {
			return r.SnapshotList(cmd.Context(), sel)
		})
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id>",
	Short: "Create a new host from a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, err := mergePairs(nil, restoreTags)
		if err != nil {
			return err
		}
		req := lifecycle.RestoreRequest{SnapshotID: args[0], Name: restoreName, Tags: tags}
		return withRunner(cmd, func(r *commands.Runner) commands.Report {
			return r.SnapshotRestore(cmd.Context(), req, policy())
		})
	},
}

var snapshotDestroyCmd = &cobra.Command{
	Use:   "destroy <snapshot-id>...",
	Short: "Delete snapshots",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(cmd, func(r *commands.Runner) commands.Report {
			return r.SnapshotDestroy(cmd.Context(), args, policy())
		})
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotRestoreCmd, snapshotDestroyCmd)

	snapshotCreateCmd.Flags().BoolVar(&snapNoPause, "no-pause", false, "Do not pause a running host while snapshotting")
	snapshotCreateCmd.Flags().BoolVar(&snapFull, "full", false, "Take a full snapshot even when incremental ones are supported")
	snapshotCreateCmd.Flags().BoolVar(&acknowledgeUnsafe, "acknowledge-unsafe", false,
		"Snapshot hosts with external mounts or GPUs anyway, marking the snapshot incomplete")

	snapshotRestoreCmd.Flags().StringVar(&restoreName, "name", "", "Name of the new host (required)")
	snapshotRestoreCmd.Flags().StringArrayVar(&restoreTags, "tag", nil, "Tag KEY=VALUE (repeatable)")
	snapshotRestoreCmd.MarkFlagRequired("name")
}
