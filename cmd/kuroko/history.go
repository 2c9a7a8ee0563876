package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kuroko/internal/kuroko/journal"
)

var (
	historyTrace string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history [host]",
	Short: "Show recorded lifecycle transitions",
	Long: `history prints the local lifecycle journal. The journal is a record of what
this machine's invocations did; it is never consulted for decisions.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyTrace, "trace", "", "Only entries of one invocation")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Number of recent entries without a host or trace")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var entries []journal.Entry
	switch {
	case historyTrace != "":
		entries, err = a.Journal.ByTrace(ctx, historyTrace)
	case len(args) == 1:
		id := args[0]
		// Destroyed hosts can only be named by id.
		if !strings.HasPrefix(id, "host-") {
			rec, rerr := a.Manager.Resolve(ctx, id)
			if rerr != nil {
				return rerr
			}
			id = rec.ID
		}
		entries, err = a.Journal.ByHost(ctx, id)
	default:
		entries, err = a.Journal.Recent(ctx, historyLimit)
	}
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tHOST\tOP\tFROM\tTO\tRESULT\tTRACE\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.UTC().Format(time.RFC3339), dash(e.HostName), e.Op, e.From, e.To, e.Result, e.TraceID, dash(e.ErrorMessage))
	}
	return tw.Flush()
}
