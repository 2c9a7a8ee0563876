package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kuroko/internal/kuroko/agents"
)

var agentsCmd = &cobra.Command{
	Use:   "agents <host>",
	Short: "Show the agents of a host",
	Long: `agents lists the certified agents of a host with their probed liveness and
whatever each agent reports about itself. Reported data is informational
only.`,
	Args: cobra.ExactArgs(1),
	RunE: runAgents,
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}

type agentView struct {
	Name     string           `json:"name"`
	Type     string           `json:"type,omitempty"`
	Command  string           `json:"command"`
	PID      int              `json:"pid,omitempty"`
	Alive    bool             `json:"alive"`
	Reported *agents.Reported `json:"reported,omitempty"`
}

func runAgents(cmd *cobra.Command, args []string) error {
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
	t := agents.New(a.Provider, rec.ID, rec.SessionPrefix, agents.Options{UseTmux: a.Config.UseTmux})
	probed, err := t.Probe(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]agents.Status, len(probed))
	for _, s := range probed {
		byName[s.Name] = s
	}

	views := make([]agentView, 0, len(rec.Agents))
	for _, ag := range rec.Agents {
		v := agentView{Name: ag.Name, Type: ag.Type, Command: ag.Command}
		if s, ok := byName[ag.Name]; ok {
			v.PID, v.Alive = s.PID, s.Alive
		}
		rep, ok, err := t.ReadReported(ctx, ag.Name)
		if err != nil {
			a.Logger.Warn("agents: ignoring reported data", "agent", ag.Name, "err", err)
		} else if ok {
			v.Reported = &rep
		}
		views = append(views, v)
	}

	w := cmd.OutOrStdout()
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tPID\tALIVE\tURL\tCOMMAND")
	for _, v := range views {
		pid, url := "-", "-"
		if v.PID > 0 {
			pid = fmt.Sprint(v.PID)
		}
		if v.Reported != nil && v.Reported.URL != "" {
			url = v.Reported.URL
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n", v.Name, dash(v.Type), pid, v.Alive, url, v.Command)
	}
	return tw.Flush()
}
