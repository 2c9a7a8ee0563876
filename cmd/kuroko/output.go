package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/bdobrica/kuroko/internal/kuroko/commands"
	"github.com/bdobrica/kuroko/internal/kuroko/host"
	"github.com/bdobrica/kuroko/internal/kuroko/lifecycle"
	"github.com/bdobrica/kuroko/internal/kuroko/provider"
)

type resultView struct {
	Target    string             `json:"target"`
	Name      string             `json:"name,omitempty"`
	Outcome   commands.Outcome   `json:"outcome"`
	State     host.State         `json:"state,omitempty"`
	Planned   bool               `json:"planned,omitempty"`
	Error     string             `json:"error,omitempty"`
	Snapshot  *host.SnapshotRef  `json:"snapshot,omitempty"`
	Snapshots []host.SnapshotRef `json:"snapshots,omitempty"`
}

func printReport(w io.Writer, rep commands.Report) error {
	views := make([]resultView, 0, len(rep.Results))
	for _, r := range rep.Results {
		v := resultView{
			Target: r.Target, Name: r.Name, Outcome: r.Outcome, State: r.State,
			Planned: r.Planned, Snapshot: r.Snapshot, Snapshots: r.Snapshots,
		}
		if r.Err != nil {
			v.Error = r.Err.Error()
		}
		views = append(views, v)
	}
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"results": views, "exit_code": rep.ExitCode})
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tNAME\tOUTCOME\tSTATE\tDETAIL")
	for _, v := range views {
		detail := v.Error
		switch {
		case detail != "":
		case v.Planned:
			detail = "dry run"
		case v.Snapshot != nil:
			detail = "snapshot " + v.Snapshot.ID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.Target, dash(v.Name), v.Outcome, dash(string(v.State)), detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, v := range views {
		if len(v.Snapshots) > 0 {
			if err := printSnapshots(w, v.Snapshots); err != nil {
				return err
			}
		}
	}
	return nil
}

func printSnapshots(w io.Writer, refs []host.SnapshotRef) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SNAPSHOT\tHOST\tCREATED\tINCREMENTAL\tINCOMPLETE")
	for _, r := range refs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\n", r.ID, r.HostID, r.CreatedAt.UTC().Format(time.RFC3339), r.Incremental, r.Incomplete)
	}
	return tw.Flush()
}

func printListings(w io.Writer, listings []lifecycle.Listing) error {
	if jsonOut {
		type listingView struct {
			Handle provider.Handle `json:"handle"`
			Record *host.Record    `json:"record,omitempty"`
			Error  string          `json:"error,omitempty"`
		}
		views := make([]listingView, 0, len(listings))
		for _, l := range listings {
			v := listingView{Handle: l.Handle, Record: l.Record}
			if l.Err != nil {
				v.Error = l.Err.Error()
			}
			views = append(views, v)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tBACKEND\tIDLE\tAGENTS\tREASON")
	for _, l := range listings {
		if l.Record == nil {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t-\t-\t%v\n", l.Handle.ID, dash(l.Handle.Name), "?", l.Handle.Status, l.Err)
			continue
		}
		r := l.Record
		reason := r.FailureReason
		if reason == "" {
			reason = string(r.StopReason)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s %s\t%d\t%s\n",
			r.ID, r.Name, r.State, l.Handle.Status, r.IdleMode, idleSeconds(r), len(r.Agents), dash(reason))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
