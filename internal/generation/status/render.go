package status

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"
)

// WriteText renders a report as aligned plain-text tables.
func WriteText(w io.Writer, r *Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Health:\t%s\n", r.Health)
	fmt.Fprintf(tw, "Generated:\t%s\n\n", r.GeneratedAt.Format(time.RFC3339))

	fmt.Fprintln(tw, "BACKEND\tWINDOW\tLENGTH\tUSED\tLIMIT\tREMAINING\tRESET IN")
	if len(r.Quota) == 0 {
		fmt.Fprintln(tw, "-\t-\t-\t-\t-\t-\t-")
	}
	for _, q := range r.Quota {
		limit, remaining := "unlimited", "-"
		if q.Limit > 0 {
			limit = strconv.Itoa(q.Limit)
			remaining = strconv.Itoa(q.Remaining)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			q.Backend, q.Window, q.Length, q.Used, limit, remaining, q.ResetIn)
	}
	fmt.Fprintln(tw)

	if d := r.Daemon; d != nil {
		fmt.Fprintf(tw, "Daemon running:\t%t\n", d.Running)
		if st := d.State; st != nil {
			fmt.Fprintf(tw, "Daemon job:\t%s\n", st.Job.ID)
			fmt.Fprintf(tw, "Daemon status:\t%s\n", st.Status)
			fmt.Fprintf(tw, "Completed runs:\t%d\n", st.Attempt)
			if !st.NextAttemptAt.IsZero() {
				fmt.Fprintf(tw, "Next run at:\t%s\n", st.NextAttemptAt.Format(time.RFC3339))
			}
			if st.Artifact != "" {
				fmt.Fprintf(tw, "Artifact:\t%s\n", st.Artifact)
			}
			if st.LastMessage != "" {
				fmt.Fprintf(tw, "Last error:\t%s (%s)\n", st.LastMessage, st.LastKind)
			}
		}
		fmt.Fprintln(tw)
	}

	if d := r.Device; d != nil {
		fmt.Fprintf(tw, "Device:\t%s (busy=%t)\n", d.Name, d.Busy)
		if d.TotalMemoryMB > 0 {
			fmt.Fprintf(tw, "Memory:\t%d MB free of %d MB (%.1f%% used)\n", d.FreeMemoryMB, d.TotalMemoryMB, d.UsedPercent)
		}
		fmt.Fprintln(tw)
	}

	for name, state := range r.Dependencies {
		fmt.Fprintf(tw, "Dependency %s:\t%s\n", name, state)
	}

	if len(r.Recent) > 0 {
		fmt.Fprintln(tw, "TIME\tEVENT\tJOB\tBACKEND\tOUTCOME\tKIND\tLATENCY")
		for _, e := range r.Recent {
			n := e.Attempt
			if e.Event == "run" {
				n = e.Run
			}
			fmt.Fprintf(tw, "%s\t%s #%d\t%s\t%s\t%s\t%s\t%dms\n",
				e.Time.Format(time.RFC3339), e.Event, n, shortID(e.JobID), orDash(string(e.Backend)),
				e.Outcome, e.Kind, e.LatencyMS)
		}
	}

	for _, msg := range r.Errors {
		fmt.Fprintf(tw, "error:\t%s\n", msg)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
