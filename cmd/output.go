package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/json-iterator/go"

	"github.com/snowmanjy/ai2qa/internal/store"
	"github.com/snowmanjy/ai2qa/internal/testrun"
)

const (
	formatText = "text"
	formatJSON = "json"
)

// writeRun renders a run in the requested format.
func writeRun(w io.Writer, run *testrun.TestRun, format string) error {
	switch strings.ToLower(format) {
	case "", formatText:
		return writeRunText(w, run)
	case formatJSON:
		return writeRunJSON(w, run)
	default:
		return fmt.Errorf("unsupported output format %q (want %s or %s)", format, formatText, formatJSON)
	}
}

// writeRunJSON prints the run state without page snapshots, which can be large.
func writeRunJSON(w io.Writer, run *testrun.TestRun) error {
	state := run.State()
	for i := range state.History {
		state.History[i].SnapshotBefore = nil
		state.History[i].SnapshotAfter = nil
	}
	out, err := json.ConfigCompatibleWithStandardLibrary.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize run to JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func writeRunText(w io.Writer, run *testrun.TestRun) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s  %s\n", run.ID(), run.Status())
	fmt.Fprintf(&b, "Target:   %s\n", run.TargetURL())
	fmt.Fprintf(&b, "Persona:  %s\n", run.Persona())
	if started, completed := run.StartedAt(), run.CompletedAt(); !started.IsZero() && !completed.IsZero() {
		fmt.Fprintf(&b, "Duration: %s\n", completed.Sub(started).Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "Progress: %s\n", run.Progress())

	history := run.History()
	if len(history) > 0 {
		b.WriteString("\nSteps:\n")
	}
	for i, h := range history {
		fmt.Fprintf(&b, "%3d. %-9s %s (%dms", i+1, h.Status, h.Step, h.DurationMs)
		if h.RetryCount > 0 {
			fmt.Fprintf(&b, ", retry %d", h.RetryCount)
		}
		b.WriteString(")\n")
		if h.ErrorMessage != "" {
			fmt.Fprintf(&b, "       error: %s\n", h.ErrorMessage)
		}
		if n := len(h.Signals.Network) + len(h.Signals.Console); n > 0 {
			fmt.Fprintf(&b, "       signals: %d network, %d console\n", len(h.Signals.Network), len(h.Signals.Console))
		}
	}

	if reason := run.FailureReason(); reason != "" {
		fmt.Fprintf(&b, "\nFailure: %s\n", reason)
	}
	if summary := strings.TrimSpace(run.Summary()); summary != "" {
		fmt.Fprintf(&b, "\nSummary:\n%s\n", summary)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// writeRunList prints ListRuns rows as an aligned table.
func writeRunList(w io.Writer, runs []store.RunSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tTARGET\tFAILURE")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, r.CreatedAt.Format(time.RFC3339), r.TargetURL, r.FailureReason)
	}
	return tw.Flush()
}
