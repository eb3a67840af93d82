package output

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/sambabib/archcheck/pkg/report"
)

const reasonLimit = 80 // Max characters for the reason column

// WriteText prints the findings of every analyzer as a table followed by the
// overall verdict, recommendations and reasoning.
func WriteText(out io.Writer, r *report.AggregatedReport) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "ANALYZER\tIDENTITY\tVERDICT\tOPTIONAL\tREASON")
	fmt.Fprintln(w, "--------\t--------\t-------\t--------\t------")
	for _, key := range r.Keys() {
		for _, f := range r.Analyzers[key].Findings {
			reason := strings.ReplaceAll(f.Reason, "\t", " ")
			if len(reason) > reasonLimit {
				reason = reason[:reasonLimit-3] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", key, f.Identity, f.Verdict, f.Optional, reason)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nTarget: %s\nOverall verdict: %s\n", r.Target, strings.ToUpper(r.Overall.String()))
	writeList(out, "Recommendations", r.Recommendations)
	writeList(out, "Reasoning", r.Reasoning)
	for _, key := range r.Keys() {
		writeList(out, "Errors ("+key+")", r.Analyzers[key].Errors)
	}
	return nil
}

func writeList(out io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(out, "\n%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(out, "  - %s\n", item)
	}
}
