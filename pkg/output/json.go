package output

import (
	"fmt"
	"io"

	"github.com/sambabib/archcheck/pkg/report"
)

// Supported output formats.
const (
	FormatText  = "text"
	FormatJSON  = "json"
	FormatSarif = "sarif"
)

// WriteJSON writes the report as indented JSON.
func WriteJSON(out io.Writer, r *report.AggregatedReport) error {
	data, err := report.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report to JSON: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// Write renders r in the named format. version labels the tool in SARIF output.
func Write(out io.Writer, format string, r *report.AggregatedReport, version string) error {
	switch format {
	case "", FormatText:
		return WriteText(out, r)
	case FormatJSON:
		return WriteJSON(out, r)
	case FormatSarif:
		data, err := GenerateSarifReport(r, version)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	return fmt.Errorf("unsupported output format %q (use text, json or sarif)", format)
}
