// Package report holds the result model of an analysis run.
package report

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sambabib/archcheck/pkg/verdict"
)

// Finding is the verdict for one unique dependency, image or instance type.
type Finding struct {
	Identity    string            `json:"identity"`
	Verdict     verdict.Verdict   `json:"verdict"`
	Reason      string            `json:"reason"`
	SourceFiles []string          `json:"source_files,omitempty"`
	Optional    bool              `json:"optional,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AnalyzerReport is what one analyzer produced for a run.
type AnalyzerReport struct {
	Key string `json:"key"`
	// Verdict merges the required findings only.
	Verdict verdict.Verdict `json:"verdict"`
	// OptionalVerdict merges the findings of optional dependencies.
	OptionalVerdict verdict.Verdict `json:"optional_verdict"`
	Findings        []Finding       `json:"findings"`
	Recommendations []string        `json:"recommendations,omitempty"`
	Reasoning       []string        `json:"reasoning,omitempty"`
	// Errors lists files that could not be parsed, in full or in part.
	Errors []string `json:"errors,omitempty"`
}

// AggregatedReport is the project-level result. It is built once by the
// router and only read afterwards.
type AggregatedReport struct {
	Target          string                    `json:"target"`
	Analyzers       map[string]AnalyzerReport `json:"analyzers"`
	Overall         verdict.Verdict           `json:"overall_verdict"`
	Recommendations []string                  `json:"recommendations"`
	Reasoning       []string                  `json:"reasoning"`
}

// Keys returns the analyzer keys in a stable order.
func (r *AggregatedReport) Keys() []string {
	keys := make([]string, 0, len(r.Analyzers))
	for k := range r.Analyzers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Findings returns every finding, ordered by analyzer key.
func (r *AggregatedReport) Findings() []Finding {
	var out []Finding
	for _, k := range r.Keys() {
		out = append(out, r.Analyzers[k].Findings...)
	}
	return out
}

// Counts tallies findings by verdict.
func (r *AggregatedReport) Counts() map[verdict.Verdict]int {
	counts := map[verdict.Verdict]int{}
	for _, f := range r.Findings() {
		counts[f.Verdict]++
	}
	return counts
}

// Marshal encodes the report as indented JSON.
func Marshal(r *AggregatedReport) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Unmarshal decodes a report produced by Marshal.
func Unmarshal(data []byte) (*AggregatedReport, error) {
	var r AggregatedReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}
