// Package analyzer routes project files to the analyzers that understand
// them and folds their findings into one report.
package analyzer

import (
	"context"
	"path"
	"regexp"

	"github.com/sambabib/archcheck/pkg/manifest"
	"github.com/sambabib/archcheck/pkg/report"
)

// RawFindings is what an analyzer extracted from one file, before any
// registry lookup.
type RawFindings struct {
	Path         string
	Dependencies []manifest.DependencyRecord
	Images       []manifest.ImageMention
	Instances    []manifest.InstanceMention
	// Notes are observations that do not become findings, e.g. lines that
	// mention an architecture.
	Notes  []string
	Errors []error
}

// Analyzer is implemented by each kind of check (dependencies, base images,
// instance types).
type Analyzer interface {
	// Key names the analyzer in the aggregated report.
	Key() string
	// Patterns match the slash-separated paths this analyzer wants.
	Patterns() []*regexp.Regexp
	// AnalyzeFile parses one file. It does no network I/O and never fails;
	// problems are reported in RawFindings.Errors.
	AnalyzeFile(path string, content []byte) RawFindings
	// Aggregate deduplicates the raw findings of every file, resolves them
	// and grades the result.
	Aggregate(ctx context.Context, raw []RawFindings) report.AnalyzerReport
}

// Relevant reports whether a wants the file at p.
func Relevant(a Analyzer, p string) bool {
	p = path.Clean(p)
	for _, re := range a.Patterns() {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}

func errorStrings(raw []RawFindings) []string {
	var out []string
	for _, r := range raw {
		for _, err := range r.Errors {
			out = append(out, err.Error())
		}
	}
	return out
}

// allFailed reports whether every file produced nothing but errors.
func allFailed(raw []RawFindings) bool {
	if len(raw) == 0 {
		return false
	}
	for _, r := range raw {
		if len(r.Errors) == 0 || len(r.Dependencies)+len(r.Images)+len(r.Instances) > 0 {
			return false
		}
	}
	return true
}

func appendUnique(files []string, p string) []string {
	for _, f := range files {
		if f == p {
			return files
		}
	}
	return append(files, p)
}
