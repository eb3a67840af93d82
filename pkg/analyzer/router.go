package analyzer

import (
	"context"
	"fmt"

	"github.com/sambabib/archcheck/pkg/logger"
	"github.com/sambabib/archcheck/pkg/metrics"
	"github.com/sambabib/archcheck/pkg/platform"
	"github.com/sambabib/archcheck/pkg/report"
	"github.com/sambabib/archcheck/pkg/source"
	"github.com/sambabib/archcheck/pkg/verdict"
)

// File is one project file handed to the router.
type File struct {
	Path    string
	Content []byte
}

// Router sends files to the analyzers that want them and builds the
// aggregated report.
type Router struct {
	Analyzers []Analyzer
	Target    platform.Target
	Metrics   *metrics.Metrics
}

// NewRouter creates a Router over analyzers.
func NewRouter(target platform.Target, analyzers ...Analyzer) *Router {
	return &Router{Analyzers: analyzers, Target: target}
}

// Run analyzes files. It always returns a complete report; files no analyzer
// wants are ignored.
func (r *Router) Run(ctx context.Context, files []File) *report.AggregatedReport {
	if len(files) == 0 {
		return r.empty("no files were provided")
	}

	raw := make(map[string][]RawFindings, len(r.Analyzers))
	for _, f := range files {
		for _, a := range r.Analyzers {
			if !Relevant(a, f.Path) {
				continue
			}
			logger.Debugf("%s: %s", a.Key(), f.Path)
			raw[a.Key()] = append(raw[a.Key()], a.AnalyzeFile(f.Path, f.Content))
		}
	}
	if len(raw) == 0 {
		return r.empty(fmt.Sprintf("none of the %d files is a manifest, Dockerfile or Terraform file", len(files)))
	}

	out := &report.AggregatedReport{
		Target:          r.Target.String(),
		Analyzers:       make(map[string]report.AnalyzerReport, len(raw)),
		Recommendations: []string{},
		Reasoning:       []string{},
	}
	verdicts := make([]verdict.Verdict, 0, len(raw))
	for _, a := range r.Analyzers {
		rs, ok := raw[a.Key()]
		if !ok {
			continue
		}
		ar := a.Aggregate(ctx, rs)
		out.Analyzers[a.Key()] = ar
		verdicts = append(verdicts, ar.Verdict)
		for _, f := range ar.Findings {
			r.Metrics.Finding(a.Key(), f.Verdict.String())
		}
		out.Recommendations = append(out.Recommendations, ar.Recommendations...)
		out.Reasoning = append(out.Reasoning, fmt.Sprintf("%s: %s across %d findings", a.Key(), ar.Verdict, len(ar.Findings)))
		out.Reasoning = append(out.Reasoning, ar.Reasoning...)
	}
	out.Overall = verdict.MergeAll(verdicts...)
	logger.Infof("overall verdict for %s: %s", out.Target, out.Overall)
	return out
}

// RunHost lists repo on host, reads the files some analyzer wants and runs
// them. Files that cannot be read are skipped.
func (r *Router) RunHost(ctx context.Context, host source.Host, repo string) *report.AggregatedReport {
	paths, err := host.ListFiles(ctx, repo)
	if err != nil {
		logger.Warnf("listing %s: %v", repo, err)
		return r.empty(fmt.Sprintf("could not list files: %v", err))
	}

	var files []File
	for _, p := range paths {
		if !r.wanted(p) {
			continue
		}
		content, err := host.GetFileContent(ctx, repo, p)
		if err != nil {
			logger.Debugf("skipping %s: %v", p, err)
			continue
		}
		files = append(files, File{Path: p, Content: content})
	}
	if len(files) == 0 {
		return r.empty(fmt.Sprintf("no relevant files among %d in %s", len(paths), repo))
	}
	return r.Run(ctx, files)
}

func (r *Router) wanted(p string) bool {
	for _, a := range r.Analyzers {
		if Relevant(a, p) {
			return true
		}
	}
	return false
}

func (r *Router) empty(why string) *report.AggregatedReport {
	return &report.AggregatedReport{
		Target:          r.Target.String(),
		Analyzers:       map[string]report.AnalyzerReport{},
		Overall:         verdict.Unknown,
		Recommendations: []string{},
		Reasoning:       []string{"nothing to analyze: " + why},
	}
}
