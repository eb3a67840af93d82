package analyzer

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"

	"github.com/sambabib/archcheck/pkg/logger"
	"github.com/sambabib/archcheck/pkg/manifest"
	"github.com/sambabib/archcheck/pkg/report"
	"github.com/sambabib/archcheck/pkg/resolver"
	"github.com/sambabib/archcheck/pkg/verdict"
	"golang.org/x/sync/errgroup"
)

// DependencyKey is the report key of the dependency analyzer.
const DependencyKey = "dependency"

// DefaultConcurrency bounds how many entries an analyzer resolves at once.
const DefaultConcurrency = 8

var dependencyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(^|/)requirements[^/]*\.txt$`),
	regexp.MustCompile(`(^|/)package\.json$`),
}

// DependencyAnalyzer checks requirements files and package.json manifests.
type DependencyAnalyzer struct {
	Resolver    *resolver.Resolver
	Concurrency int
	// Ignore skips records whose name it matches.
	Ignore func(name string) bool
}

// NewDependencyAnalyzer creates a DependencyAnalyzer backed by r.
func NewDependencyAnalyzer(r *resolver.Resolver) *DependencyAnalyzer {
	return &DependencyAnalyzer{Resolver: r, Concurrency: DefaultConcurrency}
}

func (a *DependencyAnalyzer) Key() string { return DependencyKey }

func (a *DependencyAnalyzer) Patterns() []*regexp.Regexp { return dependencyPatterns }

func (a *DependencyAnalyzer) AnalyzeFile(p string, content []byte) RawFindings {
	var deps manifest.Dependencies
	if path.Base(p) == "package.json" {
		deps = manifest.ParsePackageJSON(content, p)
	} else {
		deps = manifest.ParseRequirements(content, p)
	}
	logger.Debugf("%s: %d dependencies, %d errors", p, len(deps.Records), len(deps.Errors))
	return RawFindings{Path: p, Dependencies: deps.Records, Errors: deps.Errors}
}

// declared is one unique dependency and everywhere it was declared.
type declared struct {
	record  manifest.DependencyRecord
	sources []string
}

func (a *DependencyAnalyzer) dedupe(raw []RawFindings) []*declared {
	byIdentity := map[string]*declared{}
	for _, r := range raw {
		for _, rec := range r.Dependencies {
			if a.Ignore != nil && a.Ignore(rec.Name) {
				logger.Debugf("ignoring %s", rec.Name)
				continue
			}
			id := rec.Identity()
			d, ok := byIdentity[id]
			if !ok {
				d = &declared{record: rec}
				byIdentity[id] = d
			}
			// Required anywhere means required.
			if !rec.Optional {
				d.record.Optional = false
			}
			d.sources = appendUnique(d.sources, rec.SourceFile)
		}
	}
	out := make([]*declared, 0, len(byIdentity))
	for _, d := range byIdentity {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].record.Identity() < out[j].record.Identity() })
	return out
}

func (a *DependencyAnalyzer) Aggregate(ctx context.Context, raw []RawFindings) report.AnalyzerReport {
	deps := a.dedupe(raw)
	findings := make([]report.Finding, len(deps))

	g := new(errgroup.Group)
	g.SetLimit(max(a.Concurrency, 1))
	for i, d := range deps {
		g.Go(func() error {
			findings[i] = a.check(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	out := report.AnalyzerReport{Key: DependencyKey, Findings: findings, Errors: errorStrings(raw)}
	var acc verdict.Accumulator
	optional := 0
	for _, f := range findings {
		acc.Add(f.Verdict, f.Optional)
		if f.Optional {
			optional++
		}
		if rec := dependencyRecommendation(f); rec != "" {
			out.Recommendations = append(out.Recommendations, rec)
		}
	}
	out.Verdict = acc.Required()
	out.OptionalVerdict = acc.Optional()
	if len(findings) == 0 && allFailed(raw) {
		out.Verdict = verdict.Unknown
	}
	out.Reasoning = append(out.Reasoning, fmt.Sprintf("checked %d dependencies (%d optional) from %d files", len(findings), optional, len(raw)))
	if acc.Optional().AtLeast(verdict.Partial) {
		out.Reasoning = append(out.Reasoning, fmt.Sprintf("optional dependencies are %s and do not count towards the verdict", acc.Optional()))
	}
	return out
}

func (a *DependencyAnalyzer) check(ctx context.Context, d *declared) report.Finding {
	f := report.Finding{
		Identity:    d.record.Identity(),
		SourceFiles: d.sources,
		Optional:    d.record.Optional,
	}
	if ctx.Err() != nil {
		f.Verdict = verdict.Unknown
		f.Reason = fmt.Sprintf("not checked: %v", ctx.Err())
		return f
	}

	res := a.Resolver.Resolve(ctx, d.record)
	f.Verdict = res.Verdict
	f.Reason = res.Reason
	f.Metadata = map[string]string{"ecosystem": string(d.record.Ecosystem)}
	if res.Resolved.Version != "" {
		f.Metadata["resolved_version"] = res.Resolved.Version
	}
	if res.Resolved.UsedFallback {
		f.Metadata["used_fallback"] = "true"
	}
	if res.DominatedBy != "" {
		f.Metadata["dominated_by"] = res.DominatedBy
	}
	if res.Checked > 0 {
		f.Metadata["transitive_checked"] = strconv.Itoa(res.Checked)
	}
	return f
}

func dependencyRecommendation(f report.Finding) string {
	kind := "dependency"
	if f.Optional {
		kind = "optional dependency"
	}
	var rec string
	switch f.Verdict {
	case verdict.Incompatible:
		rec = fmt.Sprintf("Replace %s %s or find a version that supports the target platform: %s", kind, f.Identity, f.Reason)
	case verdict.Partial:
		rec = fmt.Sprintf("Make sure native build tools are available for %s %s: %s", kind, f.Identity, f.Reason)
	default:
		return ""
	}
	if f.Optional {
		rec += " (does not affect the overall verdict)"
	}
	return rec
}
