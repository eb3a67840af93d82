package analyzer

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sambabib/archcheck/pkg/manifest"
	"github.com/sambabib/archcheck/pkg/platform"
	"github.com/sambabib/archcheck/pkg/report"
	"github.com/sambabib/archcheck/pkg/verdict"
)

// InstanceKey is the report key of the instance type analyzer.
const InstanceKey = "terraform"

var instancePatterns = []*regexp.Regexp{regexp.MustCompile(`\.tf$`)}

// Graviton families carry a "g" right after the generation number
// (m6g, c7gn, x2gd, im4gn, is4gen).
var gravitonFamily = regexp.MustCompile(`^[a-z]+[0-9]+g[a-z]*$`)

var armFamilies = []string{"a1", "t4g", "m6g", "m7g", "m8g", "c6g", "c7g", "c8g", "r6g", "r7g", "r8g", "x2gd", "im4gn", "is4gen", "i4g", "g5g", "hpc7g"}

var x86OnlyFamilies = []string{"mac", "f1", "p2", "p3", "p4", "p5", "g3", "g4", "g5", "g6", "inf", "trn", "dl1", "vt1"}

// armReplacements maps x86 family prefixes to their Graviton counterpart.
// Longer prefixes come first.
var armReplacements = []struct{ prefix, replacement string }{
	{"t3", "t4g"},
	{"t2", "t4g"},
	{"m7", "m7g"},
	{"m6", "m6g"},
	{"m5", "m6g"},
	{"m4", "m6g"},
	{"c7", "c7g"},
	{"c6", "c6g"},
	{"c5", "c6g"},
	{"c4", "c6g"},
	{"r7", "r7g"},
	{"r6", "r6g"},
	{"r5", "r6g"},
	{"r4", "r6g"},
	{"i3", "im4gn"},
	{"x1", "x2gd"},
}

// InstanceAnalyzer grades AWS instance types declared in Terraform. It uses
// a fixed lookup table and never goes to the network.
type InstanceAnalyzer struct {
	Target platform.Target
}

// NewInstanceAnalyzer creates an InstanceAnalyzer for target.
func NewInstanceAnalyzer(target platform.Target) *InstanceAnalyzer {
	return &InstanceAnalyzer{Target: target}
}

func (a *InstanceAnalyzer) Key() string { return InstanceKey }

func (a *InstanceAnalyzer) Patterns() []*regexp.Regexp { return instancePatterns }

func (a *InstanceAnalyzer) AnalyzeFile(p string, content []byte) RawFindings {
	return RawFindings{Path: p, Instances: manifest.ParseTerraform(content, p)}
}

func (a *InstanceAnalyzer) Aggregate(_ context.Context, raw []RawFindings) report.AnalyzerReport {
	sources := map[string][]string{}
	for _, r := range raw {
		for _, m := range r.Instances {
			sources[m.InstanceType] = appendUnique(sources[m.InstanceType], m.SourceFile)
		}
	}
	types := make([]string, 0, len(sources))
	for t := range sources {
		types = append(types, t)
	}
	sort.Strings(types)

	out := report.AnalyzerReport{Key: InstanceKey, Errors: errorStrings(raw)}
	verdicts := make([]verdict.Verdict, 0, len(types))
	for _, t := range types {
		f, rec := a.classify(t)
		f.SourceFiles = sources[t]
		out.Findings = append(out.Findings, f)
		verdicts = append(verdicts, f.Verdict)
		if rec != "" {
			out.Recommendations = append(out.Recommendations, fmt.Sprintf("%s in %s", rec, strings.Join(f.SourceFiles, ", ")))
		}
	}
	out.Verdict = verdict.MergeAll(verdicts...)
	out.Reasoning = append(out.Reasoning, fmt.Sprintf("checked %d instance types from %d Terraform files", len(types), len(raw)))
	return out
}

func (a *InstanceAnalyzer) classify(instanceType string) (report.Finding, string) {
	f := report.Finding{Identity: instanceType}
	family, size, _ := strings.Cut(strings.ToLower(instanceType), ".")

	if a.Target.Arch != "arm64" {
		f.Verdict = verdict.Unknown
		f.Reason = fmt.Sprintf("instance type lookup only covers arm64 targets, not %s", a.Target)
		return f, ""
	}
	if hasPrefix(family, armFamilies) || gravitonFamily.MatchString(family) {
		f.Verdict = verdict.Compatible
		f.Reason = "Graviton instance type, already arm64"
		return f, ""
	}
	if hasPrefix(family, x86OnlyFamilies) {
		f.Verdict = verdict.Incompatible
		f.Reason = "instance family has no ARM equivalent"
		return f, ""
	}
	for _, r := range armReplacements {
		if strings.HasPrefix(family, r.prefix) {
			suggestion := r.replacement
			if size != "" {
				suggestion += "." + size
			}
			f.Verdict = verdict.Compatible
			f.Reason = "x86 instance type with Graviton equivalent " + suggestion
			f.Metadata = map[string]string{"suggestion": suggestion}
			return f, fmt.Sprintf("Replace %s with %s", instanceType, suggestion)
		}
	}
	f.Verdict = verdict.Unknown
	f.Reason = "requires manual verification"
	return f, ""
}

func hasPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
