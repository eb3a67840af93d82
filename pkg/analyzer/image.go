package analyzer

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sambabib/archcheck/pkg/imageregistry"
	"github.com/sambabib/archcheck/pkg/manifest"
	"github.com/sambabib/archcheck/pkg/platform"
	"github.com/sambabib/archcheck/pkg/report"
	"github.com/sambabib/archcheck/pkg/verdict"
	"golang.org/x/sync/errgroup"
)

// ImageKey is the report key of the base image analyzer.
const ImageKey = "docker"

var imagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(^|/)(Dockerfile|Containerfile)(\.[^/]+)?$`),
	regexp.MustCompile(`(^|/)[^/]+\.(dockerfile|Dockerfile)$`),
}

// ImageChecker resolves an image reference to a verdict.
type ImageChecker interface {
	Check(ctx context.Context, image string) imageregistry.Result
}

// ImageAnalyzer checks the base images named in Dockerfiles.
type ImageAnalyzer struct {
	Checker     ImageChecker
	Target      platform.Target
	Concurrency int
}

// NewImageAnalyzer creates an ImageAnalyzer for target.
func NewImageAnalyzer(c ImageChecker, target platform.Target) *ImageAnalyzer {
	return &ImageAnalyzer{Checker: c, Target: target, Concurrency: DefaultConcurrency}
}

func (a *ImageAnalyzer) Key() string { return ImageKey }

func (a *ImageAnalyzer) Patterns() []*regexp.Regexp { return imagePatterns }

func (a *ImageAnalyzer) AnalyzeFile(p string, content []byte) RawFindings {
	df := manifest.ParseDockerfile(content, p)
	raw := RawFindings{Path: p, Images: df.Images, Errors: df.Errors}
	for _, h := range df.ArchHints {
		raw.Notes = append(raw.Notes, fmt.Sprintf("%s mentions an architecture: %s", p, h))
	}
	return raw
}

type imageUse struct {
	reference string
	sources   []string
	platforms []string
}

func (a *ImageAnalyzer) Aggregate(ctx context.Context, raw []RawFindings) report.AnalyzerReport {
	byRef := map[string]*imageUse{}
	var notes []string
	for _, r := range raw {
		notes = append(notes, r.Notes...)
		for _, m := range r.Images {
			key := imageKey(m.Reference)
			u, ok := byRef[key]
			if !ok {
				u = &imageUse{reference: m.Reference}
				byRef[key] = u
			} else if shorterRef(m.Reference, u.reference) {
				u.reference = m.Reference
			}
			u.sources = appendUnique(u.sources, m.SourceFile)
			if m.Platform != "" {
				u.platforms = appendUnique(u.platforms, m.Platform)
			}
		}
	}
	uses := make([]*imageUse, 0, len(byRef))
	for _, u := range byRef {
		uses = append(uses, u)
	}
	sort.Slice(uses, func(i, j int) bool { return uses[i].reference < uses[j].reference })

	findings := make([]report.Finding, len(uses))
	g := new(errgroup.Group)
	g.SetLimit(max(a.Concurrency, 1))
	for i, u := range uses {
		g.Go(func() error {
			findings[i] = a.check(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	out := report.AnalyzerReport{Key: ImageKey, Findings: findings, Errors: errorStrings(raw)}
	verdicts := make([]verdict.Verdict, 0, len(findings))
	for _, f := range findings {
		verdicts = append(verdicts, f.Verdict)
		if rec := a.recommendation(f); rec != "" {
			out.Recommendations = append(out.Recommendations, rec)
		}
	}
	out.Verdict = verdict.MergeAll(verdicts...)
	if len(findings) == 0 && allFailed(raw) {
		out.Verdict = verdict.Unknown
	}
	out.Reasoning = append(out.Reasoning, fmt.Sprintf("checked %d base images from %d Dockerfiles", len(findings), len(raw)))
	out.Reasoning = append(out.Reasoning, notes...)
	return out
}

// imageKey normalizes a reference so that spellings of the same image, such
// as python:3.9 and docker.io/library/python:3.9, share one finding.
func imageKey(reference string) string {
	ref, err := imageregistry.ParseReference(reference)
	if err != nil {
		return reference
	}
	return ref.String()
}

func shorterRef(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func (a *ImageAnalyzer) check(ctx context.Context, u *imageUse) report.Finding {
	f := report.Finding{Identity: u.reference, SourceFiles: u.sources}
	if ctx.Err() != nil {
		f.Verdict = verdict.Unknown
		f.Reason = fmt.Sprintf("not checked: %v", ctx.Err())
		return f
	}

	res := a.Checker.Check(ctx, u.reference)
	f.Verdict, f.Reason = res.Verdict, res.Reason
	f.Metadata = map[string]string{}
	if len(res.NativeArchitectures) > 0 {
		f.Metadata["native_architectures"] = strings.Join(res.NativeArchitectures, ",")
	}
	if res.LowConfidence {
		f.Metadata["low_confidence"] = "true"
	}
	for _, p := range u.platforms {
		pinned, ok := a.pinnedElsewhere(p)
		if !ok {
			continue
		}
		f.Metadata["pinned_platform"] = p
		pin := verdict.Partial
		if verdict.Merge(f.Verdict, pin) != f.Verdict {
			f.Verdict = pin
			f.Reason = fmt.Sprintf("FROM --platform=%s pins %s; %s", p, pinned, f.Reason)
		} else {
			f.Reason = fmt.Sprintf("%s; FROM --platform=%s pins %s", f.Reason, p, pinned)
		}
	}
	if len(f.Metadata) == 0 {
		f.Metadata = nil
	}
	return f
}

// pinnedElsewhere reports whether a literal --platform value names a
// platform other than the target. Build arguments such as $BUILDPLATFORM
// are not pins.
func (a *ImageAnalyzer) pinnedElsewhere(p string) (platform.Target, bool) {
	if strings.Contains(p, "$") {
		return platform.Target{}, false
	}
	t, err := platform.ParseTarget(p)
	if err != nil {
		return platform.Target{}, false
	}
	return t, !a.Target.Matches(t.OS, t.Arch, t.Variant)
}

func (a *ImageAnalyzer) recommendation(f report.Finding) string {
	switch {
	case f.Metadata["pinned_platform"] != "":
		return fmt.Sprintf("Remove or parameterize --platform=%s for %s so it builds for %s", f.Metadata["pinned_platform"], f.Identity, a.Target)
	case f.Verdict == verdict.Incompatible:
		return fmt.Sprintf("Base image %s has no %s variant; use a multi-arch tag or an alternative image", f.Identity, a.Target)
	case f.Verdict == verdict.Unknown:
		return fmt.Sprintf("Verify base image %s manually: %s", f.Identity, f.Reason)
	}
	return ""
}
