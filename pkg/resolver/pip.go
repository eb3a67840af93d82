package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/sambabib/archcheck/pkg/cache"
	"github.com/sambabib/archcheck/pkg/fetch"
	"github.com/sambabib/archcheck/pkg/logger"
	"github.com/sambabib/archcheck/pkg/manifest"
	"github.com/sambabib/archcheck/pkg/platform"
	"github.com/sambabib/archcheck/pkg/verdict"
)

const DefaultPipRegistryURL = "https://pypi.org/pypi"

// PipClient resolves requirements against the PyPI JSON API.
type PipClient struct {
	RegistryURL string
	Target      platform.Target
	fetch       *fetch.Client
}

// NewPipClient creates a PipClient. An empty registryURL uses PyPI.
func NewPipClient(f *fetch.Client, registryURL string, target platform.Target) *PipClient {
	if registryURL == "" {
		registryURL = DefaultPipRegistryURL
	}
	return &PipClient{
		RegistryURL: strings.TrimRight(registryURL, "/"),
		Target:      target,
		fetch:       f,
	}
}

// PipPackageInfo is the JSON document served for a project or a release.
type PipPackageInfo struct {
	Info     PipInfo                         `json:"info"`
	Releases map[string][]PipReleaseFileInfo `json:"releases"`
	URLs     []PipReleaseFileInfo            `json:"urls"`
}

// PipInfo holds the metadata of the release the document describes.
type PipInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Yanked       bool     `json:"yanked"`
	YankedReason string   `json:"yanked_reason"`
	RequiresDist []string `json:"requires_dist"`
	Classifiers  []string `json:"classifiers"`
}

// PipReleaseFileInfo describes one distribution file of a release.
type PipReleaseFileInfo struct {
	Filename     string `json:"filename"`
	Packagetype  string `json:"packagetype"`
	Yanked       bool   `json:"yanked"`
	YankedReason string `json:"yanked_reason"`
}

// IsWheel checks if the package type is a wheel.
func (f *PipReleaseFileInfo) IsWheel() bool {
	return f.Packagetype == "bdist_wheel" || strings.HasSuffix(f.Filename, ".whl")
}

// IsSourceDist checks if the package type is a source distribution.
func (f *PipReleaseFileInfo) IsSourceDist() bool {
	return f.Packagetype == "sdist"
}

func (c *PipClient) Ecosystem() manifest.Ecosystem { return manifest.EcosystemPyPI }

// Scope keys cached results by registry and target.
func (c *PipClient) Scope() string { return cache.Key(c.RegistryURL, c.Target.String()) }

// Pinned recognizes "==X" and "===X" without wildcards.
func (c *PipClient) Pinned(constraint string) (string, bool) {
	return pipPin(constraint)
}

func pipPin(constraint string) (string, bool) {
	if strings.Contains(constraint, ",") || strings.Contains(constraint, "*") {
		return "", false
	}
	if v, ok := strings.CutPrefix(constraint, "==="); ok {
		return v, v != ""
	}
	if v, ok := strings.CutPrefix(constraint, "=="); ok {
		return v, v != ""
	}
	return "", false
}

// Resolve fetches the project document, picks the newest release allowed by
// constraint and classifies its distribution files for the target.
func (c *PipClient) Resolve(ctx context.Context, name, constraint string) (Release, error) {
	name = manifest.CanonicalPyPIName(name)
	var doc PipPackageInfo
	if err := c.fetch.GetJSON(ctx, "pypi", fmt.Sprintf("%s/%s/json", c.RegistryURL, url.PathEscape(name)), &doc); err != nil {
		return Release{}, err
	}

	version, fallback, err := selectPipVersion(doc, constraint)
	if err != nil {
		return Release{}, fmt.Errorf("%s: %w", name, err)
	}
	logger.Debugf("pypi: %s %q resolved to %s (fallback=%t)", name, constraint, version, fallback)

	files := doc.Releases[version]
	info := doc.Info
	if version != doc.Info.Version {
		var rel PipPackageInfo
		err := c.fetch.GetJSON(ctx, "pypi", fmt.Sprintf("%s/%s/%s/json", c.RegistryURL, url.PathEscape(name), url.PathEscape(version)), &rel)
		switch {
		case err == nil:
			info = rel.Info
			if len(files) == 0 {
				files = rel.URLs
			}
		case errors.Is(err, fetch.ErrNotFound):
			logger.Debugf("pypi: no release document for %s %s, using project metadata", name, version)
		default:
			return Release{}, err
		}
	}

	return Release{
		Resolved: ResolvedVersion{
			RequestedConstraint: constraint,
			Version:             version,
			UsedFallback:        fallback,
			Yanked:              allYanked(files),
		},
		Signals:      []Signal{classifyDistributions(files, info.Classifiers, c.Target)},
		Dependencies: requiresDist(info.RequiresDist),
	}, nil
}

// selectPipVersion returns the newest release satisfying constraint. Releases
// whose files are all yanked are only eligible for an exact pin. When nothing
// matches, the project's current version is returned with fallback set.
func selectPipVersion(doc PipPackageInfo, constraint string) (version string, fallback bool, err error) {
	latest := doc.Info.Version
	if strings.TrimSpace(constraint) == "" && latest != "" {
		return latest, false, nil
	}

	pinned, _ := pipPin(constraint)
	exact := exactClauses(constraint)
	cons, cerr := pyConstraint(constraint)
	if cerr != nil {
		logger.Debugf("pypi: %v", cerr)
	}

	var best *semver.Version
	for raw, files := range doc.Releases {
		if allYanked(files) && raw != pinned {
			continue
		}
		v, perr := pyVersion(raw)
		if perr != nil {
			continue
		}
		if cons == nil || !cons.Check(v) || !matchesAll(raw, exact) {
			continue
		}
		if best == nil || v.GreaterThan(best) || (v.Equal(best) && raw > version) {
			best, version = v, raw
		}
	}
	if best != nil {
		return version, false, nil
	}
	if latest == "" {
		return "", false, ErrNoReleases
	}
	return latest, true, nil
}

func matchesAll(raw string, exact []string) bool {
	for _, pinned := range exact {
		if !pyExact(raw, pinned) {
			return false
		}
	}
	return true
}

func allYanked(files []PipReleaseFileInfo) bool {
	if len(files) == 0 {
		return false
	}
	for _, f := range files {
		if !f.Yanked {
			return false
		}
	}
	return true
}

var nativeLanguages = map[string]bool{
	"C":       true,
	"C++":     true,
	"Cython":  true,
	"Rust":    true,
	"Fortran": true,
}

// classifyDistributions decides what installing a release on target involves.
func classifyDistributions(files []PipReleaseFileInfo, classifiers []string, target platform.Target) Signal {
	if len(files) == 0 {
		return Signal{Verdict: verdict.Unknown, Reason: "no distribution files published"}
	}

	var universal, native string
	var otherTags []string
	hasSdist := false
	for _, f := range files {
		if f.Yanked && !allYanked(files) {
			continue
		}
		switch {
		case f.IsWheel():
			tags := wheelPlatformTags(f.Filename)
			for _, tag := range tags {
				switch {
				case tag == "any":
					universal = f.Filename
				case wheelMatches(tag, target):
					native = tag
				default:
					otherTags = append(otherTags, tag)
				}
			}
		case f.IsSourceDist() || strings.HasSuffix(f.Filename, ".tar.gz") || strings.HasSuffix(f.Filename, ".zip"):
			hasSdist = true
		}
	}

	switch {
	case native != "":
		return Signal{Verdict: verdict.Compatible, Reason: fmt.Sprintf("prebuilt wheel for %s (%s)", target, native)}
	case universal != "":
		return Signal{Verdict: verdict.Compatible, Reason: fmt.Sprintf("platform-independent wheel (%s)", universal)}
	case hasSdist && (len(otherTags) > 0 || declaresNativeCode(classifiers)):
		return Signal{Verdict: verdict.Partial, Reason: fmt.Sprintf("requires native build: no wheel for %s, source distribution must be compiled", target)}
	case hasSdist:
		return Signal{Verdict: verdict.Compatible, Reason: "pure source distribution"}
	case len(otherTags) > 0:
		return Signal{Verdict: verdict.Incompatible, Reason: fmt.Sprintf("only wheels for other architectures (%s)", strings.Join(dedupe(otherTags), ", "))}
	}
	return Signal{Verdict: verdict.Unknown, Reason: "no recognizable distribution files"}
}

func declaresNativeCode(classifiers []string) bool {
	for _, c := range classifiers {
		parts := strings.Split(c, " :: ")
		if len(parts) >= 2 && parts[0] == "Programming Language" && nativeLanguages[parts[1]] {
			return true
		}
	}
	return false
}

// wheelPlatformTags returns the platform tags of a wheel file name
// ({name}-{ver}(-{build})?-{py}-{abi}-{platform}.whl). Compressed tag sets
// such as "manylinux_2_17_aarch64.manylinux2014_aarch64" are split.
func wheelPlatformTags(filename string) []string {
	base := strings.TrimSuffix(strings.ToLower(filename), ".whl")
	parts := strings.Split(base, "-")
	if len(parts) < 5 {
		return nil
	}
	return strings.Split(parts[len(parts)-1], ".")
}

var (
	linuxTag = regexp.MustCompile(`^(?:manylinux\d+|manylinux_\d+_\d+|musllinux_\d+_\d+|linux)_(.+)$`)
	macTag   = regexp.MustCompile(`^macosx_\d+_\d+_(.+)$`)
	winTag   = regexp.MustCompile(`^win_(.+)$`)
)

// wheelMatches reports whether a wheel platform tag runs natively on target.
func wheelMatches(tag string, target platform.Target) bool {
	tagOS, archs := wheelPlatform(tag)
	for _, arch := range archs {
		if target.Matches(tagOS, arch, "") {
			return true
		}
	}
	return false
}

func wheelPlatform(tag string) (string, []string) {
	if m := linuxTag.FindStringSubmatch(tag); m != nil {
		return "linux", []string{m[1]}
	}
	if m := macTag.FindStringSubmatch(tag); m != nil {
		switch m[1] {
		case "universal2":
			return "darwin", []string{"arm64", "x86_64"}
		case "intel":
			return "darwin", []string{"x86_64"}
		case "universal", "fat3", "fat64":
			return "darwin", []string{"x86_64", "i386"}
		}
		return "darwin", []string{m[1]}
	}
	if tag == "win32" {
		return "windows", []string{"386"}
	}
	if m := winTag.FindStringSubmatch(tag); m != nil {
		return "windows", []string{m[1]}
	}
	return "", nil
}

// requiresDist turns Requires-Dist entries into dependency records. Entries
// that only apply to an extra are skipped.
func requiresDist(entries []string) []manifest.DependencyRecord {
	var out []manifest.DependencyRecord
	seen := map[string]bool{}
	for _, e := range entries {
		req, marker, _ := strings.Cut(e, ";")
		if strings.Contains(strings.ReplaceAll(marker, " ", ""), "extra==") {
			continue
		}
		rec, err := manifest.ParseRequirementLine(req)
		if err != nil {
			logger.Debugf("pypi: skipping Requires-Dist %q: %v", e, err)
			continue
		}
		if seen[rec.Name] {
			continue
		}
		seen[rec.Name] = true
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
