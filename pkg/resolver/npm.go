package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
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

const DefaultNpmRegistryURL = "https://registry.npmjs.org"

// NpmClient resolves package.json dependencies against an npm registry.
type NpmClient struct {
	RegistryURL string // Allow overriding the registry URL for testing
	Target      platform.Target
	fetch       *fetch.Client
}

// NewNpmClient creates an NpmClient. An empty registryURL uses the public registry.
func NewNpmClient(f *fetch.Client, registryURL string, target platform.Target) *NpmClient {
	if registryURL == "" {
		registryURL = DefaultNpmRegistryURL
	}
	return &NpmClient{
		RegistryURL: strings.TrimRight(registryURL, "/"),
		Target:      target,
		fetch:       f,
	}
}

// npmPackument is the registry document for one package.
type npmPackument struct {
	Name     string                `json:"name"`
	DistTags map[string]string     `json:"dist-tags"`
	Versions map[string]npmVersion `json:"versions"`
}

// npmVersion is the manifest of one published version.
type npmVersion struct {
	Version      string            `json:"version"`
	CPU          []string          `json:"cpu"`
	OS           []string          `json:"os"`
	Binary       json.RawMessage   `json:"binary"`
	Gypfile      bool              `json:"gypfile"`
	Scripts      map[string]string `json:"scripts"`
	Dependencies map[string]string `json:"dependencies"`
}

var (
	installScripts = []string{"preinstall", "install", "postinstall"}
	nativeBuilders = []string{"node-gyp-build", "node-pre-gyp", "node-gyp", "prebuild-install", "cmake-js"}
)

func (c *NpmClient) Ecosystem() manifest.Ecosystem { return manifest.EcosystemNpm }

// Scope keys cached results by registry and target.
func (c *NpmClient) Scope() string { return cache.Key(c.RegistryURL, c.Target.String()) }

// Pinned recognizes exact versions such as "1.2.3" or "=1.2.3".
func (c *NpmClient) Pinned(constraint string) (string, bool) {
	v := strings.TrimPrefix(strings.TrimSpace(constraint), "=")
	if _, err := semver.StrictNewVersion(v); err != nil {
		return "", false
	}
	return v, true
}

// Resolve fetches the package document, resolves constraint over its
// versions and dist-tags and inspects the chosen version's manifest.
func (c *NpmClient) Resolve(ctx context.Context, name, constraint string) (Release, error) {
	var doc npmPackument
	if err := c.fetch.GetJSON(ctx, "npm", c.RegistryURL+"/"+url.PathEscape(name), &doc); err != nil {
		return Release{}, err
	}
	version, fallback, err := selectNpmVersion(doc, constraint)
	if err != nil {
		return Release{}, fmt.Errorf("%s: %w", name, err)
	}
	logger.Debugf("npm: %s %q resolved to %s (fallback=%t)", name, constraint, version, fallback)

	rel := Release{Resolved: ResolvedVersion{
		RequestedConstraint: constraint,
		Version:             version,
		UsedFallback:        fallback,
	}}
	manifestForVersion, ok := doc.Versions[version]
	if !ok {
		rel.Signals = []Signal{{Verdict: verdict.Unknown, Reason: fmt.Sprintf("registry document has no manifest for version %s", version)}}
		return rel, nil
	}
	rel.Signals = npmSignals(manifestForVersion, c.Target)
	for _, dep := range sortedKeys(manifestForVersion.Dependencies) {
		rel.Dependencies = append(rel.Dependencies, manifest.DependencyRecord{
			Name:       dep,
			Constraint: manifestForVersion.Dependencies[dep],
			Ecosystem:  manifest.EcosystemNpm,
		})
	}
	return rel, nil
}

// selectNpmVersion resolves a dependency spec. Dist-tags are looked up
// directly; semver ranges pick the highest satisfying version. Specs that
// are not ranges (git, file, url, aliases) and ranges nothing satisfies fall
// back to the latest dist-tag.
func selectNpmVersion(doc npmPackument, constraint string) (string, bool, error) {
	latest := doc.DistTags["latest"]
	spec := strings.TrimSpace(constraint)
	if spec == "" || spec == "*" || spec == "latest" {
		if latest == "" {
			return "", false, ErrNoReleases
		}
		return latest, false, nil
	}
	if tagged, ok := doc.DistTags[spec]; ok {
		return tagged, false, nil
	}

	if cons, err := semver.NewConstraint(spec); err == nil {
		var best *semver.Version
		var bestRaw string
		for raw := range doc.Versions {
			v, err := semver.NewVersion(raw)
			if err != nil || !cons.Check(v) {
				continue
			}
			if best == nil || v.GreaterThan(best) {
				best, bestRaw = v, raw
			}
		}
		if best != nil {
			return bestRaw, false, nil
		}
	} else {
		logger.Debugf("npm: %q is not a semver range: %v", spec, err)
	}

	if latest == "" {
		return "", false, ErrNoReleases
	}
	return latest, true, nil
}

// npmSignals inspects a version manifest. No restriction and no native build
// step is an explicit Compatible.
func npmSignals(v npmVersion, target platform.Target) []Signal {
	var signals []Signal
	if !npmFieldAllows(v.CPU, func(s string) bool { return target.MatchesArch(s) }) {
		signals = append(signals, Signal{Verdict: verdict.Incompatible, Reason: fmt.Sprintf("cpu field %q excludes %s", v.CPU, target.Arch)})
	}
	if !npmFieldAllows(v.OS, func(s string) bool { return npmOS(s) == target.OS }) {
		signals = append(signals, Signal{Verdict: verdict.Incompatible, Reason: fmt.Sprintf("os field %q excludes %s", v.OS, target.OS)})
	}
	if len(v.Binary) > 0 && string(v.Binary) != "null" {
		signals = append(signals, Signal{Verdict: verdict.Partial, Reason: "may download prebuilt native code (binary field)"})
	}
	if v.Gypfile {
		signals = append(signals, Signal{Verdict: verdict.Partial, Reason: "builds native code with node-gyp (gypfile)"})
	}
	for _, script := range installScripts {
		cmd := v.Scripts[script]
		for _, tool := range nativeBuilders {
			if strings.Contains(cmd, tool) {
				signals = append(signals, Signal{Verdict: verdict.Partial, Reason: fmt.Sprintf("%s script runs %s", script, tool)})
				break
			}
		}
	}
	if len(signals) == 0 {
		signals = append(signals, Signal{Verdict: verdict.Compatible, Reason: "no cpu/os restrictions or native build steps"})
	}
	return signals
}

// npmFieldAllows evaluates an npm cpu/os list: an allow-list unless entries
// are negated with "!".
func npmFieldAllows(values []string, matches func(string) bool) bool {
	if len(values) == 0 {
		return true
	}
	hasPositive, positiveMatch := false, false
	for _, raw := range values {
		value := strings.TrimSpace(strings.ToLower(raw))
		if negated, ok := strings.CutPrefix(value, "!"); ok {
			if matches(negated) {
				return false
			}
			continue
		}
		hasPositive = true
		if value == "any" || matches(value) {
			positiveMatch = true
		}
	}
	return !hasPositive || positiveMatch
}

func npmOS(s string) string {
	switch s {
	case "win32":
		return "windows"
	}
	return s
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
