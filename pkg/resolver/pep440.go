package resolver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var pyVersionPattern = regexp.MustCompile(`^v?(?:\d+!)?(\d+(?:\.\d+)*)` +
	`(?:[-_.]?(a|b|c|rc|alpha|beta|pre|preview)[-_.]?(\d*))?` +
	`(?:-(\d+)|[-_.]?(post|rev|r)[-_.]?(\d*))?` +
	`(?:[-_.]?(dev)[-_.]?(\d*))?` +
	`(?:\+([a-z0-9]+(?:[-_.][a-z0-9]+)*))?$`)

// pyVersion maps a PEP 440 version onto a semantic version. Pre-releases and
// dev releases become semver pre-release identifiers, with dev spelled "0dev"
// so it sorts before a, b and rc. Post releases, local versions and release
// segments past the third are kept as build metadata, which semver ignores
// when ordering; pyExact compares them for exact pins.
func pyVersion(s string) (*semver.Version, error) {
	m := pyVersionPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return nil, fmt.Errorf("invalid PEP 440 version %q", s)
	}
	release := strings.Split(m[1], ".")
	for len(release) < 3 {
		release = append(release, "0")
	}
	var b strings.Builder
	b.WriteString(strings.Join(release[:3], "."))

	var pre []string
	if m[2] != "" {
		pre = append(pre, preLabel(m[2]), numberOrZero(m[3]))
	}
	if m[7] != "" {
		pre = append(pre, "0dev", numberOrZero(m[8]))
	}
	if len(pre) > 0 {
		b.WriteString("-" + strings.Join(pre, "."))
	}

	var meta []string
	if len(release) > 3 {
		meta = append(meta, "r"+strings.Join(release[3:], "."))
	}
	switch {
	case m[4] != "":
		meta = append(meta, "post", numberOrZero(m[4]))
	case m[5] != "":
		meta = append(meta, "post", numberOrZero(m[6]))
	}
	if m[9] != "" {
		meta = append(meta, strings.NewReplacer("-", ".", "_", ".").Replace(m[9]))
	}
	if len(meta) > 0 {
		b.WriteString("+" + strings.Join(meta, "."))
	}
	return semver.StrictNewVersion(b.String())
}

// pyExact reports whether candidate is the version an exact == or === clause
// names. A local label on candidate is ignored unless pinned carries one.
func pyExact(candidate, pinned string) bool {
	c, err := pyVersion(candidate)
	if err != nil {
		return false
	}
	p, err := pyVersion(pinned)
	if err != nil || !c.Equal(p) {
		return false
	}
	cPublic, cLocal := pyTail(candidate)
	pPublic, pLocal := pyTail(pinned)
	return cPublic == pPublic && (pLocal == "" || cLocal == pLocal)
}

// pyTail returns what pyVersion keeps out of the ordering: release segments
// past the third plus the post release, and the local label.
func pyTail(s string) (public, local string) {
	m := pyVersionPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return "", ""
	}
	var extra []string
	if release := strings.Split(m[1], "."); len(release) > 3 {
		for _, seg := range release[3:] {
			extra = append(extra, numberOrZero(seg))
		}
	}
	for len(extra) > 0 && extra[len(extra)-1] == "0" {
		extra = extra[:len(extra)-1]
	}
	public = strings.Join(extra, ".")
	switch {
	case m[4] != "":
		public += "post" + numberOrZero(m[4])
	case m[5] != "":
		public += "post" + numberOrZero(m[6])
	}
	if m[9] != "" {
		local = strings.NewReplacer("-", ".", "_", ".").Replace(m[9])
	}
	return public, local
}

// exactClauses returns the versions named by == and === clauses that carry
// no wildcard.
func exactClauses(spec string) []string {
	var out []string
	for _, clause := range strings.Split(spec, ",") {
		m := specifierPattern.FindStringSubmatch(strings.TrimSpace(clause))
		if m == nil || (m[1] != "==" && m[1] != "===") {
			continue
		}
		if v := strings.TrimSpace(m[2]); !strings.HasSuffix(v, ".*") {
			out = append(out, v)
		}
	}
	return out
}

// releaseSegments returns the dotted release part of a PEP 440 version.
func releaseSegments(s string) []string {
	m := pyVersionPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return nil
	}
	return strings.Split(m[1], ".")
}

func preLabel(l string) string {
	switch l {
	case "alpha":
		return "a"
	case "beta":
		return "b"
	case "c", "pre", "preview":
		return "rc"
	}
	return l
}

func numberOrZero(s string) string {
	n, err := strconv.Atoi(s)
	if err != nil {
		return "0"
	}
	return strconv.Itoa(n)
}

var specifierPattern = regexp.MustCompile(`^(===|==|!=|~=|<=|>=|<|>)\s*(.+)$`)

// pyConstraint translates a PEP 440 specifier set such as ">=2.0,<3,!=2.1.*"
// into a semver constraint. An empty specifier matches any version.
func pyConstraint(spec string) (*semver.Constraints, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return semver.NewConstraint("*")
	}
	var parts []string
	for _, clause := range strings.Split(spec, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		m := specifierPattern.FindStringSubmatch(clause)
		if m == nil {
			return nil, fmt.Errorf("invalid specifier %q", clause)
		}
		translated, err := translateClause(m[1], strings.TrimSpace(m[2]))
		if err != nil {
			return nil, err
		}
		parts = append(parts, translated...)
	}
	if len(parts) == 0 {
		return semver.NewConstraint("*")
	}
	return semver.NewConstraint(strings.Join(parts, ", "))
}

func translateClause(op, version string) ([]string, error) {
	if prefix, ok := strings.CutSuffix(version, ".*"); ok {
		if op != "==" && op != "!=" {
			return nil, fmt.Errorf("wildcard not allowed with %s", op)
		}
		if _, err := pyVersion(prefix); err != nil {
			return nil, err
		}
		if op == "==" {
			op = "="
		}
		return []string{op + prefix + ".*"}, nil
	}

	v, err := pyVersion(version)
	if err != nil {
		return nil, err
	}
	bare := semverString(v)
	switch op {
	case "===", "==":
		return []string{"=" + bare}, nil
	case "~=":
		digits := len(releaseSegments(version))
		if digits < 2 {
			return nil, fmt.Errorf("~= requires at least two release segments: %q", version)
		}
		var upper string
		if digits == 2 {
			upper = fmt.Sprintf("<%d.0.0", v.Major()+1)
		} else {
			upper = fmt.Sprintf("<%d.%d.0", v.Major(), v.Minor()+1)
		}
		return []string{">=" + bare, upper}, nil
	default:
		return []string{op + bare}, nil
	}
}

// semverString drops build metadata, which semver constraints reject.
func semverString(v *semver.Version) string {
	s := fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
	if v.Prerelease() != "" {
		s += "-" + v.Prerelease()
	}
	return s
}
