// Package platform describes the OS/architecture pair a project is being
// assessed against and the spellings different ecosystems use for it.
package platform

import (
	"fmt"
	"strings"
)

// Target is the platform a project should run on.
type Target struct {
	OS      string
	Arch    string
	Variant string
}

// DefaultTarget is linux/arm64.
var DefaultTarget = Target{OS: "linux", Arch: "arm64"}

// archAliases maps a canonical architecture to every spelling seen in
// image manifests, wheel tags and npm cpu fields.
var archAliases = map[string][]string{
	"arm64":   {"arm64", "aarch64", "arm64v8"},
	"amd64":   {"amd64", "x86_64", "x64", "x86-64"},
	"arm":     {"arm", "armv7l", "armhf", "armv7"},
	"386":     {"386", "i386", "i686", "x86", "ia32"},
	"ppc64le": {"ppc64le"},
	"s390x":   {"s390x"},
	"riscv64": {"riscv64"},
}

// ParseTarget parses "os/arch[/variant]". A bare architecture implies linux.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return Target{}, fmt.Errorf("empty platform")
	}
	parts := strings.Split(s, "/")
	var t Target
	switch len(parts) {
	case 1:
		t = Target{OS: "linux", Arch: parts[0]}
	case 2:
		t = Target{OS: parts[0], Arch: parts[1]}
	case 3:
		t = Target{OS: parts[0], Arch: parts[1], Variant: parts[2]}
	default:
		return Target{}, fmt.Errorf("invalid platform %q", s)
	}
	if t.OS == "" || t.Arch == "" {
		return Target{}, fmt.Errorf("invalid platform %q", s)
	}
	t.Arch = Canonical(t.Arch)
	return t, nil
}

// Canonical maps any known alias to its canonical architecture name.
func Canonical(arch string) string {
	arch = strings.ToLower(arch)
	for canonical, aliases := range archAliases {
		for _, a := range aliases {
			if a == arch {
				return canonical
			}
		}
	}
	return arch
}

// Aliases returns every spelling of the target architecture.
func (t Target) Aliases() []string {
	if a, ok := archAliases[t.Arch]; ok {
		return a
	}
	return []string{t.Arch}
}

// MatchesArch reports whether arch is a spelling of the target architecture.
func (t Target) MatchesArch(arch string) bool {
	return Canonical(arch) == t.Arch
}

// Matches reports whether an os/arch/variant triple can run natively on the target.
// An empty variant on either side matches; arm64 images labelled v8 match a bare arm64 target.
func (t Target) Matches(os, arch, variant string) bool {
	if !strings.EqualFold(os, t.OS) || !t.MatchesArch(arch) {
		return false
	}
	if t.Variant == "" || variant == "" {
		return true
	}
	return strings.EqualFold(t.Variant, variant)
}

func (t Target) String() string {
	if t.Variant != "" {
		return t.OS + "/" + t.Arch + "/" + t.Variant
	}
	return t.OS + "/" + t.Arch
}
