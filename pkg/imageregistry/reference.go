package imageregistry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

const (
	DockerHub        = "docker.io"
	dockerHubAPIHost = "registry-1.docker.io"
	defaultTag       = "latest"
)

// ErrMalformedReference is returned for references that do not follow the
// image reference grammar, including ones with unresolved build arguments.
var ErrMalformedReference = errors.New("malformed image reference")

var (
	pathComponent = regexp.MustCompile(`^[a-z0-9]+(?:(?:[._]|__|-+)[a-z0-9]+)*$`)
	tagPattern    = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)
	hostPattern   = regexp.MustCompile(`^(?:[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?)(?:\.[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?)*(?::[0-9]+)?$|^\[[0-9a-fA-F:]+\](?::[0-9]+)?$`)
)

// Reference is a parsed image reference.
//
//	[registry[:port]/]path[:tag][@digest]
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     digest.Digest
	Scratch    bool
}

// ParseReference parses an image reference. Docker Hub is the default
// registry, single-component Hub repositories get the "library/" namespace
// and a missing tag means "latest". "scratch" parses to a Reference with
// Scratch set.
func ParseReference(s string) (Reference, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return Reference{}, fmt.Errorf("%w: empty", ErrMalformedReference)
	}
	if s == "scratch" {
		return Reference{Scratch: true}, nil
	}
	if strings.ContainsAny(s, "${} \t") {
		return Reference{}, fmt.Errorf("%w: %q contains unresolved variables or whitespace", ErrMalformedReference, orig)
	}

	var ref Reference
	if name, dgst, ok := strings.Cut(s, "@"); ok {
		d, err := digest.Parse(dgst)
		if err != nil {
			return Reference{}, fmt.Errorf("%w: %q: %v", ErrMalformedReference, orig, err)
		}
		ref.Digest = d
		s = name
	}
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		ref.Tag = s[i+1:]
		s = s[:i]
		if !tagPattern.MatchString(ref.Tag) {
			return Reference{}, fmt.Errorf("%w: %q: invalid tag %q", ErrMalformedReference, orig, ref.Tag)
		}
	}

	ref.Registry = DockerHub
	if first, rest, ok := strings.Cut(s, "/"); ok && (strings.ContainsAny(first, ".:") || first == "localhost") {
		if !hostPattern.MatchString(first) {
			return Reference{}, fmt.Errorf("%w: %q: invalid registry %q", ErrMalformedReference, orig, first)
		}
		ref.Registry = first
		s = rest
	}
	if ref.Registry == "index.docker.io" || ref.Registry == dockerHubAPIHost {
		ref.Registry = DockerHub
	}
	if ref.Registry == DockerHub && !strings.Contains(s, "/") {
		s = "library/" + s
	}
	for _, c := range strings.Split(s, "/") {
		if !pathComponent.MatchString(c) {
			return Reference{}, fmt.Errorf("%w: %q: invalid repository component %q", ErrMalformedReference, orig, c)
		}
	}
	ref.Repository = s
	if ref.Tag == "" && ref.Digest == "" {
		ref.Tag = defaultTag
	}
	return ref, nil
}

// Host is the host serving the registry API.
func (r Reference) Host() string {
	if r.Registry == DockerHub {
		return dockerHubAPIHost
	}
	return r.Registry
}

// ManifestRef is the tag or digest to request. A digest wins over a tag.
func (r Reference) ManifestRef() string {
	if r.Digest != "" {
		return r.Digest.String()
	}
	return r.Tag
}

func (r Reference) String() string {
	if r.Scratch {
		return "scratch"
	}
	s := r.Registry + "/" + r.Repository
	if r.Tag != "" {
		s += ":" + r.Tag
	}
	if r.Digest != "" {
		s += "@" + r.Digest.String()
	}
	return s
}
