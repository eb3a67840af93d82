// Package imageregistry decides whether a container base image can run on a
// target platform by talking to its registry over the distribution API:
// bearer token negotiation, manifest content negotiation, manifest list
// dispatch and config blob inspection.
package imageregistry

import (
	"context"
	_ "crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sambabib/archcheck/pkg/cache"
	"github.com/sambabib/archcheck/pkg/fetch"
	"github.com/sambabib/archcheck/pkg/logger"
	"github.com/sambabib/archcheck/pkg/metrics"
	"github.com/sambabib/archcheck/pkg/platform"
	"github.com/sambabib/archcheck/pkg/verdict"
	"golang.org/x/sync/singleflight"
)

// Docker media types that predate the OCI equivalents in image-spec.
const (
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerSchema1      = "application/vnd.docker.distribution.manifest.v1+json"
	MediaTypeDockerSchema1JWS   = "application/vnd.docker.distribution.manifest.v1+prettyjws"
)

// ErrUnsupportedMediaType is returned for manifests of an unrecognized type.
var ErrUnsupportedMediaType = errors.New("unsupported manifest media type")

var acceptManifests = strings.Join([]string{
	ocispec.MediaTypeImageIndex,
	MediaTypeDockerManifestList,
	ocispec.MediaTypeImageManifest,
	MediaTypeDockerManifest,
}, ", ")

// Result is the verdict for one image reference.
type Result struct {
	Verdict             verdict.Verdict `json:"verdict"`
	NativeArchitectures []string        `json:"native_architectures,omitempty"`
	Reason              string          `json:"reason"`
	// LowConfidence marks verdicts taken from manifest fields because the
	// config blob was unavailable.
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// Options configures a Client.
type Options struct {
	Fetch  *fetch.Client
	Target platform.Target
	// Credentials by registry name, e.g. "docker.io" or "ghcr.io".
	Credentials map[string]Credentials
	// Endpoints overrides the base URL used for a registry, e.g. a mirror.
	Endpoints map[string]string
	Metrics   *metrics.Metrics
}

// Client checks image references. Results and tokens live for the lifetime
// of the Client, which is one analysis run.
type Client struct {
	fetch     *fetch.Client
	target    platform.Target
	endpoints map[string]string
	auth      *authenticator
	results   *cache.Memory[Result]
	group     singleflight.Group
	metrics   *metrics.Metrics
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Fetch == nil {
		opts.Fetch = fetch.New(fetch.Options{Metrics: opts.Metrics})
	}
	if opts.Target == (platform.Target{}) {
		opts.Target = platform.DefaultTarget
	}
	return &Client{
		fetch:     opts.Fetch,
		target:    opts.Target,
		endpoints: opts.Endpoints,
		auth:      newAuthenticator(opts.Fetch, opts.Credentials),
		results:   cache.NewMemory[Result](0),
		metrics:   opts.Metrics,
	}
}

// Check resolves image to a verdict. It never fails; every problem becomes
// an Unknown result with the cause as reason.
func (c *Client) Check(ctx context.Context, image string) Result {
	ref, err := ParseReference(image)
	if err != nil {
		return Result{Verdict: verdict.Unknown, Reason: err.Error()}
	}
	if ref.Scratch {
		return Result{Verdict: verdict.Compatible, Reason: "no base image"}
	}

	if res, ok, _ := c.results.Get(ctx, image); ok {
		c.metrics.CacheHit("image", true)
		return res
	}
	c.metrics.CacheHit("image", false)

	v, _, _ := c.group.Do(image, func() (any, error) {
		if res, ok, _ := c.results.Get(ctx, image); ok {
			return res, nil
		}
		res, err := c.inspect(ctx, ref)
		if err != nil {
			logger.Warnf("image %s: %v", image, err)
			res = failure(err)
		}
		_ = c.results.Put(ctx, image, res)
		return res, nil
	})
	return v.(Result)
}

func failure(err error) Result {
	var se *fetch.StatusError
	reason := fmt.Sprintf("registry lookup failed: %v", err)
	switch {
	case errors.Is(err, fetch.ErrNotFound):
		reason = "not found in registry"
	case errors.Is(err, ErrUnsupportedAuth):
		reason = ErrUnsupportedAuth.Error()
	case errors.Is(err, ErrAuthFailed):
		reason = err.Error()
	case errors.Is(err, ErrUnsupportedMediaType):
		reason = err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		reason = fmt.Sprintf("registry request timed out: %v", err)
	case errors.Is(err, fetch.ErrBodyTooLarge):
		reason = "registry response too large to inspect"
	case errors.As(err, &se):
		reason = fmt.Sprintf("registry returned status %d", se.Code)
	}
	return Result{Verdict: verdict.Unknown, Reason: reason}
}

func (c *Client) inspect(ctx context.Context, ref Reference) (Result, error) {
	resp, err := c.get(ctx, ref, fmt.Sprintf("/v2/%s/manifests/%s", ref.Repository, ref.ManifestRef()), acceptManifests)
	if err != nil {
		return Result{}, err
	}

	switch mt := mediaType(resp); mt {
	case ocispec.MediaTypeImageIndex, MediaTypeDockerManifestList:
		var index ocispec.Index
		if err := json.Unmarshal(resp.Body, &index); err != nil {
			return Result{}, fmt.Errorf("decode manifest list: %w", err)
		}
		return c.fromIndex(index), nil
	case ocispec.MediaTypeImageManifest, MediaTypeDockerManifest:
		return c.fromManifest(ctx, ref, resp.Body)
	case MediaTypeDockerSchema1, MediaTypeDockerSchema1JWS:
		return c.fromManifestFields(resp.Body, "schema 1 manifest")
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mt)
	}
}

// fromIndex looks for a manifest list entry that runs on the target.
func (c *Client) fromIndex(index ocispec.Index) Result {
	var available []string
	seen := map[string]bool{}
	match := ""
	for _, m := range index.Manifests {
		p := m.Platform
		if p == nil || p.OS == "unknown" || p.Architecture == "unknown" {
			continue
		}
		name := platformString(p.OS, p.Architecture, p.Variant)
		if !seen[name] {
			seen[name] = true
			available = append(available, name)
		}
		if match == "" && c.target.Matches(p.OS, p.Architecture, p.Variant) {
			match = name
		}
	}
	sort.Strings(available)
	if match != "" {
		return Result{
			Verdict:             verdict.Compatible,
			NativeArchitectures: available,
			Reason:              fmt.Sprintf("manifest list includes %s", match),
		}
	}
	return Result{
		Verdict:             verdict.Incompatible,
		NativeArchitectures: available,
		Reason:              fmt.Sprintf("no matching platform entry in manifest list (available: %s)", strings.Join(available, ", ")),
	}
}

// fromManifest reads the platform from the config blob, falling back to the
// manifest's own fields when the blob cannot be fetched or verified.
func (c *Client) fromManifest(ctx context.Context, ref Reference, body []byte) (Result, error) {
	var m ocispec.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return Result{}, fmt.Errorf("decode manifest: %w", err)
	}
	img, err := c.configBlob(ctx, ref, m.Config)
	if err != nil {
		logger.Debugf("image %s: config blob unavailable: %v", ref, err)
		return c.fromManifestFields(body, "config blob unavailable")
	}
	return c.single(img.OS, img.Architecture, img.Variant, false), nil
}

func (c *Client) configBlob(ctx context.Context, ref Reference, desc ocispec.Descriptor) (ocispec.Image, error) {
	var img ocispec.Image
	if err := desc.Digest.Validate(); err != nil {
		return img, fmt.Errorf("config digest: %w", err)
	}
	resp, err := c.get(ctx, ref, fmt.Sprintf("/v2/%s/blobs/%s", ref.Repository, desc.Digest), "application/json, "+ocispec.MediaTypeImageConfig)
	if err != nil {
		return img, err
	}
	if desc.Digest.Algorithm() == digest.Canonical && digest.FromBytes(resp.Body) != desc.Digest {
		return img, fmt.Errorf("config blob does not match digest %s", desc.Digest)
	}
	if err := json.Unmarshal(resp.Body, &img); err != nil {
		return img, fmt.Errorf("decode config blob: %w", err)
	}
	if img.Architecture == "" {
		return img, errors.New("config blob has no architecture")
	}
	return img, nil
}

// manifestFields are the platform fields some manifests carry at top level.
type manifestFields struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Variant      string `json:"variant"`
}

func (c *Client) fromManifestFields(body []byte, why string) (Result, error) {
	var f manifestFields
	_ = json.Unmarshal(body, &f)
	if f.Architecture == "" {
		return Result{Verdict: verdict.Unknown, Reason: why + " and manifest declares no platform"}, nil
	}
	if f.OS == "" {
		f.OS = "linux"
	}
	res := c.single(f.OS, f.Architecture, f.Variant, true)
	res.Reason += " (" + why + ", from manifest fields)"
	return res, nil
}

func (c *Client) single(os, arch, variant string, lowConfidence bool) Result {
	name := platformString(os, arch, variant)
	res := Result{NativeArchitectures: []string{name}, LowConfidence: lowConfidence}
	if c.target.Matches(os, arch, variant) {
		res.Verdict = verdict.Compatible
		res.Reason = fmt.Sprintf("single-platform image built for %s", name)
	} else {
		res.Verdict = verdict.Incompatible
		res.Reason = fmt.Sprintf("single-platform image built for %s only", name)
	}
	return res
}

// get performs an authenticated GET against the registry API. A 401 with a
// bearer challenge is answered once with a pull token.
func (c *Client) get(ctx context.Context, ref Reference, path, accept string) (*fetch.Response, error) {
	url := c.baseURL(ref) + path
	do := func(token string) (*http.Request, *fetch.Response, error) {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", accept)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := c.fetch.Do(ctx, "image", req)
		return req, resp, err
	}

	req, resp, err := do(c.auth.cached(ctx, ref))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		header := resp.Header.Get("WWW-Authenticate")
		if header == "" {
			return nil, fmt.Errorf("%w: 401 without challenge", ErrAuthFailed)
		}
		token, err := c.auth.token(ctx, ref, header)
		if err != nil {
			return nil, err
		}
		if req, resp, err = do(token); err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: token rejected", ErrAuthFailed)
		}
	}
	if err := fetch.CheckStatus(req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) baseURL(ref Reference) string {
	if ep, ok := c.endpoints[ref.Registry]; ok && ep != "" {
		return strings.TrimRight(ep, "/")
	}
	return "https://" + ref.Host()
}

// mediaType returns the response content type, or the mediaType field of the
// document when the header is missing or generic.
func mediaType(resp *fetch.Response) string {
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err == nil && mt != "" && mt != "application/json" && mt != "text/plain" {
		return mt
	}
	var probe struct {
		MediaType     string          `json:"mediaType"`
		SchemaVersion int             `json:"schemaVersion"`
		Manifests     json.RawMessage `json:"manifests"`
	}
	if json.Unmarshal(resp.Body, &probe) != nil {
		return mt
	}
	switch {
	case probe.MediaType != "":
		return probe.MediaType
	case probe.SchemaVersion == 1:
		return MediaTypeDockerSchema1
	case len(probe.Manifests) > 0:
		return ocispec.MediaTypeImageIndex
	}
	return mt
}

func platformString(os, arch, variant string) string {
	s := os + "/" + arch
	if variant != "" {
		s += "/" + variant
	}
	return s
}
