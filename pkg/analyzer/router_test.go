package analyzer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sambabib/archcheck/pkg/fetch"
	"github.com/sambabib/archcheck/pkg/imageregistry"
	"github.com/sambabib/archcheck/pkg/metrics"
	"github.com/sambabib/archcheck/pkg/platform"
	"github.com/sambabib/archcheck/pkg/resolver"
	"github.com/sambabib/archcheck/pkg/source"
	"github.com/sambabib/archcheck/pkg/verdict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	contentType string
	body        string
}

// serveDocs answers GET requests by path; anything else is 404.
func serveDocs(t *testing.T, docs map[string]doc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, ok := docs[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		ct := d.contentType
		if ct == "" {
			ct = "application/json"
		}
		w.Header().Set("Content-Type", ct)
		_, _ = w.Write([]byte(d.body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type registries struct {
	pypi   map[string]doc
	npm    map[string]doc
	images map[string]doc
}

func newTestRouter(t *testing.T, regs registries, m *metrics.Metrics) *Router {
	t.Helper()
	target := platform.DefaultTarget
	f := fetch.New(fetch.Options{Timeout: 2 * time.Second, Metrics: m})

	pypi := serveDocs(t, regs.pypi)
	npm := serveDocs(t, regs.npm)
	images := serveDocs(t, regs.images)

	res := resolver.New(resolver.Options{Depth: resolver.DefaultDepth, Metrics: m},
		resolver.NewPipClient(f, pypi.URL, target),
		resolver.NewNpmClient(f, npm.URL, target),
	)
	img := imageregistry.New(imageregistry.Options{
		Fetch:     f,
		Target:    target,
		Endpoints: map[string]string{imageregistry.DockerHub: images.URL},
		Metrics:   m,
	})
	r := NewRouter(target, NewDependencyAnalyzer(res), NewImageAnalyzer(img, target), NewInstanceAnalyzer(target))
	r.Metrics = m
	return r
}

const requestsDoc = `{
  "info": {"name": "requests", "version": "2.31.0"},
  "releases": {
    "2.31.0": [
      {"filename": "requests-2.31.0-py3-none-any.whl", "packagetype": "bdist_wheel"},
      {"filename": "requests-2.31.0.tar.gz", "packagetype": "sdist"}
    ]
  }
}`

func npmDoc(name, version, extra string) string {
	fields := ""
	if extra != "" {
		fields = ", " + extra
	}
	return fmt.Sprintf(`{"name": %q, "dist-tags": {"latest": %q}, "versions": {%q: {"name": %q, "version": %q%s}}}`,
		name, version, version, name, version, fields)
}

const amd64OnlyIndex = `{
  "schemaVersion": 2,
  "mediaType": "application/vnd.docker.distribution.manifest.list.v2+json",
  "manifests": [
    {"mediaType": "application/vnd.docker.distribution.manifest.v2+json", "digest": "sha256:1111111111111111111111111111111111111111111111111111111111111111", "size": 100, "platform": {"os": "linux", "architecture": "amd64"}}
  ]
}`

func TestRouter_UniversalWheel(t *testing.T) {
	r := newTestRouter(t, registries{pypi: map[string]doc{"/requests/json": {body: requestsDoc}}}, nil)

	rep := r.Run(context.Background(), []File{{Path: "requirements.txt", Content: []byte("requests==2.31.0\n")}})

	dep := rep.Analyzers[DependencyKey]
	require.Len(t, dep.Findings, 1)
	f := dep.Findings[0]
	assert.Equal(t, "pypi:requests==2.31.0", f.Identity)
	assert.Equal(t, verdict.Compatible, f.Verdict)
	assert.Contains(t, f.Reason, "platform-independent wheel")
	assert.Equal(t, "2.31.0", f.Metadata["resolved_version"])
	assert.Equal(t, []string{"requirements.txt"}, f.SourceFiles)
	assert.Equal(t, verdict.Compatible, rep.Overall)
}

func TestRouter_CPUFieldExcludesTarget(t *testing.T) {
	r := newTestRouter(t, registries{npm: map[string]doc{
		"/x64-only": {body: npmDoc("x64-only", "1.2.0", `"cpu": ["x64"]`)},
	}}, nil)

	rep := r.Run(context.Background(), []File{{
		Path:    "web/package.json",
		Content: []byte(`{"dependencies": {"x64-only": "^1.0.0"}}`),
	}})

	dep := rep.Analyzers[DependencyKey]
	require.Len(t, dep.Findings, 1)
	assert.Equal(t, verdict.Incompatible, dep.Findings[0].Verdict)
	assert.Contains(t, dep.Findings[0].Reason, `cpu field ["x64"]`)
	assert.Equal(t, verdict.Incompatible, rep.Overall)
	require.NotEmpty(t, rep.Recommendations)
	assert.Contains(t, rep.Recommendations[0], "npm:x64-only@^1.0.0")
}

func TestRouter_BaseImageWithoutTarget(t *testing.T) {
	r := newTestRouter(t, registries{images: map[string]doc{
		"/v2/library/python/manifests/3.9-slim": {
			contentType: imageregistry.MediaTypeDockerManifestList,
			body:        amd64OnlyIndex,
		},
	}}, nil)

	rep := r.Run(context.Background(), []File{{Path: "Dockerfile", Content: []byte("FROM python:3.9-slim\nRUN pip install -r requirements.txt\n")}})

	img := rep.Analyzers[ImageKey]
	require.Len(t, img.Findings, 1)
	assert.Equal(t, "python:3.9-slim", img.Findings[0].Identity)
	assert.Equal(t, verdict.Incompatible, img.Findings[0].Verdict)
	assert.Contains(t, img.Findings[0].Reason, "no matching platform entry in manifest list")
	assert.Equal(t, "linux/amd64", img.Findings[0].Metadata["native_architectures"])
	assert.True(t, rep.Overall.AtLeast(verdict.Incompatible))
}

func TestRouter_OptionalIncompatibleOnlyRecommends(t *testing.T) {
	r := newTestRouter(t, registries{npm: map[string]doc{
		"/left-pad": {body: npmDoc("left-pad", "1.3.0", "")},
		"/fsevents": {body: npmDoc("fsevents", "2.3.3", `"os": ["darwin"]`)},
	}}, nil)

	rep := r.Run(context.Background(), []File{{
		Path:    "package.json",
		Content: []byte(`{"dependencies": {"left-pad": "^1.3.0"}, "devDependencies": {"fsevents": "^2.3.0"}}`),
	}})

	dep := rep.Analyzers[DependencyKey]
	assert.Equal(t, verdict.Compatible, dep.Verdict)
	assert.Equal(t, verdict.Incompatible, dep.OptionalVerdict)
	assert.Equal(t, verdict.Compatible, rep.Overall)

	var found bool
	for _, rec := range rep.Recommendations {
		if strings.Contains(rec, "fsevents") {
			found = true
			assert.Contains(t, rec, "does not affect the overall verdict")
		}
	}
	assert.True(t, found, "optional incompatible dependency is recommended: %v", rep.Recommendations)
}

func TestRouter_DeduplicatesAcrossFiles(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := newTestRouter(t, registries{pypi: map[string]doc{"/requests/json": {body: requestsDoc}}}, m)

	rep := r.Run(context.Background(), []File{
		{Path: "requirements.txt", Content: []byte("requests==2.31.0\n")},
		{Path: "services/api/requirements-prod.txt", Content: []byte("Requests==2.31.0 # pinned\n")},
	})

	dep := rep.Analyzers[DependencyKey]
	require.Len(t, dep.Findings, 1)
	assert.ElementsMatch(t, []string{"requirements.txt", "services/api/requirements-prod.txt"}, dep.Findings[0].SourceFiles)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Findings.WithLabelValues(DependencyKey, "compatible")))
}

func TestRouter_UnknownPackageIsUnknown(t *testing.T) {
	r := newTestRouter(t, registries{}, nil)

	rep := r.Run(context.Background(), []File{{Path: "requirements.txt", Content: []byte("no-such-package==1.0\n")}})

	dep := rep.Analyzers[DependencyKey]
	require.Len(t, dep.Findings, 1)
	assert.Equal(t, verdict.Unknown, dep.Findings[0].Verdict)
	assert.Equal(t, "not found in registry", dep.Findings[0].Reason)
	assert.Equal(t, verdict.Unknown, rep.Overall)
}

func TestRouter_NothingToAnalyze(t *testing.T) {
	r := newTestRouter(t, registries{}, nil)

	for name, files := range map[string][]File{
		"no files":       nil,
		"no known files": {{Path: "README.md", Content: []byte("# hi")}},
	} {
		t.Run(name, func(t *testing.T) {
			rep := r.Run(context.Background(), files)
			assert.Equal(t, verdict.Unknown, rep.Overall)
			assert.Empty(t, rep.Analyzers)
			require.Len(t, rep.Reasoning, 1)
			assert.True(t, strings.HasPrefix(rep.Reasoning[0], "nothing to analyze"), rep.Reasoning[0])
		})
	}
}

func TestRouter_MalformedManifestIsReported(t *testing.T) {
	r := newTestRouter(t, registries{}, nil)

	rep := r.Run(context.Background(), []File{{Path: "package.json", Content: []byte(`{"dependencies": `)}})

	dep := rep.Analyzers[DependencyKey]
	assert.Empty(t, dep.Findings)
	assert.Len(t, dep.Errors, 1)
	assert.Equal(t, verdict.Unknown, dep.Verdict)
}

func TestRouter_CancelledRunStillReportsEveryEntry(t *testing.T) {
	r := newTestRouter(t, registries{pypi: map[string]doc{"/requests/json": {body: requestsDoc}}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := r.Run(ctx, []File{{Path: "requirements.txt", Content: []byte("requests==2.31.0\nnumpy>=1.26\n")}})

	dep := rep.Analyzers[DependencyKey]
	require.Len(t, dep.Findings, 2)
	for _, f := range dep.Findings {
		assert.Equal(t, verdict.Unknown, f.Verdict)
		assert.Contains(t, f.Reason, "not checked")
	}
}

func TestRouter_RunHost(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "requirements.txt"), []byte("requests==2.31.0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("docs"), 0o644))

	r := newTestRouter(t, registries{pypi: map[string]doc{"/requests/json": {body: requestsDoc}}}, nil)
	rep := r.RunHost(context.Background(), source.Dir{}, root)

	assert.Equal(t, verdict.Compatible, rep.Overall)
	assert.Len(t, rep.Analyzers[DependencyKey].Findings, 1)
}

// flakyHost lists files it cannot always read.
type flakyHost struct {
	files map[string]string
}

func (h flakyHost) ListFiles(context.Context, string) ([]string, error) {
	return []string{"Dockerfile", "requirements.txt", "web/package.json"}, nil
}

func (h flakyHost) GetFileContent(_ context.Context, _, p string) ([]byte, error) {
	content, ok := h.files[p]
	if !ok {
		return nil, source.ErrRateLimited
	}
	return []byte(content), nil
}

func TestRouter_RunHostSkipsUnreadableFiles(t *testing.T) {
	r := newTestRouter(t, registries{}, nil)
	rep := r.RunHost(context.Background(), flakyHost{files: map[string]string{"Dockerfile": "FROM scratch\n"}}, "org/repo")

	assert.Equal(t, []string{ImageKey}, rep.Keys())
	assert.Equal(t, verdict.Compatible, rep.Overall)

	rep = r.RunHost(context.Background(), flakyHost{}, "org/repo")
	assert.Equal(t, verdict.Unknown, rep.Overall)
	assert.Contains(t, rep.Reasoning[0], "nothing to analyze")
}
