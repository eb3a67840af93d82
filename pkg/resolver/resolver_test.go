package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sambabib/archcheck/pkg/cache"
	"github.com/sambabib/archcheck/pkg/fetch"
	"github.com/sambabib/archcheck/pkg/manifest"
	"github.com/sambabib/archcheck/pkg/platform"
	"github.com/sambabib/archcheck/pkg/verdict"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient serves canned releases by package name.
type fakeClient struct {
	mu       sync.Mutex
	releases map[string]Release
	errs     map[string]error
	calls    map[string]int
	delay    time.Duration
	scope    string
}

func newFakeClient() *fakeClient {
	return &fakeClient{releases: map[string]Release{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeClient) add(name, version string, v verdict.Verdict, reason string, deps ...string) {
	rel := Release{
		Resolved: ResolvedVersion{Version: version},
		Signals:  []Signal{{Verdict: v, Reason: reason}},
	}
	for _, d := range deps {
		rel.Dependencies = append(rel.Dependencies, manifest.DependencyRecord{Name: d, Ecosystem: manifest.EcosystemPyPI})
	}
	f.releases[name] = rel
}

func (f *fakeClient) Ecosystem() manifest.Ecosystem { return manifest.EcosystemPyPI }

func (f *fakeClient) Pinned(constraint string) (string, bool) { return pipPin(constraint) }

func (f *fakeClient) Scope() string { return f.scope }

func (f *fakeClient) Resolve(ctx context.Context, name, constraint string) (Release, error) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err, ok := f.errs[name]; ok {
		return Release{}, err
	}
	rel, ok := f.releases[name]
	if !ok {
		return Release{}, fmt.Errorf("%s: %w", name, fetch.ErrNotFound)
	}
	return rel, nil
}

func (f *fakeClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func pypi(name, constraint string) manifest.DependencyRecord {
	return manifest.DependencyRecord{Name: name, Constraint: constraint, Ecosystem: manifest.EcosystemPyPI}
}

func TestResolver_TransitiveDominates(t *testing.T) {
	fc := newFakeClient()
	fc.add("app-lib", "1.0.0", verdict.Compatible, "platform-independent wheel", "fastcrypto")
	fc.add("fastcrypto", "0.4.0", verdict.Incompatible, "only wheels for other architectures (manylinux_2_17_x86_64)")

	t.Run("depth 1 merges child", func(t *testing.T) {
		r := New(Options{Depth: 1}, fc)
		res := r.Resolve(context.Background(), pypi("app-lib", ""))
		assert.Equal(t, verdict.Incompatible, res.Verdict)
		assert.Equal(t, "fastcrypto", res.DominatedBy)
		assert.Equal(t, "via fastcrypto@0.4.0: only wheels for other architectures (manylinux_2_17_x86_64)", res.Reason)
		assert.Equal(t, 1, res.Checked)
	})

	t.Run("depth 0 checks direct metadata only", func(t *testing.T) {
		r := New(Options{Depth: 0}, fc)
		res := r.Resolve(context.Background(), pypi("app-lib", ""))
		assert.Equal(t, verdict.Compatible, res.Verdict)
		assert.Empty(t, res.DominatedBy)
	})
}

func TestResolver_DepthBound(t *testing.T) {
	fc := newFakeClient()
	fc.add("a", "1.0", verdict.Compatible, "ok", "b")
	fc.add("b", "1.0", verdict.Compatible, "ok", "c")
	fc.add("c", "1.0", verdict.Incompatible, "x86 only")

	res := New(Options{Depth: 1}, fc).Resolve(context.Background(), pypi("a", ""))
	assert.Equal(t, verdict.Compatible, res.Verdict)
	assert.Zero(t, fc.callCount("c"))

	res = New(Options{Depth: 2}, fc).Resolve(context.Background(), pypi("a", ""))
	assert.Equal(t, verdict.Incompatible, res.Verdict)
	assert.Equal(t, "via b@1.0: via c@1.0: x86 only", res.Reason)
}

func TestResolver_CycleYieldsUnknown(t *testing.T) {
	fc := newFakeClient()
	fc.add("a", "1.0", verdict.Compatible, "ok", "b")
	fc.add("b", "2.0", verdict.Compatible, "ok", "a")
	fc.add("self", "3.0", verdict.Compatible, "ok", "self")

	done := make(chan Result, 1)
	go func() { done <- New(Options{Depth: 10}, fc).Resolve(context.Background(), pypi("a", "")) }()
	select {
	case res := <-done:
		assert.Equal(t, verdict.Unknown, res.Verdict)
		assert.Contains(t, res.Reason, "dependency cycle")
		assert.Contains(t, res.Reason, "a@1.0")
	case <-time.After(5 * time.Second):
		t.Fatal("resolution did not terminate")
	}

	res := New(Options{Depth: 1}, fc).Resolve(context.Background(), pypi("self", ""))
	assert.Equal(t, verdict.Unknown, res.Verdict)
	assert.Contains(t, res.Reason, "dependency cycle")
}

func TestResolver_FallbackNamedInReason(t *testing.T) {
	fc := newFakeClient()
	fc.releases["flask"] = Release{
		Resolved: ResolvedVersion{Version: "3.0.0", UsedFallback: true},
		Signals:  []Signal{{Verdict: verdict.Compatible, Reason: "platform-independent wheel"}},
	}

	res := New(Options{}, fc).Resolve(context.Background(), pypi("flask", ">=99"))
	assert.Equal(t, verdict.Compatible, res.Verdict)
	assert.True(t, res.Resolved.UsedFallback)
	assert.Equal(t, ">=99", res.Resolved.RequestedConstraint)
	assert.Contains(t, res.Reason, "fallback version 3.0.0")
	assert.Contains(t, res.Reason, `">=99"`)
}

func TestResolver_ErrorsBecomeUnknown(t *testing.T) {
	fc := newFakeClient()
	fc.errs["slow"] = fmt.Errorf("request: %w", context.DeadlineExceeded)
	fc.errs["flaky"] = &fetch.StatusError{Code: 503, URL: "https://pypi.org/pypi/flaky/json"}
	fc.errs["huge"] = fmt.Errorf("read: %w", fetch.ErrBodyTooLarge)
	r := New(Options{}, fc)

	tests := map[string]string{
		"huge":    "response too large",
		"missing": "not found in registry",
		"slow":    "timed out",
		"flaky":   "status 503",
	}
	for name, reason := range tests {
		t.Run(name, func(t *testing.T) {
			res := r.Resolve(context.Background(), pypi(name, ""))
			assert.Equal(t, verdict.Unknown, res.Verdict)
			assert.Contains(t, res.Reason, reason)
		})
	}

	r.Resolve(context.Background(), pypi("missing", ""))
	assert.Equal(t, 1, fc.callCount("missing"), "failures are remembered for the run")
}

func TestResolver_UnknownEcosystem(t *testing.T) {
	r := New(Options{}, newFakeClient())
	res := r.Resolve(context.Background(), manifest.DependencyRecord{Name: "left-pad", Ecosystem: manifest.EcosystemNpm})
	assert.Equal(t, verdict.Unknown, res.Verdict)
	assert.Contains(t, res.Reason, "no registry client")
}

func TestResolver_CachesByConstraintAndVersion(t *testing.T) {
	fc := newFakeClient()
	fc.add("requests", "2.31.0", verdict.Compatible, "platform-independent wheel")
	r := New(Options{}, fc)

	first := r.Resolve(context.Background(), pypi("requests", ">=2"))
	second := r.Resolve(context.Background(), pypi("requests", ">=2"))
	pinned := r.Resolve(context.Background(), pypi("requests", "==2.31.0"))

	assert.Equal(t, first, second)
	assert.Equal(t, verdict.Compatible, pinned.Verdict)
	assert.Equal(t, 1, fc.callCount("requests"))
}

func TestResolver_ConcurrentResolutionsConverge(t *testing.T) {
	fc := newFakeClient()
	fc.delay = 50 * time.Millisecond
	fc.add("numpy", "1.26.0", verdict.Compatible, "prebuilt wheel")
	r := New(Options{}, fc)

	var wg sync.WaitGroup
	results := make([]Result, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Resolve(context.Background(), pypi("numpy", "==1.26.0"))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, fc.callCount("numpy"))
	for _, res := range results {
		assert.Equal(t, results[0], res)
	}
}

func TestResolver_SharedRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := cache.NewRedisFromClient[Entry](client, "test:", time.Hour)

	first := newFakeClient()
	first.add("sharp", "0.32.0", verdict.Partial, "requires native build", "detect-libc")
	first.add("detect-libc", "2.0.2", verdict.Compatible, "pure source distribution")
	want := New(Options{Cache: store, Depth: 1}, first).Resolve(context.Background(), pypi("sharp", ""))

	second := newFakeClient()
	got := New(Options{Cache: store, Depth: 1}, second).Resolve(context.Background(), pypi("sharp", ""))

	assert.Equal(t, want, got)
	assert.Zero(t, second.callCount("sharp"))
	assert.Zero(t, second.callCount("detect-libc"))

	keys := mr.Keys()
	assert.NotEmpty(t, keys)
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, "test:"), k)
	}
}

func TestResolver_FallbackNotReusedForExactPin(t *testing.T) {
	fc := newFakeClient()
	fc.releases["fastlib"] = Release{
		Resolved: ResolvedVersion{Version: "2.0.0", UsedFallback: true},
		Signals:  []Signal{{Verdict: verdict.Compatible, Reason: "platform-independent wheel"}},
	}
	r := New(Options{}, fc)

	fallback := r.Resolve(context.Background(), pypi("fastlib", ">=99"))
	require.True(t, fallback.Resolved.UsedFallback)

	fc.releases["fastlib"] = Release{
		Resolved: ResolvedVersion{Version: "2.0.0"},
		Signals:  []Signal{{Verdict: verdict.Compatible, Reason: "platform-independent wheel"}},
	}
	pinned := r.Resolve(context.Background(), pypi("fastlib", "==2.0.0"))
	assert.False(t, pinned.Resolved.UsedFallback)
	assert.Equal(t, "==2.0.0", pinned.Resolved.RequestedConstraint)
	assert.Equal(t, "platform-independent wheel", pinned.Reason)
	assert.Equal(t, 2, fc.callCount("fastlib"))
}

func TestResolver_VersionHitKeepsCallerConstraint(t *testing.T) {
	fc := newFakeClient()
	fc.add("requests", "2.31.0", verdict.Compatible, "platform-independent wheel")
	r := New(Options{}, fc)

	r.Resolve(context.Background(), pypi("requests", ">=2"))
	pinned := r.Resolve(context.Background(), pypi("requests", "==2.31.0"))
	assert.Equal(t, "==2.31.0", pinned.Resolved.RequestedConstraint)
	assert.Equal(t, 1, fc.callCount("requests"))
}

func TestResolver_SharedRedisCacheIsPerTarget(t *testing.T) {
	srv := mockRegistry(t, map[string]string{
		"fastlib/json": `{
  "info": {"name": "fastlib", "version": "1.0.0"},
  "releases": {
    "1.0.0": [{"filename": "fastlib-1.0.0-cp311-cp311-manylinux_2_17_x86_64.whl", "packagetype": "bdist_wheel"}]
  }
}`,
	})
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := cache.NewRedisFromClient[Entry](client, "test:", time.Hour)

	amd64, err := platform.ParseTarget("linux/amd64")
	require.NoError(t, err)
	onAmd64 := New(Options{Cache: store}, NewPipClient(testFetch(), srv.URL, amd64)).
		Resolve(context.Background(), pypi("fastlib", ""))
	require.Equal(t, verdict.Compatible, onAmd64.Verdict)

	onArm64 := New(Options{Cache: store}, NewPipClient(testFetch(), srv.URL, platform.DefaultTarget)).
		Resolve(context.Background(), pypi("fastlib", ""))
	assert.Equal(t, verdict.Incompatible, onArm64.Verdict)
	assert.Contains(t, onArm64.Reason, "only wheels for other architectures")
}
