// Package resolver turns declared dependencies into compatibility verdicts. A
// per-ecosystem Client talks to the registry and reports signals for the
// resolved version; the Resolver caches those direct results and walks the
// declared dependencies of each resolved version to a bounded depth.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sambabib/archcheck/pkg/cache"
	"github.com/sambabib/archcheck/pkg/fetch"
	"github.com/sambabib/archcheck/pkg/logger"
	"github.com/sambabib/archcheck/pkg/manifest"
	"github.com/sambabib/archcheck/pkg/metrics"
	"github.com/sambabib/archcheck/pkg/verdict"
	"golang.org/x/sync/singleflight"
)

// DefaultDepth is how many levels of declared dependencies are checked below
// a direct dependency.
const DefaultDepth = 1

// ErrNoReleases is returned when a registry knows the package but lists no
// usable versions.
var ErrNoReleases = errors.New("no published releases")

// Signal is one piece of compatibility evidence found in registry metadata.
type Signal struct {
	Verdict verdict.Verdict `json:"verdict"`
	Reason  string          `json:"reason"`
}

// ResolvedVersion records which published version a constraint was checked
// against.
type ResolvedVersion struct {
	RequestedConstraint string `json:"requested_constraint"`
	Version             string `json:"resolved_version"`
	// UsedFallback is set when nothing satisfied the constraint and the
	// registry's latest version was checked instead.
	UsedFallback bool `json:"used_fallback,omitempty"`
	Yanked       bool `json:"yanked,omitempty"`
}

// Release is a registry client's answer for one dependency.
type Release struct {
	Resolved     ResolvedVersion
	Signals      []Signal
	Dependencies []manifest.DependencyRecord
}

// Client resolves dependencies of one ecosystem against its registry.
type Client interface {
	Ecosystem() manifest.Ecosystem
	Resolve(ctx context.Context, name, constraint string) (Release, error)
	// Pinned reports the exact version a constraint names, if it names one.
	Pinned(constraint string) (string, bool)
	// Scope names what the client's answers depend on besides the
	// dependency itself, such as the registry and the target platform.
	Scope() string
}

// Entry is the cached direct verdict for one resolved dependency, before any
// transitive merge.
type Entry struct {
	Verdict      verdict.Verdict             `json:"verdict"`
	Reason       string                      `json:"reason"`
	Resolved     ResolvedVersion             `json:"resolved"`
	Dependencies []manifest.DependencyRecord `json:"dependencies,omitempty"`
}

// Result is the verdict for a dependency including its transitive dependencies.
type Result struct {
	Verdict  verdict.Verdict
	Reason   string
	Resolved ResolvedVersion
	// DominatedBy names the transitive dependency that set the verdict, if any.
	DominatedBy string
	// Checked is the number of transitive dependencies that were evaluated.
	Checked int
}

// Options configures a Resolver.
type Options struct {
	// Cache holds direct entries. Nil means a fresh in-memory store.
	Cache cache.Store[Entry]
	// Depth bounds the transitive walk; zero checks direct metadata only.
	Depth   int
	Metrics *metrics.Metrics
}

// Resolver resolves dependency records through the registered clients.
type Resolver struct {
	clients  map[manifest.Ecosystem]Client
	cache    cache.Store[Entry]
	failures *cache.Memory[Entry]
	group    singleflight.Group
	depth    int
	metrics  *metrics.Metrics
}

// New creates a Resolver that dispatches records to clients by ecosystem.
func New(opts Options, clients ...Client) *Resolver {
	r := &Resolver{
		clients:  make(map[manifest.Ecosystem]Client, len(clients)),
		cache:    opts.Cache,
		failures: cache.NewMemory[Entry](0),
		depth:    max(opts.Depth, 0),
		metrics:  opts.Metrics,
	}
	if r.cache == nil {
		r.cache = cache.NewMemory[Entry](0)
	}
	for _, c := range clients {
		r.clients[c.Ecosystem()] = c
	}
	return r
}

// Resolve checks rec and up to Depth levels of its declared dependencies.
// It never fails: every error becomes an Unknown verdict with the cause in
// the reason.
func (r *Resolver) Resolve(ctx context.Context, rec manifest.DependencyRecord) Result {
	return r.walk(ctx, rec, r.depth, map[string]bool{})
}

func (r *Resolver) walk(ctx context.Context, rec manifest.DependencyRecord, depth int, path map[string]bool) Result {
	entry := r.direct(ctx, rec)
	res := Result{Verdict: entry.Verdict, Reason: entry.Reason, Resolved: entry.Resolved}
	if entry.Resolved.Version == "" {
		return res
	}

	id := versionIdentity(rec.Ecosystem, rec.Name, entry.Resolved.Version)
	if path[id] {
		return Result{
			Verdict:  verdict.Unknown,
			Reason:   fmt.Sprintf("dependency cycle: %s@%s is already being resolved", rec.Name, entry.Resolved.Version),
			Resolved: entry.Resolved,
		}
	}
	if depth <= 0 || len(entry.Dependencies) == 0 {
		return res
	}

	path[id] = true
	defer delete(path, id)
	for _, dep := range entry.Dependencies {
		if err := ctx.Err(); err != nil {
			if verdict.Unknown.Rank() > res.Verdict.Rank() {
				res.Verdict = verdict.Unknown
				res.Reason = withCaveats(fmt.Sprintf("transitive check interrupted: %v", err), entry.Resolved)
			}
			break
		}
		child := r.walk(ctx, dep, depth-1, path)
		res.Checked += 1 + child.Checked
		if child.Verdict.Rank() > res.Verdict.Rank() {
			res.Verdict = child.Verdict
			res.DominatedBy = dep.Name
			res.Reason = withCaveats(fmt.Sprintf("via %s@%s: %s", dep.Name, displayVersion(child.Resolved), child.Reason), entry.Resolved)
		}
	}
	return res
}

// direct returns the cached or freshly resolved entry for rec. Concurrent
// callers for the same key share one registry round trip.
func (r *Resolver) direct(ctx context.Context, rec manifest.DependencyRecord) Entry {
	client, ok := r.clients[rec.Ecosystem]
	if !ok {
		return Entry{Verdict: verdict.Unknown, Reason: fmt.Sprintf("no registry client for ecosystem %q", rec.Ecosystem)}
	}

	scope := client.Scope()
	key := cache.Key(scope, string(rec.Ecosystem), rec.Name, constraintKey(rec.Constraint))
	if e, ok := r.lookup(ctx, key); ok {
		return e
	}
	if pinned, ok := client.Pinned(rec.Constraint); ok {
		if e, ok := r.lookup(ctx, versionKey(scope, rec.Ecosystem, rec.Name, pinned)); ok {
			e.Resolved.RequestedConstraint = rec.Constraint
			return e
		}
	}
	if e, ok, _ := r.failures.Get(ctx, key); ok {
		return e
	}

	v, _, _ := r.group.Do(key, func() (any, error) {
		if e, ok := r.lookup(ctx, key); ok {
			return e, nil
		}
		rel, err := client.Resolve(ctx, rec.Name, rec.Constraint)
		if err != nil {
			logger.Warnf("%s: resolving %s %s: %v", rec.Ecosystem, rec.Name, rec.Constraint, err)
			e := failureEntry(rec, err)
			_ = r.failures.Put(ctx, key, e)
			return e, nil
		}
		rel.Resolved.RequestedConstraint = rec.Constraint
		e := evaluate(rel)
		r.store(ctx, key, e)
		// A fallback answer is about the constraint, not the version it
		// landed on.
		if !e.Resolved.UsedFallback {
			r.store(ctx, versionKey(scope, rec.Ecosystem, rec.Name, e.Resolved.Version), e)
		}
		return e, nil
	})
	return v.(Entry)
}

func (r *Resolver) lookup(ctx context.Context, key string) (Entry, bool) {
	e, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		logger.Debugf("cache get %s: %v", key, err)
		ok = false
	}
	r.metrics.CacheHit("dependency", ok)
	return e, ok
}

func (r *Resolver) store(ctx context.Context, key string, e Entry) {
	if err := r.cache.Put(ctx, key, e); err != nil {
		logger.Debugf("cache put %s: %v", key, err)
	}
}

// evaluate merges the release signals into one verdict. The most severe
// signal supplies the reason; the first one wins ties.
func evaluate(rel Release) Entry {
	e := Entry{
		Verdict:      verdict.Unknown,
		Reason:       "no compatibility signals found",
		Resolved:     rel.Resolved,
		Dependencies: rel.Dependencies,
	}
	for i, s := range rel.Signals {
		if i == 0 || s.Verdict.Rank() > e.Verdict.Rank() {
			e.Verdict = s.Verdict
			e.Reason = s.Reason
		}
	}
	e.Reason = withCaveats(e.Reason, rel.Resolved)
	return e
}

func withCaveats(reason string, rv ResolvedVersion) string {
	var caveats []string
	if rv.UsedFallback {
		constraint := rv.RequestedConstraint
		if constraint == "" {
			constraint = "*"
		}
		caveats = append(caveats, fmt.Sprintf("no published version satisfies %q, checked fallback version %s instead", constraint, rv.Version))
	}
	if rv.Yanked {
		caveats = append(caveats, fmt.Sprintf("version %s is yanked", rv.Version))
	}
	if len(caveats) == 0 {
		return reason
	}
	return reason + " (" + strings.Join(caveats, "; ") + ")"
}

func failureEntry(rec manifest.DependencyRecord, err error) Entry {
	e := Entry{
		Verdict:  verdict.Unknown,
		Resolved: ResolvedVersion{RequestedConstraint: rec.Constraint},
	}
	var se *fetch.StatusError
	switch {
	case errors.Is(err, fetch.ErrNotFound):
		e.Reason = "not found in registry"
	case errors.Is(err, context.DeadlineExceeded):
		e.Reason = fmt.Sprintf("registry request timed out: %v", err)
	case errors.As(err, &se):
		e.Reason = fmt.Sprintf("registry returned status %d", se.Code)
	case errors.Is(err, fetch.ErrBodyTooLarge):
		e.Reason = "registry response too large to inspect"
	case errors.Is(err, ErrNoReleases):
		e.Reason = "registry lists no usable releases"
	default:
		e.Reason = fmt.Sprintf("registry lookup failed: %v", err)
	}
	return e
}

func constraintKey(c string) string {
	if c == "" {
		return "*"
	}
	return c
}

func versionKey(scope string, eco manifest.Ecosystem, name, version string) string {
	return cache.Key(scope, string(eco), name, "@"+version)
}

func versionIdentity(eco manifest.Ecosystem, name, version string) string {
	return string(eco) + ":" + name + "@" + version
}

func displayVersion(rv ResolvedVersion) string {
	if rv.Version == "" {
		return "?"
	}
	return rv.Version
}
