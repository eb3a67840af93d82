package cmd

import (
	"fmt"

	"github.com/sambabib/archcheck/pkg/analyzer"
	"github.com/sambabib/archcheck/pkg/cache"
	"github.com/sambabib/archcheck/pkg/config"
	"github.com/sambabib/archcheck/pkg/fetch"
	"github.com/sambabib/archcheck/pkg/imageregistry"
	"github.com/sambabib/archcheck/pkg/logger"
	"github.com/sambabib/archcheck/pkg/metrics"
	"github.com/sambabib/archcheck/pkg/platform"
	"github.com/sambabib/archcheck/pkg/resolver"
)

// newRouter wires the analyzers enabled in cfg. The returned close function
// releases the cross-run cache connection, if any.
func newRouter(cfg *config.Config, m *metrics.Metrics) (*analyzer.Router, func() error, error) {
	target, err := platform.ParseTarget(cfg.Target)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid target: %w", err)
	}

	f := fetch.New(fetch.Options{
		Timeout:           cfg.Timeout,
		MaxInFlight:       int64(cfg.Concurrency),
		RequestsPerSecond: cfg.RateLimit,
		Metrics:           m,
	})

	closeFn := func() error { return nil }
	var analyzers []analyzer.Analyzer

	if cfg.Analyzers.Dependency {
		var store cache.Store[resolver.Entry] = cache.NewMemory[resolver.Entry](0)
		if cfg.Cache.RedisAddr != "" {
			r, err := cache.NewRedis[resolver.Entry](cache.RedisOptions{
				Addr:     cfg.Cache.RedisAddr,
				Password: cfg.Cache.RedisPassword,
				DB:       cfg.Cache.RedisDB,
				Prefix:   cfg.Cache.Prefix,
				TTL:      cfg.Cache.TTL,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("cache: %w", err)
			}
			logger.Debugf("using redis cache at %s", cfg.Cache.RedisAddr)
			store = &cache.Tiered[resolver.Entry]{Front: store, Back: r}
			closeFn = r.Close
		}
		res := resolver.New(
			resolver.Options{Cache: store, Depth: cfg.TransitiveDepth, Metrics: m},
			resolver.NewPipClient(f, cfg.Registries.PyPI, target),
			resolver.NewNpmClient(f, cfg.Registries.Npm, target),
		)
		dep := analyzer.NewDependencyAnalyzer(res)
		dep.Concurrency = cfg.Concurrency
		dep.Ignore = cfg.IsPackageIgnored
		analyzers = append(analyzers, dep)
	}

	if cfg.Analyzers.Docker {
		creds := map[string]imageregistry.Credentials{}
		endpoints := map[string]string{}
		for host, reg := range cfg.Registries.Images {
			if reg.Username != "" || reg.Password != "" {
				creds[host] = imageregistry.Credentials{Username: reg.Username, Password: reg.Password}
			}
			if reg.Endpoint != "" {
				endpoints[host] = reg.Endpoint
			}
		}
		img := imageregistry.New(imageregistry.Options{
			Fetch:       f,
			Target:      target,
			Credentials: creds,
			Endpoints:   endpoints,
			Metrics:     m,
		})
		ia := analyzer.NewImageAnalyzer(img, target)
		ia.Concurrency = cfg.Concurrency
		analyzers = append(analyzers, ia)
	}

	if cfg.Analyzers.Terraform {
		analyzers = append(analyzers, analyzer.NewInstanceAnalyzer(target))
	}

	router := analyzer.NewRouter(target, analyzers...)
	router.Metrics = m
	return router, closeFn, nil
}
