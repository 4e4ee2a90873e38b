package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hanpama/fedrouter/internal/config"
	"github.com/hanpama/fedrouter/internal/fieldplanner"
	"github.com/hanpama/fedrouter/internal/grpctp"
	"github.com/hanpama/fedrouter/internal/httptp"
	"github.com/hanpama/fedrouter/internal/planner"
	"github.com/hanpama/fedrouter/internal/router"
	"github.com/hanpama/fedrouter/internal/schema"
	"github.com/hanpama/fedrouter/internal/subgraph"
)

// gateway is one generation of the serving stack. A reload builds a new one
// and closes the old registry once in-flight requests drained.
type gateway struct {
	router   *router.Router
	registry *subgraph.Static
	services []string
}

func (g *gateway) Close() error { return g.registry.Close() }

// build assembles the registry, planner and router described by cfg. A
// non-nil previous router warms the new plan cache.
func build(ctx context.Context, cfg *config.Config, previous *router.Router, logger *slog.Logger) (*gateway, error) {
	sch, err := loadSchema(cfg.Schema)
	if err != nil {
		return nil, err
	}
	p, err := newPlanner(sch, cfg)
	if err != nil {
		return nil, err
	}
	reg := newRegistry(cfg)

	var hot planner.HotKeyer
	if previous != nil {
		hot = previous
	}
	r, err := router.New(ctx, sch, reg, p, hot,
		router.WithLogger(logger),
		router.WithPlanCacheLimit(cfg.PlanCacheLimit),
		router.WithQueryCacheLimit(cfg.QueryCacheLimit),
		router.WithPlanOptions(planOptions(cfg)),
	)
	if err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("build router: %w", err)
	}
	return &gateway{router: r, registry: reg, services: cfg.ServiceNames()}, nil
}

func newRegistry(cfg *config.Config) *subgraph.Static {
	fetchers := make(map[string]subgraph.Fetcher, len(cfg.Services))
	for _, s := range cfg.Services {
		switch s.Transport {
		case config.TransportGRPC:
			opts := []grpctp.Option{
				grpctp.WithProvider(grpctp.NewStaticEndpoints(map[string][]string{s.Name: s.Endpoints})),
			}
			if s.Method != "" {
				opts = append(opts, grpctp.WithMethod(s.Method))
			}
			if s.MaxConns > 0 {
				opts = append(opts, grpctp.WithMaxConnsPerEndpoint(s.MaxConns))
			}
			if s.Timeout > 0 {
				opts = append(opts, grpctp.WithRPCTimeout(s.Timeout))
			}
			if len(s.Headers) > 0 {
				opts = append(opts, grpctp.WithMetadata(lowerKeys(s.Headers)))
			}
			fetchers[s.Name] = grpctp.New(s.Name, opts...)
		default:
			var opts []httptp.Option
			for k, v := range s.Headers {
				opts = append(opts, httptp.WithHeader(k, v))
			}
			if s.Timeout > 0 {
				opts = append(opts, httptp.WithTimeout(s.Timeout))
			}
			fetchers[s.Name] = httptp.New(s.Name, s.URL, opts...)
		}
	}
	return subgraph.NewStatic(fetchers)
}

// lowerKeys normalizes header names to gRPC metadata keys.
func lowerKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

func newPlanner(sch *schema.Schema, cfg *config.Config) (*fieldplanner.Planner, error) {
	p, err := fieldplanner.New(sch, fieldplanner.Ownership(cfg.Ownership()))
	if err != nil {
		return nil, fmt.Errorf("build planner: %w", err)
	}
	return p, nil
}

func planOptions(cfg *config.Config) planner.PlanOptions {
	return planner.PlanOptions{
		AutoFragmentization: cfg.Planner.AutoFragmentization,
		GenerateQueryID:     cfg.Planner.GenerateQueryID,
	}
}

// loadConfig loads path and applies a schema override. A relative schema path
// in the file is resolved against the file's directory.
func loadConfig(path, schemaOverride string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	switch {
	case schemaOverride != "":
		cfg.Schema = schemaOverride
	case cfg.Schema != "" && path != "" && !filepath.IsAbs(cfg.Schema):
		cfg.Schema = filepath.Join(filepath.Dir(path), cfg.Schema)
	}
	if cfg.Schema == "" {
		return nil, fmt.Errorf("no schema configured; set schema in the config or pass -schema")
	}
	return cfg, nil
}

func loadSchema(path string) (*schema.Schema, error) {
	sdl, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	sch, err := schema.BuildFromSDL(string(sdl))
	if err != nil {
		return nil, fmt.Errorf("build schema %s: %w", path, err)
	}
	return sch, nil
}

func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
