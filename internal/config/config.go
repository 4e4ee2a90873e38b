// Package config loads the gateway configuration from a YAML file and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by ApplyEnv. Unparseable or non-positive values
// are ignored.
const (
	EnvPlanCacheLimit  = "ROUTER_PLAN_CACHE_LIMIT"
	EnvQueryCacheLimit = "ROUTER_QUERY_CACHE_LIMIT"
)

const DefaultCacheLimit = 100

// Transports accepted in ServiceConfig.Transport.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

type Config struct {
	// Schema is the path of the supergraph SDL file.
	Schema          string          `yaml:"schema"`
	PlanCacheLimit  int             `yaml:"plan_cache_limit"`
	QueryCacheLimit int             `yaml:"query_cache_limit"`
	Planner         PlannerConfig   `yaml:"planner"`
	Server          ServerConfig    `yaml:"server"`
	Log             LogConfig       `yaml:"log"`
	Otel            OtelConfig      `yaml:"otel"`
	Services        []ServiceConfig `yaml:"services"`
}

type PlannerConfig struct {
	AutoFragmentization bool `yaml:"auto_fragmentization"`
	GenerateQueryID     bool `yaml:"generate_query_id"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Timeout         time.Duration `yaml:"timeout"`
	Pretty          bool          `yaml:"pretty"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ForwardHeaders  []string      `yaml:"forward_headers"`
	GraphiQL        bool          `yaml:"graphiql"`
	MetricsPath     string        `yaml:"metrics_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Format string `yaml:"format"` // text or json
	Level  string `yaml:"level"`
}

type OtelConfig struct {
	Endpoint string `yaml:"endpoint"`
	Service  string `yaml:"service"`
}

// ServiceConfig describes one downstream service and the root fields it
// owns.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`
	// URL is the GraphQL endpoint for http services.
	URL string `yaml:"url"`
	// Endpoints are gRPC targets; Method overrides the default RPC.
	Endpoints  []string          `yaml:"endpoints"`
	Method     string            `yaml:"method"`
	MaxConns   int               `yaml:"max_conns"`
	RootFields []string          `yaml:"root_fields"`
	Headers    map[string]string `yaml:"headers"`
	Timeout    time.Duration     `yaml:"timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		PlanCacheLimit:  DefaultCacheLimit,
		QueryCacheLimit: DefaultCacheLimit,
		Server: ServerConfig{
			Addr:            ":8080",
			Timeout:         10 * time.Second,
			GraphiQL:        true,
			MetricsPath:     "/metrics",
			ShutdownTimeout: 5 * time.Second,
		},
		Log:  LogConfig{Format: "text", Level: "info"},
		Otel: OtelConfig{Service: "fedrouter"},
	}
}

// Load reads path over the defaults, applies the environment and validates
// the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the cache limits from lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if n, ok := positiveInt(lookup, EnvPlanCacheLimit); ok {
		c.PlanCacheLimit = n
	}
	if n, ok := positiveInt(lookup, EnvQueryCacheLimit); ok {
		c.QueryCacheLimit = n
	}
}

func positiveInt(lookup func(string) (string, bool), key string) (int, bool) {
	v, ok := lookup(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Validate checks the service list and normalizes cache limits and
// transports.
func (c *Config) Validate() error {
	if c.PlanCacheLimit <= 0 {
		c.PlanCacheLimit = DefaultCacheLimit
	}
	if c.QueryCacheLimit <= 0 {
		c.QueryCacheLimit = DefaultCacheLimit
	}
	var errs []error
	seen := map[string]bool{}
	owners := map[string]string{}
	for i := range c.Services {
		s := &c.Services[i]
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("services[%d]: name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("service %q: duplicate name", s.Name))
		}
		seen[s.Name] = true
		if s.Transport == "" {
			s.Transport = TransportHTTP
		}
		switch s.Transport {
		case TransportHTTP:
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("service %q: url is required for http", s.Name))
			}
		case TransportGRPC:
			if len(s.Endpoints) == 0 {
				errs = append(errs, fmt.Errorf("service %q: endpoints are required for grpc", s.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("service %q: unknown transport %q", s.Name, s.Transport))
		}
		for _, f := range s.RootFields {
			coord := rootCoordinate(f)
			if prev, ok := owners[coord]; ok && prev != s.Name {
				errs = append(errs, fmt.Errorf("root field %s owned by both %q and %q", coord, prev, s.Name))
				continue
			}
			owners[coord] = s.Name
		}
	}
	return errors.Join(errs...)
}

// Ownership maps "Type.field" root coordinates to the service owning them.
// Bare field names are Query fields.
func (c *Config) Ownership() map[string]string {
	out := map[string]string{}
	for _, s := range c.Services {
		for _, f := range s.RootFields {
			out[rootCoordinate(f)] = s.Name
		}
	}
	return out
}

// ServiceNames returns the configured service names, sorted.
func (c *Config) ServiceNames() []string {
	out := make([]string, 0, len(c.Services))
	for _, s := range c.Services {
		out = append(out, s.Name)
	}
	sort.Strings(out)
	return out
}

func rootCoordinate(f string) string {
	f = strings.TrimSpace(f)
	if strings.Contains(f, ".") {
		return f
	}
	return "Query." + f
}
