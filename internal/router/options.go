package router

import (
	"log/slog"

	"github.com/hanpama/fedrouter/internal/planner"
	"github.com/hanpama/fedrouter/internal/query"
)

type options struct {
	logger          *slog.Logger
	planCacheLimit  int
	queryCacheLimit int
	planOptions     planner.PlanOptions
}

func defaultOptions() *options {
	return &options{
		logger:          slog.Default(),
		planCacheLimit:  planner.DefaultCacheSize,
		queryCacheLimit: query.DefaultCacheSize,
	}
}

// Option configures a Router.
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPlanCacheLimit bounds the plan cache. Non-positive values keep the
// default.
func WithPlanCacheLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.planCacheLimit = n
		}
	}
}

// WithQueryCacheLimit bounds the parsed-query cache. Non-positive values keep
// the default.
func WithQueryCacheLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queryCacheLimit = n
		}
	}
}

// WithPlanOptions sets the options that take part in every plan cache key.
func WithPlanOptions(po planner.PlanOptions) Option {
	return func(o *options) { o.planOptions = po }
}
