package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hanpama/fedrouter/internal/config"
	"github.com/hanpama/fedrouter/internal/eventbus"
	"github.com/hanpama/fedrouter/internal/introspection"
	"github.com/hanpama/fedrouter/internal/metrics"
	"github.com/hanpama/fedrouter/internal/otel"
	"github.com/hanpama/fedrouter/internal/planner"
	"github.com/hanpama/fedrouter/internal/server"
)

const rootUsage = `fedrouter - federated GraphQL gateway

USAGE:
  fedrouter <command> [flags]

COMMANDS:
  serve            Run the HTTP GraphQL gateway in front of the configured services
  plan             Print the query plan for a query
  introspect       Answer an introspection query from the supergraph schema
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -config <file>               YAML configuration file
  -schema <file>               Supergraph SDL file (overrides config)
  -server.addr <addr>          HTTP listen address (default: :8080)
  -server.pretty               Pretty-print JSON responses
  -server.timeout <duration>   Per-request timeout, e.g. 10s (default: 10s)
  -log.format <text|json>      Log format (default: text)
  -log.level <level>           debug, info, warn or error (default: info)
  -otel.endpoint <addr>        OTLP collector endpoint
  -otel.service <name>         OpenTelemetry service name (default: fedrouter)

Send SIGHUP to reload the configuration and schema. The new router is
warmed with the most used plans of the running one.
`

const planUsage = `plan FLAGS:
  -config <file>            YAML configuration file (required for service ownership)
  -schema <file>            Supergraph SDL file (overrides config)
  -query <text>             Query text; "-" or empty reads stdin
  -operation <name>         Operation name
  -query-id                 Attach a query ID to the plan
`

const introspectUsage = `introspect FLAGS:
  -schema <file>            Supergraph SDL file (required)
  -query <text>             Introspection query (default: the full introspection query)
`

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("fedrouter", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs, stderr)
	case "plan":
		return cmdPlan(cmdArgs, stdin, stdout, stderr)
	case "introspect":
		return cmdIntrospect(cmdArgs, stdout, stderr)
	case "help":
		return cmdHelp(cmdArgs, stdout)
	default:
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Fprint(stdout, serveUsage)
	case "plan":
		fmt.Fprint(stdout, planUsage)
	case "introspect":
		fmt.Fprint(stdout, introspectUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

// serveFlags holds the command line overrides of serve. Only flags that were
// set replace configuration values.
type serveFlags struct {
	config       string
	schema       string
	addr         string
	pretty       bool
	timeout      time.Duration
	logFormat    string
	logLevel     string
	otelEndpoint string
	otelService  string
}

func (f *serveFlags) load() (*config.Config, error) {
	return loadConfig(f.config, f.schema)
}

func (f *serveFlags) apply(cfg *config.Config, set map[string]bool) {
	if set["server.addr"] {
		cfg.Server.Addr = f.addr
	}
	if set["server.pretty"] {
		cfg.Server.Pretty = f.pretty
	}
	if set["server.timeout"] {
		cfg.Server.Timeout = f.timeout
	}
	if set["log.format"] {
		cfg.Log.Format = f.logFormat
	}
	if set["log.level"] {
		cfg.Log.Level = f.logLevel
	}
	if set["otel.endpoint"] {
		cfg.Otel.Endpoint = f.otelEndpoint
	}
	if set["otel.service"] {
		cfg.Otel.Service = f.otelService
	}
}

func cmdServe(args []string, stderr io.Writer) error {
	var sf serveFlags
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&sf.config, "config", "", "YAML configuration file")
	fs.StringVar(&sf.schema, "schema", "", "Supergraph SDL file")
	fs.StringVar(&sf.addr, "server.addr", "", "HTTP listen address")
	fs.BoolVar(&sf.pretty, "server.pretty", false, "Pretty-print JSON responses")
	fs.DurationVar(&sf.timeout, "server.timeout", 0, "Per-request timeout")
	fs.StringVar(&sf.logFormat, "log.format", "", "Log format")
	fs.StringVar(&sf.logLevel, "log.level", "", "Log level")
	fs.StringVar(&sf.otelEndpoint, "otel.endpoint", "", "OTLP collector endpoint")
	fs.StringVar(&sf.otelService, "otel.service", "", "OpenTelemetry service name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, serveUsage)
		return err
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, err := sf.load()
	if err != nil {
		return err
	}
	sf.apply(cfg, set)

	logger, err := newLogger(stderr, cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventbus.Use(eventbus.New())
	m := metrics.New()
	defer m.Subscribe(eventbus.Current())()
	shutdown, err := otel.Setup(ctx, cfg.Otel.Endpoint, cfg.Otel.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	gw, err := build(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	h, err := server.New(gw.router, serverOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/graphql", h)
	if cfg.Server.MetricsPath != "" {
		mux.Handle(cfg.Server.MetricsPath, m.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	errc := make(chan error, 1)
	go func() {
		logger.Info("GraphQL server listening", slog.String("addr", cfg.Server.Addr))
		errc <- srv.ListenAndServe()
	}()

	current := gw
	for {
		select {
		case err := <-errc:
			_ = current.Close()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-reload:
			next, err := rebuild(ctx, &sf, set, h, logger)
			if err != nil {
				logger.Error("reload failed; keeping the running router", slog.Any("error", err))
				continue
			}
			h.SetRouter(next.router)
			old := current
			current = next
			logger.Info("router reloaded", slog.Any("services", next.services))
			// in-flight requests still hold the old registry
			time.AfterFunc(cfg.Server.Timeout+time.Second, func() { _ = old.Close() })
		case <-ctx.Done():
			logger.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			err := srv.Shutdown(sctx)
			cancel()
			_ = current.Close()
			return err
		}
	}
}

func rebuild(ctx context.Context, sf *serveFlags, set map[string]bool, h *server.Handler, logger *slog.Logger) (*gateway, error) {
	cfg, err := sf.load()
	if err != nil {
		return nil, err
	}
	sf.apply(cfg, set)
	return build(ctx, cfg, h.Router(), logger)
}

func serverOptions(cfg *config.Config) []server.Option {
	opts := []server.Option{
		server.WithGraphiQL(cfg.Server.GraphiQL),
	}
	if cfg.Server.Pretty {
		opts = append(opts, server.WithPretty())
	}
	if cfg.Server.Timeout > 0 {
		opts = append(opts, server.WithTimeout(cfg.Server.Timeout))
	}
	if cfg.Server.MaxBodyBytes > 0 {
		opts = append(opts, server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes))
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		opts = append(opts, server.WithCORS(cfg.Server.CORSOrigins...))
	}
	if len(cfg.Server.ForwardHeaders) > 0 {
		opts = append(opts, server.WithMetadataHeaders(cfg.Server.ForwardHeaders...))
	}
	return opts
}

func cmdPlan(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var (
		configPath string
		schemaPath string
		query      string
		operation  string
		queryID    bool
	)
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&configPath, "config", "", "YAML configuration file")
	fs.StringVar(&schemaPath, "schema", "", "Supergraph SDL file")
	fs.StringVar(&query, "query", "", "Query text")
	fs.StringVar(&operation, "operation", "", "Operation name")
	fs.BoolVar(&queryID, "query-id", false, "Attach a query ID to the plan")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, planUsage)
		return err
	}
	cfg, err := loadConfig(configPath, schemaPath)
	if err != nil {
		return err
	}
	if query == "" || query == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("read query: %w", err)
		}
		query = string(b)
	}
	sch, err := loadSchema(cfg.Schema)
	if err != nil {
		return err
	}
	p, err := newPlanner(sch, cfg)
	if err != nil {
		return err
	}
	opts := planOptions(cfg)
	opts.GenerateQueryID = opts.GenerateQueryID || queryID
	pl, err := p.Plan(context.Background(), planner.QueryKey{Query: query, OperationName: operation, Options: opts})
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(pl, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%s\n", out)
	return err
}

func cmdIntrospect(args []string, stdout, stderr io.Writer) error {
	schemaPath := ""
	query := introspection.StandardQuery()
	fs := flag.NewFlagSet("introspect", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&schemaPath, "schema", schemaPath, "Supergraph SDL file")
	fs.StringVar(&query, "query", query, "Introspection query")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, introspectUsage)
		return err
	}
	if schemaPath == "" {
		fmt.Fprint(stderr, introspectUsage)
		return fmt.Errorf("-schema is required")
	}
	sch, err := loadSchema(schemaPath)
	if err != nil {
		return err
	}
	res, err := introspection.Resolve(sch, query)
	if err != nil {
		return fmt.Errorf("introspect: %w", err)
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%s\n", out)
	return err
}
