package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/metadata"

	eventbus "github.com/hanpama/fedrouter/internal/eventbus"
	events "github.com/hanpama/fedrouter/internal/events"
	"github.com/hanpama/fedrouter/internal/graphql"
	language "github.com/hanpama/fedrouter/internal/language"
	reqid "github.com/hanpama/fedrouter/internal/reqid"
	"github.com/hanpama/fedrouter/internal/router"
)

// Handler is an http.Handler that serves a GraphQL endpoint.
// It parses requests, runs them through the current router, and writes
// GraphQL responses. The router can be swapped while serving.
type Handler struct {
	router atomic.Pointer[router.Router]
	opt    Options
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// MetadataHeaders lists HTTP headers forwarded to downstream services.
	// Header names are case-insensitive. Default is none.
	MetadataHeaders []string

	// GraphiQL enables the in-browser IDE when true.
	GraphiQL bool

	// MaxBatchConcurrency bounds how many operations of one batch run at
	// once. 0 or less runs them one at a time.
	MaxBatchConcurrency int
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithMetadataHeaders(headers ...string) Option {
	return func(o *Options) { o.MetadataHeaders = headers }
}
func WithMaxBatchConcurrency(n int) Option { return func(o *Options) { o.MaxBatchConcurrency = n } }

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

func WithGraphiQL(enable bool) Option { return func(o *Options) { o.GraphiQL = enable } }

// New creates a GraphQL HTTP handler serving r.
func New(r *router.Router, opts ...Option) (*Handler, error) {
	if r == nil {
		return nil, errors.New("server: nil router")
	}
	op := Options{Timeout: 10 * time.Second, GraphiQL: true, MaxBatchConcurrency: 4}
	for _, f := range opts {
		f(&op)
	}
	h := &Handler{opt: op}
	h.router.Store(r)
	return h, nil
}

// SetRouter replaces the router used by subsequent requests. Requests in
// flight finish on the router they started with.
func (h *Handler) SetRouter(r *router.Router) {
	if r != nil {
		h.router.Store(r)
	}
}

// Router returns the router currently serving requests.
func (h *Handler) Router() *router.Router { return h.router.Load() }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	ctx, rid := reqid.NewContext(ctx)
	status := http.StatusOK
	operations := 0
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Operations: operations, Duration: time.Since(start)})
	}()

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse("method not allowed"), h.opt.Pretty)
		return
	}

	// Serve GraphiQL IDE when enabled and the client expects HTML.
	if r.Method == http.MethodGet && h.opt.GraphiQL && acceptsHTML(r.Header.Get("Accept")) && r.URL.Query().Get("query") == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(graphiqlPage)
		return
	}

	// Map configured headers into metadata
	md := metadata.MD{}
	if len(h.opt.MetadataHeaders) > 0 {
		allowed := make(map[string]struct{}, len(h.opt.MetadataHeaders))
		for _, hdr := range h.opt.MetadataHeaders {
			allowed[strings.ToLower(hdr)] = struct{}{}
		}
		for k, v := range r.Header {
			if _, ok := allowed[strings.ToLower(k)]; ok {
				md[strings.ToLower(k)] = v
			}
		}
	}
	md["graphql-request-id"] = []string{reqid.String(rid)}
	ctx = metadata.NewOutgoingContext(ctx, md)

	req, batch, berr := parseRequest(r, h.opt.MaxBodyBytes)
	if berr != nil {
		status = http.StatusBadRequest
		if errors.Is(berr, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse(berr.Error()), h.opt.Pretty)
		return
	}

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	rt := h.router.Load()
	if batch != nil {
		operations = len(batch)
		out := make([]*graphql.Response, len(batch))
		var g errgroup.Group
		g.SetLimit(max(h.opt.MaxBatchConcurrency, 1))
		for i := range batch {
			g.Go(func() error {
				out[i] = h.executeOne(ctx, rt, &batch[i], true)
				return nil
			})
		}
		_ = g.Wait()
		writeJSON(w, status, out, h.opt.Pretty)
		return
	}

	operations = 1
	res := h.executeOne(ctx, rt, &req, false)
	writeJSON(w, status, res, h.opt.Pretty)
}

func (h *Handler) executeOne(ctx context.Context, rt *router.Router, req *graphql.Request, batched bool) *graphql.Response {
	opType := operationType(req.Query, req.OperationName)

	start := time.Now()
	eventbus.Publish(ctx, events.GraphQLStart{Query: req.Query, OperationName: req.OperationName, OperationType: opType, Batched: batched})

	var services []string
	pq, stream := rt.Prepare(ctx, req)
	if pq != nil {
		services = pq.Plan().Services()
		stream = pq.Execute(ctx, req)
	}
	res, ok := graphql.First(ctx, stream)
	if !ok {
		err := ctx.Err()
		if err == nil {
			err = errors.New("no response produced")
		}
		res = graphql.ErrorResponse(err)
	}

	errs := make([]error, len(res.Errors))
	for i := range res.Errors {
		errs[i] = res.Errors[i]
	}
	eventbus.Publish(ctx, events.GraphQLFinish{
		Query:         req.Query,
		OperationName: req.OperationName,
		OperationType: opType,
		Batched:       batched,
		Canned:        pq == nil,
		Services:      services,
		Errors:        errs,
		Duration:      time.Since(start),
	})
	return res
}

// operationType reports the type of the selected operation, or "" when the
// query does not parse or the operation cannot be selected.
func operationType(query, operationName string) string {
	doc, err := language.ParseQuery(query)
	if err != nil {
		return ""
	}
	if op := doc.Operations.ForName(operationName); op != nil {
		return string(op.Operation)
	}
	return ""
}

// ------------------ Request parsing ------------------

var (
	errBodyTooLarge       = errors.New("body too large")
	errMissingQuery       = errors.New("missing 'query'")
	errInvalidJSON        = errors.New("invalid JSON")
	errInvalidVariables   = errors.New("invalid 'variables' JSON")
	errEmptyBatch         = errors.New("empty batch")
	errUnsupportedContent = errors.New("unsupported Content-Type")
)

func parseRequest(r *http.Request, maxBody int64) (graphql.Request, []graphql.Request, error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query().Get("query")
		if q == "" {
			return graphql.Request{}, nil, errMissingQuery
		}
		vars := map[string]any{}
		if v := r.URL.Query().Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &vars); err != nil {
				return graphql.Request{}, nil, errInvalidVariables
			}
		}
		op := r.URL.Query().Get("operationName")
		return graphql.Request{Query: q, Variables: vars, OperationName: op}, nil, nil
	}

	// POST
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return graphql.Request{}, nil, errUnsupportedContent
	}
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return graphql.Request{}, nil, errors.New("failed to read body")
	}
	defer r.Body.Close()
	if maxBody > 0 && int64(len(body)) > maxBody {
		return graphql.Request{}, nil, errBodyTooLarge
	}

	// Try array (batch)
	if len(body) > 0 && body[0] == '[' {
		var arr []graphql.Request
		if err := json.Unmarshal(body, &arr); err != nil {
			return graphql.Request{}, nil, errInvalidJSON
		}
		if len(arr) == 0 {
			return graphql.Request{}, nil, errEmptyBatch
		}
		return graphql.Request{}, arr, nil
	}
	// Single
	var req graphql.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return graphql.Request{}, nil, errInvalidJSON
	}
	if req.Query == "" {
		return graphql.Request{}, nil, errMissingQuery
	}
	return req, nil, nil
}

// ------------------ Response formatting ------------------

func errorResponse(message string) *graphql.Response {
	return &graphql.Response{Errors: []graphql.Error{{Message: message}}}
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func acceptsHTML(accept string) bool {
	if accept == "" {
		return false
	}
	for _, p := range strings.Split(accept, ",") {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, "text/html") || p == "*/*" {
			return true
		}
	}
	return false
}
