package conanhttp

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/pat"
	"github.com/streadway/handy/report"

	"github.com/conanrepo/core/auth"
	"github.com/conanrepo/core/storage"
)

// Router dispatches Conan requests: the fixed pattern table first, then a
// gorilla/pat fallback for the generic blob GET/PUT/DELETE/HEAD route.
type Router struct {
	srv      *server
	checker  auth.Checker
	metrics  *Metrics
	log      *log.Logger
	access   io.Writer
	fallback http.Handler
}

// Option configures a Router.
type Option func(*Router)

// WithChecker overrides the default auth.Free{} capability checker.
func WithChecker(c auth.Checker) Option {
	return func(r *Router) { r.checker = c }
}

// WithMetrics attaches a prometheus collector set; every route is wrapped
// with it.
func WithMetrics(m *Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger overrides the default stdout logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Router) { r.log = l }
}

// WithAccessLog overrides where per-request JSON access log lines
// (streadway/handy/report) are written. Defaults to os.Stdout.
func WithAccessLog(w io.Writer) Option {
	return func(r *Router) { r.access = w }
}

// NewRouter builds a Router over store, wrapping every handler with the
// access-log and metrics chain.
func NewRouter(store storage.Blob, opts ...Option) *Router {
	r := &Router{
		srv:    &server{store: store},
		log:    log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds),
		access: os.Stdout,
	}
	r.checker = auth.Free{}
	for _, opt := range opts {
		opt(r)
	}
	r.srv.checker = r.checker
	r.fallback = r.buildFallback()
	return r
}

// ServeHTTP implements http.Handler: try the fixed pattern table, dispatch
// on first match, otherwise fall through to the generic blob route.
func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/")

	for i := range patterns {
		p := &patterns[i]
		if p.method != req.Method {
			continue
		}
		caps := matchNamed(p.regexp, trimmed)
		if caps == nil {
			continue
		}

		handler := rt.authorize(req.Method, p.handle(rt.srv))
		handler = rt.instrument(p.op, handler)
		req = req.WithContext(withCaptures(req.Context(), caps))
		handler(w, req)
		return
	}

	rt.fallback.ServeHTTP(w, req)
}

// authorize evaluates auth.Checker ahead of next: GET/HEAD require READ,
// everything else requires WRITE. A false result yields 401 (no
// credentials offered) or 403 (credentials insufficient), no body.
func (rt *Router) authorize(method string, next httpHandler) httpHandler {
	action := auth.Write
	if method == http.MethodGet || method == http.MethodHead {
		action = auth.Read
	}
	return func(w http.ResponseWriter, r *http.Request) {
		switch rt.checker.Check(r, action) {
		case auth.Allow:
			next(w, r)
		case auth.NeedAuth:
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}
}

// instrument wraps next with the metrics collector and the JSON access
// log, in that order.
func (rt *Router) instrument(operation string, next httpHandler) httpHandler {
	wrapped := rt.metrics.wrap(operation, next)
	logged := report.JSON(rt.access, http.HandlerFunc(wrapped))
	return logged.ServeHTTP
}

// genericKeyParam is the pat route parameter name carrying the full,
// arbitrary-depth storage key.
const genericKeyParam = ":key"

// buildFallback assembles the generic blob GET/PUT/DELETE/HEAD route plus
// CORS/OPTIONS handling on a pat.Router.
func (rt *Router) buildFallback() http.Handler {
	r := pat.New()

	const route = `/{key:.+}`

	r.Add("GET", route, rt.instrument("genericGet", rt.authorize("GET", addCORS(handleGenericGet(rt.srv)))))
	r.Add("HEAD", route, rt.instrument("genericHead", rt.authorize("HEAD", handleGenericHead(rt.srv))))
	r.Add("PUT", route, rt.instrument("genericPut", rt.authorize("PUT", addCORS(handleGenericPut(rt.srv)))))
	r.Add("DELETE", route, rt.instrument("genericDelete", rt.authorize("DELETE", addCORS(handleGenericDelete(rt.srv)))))
	r.Add("OPTIONS", `/{key:.*}`, addCORS(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	return r
}

type captureKey struct{}

func withCaptures(ctx context.Context, caps map[string]string) context.Context {
	return context.WithValue(ctx, captureKey{}, caps)
}

// captures returns the named regex captures the router matched for r's
// route, or an empty map if r didn't come through the fixed pattern table
// (the generic fallback route has none).
func captures(r *http.Request) map[string]string {
	caps, _ := r.Context().Value(captureKey{}).(map[string]string)
	if caps == nil {
		return map[string]string{}
	}
	return caps
}
