// Package proxy implements the routing forwarder: it matches inbound
// requests against the route table, forwards them verbatim to the mapped
// upstream, and translates transport failures into structured gateway
// errors. Forwarding is fail-fast — no retries, no fallback responses.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pupero/api-manager/internal/apierror"
	"github.com/pupero/api-manager/internal/config"
	"github.com/pupero/api-manager/internal/metrics"
	"github.com/pupero/api-manager/internal/routing"
)

// Streaming responses are flushed to the client on this interval instead of
// buffering the full upstream body.
const flushInterval = 100 * time.Millisecond

// Forwarder matches incoming requests to configured routes and forwards
// them to the appropriate upstream. It holds no cross-request mutable
// state; all fields are read-only after New returns.
type Forwarder struct {
	table   routing.Table
	proxies map[string]*httputil.ReverseProxy
	logger  *slog.Logger
}

// New creates a Forwarder from the given route configurations. Each route
// gets its own reverse proxy backed by a bounded per-upstream transport
// so connection pools cannot grow without limit under load.
func New(routes []config.RouteConfig, logger *slog.Logger) (*Forwarder, error) {
	table := routing.NewTable(routes)

	proxies := make(map[string]*httputil.ReverseProxy, len(routes))
	for _, route := range table.Routes() {
		target, err := url.Parse(route.Upstream)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream URL %q for route %q: %w", route.Upstream, route.PathPrefix, err)
		}

		rte := route // capture for closures
		rp := httputil.NewSingleHostReverseProxy(target)
		rp.Transport = newTransport(route.ConnectionPool)
		rp.FlushInterval = flushInterval

		director := rp.Director
		rp.Director = func(req *http.Request) {
			director(req)
			// The upstream sees its own host, not the manager's.
			req.Host = target.Host
		}

		rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			kind, code, status, message := classifyTransportError(r.Context(), err)
			logger.Error("forwarding failed",
				"kind", kind,
				"upstream", rte.Upstream,
				"route", rte.PathPrefix,
				"path", r.URL.Path,
				"error", err,
			)
			metrics.UpstreamErrors.WithLabelValues(rte.PathPrefix, rte.Upstream, kind).Inc()
			apierror.WriteUpstreamJSON(w, r, status, code, message, rte.Upstream, err.Error())
		}

		proxies[route.PathPrefix] = rp
	}

	return &Forwarder{
		table:   table,
		proxies: proxies,
		logger:  logger,
	}, nil
}

// newTransport builds a per-upstream transport with bounded pools.
// Zero-valued pool settings fall back to conservative defaults.
func newTransport(cp *config.ConnectionPoolConfig) *http.Transport {
	maxIdle := 100
	maxIdlePerHost := 32
	maxPerHost := 128
	idleTimeout := 90 * time.Second

	if cp != nil {
		if cp.MaxIdleConns > 0 {
			maxIdle = cp.MaxIdleConns
		}
		if cp.MaxIdlePerHost > 0 {
			maxIdlePerHost = cp.MaxIdlePerHost
		}
		if cp.MaxPerHost > 0 {
			maxPerHost = cp.MaxPerHost
		}
		if cp.IdleTimeout > 0 {
			idleTimeout = cp.IdleTimeout
		}
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxPerHost,
		IdleConnTimeout:       idleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

// ServeHTTP implements http.Handler. It matches the request to a route,
// validates the HTTP method, and forwards within the route's deadline.
// An unmatched path is answered 404 without any outbound call.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	route, ok := f.table.Match(r.URL.Path)
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no matching route")
		return
	}

	if len(route.Methods) > 0 && !methodAllowed(r.Method, route.Methods) {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
			fmt.Sprintf("method %s not allowed for %s", r.Method, route.PathPrefix))
		return
	}

	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	// Injected headers are additive config; inbound client headers
	// (Authorization, Cookie, ...) pass through untouched.
	for k, v := range route.Headers {
		r.Header.Set(k, v)
	}

	if route.StripPrefix {
		r.URL.Path = strings.TrimPrefix(r.URL.Path, route.PathPrefix)
		if r.URL.Path == "" {
			r.URL.Path = "/"
		}
	}

	// The route deadline bounds the whole outbound exchange; cancellation
	// of the inbound request propagates through the same context.
	ctx, cancel := context.WithTimeout(r.Context(), route.Timeout())
	defer cancel()

	recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	lw := &latencyWriter{ResponseWriter: recorder, start: start}

	f.proxies[route.PathPrefix].ServeHTTP(lw, r.WithContext(ctx))

	latency := time.Since(start)
	statusStr := strconv.Itoa(recorder.statusCode)
	metrics.RequestsTotal.WithLabelValues(route.PathPrefix, r.Method, statusStr).Inc()
	metrics.RequestDuration.WithLabelValues(route.PathPrefix, r.Method).Observe(latency.Seconds())

	if recorder.statusCode >= 500 {
		metrics.UpstreamResponses5xx.WithLabelValues(route.PathPrefix, route.Upstream, statusStr).Inc()
	}
}

// Match exposes route matching for use by other packages (logging levels,
// rate limit overrides).
func (f *Forwarder) Match(path string) (config.RouteConfig, bool) {
	return f.table.Match(path)
}

func methodAllowed(method string, allowed []string) bool {
	for _, m := range allowed {
		if strings.EqualFold(method, m) {
			return true
		}
	}
	return false
}

// classifyTransportError maps an outbound transport error to the gateway
// error taxonomy. ctx is the per-route forwarding context: its state
// distinguishes the route deadline firing from the client going away.
func classifyTransportError(ctx context.Context, err error) (kind string, code apierror.ErrorCode, status int, message string) {
	// The forwarding context tells deadline expiry apart from the client
	// hanging up; the raw error alone is context.Canceled in both cases
	// on some transport paths.
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return "timeout", apierror.UpstreamTimeout, http.StatusBadGateway, "upstream did not respond within the route timeout"
		}
		return "cancelled", apierror.RequestCancelled, http.StatusGatewayTimeout, "request cancelled before upstream responded"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", apierror.UpstreamTimeout, http.StatusBadGateway, "upstream did not respond within the route timeout"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout", apierror.UpstreamTimeout, http.StatusBadGateway, "upstream did not respond within the route timeout"
	}

	// A connection that was established but produced a short or invalid
	// response is an upstream protocol fault, not a connectivity one.
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		strings.Contains(err.Error(), "malformed HTTP") {
		return "protocol_error", apierror.UpstreamProtocolError, http.StatusBadGateway, "upstream returned a malformed response"
	}

	// Connection refused, DNS failure, no route to host, and the rest of
	// the dial-time family all land here.
	return "unreachable", apierror.UpstreamUnreachable, http.StatusBadGateway, "upstream service unreachable"
}

// latencyWriter wraps an http.ResponseWriter and injects the
// X-Gateway-Latency header just before the first WriteHeader call.
// This ensures the header is set before the response is committed.
type latencyWriter struct {
	http.ResponseWriter
	start   time.Time
	written bool
}

func (lw *latencyWriter) WriteHeader(code int) {
	if !lw.written {
		lw.written = true
		lw.ResponseWriter.Header().Set("X-Gateway-Latency", time.Since(lw.start).String())
	}
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *latencyWriter) Write(b []byte) (int, error) {
	if !lw.written {
		lw.written = true
		lw.ResponseWriter.Header().Set("X-Gateway-Latency", time.Since(lw.start).String())
	}
	return lw.ResponseWriter.Write(b)
}

// Flush forwards streaming flushes so large upstream bodies are not
// buffered for the lifetime of the request.
func (lw *latencyWriter) Flush() {
	if f, ok := lw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// responseRecorder wraps http.ResponseWriter to capture the status code
// while still writing to the real client. Used for metrics reporting.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.written {
		rr.statusCode = code
		rr.written = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.written {
		rr.statusCode = http.StatusOK
		rr.written = true
	}
	return rr.ResponseWriter.Write(b)
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
