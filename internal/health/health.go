// Package health provides liveness and readiness probe HTTP handlers.
// Liveness answers from the manager itself; readiness dials every configured
// upstream and reports per-service reachability.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pupero/api-manager/internal/config"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// Handler provides the /health, /healthz, and /ready endpoints.
type Handler struct {
	routes []config.RouteConfig
	logger *slog.Logger

	// Cached readiness result to avoid TCP-dialling every upstream on
	// every /ready poll. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a health check Handler over the configured routes.
func New(routes []config.RouteConfig, logger *slog.Logger) *Handler {
	return &Handler{routes: routes, logger: logger}
}

// RegisterRoutes adds the probe endpoints to the given mux. /healthz is an
// alias for /health kept for clients that probe the conventional k8s path.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/healthz", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	// Serve from cache if fresh.
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	h.cacheMu.RUnlock()

	type upstreamResult struct {
		prefix   string
		upstream string
		status   string
		ok       bool
	}

	ch := make(chan upstreamResult, len(h.routes))
	for _, route := range h.routes {
		go func(route config.RouteConfig) {
			u, err := url.Parse(route.Upstream)
			if err != nil {
				ch <- upstreamResult{prefix: route.PathPrefix, upstream: route.Upstream, status: "invalid URL", ok: false}
				return
			}

			host := u.Host
			if !hasPort(host) {
				switch u.Scheme {
				case "https":
					host += ":443"
				default:
					host += ":80"
				}
			}

			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", host)
			cancel()

			if err != nil {
				h.logger.Warn("upstream unreachable", "route", route.PathPrefix, "upstream", route.Upstream, "error", err)
				ch <- upstreamResult{prefix: route.PathPrefix, upstream: route.Upstream, status: "unreachable", ok: false}
				return
			}
			conn.Close()
			ch <- upstreamResult{prefix: route.PathPrefix, upstream: route.Upstream, status: "ok", ok: true}
		}(route)
	}

	// Readiness fails when any configured upstream cannot be dialled. The
	// forwarder itself stays up either way; this only informs orchestrators.
	results := make(map[string]string, len(h.routes))
	anyDown := false

	for range h.routes {
		res := <-ch
		results[res.prefix] = res.status
		if !res.ok {
			anyDown = true
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if anyDown {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":    statusStr,
		"upstreams": results,
	})
	body = append(body, '\n')

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
