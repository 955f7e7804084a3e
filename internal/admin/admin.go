// Package admin provides read-only admin API endpoints for runtime inspection
// of manager state. Endpoints are protected by an IP allowlist, an HS256
// bearer token, or both.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pupero/api-manager/internal/apierror"
	"github.com/pupero/api-manager/internal/config"
	"github.com/pupero/api-manager/internal/ratelimit"
)

// Handler provides the admin API endpoints.
type Handler struct {
	reloader     ConfigProvider
	limiter      *ratelimit.Limiter
	routes       []config.RouteConfig
	allowedNets  []*net.IPNet
	bearerSecret []byte
	logger       *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates an admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this). An empty bearerSecret disables token
// access; an empty allowlist disables IP access. Config validation
// guarantees at least one is set when admin is enabled.
func New(
	reloader ConfigProvider,
	limiter *ratelimit.Limiter,
	routes []config.RouteConfig,
	adminCfg config.AdminConfig,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(adminCfg.IPAllowlist))
	for _, cidr := range adminCfg.IPAllowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}

	var secret []byte
	if adminCfg.BearerSecret != "" {
		secret = []byte(adminCfg.BearerSecret)
	}

	return &Handler{
		reloader:     reloader,
		limiter:      limiter,
		routes:       routes,
		allowedNets:  nets,
		bearerSecret: secret,
		logger:       logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/routes", h.guard(h.routesHandler))
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
	mux.HandleFunc("/admin/limiters", h.guard(h.limitersHandler))
}

// guard wraps a handler with the access checks. A request is admitted when
// its peer IP is allowlisted or it carries a valid bearer token.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
				"admin endpoints are read-only")
			return
		}

		ip := extractIP(r.RemoteAddr)
		if h.ipAllowed(ip) || h.tokenAllowed(r) {
			next(w, r)
			return
		}

		h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
		apierror.WriteJSON(w, r, http.StatusForbidden, apierror.AdminForbidden, "admin access denied")
	}
}

func (h *Handler) ipAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// tokenAllowed validates an HS256 bearer token against the configured
// secret. Tokens apply to the admin surface only; Authorization headers on
// forwarded traffic are never inspected.
func (h *Handler) tokenAllowed(r *http.Request) bool {
	if len(h.bearerSecret) == 0 {
		return false
	}

	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	tokenStr := auth[len(prefix):]

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return h.bearerSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return false
	}
	return token.Valid
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// routeStatus is the response type for /admin/routes.
type routeStatus struct {
	PathPrefix  string   `json:"path_prefix"`
	Upstream    string   `json:"upstream"`
	Methods     []string `json:"methods,omitempty"`
	StripPrefix bool     `json:"strip_prefix"`
	TimeoutMs   int      `json:"timeout_ms"`
}

func (h *Handler) routesHandler(w http.ResponseWriter, r *http.Request) {
	statuses := make([]routeStatus, len(h.routes))
	for i, route := range h.routes {
		statuses[i] = routeStatus{
			PathPrefix:  route.PathPrefix,
			Upstream:    route.Upstream,
			Methods:     route.Methods,
			StripPrefix: route.StripPrefix,
			TimeoutMs:   route.TimeoutMs,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": statuses})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	// AdminConfig.BearerSecret carries json:"-" so the serialized config
	// never leaks the signing secret.
	writeJSON(w, http.StatusOK, h.reloader.Current())
}

func (h *Handler) limitersHandler(w http.ResponseWriter, r *http.Request) {
	entries := h.limiter.Snapshot()

	// Pagination: page/page_size from query params.
	pageSize := 100
	page := 0

	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if v := parseInt(ps); v > 0 && v <= 1000 {
			pageSize = v
		}
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if v := parseInt(p); v >= 0 {
			page = v
		}
	}

	total := len(entries)
	start := page * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries[start:end],
		"total":   total,
		"page":    page,
	})
}

func parseInt(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return -1
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
