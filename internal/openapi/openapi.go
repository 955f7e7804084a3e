// Package openapi surfaces upstream OpenAPI documents through the manager.
// Each route's document is fetched from the upstream and republished under
// the route prefix, and a merged document covering every upstream is served
// at a single combined path together with a minimal docs page.
package openapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pupero/api-manager/internal/apierror"
	"github.com/pupero/api-manager/internal/config"
	"github.com/pupero/api-manager/internal/metrics"
)

const fetchTimeout = 5 * time.Second

// Document is a loosely-typed OpenAPI document. Only the fields the merge
// touches are named; everything else rides along in raw JSON.
type Document struct {
	OpenAPI    string                     `json:"openapi,omitempty"`
	Info       map[string]interface{}     `json:"info,omitempty"`
	Paths      map[string]json.RawMessage `json:"paths,omitempty"`
	Components map[string]json.RawMessage `json:"components,omitempty"`
	Tags       []map[string]interface{}   `json:"tags,omitempty"`
}

// Handler serves per-route and combined OpenAPI documents.
type Handler struct {
	routes []config.RouteConfig
	cfg    config.OpenAPIConfig
	client *http.Client
	logger *slog.Logger
}

// New creates an OpenAPI Handler over the configured routes.
func New(routes []config.RouteConfig, cfg config.OpenAPIConfig, logger *slog.Logger) *Handler {
	return &Handler{
		routes: routes,
		cfg:    cfg,
		client: &http.Client{Timeout: fetchTimeout},
		logger: logger,
	}
}

// RegisterRoutes adds the per-route passthrough endpoints, the combined
// document, and the docs page to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	for _, route := range h.routes {
		if route.OpenAPIPath == "" {
			continue
		}
		rte := route
		mux.HandleFunc(rte.PathPrefix+"/openapi.json", func(w http.ResponseWriter, r *http.Request) {
			h.passthrough(w, r, rte)
		})
	}
	mux.HandleFunc(h.cfg.CombinedPath, h.combined)
	mux.HandleFunc(h.cfg.DocsPath, h.docs)
}

// passthrough fetches the upstream's own OpenAPI document and relays it.
func (h *Handler) passthrough(w http.ResponseWriter, r *http.Request, route config.RouteConfig) {
	body, err := h.fetch(r.Context(), route)
	if err != nil {
		h.logger.Warn("openapi fetch failed", "route", route.PathPrefix, "upstream", route.Upstream, "error", err)
		metrics.OpenAPIFetchErrors.WithLabelValues(route.PathPrefix).Inc()
		apierror.WriteUpstreamJSON(w, r, http.StatusBadGateway, apierror.UpstreamUnreachable,
			"could not fetch upstream OpenAPI document", route.Upstream, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body) //nolint:errcheck
}

// combined fetches every upstream document concurrently and merges them.
// Unreachable upstreams are skipped so one down service does not take the
// whole combined document with it.
func (h *Handler) combined(w http.ResponseWriter, r *http.Request) {
	type fetchResult struct {
		route config.RouteConfig
		doc   *Document
	}

	var wg sync.WaitGroup
	results := make([]fetchResult, len(h.routes))

	for i, route := range h.routes {
		if route.OpenAPIPath == "" {
			continue
		}
		wg.Add(1)
		go func(i int, route config.RouteConfig) {
			defer wg.Done()
			body, err := h.fetch(r.Context(), route)
			if err != nil {
				h.logger.Warn("openapi fetch failed, skipping from combined",
					"route", route.PathPrefix, "upstream", route.Upstream, "error", err)
				metrics.OpenAPIFetchErrors.WithLabelValues(route.PathPrefix).Inc()
				return
			}
			var doc Document
			if err := json.Unmarshal(body, &doc); err != nil {
				h.logger.Warn("upstream OpenAPI document is not valid JSON, skipping",
					"route", route.PathPrefix, "error", err)
				metrics.OpenAPIFetchErrors.WithLabelValues(route.PathPrefix).Inc()
				return
			}
			results[i] = fetchResult{route: route, doc: &doc}
		}(i, route)
	}
	wg.Wait()

	title := h.cfg.Title
	version := h.cfg.Version
	if version == "" {
		version = "1.0.0"
	}

	merged := Document{
		OpenAPI: "3.0.0",
		Info: map[string]interface{}{
			"title":   title,
			"version": version,
		},
		Paths:      make(map[string]json.RawMessage),
		Components: make(map[string]json.RawMessage),
	}
	seenTags := make(map[string]bool)

	// Deterministic merge in route declaration order. On collisions the
	// first route wins for both paths and components.
	for _, res := range results {
		if res.doc == nil {
			continue
		}
		if res.doc.OpenAPI != "" && res.doc.OpenAPI > merged.OpenAPI {
			merged.OpenAPI = res.doc.OpenAPI
		}
		for p, item := range res.doc.Paths {
			pub := publicPath(res.route, p)
			if _, exists := merged.Paths[pub]; exists {
				continue
			}
			merged.Paths[pub] = item
		}
		for name, comp := range res.doc.Components {
			if _, exists := merged.Components[name]; exists {
				merged.Components[name] = mergeComponentSection(merged.Components[name], comp)
				continue
			}
			merged.Components[name] = comp
		}
		for _, tag := range res.doc.Tags {
			name, _ := tag["name"].(string)
			if name == "" || seenTags[name] {
				continue
			}
			seenTags[name] = true
			merged.Tags = append(merged.Tags, tag)
		}
	}

	if len(merged.Components) == 0 {
		merged.Components = nil
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(merged) //nolint:errcheck
}

// publicPath translates an upstream document path to the path a client
// actually calls through the manager. Stripped routes re-home the upstream
// path under the route prefix. Preserved routes keep paths already under
// the prefix and re-home the rest, since the manager only forwards paths
// that start with the prefix.
func publicPath(route config.RouteConfig, upstreamPath string) string {
	if !route.StripPrefix && strings.HasPrefix(upstreamPath, route.PathPrefix) {
		return upstreamPath
	}
	if upstreamPath == "/" {
		return route.PathPrefix
	}
	if !strings.HasPrefix(upstreamPath, "/") {
		return route.PathPrefix + "/" + upstreamPath
	}
	return route.PathPrefix + upstreamPath
}

// mergeComponentSection merges two raw component sections (e.g. "schemas")
// key by key, first wins. Sections that are not JSON objects keep the
// existing value.
func mergeComponentSection(existing, incoming json.RawMessage) json.RawMessage {
	var a, b map[string]json.RawMessage
	if err := json.Unmarshal(existing, &a); err != nil {
		return existing
	}
	if err := json.Unmarshal(incoming, &b); err != nil {
		return existing
	}
	for k, v := range b {
		if _, ok := a[k]; !ok {
			a[k] = v
		}
	}
	out, err := json.Marshal(a)
	if err != nil {
		return existing
	}
	return out
}

// fetch retrieves a route's OpenAPI document from its upstream.
func (h *Handler) fetch(ctx context.Context, route config.RouteConfig) ([]byte, error) {
	docURL := strings.TrimSuffix(route.Upstream, "/") + route.OpenAPIPath

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned %d for %s", resp.StatusCode, docURL)
	}

	return io.ReadAll(io.LimitReader(resp.Body, 10<<20))
}

// docs serves a self-contained viewer for the combined document. No
// external assets: the page fetches the combined JSON and renders it in a
// <pre> block, so it works on networks with no CDN access.
func (h *Handler) docs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, docsPage, h.cfg.Title, h.cfg.Title, h.cfg.CombinedPath, h.cfg.CombinedPath)
}

const docsPage = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8"/>
  <title>%s</title>
  <style>
    body { font-family: system-ui, sans-serif; margin: 16px; }
    .controls { margin-bottom: 12px; }
    pre { white-space: pre-wrap; word-wrap: break-word; background: #f6f8fa; padding: 12px; border: 1px solid #e1e4e8; border-radius: 6px; max-height: 70vh; overflow: auto; }
    .hint { color: #555; font-size: 0.95em; }
  </style>
</head>
<body>
  <h1>%s</h1>
  <div class="controls">
    <button id="reload">Reload</button>
    <span class="hint">Raw OpenAPI JSON from <code>%s</code>.</span>
  </div>
  <pre id="doc">Loading...</pre>
  <script>
    async function loadDoc() {
      const el = document.getElementById('doc');
      try {
        const res = await fetch('%s');
        const json = await res.json();
        el.textContent = JSON.stringify(json, null, 2);
      } catch (e) {
        el.textContent = 'Failed to load combined OpenAPI: ' + e;
      }
    }
    document.getElementById('reload').addEventListener('click', loadDoc);
    loadDoc();
  </script>
</body>
</html>
`
