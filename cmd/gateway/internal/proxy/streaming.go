package proxy

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// StreamingProxy forwards SSE and WebSocket traffic to the orchestrator's
// admin server, which owns the per-workflow event rings. The gateway only
// authenticates and rewrites the path; it never buffers event bodies.
type StreamingProxy struct {
	proxy  *httputil.ReverseProxy
	target *url.URL
	logger *zap.Logger
}

// NewStreamingProxy builds a reverse proxy against the admin server URL.
// Paths are rewritten from the public /api/v1/stream prefix to the admin
// server's /stream prefix.
func NewStreamingProxy(adminURL string, logger *zap.Logger) (*StreamingProxy, error) {
	target, err := url.Parse(adminURL)
	if err != nil {
		return nil, err
	}

	rp := httputil.NewSingleHostReverseProxy(target)

	director := rp.Director
	rp.Director = func(req *http.Request) {
		director(req)
		req.URL.Path = strings.Replace(req.URL.Path, "/api/v1/stream", "/stream", 1)
		req.Host = target.Host
		logger.Debug("Proxying stream request",
			zap.String("path", req.URL.Path),
			zap.String("target", target.Host),
		)
	}

	rp.ModifyResponse = func(resp *http.Response) error {
		if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
			resp.Header.Set("Cache-Control", "no-cache")
			resp.Header.Set("Connection", "keep-alive")
			resp.Header.Set("X-Accel-Buffering", "no")
		}
		if resp.Header.Get("Access-Control-Allow-Origin") == "" {
			resp.Header.Set("Access-Control-Allow-Origin", "*")
		}
		return nil
	}

	// Flush immediately so SSE events are not held in the proxy buffer.
	rp.FlushInterval = -1

	return &StreamingProxy{proxy: rp, target: target, logger: logger}, nil
}

// ServeHTTP proxies the request. WebSocket upgrades ride through the same
// reverse proxy; httputil handles the Connection/Upgrade hop-by-hop headers.
func (sp *StreamingProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sp.proxy.ServeHTTP(w, r)
}
