package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// NewShellHandler serves the application shell from origin through rt. When
// the network is down and the requested file was never cached the handler
// answers 502.
func NewShellHandler(origin string, rt http.RoundTripper) (http.Handler, error) {
	target, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parsing shell origin: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("shell origin %q must be an absolute URL", origin)
	}

	logger := slog.Default()
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.Out.Host = target.Host
			// Let the transport negotiate compression and decode it, so the
			// cache holds plain bodies servable to any client.
			r.Out.Header.Del("Accept-Encoding")
		},
		Transport: rt,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("shell unavailable", "path", r.URL.Path, "error", err)
			http.Error(w, "offline and not cached", http.StatusBadGateway)
		},
	}, nil
}
