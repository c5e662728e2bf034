package sandbox

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/elazarl/goproxy"
)

// DomainProxy enforces an outbound domain allowlist for subprocess HTTP(S)
// traffic. The launcher points the child at it through the proxy
// environment variables.
type DomainProxy struct {
	server *http.Server
	addr   string
}

// Addr returns the proxy listen address as an HTTP URL.
func (p *DomainProxy) Addr() string {
	if p == nil {
		return ""
	}
	return p.addr
}

// Close stops the proxy server.
func (p *DomainProxy) Close() error {
	if p == nil || p.server == nil {
		return nil
	}
	return p.server.Close()
}

// hostAllowed matches a request host against the allowlist. A leading
// "*." entry admits subdomains; port suffixes on the request host are
// ignored.
func hostAllowed(allowed []string, host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSpace(host))
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if sub, ok := strings.CutPrefix(entry, "*."); ok {
			if host == sub || strings.HasSuffix(host, "."+sub) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

// StartDomainProxy starts a local HTTP proxy that admits only the listed
// domains.
func StartDomainProxy(allowed []string) (*DomainProxy, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen domain proxy: %w", err)
	}

	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = false
	proxy.OnRequest().HandleConnectFunc(func(host string, _ *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if !hostAllowed(allowed, host) {
			return goproxy.RejectConnect, host
		}
		return goproxy.OkConnect, host
	})
	proxy.OnRequest().DoFunc(func(req *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		if req == nil || req.URL == nil {
			return req, nil
		}
		if !hostAllowed(allowed, req.URL.Host) {
			return req, goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusForbidden,
				fmt.Sprintf("domain %s is not allowed", req.URL.Host))
		}
		return req, nil
	})

	server := &http.Server{Handler: proxy}
	go func() {
		_ = server.Serve(ln)
	}()

	return &DomainProxy{
		server: server,
		addr:   "http://" + ln.Addr().String(),
	}, nil
}
