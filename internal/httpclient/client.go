// Package httpclient builds the HTTP and WebSocket transports shared by the
// API client, the storage uploader and the live comment channel.
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MacJediWizard/minitube/internal/config"
	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// DefaultTimeout is the default timeout for API requests.
const DefaultTimeout = 30 * time.Second

// DefaultHandshakeTimeout bounds the live channel opening handshake.
const DefaultHandshakeTimeout = 15 * time.Second

// Options configures the transports.
type Options struct {
	// Timeout for HTTP requests. Zero means DefaultTimeout; a negative value
	// disables the client timeout (large storage transfers rely on the context).
	Timeout time.Duration
	// Proxy contains proxy settings.
	Proxy *config.ProxyConfig
}

// New creates an HTTP client with optional proxy support.
func New(opts Options) (*http.Client, error) {
	transport, err := newTransport(opts.Proxy)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	switch {
	case timeout == 0:
		timeout = DefaultTimeout
	case timeout < 0:
		timeout = 0
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}, nil
}

// NewWebSocketDialer creates a dialer for the live channel honoring the same proxy settings.
func NewWebSocketDialer(opts Options) (*websocket.Dialer, error) {
	d := &websocket.Dialer{
		HandshakeTimeout: DefaultHandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if opts.Proxy == nil || !opts.Proxy.HasProxy() {
		return d, nil
	}

	if opts.Proxy.SOCKS5Proxy != "" {
		dial, err := socks5DialContext(opts.Proxy.SOCKS5Proxy)
		if err != nil {
			return nil, fmt.Errorf("configure proxy: %w", err)
		}
		d.Proxy = nil
		d.NetDialContext = dial
		return d, nil
	}

	cfg := opts.Proxy
	d.Proxy = func(req *http.Request) (*url.URL, error) {
		return proxyFunc(req, cfg)
	}
	return d, nil
}

func newTransport(cfg *config.ProxyConfig) (*http.Transport, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if cfg == nil || !cfg.HasProxy() {
		return transport, nil
	}

	// SOCKS5 proxy takes precedence if configured
	if cfg.SOCKS5Proxy != "" {
		dial, err := socks5DialContext(cfg.SOCKS5Proxy)
		if err != nil {
			return nil, fmt.Errorf("configure proxy: %w", err)
		}
		transport.Proxy = nil
		transport.DialContext = dial
		return transport, nil
	}

	transport.Proxy = func(req *http.Request) (*url.URL, error) {
		return proxyFunc(req, cfg)
	}
	return transport, nil
}

func socks5DialContext(socks5URL string) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	proxyURL, err := url.Parse(socks5URL)
	if err != nil {
		return nil, fmt.Errorf("parse SOCKS5 proxy URL: %w", err)
	}

	var auth *proxy.Auth
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		auth = &proxy.Auth{
			User:     proxyURL.User.Username(),
			Password: password,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}

	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}, nil
}

// proxyFunc returns the proxy URL for the given request.
func proxyFunc(req *http.Request, cfg *config.ProxyConfig) (*url.URL, error) {
	if shouldBypassProxy(req.URL.Host, cfg.NoProxy) {
		return nil, nil
	}

	var proxyURLStr string
	switch {
	case (req.URL.Scheme == "https" || req.URL.Scheme == "wss") && cfg.HTTPSProxy != "":
		proxyURLStr = cfg.HTTPSProxy
	case cfg.HTTPProxy != "":
		proxyURLStr = cfg.HTTPProxy
	}

	if proxyURLStr == "" {
		return nil, nil
	}

	return url.Parse(proxyURLStr)
}

// shouldBypassProxy checks if a host matches a no_proxy entry.
func shouldBypassProxy(host string, noProxy string) bool {
	if noProxy == "" {
		return false
	}

	hostOnly, _, err := net.SplitHostPort(host)
	if err != nil {
		hostOnly = host
	}
	hostOnly = strings.ToLower(hostOnly)

	for _, pattern := range strings.Split(noProxy, ",") {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		switch {
		case pattern == "":
			continue
		case pattern == "*", hostOnly == pattern:
			return true
		case strings.HasPrefix(pattern, "."):
			if strings.HasSuffix(hostOnly, pattern) {
				return true
			}
		case strings.HasSuffix(hostOnly, "."+pattern):
			return true
		}
	}

	return false
}

// ProxyInfo returns a description of the configured proxy with credentials masked.
func ProxyInfo(cfg *config.ProxyConfig) string {
	if cfg == nil || !cfg.HasProxy() {
		return "none"
	}

	var parts []string
	if cfg.SOCKS5Proxy != "" {
		parts = append(parts, "SOCKS5: "+maskProxyURL(cfg.SOCKS5Proxy))
	}
	if cfg.HTTPProxy != "" {
		parts = append(parts, "HTTP: "+maskProxyURL(cfg.HTTPProxy))
	}
	if cfg.HTTPSProxy != "" {
		parts = append(parts, "HTTPS: "+maskProxyURL(cfg.HTTPSProxy))
	}
	if cfg.NoProxy != "" {
		parts = append(parts, "NoProxy: "+cfg.NoProxy)
	}

	return strings.Join(parts, ", ")
}

func maskProxyURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "****")
		}
	}

	return u.String()
}
