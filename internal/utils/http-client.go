package utils

import (
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

type HTTPClientConfig struct {
	Timeout        time.Duration
	KATimeout      time.Duration
	ProxyURL       string
	ProxyUsername  string
	ProxyPassword  string
	UserAgent      string
	Headers        map[string]string
	HTTP2          bool
	HighThreadMode bool // advanced socket options for high concurrency
}

// HTTPDoer is the subset of an HTTP client the download engine depends on.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type HTTPClient struct {
	client *http.Client
	config HTTPClientConfig
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 60 * time.Second
	}
	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		IdleConnTimeout:     cfg.KATimeout,
		MaxIdleConns:        MaxConnections * 2,
		MaxIdleConnsPerHost: MaxConnections,
		DisableCompression:  true, // raw bytes, Content-Length must match the range
		MaxConnsPerHost:     0,
		TLSHandshakeTimeout: 15 * time.Second,

		// Timeout bounds the wait for headers only; chunk bodies may take
		// arbitrarily long and are guarded by the worker's stall timer.
		ResponseHeaderTimeout: cfg.Timeout,
	}
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if cfg.HighThreadMode {
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				setSocketOptions(fd)
			})
		}
	}
	transport.DialContext = dialer.DialContext
	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			log.Warn().Str("op", "utils/http-client").Str("proxy", cfg.ProxyURL).Err(err).Msg("Invalid proxy URL, proceeding without proxy")
		} else {
			if cfg.ProxyUsername != "" {
				if cfg.ProxyPassword != "" {
					proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
				} else {
					proxyURL.User = url.User(cfg.ProxyUsername)
				}
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	// A custom DialContext disables the transport's implicit HTTP/2 upgrade,
	// so negotiate it explicitly when requested.
	if cfg.HTTP2 {
		h2, err := http2.ConfigureTransports(transport)
		if err != nil {
			log.Warn().Str("op", "utils/http-client").Err(err).Msg("HTTP/2 unavailable, using HTTP/1.1")
		} else {
			h2.ReadIdleTimeout = 30 * time.Second
			h2.PingTimeout = 15 * time.Second
		}
	}
	return &HTTPClient{
		client: &http.Client{
			Transport: transport,
		},
		config: cfg,
	}
}

func (c *HTTPClient) SetHeader(key, value string) {
	c.config.Headers[key] = value
}

// Do sends req with the configured user agent and custom headers. Headers
// the request already carries, like a chunk's Range, are never replaced.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	for k, v := range c.config.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		if c.config.UserAgent != "" {
			req.Header.Set("User-Agent", c.config.UserAgent)
		} else {
			req.Header.Set("User-Agent", ToolUserAgent)
		}
	}
	return c.client.Do(req)
}
