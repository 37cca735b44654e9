package httpx

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	netproxy "golang.org/x/net/proxy"
)

const defaultTimeout = 75 * time.Second

type ClientOptions struct {
	Timeout time.Duration
	// ProxyURL routes outbound provider/search traffic; supports
	// http://, https:// and socks5:// schemes. Empty means direct.
	ProxyURL string
}

// NewClient builds the HTTP client shared by the provider and search
// collaborators.
func NewClient(opts ClientOptions) (*http.Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	raw := strings.TrimSpace(opts.ProxyURL)
	if raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", raw, err)
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)
		case "socks5", "socks5h":
			dialer, err := netproxy.FromURL(u, netproxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("socks5 proxy %q: %w", raw, err)
			}
			if cd, ok := dialer.(netproxy.ContextDialer); ok {
				transport.Proxy = nil
				transport.DialContext = cd.DialContext
			} else {
				return nil, fmt.Errorf("socks5 proxy %q: dialer lacks context support", raw)
			}
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
	}

	return &http.Client{Timeout: timeout, Transport: transport}, nil
}
