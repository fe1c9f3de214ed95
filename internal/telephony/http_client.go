package telephony

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultMaxIdleConnsPerHost   = 10
	DefaultIdleConnTimeout       = 90 * time.Second
	DefaultDialTimeout           = 5 * time.Second
	DefaultTLSHandshakeTimeout   = 5 * time.Second
	DefaultResponseHeaderTimeout = 10 * time.Second

	// DefaultRequestTimeout backstops requests whose context has no deadline.
	// Hand-offs normally carry the shorter dispatch hand-off timeout.
	DefaultRequestTimeout = 30 * time.Second
)

// HTTPClient is the outbound client shared by every provider adapter. Each
// request becomes a client span named after the provider operation.
type HTTPClient struct {
	httpClient *http.Client
}

// NewHTTPClient wraps base (or a tuned default transport) with tracing.
func NewHTTPClient(base ...http.RoundTripper) *HTTPClient {
	var rt http.RoundTripper = defaultTransport()
	if len(base) > 0 && base[0] != nil {
		rt = base[0]
	}
	traced := otelhttp.NewTransport(rt,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("provider %s %s", r.Method, r.URL.Path)
		}),
	)
	return &HTTPClient{httpClient: &http.Client{Transport: traced, Timeout: DefaultRequestTimeout}}
}

func defaultTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		ForceAttemptHTTP2:     true,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
	}
}

func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}
