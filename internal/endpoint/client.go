package endpoint

import (
	"net/http"
	"time"

	"github.com/torosent/pewpew/internal/config"
)

// NewClient builds the shared HTTP client: pooled connections sized for
// many concurrent endpoints, compression left to the transport.
func NewClient(cfg config.ClientConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
	}
	if cfg.KeepAlive > 0 {
		transport.IdleConnTimeout = cfg.KeepAlive.Duration()
	}
	timeout := cfg.RequestTimeout.Duration()
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// headerClient injects plan-wide headers before delegating to the shared
// client. Endpoint headers set later override these.
type headerClient struct {
	inner   *http.Client
	headers map[string]string
}

// WithDefaultHeaders wraps client so every request carries the plan's
// client.headers unless the endpoint overrides them.
func WithDefaultHeaders(client *http.Client, headers map[string]string) Client {
	if len(headers) == 0 {
		return client
	}
	return &headerClient{inner: client, headers: headers}
}

func (c *headerClient) Do(req *http.Request) (*http.Response, error) {
	for name, value := range c.headers {
		if req.Header.Get(name) == "" {
			req.Header.Set(name, value)
		}
	}
	return c.inner.Do(req)
}
