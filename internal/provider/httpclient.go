package provider

import (
	"net/http"
	"time"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	userAgent          = "groupbot"
)

// newHTTPClient returns the pooled client the factory shares between the
// HTTP backends.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = 10
	t.ResponseHeaderTimeout = timeout
	return &http.Client{
		Timeout:   timeout,
		Transport: uaTransport{base: t},
	}
}

// uaTransport stamps requests that carry no User-Agent of their own.
type uaTransport struct {
	base http.RoundTripper
}

func (u uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return u.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", userAgent)
	return u.base.RoundTrip(r)
}
