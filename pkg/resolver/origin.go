package resolver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// DefaultFetchTimeout bounds a single origin request.
const DefaultFetchTimeout = 150 * time.Second

// Request is a single lookup sent to the origin.
type Request struct {
	// URL is the absolute resource URL.
	URL string

	// Class is the resource class the request belongs to.
	Class Class
}

// Response is what the origin answered.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Origin fetches resources from the remote file server.
type Origin interface {
	// Fetch performs the request. A non-nil error means the transport failed
	// or timed out; HTTP statuses are reported in the Response.
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// HTTPOriginConfig configures an HTTPOrigin.
type HTTPOriginConfig struct {
	// Timeout bounds each request. Zero means DefaultFetchTimeout.
	Timeout time.Duration

	// RequestsPerSecond limits the request rate. Zero means unlimited.
	RequestsPerSecond float64

	// Burst is the limiter burst size; at least 1 when a rate is set.
	Burst int

	// UserAgent is sent with every request when set.
	UserAgent string
}

// HTTPOrigin is an Origin over HTTP. Redirects are never followed because the
// origin uses 301 to signal a permanently missing resource.
type HTTPOrigin struct {
	client  *resty.Client
	limiter *rate.Limiter
}

// NewHTTPOrigin creates an HTTP origin.
func NewHTTPOrigin(cfg HTTPOriginConfig) *HTTPOrigin {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}))
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}

	o := &HTTPOrigin{client: client}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return o
}

// Fetch implements Origin.
func (o *HTTPOrigin) Fetch(ctx context.Context, req Request) (*Response, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit %s: %w", req.URL, err)
		}
	}

	resp, err := o.client.R().SetContext(ctx).Get(req.URL)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", req.URL, err)
	}

	return &Response{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       resp.Body(),
	}, nil
}
