// Package connector holds the HTTP plumbing shared by the upstream
// service connectors and the publisher: base-URL normalisation,
// time-bounded GETs with a small retry budget, single-shot PUTs, and
// status classification into syncerr kinds.
package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	appLog "mediadigest/internal/log"
	"mediadigest/internal/syncerr"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultAttempts   = 2
	defaultRetryDelay = 500 * time.Millisecond

	// maxBodyBytes caps a single response; library listings can be large
	// but never this large.
	maxBodyBytes = 32 << 20
)

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	Timeout    time.Duration
	Attempts   int
	RetryDelay time.Duration
	// HTTPClient replaces the internally built client (its Timeout is
	// overwritten by Timeout when that is set).
	HTTPClient *http.Client
}

// Client issues requests against one upstream service.
type Client struct {
	service    string
	base       *url.URL
	headers    http.Header
	http       *http.Client
	attempts   uint
	retryDelay time.Duration
	maxBody    int64

	// InsecureDefault is true when the configured address had no scheme
	// and plain http was assumed.
	InsecureDefault bool
}

// Response is a fully read 2xx response.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// NormalizeBaseURL parses a configured service address. An address without
// a scheme gets "http://"; insecure reports that this happened so callers
// can warn. It is a compatibility affordance for addresses like
// "plex.lan:32400", not a recommendation.
func NormalizeBaseURL(raw string) (u *url.URL, insecure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false, errors.New("empty base url")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
		insecure = true
	}
	u, err = url.Parse(raw)
	if err != nil {
		return nil, false, fmt.Errorf("parse base url: %w", err)
	}
	if u.Host == "" {
		return nil, false, fmt.Errorf("base url %q has no host", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, insecure, nil
}

// New builds a Client for service at baseURL. Callers check credentials
// before calling New so that a missing credential never reaches the wire.
func New(service, baseURL string, headers http.Header, opts Options) (*Client, error) {
	u, insecure, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	if insecure {
		appLog.Warn("base url has no scheme; assuming plain http", "service", service, "url", u.Host)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	hc.Timeout = timeout

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	return &Client{
		service:         service,
		base:            u,
		headers:         headers.Clone(),
		http:            hc,
		attempts:        uint(attempts),
		retryDelay:      delay,
		maxBody:         maxBodyBytes,
		InsecureDefault: insecure,
	}, nil
}

// Service is the name used in logs and errors.
func (c *Client) Service() string { return c.service }

// URL resolves path (and query) against the base URL, keeping any path
// prefix the base carries (reverse-proxy setups such as /sonarr).
func (c *Client) URL(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Get performs a GET with the client's headers plus extra. Transport
// errors and 5xx/429 responses are retried; any other non-2xx fails at
// once. Those failures are *syncerr.Error of kind UpstreamUnavailable; a
// body over the size cap is MalformedPayload and is not retried.
func (c *Client) Get(ctx context.Context, path string, query url.Values, extra http.Header) (Response, error) {
	target := c.URL(path, query)

	var (
		resp    Response
		lastErr *syncerr.Error
	)
	err := retry.Do(
		func() error {
			r, err := c.do(ctx, http.MethodGet, target, path, nil, extra)
			if err != nil {
				lastErr = err
				return err
			}
			resp = r
			lastErr = nil
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool {
			return lastErr != nil && transient(lastErr.Status) && ctx.Err() == nil
		}),
		retry.OnRetry(func(n uint, err error) {
			appLog.Warn("upstream request failed; retrying", "service", c.service, "endpoint", path, "attempt", n+1, "err", err)
		}),
	)
	if lastErr != nil {
		return Response{}, lastErr
	}
	if err != nil {
		return Response{}, syncerr.Upstream(c.service, path, 0, err)
	}
	return resp, nil
}

// Put sends body once; writes are never retried. A non-2xx status comes
// back as *syncerr.Error of kind UpstreamUnavailable with Status set so
// the caller can reclassify it.
func (c *Client) Put(ctx context.Context, path string, body []byte, contentType string) (Response, error) {
	extra := http.Header{}
	extra.Set("Content-Type", contentType)
	resp, err := c.do(ctx, http.MethodPut, c.URL(path, nil), path, body, extra)
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, target, endpoint string, body []byte, extra http.Header) (Response, *syncerr.Error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return Response{}, &syncerr.Error{Kind: syncerr.KindUpstreamUnavailable, Service: c.service, Endpoint: endpoint, Err: err}
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	appLog.Debug("upstream request", "service", c.service, "method", method, "url", appLog.RedactURL(target), "endpoint", endpoint)

	res, err := c.http.Do(req)
	if err != nil {
		return Response{}, &syncerr.Error{Kind: syncerr.KindUpstreamUnavailable, Service: c.service, Endpoint: endpoint, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return Response{}, &syncerr.Error{
			Kind:     syncerr.KindUpstreamUnavailable,
			Service:  c.service,
			Endpoint: endpoint,
			Status:   res.StatusCode,
			Err:      errors.New(res.Status),
		}
	}

	payload, err := io.ReadAll(io.LimitReader(res.Body, c.maxBody+1))
	if err != nil {
		return Response{}, &syncerr.Error{Kind: syncerr.KindUpstreamUnavailable, Service: c.service, Endpoint: endpoint, Status: res.StatusCode, Err: err}
	}
	if int64(len(payload)) > c.maxBody {
		return Response{}, &syncerr.Error{
			Kind:     syncerr.KindMalformedPayload,
			Service:  c.service,
			Endpoint: endpoint,
			Status:   res.StatusCode,
			Err:      fmt.Errorf("response too large: over %d bytes", c.maxBody),
		}
	}

	return Response{
		Status:      res.StatusCode,
		ContentType: res.Header.Get("Content-Type"),
		Body:        payload,
	}, nil
}

// transient reports whether a failure with this status is worth another
// try. Status 0 means the request never got a response.
func transient(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}
