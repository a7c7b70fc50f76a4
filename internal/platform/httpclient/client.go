// Package httpclient is the outbound HTTP client used for report service calls. It
// logs every attempt and retries transport failures and retryable statuses.
//
// POST is retried only when the request carries an Idempotency-Key header, so a
// retried call cannot produce a second side effect at a server that honours the key.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	randv2 "math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"
)

// IdempotencyHeader is the request header that makes POST retryable.
const IdempotencyHeader = "Idempotency-Key"

const (
	maxReplayBody = 1 << 20
	maxDrain      = 256 << 10
)

// ErrReplayBodyTooLarge is returned when a request body is too big to buffer for
// replay.
var ErrReplayBodyTooLarge = errors.New("httpclient: request body too large to replay")

// StatusError reports the last retryable status once retries are used up.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d after retries", e.Method, e.URL, e.StatusCode)
}

// Client sends requests through an http.Client, retrying as configured.
type Client struct {
	http    *http.Client
	log     *slog.Logger
	headers http.Header

	retries int
	base    time.Duration
	ceiling time.Duration
	budget  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each attempt. Zero keeps the 30s default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRetries allows n retries. The wait before retry k is base*2^(k-1) plus up to
// the same again in jitter, unless the server sent Retry-After.
func WithRetries(n int, base time.Duration) Option {
	return func(c *Client) {
		c.retries = max(n, 0)
		if base > 0 {
			c.base = base
		}
	}
}

// WithMaxBackoff caps one wait.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) { c.ceiling = d }
}

// WithMaxRetryDuration caps the time from the first attempt to the start of the
// last one.
func WithMaxRetryDuration(d time.Duration) Option {
	return func(c *Client) { c.budget = d }
}

// WithHeaders sets headers on every request that does not set them itself. Empty
// values are ignored.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) {
		for k, v := range h {
			if v != "" {
				c.headers.Set(k, v)
			}
		}
	}
}

func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.http.Transport = rt
		}
	}
}

// New returns a Client with a pooled transport, a 30s attempt timeout and no
// retries unless opts say otherwise.
func New(opts ...Option) *Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 16
	tr.IdleConnTimeout = 90 * time.Second

	c := &Client{
		http:    &http.Client{Timeout: 30 * time.Second, Transport: tr},
		log:     slog.Default(),
		headers: make(http.Header),
		base:    200 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Do sends req under ctx. It returns the first response that is not retried, which
// the caller must close, or the last failure once retries or ctx run out.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := makeReplayable(req); err != nil {
		return nil, err
	}
	retries := 0
	if c.mayRetry(req) {
		retries = c.retries
	}

	began := time.Now()
	var last error
	for n := 0; ; n++ {
		attempt, err := c.prepare(ctx, req)
		if err != nil {
			return nil, err
		}
		url := attempt.URL.Redacted()

		sent := time.Now()
		resp, err := c.http.Do(attempt)
		again, hint := classify(resp, err)
		if !again {
			if err != nil {
				c.log.WarnContext(ctx, "http request failed",
					"method", attempt.Method, "url", url, "attempt", n+1, "error", err)
				return nil, err
			}
			c.log.DebugContext(ctx, "http request",
				"method", attempt.Method, "url", url, "status", resp.StatusCode,
				"dur", time.Since(sent), "attempt", n+1)
			return resp, nil
		}

		last = err
		if err == nil {
			last = &StatusError{Method: attempt.Method, URL: url, StatusCode: resp.StatusCode}
		}
		if n >= retries {
			return nil, last
		}

		wait := c.wait(n, hint)
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
			return nil, fmt.Errorf("%w: %w", context.DeadlineExceeded, last)
		}
		if c.budget > 0 && time.Since(began)+wait > c.budget {
			return nil, fmt.Errorf("retry budget exceeded: %w", last)
		}
		c.log.WarnContext(ctx, "http request retry",
			"method", attempt.Method, "url", url, "attempt", n+1, "left", retries-n,
			"wait", wait, "idempotent", attempt.Header.Get(IdempotencyHeader) != "", "error", last)

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
}

func (c *Client) mayRetry(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	case http.MethodPost:
		return req.Header.Get(IdempotencyHeader) != ""
	}
	return false
}

// prepare clones req for one attempt with a fresh body and the default headers.
func (c *Client) prepare(ctx context.Context, req *http.Request) (*http.Request, error) {
	r := req.Clone(ctx)
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	for k, v := range c.headers {
		if r.Header.Get(k) == "" {
			r.Header[k] = v
		}
	}
	if r.GetBody != nil {
		body, err := r.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	return r, nil
}

func (c *Client) wait(n int, hint time.Duration) time.Duration {
	d := hint
	if d <= 0 {
		d = c.base << n
		if d > 0 {
			d += randv2.N(d)
		}
	}
	if c.ceiling > 0 {
		d = min(d, c.ceiling)
	}
	return d
}

// makeReplayable buffers a body that cannot be re-read so every attempt sends it.
func makeReplayable(req *http.Request) error {
	if req.Body == nil || req.GetBody != nil {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(req.Body, maxReplayBody+1))
	_ = req.Body.Close()
	if err != nil {
		return err
	}
	if len(buf) > maxReplayBody {
		return ErrReplayBodyTooLarge
	}
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf)), nil }
	return nil
}

// classify says whether an attempt should be repeated, with the delay the server
// asked for. A response that will be retried is drained and closed here.
func classify(resp *http.Response, err error) (bool, time.Duration) {
	if err != nil {
		return transient(err), 0
	}
	var hint time.Duration
	switch code := resp.StatusCode; {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly:
	case code == http.StatusTooManyRequests, code >= 500:
		hint = parseRetryAfter(resp.Header.Get("Retry-After"))
	default:
		return false, 0
	}
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrain)
	_ = resp.Body.Close()
	return true, hint
}

// transient reports transport failures worth another attempt. Context errors never
// are: the caller gave up.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	for _, errno := range []error{
		syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED, syscall.EPIPE,
		syscall.ENETDOWN, syscall.ENETUNREACH, syscall.EHOSTUNREACH, syscall.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var dns *net.DNSError
	if errors.As(err, &dns) && dns.IsTemporary {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return max(time.Until(at), 0)
	}
	return 0
}
