// Package httpkit builds the outbound HTTP clients for the engine and
// the job source.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/careerdesk/counselor/internal/buildinfo"
)

// Transport defaults shared by every outbound client.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultResponseHeader      = 30 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5

	defaultClientTimeout = 30 * time.Second
	errorBodyLimit       = 4 << 10
)

// ClientOption adjusts a client built by NewClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	timeout  time.Duration
	base     *http.Transport
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

// WithTimeout caps the whole exchange. Zero leaves it to the request
// context.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.timeout = d }
}

// WithTransport swaps the pooled transport.
func WithTransport(t *http.Transport) ClientOption {
	return func(o *clientOptions) { o.base = t }
}

// WithRetry re-sends a request up to count more times when the dial
// never reached the engine or job source, sleeping delay between tries.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.attempts = count
		o.backoff = delay
	}
}

// WithLogger receives one debug line per retry.
func WithLogger(l *slog.Logger) ClientOption {
	return func(o *clientOptions) { o.log = l }
}

// NewTransport returns a pooled transport tuned for long-lived API
// connections.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: DefaultDialTimeout, KeepAlive: DefaultKeepAlive}
	t := &http.Transport{Proxy: http.ProxyFromEnvironment, DialContext: dialer.DialContext}
	t.TLSHandshakeTimeout = DefaultTLSHandshakeTimeout
	t.ResponseHeaderTimeout = DefaultResponseHeader
	t.IdleConnTimeout = DefaultIdleConnTimeout
	t.MaxIdleConns = DefaultMaxIdleConns
	t.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	t.ForceAttemptHTTP2 = true
	return t
}

// NewClient returns a client that stamps the Counselor User-Agent on
// every request lacking one.
func NewClient(opts ...ClientOption) *http.Client {
	o := clientOptions{timeout: defaultClientTimeout}
	for _, apply := range opts {
		apply(&o)
	}
	if o.base == nil {
		o.base = NewTransport()
	}

	var rt http.RoundTripper = stampAgent{next: o.base, agent: buildinfo.UserAgent()}
	if o.attempts > 0 {
		rt = &retryTransport{base: rt, count: o.attempts, delay: o.backoff, logger: o.log}
	}
	return &http.Client{Timeout: o.timeout, Transport: rt}
}

type stampAgent struct {
	next  http.RoundTripper
	agent string
}

func (s stampAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return s.next.RoundTrip(req)
	}
	stamped := req.Clone(req.Context())
	stamped.Header.Set("User-Agent", s.agent)
	return s.next.RoundTrip(stamped)
}

type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	attempt := req
	for n := 0; ; n++ {
		resp, err := t.base.RoundTrip(attempt)
		if err == nil || !isRetryableError(err) || !rewindable || n >= t.count {
			return resp, err
		}
		if t.logger != nil {
			t.logger.Debug("dial failed, retrying",
				"method", req.Method, "host", req.URL.Host, "retry", n+1, "error", err)
		}

		wait := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			wait.Stop()
			return nil, req.Context().Err()
		case <-wait.C:
		}

		attempt = req.Clone(req.Context())
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", berr)
			}
			attempt.Body = body
		}
	}
}

// isRetryableError reports whether err proves the request never left
// the host. A reset connection does not qualify since a run or a
// tool-output batch may already have been accepted.
func isRetryableError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ECONNREFUSED || errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH
}

// StatusError carries a non-2xx reply from an upstream API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// CheckStatus passes 2xx replies through. Any other reply is consumed
// and closed and comes back as a *StatusError.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: ReadErrorBody(resp.Body, errorBodyLimit)}
}

// ReadErrorBody returns at most limit bytes of rc and closes it after
// discarding a bounded tail, so the connection can be reused.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer rc.Close()
	head, err := io.ReadAll(io.LimitReader(rc, limit))
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 1<<10))
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(head)
}
