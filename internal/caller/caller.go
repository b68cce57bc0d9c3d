// Package caller performs the outbound HTTP request of a job.
package caller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultTimeout = 10 * time.Second
	MaxBodyBytes   = 64 << 10
	maxHeaders     = 50
	maxHeaderValue = 1024
	userAgent      = "cronrelay/1.0"
)

type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    *string
}

// Result describes one call. Transport failures and timeouts have Status 0
// and carry the failure text in Body.
type Result struct {
	Status     int
	Headers    map[string]string
	Body       string
	TimedOut   bool
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r Result) Success() bool { return r.Status >= 200 && r.Status < 300 }

func (r Result) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

type Client struct {
	http    *http.Client
	timeout time.Duration
}

// New returns a client that aborts each call after timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		timeout: timeout,
	}
}

func (c *Client) Timeout() time.Duration { return c.timeout }

// TimeoutMarker is the body recorded for a call that hit the timeout.
func (c *Client) TimeoutMarker() string {
	return fmt.Sprintf("request timeout (%s)", c.timeout)
}

// Do performs req. It never returns an error: every failure is described by
// the Result.
func (c *Client) Do(ctx context.Context, req Request) Result {
	res := Result{StartedAt: time.Now()}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil && method != http.MethodGet && method != http.MethodHead {
		body = strings.NewReader(*req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return c.failed(ctx, res, fmt.Errorf("failed to create HTTP request: %w", err))
	}
	httpReq.Header.Set("User-Agent", userAgent)
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return c.failed(ctx, res, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// Keep what arrived before the stream broke.
		raw = append(raw, []byte("\n[truncated: "+err.Error()+"]")...)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return c.failed(ctx, res, ctx.Err())
	}

	res.Status = resp.StatusCode
	res.Headers = truncateHeaders(resp.Header)
	res.Body = strings.ToValidUTF8(string(raw), "�")
	res.FinishedAt = time.Now()
	return res
}

func (c *Client) failed(ctx context.Context, res Result, err error) Result {
	res.Status = 0
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.Body = c.TimeoutMarker()
	} else {
		res.Body = err.Error()
	}
	res.FinishedAt = time.Now()
	return res
}

func truncateHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(out) == maxHeaders {
			break
		}
		if len(v) == 0 {
			continue
		}
		value := v[0]
		if len(value) > maxHeaderValue {
			value = value[:maxHeaderValue]
		}
		out[k] = strings.ToValidUTF8(value, "�")
	}
	return out
}
