package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/byte4ever/reqguard"
)

// DefaultMaxBodyBytes bounds the response body read by a [Runtime].
const DefaultMaxBodyBytes = 10 << 20

// ErrBodyTooLarge is returned when a response body exceeds the configured
// limit.
var ErrBodyTooLarge = errors.New("httpx: response body too large")

type (
	// Runtime adapts an [http.Client] to [reqguard.Runtime].
	Runtime struct {
		hc       *http.Client
		header   http.Header
		maxBytes int64
	}

	// Option configures a [Runtime].
	Option func(*Runtime)
)

// WithMaxBodyBytes bounds the response body size.
func WithMaxBodyBytes(n int64) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

// WithHeader adds a header sent with every request, such as User-Agent.
func WithHeader(key, value string) Option {
	return func(r *Runtime) { r.header.Add(key, value) }
}

// New creates a Runtime using hc; a nil hc uses [http.DefaultClient].
func New(hc *http.Client, opts ...Option) *Runtime {
	if hc == nil {
		hc = http.DefaultClient
	}

	r := &Runtime{
		hc:       hc,
		header:   make(http.Header),
		maxBytes: DefaultMaxBodyBytes,
	}

	for _, o := range opts {
		o(r)
	}

	return r
}

// Do implements [reqguard.Runtime]. The exchange is bound to ctx, so a
// timed-out attempt closes its connection.
func (r *Runtime) Do(ctx context.Context, req *reqguard.Request) (*reqguard.Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	hr, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("httpx: build request: %w", err)
	}

	for k, vs := range r.header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}

	for k, vs := range req.Header {
		hr.Header[k] = append([]string(nil), vs...)
	}

	if req.Body != nil && hr.Header.Get("Content-Type") == "" {
		hr.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.hc.Do(hr)
	if err != nil {
		return nil, err //nolint:wrapcheck // *url.Error is classified by reqguard
	}

	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		return nil, err //nolint:wrapcheck // read failures are classified as NETWORK
	}

	if int64(len(data)) > r.maxBytes {
		return nil, &reqguard.ParseError{Err: ErrBodyTooLarge}
	}

	return &reqguard.Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   data,
	}, nil
}
