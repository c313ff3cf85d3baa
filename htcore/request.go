package htcore

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Request describes one HTTP exchange to perform.
//
// A Request is immutable once handed to Client.Do: adapters that need
// to reshape it (redirect targets, cookie merging, auth retries) work
// on a Clone. ContentLength is -1 when unknown, in which case the body
// is sent chunked over HTTP/1.1.
type Request struct {
	Method string
	URL    *url.URL
	Header Header
	Body   io.ReadCloser
	// GetBody, if non-nil, returns a fresh copy of Body for replays
	// (307/308 redirects, auth retries). The caller must Close the
	// returned body.
	GetBody       func() (io.ReadCloser, error)
	Host          string
	ContentLength int64

	// Proxy and RootCAs are filled by the EnvironmentAdapter when
	// unset and trust-env is on; callers may also set them directly.
	Proxy   *url.URL
	RootCAs *x509.CertPool

	// RequestID correlates log events for this exchange.
	RequestID string

	ctx context.Context
}

// NewRequest builds a request for the given method and URL string.
// body may be nil, a []byte, a string, or an io.Reader; for byte and
// string bodies GetBody is populated so redirects can replay them.
func NewRequest(method, rawurl string, body interface{}) (*Request, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = "GET"
	}
	r := &Request{
		Method:        strings.ToUpper(method),
		URL:           u,
		Header:        Header{},
		ContentLength: 0,
	}
	switch b := body.(type) {
	case nil:
	case []byte:
		r.setByteBody(b)
	case string:
		r.setByteBody([]byte(b))
	case io.Reader:
		r.Body = io.NopCloser(b)
		r.ContentLength = -1
	default:
		return nil, fmt.Errorf("htcore: unsupported body type %T", body)
	}
	return r, nil
}

func (r *Request) setByteBody(b []byte) {
	r.Body = io.NopCloser(bytes.NewReader(b))
	r.ContentLength = int64(len(b))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
}

// Context returns the request's context, never nil.
func (r *Request) Context() context.Context {
	if r == nil || r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r with its context replaced.
func (r *Request) WithContext(ctx context.Context) *Request {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// Clone returns a copy with an independent header map. Body fields are
// shared; adapters that replay a body go through GetBody.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	r2 := *r
	r2.Header = r.Header.Clone()
	if r2.Header == nil {
		r2.Header = Header{}
	}
	if r.URL != nil {
		u := *r.URL
		r2.URL = &u
	}
	return &r2
}

// hostHeader resolves the Host header value for the request.
func (r *Request) hostHeader() string {
	if r.Host != "" {
		return r.Host
	}
	if o, err := OriginOf(r.URL); err == nil {
		return o.HostHeader()
	}
	return r.URL.Host
}
