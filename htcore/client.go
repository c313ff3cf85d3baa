package htcore

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"dqx0.com/go/htcore/internal/obs"
)

// Client is the assembled stack: a connection pool wrapped by the fixed
// adapter pipeline (redirects, environment, cookies, auth). The zero
// value is usable; configuration fields must not change after the first
// request.
type Client struct {
	Timeouts Timeouts
	Limits   PoolLimits
	Dialer   Dialer
	// Proxy routes every request through the given gateway. When nil
	// and TrustEnv is set, the environment decides per request.
	Proxy    *url.URL
	TrustEnv bool
	// Credential authenticates requests; see BasicAuth and BearerAuth.
	Credential Credential
	// Jar overrides the default public-suffix aware cookie jar.
	Jar http.CookieJar
	// ForceHTTP2 dials with prior knowledge (h2c for cleartext).
	ForceHTTP2   bool
	MaxRedirects int

	DisableCookies       bool
	DisableRedirects     bool
	DisableDecompression bool

	Logger zerolog.Logger
	Meter  obs.Meter

	once     sync.Once
	pool     *ConnectionPool
	pipeline Sender
	initErr  error
}

func (c *Client) init() {
	meter := c.Meter
	if meter == nil {
		meter = obs.NopMeter{}
	}
	c.pool = NewConnectionPool(c.Limits, c.Timeouts, c.Dialer)
	c.pool.ForceHTTP2 = c.ForceHTTP2
	c.pool.Logger = c.Logger
	c.pool.Meter = meter

	jar := c.Jar
	if jar == nil && !c.DisableCookies {
		jar, c.initErr = NewCookieJar()
		if c.initErr != nil {
			return
		}
	}

	var s Sender = c.pool
	s = &AuthAdapter{Next: s, Credential: c.Credential}
	s = &CookieAdapter{Next: s, Jar: jar}
	s = &EnvironmentAdapter{Next: s, TrustEnv: c.TrustEnv, Logger: c.Logger}
	if !c.DisableRedirects {
		s = &RedirectAdapter{Next: s, MaxRedirects: c.MaxRedirects, Logger: c.Logger}
	}
	c.pipeline = s
}

// Do performs the request through the full pipeline.
func (c *Client) Do(req *Request) (*Response, error) {
	c.once.Do(c.init)
	if c.initErr != nil {
		return nil, c.initErr
	}

	r2 := c.prepare(req)
	c.Logger.Debug().
		Str("method", r2.Method).
		Str("url", r2.URL.String()).
		Str("request_id", r2.RequestID).
		Msg("request start")

	resp, err := c.pipeline.Send(r2)
	if err != nil {
		c.Logger.Debug().Str("request_id", r2.RequestID).Err(err).Msg("request failed")
		return nil, err
	}
	if !c.DisableDecompression && req.Method != "HEAD" {
		decompressResponse(resp)
	}
	c.Logger.Debug().
		Str("request_id", r2.RequestID).
		Int("status", resp.StatusCode).
		Msg("request done")
	return resp, nil
}

// prepare stamps correlation and trace headers the way services expect
// them: an X-Request-ID for log joins and a W3C Traceparent continuing
// any trace found on the context.
func (c *Client) prepare(req *Request) *Request {
	r2 := req.Clone()
	ctx := r2.Context()

	if r2.RequestID == "" {
		if id, ok := RequestIDFrom(ctx); ok {
			r2.RequestID = id
		} else {
			r2.RequestID = genID()
		}
	}
	if r2.Header.Get("X-Request-ID") == "" {
		r2.Header.Set("X-Request-ID", r2.RequestID)
	}
	if r2.Header.Get("Traceparent") == "" {
		tid := ""
		if tr, ok := TraceFrom(ctx); ok && tr.TraceID != "" {
			tid = tr.TraceID
		}
		if tid == "" {
			tid = genTraceID()
		}
		r2.Header.Set("Traceparent", formatTraceparent(tid, genSpanID(), "01"))
	}
	if !c.DisableDecompression && r2.Header.Get("Accept-Encoding") == "" {
		r2.Header.Set("Accept-Encoding", acceptedEncodings)
	}
	if r2.Proxy == nil && c.Proxy != nil {
		r2.Proxy = c.Proxy
	}
	return r2
}

// Get issues a GET for the URL.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.send(ctx, "GET", url, "", nil)
}

// Head issues a HEAD for the URL.
func (c *Client) Head(ctx context.Context, url string) (*Response, error) {
	return c.send(ctx, "HEAD", url, "", nil)
}

// Post issues a POST with the given content type and body.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*Response, error) {
	return c.send(ctx, "POST", url, contentType, body)
}

// Put issues a PUT with the given content type and body.
func (c *Client) Put(ctx context.Context, url, contentType string, body io.Reader) (*Response, error) {
	return c.send(ctx, "PUT", url, contentType, body)
}

// Delete issues a DELETE for the URL.
func (c *Client) Delete(ctx context.Context, url string) (*Response, error) {
	return c.send(ctx, "DELETE", url, "", nil)
}

func (c *Client) send(ctx context.Context, method, url, contentType string, body io.Reader) (*Response, error) {
	var b interface{}
	if body != nil {
		b = body
	}
	req, err := NewRequest(method, url, b)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.Do(req.WithContext(ctx))
}

// CloseIdleConnections releases pooled connections without shutting the
// client down.
func (c *Client) CloseIdleConnections() {
	c.once.Do(c.init)
	if c.pool != nil {
		c.pool.CloseIdleConnections()
	}
}

// Close shuts down the underlying pool. In-flight exchanges finish;
// their connections are closed on release.
func (c *Client) Close() {
	c.once.Do(c.init)
	if c.pool != nil {
		c.pool.Close()
	}
}
