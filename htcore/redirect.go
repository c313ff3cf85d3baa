package htcore

import (
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// RedirectAdapter follows 3xx responses up to MaxRedirects hops.
// Consumed redirect responses are drained and recorded on the final
// response's History in the order they happened.
type RedirectAdapter struct {
	Next         Sender
	MaxRedirects int
	Logger       zerolog.Logger
}

func (a *RedirectAdapter) Send(req *Request) (*Response, error) {
	max := a.MaxRedirects
	if max <= 0 {
		max = DefaultMaxRedirects
	}

	var history []*Response
	seen := map[string]bool{req.URL.String(): true}
	cur := req
	for {
		resp, err := a.Next.Send(cur)
		if err != nil {
			if len(history) > 0 {
				return nil, &RedirectError{Err: err, History: history}
			}
			return nil, err
		}
		if !resp.IsRedirect() {
			resp.History = append(history, resp.History...)
			return resp, nil
		}

		if len(history) >= max {
			discard(resp)
			return nil, &RedirectError{Err: ErrTooManyRedirects, History: history}
		}
		next, err := a.redirectTarget(cur, resp)
		if err != nil {
			discard(resp)
			return nil, err
		}
		if seen[next.URL.String()] {
			discard(resp)
			return nil, &RedirectError{Err: ErrRedirectLoop, History: history}
		}
		seen[next.URL.String()] = true

		a.Logger.Debug().
			Int("status", resp.StatusCode).
			Str("location", next.URL.String()).
			Str("request_id", req.RequestID).
			Msg("following redirect")

		discard(resp)
		history = append(append(history, resp.History...), resp)
		resp.History = nil
		cur = next
	}
}

// redirectTarget derives the follow-up request from resp. Method and
// body rewriting follow long-standing browser behavior: 302 and 303
// switch every method except HEAD to GET, 301 switches POST to GET,
// 307 and 308 keep the method and replay the body.
func (a *RedirectAdapter) redirectTarget(cur *Request, resp *Response) (*Request, error) {
	loc := resp.Header.Get("Location")
	u, err := cur.URL.Parse(loc)
	if err != nil {
		return nil, protocolErr("malformed Location %q: %v", loc, err)
	}
	u.Fragment = cur.URL.Fragment

	next := cur.Clone()
	next.URL = u

	method := cur.Method
	switch resp.StatusCode {
	case 302, 303:
		if method != "HEAD" {
			method = "GET"
		}
	case 301:
		if method == "POST" {
			method = "GET"
		}
	}
	next.Method = method

	if method != cur.Method {
		next.Body = nil
		next.GetBody = nil
		next.ContentLength = 0
		next.Header.Del("Content-Length")
		next.Header.Del("Content-Type")
		next.Header.Del("Transfer-Encoding")
	} else if cur.Body != nil {
		if cur.GetBody == nil {
			return nil, ErrRedirectBodyUnavailable
		}
		body, err := cur.GetBody()
		if err != nil {
			return nil, err
		}
		next.Body = body
	}

	if crossOrigin(cur, next) {
		next.Header.Del("Authorization")
		next.Host = ""
	}
	return next, nil
}

func crossOrigin(a, b *Request) bool {
	oa, erra := OriginOf(a.URL)
	ob, errb := OriginOf(b.URL)
	if erra != nil || errb != nil {
		return true
	}
	return oa != ob
}

// discard drains and closes a consumed response body so its connection
// can go back to the pool.
func discard(resp *Response) {
	if resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	resp.Body = io.NopCloser(strings.NewReader(""))
}
