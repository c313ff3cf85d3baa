package htcore

import (
	"net/http"
	"net/http/cookiejar"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// CookieAdapter attaches jar cookies to outgoing requests and stores
// Set-Cookie fields from responses. With a nil Jar it is a
// pass-through.
type CookieAdapter struct {
	Next Sender
	Jar  http.CookieJar
}

// NewCookieJar returns a jar with public-suffix aware domain matching.
func NewCookieJar() (http.CookieJar, error) {
	return cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
}

func (a *CookieAdapter) Send(req *Request) (*Response, error) {
	if a.Jar == nil {
		return a.Next.Send(req)
	}

	r2 := req
	if cookies := a.Jar.Cookies(req.URL); len(cookies) > 0 {
		r2 = req.Clone()
		pairs := make([]string, 0, len(cookies))
		if existing := r2.Header.Get("Cookie"); existing != "" {
			pairs = append(pairs, existing)
		}
		for _, c := range cookies {
			pairs = append(pairs, c.Name+"="+c.Value)
		}
		r2.Header.Set("Cookie", strings.Join(pairs, "; "))
	}

	resp, err := a.Next.Send(r2)
	if err != nil {
		return nil, err
	}
	a.store(r2, resp)
	return resp, nil
}

func (a *CookieAdapter) store(req *Request, resp *Response) {
	values := resp.Header.Values("Set-Cookie")
	if len(values) == 0 {
		return
	}
	cookies := make([]*http.Cookie, 0, len(values))
	for _, v := range values {
		c, err := http.ParseSetCookie(v)
		if err != nil {
			continue
		}
		cookies = append(cookies, c)
	}
	if len(cookies) > 0 {
		a.Jar.SetCookies(req.URL, cookies)
	}
}
