package htcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCookieAdapter_RoundTrip(t *testing.T) {
	jar, err := NewCookieJar()
	require.NoError(t, err)

	var sent []string
	inner := SenderFunc(func(req *Request) (*Response, error) {
		sent = append(sent, req.Header.Get("Cookie"))
		if len(sent) == 1 {
			return stubResponse(200, map[string]string{"Set-Cookie": "session=abc123; Path=/"}), nil
		}
		return stubResponse(200, nil), nil
	})
	a := &CookieAdapter{Next: inner, Jar: jar}

	_, err = a.Send(testRequest(t, "GET", "http://example.com/login", nil))
	require.NoError(t, err)
	_, err = a.Send(testRequest(t, "GET", "http://example.com/home", nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"", "session=abc123"}, sent)
}

func TestCookieAdapter_DomainIsolation(t *testing.T) {
	jar, err := NewCookieJar()
	require.NoError(t, err)

	var sent []string
	inner := SenderFunc(func(req *Request) (*Response, error) {
		sent = append(sent, req.Header.Get("Cookie"))
		if len(sent) == 1 {
			return stubResponse(200, map[string]string{"Set-Cookie": "site=a"}), nil
		}
		return stubResponse(200, nil), nil
	})
	a := &CookieAdapter{Next: inner, Jar: jar}

	_, err = a.Send(testRequest(t, "GET", "http://a.example.com/", nil))
	require.NoError(t, err)
	_, err = a.Send(testRequest(t, "GET", "http://b.example.com/", nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"", ""}, sent, "cookies must not leak across hosts")
}

func TestCookieAdapter_MergesExplicitCookieHeader(t *testing.T) {
	jar, err := NewCookieJar()
	require.NoError(t, err)

	var sent []string
	inner := SenderFunc(func(req *Request) (*Response, error) {
		sent = append(sent, req.Header.Get("Cookie"))
		if len(sent) == 1 {
			return stubResponse(200, map[string]string{"Set-Cookie": "fromjar=1"}), nil
		}
		return stubResponse(200, nil), nil
	})
	a := &CookieAdapter{Next: inner, Jar: jar}

	_, err = a.Send(testRequest(t, "GET", "http://example.com/", nil))
	require.NoError(t, err)

	req := testRequest(t, "GET", "http://example.com/", nil)
	req.Header.Set("Cookie", "manual=1")
	_, err = a.Send(req)
	require.NoError(t, err)

	assert.Equal(t, []string{"", "manual=1; fromjar=1"}, sent)
	assert.Equal(t, "manual=1", req.Header.Get("Cookie"), "caller's request stays untouched")
}

func TestCookieAdapter_NilJarPassesThrough(t *testing.T) {
	inner := SenderFunc(func(req *Request) (*Response, error) {
		return stubResponse(200, map[string]string{"Set-Cookie": "x=1"}), nil
	})
	a := &CookieAdapter{Next: inner}
	_, err := a.Send(testRequest(t, "GET", "http://example.com/", nil))
	require.NoError(t, err)
}
