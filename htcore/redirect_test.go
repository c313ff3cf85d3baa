package htcore

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubResponse(status int, hdr map[string]string) *Response {
	h := Header{}
	for k, v := range hdr {
		h.Set(k, v)
	}
	return &Response{
		Status:     "stub",
		StatusCode: status,
		Proto:      "HTTP/1.1",
		Header:     h,
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func TestRedirect_FollowsRelativeLocation(t *testing.T) {
	var urls []string
	inner := SenderFunc(func(req *Request) (*Response, error) {
		urls = append(urls, req.URL.String())
		if len(urls) == 1 {
			return stubResponse(302, map[string]string{"Location": "/moved"}), nil
		}
		return stubResponse(200, nil), nil
	})
	a := &RedirectAdapter{Next: inner}

	resp, err := a.Send(testRequest(t, "GET", "http://example.com/start", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"http://example.com/start", "http://example.com/moved"}, urls)
	require.Len(t, resp.History, 1)
	assert.Equal(t, 302, resp.History[0].StatusCode)
}

func TestRedirect_303SwitchesToGET(t *testing.T) {
	var methods []string
	var hadBody []bool
	inner := SenderFunc(func(req *Request) (*Response, error) {
		methods = append(methods, req.Method)
		hadBody = append(hadBody, req.Body != nil)
		if len(methods) == 1 {
			return stubResponse(303, map[string]string{"Location": "/result"}), nil
		}
		assert.Empty(t, req.Header.Get("Content-Type"))
		return stubResponse(200, nil), nil
	})
	a := &RedirectAdapter{Next: inner}

	req := testRequest(t, "POST", "http://example.com/form", "payload")
	req.Header.Set("Content-Type", "text/plain")
	resp, err := a.Send(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"POST", "GET"}, methods)
	assert.Equal(t, []bool{true, false}, hadBody)
}

func TestRedirect_HeadStaysHeadOn303(t *testing.T) {
	var methods []string
	inner := SenderFunc(func(req *Request) (*Response, error) {
		methods = append(methods, req.Method)
		if len(methods) == 1 {
			return stubResponse(303, map[string]string{"Location": "/x"}), nil
		}
		return stubResponse(200, nil), nil
	})
	_, err := (&RedirectAdapter{Next: inner}).Send(testRequest(t, "HEAD", "http://example.com/", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"HEAD", "HEAD"}, methods)
}

func TestRedirect_302SwitchesNonHeadToGET(t *testing.T) {
	var methods []string
	var hadBody []bool
	inner := SenderFunc(func(req *Request) (*Response, error) {
		methods = append(methods, req.Method)
		hadBody = append(hadBody, req.Body != nil)
		if len(methods) == 1 {
			return stubResponse(302, map[string]string{"Location": "/found"}), nil
		}
		return stubResponse(200, nil), nil
	})
	a := &RedirectAdapter{Next: inner}

	resp, err := a.Send(testRequest(t, "PUT", "http://example.com/resource", "payload"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"PUT", "GET"}, methods)
	assert.Equal(t, []bool{true, false}, hadBody)
}

func TestRedirect_301KeepsNonPostMethod(t *testing.T) {
	var methods []string
	inner := SenderFunc(func(req *Request) (*Response, error) {
		methods = append(methods, req.Method)
		if len(methods) == 1 {
			return stubResponse(301, map[string]string{"Location": "/moved"}), nil
		}
		return stubResponse(200, nil), nil
	})
	_, err := (&RedirectAdapter{Next: inner}).Send(testRequest(t, "PUT", "http://example.com/resource", "payload"))
	require.NoError(t, err)
	assert.Equal(t, []string{"PUT", "PUT"}, methods)
}

func TestRedirect_307ReplaysBody(t *testing.T) {
	var bodies []string
	inner := SenderFunc(func(req *Request) (*Response, error) {
		b, _ := io.ReadAll(req.Body)
		bodies = append(bodies, string(b))
		if len(bodies) == 1 {
			return stubResponse(307, map[string]string{"Location": "/retry"}), nil
		}
		return stubResponse(200, nil), nil
	})
	a := &RedirectAdapter{Next: inner}

	resp, err := a.Send(testRequest(t, "POST", "http://example.com/submit", "again"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"again", "again"}, bodies)
}

func TestRedirect_307WithoutGetBodyFails(t *testing.T) {
	inner := SenderFunc(func(req *Request) (*Response, error) {
		return stubResponse(307, map[string]string{"Location": "/retry"}), nil
	})
	req := testRequest(t, "POST", "http://example.com/submit", strings.NewReader("stream"))
	_, err := (&RedirectAdapter{Next: inner}).Send(req)
	assert.ErrorIs(t, err, ErrRedirectBodyUnavailable)
}

func TestRedirect_StripsAuthorizationCrossOrigin(t *testing.T) {
	var auth []string
	inner := SenderFunc(func(req *Request) (*Response, error) {
		auth = append(auth, req.Header.Get("Authorization"))
		switch len(auth) {
		case 1:
			return stubResponse(302, map[string]string{"Location": "http://other.example.org/"}), nil
		case 2:
			return stubResponse(302, map[string]string{"Location": "/same-origin"}), nil
		}
		return stubResponse(200, nil), nil
	})
	req := testRequest(t, "GET", "http://example.com/", nil)
	req.Header.Set("Authorization", "Bearer s3cr3t")
	_, err := (&RedirectAdapter{Next: inner}).Send(req)
	require.NoError(t, err)
	// Dropped when leaving the origin, and it stays dropped.
	assert.Equal(t, []string{"Bearer s3cr3t", "", ""}, auth)
}

func TestRedirect_LoopDetected(t *testing.T) {
	inner := SenderFunc(func(req *Request) (*Response, error) {
		target := "/b"
		if req.URL.Path == "/b" {
			target = "/a"
		}
		return stubResponse(302, map[string]string{"Location": target}), nil
	})
	_, err := (&RedirectAdapter{Next: inner}).Send(testRequest(t, "GET", "http://example.com/a", nil))
	assert.ErrorIs(t, err, ErrRedirectLoop)
	var re *RedirectError
	require.ErrorAs(t, err, &re)
	assert.NotEmpty(t, re.History)
}

func TestRedirect_TooMany(t *testing.T) {
	n := 0
	inner := SenderFunc(func(req *Request) (*Response, error) {
		n++
		return stubResponse(302, map[string]string{"Location": "/hop" + string(rune('a'+n))}), nil
	})
	a := &RedirectAdapter{Next: inner, MaxRedirects: 3}
	_, err := a.Send(testRequest(t, "GET", "http://example.com/", nil))
	assert.ErrorIs(t, err, ErrTooManyRedirects)
	assert.Equal(t, 4, n)
}

func TestRedirect_DoesNotMutateOriginal(t *testing.T) {
	inner := SenderFunc(func(req *Request) (*Response, error) {
		if req.URL.Path == "/" {
			return stubResponse(302, map[string]string{"Location": "/next"}), nil
		}
		return stubResponse(200, nil), nil
	})
	req := testRequest(t, "GET", "http://example.com/", nil)
	req.Header.Set("X-Keep", "1")
	_, err := (&RedirectAdapter{Next: inner}).Send(req)
	require.NoError(t, err)
	assert.Equal(t, "/", req.URL.Path)
	assert.Equal(t, "1", req.Header.Get("X-Keep"))
}

func TestRedirect_PassesErrorsThrough(t *testing.T) {
	sentinel := errors.New("boom")
	inner := SenderFunc(func(req *Request) (*Response, error) { return nil, sentinel })
	_, err := (&RedirectAdapter{Next: inner}).Send(testRequest(t, "GET", "http://example.com/", nil))
	assert.ErrorIs(t, err, sentinel)
}
