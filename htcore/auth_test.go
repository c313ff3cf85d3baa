package htcore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// challengeCredential answers one 401 by switching to a session token.
type challengeCredential struct {
	applied   int
	answered  int
	canAnswer bool
	err       error
}

func (c *challengeCredential) Apply(req *Request) error {
	c.applied++
	req.Header.Set("Authorization", "Negotiate initial")
	return nil
}

func (c *challengeCredential) Answer(req *Request, challenge *Response) (bool, error) {
	c.answered++
	if c.err != nil {
		return false, c.err
	}
	if !c.canAnswer {
		return false, nil
	}
	req.Header.Set("Authorization", "Negotiate session")
	return true, nil
}

func TestBasicAuth_Header(t *testing.T) {
	var got string
	inner := SenderFunc(func(req *Request) (*Response, error) {
		got = req.Header.Get("Authorization")
		return stubResponse(200, nil), nil
	})
	a := &AuthAdapter{Next: inner, Credential: BasicAuth{Username: "user", Password: "pass"}}
	_, err := a.Send(testRequest(t, "GET", "http://example.com/", nil))
	require.NoError(t, err)
	assert.Equal(t, "Basic dXNlcjpwYXNz", got)
}

func TestBearerAuth_Header(t *testing.T) {
	var got string
	inner := SenderFunc(func(req *Request) (*Response, error) {
		got = req.Header.Get("Authorization")
		return stubResponse(200, nil), nil
	})
	a := &AuthAdapter{Next: inner, Credential: BearerAuth{Token: "tok"}}
	_, err := a.Send(testRequest(t, "GET", "http://example.com/", nil))
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", got)
}

func TestAuth_UnansweredChallengeReturned(t *testing.T) {
	inner := SenderFunc(func(req *Request) (*Response, error) {
		return stubResponse(401, map[string]string{"Www-Authenticate": "Basic realm=x"}), nil
	})
	a := &AuthAdapter{Next: inner, Credential: BasicAuth{Username: "u", Password: "p"}}
	resp, err := a.Send(testRequest(t, "GET", "http://example.com/", nil))
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestAuth_RetriesOnceAndRecordsChallenge(t *testing.T) {
	var seen []string
	inner := SenderFunc(func(req *Request) (*Response, error) {
		seen = append(seen, req.Header.Get("Authorization"))
		if len(seen) == 1 {
			return stubResponse(401, map[string]string{"Www-Authenticate": "Negotiate"}), nil
		}
		return stubResponse(200, nil), nil
	})
	cred := &challengeCredential{canAnswer: true}
	a := &AuthAdapter{Next: inner, Credential: cred}

	resp, err := a.Send(testRequest(t, "GET", "http://example.com/", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"Negotiate initial", "Negotiate session"}, seen)
	assert.Equal(t, 1, cred.answered)
	require.Len(t, resp.History, 1)
	assert.Equal(t, 401, resp.History[0].StatusCode)
}

func TestAuth_SecondRejectionIsReturned(t *testing.T) {
	n := 0
	inner := SenderFunc(func(req *Request) (*Response, error) {
		n++
		return stubResponse(401, map[string]string{"Www-Authenticate": "Negotiate"}), nil
	})
	cred := &challengeCredential{canAnswer: true}
	a := &AuthAdapter{Next: inner, Credential: cred}

	resp, err := a.Send(testRequest(t, "GET", "http://example.com/", nil))
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, cred.answered, "only one retry is allowed")
}

func TestAuth_AnswerErrorIsAuthFailed(t *testing.T) {
	inner := SenderFunc(func(req *Request) (*Response, error) {
		return stubResponse(401, nil), nil
	})
	cred := &challengeCredential{err: errors.New("bad challenge")}
	a := &AuthAdapter{Next: inner, Credential: cred}
	_, err := a.Send(testRequest(t, "GET", "http://example.com/", nil))
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestAuth_NilCredentialPassesThrough(t *testing.T) {
	var sawAuth bool
	inner := SenderFunc(func(req *Request) (*Response, error) {
		sawAuth = req.Header.Get("Authorization") != ""
		return stubResponse(200, nil), nil
	})
	a := &AuthAdapter{Next: inner}
	_, err := a.Send(testRequest(t, "GET", "http://example.com/", nil))
	require.NoError(t, err)
	assert.False(t, sawAuth)
}
