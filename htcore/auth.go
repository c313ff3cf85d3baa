package htcore

import (
	"encoding/base64"
	"fmt"
)

// Credential decorates requests with authentication material.
//
// Apply runs before the first attempt. When the attempt comes back 401,
// Answer may rewrite the cloned request using the challenge and return
// true to retry once; returning false hands the 401 back to the caller.
type Credential interface {
	Apply(req *Request) error
	Answer(req *Request, challenge *Response) (retry bool, err error)
}

// BasicAuth sends the credentials preemptively, so a 401 means they
// were rejected and there is nothing further to answer.
type BasicAuth struct {
	Username string
	Password string
}

func (b BasicAuth) Apply(req *Request) error {
	req.Header.Set("Authorization", "Basic "+basicToken(b.Username, b.Password))
	return nil
}

func (b BasicAuth) Answer(req *Request, challenge *Response) (bool, error) {
	return false, nil
}

func basicToken(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// BearerAuth sends a static token.
type BearerAuth struct {
	Token string
}

func (b BearerAuth) Apply(req *Request) error {
	req.Header.Set("Authorization", "Bearer "+b.Token)
	return nil
}

func (b BearerAuth) Answer(req *Request, challenge *Response) (bool, error) {
	return false, nil
}

// AuthAdapter applies a credential and performs at most one retry when
// the credential can answer a 401 challenge. The consumed challenge
// response is recorded on the final response's History. With a nil
// Credential it is a pass-through.
type AuthAdapter struct {
	Next       Sender
	Credential Credential
}

func (a *AuthAdapter) Send(req *Request) (*Response, error) {
	if a.Credential == nil {
		return a.Next.Send(req)
	}
	r2 := req.Clone()
	if err := a.Credential.Apply(r2); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	resp, err := a.Next.Send(r2)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 401 {
		return resp, nil
	}

	r3 := req.Clone()
	if err := a.Credential.Apply(r3); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	retry, err := a.Credential.Answer(r3, resp)
	if err != nil {
		discard(resp)
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if !retry {
		return resp, nil
	}
	if req.Body != nil {
		if req.GetBody == nil {
			// Cannot replay the body; the challenge is the best answer.
			return resp, nil
		}
		body, err := req.GetBody()
		if err != nil {
			discard(resp)
			return nil, err
		}
		r3.Body = body
	}

	discard(resp)
	final, err := a.Next.Send(r3)
	if err != nil {
		return nil, err
	}
	history := append([]*Response{}, resp.History...)
	resp.History = nil
	history = append(history, resp)
	final.History = append(history, final.History...)
	return final, nil
}
