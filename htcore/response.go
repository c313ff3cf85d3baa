package htcore

import "io"

// Response is the result of one exchange. Body is a one-shot stream:
// it must be drained or Closed before the underlying connection can be
// reused; re-reading requires caller-side buffering.
type Response struct {
	Status        string // e.g. "200 OK"
	StatusCode    int
	Proto         string // "HTTP/1.1" or "HTTP/2.0"
	Header        Header
	Body          io.ReadCloser
	ContentLength int64 // -1 when unknown

	// Request is the (possibly adapter-derived) request that produced
	// this response.
	Request *Request

	// History holds the responses consumed by adapters on the way to
	// this one (redirect hops, the 401 answered by an auth retry), in
	// chronological order. It never contains the response itself.
	History []*Response
}

// IsRedirect reports whether the response is a 3xx with a Location
// header the RedirectAdapter would follow.
func (r *Response) IsRedirect() bool {
	switch r.StatusCode {
	case 301, 302, 303, 307, 308:
		return r.Header.Get("Location") != ""
	}
	return false
}
