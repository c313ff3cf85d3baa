package htcore

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectFailed marks transport-level establishment failures
	// (DNS, TCP, TLS, proxy CONNECT). Matched via errors.Is against a
	// *ConnectError, which carries the underlying cause.
	ErrConnectFailed = errors.New("htcore: connect failed")
	// ErrPoolTimeout: the per-origin capacity was exhausted and no
	// connection freed up within the pool timeout.
	ErrPoolTimeout = errors.New("htcore: timed out waiting for a pool connection")
	// ErrProtocol: framing or compliance violation. The offending
	// connection is always closed, never silently reused.
	ErrProtocol = errors.New("htcore: protocol error")
	// ErrFlowControlTimeout: an HTTP/2 send window stayed exhausted
	// past the write deadline.
	ErrFlowControlTimeout = errors.New("htcore: flow control window exhausted")
	// ErrTooManyStreams: the HTTP/2 concurrent-stream limit is reached;
	// callers should acquire another connection.
	ErrTooManyStreams = errors.New("htcore: too many concurrent streams")
	// ErrConnectionBusy: a second exchange was started on an HTTP/1.1
	// connection mid-exchange. Indicates a pool bug if ever observed.
	ErrConnectionBusy = errors.New("htcore: connection busy")
	// ErrConnectionClosed: Send on a closed connection.
	ErrConnectionClosed = errors.New("htcore: connection closed")

	ErrTooManyRedirects        = errors.New("htcore: too many redirects")
	ErrRedirectLoop            = errors.New("htcore: redirect loop detected")
	ErrRedirectBodyUnavailable = errors.New("htcore: redirect requires replaying a body that is not replayable")
	// ErrAuthFailed: a 401 challenge the configured credential cannot
	// answer. A second 401 after the retry is returned as a response,
	// not as this error.
	ErrAuthFailed = errors.New("htcore: authentication failed")

	ErrConnectTimeout = errors.New("htcore: connect timeout")
	ErrReadTimeout    = errors.New("htcore: read timeout")
	ErrWriteTimeout   = errors.New("htcore: write timeout")
)

// ConnectError reports a failed transport establishment for an origin.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("htcore: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnectFailed }

// RedirectError surfaces a redirect-chain failure with the partial
// progress attached for diagnostics.
type RedirectError struct {
	Err     error // ErrTooManyRedirects or ErrRedirectLoop
	History []*Response
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("%v after %d hops", e.Err, len(e.History))
}

func (e *RedirectError) Unwrap() error { return e.Err }

func protocolErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
