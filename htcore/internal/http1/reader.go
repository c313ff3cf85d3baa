package http1

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
)

var (
	ErrMalformedStatus  = errors.New("http1: malformed status line")
	ErrMalformedHeader  = errors.New("http1: malformed header")
	ErrFramingConflict  = errors.New("http1: conflicting body framing")
	ErrHeaderTooLarge   = errors.New("http1: header too large")
	ErrUnsupportedProto = errors.New("http1: unsupported protocol")
)

// ParsedResponse is the head of a response as read off the wire.
// The body is not consumed; Framing tells the caller how to read it.
type ParsedResponse struct {
	Proto      string
	StatusCode int
	Reason     string
	Header     map[string][]string

	// Framing of the payload that follows.
	Framing       Framing
	ContentLength int64 // valid when Framing is FramingLength
}

// Framing enumerates HTTP/1.1 response body delimitation.
type Framing int

const (
	FramingNone    Framing = iota // no payload
	FramingLength                 // Content-Length delimited
	FramingChunked                // Transfer-Encoding: chunked
	FramingEOF                    // read until connection close
)

// Reader parses response heads from a buffered connection.
type Reader struct {
	BR             *bufio.Reader
	MaxHeaderBytes int
}

// ReadResponse reads status line and headers for a response to the
// given request method, consuming any interim 1xx responses first.
// 100 Continue interim responses are counted in Interim so callers
// gating an Expect: 100-continue body can observe them.
func (r *Reader) ReadResponse(method string) (*ParsedResponse, error) {
	for {
		pr, err := r.readHead()
		if err != nil {
			return nil, err
		}
		if pr.StatusCode >= 100 && pr.StatusCode < 200 {
			// Interim response: consumed transparently. 101 would
			// change protocols, which this client never requests.
			continue
		}
		if err := decideFraming(pr, method); err != nil {
			return nil, err
		}
		return pr, nil
	}
}

// ReadInterim reads one response head and reports whether it was an
// interim 1xx. Used by the Expect: 100-continue path, where the caller
// needs to see the interim status before sending the body.
func (r *Reader) ReadInterim(method string) (pr *ParsedResponse, interim bool, err error) {
	pr, err = r.readHead()
	if err != nil {
		return nil, false, err
	}
	if pr.StatusCode >= 100 && pr.StatusCode < 200 {
		return pr, true, nil
	}
	if err := decideFraming(pr, method); err != nil {
		return nil, false, err
	}
	return pr, false, nil
}

func (r *Reader) readHead() (*ParsedResponse, error) {
	line, err := ReadLine(r.BR, r.MaxHeaderBytes)
	if err != nil {
		if err == io.ErrShortBuffer {
			return nil, ErrHeaderTooLarge
		}
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, ErrMalformedStatus
	}
	proto := parts[0]
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, ErrUnsupportedProto
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return nil, ErrMalformedStatus
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	hdr, err := r.readHeaders()
	if err != nil {
		return nil, err
	}
	return &ParsedResponse{Proto: proto, StatusCode: code, Reason: reason, Header: hdr}, nil
}

func (r *Reader) readHeaders() (map[string][]string, error) {
	h := make(map[string][]string)
	total := 0
	for {
		line, err := ReadLine(r.BR, r.MaxHeaderBytes)
		if err != nil {
			if err == io.ErrShortBuffer {
				return nil, ErrHeaderTooLarge
			}
			return nil, err
		}
		if line == "" {
			break
		}
		total += len(line)
		if r.MaxHeaderBytes > 0 && total > r.MaxHeaderBytes*8 {
			return nil, ErrHeaderTooLarge
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, ErrMalformedHeader
		}
		k := strings.TrimSpace(line[:i])
		if SanitizeHeaderKey(k) == "" {
			return nil, ErrMalformedHeader
		}
		v := strings.TrimSpace(line[i+1:])
		addHeader(h, k, v)
	}
	return h, nil
}

// decideFraming resolves the body delimitation from response headers,
// per RFC 7230 section 3.3.3.
func decideFraming(pr *ParsedResponse, method string) error {
	if noResponseBody(pr.StatusCode, method) {
		pr.Framing = FramingNone
		return nil
	}
	chunked := hasChunkedTE(pr.Header)
	clVals := pr.Header[canonicalHeaderKey("Content-Length")]
	if chunked {
		// TE wins over CL, but carrying both is request smuggling
		// territory; reject outright like the server side does.
		if len(clVals) > 0 {
			return ErrFramingConflict
		}
		pr.Framing = FramingChunked
		return nil
	}
	if len(clVals) > 0 {
		cl, err := parseContentLength(clVals)
		if err != nil {
			return err
		}
		if cl == 0 {
			pr.Framing = FramingNone
			return nil
		}
		pr.Framing = FramingLength
		pr.ContentLength = cl
		return nil
	}
	pr.Framing = FramingEOF
	return nil
}

// parseContentLength accepts repeated identical values ("5, 5") but
// rejects mismatches and non-numeric values.
func parseContentLength(vals []string) (int64, error) {
	var fields []string
	for _, v := range vals {
		for _, f := range strings.Split(v, ",") {
			fields = append(fields, strings.TrimSpace(f))
		}
	}
	if len(fields) == 0 {
		return 0, ErrMalformedHeader
	}
	first := fields[0]
	for _, f := range fields[1:] {
		if f != first {
			return 0, ErrFramingConflict
		}
	}
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil || n < 0 {
		return 0, ErrMalformedHeader
	}
	return n, nil
}

// noResponseBody reports status/method combinations that never carry a
// payload regardless of headers.
func noResponseBody(status int, method string) bool {
	if method == "HEAD" {
		return true
	}
	if status >= 100 && status < 200 {
		return true
	}
	return status == 204 || status == 304
}

// LimitedBody reads exactly N bytes; Close drains the remainder so the
// connection can be reused.
type LimitedBody struct {
	lr *io.LimitedReader
}

func NewLimitedBody(br *bufio.Reader, n int64) *LimitedBody {
	return &LimitedBody{lr: &io.LimitedReader{R: br, N: n}}
}

func (b *LimitedBody) Read(p []byte) (int, error) {
	n, err := b.lr.Read(p)
	if err == io.EOF && b.lr.N > 0 {
		// Peer closed short of Content-Length.
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// Remaining reports undelivered payload bytes.
func (b *LimitedBody) Remaining() int64 { return b.lr.N }

func (b *LimitedBody) Close() error {
	buf := make([]byte, 1024)
	for b.lr.N > 0 {
		n := int64(len(buf))
		if n > b.lr.N {
			n = b.lr.N
		}
		if _, err := io.ReadFull(b.lr, buf[:n]); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				// Drain fell short of Content-Length; the connection
				// must not be reused.
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}

func addHeader(h map[string][]string, k, v string) {
	hk := canonicalHeaderKey(k)
	h[hk] = append(h[hk], v)
}

func hasChunkedTE(h map[string][]string) bool {
	for _, v := range h[canonicalHeaderKey("Transfer-Encoding")] {
		if strings.Contains(strings.ToLower(v), "chunked") {
			return true
		}
	}
	return false
}

// Very small canonicalizer to avoid importing textproto here.
func canonicalHeaderKey(s string) string {
	b := []byte(strings.ToLower(s))
	upper := true
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			if upper {
				b[i] = byte(c - 'a' + 'A')
			}
			upper = false
			continue
		}
		upper = c == '-'
	}
	return string(b)
}
