package http1

import (
	"bufio"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// RequestHead describes the request line and headers to put on the
// wire. Exactly one of ContentLength >= 0 or Chunked applies when
// HasBody is set; the connection records which framing was chosen.
type RequestHead struct {
	Method string
	URL    *url.URL
	Host   string
	Header map[string][]string

	// AbsoluteForm switches the request target to absolute-form, used
	// for plain HTTP through a proxy gateway.
	AbsoluteForm bool

	HasBody       bool
	ContentLength int64 // -1 means unknown; body goes chunked
	Chunked       bool

	// Close requests Connection: close instead of keep-alive.
	Close bool
}

// WriteRequestHead writes the request line and headers, terminated by
// the blank line. It does not flush.
func WriteRequestHead(bw *bufio.Writer, h *RequestHead) error {
	target := requestTarget(h)
	if _, err := fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", h.Method, target); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(bw, "Host: %s\r\n", h.Host); err != nil {
		return err
	}
	if h.Close {
		if _, err := fmt.Fprint(bw, "Connection: close\r\n"); err != nil {
			return err
		}
	} else {
		if _, err := fmt.Fprint(bw, "Connection: keep-alive\r\n"); err != nil {
			return err
		}
	}
	if h.HasBody {
		if h.Chunked {
			if _, err := fmt.Fprint(bw, "Transfer-Encoding: chunked\r\n"); err != nil {
				return err
			}
		} else {
			if _, err := fmt.Fprintf(bw, "Content-Length: %d\r\n", h.ContentLength); err != nil {
				return err
			}
		}
	}
	for k, vv := range h.Header {
		if skipWireHeader(k) {
			continue
		}
		if !httpguts.ValidHeaderFieldName(k) {
			return fmt.Errorf("%w: header name %q", ErrMalformedHeader, k)
		}
		for _, v := range vv {
			if !httpguts.ValidHeaderFieldValue(v) {
				return fmt.Errorf("%w: header value for %q", ErrMalformedHeader, k)
			}
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprint(bw, "\r\n")
	return err
}

// skipWireHeader filters headers the head writer owns.
func skipWireHeader(k string) bool {
	switch canonicalHeaderKey(k) {
	case "Host", "Connection", "Content-Length", "Transfer-Encoding":
		return true
	}
	return false
}

func requestTarget(h *RequestHead) string {
	u := h.URL
	if h.AbsoluteForm {
		return absoluteURL(u)
	}
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	return path
}

// absoluteURL builds the absolute-form target without userinfo.
func absoluteURL(u *url.URL) string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Host)
	if u.Opaque != "" {
		b.WriteString(u.Opaque)
	} else if p := u.EscapedPath(); p != "" {
		if !strings.HasPrefix(p, "/") {
			b.WriteString("/")
		}
		b.WriteString(p)
	} else {
		b.WriteString("/")
	}
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

// ChunkedWriter frames writes as HTTP/1.1 chunks. Close emits the
// terminating zero-length chunk; it does not flush or close the
// underlying writer.
type ChunkedWriter struct {
	BW *bufio.Writer
}

func (w *ChunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(w.BW, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	if _, err := w.BW.Write(p); err != nil {
		return 0, err
	}
	if _, err := fmt.Fprint(w.BW, "\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *ChunkedWriter) Close() error {
	_, err := fmt.Fprint(w.BW, "0\r\n\r\n")
	return err
}

// SanitizeHeaderKey ensures the name is a valid token; returns empty
// string if invalid.
func SanitizeHeaderKey(k string) string {
	if k == "" {
		return ""
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			continue
		}
		switch c {
		case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
			continue
		default:
			return ""
		}
	}
	return k
}
