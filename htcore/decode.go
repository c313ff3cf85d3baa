package htcore

import (
	"compress/gzip"
	"compress/zlib"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

const acceptedEncodings = "gzip, deflate, br"

// decompressResponse swaps resp.Body for a decoding reader when the
// Content-Encoding is one we advertised. The encoding headers are
// removed so callers see the entity as plain bytes of unknown length.
func decompressResponse(resp *Response) {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if enc == "" || enc == "identity" {
		return
	}
	var mk func(io.Reader) (io.Reader, error)
	switch enc {
	case "gzip":
		mk = func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }
	case "deflate":
		mk = func(r io.Reader) (io.Reader, error) { return zlib.NewReader(r) }
	case "br":
		mk = func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil }
	default:
		return
	}
	resp.Body = &decodedBody{src: resp.Body, mk: mk}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
}

// decodedBody defers decoder construction to the first Read: gzip and
// zlib read their stream header eagerly, which would fail for bodies
// that are legitimately empty (HEAD, 204).
type decodedBody struct {
	src io.ReadCloser
	mk  func(io.Reader) (io.Reader, error)
	r   io.Reader
	err error
}

func (b *decodedBody) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	if b.r == nil {
		br := &peekReader{src: b.src}
		if !br.hasData() {
			b.err = io.EOF
			return 0, io.EOF
		}
		r, err := b.mk(br)
		if err != nil {
			b.err = err
			return 0, err
		}
		b.r = r
	}
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		b.err = err
	}
	return n, err
}

func (b *decodedBody) Close() error {
	return b.src.Close()
}

// peekReader prefetches one byte to distinguish an empty body from a
// compressed one before a decoder is committed.
type peekReader struct {
	src     io.Reader
	peeked  [1]byte
	havePkd bool
	eof     bool
}

func (p *peekReader) hasData() bool {
	if p.havePkd || p.eof {
		return p.havePkd
	}
	n, err := p.src.Read(p.peeked[:])
	if n == 1 {
		p.havePkd = true
	}
	if err != nil {
		p.eof = true
	}
	return p.havePkd
}

func (p *peekReader) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if p.havePkd {
		p.havePkd = false
		b[0] = p.peeked[0]
		return 1, nil
	}
	if p.eof {
		return 0, io.EOF
	}
	return p.src.Read(b)
}
