package http1

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrChunkFormat reports malformed chunked framing (non-hex size line,
// missing CRLF boundary). Callers must close the connection.
var ErrChunkFormat = errors.New("http1: invalid chunk format")

// ChunkedBody implements io.ReadCloser for a Transfer-Encoding: chunked
// response payload. Close drains to the terminal chunk so the
// connection can be reused.
type ChunkedBody struct {
	br       *bufio.Reader
	remain   int64
	finished bool
	maxLine  int // limit for chunk-size and trailer lines
}

func NewChunkedBody(br *bufio.Reader, maxLine int) *ChunkedBody {
	return &ChunkedBody{br: br, remain: -1, maxLine: maxLine}
}

func (c *ChunkedBody) Read(p []byte) (int, error) {
	if c.finished {
		return 0, io.EOF
	}
	if c.remain == -1 || c.remain == 0 {
		size, err := c.readChunkSize()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			if err := c.readTrailers(); err != nil {
				return 0, err
			}
			c.finished = true
			return 0, io.EOF
		}
		c.remain = size
	}
	if len(p) == 0 {
		return 0, nil
	}
	toRead := int64(len(p))
	if toRead > c.remain {
		toRead = c.remain
	}
	n, err := io.ReadFull(c.br, p[:toRead])
	c.remain -= int64(n)
	if err != nil {
		return n, err
	}
	if c.remain == 0 {
		if err := c.expectCRLF(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Finished reports whether the terminal chunk has been consumed.
func (c *ChunkedBody) Finished() bool { return c.finished }

func (c *ChunkedBody) Close() error {
	buf := make([]byte, 1024)
	for !c.finished {
		_, err := c.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *ChunkedBody) readChunkSize() (int64, error) {
	line, err := ReadLine(c.br, c.maxLine)
	if err != nil {
		return 0, err
	}
	// Strip chunk extensions: "<hex>;<ext>"
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, ErrChunkFormat
	}
	n, err := strconv.ParseInt(line, 16, 64)
	if err != nil || n < 0 {
		return 0, ErrChunkFormat
	}
	return n, nil
}

func (c *ChunkedBody) expectCRLF() error {
	b1, err := c.br.ReadByte()
	if err != nil {
		return err
	}
	b2, err := c.br.ReadByte()
	if err != nil {
		return err
	}
	if b1 != '\r' || b2 != '\n' {
		return fmt.Errorf("%w: expected CRLF after chunk, got %q%q", ErrChunkFormat, b1, b2)
	}
	return nil
}

func (c *ChunkedBody) readTrailers() error {
	for {
		line, err := ReadLine(c.br, c.maxLine)
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
		// Trailer headers are discarded.
	}
}

// ReadLine reads one CRLF-terminated line, excluding the terminator.
// Lines longer than limit fail with io.ErrShortBuffer.
func ReadLine(br *bufio.Reader, limit int) (string, error) {
	var sb strings.Builder
	for {
		b, err := br.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if b != '\r' {
			sb.WriteByte(b)
		}
		if limit > 0 && sb.Len() > limit {
			return "", io.ErrShortBuffer
		}
	}
	return sb.String(), nil
}
