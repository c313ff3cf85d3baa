package htcore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dqx0.com/go/htcore/htcore/internal/http1"
)

// http1Conn runs strictly serial request/response exchanges over one
// transport stream. State per exchange:
//
//	idle -> request head sent -> body sent -> response head read
//	     -> body streaming -> idle (reusable) | closed
//
// A second Send while any exchange is in flight fails with
// ErrConnectionBusy; the pool never allows that under correct use.
type http1Conn struct {
	origin       Origin
	nc           net.Conn
	br           *bufio.Reader
	bw           *bufio.Writer
	timeouts     Timeouts
	absoluteForm bool
	log          zerolog.Logger

	// onRelease returns the connection to the pool after an exchange
	// fully finishes (body drained or connection condemned).
	onRelease func(Conn)

	mu        sync.Mutex
	busy      bool
	closed    bool
	reusable  bool
	idleSince time.Time
	// exchDone is closed when the in-flight exchange settles, releasing
	// the cancellation watcher.
	exchDone chan struct{}

	// pending holds a final response head consumed early by the
	// Expect: 100-continue path. Owned by the single in-flight
	// exchange, so no locking.
	pending *http1.ParsedResponse
}

const h1MaxHeaderBytes = 8 << 10

func newHTTP1Conn(origin Origin, nc net.Conn, timeouts Timeouts, absoluteForm bool, log zerolog.Logger, onRelease func(Conn)) *http1Conn {
	return &http1Conn{
		origin:       origin,
		nc:           nc,
		br:           bufio.NewReader(nc),
		bw:           bufio.NewWriter(nc),
		timeouts:     timeouts,
		absoluteForm: absoluteForm,
		log:          log,
		onRelease:    onRelease,
		reusable:     true,
		idleSince:    time.Now(),
	}
}

func (c *http1Conn) Origin() Origin { return c.origin }

func (c *http1Conn) IsReusable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reusable && !c.closed
}

func (c *http1Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *http1Conn) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return 1
	}
	return 0
}

func (c *http1Conn) CanTakeNewRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.busy && !c.closed && c.reusable
}

func (c *http1Conn) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return time.Time{}
	}
	return c.idleSince
}

func (c *http1Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.reusable = false
	c.mu.Unlock()
	return c.nc.Close()
}

func (c *http1Conn) Send(req *Request) (*Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if c.busy {
		c.mu.Unlock()
		return nil, ErrConnectionBusy
	}
	c.busy = true
	done := make(chan struct{})
	c.exchDone = done
	c.mu.Unlock()

	// A half-run HTTP/1.1 exchange cannot be resumed, so cancellation
	// tears the transport down; that also wakes any blocked read or
	// write. The watcher lives until the exchange settles, body included.
	ctx := req.Context()
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				c.Close()
			case <-done:
			}
		}()
	}

	res, err := c.roundTrip(req)
	if err != nil {
		// Mid-exchange state cannot be trusted; condemn the conn.
		c.condemn()
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
		}
		return nil, err
	}
	return res, nil
}

func (c *http1Conn) roundTrip(req *Request) (*Response, error) {
	ctx := req.Context()
	setConnDeadlines(c.nc, readDeadline(ctx, c.timeouts.Read), writeDeadline(ctx, c.timeouts.Write))

	hasBody := req.Body != nil
	chunked := hasBody && req.ContentLength < 0
	wantClose := strings.EqualFold(req.Header.Get("Connection"), "close")
	head := &http1.RequestHead{
		Method:        req.Method,
		URL:           req.URL,
		Host:          req.hostHeader(),
		Header:        req.Header,
		AbsoluteForm:  c.absoluteForm,
		HasBody:       hasBody,
		ContentLength: req.ContentLength,
		Chunked:       chunked,
		Close:         wantClose,
	}
	if err := http1.WriteRequestHead(c.bw, head); err != nil {
		return nil, c.mapWriteErr(err)
	}
	if err := c.bw.Flush(); err != nil {
		return nil, c.mapWriteErr(err)
	}

	if hasBody && expectsContinue(req.Header) {
		// Give the peer a moment to reject before the body goes out;
		// on silence we proceed, like every mainstream client.
		if done, err := c.awaitContinue(req.Method); err != nil {
			return nil, err
		} else if done {
			// Peer answered with a final status before the body.
			return c.readFinalResponse(req, head)
		}
	}

	if hasBody {
		if err := c.writeBody(req, chunked); err != nil {
			return nil, err
		}
	}
	if err := c.bw.Flush(); err != nil {
		return nil, c.mapWriteErr(err)
	}
	return c.readFinalResponse(req, head)
}

// awaitContinue peeks for an interim response after Expect:
// 100-continue. Returns done=true when a final (non-1xx) head is
// already buffered, which readFinalResponse will then consume.
func (c *http1Conn) awaitContinue(method string) (done bool, err error) {
	_ = c.nc.SetReadDeadline(time.Now().Add(time.Second))
	_, perr := c.br.Peek(1)
	_ = c.nc.SetReadDeadline(time.Time{})
	if perr != nil {
		if ne, ok := perr.(net.Error); ok && ne.Timeout() {
			return false, nil // no interim; send the body
		}
		return false, c.mapReadErr(perr)
	}
	// Bytes arrived: either "HTTP/1.1 100 Continue" or a final
	// response. readFinalResponse skips interims either way, so only
	// a final early response means the body must be withheld.
	rd := &http1.Reader{BR: c.br, MaxHeaderBytes: h1MaxHeaderBytes}
	pr, interim, rerr := rd.ReadInterim(method)
	if rerr != nil {
		return false, c.mapReadErr(rerr)
	}
	if interim {
		return false, nil
	}
	c.pending = pr
	return true, nil
}

func (c *http1Conn) writeBody(req *Request, chunked bool) error {
	defer req.Body.Close()
	if chunked {
		cw := &http1.ChunkedWriter{BW: c.bw}
		if _, err := io.Copy(cw, req.Body); err != nil {
			return c.mapWriteErr(err)
		}
		return c.mapWriteErr(cw.Close())
	}
	n, err := io.Copy(c.bw, req.Body)
	if err != nil {
		return c.mapWriteErr(err)
	}
	if n != req.ContentLength {
		return fmt.Errorf("htcore: request body: wrote %d bytes, Content-Length %d", n, req.ContentLength)
	}
	return nil
}

func (c *http1Conn) readFinalResponse(req *Request, head *http1.RequestHead) (*Response, error) {
	ctx := req.Context()
	if d := readDeadline(ctx, c.timeouts.Read); !d.IsZero() {
		_ = c.nc.SetReadDeadline(d)
	}
	pr := c.pending
	c.pending = nil
	if pr == nil {
		rd := &http1.Reader{BR: c.br, MaxHeaderBytes: h1MaxHeaderBytes}
		var err error
		pr, err = rd.ReadResponse(req.Method)
		if err != nil {
			return nil, c.mapReadErr(err)
		}
	}

	peerClose := headerContainsToken(pr.Header, "Connection", "close")
	reuse := !head.Close && !peerClose && pr.Framing != http1.FramingEOF

	reason := pr.Reason
	if reason == "" {
		reason = statusText(pr.StatusCode)
	}
	res := &Response{
		Status:     fmt.Sprintf("%d %s", pr.StatusCode, reason),
		StatusCode: pr.StatusCode,
		Proto:      "HTTP/1.1",
		Header:     Header(pr.Header),
		Request:    req,
	}
	switch pr.Framing {
	case http1.FramingNone:
		res.ContentLength = 0
		res.Body = io.NopCloser(strings.NewReader(""))
		c.finishExchange(reuse)
	case http1.FramingLength:
		res.ContentLength = pr.ContentLength
		res.Body = &h1Body{c: c, rc: http1.NewLimitedBody(c.br, pr.ContentLength), reuse: reuse}
	case http1.FramingChunked:
		res.ContentLength = -1
		res.Body = &h1Body{c: c, rc: http1.NewChunkedBody(c.br, h1MaxHeaderBytes), reuse: reuse}
	default: // FramingEOF
		res.ContentLength = -1
		res.Body = &h1Body{c: c, rc: io.NopCloser(c.br), reuse: false}
	}
	return res, nil
}

// finishExchange moves the connection back to idle (or condemns it)
// and hands it to the pool.
func (c *http1Conn) finishExchange(reuse bool) {
	c.mu.Lock()
	c.busy = false
	c.reusable = c.reusable && reuse
	c.idleSince = time.Now()
	c.settleLocked()
	c.mu.Unlock()
	if !reuse {
		_ = c.Close()
	} else {
		setConnDeadlines(c.nc, time.Time{}, time.Time{})
	}
	if c.onRelease != nil {
		c.onRelease(c)
	}
}

func (c *http1Conn) settleLocked() {
	if c.exchDone != nil {
		close(c.exchDone)
		c.exchDone = nil
	}
}

// condemn closes the connection after a failed exchange and tells the
// pool so its counters stay right.
func (c *http1Conn) condemn() {
	c.mu.Lock()
	c.busy = false
	c.reusable = false
	c.settleLocked()
	c.mu.Unlock()
	_ = c.Close()
	if c.onRelease != nil {
		c.onRelease(c)
	}
}

func (c *http1Conn) mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrWriteTimeout, err)
	}
	return err
}

func (c *http1Conn) mapReadErr(err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrReadTimeout, err)
	}
	switch {
	case errors.Is(err, http1.ErrMalformedStatus),
		errors.Is(err, http1.ErrMalformedHeader),
		errors.Is(err, http1.ErrFramingConflict),
		errors.Is(err, http1.ErrHeaderTooLarge),
		errors.Is(err, http1.ErrUnsupportedProto),
		errors.Is(err, http1.ErrChunkFormat):
		c.log.Warn().Str("origin", c.origin.String()).Err(err).Msg("http1 protocol error")
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return err
}

func expectsContinue(h Header) bool {
	for _, v := range h.Values("Expect") {
		if strings.Contains(strings.ToLower(v), "100-continue") {
			return true
		}
	}
	return false
}

// headerContainsToken reports whether any value of the header field
// contains the given token, comma-splitting and case-folding.
func headerContainsToken(h map[string][]string, key, token string) bool {
	for _, v := range Header(h).Values(key) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// h1Body streams the response payload and settles the connection's
// fate on Close: drained and reusable goes back to the pool, anything
// else closes the transport.
type h1Body struct {
	c      *http1Conn
	rc     io.ReadCloser
	reuse  bool
	closed bool
	broken bool
}

func (b *h1Body) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF {
		b.broken = true
		return n, b.c.mapReadErr(err)
	}
	return n, err
}

func (b *h1Body) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	reuse := b.reuse && !b.broken
	if reuse {
		// Drain so the next exchange starts at a frame boundary.
		if err := b.rc.Close(); err != nil {
			reuse = false
		}
	}
	b.c.finishExchange(reuse)
	return nil
}
