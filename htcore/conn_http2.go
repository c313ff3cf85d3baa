package htcore

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const (
	// Stream receive window advertised via SETTINGS. Large enough to
	// keep a fast peer busy, small enough to bound per-stream buffering.
	h2StreamRecvWindow = 4 << 20

	// Connection receive window, topped up once at the preface. Kept
	// effectively constant by acking DATA at the connection level as
	// soon as it arrives.
	h2ConnRecvWindow = 16 << 20

	h2DefaultInitialWindow = 65535
	h2DefaultMaxFrameSize  = 16384
	h2DefaultMaxStreams    = 100

	h2HeaderTableSize = 4096
)

// http2Conn multiplexes request/response exchanges over a single
// HTTP/2 connection. A dedicated goroutine owns all reads; writes are
// serialized frame-by-frame under wmu so header blocks are never
// interleaved.
type http2Conn struct {
	origin    Origin
	nc        net.Conn
	timeouts  Timeouts
	log       zerolog.Logger
	onRelease func(Conn)

	// wmu guards the framer, the HPACK encoder and bw. Held for whole
	// frames only, never across flow-control waits.
	wmu  sync.Mutex
	bw   *bufio.Writer
	fr   *http2.Framer
	henc *hpack.Encoder
	hbuf bytes.Buffer

	// mu guards everything below. cond is broadcast whenever send
	// window is added or the connection dies.
	mu            sync.Mutex
	cond          *sync.Cond
	closed        bool
	closeErr      error
	goAway        bool
	goAwayLast    uint32
	nextStreamID  uint32
	streams       map[uint32]*h2Stream
	sendFlow      int32 // connection-level send window
	peerInitFlow  int32 // peer's initial stream window
	peerMaxFrame  uint32
	peerMaxStream uint32
	idleSince     time.Time
}

type h2Stream struct {
	id uint32
	cc *http2Conn

	sendFlow int32 // guarded by cc.mu
	recvUsed int   // body bytes read but not yet acked; guarded by cc.mu

	body  *pipe
	respc chan *Response

	// abortErr is set once under cc.mu before abortc is closed.
	abortErr error
	abortc   chan struct{}
	donec    chan struct{}
}

// newHTTP2Conn performs the client preface and settings exchange and
// starts the frame read loop. The peer's SETTINGS are applied as they
// arrive; until then RFC defaults plus a 100-stream cap are assumed.
func newHTTP2Conn(origin Origin, nc net.Conn, timeouts Timeouts, log zerolog.Logger, onRelease func(Conn)) (*http2Conn, error) {
	bw := bufio.NewWriter(nc)
	br := bufio.NewReader(nc)
	fr := http2.NewFramer(bw, br)
	fr.ReadMetaHeaders = hpack.NewDecoder(h2HeaderTableSize, nil)

	c := &http2Conn{
		origin:        origin,
		nc:            nc,
		timeouts:      timeouts.withDefaults(),
		log:           log.With().Str("origin", origin.String()).Str("proto", protoHTTP2).Logger(),
		onRelease:     onRelease,
		bw:            bw,
		fr:            fr,
		nextStreamID:  1,
		streams:       make(map[uint32]*h2Stream),
		sendFlow:      h2DefaultInitialWindow,
		peerInitFlow:  h2DefaultInitialWindow,
		peerMaxFrame:  h2DefaultMaxFrameSize,
		peerMaxStream: h2DefaultMaxStreams,
		idleSince:     time.Now(),
	}
	c.cond = sync.NewCond(&c.mu)
	c.henc = hpack.NewEncoder(&c.hbuf)

	if _, err := bw.WriteString(http2.ClientPreface); err != nil {
		nc.Close()
		return nil, err
	}
	if err := fr.WriteSettings(
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: h2StreamRecvWindow},
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: 1000},
	); err != nil {
		nc.Close()
		return nil, err
	}
	if err := fr.WriteWindowUpdate(0, h2ConnRecvWindow-h2DefaultInitialWindow); err != nil {
		nc.Close()
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		nc.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *http2Conn) Origin() Origin { return c.origin }

func (c *http2Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *http2Conn) IsReusable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.goAway
}

func (c *http2Conn) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *http2Conn) CanTakeNewRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canTakeNewRequestLocked()
}

func (c *http2Conn) canTakeNewRequestLocked() bool {
	return !c.closed && !c.goAway &&
		uint32(len(c.streams)) < c.peerMaxStream &&
		c.nextStreamID < 1<<31-1
}

func (c *http2Conn) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleSince
}

// Close tears the connection down, aborting any in-flight streams.
func (c *http2Conn) Close() error {
	c.wmu.Lock()
	c.fr.WriteGoAway(0, http2.ErrCodeNo, nil)
	c.bw.Flush()
	c.wmu.Unlock()
	c.closeForError(ErrConnectionClosed)
	return nil
}

// Send opens a stream for req and returns the response head as soon as
// it arrives; payload is consumed through the response body while the
// connection keeps serving other streams.
func (c *http2Conn) Send(req *Request) (*Response, error) {
	st, err := c.openStream()
	if err != nil {
		return nil, err
	}

	ctx := req.Context()
	go func() {
		select {
		case <-ctx.Done():
			c.abortStream(st, ctx.Err(), http2.ErrCodeCancel)
		case <-st.donec:
		}
	}()

	resp, err := c.roundTrip(st, req)
	if err != nil {
		c.abortStream(st, err, http2.ErrCodeCancel)
		c.forgetStream(st)
		return nil, err
	}
	return resp, nil
}

func (c *http2Conn) openStream() (*h2Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.goAway {
		return nil, ErrConnectionClosed
	}
	if uint32(len(c.streams)) >= c.peerMaxStream {
		return nil, ErrTooManyStreams
	}
	st := &h2Stream{
		id:       c.nextStreamID,
		cc:       c,
		sendFlow: c.peerInitFlow,
		body:     newPipe(),
		respc:    make(chan *Response, 1),
		abortc:   make(chan struct{}),
		donec:    make(chan struct{}),
	}
	c.nextStreamID += 2
	c.streams[st.id] = st
	return st, nil
}

func (c *http2Conn) roundTrip(st *h2Stream, req *Request) (*Response, error) {
	hasBody := req.Body != nil
	hdrs, err := c.encodeHeaders(req, hasBody)
	if err != nil {
		return nil, err
	}

	if err := c.writeHeaders(st.id, hdrs, !hasBody); err != nil {
		return nil, c.mapWriteErr(err)
	}
	if hasBody {
		if err := c.writeBody(st, req); err != nil {
			return nil, err
		}
	}

	var timeoutc <-chan time.Time
	if c.timeouts.Read > 0 {
		timer := time.NewTimer(c.timeouts.Read)
		defer timer.Stop()
		timeoutc = timer.C
	}
	select {
	case resp := <-st.respc:
		resp.Request = req
		return resp, nil
	case <-st.abortc:
		return nil, st.abortErr
	case <-timeoutc:
		return nil, ErrReadTimeout
	}
}

// encodeHeaders builds the HPACK block for req. Pseudo-headers come
// first; hop-by-hop fields from the HTTP/1 world are dropped.
func (c *http2Conn) encodeHeaders(req *Request, hasBody bool) ([]byte, error) {
	path := req.URL.RequestURI()
	if path == "" {
		path = "/"
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.hbuf.Reset()

	c.writeField(":method", req.Method)
	if req.Method != "CONNECT" {
		c.writeField(":path", path)
		c.writeField(":scheme", req.URL.Scheme)
	}
	c.writeField(":authority", req.hostHeader())

	for k, vv := range req.Header {
		if !validHeaderName(k) {
			return nil, protocolErr("invalid header name %q", k)
		}
		switch strings.ToLower(k) {
		case "host", "connection", "keep-alive", "proxy-connection",
			"transfer-encoding", "upgrade", "content-length":
			continue
		}
		for _, v := range vv {
			if !validHeaderValue(v) {
				return nil, protocolErr("invalid value for header %q", k)
			}
			c.writeField(strings.ToLower(k), v)
		}
	}
	if hasBody && req.ContentLength >= 0 {
		c.writeField("content-length", strconv.FormatInt(req.ContentLength, 10))
	}
	return append([]byte(nil), c.hbuf.Bytes()...), nil
}

func (c *http2Conn) writeField(name, value string) {
	c.henc.WriteField(hpack.HeaderField{Name: name, Value: value})
}

// writeHeaders emits the header block, split into CONTINUATION frames
// when it exceeds the peer's frame size.
func (c *http2Conn) writeHeaders(streamID uint32, block []byte, endStream bool) error {
	c.mu.Lock()
	maxFrame := int(c.peerMaxFrame)
	c.mu.Unlock()

	c.wmu.Lock()
	defer c.wmu.Unlock()
	first := true
	for len(block) > 0 || first {
		frag := block
		if len(frag) > maxFrame {
			frag = frag[:maxFrame]
		}
		block = block[len(frag):]
		end := len(block) == 0
		var err error
		if first {
			first = false
			err = c.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: frag,
				EndStream:     endStream,
				EndHeaders:    end,
			})
		} else {
			err = c.fr.WriteContinuation(streamID, end, frag)
		}
		if err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

func (c *http2Conn) writeBody(st *h2Stream, req *Request) error {
	defer req.Body.Close()
	buf := make([]byte, 16<<10)
	sentEnd := false
	for !sentEnd {
		n, rerr := req.Body.Read(buf)
		if rerr != nil && rerr != io.EOF {
			return fmt.Errorf("read request body: %w", rerr)
		}
		sentEnd = rerr == io.EOF
		data := buf[:n]
		for len(data) > 0 || (sentEnd && n == 0) {
			take, err := c.awaitSendWindow(st, len(data))
			if err != nil {
				return err
			}
			chunk := data[:take]
			data = data[take:]
			end := sentEnd && len(data) == 0
			c.wmu.Lock()
			werr := c.fr.WriteData(st.id, end, chunk)
			if werr == nil {
				werr = c.bw.Flush()
			}
			c.wmu.Unlock()
			if werr != nil {
				return c.mapWriteErr(werr)
			}
			if end {
				break
			}
		}
	}
	return nil
}

// awaitSendWindow blocks until both the stream and connection windows
// admit at least one byte, then reserves up to want bytes (capped by
// the peer's frame size). A zero-length END_STREAM frame needs no
// window and passes straight through.
func (c *http2Conn) awaitSendWindow(st *h2Stream, want int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if want == 0 {
		return 0, nil
	}

	var deadline time.Time
	if c.timeouts.Write > 0 {
		deadline = time.Now().Add(c.timeouts.Write)
		wake := time.AfterFunc(c.timeouts.Write, c.cond.Broadcast)
		defer wake.Stop()
	}

	for {
		if c.closed {
			return 0, c.closeErr
		}
		select {
		case <-st.abortc:
			return 0, st.abortErr
		default:
		}
		avail := c.sendFlow
		if st.sendFlow < avail {
			avail = st.sendFlow
		}
		if avail > 0 {
			take := want
			if int32(take) > avail {
				take = int(avail)
			}
			if take > int(c.peerMaxFrame) {
				take = int(c.peerMaxFrame)
			}
			c.sendFlow -= int32(take)
			st.sendFlow -= int32(take)
			return take, nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return 0, ErrFlowControlTimeout
		}
		c.cond.Wait()
	}
}

// readLoop owns the framer's read side and, through ReadMetaHeaders,
// the HPACK decoder. Any read error is fatal to the connection.
func (c *http2Conn) readLoop() {
	for {
		f, err := c.fr.ReadFrame()
		if err != nil {
			c.closeForError(c.mapReadErr(err))
			return
		}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			c.handleHeaders(f)
		case *http2.DataFrame:
			c.handleData(f)
		case *http2.SettingsFrame:
			c.handleSettings(f)
		case *http2.WindowUpdateFrame:
			c.handleWindowUpdate(f)
		case *http2.RSTStreamFrame:
			c.handleRSTStream(f)
		case *http2.GoAwayFrame:
			c.handleGoAway(f)
		case *http2.PingFrame:
			c.handlePing(f)
		case *http2.PushPromiseFrame:
			// Push was never enabled.
			c.closeForError(protocolErr("unexpected PUSH_PROMISE"))
			return
		}
	}
}

func (c *http2Conn) streamByID(id uint32) *h2Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *http2Conn) handleHeaders(f *http2.MetaHeadersFrame) {
	st := c.streamByID(f.Header().StreamID)
	if st == nil {
		return
	}
	status := f.PseudoValue("status")
	if status == "" {
		// Trailers; nothing is surfaced, but END_STREAM still counts.
		if f.StreamEnded() {
			st.body.CloseWithError(io.EOF)
		}
		return
	}
	code, err := strconv.Atoi(status)
	if err != nil {
		c.abortStream(st, protocolErr("malformed :status %q", status), http2.ErrCodeProtocol)
		return
	}
	if code >= 100 && code < 200 {
		return
	}

	resp := &Response{
		Status:        fmt.Sprintf("%d %s", code, statusText(code)),
		StatusCode:    code,
		Proto:         "HTTP/2.0",
		Header:        Header{},
		ContentLength: -1,
	}
	for _, hf := range f.RegularFields() {
		resp.Header.Add(hf.Name, hf.Value)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			resp.ContentLength = n
		}
	}
	if f.StreamEnded() {
		st.body.CloseWithError(io.EOF)
		resp.Body = io.NopCloser(strings.NewReader(""))
		c.forgetStream(st)
	} else {
		resp.Body = &h2Body{st: st}
	}
	// respc is buffered for exactly one head; a second final HEADERS on
	// the same stream is a peer bug and must not wedge the read loop.
	select {
	case st.respc <- resp:
	default:
		c.abortStream(st, protocolErr("duplicate response HEADERS on stream %d", st.id), http2.ErrCodeProtocol)
	}
}

func (c *http2Conn) handleData(f *http2.DataFrame) {
	st := c.streamByID(f.Header().StreamID)
	data := f.Data()

	// Keep the connection window topped up regardless of who consumes
	// the stream; stream-level credit is granted from body reads.
	if len(data) > 0 {
		c.wmu.Lock()
		c.fr.WriteWindowUpdate(0, uint32(len(data)))
		c.bw.Flush()
		c.wmu.Unlock()
	}

	if st == nil {
		return
	}
	if len(data) > 0 {
		st.body.Write(data)
	}
	if f.StreamEnded() {
		st.body.CloseWithError(io.EOF)
	}
}

func (c *http2Conn) handleSettings(f *http2.SettingsFrame) {
	if f.IsAck() {
		return
	}
	c.mu.Lock()
	f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxConcurrentStreams:
			c.peerMaxStream = s.Val
		case http2.SettingMaxFrameSize:
			c.peerMaxFrame = s.Val
		case http2.SettingInitialWindowSize:
			// Adjust windows of live streams by the delta.
			delta := int32(s.Val) - c.peerInitFlow
			c.peerInitFlow = int32(s.Val)
			for _, st := range c.streams {
				st.sendFlow += delta
			}
			c.cond.Broadcast()
		}
		return nil
	})
	c.mu.Unlock()

	c.wmu.Lock()
	c.fr.WriteSettingsAck()
	c.bw.Flush()
	c.wmu.Unlock()
}

func (c *http2Conn) handleWindowUpdate(f *http2.WindowUpdateFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id := f.Header().StreamID; id == 0 {
		c.sendFlow += int32(f.Increment)
	} else if st := c.streams[id]; st != nil {
		st.sendFlow += int32(f.Increment)
	}
	c.cond.Broadcast()
}

func (c *http2Conn) handleRSTStream(f *http2.RSTStreamFrame) {
	st := c.streamByID(f.Header().StreamID)
	if st == nil {
		return
	}
	err := protocolErr("stream reset by peer: %v", f.ErrCode)
	c.log.Debug().Uint32("stream", st.id).Stringer("code", f.ErrCode).Msg("RST_STREAM received")
	c.abortStreamLocal(st, err)
	c.forgetStream(st)
}

// handleGoAway stops new streams. Streams above the peer's last
// processed ID never ran and are aborted; streams at or below it are
// left to finish.
func (c *http2Conn) handleGoAway(f *http2.GoAwayFrame) {
	c.mu.Lock()
	c.goAway = true
	c.goAwayLast = f.LastStreamID
	var doomed []*h2Stream
	for id, st := range c.streams {
		if id > f.LastStreamID {
			doomed = append(doomed, st)
		}
	}
	c.mu.Unlock()

	c.log.Debug().
		Uint32("last_stream", f.LastStreamID).
		Stringer("code", f.ErrCode).
		Msg("GOAWAY received")

	err := fmt.Errorf("%w: GOAWAY %v", ErrConnectionClosed, f.ErrCode)
	for _, st := range doomed {
		c.abortStreamLocal(st, err)
		c.forgetStream(st)
	}
}

func (c *http2Conn) handlePing(f *http2.PingFrame) {
	if f.IsAck() {
		return
	}
	c.wmu.Lock()
	c.fr.WritePing(true, f.Data)
	c.bw.Flush()
	c.wmu.Unlock()
}

// abortStream fails the stream and tells the peer via RST_STREAM.
func (c *http2Conn) abortStream(st *h2Stream, err error, code http2.ErrCode) {
	c.abortStreamLocal(st, err)
	c.wmu.Lock()
	c.fr.WriteRSTStream(st.id, code)
	c.bw.Flush()
	c.wmu.Unlock()
}

// abortStreamLocal fails the stream without notifying the peer.
func (c *http2Conn) abortStreamLocal(st *h2Stream, err error) {
	c.mu.Lock()
	if st.abortErr == nil {
		st.abortErr = err
		close(st.abortc)
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	st.body.CloseWithError(err)
}

// forgetStream drops the stream from the table and hands spare
// capacity back to the pool. Safe to call more than once.
func (c *http2Conn) forgetStream(st *h2Stream) {
	c.mu.Lock()
	_, live := c.streams[st.id]
	delete(c.streams, st.id)
	if len(c.streams) == 0 {
		c.idleSince = time.Now()
	}
	c.mu.Unlock()
	if !live {
		return
	}
	select {
	case <-st.donec:
	default:
		close(st.donec)
	}
	if c.onRelease != nil {
		c.onRelease(c)
	}
}

// closeForError is the single teardown path: every live stream fails
// with err and the socket is closed.
func (c *http2Conn) closeForError(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	streams := make([]*h2Stream, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	c.streams = make(map[uint32]*h2Stream)
	c.cond.Broadcast()
	c.mu.Unlock()

	if !errors.Is(err, ErrConnectionClosed) {
		c.log.Debug().Err(err).Msg("connection failed")
	}
	for _, st := range streams {
		c.mu.Lock()
		if st.abortErr == nil {
			st.abortErr = err
			close(st.abortc)
		}
		c.mu.Unlock()
		st.body.CloseWithError(err)
		select {
		case <-st.donec:
		default:
			close(st.donec)
		}
	}
	c.nc.Close()
	if c.onRelease != nil {
		c.onRelease(c)
	}
}

func (c *http2Conn) mapWriteErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrWriteTimeout, err)
	}
	return err
}

func (c *http2Conn) mapReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrConnectionClosed
	}
	if _, ok := err.(http2.ConnectionError); ok {
		return protocolErr("connection error: %v", err)
	}
	return err
}

// grantStreamWindow returns read credit to the peer once enough has
// been consumed to be worth a frame.
func (c *http2Conn) grantStreamWindow(st *h2Stream, n int) {
	c.mu.Lock()
	st.recvUsed += n
	grant := 0
	if st.recvUsed > h2StreamRecvWindow/2 {
		grant = st.recvUsed
		st.recvUsed = 0
	}
	c.mu.Unlock()
	if grant == 0 {
		return
	}
	c.wmu.Lock()
	c.fr.WriteWindowUpdate(st.id, uint32(grant))
	c.bw.Flush()
	c.wmu.Unlock()
}

// h2Body streams response payload for one stream. Closing before EOF
// cancels the stream; either way the stream slot is released.
type h2Body struct {
	st     *h2Stream
	mu     sync.Mutex
	closed bool
	done   bool
}

func (b *h2Body) Read(p []byte) (int, error) {
	n, err := b.st.body.Read(p)
	if n > 0 {
		b.st.cc.grantStreamWindow(b.st, n)
	}
	if err != nil {
		b.mu.Lock()
		fin := !b.done
		b.done = true
		b.mu.Unlock()
		if fin {
			b.st.cc.forgetStream(b.st)
		}
	}
	return n, err
}

func (b *h2Body) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	fin := b.done
	b.done = true
	b.mu.Unlock()
	if !fin {
		b.st.cc.abortStream(b.st, ErrConnectionClosed, http2.ErrCodeCancel)
		b.st.cc.forgetStream(b.st)
	}
	return nil
}
