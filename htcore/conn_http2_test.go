package htcore

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// h2Peer drives the server side of an HTTP/2 connection frame by frame.
type h2Peer struct {
	t    *testing.T
	nc   net.Conn
	fr   *http2.Framer
	henc *hpack.Encoder
	hbuf bytes.Buffer
}

// acceptH2 performs the server half of the handshake: consume the
// client preface, announce settings, ack the client's.
func acceptH2(t *testing.T, ln net.Listener, settings ...http2.Setting) *h2Peer {
	t.Helper()
	nc, err := ln.Accept()
	if err != nil {
		t.Errorf("accept: %v", err)
		return nil
	}
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(nc, preface); err != nil || string(preface) != http2.ClientPreface {
		t.Errorf("bad preface: %q %v", preface, err)
		nc.Close()
		return nil
	}
	p := &h2Peer{t: t, nc: nc, fr: http2.NewFramer(nc, nc)}
	p.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	p.henc = hpack.NewEncoder(&p.hbuf)
	if err := p.fr.WriteSettings(settings...); err != nil {
		t.Errorf("write settings: %v", err)
	}
	return p
}

// waitHeaders acks control frames until the client's request headers
// arrive, returning the stream ID.
func (p *h2Peer) waitHeaders() uint32 {
	p.t.Helper()
	for {
		f, err := p.fr.ReadFrame()
		if err != nil {
			p.t.Errorf("read frame: %v", err)
			return 0
		}
		switch f := f.(type) {
		case *http2.SettingsFrame:
			if !f.IsAck() {
				p.fr.WriteSettingsAck()
			}
		case *http2.MetaHeadersFrame:
			return f.Header().StreamID
		}
	}
}

func (p *h2Peer) respond(streamID uint32, status string, body string) {
	p.t.Helper()
	p.hbuf.Reset()
	p.henc.WriteField(hpack.HeaderField{Name: ":status", Value: status})
	p.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: append([]byte(nil), p.hbuf.Bytes()...),
		EndStream:     body == "",
		EndHeaders:    true,
	})
	if body != "" {
		p.fr.WriteData(streamID, true, []byte(body))
	}
}

func (p *h2Peer) respondHeaders(streamID uint32, status string, endStream bool) {
	p.t.Helper()
	p.hbuf.Reset()
	p.henc.WriteField(hpack.HeaderField{Name: ":status", Value: status})
	p.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: append([]byte(nil), p.hbuf.Bytes()...),
		EndStream:     endStream,
		EndHeaders:    true,
	})
}

func (p *h2Peer) close() {
	if p != nil && p.nc != nil {
		p.nc.Close()
	}
}

func dialH2(t *testing.T, addr string, timeouts Timeouts) *http2Conn {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c, err := newHTTP2Conn(Origin{Scheme: "http", Host: "127.0.0.1", Port: 80}, nc, timeouts, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("newHTTP2Conn: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func h2Listener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestHTTP2Conn_Exchange(t *testing.T) {
	ln := h2Listener(t)
	peerc := make(chan *h2Peer, 1)
	go func() {
		p := acceptH2(t, ln)
		if p == nil {
			return
		}
		sid := p.waitHeaders()
		p.respond(sid, "200", "payload")
		peerc <- p
	}()

	c := dialH2(t, ln.Addr().String(), Timeouts{Read: 2 * time.Second, Write: 2 * time.Second})
	resp, err := c.Send(testRequest(t, "GET", "http://test/x", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.StatusCode != 200 || resp.Proto != "HTTP/2.0" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil || string(b) != "payload" {
		t.Fatalf("body = %q, %v", b, err)
	}
	resp.Body.Close()
	if c.InFlight() != 0 {
		t.Fatalf("stream not released, in flight %d", c.InFlight())
	}
	(<-peerc).close()
}

func TestHTTP2Conn_TooManyStreams(t *testing.T) {
	ln := h2Listener(t)
	release := make(chan struct{})
	go func() {
		p := acceptH2(t, ln, http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: 1})
		if p == nil {
			return
		}
		sid := p.waitHeaders()
		<-release
		p.respond(sid, "200", "")
	}()

	c := dialH2(t, ln.Addr().String(), Timeouts{Read: 2 * time.Second, Write: 2 * time.Second})

	// Wait for the peer's SETTINGS to land.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		max := c.peerMaxStream
		c.mu.Unlock()
		if max == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan error, 1)
	go func() {
		resp, err := c.Send(testRequest(t, "GET", "http://test/slow", nil))
		if err == nil {
			resp.Body.Close()
		}
		done <- err
	}()
	for c.InFlight() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if c.CanTakeNewRequest() {
		t.Fatalf("stream cap should be exhausted")
	}
	_, err := c.Send(testRequest(t, "GET", "http://test/extra", nil))
	if !errors.Is(err, ErrTooManyStreams) {
		t.Fatalf("expected too-many-streams, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("held stream failed: %v", err)
	}
}

func TestHTTP2Conn_PeerReset(t *testing.T) {
	ln := h2Listener(t)
	go func() {
		p := acceptH2(t, ln)
		if p == nil {
			return
		}
		sid := p.waitHeaders()
		p.fr.WriteRSTStream(sid, http2.ErrCodeRefusedStream)
	}()

	c := dialH2(t, ln.Addr().String(), Timeouts{Read: 2 * time.Second, Write: 2 * time.Second})
	_, err := c.Send(testRequest(t, "GET", "http://test/x", nil))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error for RST_STREAM, got %v", err)
	}
	if c.IsClosed() {
		t.Fatalf("a stream reset must not kill the connection")
	}
}

func TestHTTP2Conn_DuplicateResponseHeaders(t *testing.T) {
	ln := h2Listener(t)
	go func() {
		p := acceptH2(t, ln)
		if p == nil {
			return
		}
		sid := p.waitHeaders()
		p.respondHeaders(sid, "200", false)
		// Peer bug: a second final head on the same stream.
		p.respondHeaders(sid, "200", true)
		// The read loop must still be serving; answer a second stream.
		sid2 := p.waitHeaders()
		p.respond(sid2, "200", "ok")
	}()

	c := dialH2(t, ln.Addr().String(), Timeouts{Read: 2 * time.Second, Write: 2 * time.Second})
	resp, err := c.Send(testRequest(t, "GET", "http://test/dup", nil))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, rerr := io.ReadAll(resp.Body); !errors.Is(rerr, ErrProtocol) {
		t.Fatalf("duplicate head must abort the stream, got %v", rerr)
	}
	resp.Body.Close()
	if c.IsClosed() {
		t.Fatalf("duplicate head on one stream must not kill the connection")
	}

	resp2, err := c.Send(testRequest(t, "GET", "http://test/next", nil))
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	b, err := io.ReadAll(resp2.Body)
	if err != nil || string(b) != "ok" {
		t.Fatalf("second body = %q, %v", b, err)
	}
	resp2.Body.Close()
}

func TestHTTP2Conn_GoAwayStopsNewStreams(t *testing.T) {
	ln := h2Listener(t)
	sent := make(chan struct{})
	go func() {
		p := acceptH2(t, ln)
		if p == nil {
			return
		}
		p.waitHeaders()
		p.fr.WriteGoAway(0, http2.ErrCodeNo, nil)
		close(sent)
	}()

	c := dialH2(t, ln.Addr().String(), Timeouts{Read: time.Second, Write: time.Second})
	go c.Send(testRequest(t, "GET", "http://test/first", nil))

	<-sent
	deadline := time.Now().Add(time.Second)
	for c.IsReusable() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.IsReusable() {
		t.Fatalf("GOAWAY must retire the connection")
	}
	_, err := c.Send(testRequest(t, "GET", "http://test/second", nil))
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected closed-connection error, got %v", err)
	}
}

func TestHTTP2Conn_FlowControlTimeout(t *testing.T) {
	ln := h2Listener(t)
	go func() {
		p := acceptH2(t, ln, http2.Setting{ID: http2.SettingInitialWindowSize, Val: 0})
		if p == nil {
			return
		}
		// Read and ignore frames; never grant window.
		for {
			if _, err := p.fr.ReadFrame(); err != nil {
				return
			}
		}
	}()

	c := dialH2(t, ln.Addr().String(), Timeouts{Read: 5 * time.Second, Write: 150 * time.Millisecond})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		init := c.peerInitFlow
		c.mu.Unlock()
		if init == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := c.Send(testRequest(t, "POST", "http://test/upload", "data that cannot move"))
	if !errors.Is(err, ErrFlowControlTimeout) {
		t.Fatalf("expected flow-control timeout, got %v", err)
	}
}
