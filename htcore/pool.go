package htcore

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dqx0.com/go/htcore/internal/obs"
)

// ConnectionPool owns every connection and hands them out per origin.
// HTTP/1.1 connections serve one exchange at a time and are parked idle
// between uses, most recently used first. HTTP/2 connections are
// shared: one connection serves many concurrent streams and still
// counts as a single connection against the per-origin cap.
type ConnectionPool struct {
	Limits   PoolLimits
	Timeouts Timeouts
	Dialer   Dialer
	// ForceHTTP2 dials with prior knowledge instead of ALPN.
	ForceHTTP2 bool

	Logger zerolog.Logger
	Meter  obs.Meter

	mu      sync.Mutex
	origins map[poolKey]*originPool
	idleN   int // parked HTTP/1.1 conns across all origins
	once    sync.Once
	stop    chan struct{}
	closed  bool
}

// poolKey separates pools that must not share connections: a tunnel to
// one target cannot serve another, and plain-http-via-proxy traffic all
// flows through the gateway regardless of target.
type poolKey struct {
	origin string
	proxy  string
	tunnel bool
}

type originPool struct {
	key      poolKey
	conns    map[Conn]struct{} // dialed and not yet dropped
	reserved int               // dial slots claimed, connection pending
	idle     []Conn            // HTTP/1.1, MRU at the tail
	h2       []Conn
	// wake is closed and replaced whenever capacity may have appeared.
	wake chan struct{}
}

func (op *originPool) live() int { return len(op.conns) + op.reserved }

func NewConnectionPool(limits PoolLimits, timeouts Timeouts, dialer Dialer) *ConnectionPool {
	timeouts = timeouts.withDefaults()
	if dialer == nil {
		dialer = &NetDialer{Timeout: timeouts.Connect, EnableHTTP2: true}
	}
	return &ConnectionPool{
		Limits:   limits.withDefaults(),
		Timeouts: timeouts,
		Dialer:   dialer,
		Logger:   zerolog.Nop(),
		Meter:    obs.NopMeter{},
		origins:  make(map[poolKey]*originPool),
	}
}

func poolKeyFor(origin Origin, proxy *url.URL) poolKey {
	k := poolKey{origin: origin.String()}
	if proxy != nil {
		k.proxy = hostPortOf(proxy)
		k.tunnel = origin.IsTLS()
		if !k.tunnel {
			// All plain-http targets share the gateway connections.
			k.origin = ""
		}
	}
	return k
}

// Send acquires a connection for req's origin and performs the exchange
// on it. Waiting for capacity is bounded by the pool timeout and the
// request context, whichever ends first. A reused connection can lose
// its last stream slot or die between the capacity check and the
// exchange; those races fail before any request bytes are written, so
// Send reacquires instead of surfacing them.
func (p *ConnectionPool) Send(req *Request) (*Response, error) {
	origin, err := OriginOf(req.URL)
	if err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		start := time.Now()
		c, err := p.acquire(req.Context(), origin, req)
		if err != nil {
			return nil, err
		}
		p.Meter.Histogram("htcore_pool_acquire_wait_ms",
			float64(time.Since(start).Milliseconds()),
			obs.Label{Key: "origin", Value: origin.String()})

		res, err := c.Send(req)
		if err != nil && attempt < maxAcquireRetries && retryAcquire(err) {
			p.Logger.Debug().Str("origin", origin.String()).Err(err).
				Msg("connection raced away, reacquiring")
			continue
		}
		return res, err
	}
}

const maxAcquireRetries = 3

// retryAcquire reports errors raised before the exchange started, where
// trying another connection is always safe. The bare ErrConnectionClosed
// sentinel only comes from those pre-exchange checks; mid-stream
// failures arrive wrapped with their cause.
func retryAcquire(err error) bool {
	return errors.Is(err, ErrTooManyStreams) || err == ErrConnectionClosed
}

func (p *ConnectionPool) acquire(ctx context.Context, origin Origin, req *Request) (Conn, error) {
	p.once.Do(p.startCleanup)

	key := poolKeyFor(origin, req.Proxy)
	var timeoutc <-chan time.Time
	if p.Timeouts.Pool > 0 {
		timer := time.NewTimer(p.Timeouts.Pool)
		defer timer.Stop()
		timeoutc = timer.C
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrConnectionClosed
		}
		op := p.origin(key)

		if c := p.reuseLocked(op); c != nil {
			p.mu.Unlock()
			p.Meter.Counter("htcore_pool_conn_reuse_total", 1,
				obs.Label{Key: "origin", Value: origin.String()})
			return c, nil
		}
		if op.live() < p.Limits.MaxConnectionsPerOrigin {
			op.reserved++
			p.mu.Unlock()
			c, err := p.dial(ctx, key, origin, req)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
		wake := op.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutc:
			p.Logger.Debug().Str("origin", origin.String()).Msg("pool acquire timed out")
			p.Meter.Counter("htcore_pool_timeout_total", 1,
				obs.Label{Key: "origin", Value: origin.String()})
			return nil, ErrPoolTimeout
		}
	}
}

// reuseLocked prefers spare HTTP/2 stream capacity, then the most
// recently parked HTTP/1.1 connection. Dead entries found on the way
// are dropped.
func (p *ConnectionPool) reuseLocked(op *originPool) Conn {
	for _, c := range append([]Conn(nil), op.h2...) {
		if c.IsClosed() {
			p.dropLocked(op, c)
			continue
		}
		if c.CanTakeNewRequest() {
			return c
		}
	}

	for n := len(op.idle); n > 0; n = len(op.idle) {
		c := op.idle[n-1]
		if c.IsClosed() || !c.IsReusable() || p.expired(c) {
			p.dropLocked(op, c)
			c.Close()
			continue
		}
		op.idle = op.idle[:n-1]
		p.idleN--
		return c
	}
	return nil
}

func (p *ConnectionPool) expired(c Conn) bool {
	return p.Limits.KeepAliveExpiry > 0 &&
		time.Since(c.IdleSince()) > p.Limits.KeepAliveExpiry
}

func (p *ConnectionPool) dial(ctx context.Context, key poolKey, origin Origin, req *Request) (Conn, error) {
	spec := DialSpec{
		Origin:     origin,
		Proxy:      req.Proxy,
		RootCAs:    req.RootCAs,
		ForceHTTP2: p.ForceHTTP2,
	}
	nc, proto, err := p.Dialer.Dial(ctx, spec)
	if err != nil {
		p.unreserve(key)
		p.Logger.Warn().Str("origin", origin.String()).Err(err).Msg("dial failed")
		p.Meter.Counter("htcore_pool_conn_dial_error_total", 1,
			obs.Label{Key: "origin", Value: origin.String()})
		return nil, &ConnectError{Addr: origin.Addr(), Err: err}
	}
	p.Meter.Counter("htcore_pool_conn_dial_total", 1,
		obs.Label{Key: "origin", Value: origin.String()},
		obs.Label{Key: "proto", Value: proto})

	release := func(c Conn) { p.release(key, c) }
	var c Conn
	if proto == protoHTTP2 {
		h2, err := newHTTP2Conn(origin, nc, p.Timeouts, p.Logger, release)
		if err != nil {
			p.unreserve(key)
			return nil, &ConnectError{Addr: origin.Addr(), Err: err}
		}
		c = h2
	} else {
		absolute := key.proxy != "" && !key.tunnel
		c = newHTTP1Conn(origin, nc, p.Timeouts, absolute, p.Logger, release)
	}

	p.mu.Lock()
	op := p.origin(key)
	op.reserved--
	op.conns[c] = struct{}{}
	if proto == protoHTTP2 {
		op.h2 = append(op.h2, c)
	}
	p.mu.Unlock()
	return c, nil
}

func (p *ConnectionPool) unreserve(key poolKey) {
	p.mu.Lock()
	op := p.origin(key)
	op.reserved--
	p.notifyLocked(op)
	p.mu.Unlock()
}

// release is the connections' way back: HTTP/1.1 conns arrive here when
// an exchange settles, HTTP/2 conns whenever a stream slot frees up or
// the connection dies.
func (p *ConnectionPool) release(key poolKey, c Conn) {
	var toClose Conn
	p.mu.Lock()
	op := p.origin(key)

	switch {
	case c.IsClosed():
		p.dropLocked(op, c)
	case isHTTP2(c):
		// Still open: a stream finished, capacity may exist again.
	case !c.IsReusable() || p.closed || p.idleN >= p.Limits.MaxKeepAlive:
		p.dropLocked(op, c)
		toClose = c
	default:
		op.idle = append(op.idle, c)
		p.idleN++
	}
	p.notifyLocked(op)
	p.mu.Unlock()

	if toClose != nil {
		p.Meter.Counter("htcore_pool_conn_discarded_total", 1)
		toClose.Close()
	}
}

func isHTTP2(c Conn) bool {
	_, ok := c.(*http2Conn)
	return ok
}

// dropLocked takes c off the books. Safe to call when c was already
// dropped; only the first call counts.
func (p *ConnectionPool) dropLocked(op *originPool, c Conn) {
	if _, ok := op.conns[c]; !ok {
		return
	}
	delete(op.conns, c)
	for i, ic := range op.idle {
		if ic == c {
			op.idle = append(op.idle[:i], op.idle[i+1:]...)
			p.idleN--
			break
		}
	}
	for i, hc := range op.h2 {
		if hc == c {
			op.h2 = append(op.h2[:i], op.h2[i+1:]...)
			break
		}
	}
}

func (p *ConnectionPool) origin(key poolKey) *originPool {
	op := p.origins[key]
	if op == nil {
		op = &originPool{
			key:   key,
			conns: make(map[Conn]struct{}),
			wake:  make(chan struct{}),
		}
		p.origins[key] = op
	}
	return op
}

func (p *ConnectionPool) notifyLocked(op *originPool) {
	close(op.wake)
	op.wake = make(chan struct{})
}

func (p *ConnectionPool) startCleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	stop := make(chan struct{})
	p.stop = stop
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.pruneIdle()
			case <-stop:
				return
			}
		}
	}()
}

func (p *ConnectionPool) pruneIdle() {
	if p.Limits.KeepAliveExpiry <= 0 {
		return
	}
	var doomed []Conn
	p.mu.Lock()
	for _, op := range p.origins {
		for _, c := range append([]Conn(nil), op.idle...) {
			if c.IsClosed() || p.expired(c) {
				p.dropLocked(op, c)
				doomed = append(doomed, c)
			}
		}
		for _, c := range append([]Conn(nil), op.h2...) {
			if c.IsClosed() {
				p.dropLocked(op, c)
			} else if c.InFlight() == 0 && p.expired(c) {
				p.dropLocked(op, c)
				doomed = append(doomed, c)
			}
		}
		p.notifyLocked(op)
	}
	p.mu.Unlock()

	for _, c := range doomed {
		c.Close()
		p.Meter.Counter("htcore_pool_conn_idle_closed_total", 1)
	}
}

// CloseIdleConnections closes every parked HTTP/1.1 connection and
// every HTTP/2 connection with nothing in flight.
func (p *ConnectionPool) CloseIdleConnections() {
	var doomed []Conn
	p.mu.Lock()
	for _, op := range p.origins {
		for _, c := range append([]Conn(nil), op.idle...) {
			p.dropLocked(op, c)
			doomed = append(doomed, c)
		}
		for _, c := range append([]Conn(nil), op.h2...) {
			if c.InFlight() == 0 {
				p.dropLocked(op, c)
				doomed = append(doomed, c)
			}
		}
		p.notifyLocked(op)
	}
	p.mu.Unlock()
	for _, c := range doomed {
		c.Close()
	}
}

// Close shuts the pool down. New acquires fail immediately; connections
// with exchanges in flight finish and are closed on release.
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	stop := p.stop
	p.stop = nil
	p.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	p.CloseIdleConnections()
}

// Stats is a point-in-time snapshot, mainly for tests and debugging.
type Stats struct {
	Live int
	Idle int
}

func (p *ConnectionPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Idle: p.idleN}
	for _, op := range p.origins {
		s.Live += op.live()
	}
	return s
}
