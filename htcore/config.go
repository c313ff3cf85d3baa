package htcore

import "time"

// Timeouts holds the independent per-phase timeouts. Zero means no
// limit beyond the request context. Each phase produces its own error
// kind (ErrConnectTimeout, ErrPoolTimeout, ErrWriteTimeout,
// ErrReadTimeout).
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
	Pool    time.Duration
}

// DefaultTimeouts mirror a conservative interactive client.
var DefaultTimeouts = Timeouts{
	Connect: 5 * time.Second,
	Pool:    10 * time.Second,
}

func (t Timeouts) withDefaults() Timeouts {
	if t == (Timeouts{}) {
		return DefaultTimeouts
	}
	return t
}

// PoolLimits caps connection counts and idle lifetime. Configuration
// only; never mutated after the Client is built.
type PoolLimits struct {
	// MaxConnectionsPerOrigin bounds concurrent connections to one
	// origin. Further acquires block until a connection frees up.
	MaxConnectionsPerOrigin int
	// MaxKeepAlive bounds idle connections across all origins; beyond
	// it, released connections are closed instead of parked.
	MaxKeepAlive int
	// KeepAliveExpiry evicts connections idle longer than this.
	KeepAliveExpiry time.Duration
}

var DefaultPoolLimits = PoolLimits{
	MaxConnectionsPerOrigin: 10,
	MaxKeepAlive:            20,
	KeepAliveExpiry:         30 * time.Second,
}

func (l PoolLimits) withDefaults() PoolLimits {
	if l.MaxConnectionsPerOrigin <= 0 {
		l.MaxConnectionsPerOrigin = DefaultPoolLimits.MaxConnectionsPerOrigin
	}
	if l.MaxKeepAlive <= 0 {
		l.MaxKeepAlive = DefaultPoolLimits.MaxKeepAlive
	}
	if l.KeepAliveExpiry <= 0 {
		l.KeepAliveExpiry = DefaultPoolLimits.KeepAliveExpiry
	}
	return l
}

// DefaultMaxRedirects bounds adapter-driven redirect following.
const DefaultMaxRedirects = 20
