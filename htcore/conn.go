package htcore

import (
	"context"
	"net"
	"time"
)

// Conn is one pooled protocol connection. Implementations are
// *http1Conn and *http2Conn; the variant is chosen once by ALPN at
// dial time and never switched.
//
// While idle a Conn is owned exclusively by the pool; during Send it
// is borrowed by the caller. HTTP/2 conns may be borrowed by several
// callers at once, one per stream.
type Conn interface {
	Origin() Origin
	// Send performs one exchange. The returned Response owns body
	// streaming; closing the body releases the connection back to the
	// pool (or closes it when it cannot be reused).
	Send(req *Request) (*Response, error)
	// IsReusable reports whether the connection may serve another
	// exchange after the current ones finish.
	IsReusable() bool
	IsClosed() bool
	// InFlight counts logical exchanges currently borrowed.
	InFlight() int
	// CanTakeNewRequest reports spare capacity right now: an idle
	// HTTP/1.1 conn, or an HTTP/2 conn below its stream limit.
	CanTakeNewRequest() bool
	// IdleSince is the time the connection last became fully idle;
	// zero while in flight.
	IdleSince() time.Time
	Close() error
}

// deadlines merge a configured per-phase timeout with the request
// context; the earlier wins. Zero timeout means ctx-only.
func writeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	return phaseDeadline(ctx, timeout)
}

func readDeadline(ctx context.Context, timeout time.Duration) time.Time {
	return phaseDeadline(ctx, timeout)
}

func phaseDeadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if dl, ok := ctx.Deadline(); ok {
		if d.IsZero() || dl.Before(d) {
			d = dl
		}
	}
	return d
}

func setConnDeadlines(c net.Conn, read, write time.Time) {
	_ = c.SetReadDeadline(read)
	_ = c.SetWriteDeadline(write)
}
