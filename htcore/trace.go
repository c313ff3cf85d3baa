package htcore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Trace carries W3C trace context for outbound propagation. TraceID is
// 32 hex digits, SpanID 16, Flags 2 (e.g. "01").
type Trace struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Flags        string
}

type traceKeyType struct{}

var traceKey traceKeyType

// WithTrace stores trace context in ctx; the client picks it up when
// stamping Traceparent on outgoing requests.
func WithTrace(ctx context.Context, tr Trace) context.Context {
	return context.WithValue(ctx, traceKey, tr)
}

// TraceFrom extracts trace context from ctx.
func TraceFrom(ctx context.Context) (Trace, bool) {
	if tr, ok := ctx.Value(traceKey).(Trace); ok {
		return tr, true
	}
	return Trace{}, false
}

func formatTraceparent(traceID, spanID, flags string) string {
	if flags == "" {
		flags = "01"
	}
	return "00-" + strings.ToLower(traceID) + "-" + strings.ToLower(spanID) + "-" + strings.ToLower(flags)
}

func genTraceID() string { return genHex(16) }
func genSpanID() string  { return genHex(8) }

// genHex returns n random bytes hex-encoded, never all zeros.
func genHex(n int) string {
	b := make([]byte, n)
	for {
		if _, err := rand.Read(b); err != nil {
			continue
		}
		for _, v := range b {
			if v != 0 {
				return hex.EncodeToString(b)
			}
		}
	}
}
