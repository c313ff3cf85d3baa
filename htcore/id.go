package htcore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

func genID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	// rand failure is close to impossible; degrade to a timestamp.
	t := time.Now().UnixNano()
	var fb [16]byte
	for i := 0; i < 16; i++ {
		fb[i] = byte(t >> (uint(i%8) * 8))
	}
	return hex.EncodeToString(fb[:])
}

type ctxKey int

const ctxKeyRequestID ctxKey = iota

// WithRequestID returns a context carrying a request ID; the client
// stamps it on outgoing requests as X-Request-ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFrom extracts the request ID from ctx.
func RequestIDFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(ctxKeyRequestID).(string)
	return s, ok && s != ""
}
