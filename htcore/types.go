package htcore

import (
	"net/http"
	"net/textproto"

	"golang.org/x/net/http/httpguts"
)

type Header map[string][]string

func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	k := textproto.CanonicalMIMEHeaderKey(key)
	if vv, ok := h[k]; ok && len(vv) > 0 {
		return vv[0]
	}
	return ""
}

func (h Header) Values(key string) []string {
	if h == nil {
		return nil
	}
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

func (h Header) Set(key, value string) {
	if h == nil {
		return
	}
	k := textproto.CanonicalMIMEHeaderKey(key)
	h[k] = []string{value}
}

func (h Header) Add(key, value string) {
	if h == nil {
		return
	}
	k := textproto.CanonicalMIMEHeaderKey(key)
	h[k] = append(h[k], value)
}

func (h Header) Del(key string) {
	if h == nil {
		return
	}
	k := textproto.CanonicalMIMEHeaderKey(key)
	delete(h, k)
}

// Clone returns a deep copy. Adapters derive new requests instead of
// mutating the one they were handed, so they always clone first.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	h2 := make(Header, len(h))
	for k, vv := range h {
		h2[k] = append([]string(nil), vv...)
	}
	return h2
}

func validHeaderName(name string) bool   { return httpguts.ValidHeaderFieldName(name) }
func validHeaderValue(value string) bool { return httpguts.ValidHeaderFieldValue(value) }

func statusText(code int) string {
	if t := http.StatusText(code); t != "" {
		return t
	}
	return "status"
}
