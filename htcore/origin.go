package htcore

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Origin is the scheme/host/port identity used as the pooling key.
// Two URLs that normalize to the same scheme, case-folded host and
// default-normalized port share connections. Immutable once built.
type Origin struct {
	Scheme string
	Host   string
	Port   int
}

// OriginOf derives the canonical origin of a URL.
func OriginOf(u *url.URL) (Origin, error) {
	if u == nil {
		return Origin{}, fmt.Errorf("htcore: nil URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	if scheme != "http" && scheme != "https" {
		return Origin{}, fmt.Errorf("htcore: unsupported scheme %q", u.Scheme)
	}
	host := u.Host
	port := 0
	if h, p, err := net.SplitHostPort(host); err == nil {
		host = h
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Origin{}, fmt.Errorf("htcore: bad port %q", p)
		}
		port = n
	} else {
		host = strings.Trim(host, "[]")
	}
	if host == "" {
		return Origin{}, fmt.Errorf("htcore: URL missing host")
	}
	if port == 0 {
		port = defaultPort(scheme)
	}
	return Origin{Scheme: scheme, Host: strings.ToLower(host), Port: port}, nil
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// Addr returns the host:port dial address.
func (o Origin) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// IsTLS reports whether connections to this origin are TLS-wrapped.
func (o Origin) IsTLS() bool { return o.Scheme == "https" }

func (o Origin) String() string {
	return o.Scheme + "://" + o.Addr()
}

// HostHeader is the value for the Host header (or :authority), with
// default ports elided.
func (o Origin) HostHeader() string {
	if o.Port == defaultPort(o.Scheme) {
		return o.Host
	}
	return o.Addr()
}
