package htcore

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"dqx0.com/go/htcore/htcore/internal/http1"
)

// alpn protocol labels.
const (
	protoHTTP11 = "http/1.1"
	protoHTTP2  = "h2"
)

// DialSpec is everything the transport capability needs to establish a
// byte stream for an origin.
type DialSpec struct {
	Origin  Origin
	Proxy   *url.URL
	RootCAs *x509.CertPool
	// ForceHTTP2 requests HTTP/2 with prior knowledge; over TLS only
	// "h2" is offered, over cleartext the connection is used as h2c.
	ForceHTTP2 bool
}

// Dialer opens the transport byte stream for an origin. The core never
// performs DNS or TLS outside this capability.
type Dialer interface {
	Dial(ctx context.Context, spec DialSpec) (conn net.Conn, proto string, err error)
}

// NetDialer is the default Dialer: TCP, optional TLS with SNI and ALPN,
// optional HTTP proxy (CONNECT tunneling for https targets).
type NetDialer struct {
	Timeout   time.Duration
	TLSConfig *tls.Config
	// EnableHTTP2 offers "h2" during ALPN for https origins.
	EnableHTTP2 bool
}

func (d *NetDialer) Dial(ctx context.Context, spec DialSpec) (net.Conn, string, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeouts.Connect
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if spec.Proxy != nil && !spec.Origin.IsTLS() {
		// Plain HTTP via proxy: the connection goes to the gateway and
		// requests use absolute-form targets. No TLS, no h2.
		c, err := d.dialTCP(ctx, hostPortOf(spec.Proxy))
		if err != nil {
			return nil, "", err
		}
		return c, protoHTTP11, nil
	}

	var c net.Conn
	var err error
	if spec.Proxy != nil {
		c, err = d.dialTunnel(ctx, spec)
	} else {
		c, err = d.dialTCP(ctx, spec.Origin.Addr())
	}
	if err != nil {
		return nil, "", err
	}

	if !spec.Origin.IsTLS() {
		if spec.ForceHTTP2 {
			return c, protoHTTP2, nil // h2c with prior knowledge
		}
		return c, protoHTTP11, nil
	}

	cfg := d.tlsConfigFor(spec)
	tc := tls.Client(c, cfg)
	if dl, ok := ctx.Deadline(); ok {
		_ = tc.SetDeadline(dl)
	}
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = c.Close()
		return nil, "", mapDialErr(err)
	}
	_ = tc.SetDeadline(time.Time{})
	proto := protoHTTP11
	if tc.ConnectionState().NegotiatedProtocol == protoHTTP2 {
		proto = protoHTTP2
	}
	return tc, proto, nil
}

func (d *NetDialer) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{}
	c, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, mapDialErr(err)
	}
	return c, nil
}

// dialTunnel opens a CONNECT tunnel through an HTTP proxy to the
// target origin. The returned conn is the raw tunnel, not yet TLS.
func (d *NetDialer) dialTunnel(ctx context.Context, spec DialSpec) (net.Conn, error) {
	addr := spec.Origin.Addr()
	c, err := d.dialTCP(ctx, hostPortOf(spec.Proxy))
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(dl)
	}
	bw := bufio.NewWriter(c)
	if _, err := fmt.Fprintf(bw, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr); err != nil {
		_ = c.Close()
		return nil, err
	}
	if h := proxyAuthHeader(spec.Proxy); h != "" {
		if _, err := fmt.Fprintf(bw, "Proxy-Authorization: %s\r\n", h); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	if _, err := fmt.Fprint(bw, "\r\n"); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		_ = c.Close()
		return nil, err
	}
	rd := &http1.Reader{BR: bufio.NewReader(c), MaxHeaderBytes: 8 << 10}
	pr, err := rd.ReadResponse("CONNECT")
	if err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "proxy CONNECT")
	}
	if pr.StatusCode != 200 {
		_ = c.Close()
		return nil, errors.Errorf("proxy CONNECT refused: %d", pr.StatusCode)
	}
	_ = c.SetDeadline(time.Time{})
	return c, nil
}

func (d *NetDialer) tlsConfigFor(spec DialSpec) *tls.Config {
	cfg := d.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = spec.Origin.Host
	}
	if cfg.RootCAs == nil && spec.RootCAs != nil {
		cfg.RootCAs = spec.RootCAs
	}
	if len(cfg.NextProtos) == 0 {
		if spec.ForceHTTP2 {
			cfg.NextProtos = []string{protoHTTP2}
		} else if d.EnableHTTP2 {
			cfg.NextProtos = []string{protoHTTP2, protoHTTP11}
		} else {
			cfg.NextProtos = []string{protoHTTP11}
		}
	}
	return cfg
}

// mapDialErr folds timeouts into the connect-timeout kind so callers
// can tell exhaustion from refusal.
func mapDialErr(err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	return err
}

func proxyAuthHeader(u *url.URL) string {
	if u == nil || u.User == nil {
		return ""
	}
	user := u.User.Username()
	pass, _ := u.User.Password()
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func hostPortOf(u *url.URL) string {
	host := u.Host
	if !strings.Contains(host, ":") {
		if u.Scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	return host
}

// ProxyFromEnvironment resolves a proxy URL for the target from
// HTTP_PROXY/HTTPS_PROXY/ALL_PROXY, honoring NO_PROXY.
func ProxyFromEnvironment(target *url.URL) (*url.URL, error) {
	if target == nil {
		return nil, nil
	}
	host := hostOnly(target.Host)
	port := ""
	if _, p, err := net.SplitHostPort(target.Host); err == nil {
		port = p
	} else if target.Scheme == "https" {
		port = "443"
	} else {
		port = "80"
	}
	if noProxyMatch(host, port) {
		return nil, nil
	}
	scheme := target.Scheme
	if scheme == "" {
		scheme = "http"
	}
	var proxyStr string
	if scheme == "https" {
		proxyStr = firstEnv("HTTPS_PROXY", "https_proxy")
	} else {
		proxyStr = firstEnv("HTTP_PROXY", "http_proxy")
	}
	if proxyStr == "" {
		proxyStr = firstEnv("ALL_PROXY", "all_proxy")
	}
	if proxyStr == "" {
		return nil, nil
	}
	if !strings.Contains(proxyStr, "://") {
		proxyStr = "http://" + proxyStr
	}
	return url.Parse(proxyStr)
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func hostOnly(h string) string {
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return strings.Trim(h, "[]")
}

func noProxyMatch(host, port string) bool {
	v := firstEnv("NO_PROXY", "no_proxy")
	if v == "" {
		return false
	}
	host = strings.ToLower(host)
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if p == "*" {
			return true
		}
		if i := strings.Index(p, "://"); i >= 0 {
			p = p[i+3:]
		}
		// CIDR pattern, only meaningful when host is an IP.
		if strings.Contains(p, "/") {
			ip := net.ParseIP(host)
			if ip == nil {
				ip = net.ParseIP(strings.Trim(host, "[]"))
			}
			if ip != nil {
				if _, cidr, err := net.ParseCIDR(p); err == nil && cidr.Contains(ip) {
					return true
				}
			}
			continue
		}
		patPort := ""
		if i := strings.LastIndex(p, ":"); i != -1 && !strings.HasPrefix(p, "[") {
			patPort = p[i+1:]
			p = p[:i]
		}
		if patPort != "" && port != patPort {
			continue
		}
		p = strings.Trim(p, "[]")
		if host == p {
			return true
		}
		if strings.HasPrefix(p, ".") {
			if strings.HasSuffix(host, p) {
				return true
			}
		} else if strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}
