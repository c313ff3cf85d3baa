package htcore

import (
	"crypto/x509"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// EnvironmentAdapter fills in proxy and trust settings from the process
// environment: HTTP_PROXY/HTTPS_PROXY/ALL_PROXY with NO_PROXY
// exclusions, and SSL_CERT_FILE for a custom root bundle. With TrustEnv
// off it is a pass-through.
type EnvironmentAdapter struct {
	Next     Sender
	TrustEnv bool
	Logger   zerolog.Logger

	rootsOnce sync.Once
	roots     *x509.CertPool
	rootsErr  error
}

func (a *EnvironmentAdapter) Send(req *Request) (*Response, error) {
	if !a.TrustEnv {
		return a.Next.Send(req)
	}
	r2 := req.Clone()
	if r2.Proxy == nil {
		if p, err := ProxyFromEnvironment(r2.URL); err == nil && p != nil {
			r2.Proxy = p
			a.Logger.Debug().Str("proxy", p.Host).Str("request_id", req.RequestID).Msg("using proxy from environment")
		}
	}
	if r2.RootCAs == nil {
		roots, err := a.envRoots()
		if err != nil {
			return nil, err
		}
		r2.RootCAs = roots
	}
	return a.Next.Send(r2)
}

// envRoots loads SSL_CERT_FILE once; the result is shared by every
// request through this adapter.
func (a *EnvironmentAdapter) envRoots() (*x509.CertPool, error) {
	a.rootsOnce.Do(func() {
		file := os.Getenv("SSL_CERT_FILE")
		if file == "" {
			return
		}
		pem, err := os.ReadFile(file)
		if err != nil {
			a.rootsErr = err
			return
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			a.Logger.Warn().Str("file", file).Msg("SSL_CERT_FILE contained no usable certificates")
			return
		}
		a.roots = pool
	})
	return a.roots, a.rootsErr
}
