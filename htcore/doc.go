// Package htcore is a small HTTP client core: it turns abstract
// requests into responses over HTTP/1.1 or HTTP/2 while owning the
// TCP/TLS connection lifecycle itself.
//
// The package is built from three coupled pieces:
//   - ConnectionPool: hands out reusable connections per origin under
//     capacity and keep-alive rules; the only place connections are
//     created, reused or evicted.
//   - Conn variants: HTTP/1.1 (strictly serial exchanges, chunked or
//     length-delimited bodies) and HTTP/2 (one connection multiplexing
//     many flow-controlled streams) behind one interface, selected by
//     ALPN at dial time.
//   - Adapter pipeline: redirect following, environment proxy/CA
//     configuration, cookie persistence and auth-challenge retry,
//     composed as explicit middleware around the pool.
//
// Quick start:
//
//	c := &htcore.Client{}
//	defer c.Close()
//	res, err := c.Get(ctx, "https://example.org/")
//	if err != nil { log.Fatal(err) }
//	defer res.Body.Close()
//	b, _ := io.ReadAll(res.Body)
//	fmt.Println(res.StatusCode, len(b))
//
// Response bodies are one-shot streams; Close drains them so the
// underlying connection can go back to the pool.
package htcore
