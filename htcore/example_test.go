package htcore_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"dqx0.com/go/htcore/htcore"
)

// ExampleHeader shows basic header operations.
func ExampleHeader() {
	h := htcore.Header{}
	h.Add("X-Foo", "a")
	h.Add("X-Foo", "b")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Println(h.Get("x-foo")) // canonical lookup
	fmt.Println(len(h["X-Foo"]))
	h.Del("X-Foo")
	fmt.Println(h.Get("X-Foo"))
	// Output:
	// a
	// 2
	//
}

// ExampleClient_Get fetches a URL with the default stack: pooling,
// redirects, cookies and decompression all wired in.
func ExampleClient_Get() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello")
	}))
	defer srv.Close()

	c := &htcore.Client{
		Timeouts: htcore.Timeouts{Connect: 5 * time.Second, Pool: 10 * time.Second},
	}
	defer c.Close()

	resp, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(resp.StatusCode, string(b))
	// Output:
	// 200 hello
}

// ExampleWithRequestID pins the ID the client stamps on the wire.
func ExampleWithRequestID() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Header.Get("X-Request-ID"))
	}))
	defer srv.Close()

	c := &htcore.Client{}
	defer c.Close()

	ctx := htcore.WithRequestID(context.Background(), "req-42")
	resp, err := c.Get(ctx, srv.URL)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(string(b))
	// Output:
	// req-42
}
