package htcore

import (
	"net/url"
	"testing"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return u
}

func TestOriginOf(t *testing.T) {
	cases := []struct {
		in   string
		want Origin
	}{
		{"http://example.com/x", Origin{Scheme: "http", Host: "example.com", Port: 80}},
		{"https://example.com", Origin{Scheme: "https", Host: "example.com", Port: 443}},
		{"http://Example.COM:8080/", Origin{Scheme: "http", Host: "example.com", Port: 8080}},
		{"HTTPS://a.b:444", Origin{Scheme: "https", Host: "a.b", Port: 444}},
	}
	for _, tc := range cases {
		got, err := OriginOf(mustURL(t, tc.in))
		if err != nil {
			t.Fatalf("OriginOf(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("OriginOf(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestOriginOf_Rejects(t *testing.T) {
	for _, in := range []string{"ftp://example.com", "http://", "http://example.com:0"} {
		if _, err := OriginOf(mustURL(t, in)); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestOriginHostHeader(t *testing.T) {
	cases := map[string]string{
		"http://example.com/":      "example.com",
		"https://example.com/":     "example.com",
		"http://example.com:8080/": "example.com:8080",
		"https://example.com:443/": "example.com",
	}
	for in, want := range cases {
		o, err := OriginOf(mustURL(t, in))
		if err != nil {
			t.Fatalf("OriginOf(%q): %v", in, err)
		}
		if got := o.HostHeader(); got != want {
			t.Fatalf("HostHeader(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOriginEquality(t *testing.T) {
	a, _ := OriginOf(mustURL(t, "http://example.com"))
	b, _ := OriginOf(mustURL(t, "http://example.com:80/path?q=1"))
	if a != b {
		t.Fatalf("default port and explicit port must compare equal: %+v vs %+v", a, b)
	}
	c, _ := OriginOf(mustURL(t, "https://example.com"))
	if a == c {
		t.Fatalf("schemes must separate origins")
	}
}
