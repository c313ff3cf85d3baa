package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dqx0.com/go/htcore/htcore"
)

var opts struct {
	method       string
	headers      []string
	data         string
	user         string
	bearer       string
	timeout      time.Duration
	maxRedirects int
	noRedirects  bool
	http2        bool
	insecure     bool
	include      bool
	output       string
	verbose      bool
}

func main() {
	root := &cobra.Command{
		Use:   "htget [flags] URL",
		Short: "Fetch a URL over HTTP/1.1 or HTTP/2",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}
	f := root.Flags()
	f.StringVarP(&opts.method, "request", "X", "GET", "request method")
	f.StringArrayVarP(&opts.headers, "header", "H", nil, "extra header, as 'Name: value'")
	f.StringVarP(&opts.data, "data", "d", "", "request body (implies POST unless -X is given)")
	f.StringVarP(&opts.user, "user", "u", "", "basic auth credentials, as user:password")
	f.StringVar(&opts.bearer, "bearer", "", "bearer token")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall request timeout")
	f.IntVar(&opts.maxRedirects, "max-redirects", htcore.DefaultMaxRedirects, "redirect hop limit")
	f.BoolVar(&opts.noRedirects, "no-redirects", false, "return 3xx responses instead of following them")
	f.BoolVar(&opts.http2, "http2", false, "require HTTP/2 (prior knowledge on cleartext)")
	f.BoolVarP(&opts.insecure, "insecure", "k", false, "skip TLS certificate verification")
	f.BoolVarP(&opts.include, "include", "i", false, "print response headers before the body")
	f.StringVarP(&opts.output, "output", "o", "", "write body to file instead of stdout")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging to stderr")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, url string, stdout io.Writer) error {
	logger := zerolog.Nop()
	if opts.verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel).With().Timestamp().Logger()
	}

	client := &htcore.Client{
		TrustEnv:         true,
		ForceHTTP2:       opts.http2,
		MaxRedirects:     opts.maxRedirects,
		DisableRedirects: opts.noRedirects,
		Logger:           logger,
	}
	defer client.Close()

	if opts.insecure {
		client.Dialer = &htcore.NetDialer{
			TLSConfig:   &tls.Config{InsecureSkipVerify: true},
			EnableHTTP2: true,
		}
	}
	switch {
	case opts.user != "":
		name, pass, _ := strings.Cut(opts.user, ":")
		client.Credential = htcore.BasicAuth{Username: name, Password: pass}
	case opts.bearer != "":
		client.Credential = htcore.BearerAuth{Token: opts.bearer}
	}

	method := strings.ToUpper(opts.method)
	var body interface{}
	if opts.data != "" {
		body = opts.data
		if method == "GET" {
			method = "POST"
		}
	}
	req, err := htcore.NewRequest(method, url, body)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return errors.Errorf("malformed header %q, want 'Name: value'", h)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if opts.include {
		fmt.Fprintf(stdout, "%s %s\n", resp.Proto, resp.Status)
		keys := make([]string, 0, len(resp.Header))
		for k := range resp.Header {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, v := range resp.Header[k] {
				fmt.Fprintf(stdout, "%s: %s\n", k, v)
			}
		}
		fmt.Fprintln(stdout)
	}

	out := stdout
	if opts.output != "" {
		fh, err := os.Create(opts.output)
		if err != nil {
			return errors.Wrap(err, "open output")
		}
		defer fh.Close()
		out = fh
	}
	_, err = io.Copy(out, resp.Body)
	return errors.Wrap(err, "read body")
}
