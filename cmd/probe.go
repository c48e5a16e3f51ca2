package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reqdiag/app/server"

	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// CmdProbe is the CLI command fetching a dump from a running server.
var CmdProbe = &cli.Command{
	Name:    "probe",
	Aliases: []string{"p"},
	Usage:   "requests a dump, optionally posing as a proxy",
	Description: `
	Send a GET to --url and print the response body. Repeat --header to add
	forwarding headers as a proxy would, e.g.
	  --header "X-Forwarded-Proto: https" --header "X-Forwarded-For: 203.0.113.7"
	A "Host" header overrides the request host.
	`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "url",
			Aliases:  []string{"u"},
			Usage:    "URL of the diagnostic endpoint.",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:    "header",
			Aliases: []string{"H"},
			Usage:   "Extra request header as \"Name: Value\".",
		},
		&cli.BoolFlag{
			Name:    "insecure",
			Aliases: []string{"k"},
			Usage:   "Skip TLS certificate verification.",
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Aliases: []string{"t"},
			Usage:   "Request timeout.",
			Value:   10 * time.Second,
		},
		&cli.StringFlag{
			Name:    "otel-endpoint",
			Usage:   "OTLP/HTTP endpoint for the client span (host:port).",
			Sources: cli.EnvVars("OTEL_EXPORTER_OTLP_ENDPOINT"),
		},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		headers, err := ParseHeaders(c.StringSlice("header"))
		if err != nil {
			return err
		}
		shutdown, err := server.SetupTelemetry(ctx, c.String("otel-endpoint"), Version)
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()

		client := NewProbeClient(c.Bool("insecure"), c.Duration("timeout"))
		return Probe(ctx, client, c.String("url"), headers, c.Root().Writer)
	},
}

// NewProbeClient returns an HTTP client that records a client span and sends
// its traceparent upstream.
func NewProbeClient(insecure bool, timeout time.Duration) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(base),
		Timeout:   timeout,
	}
}

// ParseHeaders splits "Name: Value" pairs at the first colon.
func ParseHeaders(raw []string) (http.Header, error) {
	h := http.Header{}
	for _, kv := range raw {
		name, value, ok := strings.Cut(kv, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: Value\"", kv)
		}
		h.Add(name, strings.TrimSpace(value))
	}
	return h, nil
}

// Probe fetches url with the given headers and copies the body to w.
func Probe(ctx context.Context, client *http.Client, url string, headers http.Header, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for name, values := range headers {
		if http.CanonicalHeaderKey(name) == "Host" {
			req.Host = values[0]
			continue
		}
		req.Header[name] = append(req.Header[name], values...)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected response: status=%d body=%s", resp.StatusCode, string(data))
	}
	_, err = io.Copy(w, resp.Body)
	return err
}
