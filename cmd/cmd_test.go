package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"reqdiag/app/introspect"
	"reqdiag/app/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfig_Layers(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFile(writeFile(t, "reqdiag.json",
		`{"addr":":9000","headers":"map","shutdown_timeout":"3s","server_name":"from-json"}`)))
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "map", cfg.Headers)
	assert.Equal(t, Duration(3*time.Second), cfg.ShutdownTimeout)
	assert.Equal(t, "info", cfg.LogLevel)

	require.NoError(t, cfg.LoadEnvFile(writeFile(t, ".env",
		"REQDIAG_SERVER_NAME=from-dotenv\nREQDIAG_LOG_LEVEL=debug\n"), true))
	assert.Equal(t, "from-dotenv", cfg.ServerName)
	assert.Equal(t, "debug", cfg.LogLevel)

	t.Setenv("REQDIAG_HEADERS", "wire")
	t.Setenv("REQDIAG_SHUTDOWN_TIMEOUT", "1m")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "wire", cfg.Headers)
	assert.Equal(t, Duration(time.Minute), cfg.ShutdownTimeout)
	assert.Equal(t, "collector:4318", cfg.OTelEndpoint)
	assert.Equal(t, ":9000", cfg.Addr)

	assert.NoError(t, cfg.Validate())
}

func TestConfig_DefaultsToWireHeaders(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, introspect.HeadersWire, cfg.Headers)
	assert.True(t, introspect.NeedsWire(cfg.Headers))

	lister, err := introspect.ListerFor(cfg.Headers)
	require.NoError(t, err)
	assert.Equal(t, introspect.WireHeaders{}, lister)
}

func TestConfig_EnvFileMissing(t *testing.T) {
	cfg := DefaultConfig()
	missing := filepath.Join(t.TempDir(), ".env")
	assert.NoError(t, cfg.LoadEnvFile(missing, false))
	assert.Error(t, cfg.LoadEnvFile(missing, true))
}

func TestConfig_BadInputs(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.LoadFile(writeFile(t, "bad.json", `{"addr":`)))
	assert.Error(t, cfg.LoadFile(writeFile(t, "dur.json", `{"shutdown_timeout":"soon"}`)))

	t.Setenv("REQDIAG_SHUTDOWN_TIMEOUT", "later")
	assert.Error(t, DefaultConfig().LoadFromEnv())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"tls pair", func(c *Config) { c.TLSCert, c.TLSKey = "c.pem", "k.pem" }, false},
		{"half tls", func(c *Config) { c.TLSCert = "c.pem" }, true},
		{"unknown headers", func(c *Config) { c.Headers = "sorted" }, true},
		{"unknown level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"empty addr", func(c *Config) { c.Addr = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("trace")
	assert.Error(t, err)
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	log, lv := NewLogger(&buf, slog.LevelInfo)
	ctx := WithLogger(context.Background(), log)

	FromContext(ctx).Debug("hidden")
	assert.Empty(t, buf.String())

	lv.Set(slog.LevelDebug)
	FromContext(ctx).Debug("shown")
	assert.Contains(t, buf.String(), "shown")

	assert.Equal(t, slog.Default(), FromContext(context.Background()))
}

func TestParseHeaders(t *testing.T) {
	h, err := ParseHeaders([]string{"X-Forwarded-Proto: https", "X-Forwarded-For:203.0.113.7", "X-Empty:"})
	require.NoError(t, err)
	assert.Equal(t, "https", h.Get("X-Forwarded-Proto"))
	assert.Equal(t, "203.0.113.7", h.Get("X-Forwarded-For"))
	assert.Equal(t, []string{""}, h.Values("X-Empty"))

	_, err = ParseHeaders([]string{"no-colon"})
	assert.Error(t, err)
	_, err = ParseHeaders([]string{": value"})
	assert.Error(t, err)
}

func diagServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := introspect.NewHandler(introspect.Options{Lister: introspect.MapHeaders{}}, nil)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func TestProbe(t *testing.T) {
	ts := diagServer(t)
	headers, err := ParseHeaders([]string{"Host: example.com", "X-Forwarded-Proto: https"})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, Probe(context.Background(), NewProbeClient(false, 5*time.Second), ts.URL+"/diag.php", headers, &out))

	assert.Contains(t, out.String(), "HTTP_HOST               = example.com\n")
	assert.Contains(t, out.String(), "HTTP_X_FORWARDED_PROTO  = https\n")
	assert.Contains(t, out.String(), "HTTP_X_FORWARDED_FOR    = (not set)\n")
}

func TestTracedClient_SendsTraceparent(t *testing.T) {
	shutdown, err := server.SetupTelemetry(context.Background(), "", "test")
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	got := make(chan string, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("Traceparent")
	}))
	defer ts.Close()

	require.NoError(t, Probe(context.Background(), NewProbeClient(false, 5*time.Second), ts.URL, nil, &bytes.Buffer{}))
	assert.Regexp(t, `^00-[0-9a-f]{32}-[0-9a-f]{16}-0[01]$`, <-got)
}

func TestProbe_Non200(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	err := Probe(context.Background(), ts.Client(), ts.URL, nil, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=502")
}

func TestCmdProbe(t *testing.T) {
	ts := diagServer(t)
	var out bytes.Buffer
	app := &cli.Command{
		Name:     "reqdiag",
		Writer:   &out,
		Commands: []*cli.Command{CmdProbe},
	}

	err := app.Run(context.Background(), []string{"reqdiag", "probe", "--url", ts.URL + "/x?y=1", "-H", "X-Real-IP: 198.51.100.2"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "REQUEST_URI             = /x?y=1\n")
	assert.Contains(t, out.String(), "HTTP_X_REAL_IP          = 198.51.100.2\n")
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = Duration(time.Second)

	ctx, cancel := context.WithCancel(WithLogger(context.Background(), slog.New(slog.DiscardHandler)))
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, cfg) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
