package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reqdiag/app/introspect"
	"reqdiag/app/server"

	"github.com/urfave/cli/v3"
)

// Version is reported as service.version.
var Version = "dev"

// CmdServe is the CLI command running the diagnostic server.
var CmdServe = &cli.Command{
	Name:    "serve",
	Aliases: []string{"s"},
	Usage:   "serves the request dump on every path",
	Description: `
	Answer every HTTP request with a plain-text dump of the request metadata:
	method, URI, host, local address, scheme, TLS flag, the usual forwarding
	headers and, depending on --headers, every received header.

	Header modes: wire (default; exact receipt order and spelling, section
	omitted when unavailable), map (canonical names, sorted), auto (wire when
	available, else map), none. map and auto lose receipt order.

	Settings are read from --config (JSON), then --env-file, then REQDIAG_*
	environment variables, then flags.
	`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "addr",
			Usage: "Address to listen on.",
			Value: ":8080",
		},
		&cli.StringFlag{
			Name:  "server-name",
			Usage: "Value reported as SERVER_NAME (default: host of the request).",
		},
		&cli.StringFlag{
			Name:  "headers",
			Usage: "Header listing mode: wire, map, auto or none.",
			Value: introspect.HeadersWire,
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "JSON config file.",
		},
		&cli.StringFlag{
			Name:  "env-file",
			Usage: "dotenv file with REQDIAG_* variables.",
			Value: ".env",
		},
		&cli.StringFlag{
			Name:  "tls-cert",
			Usage: "Certificate file; terminates TLS when set with --tls-key.",
		},
		&cli.StringFlag{
			Name:  "tls-key",
			Usage: "Private key file for --tls-cert.",
		},
		&cli.StringFlag{
			Name:  "otel-endpoint",
			Usage: "OTLP/HTTP endpoint for traces (host:port).",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error.",
			Value: "info",
		},
		&cli.DurationFlag{
			Name:  "shutdown-timeout",
			Usage: "How long to wait for in-flight requests on shutdown.",
			Value: 10 * time.Second,
		},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		level, _ := ParseLevel(cfg.LogLevel)
		log, _ := NewLogger(os.Stderr, level)
		ctx = WithLogger(ctx, log)

		shutdown, err := server.SetupTelemetry(ctx, cfg.OTelEndpoint, Version)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Warn("telemetry shutdown", "error", err)
			}
		}()

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return Serve(ctx, cfg)
	},
}

// Serve builds the handler for cfg and runs it until ctx is done.
func Serve(ctx context.Context, cfg *Config) error {
	log := FromContext(ctx)
	lister, err := introspect.ListerFor(cfg.Headers)
	if err != nil {
		return err
	}
	h := introspect.NewHandler(introspect.Options{
		ServerName: cfg.ServerName,
		Lister:     lister,
	}, log)

	srv := server.New(server.Config{
		Addr:            cfg.Addr,
		TLSCert:         cfg.TLSCert,
		TLSKey:          cfg.TLSKey,
		RecordHeads:     introspect.NeedsWire(cfg.Headers),
		ShutdownTimeout: time.Duration(cfg.ShutdownTimeout),
	}, h, log)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info("server exiting")
	return nil
}

func loadConfig(c *cli.Command) (*Config, error) {
	cfg := DefaultConfig()
	if path := c.String("config"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadEnvFile(c.String("env-file"), c.IsSet("env-file")); err != nil {
		return nil, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	flags := map[string]*string{
		"addr":          &cfg.Addr,
		"server-name":   &cfg.ServerName,
		"headers":       &cfg.Headers,
		"tls-cert":      &cfg.TLSCert,
		"tls-key":       &cfg.TLSKey,
		"otel-endpoint": &cfg.OTelEndpoint,
		"log-level":     &cfg.LogLevel,
	}
	for name, dst := range flags {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	if c.IsSet("shutdown-timeout") {
		cfg.ShutdownTimeout = Duration(c.Duration("shutdown-timeout"))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
