// Package server runs the diagnostic handler behind the access log and
// OpenTelemetry middleware, with graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"reqdiag/app/introspect"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Config holds the listener settings.
type Config struct {
	Addr    string
	TLSCert string
	TLSKey  string
	// RecordHeads keeps the raw request head of plaintext connections so
	// headers can be listed in receipt order.
	RecordHeads     bool
	ShutdownTimeout time.Duration
}

// Server serves one handler until its context is cancelled.
type Server struct {
	cfg Config
	log *slog.Logger
	srv *http.Server
	ln  net.Listener
}

// New creates a new Server. h is wrapped with the access log and otelhttp.
func New(cfg Config, h http.Handler, log *slog.Logger) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{cfg: cfg, log: log}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           Wrap(h, log),
		ReadHeaderTimeout: 10 * time.Second,
		ConnContext:       connContext,
	}
	return s
}

// Wrap puts the access log and tracing middleware around h.
func Wrap(h http.Handler, log *slog.Logger) http.Handler {
	return otelhttp.NewHandler(accessLog(h, log), ServiceName)
}

// TLS reports whether the server terminates TLS itself.
func (s *Server) TLS() bool {
	return s.cfg.TLSCert != "" && s.cfg.TLSKey != ""
}

// Listen binds the configured address. Plaintext listeners record request
// heads when enabled; TLS connections are left alone because net/http only
// detects TLS on a bare *tls.Conn.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	if s.cfg.RecordHeads && !s.TLS() {
		ln = recordingListener{Listener: ln}
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address. Listen must have been called.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		s.log.Info("serving", "addr", s.ln.Addr().String(), "tls", s.TLS(), "record_heads", s.cfg.RecordHeads && !s.TLS())
		var err error
		if s.TLS() {
			err = s.srv.ServeTLS(s.ln, s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.srv.Serve(s.ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down", "timeout", s.cfg.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return eg.Wait()
}

func connContext(ctx context.Context, c net.Conn) context.Context {
	if rc, ok := c.(*recordingConn); ok {
		return introspect.WithHeadSource(ctx, rc.rec)
	}
	return ctx
}

func accessLog(h http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(h, w, r)
		attrs := []any{
			"method", r.Method,
			"uri", r.RequestURI,
			"status", m.Code,
			"bytes", m.Written,
			"duration", m.Duration,
			"remote", r.RemoteAddr,
		}
		if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
			attrs = append(attrs, "trace_id", sc.TraceID().String())
		}
		log.Info("request", attrs...)
	})
}
