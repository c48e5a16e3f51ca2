package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"reqdiag/app/introspect"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
)

// Config holds the serve settings. Layers are applied in order: defaults,
// JSON file, dotenv file, environment, flags.
type Config struct {
	Addr            string   `json:"addr"`
	ServerName      string   `json:"server_name"`
	Headers         string   `json:"headers"`
	LogLevel        string   `json:"log_level"`
	TLSCert         string   `json:"tls_cert"`
	TLSKey          string   `json:"tls_key"`
	OTelEndpoint    string   `json:"otel_endpoint"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// Duration decodes from a Go duration string such as "10s".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":8080",
		Headers:         introspect.HeadersWire,
		LogLevel:        "info",
		ShutdownTimeout: Duration(10 * time.Second),
	}
}

// LoadFile overlays the JSON file at path. Keys missing from the file keep
// their current value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadEnvFile overlays a dotenv file. A missing file is ignored unless
// required is set.
func (c *Config) LoadEnvFile(path string, required bool) error {
	vars, err := godotenv.Read(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read env file: %w", err)
	}
	return c.applyEnv(func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	})
}

// LoadFromEnv overlays the process environment.
func (c *Config) LoadFromEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"REQDIAG_ADDR":                &c.Addr,
		"REQDIAG_SERVER_NAME":         &c.ServerName,
		"REQDIAG_HEADERS":             &c.Headers,
		"REQDIAG_LOG_LEVEL":           &c.LogLevel,
		"REQDIAG_TLS_CERT":            &c.TLSCert,
		"REQDIAG_TLS_KEY":             &c.TLSKey,
		"OTEL_EXPORTER_OTLP_ENDPOINT": &c.OTelEndpoint,
	}
	for k, dst := range strs {
		if v, ok := lookup(k); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("REQDIAG_SHUTDOWN_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("REQDIAG_SHUTDOWN_TIMEOUT: %w", err)
		}
		c.ShutdownTimeout = Duration(d)
	}
	return nil
}

// Validate checks the settings that would otherwise fail at request time.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is empty"))
	}
	if _, err := introspect.ListerFor(c.Headers); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdown_timeout is negative"))
	}
	return errors.Join(errs...)
}
