// Package introspect turns an inbound HTTP request into the plain-text
// diagnostic dump used to debug reverse-proxy and TLS-offload setups.
package introspect

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

// Keys lists the reported request attributes in output order.
var Keys = []string{
	"REQUEST_URI",
	"REQUEST_METHOD",
	"HTTP_HOST",
	"SERVER_NAME",
	"SERVER_ADDR",
	"SERVER_PORT",
	"REQUEST_SCHEME",
	"HTTPS",
	"HTTP_X_FORWARDED_PROTO",
	"HTTP_X_FORWARDED_SSL",
	"HTTP_X_FORWARDED_FOR",
	"HTTP_X_REAL_IP",
	"HTTP_CF_VISITOR",
	"HTTP_X_FORWARDED_HOST",
	"HTTP_X_FORWARDED_PORT",
}

// Attribute is a single named piece of request metadata.
type Attribute struct {
	Key   string
	Value string
	Set   bool
}

// Snapshot holds everything reported about one request. It is built per
// request and dropped once the response has been written.
type Snapshot struct {
	Attributes       []Attribute
	Headers          []HeaderField
	HeadersAvailable bool
}

// Options controls how a Snapshot is captured.
type Options struct {
	// ServerName overrides SERVER_NAME. When empty the host part of the
	// request's Host is used.
	ServerName string
	// Lister enumerates the received headers. Nil disables the header section.
	Lister HeaderLister
}

// Capture reads the fixed attribute list and, when a lister is configured,
// all received headers from r. HTTP_HOST comes from the listed Host field
// when headers are available, since r.Host follows an absolute-form request
// target instead of the header.
func Capture(r *http.Request, opts Options) *Snapshot {
	s := &Snapshot{Attributes: make([]Attribute, 0, len(Keys))}
	if opts.Lister != nil {
		s.Headers, s.HeadersAvailable = opts.Lister.Headers(r)
	}
	host := hostHeader{value: r.Host, set: r.Host != ""}
	if s.HeadersAvailable {
		host = receivedHost(s.Headers)
	}
	for _, k := range Keys {
		v, ok := attribute(r, k, opts, host)
		s.Attributes = append(s.Attributes, Attribute{Key: k, Value: v, Set: ok})
	}
	return s
}

type hostHeader struct {
	value string
	set   bool
}

func receivedHost(fields []HeaderField) hostHeader {
	for _, f := range fields {
		if strings.EqualFold(f.Name, "Host") {
			return hostHeader{value: f.Value, set: true}
		}
	}
	return hostHeader{}
}

func attribute(r *http.Request, key string, opts Options, host hostHeader) (string, bool) {
	switch key {
	case "REQUEST_URI":
		if r.RequestURI != "" {
			return r.RequestURI, true
		}
		if r.URL != nil {
			return r.URL.RequestURI(), true
		}
		return "", false
	case "REQUEST_METHOD":
		return r.Method, r.Method != ""
	case "HTTP_HOST":
		return host.value, host.set
	case "SERVER_NAME":
		if opts.ServerName != "" {
			return opts.ServerName, true
		}
		name := hostOnly(host.value)
		return name, name != ""
	case "SERVER_ADDR":
		addr, _, ok := localAddr(r)
		return addr, ok
	case "SERVER_PORT":
		_, port, ok := localAddr(r)
		return port, ok
	case "REQUEST_SCHEME":
		if r.TLS != nil {
			return "https", true
		}
		return "http", true
	case "HTTPS":
		if r.TLS != nil {
			return "on", true
		}
		return "", false
	}
	return forwardedHeader(r, key)
}

// forwardedHeader maps HTTP_X_FORWARDED_PROTO to X-Forwarded-Proto and looks
// it up. A header sent with an empty value still counts as set.
func forwardedHeader(r *http.Request, key string) (string, bool) {
	name, ok := strings.CutPrefix(key, "HTTP_")
	if !ok {
		return "", false
	}
	name = textproto.CanonicalMIMEHeaderKey(strings.ReplaceAll(name, "_", "-"))
	values, ok := r.Header[name]
	if !ok {
		return "", false
	}
	return strings.Join(values, ", "), true
}

func localAddr(r *http.Request) (host, port string, ok bool) {
	addr, _ := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	if addr == nil {
		return "", "", false
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", "", false
	}
	return host, port, true
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
}
