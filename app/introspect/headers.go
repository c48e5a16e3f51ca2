package introspect

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// HeaderField is one received header line.
type HeaderField struct {
	Name  string
	Value string
}

// HeaderLister enumerates the headers of a request. The boolean reports
// whether enumeration is available for r at all.
type HeaderLister interface {
	Headers(r *http.Request) ([]HeaderField, bool)
}

// HeadSource hands out raw request heads recorded off a connection, oldest
// first. TakeHead discards heads until match accepts one.
type HeadSource interface {
	TakeHead(match func(head []byte) bool) ([]byte, bool)
}

type headSourceKey struct{}

// WithHeadSource attaches the connection's head recorder to ctx.
func WithHeadSource(ctx context.Context, src HeadSource) context.Context {
	return context.WithValue(ctx, headSourceKey{}, src)
}

func headSourceFrom(ctx context.Context) (HeadSource, bool) {
	src, ok := ctx.Value(headSourceKey{}).(HeadSource)
	return src, ok && src != nil
}

// WireHeaders lists headers exactly as they arrived on the connection, in
// receipt order. It needs a HeadSource in the request context.
type WireHeaders struct{}

func (WireHeaders) Headers(r *http.Request) ([]HeaderField, bool) {
	src, ok := headSourceFrom(r.Context())
	if !ok {
		return nil, false
	}
	head, ok := src.TakeHead(func(head []byte) bool {
		line, _ := ParseHead(head)
		return matchesRequestLine(line, r)
	})
	if !ok {
		return nil, false
	}
	_, fields := ParseHead(head)
	return fields, true
}

// MapHeaders lists r.Header plus Host. net/http does not keep receipt order
// so names are sorted, and every value of a repeated header gets a line.
type MapHeaders struct{}

func (MapHeaders) Headers(r *http.Request) ([]HeaderField, bool) {
	names := make([]string, 0, len(r.Header)+1)
	for name := range r.Header {
		names = append(names, name)
	}
	// net/http moves Host out of the header map.
	_, hasHost := r.Header["Host"]
	if r.Host != "" && !hasHost {
		names = append(names, "Host")
	}
	slices.Sort(names)

	fields := make([]HeaderField, 0, len(names))
	for _, name := range names {
		if name == "Host" && !hasHost {
			fields = append(fields, HeaderField{Name: name, Value: r.Host})
			continue
		}
		for _, v := range r.Header[name] {
			fields = append(fields, HeaderField{Name: name, Value: v})
		}
	}
	return fields, true
}

// FallbackHeaders tries each lister in turn and returns the first available
// result.
type FallbackHeaders []HeaderLister

func (f FallbackHeaders) Headers(r *http.Request) ([]HeaderField, bool) {
	for _, l := range f {
		if fields, ok := l.Headers(r); ok {
			return fields, true
		}
	}
	return nil, false
}

// Header listing modes accepted by ListerFor. HeadersWire is the default;
// HeadersMap and HeadersAuto trade receipt order and name spelling for
// availability.
const (
	HeadersAuto = "auto"
	HeadersWire = "wire"
	HeadersMap  = "map"
	HeadersNone = "none"
)

// ListerFor returns the lister for a configured mode. HeadersNone yields a
// nil lister.
func ListerFor(mode string) (HeaderLister, error) {
	switch mode {
	case HeadersWire, "":
		return WireHeaders{}, nil
	case HeadersAuto:
		return FallbackHeaders{WireHeaders{}, MapHeaders{}}, nil
	case HeadersMap:
		return MapHeaders{}, nil
	case HeadersNone:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown header mode %q", mode)
}

// NeedsWire reports whether mode reads raw heads off the connection.
func NeedsWire(mode string) bool {
	return mode == HeadersAuto || mode == HeadersWire || mode == ""
}

// ParseHead splits a raw HTTP/1.x request head into its request line and
// header fields. Names and values are kept verbatim apart from the optional
// whitespace around the value; obsolete line folding is joined with a space.
func ParseHead(head []byte) (string, []HeaderField) {
	lines := strings.Split(string(head), "\n")
	requestLine := strings.TrimSuffix(lines[0], "\r")

	var fields []HeaderField
	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if n := len(fields); n > 0 {
				fields[n-1].Value += " " + strings.Trim(line, " \t")
			}
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields = append(fields, HeaderField{Name: name, Value: strings.Trim(value, " \t")})
	}
	return requestLine, fields
}

func matchesRequestLine(line string, r *http.Request) bool {
	parts := strings.Fields(line)
	if len(parts) < 2 || parts[0] != r.Method {
		return false
	}
	return r.RequestURI == "" || parts[1] == r.RequestURI
}
