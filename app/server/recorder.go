package server

import (
	"bytes"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"reqdiag/app/introspect"
)

const (
	maxHeadBytes = http.DefaultMaxHeaderBytes + 4096
	maxQueued    = 16
)

// recordingListener wraps accepted connections so the raw head of every
// HTTP/1.x request is kept for the handler.
type recordingListener struct {
	net.Listener
}

func (l recordingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &recordingConn{Conn: c, rec: &headRecorder{}}, nil
}

type recordingConn struct {
	net.Conn
	rec *headRecorder
}

func (c *recordingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.rec.feed(p[:n])
	}
	return n, err
}

// headRecorder follows the request stream of one connection: it collects a
// head up to the blank line, skips Content-Length body bytes and starts over.
// A chunked body cannot be followed, so recording stops for the rest of the
// connection.
type headRecorder struct {
	mu    sync.Mutex
	buf   []byte
	skip  int64
	lost  bool
	heads [][]byte
}

func (h *headRecorder) feed(p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for len(p) > 0 && !h.lost {
		if h.skip > 0 {
			n := min(int64(len(p)), h.skip)
			h.skip -= n
			p = p[n:]
			continue
		}
		if len(h.buf) == 0 {
			p = bytes.TrimLeft(p, "\r\n")
			if len(p) == 0 {
				return
			}
		}
		h.buf = append(h.buf, p...)
		p = nil

		end, sep := headEnd(h.buf)
		if end < 0 {
			if len(h.buf) > maxHeadBytes {
				h.lost = true
				h.buf = nil
			}
			return
		}
		head := bytes.Clone(h.buf[:end])
		p = bytes.Clone(h.buf[end+sep:])
		h.buf = h.buf[:0]
		if !h.push(head) {
			return
		}
		h.skip, h.lost = bodyLength(head)
	}
}

// push queues head. Heads are never dropped one by one: a full queue stops
// recording for the rest of the connection.
func (h *headRecorder) push(head []byte) bool {
	if len(h.heads) == maxQueued {
		h.lost = true
		h.heads = nil
		return false
	}
	h.heads = append(h.heads, head)
	return true
}

// TakeHead implements introspect.HeadSource.
func (h *headRecorder) TakeHead(match func([]byte) bool) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for len(h.heads) > 0 {
		head := h.heads[0]
		h.heads = h.heads[1:]
		if match(head) {
			return head, true
		}
	}
	return nil, false
}

// headEnd returns the offset of the blank line ending a head and the length
// of its separator, or -1.
func headEnd(b []byte) (int, int) {
	crlf := bytes.Index(b, []byte("\r\n\r\n"))
	lf := bytes.Index(b, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return crlf, 4
	case lf >= 0:
		return lf, 2
	}
	return -1, 0
}

// bodyLength reports how many body bytes follow head, and whether the
// stream can no longer be followed.
func bodyLength(head []byte) (int64, bool) {
	_, fields := introspect.ParseHead(head)
	var n int64
	for _, f := range fields {
		switch {
		case strings.EqualFold(f.Name, "Transfer-Encoding"):
			return 0, true
		case strings.EqualFold(f.Name, "Content-Length"):
			v, err := strconv.ParseInt(strings.TrimSpace(f.Value), 10, 64)
			if err != nil || v < 0 {
				return 0, true
			}
			n = v
		}
	}
	return n, false
}
