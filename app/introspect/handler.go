package introspect

import (
	"log/slog"
	"net/http"
	"time"
)

// ContentType is sent with every dump.
const ContentType = "text/plain; charset=UTF-8"

// Handler answers every request with the dump of that request.
type Handler struct {
	Options Options
	// Now defaults to time.Now.
	Now func() time.Time
	Log *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(opts Options, log *slog.Logger) *Handler {
	return &Handler{Options: opts, Now: time.Now, Log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := Capture(r, h.Options)

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(http.StatusOK)
	if err := Render(w, snap, now()); err != nil && h.Log != nil {
		// net/http already owns the broken connection.
		h.Log.Debug("write dump", "error", err, "remote", r.RemoteAddr)
	}
}
