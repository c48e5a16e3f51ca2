package introspect

import (
	"io"
	"strings"
	"sync"
	"time"

	// Scratch images ship without a zone database.
	_ "time/tzdata"
)

const (
	// Banner opens every dump.
	Banner = "PROF-INSTAL DIAG"
	// TimeZone is the zone the banner timestamp is reported in.
	TimeZone = "Europe/Warsaw"
	// NotSet replaces the value of an absent attribute.
	NotSet = "(not set)"
	// KeyWidth is the padded width of the key column.
	KeyWidth = 24

	timeLayout     = "2006-01-02 15:04:05"
	headersSection = "--- ALL HEADERS ---"
)

// Location returns the banner time zone.
var Location = sync.OnceValue(func() *time.Location {
	loc, err := time.LoadLocation(TimeZone)
	if err != nil {
		// tzdata is embedded, so this only guards against a broken build.
		return time.FixedZone("CET", 60*60)
	}
	return loc
})

// Render writes the plain-text dump of s to w. now is converted to
// Europe/Warsaw for the banner.
func Render(w io.Writer, s *Snapshot, now time.Time) error {
	var b strings.Builder
	b.WriteString(Banner)
	b.WriteByte(' ')
	b.WriteString(now.In(Location()).Format(timeLayout))
	b.WriteString("\n\n")

	for _, a := range s.Attributes {
		b.WriteString(padKey(a.Key))
		b.WriteString("= ")
		if a.Set {
			b.WriteString(a.Value)
		} else {
			b.WriteString(NotSet)
		}
		b.WriteByte('\n')
	}

	if s.HeadersAvailable {
		b.WriteString("\n" + headersSection + "\n")
		for _, h := range s.Headers {
			b.WriteString(h.Name)
			b.WriteString(": ")
			b.WriteString(h.Value)
			b.WriteByte('\n')
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// padKey pads key with spaces to KeyWidth. Longer keys are left whole.
func padKey(key string) string {
	if len(key) >= KeyWidth {
		return key
	}
	return key + strings.Repeat(" ", KeyWidth-len(key))
}
