// Package ascii implements the line-oriented tracker protocols:
// GPS103, TK103, OsmAnd, Flespi, Queclink and Totem. Records are
// ASCII or JSON and devices identify themselves on every record.
// GPS103, TK103, Queclink and Totem answer some records with an
// acknowledgement; OsmAnd and Flespi send none.
package ascii

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/navitrack/fleetcore/pkg/protocol"
)

// scanRecord returns the next record delimited by any byte in delims,
// the bytes consumed including the delimiter, and ok=false when the
// buffer holds no complete record yet.
func scanRecord(buf []byte, delims string) (record []byte, consumed int, ok bool) {
	idx := bytes.IndexAny(buf, delims)
	if idx == -1 {
		return nil, 0, false
	}
	return buf[:idx], idx + 1, true
}

// errFrame is shorthand for a tagged decode failure.
func errFrame(format string, args ...interface{}) protocol.Frame {
	return protocol.Frame{Type: protocol.FrameError, Reason: fmt.Sprintf(format, args...)}
}

// ddmmToDegrees converts DDMM.MMMM / DDDMM.MMMM to decimal degrees.
func ddmmToDegrees(field string, negative bool) (float64, error) {
	dot := strings.IndexByte(field, '.')
	if dot < 3 {
		return 0, fmt.Errorf("bad coordinate %q", field)
	}
	deg, err := strconv.ParseFloat(field[:dot-2], 64)
	if err != nil {
		return 0, err
	}
	min, err := strconv.ParseFloat(field[dot-2:], 64)
	if err != nil {
		return 0, err
	}
	v := deg + min/60
	if negative {
		v = -v
	}
	return v, nil
}

// parseUTC parses a compact timestamp in the given layout, in UTC.
func parseUTC(layout, value string) (time.Time, error) {
	t, err := time.Parse(layout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}

// parseFloatField parses a numeric field, tolerating surrounding
// whitespace. Empty fields are zero in every protocol here.
func parseFloatField(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

const knotsToKmh = 1.852
