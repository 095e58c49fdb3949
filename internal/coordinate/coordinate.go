package coordinate

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrParse = errors.New("invalid coordinate")

// ParseError describes why a request path could not be turned into a Key.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid coordinate %q: %s", e.Input, e.Reason)
}

func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// Key identifies one snapshot: where the map looks, at what moment, and from which angle.
type Key struct {
	Lat     float64
	Lng     float64
	Zoom    float64
	Date    int64 // epoch millis
	Bearing float64
	Pitch   float64

	// Location is the raw location segment exactly as it appeared in the request.
	Location string
}

// Filename is the cache filename for the key. It is derived from the raw
// location so that listing links and cache files round-trip to the request text.
func (k Key) Filename() string {
	return k.Location + ".png"
}

// Parse splits rawPath on the first occurrence of delimiter and decodes the
// location segment: lat,lng,<zoom>z,<millis>t[,<bearing>b[,<pitch>p]].
func Parse(rawPath, delimiter string) (Key, error) {
	if delimiter == "" {
		return Key{}, &ParseError{Input: rawPath, Reason: "empty delimiter"}
	}

	_, location, found := strings.Cut(rawPath, delimiter)
	if !found || location == "" {
		return Key{}, &ParseError{Input: rawPath, Reason: "missing location segment"}
	}

	// The location becomes a filename, so it must stay inside the cache directory.
	if strings.ContainsAny(location, "/\\\x00") || strings.Contains(location, "..") {
		return Key{}, &ParseError{Input: rawPath, Reason: "location contains path characters"}
	}

	fields := strings.Split(location, ",")
	if len(fields) < 4 || len(fields) > 6 {
		return Key{}, &ParseError{Input: rawPath, Reason: fmt.Sprintf("expected 4 to 6 fields, got %d", len(fields))}
	}

	bearingS, pitchS := "0b", "0p"
	if len(fields) > 4 {
		bearingS = fields[4]
	}
	if len(fields) > 5 {
		pitchS = fields[5]
	}

	key := Key{Location: location}
	var err error

	if key.Lat, err = parseFloat(fields[0], ""); err != nil {
		return Key{}, &ParseError{Input: rawPath, Reason: "latitude: " + err.Error()}
	}
	if key.Lng, err = parseFloat(fields[1], ""); err != nil {
		return Key{}, &ParseError{Input: rawPath, Reason: "longitude: " + err.Error()}
	}
	if key.Zoom, err = parseFloat(fields[2], "z"); err != nil {
		return Key{}, &ParseError{Input: rawPath, Reason: "zoom: " + err.Error()}
	}
	if key.Date, err = parseMillis(fields[3]); err != nil {
		return Key{}, &ParseError{Input: rawPath, Reason: "timestamp: " + err.Error()}
	}
	if key.Bearing, err = parseFloat(bearingS, "b"); err != nil {
		return Key{}, &ParseError{Input: rawPath, Reason: "bearing: " + err.Error()}
	}
	if key.Pitch, err = parseFloat(pitchS, "p"); err != nil {
		return Key{}, &ParseError{Input: rawPath, Reason: "pitch: " + err.Error()}
	}

	return key, nil
}

func parseFloat(field, suffix string) (float64, error) {
	s, err := trimUnit(field, suffix)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", field)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not finite", field)
	}
	return v, nil
}

func parseMillis(field string) (int64, error) {
	s, err := trimUnit(field, "t")
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", field)
	}
	return v, nil
}

func trimUnit(field, suffix string) (string, error) {
	if suffix == "" {
		return field, nil
	}
	if !strings.HasSuffix(field, suffix) {
		return "", fmt.Errorf("%q is missing unit %q", field, suffix)
	}
	return strings.TrimSuffix(field, suffix), nil
}
