// Package gps provides location sources backed by an NMEA 0183 receiver on a
// serial port, plus a simulated receiver for development.
package gps

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/livemap/internal/location"
	"github.com/banshee-data/livemap/internal/units"
)

// AccuracyPerHDOP converts horizontal dilution of precision into an
// approximate horizontal accuracy in metres.
const AccuracyPerHDOP = 5.0

// defaultHDOP is assumed until the receiver reports one.
const defaultHDOP = 2.0

var (
	ErrNotNMEA       = errors.New("not an NMEA sentence")
	ErrChecksum      = errors.New("nmea checksum mismatch")
	ErrUnsupported   = errors.New("unsupported nmea sentence")
	ErrMalformedNMEA = errors.New("malformed nmea sentence")
)

// GGA is a fix-data sentence.
type GGA struct {
	Time       string // hhmmss.ss UTC
	Latitude   float64
	Longitude  float64
	Quality    int
	Satellites int
	HDOP       float64
	Altitude   float64
}

// HasFix reports whether the receiver has a position fix.
func (g GGA) HasFix() bool { return g.Quality > 0 }

// RMC is the recommended-minimum sentence.
type RMC struct {
	Time      time.Time
	Valid     bool
	Latitude  float64
	Longitude float64
	// SpeedKnots and Course are NaN when the receiver leaves them empty.
	SpeedKnots float64
	Course     float64
}

// Sentence is one parsed line: exactly one of GGA or RMC is set.
type Sentence struct {
	Talker string
	GGA    *GGA
	RMC    *RMC
}

// Checksum is the XOR of all bytes between '$' and '*'.
func Checksum(body string) byte {
	var cs byte
	for i := 0; i < len(body); i++ {
		cs ^= body[i]
	}
	return cs
}

// Frame wraps a sentence body as "$body*CS".
func Frame(body string) string {
	return fmt.Sprintf("$%s*%02X", body, Checksum(body))
}

// ParseSentence parses a single NMEA line. A missing checksum is accepted;
// a wrong one is not.
func ParseSentence(line string) (Sentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Sentence{}, ErrNotNMEA
	}
	body := line[1:]
	if i := strings.LastIndexByte(body, '*'); i >= 0 {
		want, err := strconv.ParseUint(body[i+1:], 16, 8)
		if err != nil {
			return Sentence{}, fmt.Errorf("%w: bad checksum field %q", ErrMalformedNMEA, body[i+1:])
		}
		body = body[:i]
		if got := Checksum(body); got != byte(want) {
			return Sentence{}, fmt.Errorf("%w: got %02X want %02X", ErrChecksum, got, want)
		}
	}

	fields := strings.Split(body, ",")
	if len(fields[0]) != 5 {
		return Sentence{}, fmt.Errorf("%w: address %q", ErrMalformedNMEA, fields[0])
	}
	s := Sentence{Talker: fields[0][:2]}
	var err error
	switch fields[0][2:] {
	case "GGA":
		var g GGA
		g, err = parseGGA(fields)
		s.GGA = &g
	case "RMC":
		var r RMC
		r, err = parseRMC(fields)
		s.RMC = &r
	default:
		return s, fmt.Errorf("%w: %s", ErrUnsupported, fields[0])
	}
	if err != nil {
		return Sentence{}, err
	}
	return s, nil
}

func parseGGA(f []string) (GGA, error) {
	if len(f) < 10 {
		return GGA{}, fmt.Errorf("%w: GGA has %d fields", ErrMalformedNMEA, len(f))
	}
	g := GGA{Time: f[1]}
	var err error
	if g.Quality, err = atoiOr(f[6], 0); err != nil {
		return GGA{}, fmt.Errorf("%w: GGA quality: %v", ErrMalformedNMEA, err)
	}
	if !g.HasFix() {
		return g, nil
	}
	if g.Latitude, err = parseCoord(f[2], f[3], 2); err != nil {
		return GGA{}, err
	}
	if g.Longitude, err = parseCoord(f[4], f[5], 3); err != nil {
		return GGA{}, err
	}
	if g.Satellites, err = atoiOr(f[7], 0); err != nil {
		return GGA{}, fmt.Errorf("%w: GGA satellites: %v", ErrMalformedNMEA, err)
	}
	if g.HDOP, err = atofOr(f[8], math.NaN()); err != nil {
		return GGA{}, fmt.Errorf("%w: GGA hdop: %v", ErrMalformedNMEA, err)
	}
	if g.Altitude, err = atofOr(f[9], math.NaN()); err != nil {
		return GGA{}, fmt.Errorf("%w: GGA altitude: %v", ErrMalformedNMEA, err)
	}
	return g, nil
}

func parseRMC(f []string) (RMC, error) {
	if len(f) < 10 {
		return RMC{}, fmt.Errorf("%w: RMC has %d fields", ErrMalformedNMEA, len(f))
	}
	r := RMC{Valid: f[2] == "A"}
	if !r.Valid {
		return r, nil
	}
	var err error
	if r.Time, err = parseDateTime(f[9], f[1]); err != nil {
		return RMC{}, err
	}
	if r.Latitude, err = parseCoord(f[3], f[4], 2); err != nil {
		return RMC{}, err
	}
	if r.Longitude, err = parseCoord(f[5], f[6], 3); err != nil {
		return RMC{}, err
	}
	if r.SpeedKnots, err = atofOr(f[7], math.NaN()); err != nil {
		return RMC{}, fmt.Errorf("%w: RMC speed: %v", ErrMalformedNMEA, err)
	}
	if r.Course, err = atofOr(f[8], math.NaN()); err != nil {
		return RMC{}, fmt.Errorf("%w: RMC course: %v", ErrMalformedNMEA, err)
	}
	return r, nil
}

// parseCoord decodes "ddmm.mmmm" (degDigits=2) or "dddmm.mmmm" (3).
func parseCoord(v, hemi string, degDigits int) (float64, error) {
	if len(v) < degDigits+2 {
		return 0, fmt.Errorf("%w: coordinate %q", ErrMalformedNMEA, v)
	}
	deg, err := strconv.Atoi(v[:degDigits])
	if err != nil {
		return 0, fmt.Errorf("%w: coordinate %q", ErrMalformedNMEA, v)
	}
	min, err := strconv.ParseFloat(v[degDigits:], 64)
	if err != nil || min >= 60 {
		return 0, fmt.Errorf("%w: coordinate %q", ErrMalformedNMEA, v)
	}
	c := float64(deg) + min/60
	switch hemi {
	case "N", "E":
	case "S", "W":
		c = -c
	default:
		return 0, fmt.Errorf("%w: hemisphere %q", ErrMalformedNMEA, hemi)
	}
	return c, nil
}

func parseDateTime(date, tod string) (time.Time, error) {
	if len(date) != 6 || len(tod) < 6 {
		return time.Time{}, fmt.Errorf("%w: date %q time %q", ErrMalformedNMEA, date, tod)
	}
	t, err := time.Parse("020106150405", date+tod[:6])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedNMEA, err)
	}
	if len(tod) > 7 && tod[6] == '.' {
		frac, err := strconv.ParseFloat("0"+tod[6:], 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: time %q", ErrMalformedNMEA, tod)
		}
		t = t.Add(time.Duration(frac * float64(time.Second)))
	}
	return t.UTC(), nil
}

func atoiOr(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func atofOr(s string, def float64) (float64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseFloat(s, 64)
}

// fixAssembler merges GGA and RMC sentences into Positions. A Position is
// produced for every valid RMC; its accuracy comes from the latest GGA HDOP.
type fixAssembler struct {
	hdop  float64
	noFix bool
}

func newFixAssembler() *fixAssembler {
	return &fixAssembler{hdop: defaultHDOP}
}

// add consumes a sentence. It returns a position when one is complete, and
// lost=true on the transition into a no-fix state.
func (a *fixAssembler) add(s Sentence) (pos *location.Position, lost bool) {
	switch {
	case s.GGA != nil:
		if !s.GGA.HasFix() {
			return nil, a.lose()
		}
		if !math.IsNaN(s.GGA.HDOP) && s.GGA.HDOP > 0 {
			a.hdop = s.GGA.HDOP
		}
	case s.RMC != nil:
		if !s.RMC.Valid {
			return nil, a.lose()
		}
		a.noFix = false
		p := location.Position{
			Latitude:  s.RMC.Latitude,
			Longitude: s.RMC.Longitude,
			Accuracy:  a.hdop * AccuracyPerHDOP,
			Timestamp: s.RMC.Time,
		}
		if !math.IsNaN(s.RMC.SpeedKnots) {
			p.Speed = location.Float64(units.KnotsToMPS(s.RMC.SpeedKnots))
		}
		if !math.IsNaN(s.RMC.Course) {
			p.Heading = location.Float64(s.RMC.Course)
		}
		return &p, false
	}
	return nil, false
}

func (a *fixAssembler) lose() bool {
	if a.noFix {
		return false
	}
	a.noFix = true
	return true
}

// FormatGGA renders a fix as a GGA sentence.
func FormatGGA(t time.Time, lat, lon, hdop float64, satellites int) string {
	la, ns := formatCoord(lat, 2, "N", "S")
	lo, ew := formatCoord(lon, 3, "E", "W")
	body := fmt.Sprintf("GPGGA,%s,%s,%s,%s,%s,1,%02d,%.1f,0.0,M,0.0,M,,",
		t.UTC().Format("150405.00"), la, ns, lo, ew, satellites, hdop)
	return Frame(body)
}

// FormatRMC renders a fix as an RMC sentence.
func FormatRMC(t time.Time, lat, lon, speedKnots, course float64) string {
	la, ns := formatCoord(lat, 2, "N", "S")
	lo, ew := formatCoord(lon, 3, "E", "W")
	t = t.UTC()
	body := fmt.Sprintf("GPRMC,%s,A,%s,%s,%s,%s,%.1f,%.1f,%s,,",
		t.Format("150405.00"), la, ns, lo, ew, speedKnots, course, t.Format("020106"))
	return Frame(body)
}

func formatCoord(v float64, degDigits int, pos, neg string) (string, string) {
	hemi := pos
	if v < 0 {
		hemi, v = neg, -v
	}
	deg := math.Floor(v)
	min := math.Round((v-deg)*60*1e4) / 1e4
	if min >= 60 {
		deg, min = deg+1, 0
	}
	return fmt.Sprintf("%0*d%07.4f", degDigits, int(deg), min), hemi
}
