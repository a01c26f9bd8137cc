package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calbridge/internal/log"
)

// propAllDayMarker is Outlook's explicit whole-day flag.
const propAllDayMarker = ical.ComponentProperty("X-MICROSOFT-CDO-ALLDAYEVENT")

// Component is the fixed-field representation of a VEVENT as produced by
// the ICS parser. Recurrence expansion operates on this type.
type Component struct {
	Source Source

	UID string
	Seq int

	Summary     string
	Description string
	Location    string

	// Start / End carry their own zone (TZID, UTC or the default location
	// for floating values).
	Start  time.Time
	End    time.Time
	HasEnd bool

	// DURATION, used only when DTEND is absent.
	DurationDays int
	Duration     time.Duration

	// DateOnly is set when DTSTART is a DATE value.
	DateOnly bool
	// AllDayMarker is set by X-MICROSOFT-CDO-ALLDAYEVENT:TRUE.
	AllDayMarker bool

	Status string

	RawRRule     string
	ExDates      []time.Time
	RecurrenceID *time.Time // RECURRENCE-ID (if present) in the event's own zone
}

// Cancelled reports STATUS:CANCELLED.
func (c Component) Cancelled() bool {
	return strings.EqualFold(c.Status, string(ical.ObjectStatusCancelled))
}

// IsOverride reports whether the component replaces one occurrence of a
// recurring series.
func (c Component) IsOverride() bool {
	return c.RecurrenceID != nil
}

// ParseStats counts what a payload contained.
type ParseStats struct {
	Blocks     int
	Components int
	Dropped    int
}

// ParseICS parses an ICS payload into a list of Components.
//
//   - The payload may hold several concatenated VCALENDAR blocks; each is
//     parsed separately and a broken block is skipped with a warning.
//   - Times are resolved from TZID parameters; floating times use loc.
//   - RRULE/EXDATE/RECURRENCE-ID are recorded but not expanded; expansion
//     is done in expand.go.
//   - VEVENTs missing UID or DTSTART are dropped with a warning.
func ParseICS(src Source, body []byte, loc *time.Location) ([]Component, ParseStats, error) {
	var stats ParseStats
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, stats, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.UTC
	}

	blocks := splitCalendars(body)
	if len(blocks) == 0 {
		return nil, stats, errors.New("no VCALENDAR block found")
	}

	out := make([]Component, 0)
	for i, block := range blocks {
		cal, err := ical.ParseCalendar(bytes.NewReader(block))
		if err != nil {
			appLog.Warn("ics calendar block skipped", "id", src.ID, "block", i+1, "err", err)
			continue
		}
		stats.Blocks++

		for _, ve := range cal.Events() {
			stats.Components++
			c, perr := parseVEvent(src, ve, loc)
			if perr != nil {
				// Log and skip this event, but keep parsing others.
				stats.Dropped++
				appLog.Warn("ics vevent dropped", "id", src.ID, "uid", c.UID, "err", perr)
				continue
			}
			out = append(out, c)
		}
	}
	if stats.Blocks == 0 {
		return nil, stats, fmt.Errorf("all %d VCALENDAR blocks failed to parse", len(blocks))
	}

	appLog.Info("ics parse completed", "id", src.ID, "blocks", stats.Blocks, "components", stats.Components, "dropped", stats.Dropped)
	return out, stats, nil
}

// splitCalendars cuts a payload at every BEGIN:VCALENDAR, closing blocks
// that were truncated before END:VCALENDAR.
func splitCalendars(body []byte) [][]byte {
	const begin = "BEGIN:VCALENDAR"
	const end = "END:VCALENDAR"

	var blocks [][]byte
	rest := body
	for {
		i := bytes.Index(rest, []byte(begin))
		if i < 0 {
			break
		}
		rest = rest[i:]
		next := bytes.Index(rest[len(begin):], []byte(begin))
		var block []byte
		if next < 0 {
			block = rest
			rest = nil
		} else {
			block = rest[:len(begin)+next]
			rest = rest[len(begin)+next:]
		}
		block = bytes.TrimSpace(block)
		if !bytes.HasSuffix(block, []byte(end)) {
			if j := bytes.LastIndex(block, []byte(end)); j >= 0 {
				// Trailing garbage after the closing line.
				block = block[:j+len(end)]
			} else {
				block = append(append([]byte{}, block...), []byte("\r\n"+end)...)
			}
		}
		b := make([]byte, 0, len(block)+2)
		b = append(b, block...)
		blocks = append(blocks, append(b, '\r', '\n'))
		if rest == nil {
			break
		}
	}
	return blocks
}

func parseVEvent(src Source, ve *ical.VEvent, loc *time.Location) (Component, error) {
	var out Component
	out.Source = src

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || strings.TrimSpace(uidProp.Value) == "" {
		return out, errors.New("missing UID")
	}
	out.UID = strings.TrimSpace(uidProp.Value)

	// SEQUENCE (optional, used for overrides/versioning)
	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Status = strings.ToUpper(strings.TrimSpace(p.Value))
	}
	if p := ve.GetProperty(propAllDayMarker); p != nil {
		out.AllDayMarker = strings.EqualFold(strings.TrimSpace(p.Value), "TRUE")
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	starts, dateOnly, err := parseTimeProp(dtStart, loc)
	if err != nil || len(starts) == 0 {
		return out, fmt.Errorf("bad DTSTART %q: %w", dtStart.Value, err)
	}
	out.Start = starts[0]
	out.DateOnly = dateOnly

	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		ends, _, err := parseTimeProp(dtEnd, loc)
		if err != nil || len(ends) == 0 {
			return out, fmt.Errorf("bad DTEND %q: %w", dtEnd.Value, err)
		}
		out.End = ends[0]
		out.HasEnd = true
	} else if dur := ve.GetProperty(ical.ComponentPropertyDuration); dur != nil {
		days, d, err := parseDuration(dur.Value)
		if err != nil {
			return out, fmt.Errorf("bad DURATION %q: %w", dur.Value, err)
		}
		out.DurationDays, out.Duration = days, d
	}

	// RRULE (we only keep the raw string here; expansion is in expand.go).
	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = strings.TrimSpace(rruleProp.Value)
	}

	// EXDATE (can appear multiple times, each possibly a list)
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		ts, _, err := parseTimeProp(p, loc)
		if err != nil {
			appLog.Warn("ics exdate ignored", "uid", out.UID, "value", p.Value, "err", err)
			continue
		}
		out.ExDates = append(out.ExDates, ts...)
	}

	// RECURRENCE-ID (overridden instance)
	if ridProp := ve.GetProperty(ical.ComponentPropertyRecurrenceId); ridProp != nil {
		ts, _, err := parseTimeProp(ridProp, loc)
		if err != nil || len(ts) == 0 {
			return out, fmt.Errorf("bad RECURRENCE-ID %q: %w", ridProp.Value, err)
		}
		out.RecurrenceID = &ts[0]
	}

	return out, nil
}

// parseTimeProp parses a DATE or DATE-TIME property (comma lists allowed).
// It reports whether the values were DATE-only.
func parseTimeProp(p *ical.IANAProperty, def *time.Location) ([]time.Time, bool, error) {
	loc := def
	dateOnly := false
	if params := p.ICalParameters; params != nil {
		if vs := params["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			dateOnly = true
		}
		if tzs := params["TZID"]; len(tzs) > 0 {
			loc = resolveTZID(tzs[0], def)
		}
	}

	var out []time.Time
	for _, part := range strings.Split(p.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "T") {
			dateOnly = true
		}
		t, err := parseICSTime(part, loc)
		if err != nil {
			return nil, dateOnly, err
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, dateOnly, errors.New("empty time value")
	}
	return out, dateOnly, nil
}

// parseICSTime parses a basic ICS date/date-time string. Values without a
// trailing Z are interpreted in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}

	// Date-only (all-day), e.g., 20250101
	return time.ParseInLocation("20060102", v, loc)
}

// windowsZones maps the zone names Outlook writes into TZID to IANA names.
var windowsZones = map[string]string{
	"Eastern Standard Time":        "America/New_York",
	"Central Standard Time":        "America/Chicago",
	"Mountain Standard Time":       "America/Denver",
	"US Mountain Standard Time":    "America/Phoenix",
	"Pacific Standard Time":        "America/Los_Angeles",
	"Alaskan Standard Time":        "America/Anchorage",
	"Hawaiian Standard Time":       "Pacific/Honolulu",
	"Atlantic Standard Time":       "America/Halifax",
	"GMT Standard Time":            "Europe/London",
	"Greenwich Standard Time":      "Atlantic/Reykjavik",
	"W. Europe Standard Time":      "Europe/Berlin",
	"Romance Standard Time":        "Europe/Paris",
	"Central Europe Standard Time": "Europe/Budapest",
	"E. Europe Standard Time":      "Europe/Chisinau",
	"India Standard Time":          "Asia/Kolkata",
	"China Standard Time":          "Asia/Shanghai",
	"Tokyo Standard Time":          "Asia/Tokyo",
	"Korea Standard Time":          "Asia/Seoul",
	"AUS Eastern Standard Time":    "Australia/Sydney",
	"UTC":                          "UTC",
}

func resolveTZID(tzid string, def *time.Location) *time.Location {
	name := strings.Trim(strings.TrimSpace(tzid), `"`)
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return def
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	if iana, ok := windowsZones[name]; ok {
		if loc, err := time.LoadLocation(iana); err == nil {
			return loc
		}
	}
	appLog.Debug("ics unknown TZID, using default zone", "tzid", name, "default", def.String())
	return def
}

// parseDuration parses an RFC 5545 DURATION such as P1D, PT1H30M or P2W.
// Day and week parts are returned separately so callers can add them as
// calendar days.
func parseDuration(v string) (days int, d time.Duration, err error) {
	s := strings.ToUpper(strings.TrimSpace(v))
	sign := 1
	switch {
	case strings.HasPrefix(s, "-"):
		sign = -1
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 2 {
		return 0, 0, fmt.Errorf("invalid duration %q", v)
	}
	s = s[1:]

	inTime := false
	num := 0
	seen := false
	parts := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
			seen = true
			continue
		case r == 'T':
			inTime = true
			continue
		}
		if !seen {
			return 0, 0, fmt.Errorf("invalid duration %q", v)
		}
		switch {
		case r == 'W' && !inTime:
			days += num * 7
		case r == 'D' && !inTime:
			days += num
		case r == 'H' && inTime:
			d += time.Duration(num) * time.Hour
		case r == 'M' && inTime:
			d += time.Duration(num) * time.Minute
		case r == 'S' && inTime:
			d += time.Duration(num) * time.Second
		default:
			return 0, 0, fmt.Errorf("invalid duration %q", v)
		}
		num, seen = 0, false
		parts++
	}
	if seen || parts == 0 {
		return 0, 0, fmt.Errorf("invalid duration %q", v)
	}
	return sign * days, time.Duration(sign) * d, nil
}
