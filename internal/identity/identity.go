// Package identity derives the stable keys that pair source instances with
// remote entities. The same functions run on both sides so that a source
// start and its remote echo always normalize identically.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"calbridge/internal/model"
)

const (
	// TimeLayout is the normalized start of a timed instance, rendered in
	// the reconciliation timezone with the offset stripped.
	TimeLayout = "20060102T150405"
	// DateLayout is the normalized start of an all-day instance.
	DateLayout = "20060102"
	// MarkerLayout is the UTC recurrence marker of a timed occurrence.
	MarkerLayout = "20060102T150405Z"

	separator = "|"
)

// Private tags written onto every remote entity this tool creates.
const (
	TagKey       = "syncKey"
	TagUID       = "icalUID"
	TagSource    = "source"
	SourceMarker = "calendarbridge"
)

var ErrMalformedKey = errors.New("malformed identity key")

// Resolver normalizes instants against one reconciliation timezone.
type Resolver struct {
	loc *time.Location
}

func NewResolver(loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{loc: loc}
}

func (r *Resolver) Location() *time.Location {
	return r.loc
}

// NormalizeStart renders start as used inside an IdentityKey. All-day starts
// keep their civil date regardless of the zone they were parsed in.
func (r *Resolver) NormalizeStart(start time.Time, allDay bool) string {
	if allDay {
		return start.Format(DateLayout)
	}
	return start.In(r.loc).Truncate(time.Second).Format(TimeLayout)
}

// Key returns sourceUid|normalizedStart.
func (r *Resolver) Key(sourceUID string, start time.Time, allDay bool) string {
	return sourceUID + separator + r.NormalizeStart(start, allDay)
}

// ParseKey splits a key back into its UID and start. The UID may itself
// contain the separator; the normalized start never does.
func (r *Resolver) ParseKey(key string) (uid string, start time.Time, allDay bool, err error) {
	i := strings.LastIndex(key, separator)
	if i <= 0 || i == len(key)-1 {
		return "", time.Time{}, false, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	uid, norm := key[:i], key[i+1:]

	switch len(norm) {
	case len(DateLayout):
		start, err = time.ParseInLocation(DateLayout, norm, r.loc)
		allDay = true
	case len(TimeLayout):
		start, err = time.ParseInLocation(TimeLayout, norm, r.loc)
	default:
		err = fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	return uid, start, allDay, nil
}

// Marker returns the recurrence marker of an occurrence starting at t.
func Marker(t time.Time, allDay bool) string {
	if allDay {
		return t.Format(DateLayout)
	}
	return t.UTC().Format(MarkerLayout)
}

// ExclusionRule renders an EXDATE line excluding the occurrence at marker.
func ExclusionRule(marker string) string {
	if len(marker) == len(DateLayout) {
		return "EXDATE;VALUE=DATE:" + marker
	}
	return "EXDATE:" + marker
}

// Tags returns the private properties for the remote entity of inst.
func Tags(inst model.Instance) map[string]string {
	return map[string]string{
		TagKey:    inst.Key,
		TagUID:    inst.SourceUID,
		TagSource: SourceMarker,
	}
}

// IsManaged reports whether tags carry this tool's source marker.
func IsManaged(tags map[string]string) bool {
	return tags[TagSource] == SourceMarker
}
