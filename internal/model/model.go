package model

import "time"

// Instance is one concrete occurrence of a source event after recurrence
// expansion, exception handling and all-day detection. It is the unit of
// reconciliation.
type Instance struct {
	SourceUID string // iCalendar UID of the originating event

	// RecurrenceMarker identifies which occurrence of a series this is:
	// "20060102T150405Z" (UTC) for timed series, "20060102" for all-day
	// series and empty for non-recurring events.
	RecurrenceMarker string

	// Key is the IdentityKey (sourceUid|normalizedStart).
	Key string

	Summary     string
	Description string
	Location    string

	AllDay bool

	// Start / End are in the event's own timezone. For all-day instances
	// they are midnights and End is exclusive.
	Start time.Time
	End   time.Time

	Cancelled bool
}

// Series describes a recurring source event: its recurrence lines and the
// exclusion rules generated for cancelled or overridden occurrences.
type Series struct {
	SourceUID  string
	Recurrence []string
	Exclusions []string
}

// RemoteEntity is an event as seen on the remote calendar.
type RemoteEntity struct {
	RemoteID string

	// NativeUID is the remote system's own UID field, when it carries the
	// source UID verbatim.
	NativeUID string

	// Tags are the private extended properties attached by this tool.
	Tags map[string]string

	// Key is resolved by the indexer; empty for entities it cannot key.
	Key string

	// Managed reports whether the entity carries the private source marker.
	Managed bool

	Summary     string
	Description string
	Location    string

	AllDay bool
	Start  time.Time
	End    time.Time

	Created time.Time
}

// StateEntry is the persisted record for one IdentityKey.
type StateEntry struct {
	RemoteID    string `json:"remote_id"`
	ContentHash string `json:"content_hash"`
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Overlaps reports whether [start, end) intersects the window. Zero-length
// ranges overlap when their start lies inside it.
func (w Window) Overlaps(start, end time.Time) bool {
	if !end.After(start) {
		return w.Contains(start)
	}
	return start.Before(w.End) && end.After(w.Start)
}

// NewWindow builds the reconciliation window around now in loc.
func NewWindow(now time.Time, loc *time.Location, pastDays, futureDays int) Window {
	n := now.In(loc)
	return Window{
		Start: n.AddDate(0, 0, -pastDays),
		End:   n.AddDate(0, 0, futureDays),
	}
}
