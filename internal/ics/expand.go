package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"calbridge/internal/identity"
	appLog "calbridge/internal/log"
	"calbridge/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// Location is the reconciliation timezone used for identity keys.
	// If nil, UTC is used.
	Location *time.Location

	// RangeStart / RangeEnd define the half-open window; an occurrence is
	// kept when its [start, end) intersects it.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the expanded instances and bookkeeping about what was
// dropped along the way.
type ExpandResult struct {
	Instances []model.Instance
	Series    []model.Series

	// TruncatedEvents records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedEvents []string
	// Dropped counts series discarded for unparseable recurrence rules.
	Dropped int
	// Duplicates counts instances collapsed first-wins.
	Duplicates int
}

// ExpandInstances turns parsed components into the desired set of
// Instances inside the configured window. It handles:
//
//   - Single non-recurring events
//   - RRULE-based recurrence with EXDATE removal
//   - RECURRENCE-ID overrides, including moves into or out of the window
//   - Cancelled occurrences, which yield an exclusion on their series
//   - All-day detection from explicit markers or midnight-to-midnight spans
//
// Output order follows the first appearance of each UID in comps.
func ExpandInstances(comps []Component, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}
	window := model.Window{Start: cfg.RangeStart, End: cfg.RangeEnd}
	resolver := identity.NewResolver(cfg.Location)

	// Group base events and overrides by UID.
	order := make([]string, 0)
	baseByUID := make(map[string][]Component)
	overridesByUID := make(map[string][]Component)
	for _, c := range comps {
		if _, ok := baseByUID[c.UID]; !ok {
			if _, ok := overridesByUID[c.UID]; !ok {
				order = append(order, c.UID)
			}
		}
		if c.IsOverride() {
			overridesByUID[c.UID] = append(overridesByUID[c.UID], c)
		} else {
			baseByUID[c.UID] = append(baseByUID[c.UID], c)
		}
	}

	e := &expander{cfg: cfg, window: window, resolver: resolver, seen: map[string]bool{}, keys: map[string]bool{}}

	for _, uid := range order {
		bases := baseByUID[uid]
		overrides := overridesByUID[uid]

		if len(bases) == 0 {
			// Orphan overrides: the series itself was not exported.
			for _, ov := range overrides {
				if ov.Cancelled() {
					continue
				}
				e.emit(ov, identity.Marker(*ov.RecurrenceID, isAllDay(ov)))
			}
			continue
		}

		for _, base := range bases {
			if base.RawRRule == "" {
				e.expandSingle(base, overrides)
				continue
			}
			e.expandRecurring(base, overrides, &result)
		}
	}

	result.Instances = e.out
	result.Duplicates = e.dups
	return result, nil
}

type expander struct {
	cfg      ExpandConfig
	window   model.Window
	resolver *identity.Resolver

	out  []model.Instance
	seen map[string]bool // uid + marker
	keys map[string]bool
	dups int
}

func (e *expander) expandSingle(c Component, overrides []Component) {
	if c.Cancelled() {
		return
	}
	// An override pointing at a single event replaces its content.
	start, _ := span(c)
	for _, ov := range overrides {
		if ov.RecurrenceID.Equal(start) {
			if ov.Cancelled() {
				return
			}
			c = withRecurrence(ov, c)
			break
		}
	}
	e.emit(c, "")
}

func (e *expander) expandRecurring(base Component, overrides []Component, result *ExpandResult) {
	if base.Cancelled() {
		return
	}
	allDay := isAllDay(base)
	start, end := span(base)
	if allDay {
		start, end = wholeDays(start, end)
	}

	opt, err := rrule.StrToROptionInLocation(base.RawRRule, start.Location())
	if err != nil {
		result.Dropped++
		appLog.Warn("expand: dropping series with unparseable RRULE", "uid", base.UID, "rrule", base.RawRRule, "err", err)
		return
	}
	opt.Dtstart = start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		result.Dropped++
		appLog.Warn("expand: dropping series with invalid RRULE", "uid", base.UID, "rrule", base.RawRRule, "err", err)
		return
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range base.ExDates {
		// Align EXDATE location with the series start.
		set.ExDate(ex.In(start.Location()))
	}

	series := model.Series{SourceUID: base.UID}
	for _, line := range set.Recurrence() {
		if len(line) >= 7 && line[:7] == "DTSTART" {
			continue
		}
		series.Recurrence = append(series.Recurrence, line)
	}

	// Overrides keyed by the marker of the slot they replace.
	byMarker := make(map[string]int, len(overrides))
	for i, ov := range overrides {
		m := identity.Marker(ov.RecurrenceID.In(start.Location()), allDay)
		if _, dup := byMarker[m]; dup {
			appLog.Warn("expand: duplicate override ignored", "uid", base.UID, "marker", m)
			continue
		}
		byMarker[m] = i
		series.Exclusions = append(series.Exclusions, identity.ExclusionRule(m))
	}
	sort.Strings(series.Exclusions)
	result.Series = append(result.Series, series)

	// Look back by one duration so occurrences straddling RangeStart count.
	dur := end.Sub(start)
	occTimes := set.Between(e.cfg.RangeStart.Add(-dur), e.cfg.RangeEnd, true)
	if len(occTimes) > e.cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:e.cfg.MaxOccurrencesPerEvent]
		result.TruncatedEvents = append(result.TruncatedEvents, base.UID)
		appLog.Error("expand: truncated occurrences for UID due to cap",
			errors.New("max occurrences reached"),
			"uid", base.UID,
			"cap", e.cfg.MaxOccurrencesPerEvent,
		)
	}

	// Overrides are emitted on their own time; the original slot may lie
	// outside the window while the moved occurrence lies inside it. They go
	// first so an override moved onto a generated slot keeps that key.
	for i, ov := range overrides {
		m := identity.Marker(ov.RecurrenceID.In(start.Location()), allDay)
		if byMarker[m] != i {
			continue
		}
		if ov.Cancelled() {
			appLog.Debug("expand: cancelled occurrence excluded", "uid", base.UID, "marker", m)
			continue
		}
		e.emit(withRecurrence(ov, base), m)
	}

	days := civilDays(start, end)
	if days < 1 {
		days = 1
	}
	for _, occStart := range occTimes {
		marker := identity.Marker(occStart, allDay)
		if _, ok := byMarker[marker]; ok {
			continue
		}
		occ := base
		occ.Start = occStart
		if allDay {
			occ.End = occStart.AddDate(0, 0, days)
		} else {
			occ.End = occStart.Add(dur)
		}
		occ.HasEnd = true
		occ.DateOnly = allDay
		e.emitSpan(occ, marker, allDay)
	}
}

// emit computes the span and all-day flag of c and records the instance.
func (e *expander) emit(c Component, marker string) {
	allDay := isAllDay(c)
	start, end := span(c)
	if allDay {
		start, end = wholeDays(start, end)
	}
	c.Start, c.End = start, end
	e.emitSpan(c, marker, allDay)
}

func (e *expander) emitSpan(c Component, marker string, allDay bool) {
	if !e.window.Overlaps(c.Start, c.End) {
		return
	}
	id := c.UID + "\x00" + marker
	if e.seen[id] {
		e.dups++
		appLog.Warn("expand: duplicate instance collapsed", "uid", c.UID, "marker", marker)
		return
	}
	e.seen[id] = true

	key := e.resolver.Key(c.UID, c.Start, allDay)
	if e.keys[key] {
		e.dups++
		appLog.Warn("expand: duplicate identity key collapsed", "key", key)
		return
	}
	e.keys[key] = true

	e.out = append(e.out, model.Instance{
		SourceUID:        c.UID,
		RecurrenceMarker: marker,
		Key:              key,
		Summary:          c.Summary,
		Description:      c.Description,
		Location:         c.Location,
		AllDay:           allDay,
		Start:            c.Start,
		End:              c.End,
	})
}

// withRecurrence fills fields an override left empty from its base.
func withRecurrence(ov, base Component) Component {
	if ov.Summary == "" {
		ov.Summary = base.Summary
	}
	if ov.Location == "" {
		ov.Location = base.Location
	}
	if ov.Description == "" {
		ov.Description = base.Description
	}
	return ov
}

// span returns the effective [start, end) of c. A missing end means one
// hour for timed events and one day for date-only ones.
func span(c Component) (time.Time, time.Time) {
	start := c.Start
	switch {
	case c.HasEnd:
		return start, c.End
	case c.DurationDays != 0 || c.Duration != 0:
		return start, start.AddDate(0, 0, c.DurationDays).Add(c.Duration)
	case c.DateOnly || c.AllDayMarker:
		return start, start.AddDate(0, 0, 1)
	default:
		return start, start.Add(time.Hour)
	}
}

// isAllDay combines the explicit markers with the structural
// midnight-to-midnight check.
func isAllDay(c Component) bool {
	if c.DateOnly || c.AllDayMarker {
		return true
	}
	start, end := span(c)
	return isMidnightSpan(start, end)
}

// isMidnightSpan reports whether start and end are both midnight in the
// same zone and at least one whole day apart.
func isMidnightSpan(start, end time.Time) bool {
	end = end.In(start.Location())
	if !end.After(start) {
		return false
	}
	if !isMidnight(start) || !isMidnight(end) {
		return false
	}
	return civilDays(start, end) >= 1
}

func isMidnight(t time.Time) bool {
	return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}

// wholeDays snaps an all-day span to midnights of its civil dates, keeping
// at least one day.
func wholeDays(start, end time.Time) (time.Time, time.Time) {
	loc := start.Location()
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	e := end.In(loc)
	e = time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, loc)
	if !e.After(s) {
		e = s.AddDate(0, 0, 1)
	}
	return s, e
}

// civilDays counts calendar days between the dates of start and end.
func civilDays(start, end time.Time) int {
	end = end.In(start.Location())
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(s).Hours() / 24)
}
