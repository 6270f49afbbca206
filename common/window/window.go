// Package window resolves collection time windows and invocation events.
package window

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInterval = errors.New("invalid interval")
	ErrInvalidDate     = errors.New("invalid date")
	ErrInvalidRange    = errors.New("start is after end")
)

// Interval is the granularity of a collection window.
type Interval string

const (
	Daily   Interval = "DAILY"
	Weekly  Interval = "WEEKLY"
	Monthly Interval = "MONTHLY"
	Yearly  Interval = "YEARLY"
)

// ParseInterval accepts any letter case. An empty string is Daily.
func ParseInterval(s string) (Interval, error) {
	switch Interval(strings.ToUpper(strings.TrimSpace(s))) {
	case "", Daily:
		return Daily, nil
	case Weekly:
		return Weekly, nil
	case Monthly:
		return Monthly, nil
	case Yearly:
		return Yearly, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidInterval, s)
}

// Window is a closed date range [Start, End] plus the as-of date it was
// resolved for. AsOf names the staged object; Start/End bound the queries.
type Window struct {
	Interval Interval
	AsOf     time.Time
	Start    time.Time
	End      time.Time
}

// Days is the number of days covered, used to size the comparison period.
func (w Window) Days() int {
	switch w.Interval {
	case Daily:
		return 1
	default:
		return int(w.End.Sub(w.Start).Hours()/24) + 1
	}
}

// Previous is the window of equal length immediately before w.
func (w Window) Previous() (time.Time, time.Time) {
	return w.Start.AddDate(0, 0, -w.Days()), w.Start
}

// Resolve computes the window for interval as of the given date. Times are
// truncated to midnight UTC.
//
//	DAILY    asOf-1d .. asOf
//	WEEKLY   Monday of asOf's week .. Sunday
//	MONTHLY  first .. last day of asOf's month
//	YEARLY   Jan 1 .. Dec 31 of asOf's year
func Resolve(interval Interval, asOf time.Time) Window {
	d := Midnight(asOf)
	w := Window{Interval: interval, AsOf: d}

	switch interval {
	case Yearly:
		w.Start = time.Date(d.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		w.End = time.Date(d.Year(), time.December, 31, 0, 0, 0, 0, time.UTC)
	case Monthly:
		w.Start = time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
		w.End = w.Start.AddDate(0, 1, -1)
	case Weekly:
		offset := (int(d.Weekday()) + 6) % 7
		w.Start = d.AddDate(0, 0, -offset)
		w.End = w.Start.AddDate(0, 0, 6)
	default:
		w.Interval = Daily
		w.Start = d.AddDate(0, 0, -1)
		w.End = d
	}
	return w
}

// Midnight truncates t to 00:00 UTC of its UTC calendar date.
func Midnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// EventDateLayout is the DD-MM-YYYY form used by invocation events.
const EventDateLayout = "02-01-2006"

// ParseEventDate parses a DD-MM-YYYY date.
func ParseEventDate(s string) (time.Time, error) {
	t, err := time.Parse(EventDateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q (want DD-MM-YYYY)", ErrInvalidDate, s)
	}
	return t, nil
}

// Event is the collector's invocation payload.
type Event struct {
	History  bool   `json:"history"`
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Interval string `json:"interval,omitempty"`
}

// DecodeEvent parses a JSON event. An empty payload is the zero event.
func DecodeEvent(b []byte) (Event, error) {
	var ev Event
	if len(strings.TrimSpace(string(b))) == 0 {
		return ev, nil
	}
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return ev, nil
}

// Plan is a validated event: the dates to collect and the interval for each.
type Plan struct {
	History  bool
	Interval Interval
	From     time.Time
	To       time.Time
}

// Plan validates the event against now. A non-history event collects the
// single window ending today; a history event backfills From..To inclusive,
// defaulting to Jan 1 of now's year through today.
func (e Event) Plan(now time.Time) (Plan, error) {
	interval, err := ParseInterval(e.Interval)
	if err != nil {
		return Plan{}, err
	}
	today := Midnight(now)
	p := Plan{History: e.History, Interval: interval, From: today, To: today}
	if !e.History {
		return p, nil
	}

	p.From = time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	if e.Start != "" {
		if p.From, err = ParseEventDate(e.Start); err != nil {
			return Plan{}, err
		}
	}
	if e.End != "" {
		if p.To, err = ParseEventDate(e.End); err != nil {
			return Plan{}, err
		}
	}
	if p.From.After(p.To) {
		return Plan{}, fmt.Errorf("%w: %s > %s", ErrInvalidRange, p.From.Format(EventDateLayout), p.To.Format(EventDateLayout))
	}
	return p, nil
}

// Days returns every as-of date in the plan, oldest first.
func (p Plan) Days() []time.Time {
	var days []time.Time
	for d := p.From; !d.After(p.To); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}
