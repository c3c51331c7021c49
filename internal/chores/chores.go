// Package chores generates chore occurrences from recurrence rules and
// decides which reminder nudges are due. The engine is pure
// computation over the injected clock; volunteer counts and dedup
// markers live in the ephemeral store and are consulted by the
// aggregator when it acts on the nudges.
package chores

import (
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind selects how a chore's occurrences are generated.
type ScheduleKind string

// Supported schedule kinds.
const (
	ScheduleCron  ScheduleKind = "cron"  // standard 5-field cron expression
	ScheduleEvery ScheduleKind = "every" // fixed interval anchored to a start time
	ScheduleAt    ScheduleKind = "at"    // one single occurrence
)

// Schedule is a chore's occurrence-generation rule.
type Schedule struct {
	Kind ScheduleKind

	// Cron is the expression for ScheduleCron; occurrences before
	// Anchor are skipped.
	Cron string

	// Every is the interval for ScheduleEvery, counted from Anchor.
	Every time.Duration

	// Anchor is the first occurrence for ScheduleEvery, the earliest
	// occurrence for ScheduleCron, and the only occurrence for
	// ScheduleAt.
	Anchor time.Time
}

// ReminderKind selects the nudge behavior of a reminder rule.
type ReminderKind string

// Reminder kinds.
const (
	// MissingVolunteers nudges fire only while nobody has signed up.
	MissingVolunteers ReminderKind = "missing_volunteers"
	// SignedVolunteers nudges remind exactly the users already signed up.
	SignedVolunteers ReminderKind = "signed_volunteers"
)

// Reminder computes a reminder time relative to each occurrence:
// DaysBefore days earlier, at Hour:Minute local time. Type is the
// stable tag used in the nudge dedup key.
type Reminder struct {
	Type       string
	Kind       ReminderKind
	DaysBefore int
	Hour       int
	Minute     int

	// ListEmail sends the nudge to the members mailing list.
	ListEmail bool
	// DirectAsk messages recently-seen users directly, asking them to
	// volunteer. Only meaningful for MissingVolunteers.
	DirectAsk bool
}

// DefaultReminders is the reminder ladder applied to chores that don't
// define their own: a gentle list email three days ahead, a harder
// list email plus direct ask two days ahead, and a reminder to the
// confirmed volunteers the evening before.
var DefaultReminders = []Reminder{
	{Type: "gentle_email", Kind: MissingVolunteers, DaysBefore: 3, Hour: 17, ListEmail: true},
	{Type: "ask_volunteers", Kind: MissingVolunteers, DaysBefore: 2, Hour: 17, ListEmail: true, DirectAsk: true},
	{Type: "volunteer_reminder", Kind: SignedVolunteers, DaysBefore: 1, Hour: 19},
}

// Definition is one chore as configured in the membership directory.
type Definition struct {
	ID            int64
	Name          string
	Description   string
	MinVolunteers int
	Schedule      Schedule
	Reminders     []Reminder
}

// reminders returns the chore's reminder ladder, falling back to the
// default one.
func (d Definition) reminders() []Reminder {
	if len(d.Reminders) > 0 {
		return d.Reminders
	}
	return DefaultReminders
}

// Occurrence is one concrete instance of a chore at a point in time.
type Occurrence struct {
	Chore Definition
	At    time.Time
}

// Key identifies the occurrence in the volunteer store.
func (o Occurrence) Key() string {
	return fmt.Sprintf("%d-%d", o.Chore.ID, o.At.Unix())
}

// Nudge is one due reminder action for one occurrence.
type Nudge struct {
	Reminder   Reminder
	Occurrence Occurrence
	DueAt      time.Time
}

// Key is the dedup marker key: {nudge_type}-{chore_id}-{occurrence_unix_ts}.
func (n Nudge) Key() string {
	return fmt.Sprintf("%s-%d-%d", n.Reminder.Type, n.Occurrence.Chore.ID, n.Occurrence.At.Unix())
}

// Engine generates occurrences and due nudges for a set of chores.
type Engine struct {
	defs []Definition
	loc  *time.Location
}

// NewEngine builds an engine over the given chore definitions.
// Reminder times-of-day are interpreted in loc.
func NewEngine(defs []Definition, loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{defs: defs, loc: loc}
}

// occurrencesBetween enumerates a single chore's occurrences in
// [from, to].
func occurrencesBetween(d Definition, from, to time.Time) ([]Occurrence, error) {
	var out []Occurrence
	switch d.Schedule.Kind {
	case ScheduleAt:
		at := d.Schedule.Anchor
		if !at.Before(from) && !at.After(to) {
			out = append(out, Occurrence{Chore: d, At: at})
		}
	case ScheduleEvery:
		if d.Schedule.Every <= 0 {
			return nil, fmt.Errorf("chore %q: non-positive interval", d.Name)
		}
		for at := d.Schedule.Anchor; !at.After(to); at = at.Add(d.Schedule.Every) {
			if !at.Before(from) {
				out = append(out, Occurrence{Chore: d, At: at})
			}
		}
	case ScheduleCron:
		sched, err := cron.ParseStandard(d.Schedule.Cron)
		if err != nil {
			return nil, fmt.Errorf("chore %q: parse schedule: %w", d.Name, err)
		}
		start := from
		if d.Schedule.Anchor.After(start) {
			start = d.Schedule.Anchor
		}
		for at := sched.Next(start.Add(-time.Second)); !at.IsZero() && !at.After(to); at = sched.Next(at) {
			out = append(out, Occurrence{Chore: d, At: at})
		}
	default:
		return nil, fmt.Errorf("chore %q: unknown schedule kind %q", d.Name, d.Schedule.Kind)
	}
	return out, nil
}

// Occurrences enumerates all chores' occurrences in [from, to], sorted
// by time.
func (e *Engine) Occurrences(from, to time.Time) ([]Occurrence, error) {
	var out []Occurrence
	for _, d := range e.defs {
		occs, err := occurrencesBetween(d, from, to)
		if err != nil {
			return nil, err
		}
		out = append(out, occs...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

// reminderTime computes when a reminder for the given occurrence
// becomes due.
func (e *Engine) reminderTime(r Reminder, occ Occurrence) time.Time {
	day := occ.At.In(e.loc).AddDate(0, 0, -r.DaysBefore)
	return time.Date(day.Year(), day.Month(), day.Day(), r.Hour, r.Minute, 0, 0, e.loc).UTC()
}

// DueNudges returns the nudges whose reminder time has passed but lies
// within the given freshness window before now. The window keeps a
// restart after long downtime from firing reminders that are days
// stale. Dedup against the marker store is the caller's job.
func (e *Engine) DueNudges(now time.Time, window time.Duration, horizon time.Duration) ([]Nudge, error) {
	occs, err := e.Occurrences(now.Add(-window), now.Add(horizon))
	if err != nil {
		return nil, err
	}
	var out []Nudge
	for _, occ := range occs {
		for _, r := range occ.Chore.reminders() {
			due := e.reminderTime(r, occ)
			if due.After(now) || now.Sub(due) > window {
				continue
			}
			out = append(out, Nudge{Reminder: r, Occurrence: occ, DueAt: due})
		}
	}
	return out, nil
}
