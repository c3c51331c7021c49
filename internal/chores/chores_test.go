package chores

import (
	"testing"
	"time"
)

func emptyTrash() Definition {
	return Definition{
		ID:            1,
		Name:          "Empty trash",
		Description:   "Empty trash every 2 weeks",
		MinVolunteers: 2,
		Schedule: Schedule{
			Kind:   ScheduleEvery,
			Every:  14 * 24 * time.Hour,
			Anchor: time.Date(2019, 2, 26, 7, 30, 0, 0, time.UTC),
		},
	}
}

func TestBiweeklyOccurrences(t *testing.T) {
	e := NewEngine([]Definition{emptyTrash()}, time.UTC)

	from := time.Date(2019, 2, 3, 8, 55, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 90)
	occs, err := e.Occurrences(from, to)
	if err != nil {
		t.Fatalf("occurrences: %v", err)
	}

	want := []time.Time{
		time.Date(2019, 2, 26, 7, 30, 0, 0, time.UTC),
		time.Date(2019, 3, 12, 7, 30, 0, 0, time.UTC),
		time.Date(2019, 3, 26, 7, 30, 0, 0, time.UTC),
		time.Date(2019, 4, 9, 7, 30, 0, 0, time.UTC),
		time.Date(2019, 4, 23, 7, 30, 0, 0, time.UTC),
	}
	if len(occs) != len(want) {
		t.Fatalf("got %d occurrences, want %d", len(occs), len(want))
	}
	for i, occ := range occs {
		if !occ.At.Equal(want[i]) {
			t.Errorf("occurrence %d at %v, want %v", i, occ.At, want[i])
		}
	}
}

func TestSingleOccurrence(t *testing.T) {
	at := time.Date(2019, 5, 1, 10, 0, 0, 0, time.UTC)
	def := Definition{ID: 2, Name: "Spring cleaning", Schedule: Schedule{Kind: ScheduleAt, Anchor: at}}
	e := NewEngine([]Definition{def}, time.UTC)

	occs, err := e.Occurrences(at.AddDate(0, 0, -30), at.AddDate(0, 0, 30))
	if err != nil {
		t.Fatalf("occurrences: %v", err)
	}
	if len(occs) != 1 || !occs[0].At.Equal(at) {
		t.Fatalf("occurrences = %v", occs)
	}

	occs, _ = e.Occurrences(at.Add(time.Hour), at.AddDate(0, 0, 30))
	if len(occs) != 0 {
		t.Errorf("occurrence outside range reported: %v", occs)
	}
}

func TestCronOccurrences(t *testing.T) {
	def := Definition{
		ID:   3,
		Name: "Sweep floor",
		Schedule: Schedule{
			Kind:   ScheduleCron,
			Cron:   "0 9 * * 1", // mondays 09:00
			Anchor: time.Date(2019, 2, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	e := NewEngine([]Definition{def}, time.UTC)

	from := time.Date(2019, 2, 3, 0, 0, 0, 0, time.UTC)
	occs, err := e.Occurrences(from, from.AddDate(0, 0, 14))
	if err != nil {
		t.Fatalf("occurrences: %v", err)
	}
	if len(occs) != 2 {
		t.Fatalf("got %d occurrences, want 2: %v", len(occs), occs)
	}
	if occs[0].At.Weekday() != time.Monday || occs[0].At.Hour() != 9 {
		t.Errorf("first occurrence %v not a monday 09:00", occs[0].At)
	}
}

func TestNudgeKeyFormat(t *testing.T) {
	occ := Occurrence{Chore: emptyTrash(), At: time.Date(2019, 2, 26, 7, 30, 0, 0, time.UTC)}
	n := Nudge{Reminder: DefaultReminders[0], Occurrence: occ}
	want := "gentle_email-1-1551166200"
	if got := n.Key(); got != want {
		t.Errorf("nudge key = %q, want %q", got, want)
	}
}

func TestDueNudgesThresholds(t *testing.T) {
	e := NewEngine([]Definition{emptyTrash()}, time.UTC)
	window := 2 * time.Hour
	horizon := 90 * 24 * time.Hour

	// Just before the gentle reminder time: nothing due.
	now := time.Date(2019, 2, 23, 16, 59, 0, 0, time.UTC)
	due, err := e.DueNudges(now, window, horizon)
	if err != nil {
		t.Fatalf("due nudges: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("nudges before threshold: %v", due)
	}

	// Just after: exactly the gentle email.
	now = time.Date(2019, 2, 23, 17, 1, 0, 0, time.UTC)
	due, _ = e.DueNudges(now, window, horizon)
	if len(due) != 1 || due[0].Reminder.Type != "gentle_email" {
		t.Fatalf("nudges after gentle threshold = %v", due)
	}

	// The day after at 17:01: the hard ask is due; the gentle email
	// has aged out of the freshness window.
	now = time.Date(2019, 2, 24, 17, 1, 0, 0, time.UTC)
	due, _ = e.DueNudges(now, window, horizon)
	if len(due) != 1 || due[0].Reminder.Type != "ask_volunteers" {
		t.Fatalf("nudges after hard threshold = %v", due)
	}

	// The evening before the chore: the volunteer reminder.
	now = time.Date(2019, 2, 25, 19, 1, 0, 0, time.UTC)
	due, _ = e.DueNudges(now, window, horizon)
	if len(due) != 1 || due[0].Reminder.Type != "volunteer_reminder" {
		t.Fatalf("nudges at volunteer reminder time = %v", due)
	}
}
