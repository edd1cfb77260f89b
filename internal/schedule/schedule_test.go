package schedule

import (
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	got, err := ParseTimeOfDay("07:30")
	if err != nil {
		t.Fatalf("ParseTimeOfDay: %v", err)
	}
	if got != (TimeOfDay{Hour: 7, Minute: 30}) {
		t.Fatalf("got %+v", got)
	}
	if got.String() != "07:30" {
		t.Fatalf("String()=%q", got.String())
	}

	for _, bad := range []string{"", "7", "24:00", "07:60", "morning"} {
		if _, err := ParseTimeOfDay(bad); err == nil {
			t.Errorf("ParseTimeOfDay(%q): expected error", bad)
		}
	}
}

func TestParseWeekday(t *testing.T) {
	cases := map[string]time.Weekday{
		"monday":   time.Monday,
		"MON":      time.Monday,
		" sunday ": time.Sunday,
		"sat":      time.Saturday,
	}
	for in, want := range cases {
		got, err := parseWeekday(in)
		if err != nil {
			t.Fatalf("parseWeekday(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseWeekday(%q)=%v, want %v", in, got, want)
		}
	}
	if _, err := parseWeekday("someday"); err == nil {
		t.Fatalf("expected error for unknown weekday")
	}
}

func TestTimeOfDayOn(t *testing.T) {
	day := time.Date(2026, 8, 31, 15, 45, 12, 0, time.UTC)
	got := TimeOfDay{Hour: 9, Minute: 5}.On(day, time.UTC)
	want := time.Date(2026, 8, 31, 9, 5, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("On=%v, want %v", got, want)
	}

	// A nil location falls back to UTC.
	got = TimeOfDay{Hour: 9, Minute: 5}.On(day, nil)
	if !got.Equal(want) {
		t.Fatalf("On with nil loc=%v, want %v", got, want)
	}
}
