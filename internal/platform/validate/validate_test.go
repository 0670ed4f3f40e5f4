package validate

import (
	"strings"
	"testing"
	"time"

	"github.com/intellisoft/digitalhealth/internal/platform/fault"
)

func TestParseCalendarDate_RoundTrip(t *testing.T) {
	d, err := ParseCalendarDate("1996-08-09")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := FormatDate(d); got != "1996-08-09" {
		t.Errorf("expected 1996-08-09, got %s", got)
	}
}

func TestParseCalendarDate_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"overflow day", "2024-02-30"},
		{"month 13", "2024-13-01"},
		{"single digit month", "2024-2-01"},
		{"slashes", "2024/02/01"},
		{"with time", "2024-02-01 10:00:00"},
		{"trailing text", "2024-02-01x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCalendarDate(tt.input)
			if err == nil {
				t.Fatalf("expected error for %q", tt.input)
			}
			f, ok := fault.As(err)
			if !ok {
				t.Fatalf("expected fault, got %T", err)
			}
			if f.Kind != fault.KindValidation || f.Code != fault.CodeInvalidFormat {
				t.Errorf("expected invalid_format validation fault, got %+v", f)
			}
		})
	}
}

func TestParseCalendarDate_LeapDay(t *testing.T) {
	if _, err := ParseCalendarDate("2024-02-29"); err != nil {
		t.Errorf("2024-02-29 is valid: %v", err)
	}
	if _, err := ParseCalendarDate("2023-02-29"); err == nil {
		t.Error("2023-02-29 is not a date")
	}
}

func TestParseCalendarDate_TrimsWhitespace(t *testing.T) {
	d, err := ParseCalendarDate(" 1996-08-09 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if FormatDate(d) != "1996-08-09" {
		t.Errorf("unexpected date %v", d)
	}
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("2025-11-01 10:30:15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := FormatTimestamp(ts); got != "2025-11-01 10:30:15" {
		t.Errorf("round trip mismatch: %s", got)
	}

	for _, bad := range []string{"", "2025-11-01", "2025-11-01T10:30:15", "2025-11-01 25:00:00", "2025-11-01 10:30"} {
		if _, err := ParseTimestamp(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestParseTimestamp_RejectsSurroundingWhitespace(t *testing.T) {
	for _, text := range []string{" 2025-11-01 10:30:15", "2025-11-01 10:30:15 ", "\t2025-11-01 10:30:15\n", "   "} {
		_, err := ParseTimestamp(text)
		f, ok := fault.As(err)
		if !ok {
			t.Fatalf("%q: expected fault, got %v", text, err)
		}
		if f.Code != fault.CodeInvalidFormat {
			t.Errorf("%q: expected %s, got %s", text, fault.CodeInvalidFormat, f.Code)
		}
	}
}

func TestField_AttributesFault(t *testing.T) {
	_, err := Field("birthDate", "nope", ParseCalendarDate)
	f, ok := fault.As(err)
	if !ok {
		t.Fatalf("expected fault, got %v", err)
	}
	if f.Field != "birthDate" {
		t.Errorf("expected field birthDate, got %q", f.Field)
	}
	if !strings.Contains(f.Message, "nope") {
		t.Errorf("expected message to quote the input, got %q", f.Message)
	}
}

func TestIdentifier(t *testing.T) {
	ptr := func(v int64) *int64 { return &v }
	tests := []struct {
		name string
		v    *int64
		ok   bool
	}{
		{"missing", nil, false},
		{"six digits", ptr(999999), false},
		{"seven digits", ptr(1000000), true},
		{"eight digits", ptr(16372916), true},
		{"max", ptr(99999999), true},
		{"nine digits", ptr(100000000), false},
		{"negative", ptr(-1234567), false},
	}
	for _, tt := range tests {
		err := Identifier(tt.v)
		if (err == nil) != tt.ok {
			t.Errorf("%s: expected ok=%v, got %v", tt.name, tt.ok, err)
		}
	}
}

func TestName(t *testing.T) {
	tests := []struct {
		input string
		msg   string
	}{
		{"Felix", ""},
		{"Mary-Jane O'Neil", ""},
		{"", "GivenName is mandatory"},
		{"   ", "GivenName is mandatory"},
		{"F3lix", "Given name contains invalid characters"},
		{strings.Repeat("a", 101), "Given name must be between 1 and 100 characters"},
		{strings.Repeat("a", 100), ""},
	}
	for _, tt := range tests {
		err := Name(GivenName, tt.input)
		if tt.msg == "" {
			if err != nil {
				t.Errorf("Name(%q): unexpected error %v", tt.input, err)
			}
			continue
		}
		f, ok := fault.As(err)
		if !ok {
			t.Fatalf("Name(%q): expected fault, got %v", tt.input, err)
		}
		if f.Message != tt.msg || f.Field != "givenName" {
			t.Errorf("Name(%q): got %q on %q", tt.input, f.Message, f.Field)
		}
	}
}

func TestCodeAndValue(t *testing.T) {
	for _, good := range []string{"BP-01", "HEART_RATE", "A", strings.Repeat("X", 50)} {
		if err := Code(good); err != nil {
			t.Errorf("Code(%q): %v", good, err)
		}
	}
	for _, bad := range []string{"", "bp-01", "BP 01", "BP.01", strings.Repeat("X", 51)} {
		if err := Code(bad); err == nil {
			t.Errorf("Code(%q): expected error", bad)
		}
	}
	if err := Value("120/190"); err != nil {
		t.Errorf("Value: %v", err)
	}
	if err := Value(strings.Repeat("v", 501)); err == nil {
		t.Error("expected value over 500 characters to fail")
	}
	if err := Value(" "); err == nil {
		t.Error("expected blank value to fail")
	}
}

func TestWithinWindow(t *testing.T) {
	start := time.Date(2025, 11, 1, 10, 30, 15, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	if err := WithinWindow(start, start, nil); err != nil {
		t.Errorf("start boundary is inclusive: %v", err)
	}
	if err := WithinWindow(end, start, &end); err != nil {
		t.Errorf("end boundary is inclusive: %v", err)
	}
	if err := WithinWindow(start.Add(-time.Second), start, nil); err == nil {
		t.Error("expected time before start to fail")
	}
	if err := WithinWindow(end.Add(time.Second), start, &end); err == nil {
		t.Error("expected time after end to fail")
	}
	if err := WithinWindow(end.Add(24*time.Hour), start, nil); err != nil {
		t.Errorf("open encounter has no upper bound: %v", err)
	}
}

func TestPastAndNotFuture(t *testing.T) {
	now := time.Date(2025, 11, 2, 0, 0, 0, 0, time.UTC)
	if err := Past("birthDate", now, now, "x"); err == nil {
		t.Error("now is not in the past")
	}
	if err := NotFuture("start", now, now, "x"); err != nil {
		t.Errorf("now is not in the future: %v", err)
	}
	if err := NotFuture("start", now.Add(time.Second), now, "x"); err == nil {
		t.Error("expected future time to fail")
	}
}

func TestClock_CivilTime(t *testing.T) {
	loc := time.FixedZone("EAT", 3*60*60)
	now := Clock(loc)()
	if now.Location() != time.UTC {
		t.Errorf("expected UTC label, got %v", now.Location())
	}
	want := time.Now().In(loc)
	if d := now.Sub(Civil(want)); d > 2*time.Second || d < -2*time.Second {
		t.Errorf("expected wall clock of loc, got %v vs %v", now, want)
	}
}
