package database

import (
	"database/sql"
	"testing"
	"time"
)

func TestFormatTime_LexicalOrder(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	earlier := FormatTime(base.Add(900 * time.Millisecond))
	later := FormatTime(base.Add(time.Second))

	if !(earlier < later) {
		t.Errorf("expected %q < %q", earlier, later)
	}
	if len(earlier) != len(later) {
		t.Errorf("timestamps differ in width: %q vs %q", earlier, later)
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2026, 3, 1, 9, 30, 15, 123456000, time.UTC)

	tests := []struct {
		name  string
		input string
	}{
		{"fixed layout", "2026-03-01T09:30:15.123456Z"},
		{"rfc3339 offset", "2026-03-01T10:30:15.123456+01:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTime(tt.input)
			if err != nil {
				t.Fatalf("ParseTime() error = %v", err)
			}
			if !got.Equal(want) {
				t.Errorf("ParseTime() = %v, want %v", got, want)
			}
		})
	}

	if _, err := ParseTime("yesterday"); err == nil {
		t.Error("ParseTime() expected error for garbage input")
	}
}

func TestNullTime(t *testing.T) {
	if NullTime(nil).Valid {
		t.Error("NullTime(nil) should be invalid")
	}

	now := time.Now()
	ns := NullTime(&now)
	if !ns.Valid {
		t.Fatal("NullTime(&now) should be valid")
	}

	back, err := ParseNullTime(ns)
	if err != nil {
		t.Fatalf("ParseNullTime() error = %v", err)
	}
	if back == nil || !back.Equal(now.UTC().Truncate(time.Microsecond)) {
		t.Errorf("round trip = %v, want %v", back, now)
	}

	if got, _ := ParseNullTime(sql.NullString{}); got != nil {
		t.Errorf("ParseNullTime(null) = %v, want nil", got)
	}
}
