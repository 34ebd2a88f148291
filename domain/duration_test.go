package domain

import "testing"

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds int64
		want    string
	}{
		{0, "0"},
		{5, "5"},
		{59, "59"},
		{60, "1:00"},
		{65, "1:05"},
		{3600, "1:00:00"},
		{3661, "1:01:01"},
		{86400, "1:00:00:00"},
		{90061, "1:01:01:01"},
		// days keep growing, never decomposed into weeks
		{864000, "10:00:00:00"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.seconds); got != tt.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tt.seconds, got, tt.want)
		}
	}
}

func TestFormatDurationClampsNegative(t *testing.T) {
	if got := FormatDuration(-17); got != "0" {
		t.Fatalf("FormatDuration(-17) = %q, want %q", got, "0")
	}
}
