package scheduler

import (
	"testing"
	"time"
)

func TestParseWhen(t *testing.T) {
	loc := time.UTC
	now := time.Date(2025, 6, 10, 14, 0, 0, 0, loc)

	tests := []struct {
		when    string
		want    time.Time
		wantErr bool
	}{
		{"30m", now.Add(30 * time.Minute), false},
		{"2h", now.Add(2 * time.Hour), false},
		{"in 20 minutes", now.Add(20 * time.Minute), false},
		{"In 1 hour", now.Add(time.Hour), false},
		{"in 3 days", now.Add(72 * time.Hour), false},
		{"2025-06-11T09:00:00Z", time.Date(2025, 6, 11, 9, 0, 0, 0, time.UTC), false},
		{"2025-06-12 08:30", time.Date(2025, 6, 12, 8, 30, 0, 0, loc), false},
		{"17:30", time.Date(2025, 6, 10, 17, 30, 0, 0, loc), false},
		{"09:00", time.Date(2025, 6, 11, 9, 0, 0, 0, loc), false},
		{"5:15pm", time.Date(2025, 6, 10, 17, 15, 0, 0, loc), false},
		{"3pm", time.Date(2025, 6, 10, 15, 0, 0, 0, loc), false},
		{"-5m", time.Time{}, true},
		{"in a while", time.Time{}, true},
		{"in 5 fortnights", time.Time{}, true},
		{"", time.Time{}, true},
		{"whenever", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.when, func(t *testing.T) {
			got, err := ParseWhen(tt.when, now, loc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseWhen(%q) error = %v, wantErr %v", tt.when, err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("ParseWhen(%q) = %v, want %v", tt.when, got, tt.want)
			}
		})
	}
}
