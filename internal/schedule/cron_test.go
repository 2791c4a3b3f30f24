// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package schedule

import (
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "top of hour", expr: "0 * * * *"},
		{name: "every 15 minutes", expr: "*/15 * * * *"},
		{name: "weekdays at 2am", expr: "0 2 * * 1-5"},
		{name: "list", expr: "0,15,30,45 * * * *"},
		{name: "sunday as 7", expr: "0 0 * * 7"},
		{name: "stepped range", expr: "0-30/10 * * * *"},
		{name: "macro", expr: "@daily"},
		{name: "too few fields", expr: "0 9 * *", wantErr: true},
		{name: "too many fields", expr: "0 9 * * * *", wantErr: true},
		{name: "minute out of range", expr: "60 9 * * *", wantErr: true},
		{name: "hour out of range", expr: "0 24 * * *", wantErr: true},
		{name: "zero step", expr: "*/0 * * * *", wantErr: true},
		{name: "reversed range", expr: "0 5-2 * * *", wantErr: true},
		{name: "garbage", expr: "a b c d e", wantErr: true},
		{name: "empty list element", expr: "1,,2 * * * *", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCron(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestCronNextRun(t *testing.T) {
	base := time.Date(2026, 3, 10, 12, 0, 5, 0, time.UTC) // Tuesday

	tests := []struct {
		name  string
		expr  string
		after time.Time
		want  time.Time
	}{
		{
			name:  "hourly from just past the hour",
			expr:  "0 * * * *",
			after: base,
			want:  time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC),
		},
		{
			name:  "exact match is excluded",
			expr:  "0 * * * *",
			after: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
			want:  time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC),
		},
		{
			name:  "every 15 minutes",
			expr:  "*/15 * * * *",
			after: base,
			want:  time.Date(2026, 3, 10, 12, 15, 0, 0, time.UTC),
		},
		{
			name:  "next monday",
			expr:  "30 2 * * 1",
			after: base,
			want:  time.Date(2026, 3, 16, 2, 30, 0, 0, time.UTC),
		},
		{
			name:  "first of next month",
			expr:  "0 0 1 * *",
			after: base,
			want:  time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "year rollover",
			expr:  "0 0 1 1 *",
			after: base,
			want:  time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "dom or dow when both restricted",
			expr:  "0 0 15 * 5",
			after: base,
			want:  time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseCron(tt.expr)
			if err != nil {
				t.Fatalf("ParseCron: %v", err)
			}
			if got := c.NextRun(tt.after, nil); !got.Equal(tt.want) {
				t.Errorf("NextRun(%s) = %s, want %s", tt.after, got, tt.want)
			}
		})
	}
}

func TestCronNextRunImpossibleDate(t *testing.T) {
	c, err := ParseCron("0 0 30 2 *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}
	if got := c.NextRun(time.Now(), nil); !got.IsZero() {
		t.Errorf("expected zero time for February 30th, got %s", got)
	}
}
