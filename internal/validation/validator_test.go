// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/tomtom215/dumpvault/internal/models"
)

type sample struct {
	Name     string `koanf:"name" validate:"required,resname"`
	Schedule string `koanf:"schedule" validate:"omitempty,cron"`
	Kind     string `koanf:"kind" validate:"oneof=s3 ssh local"`
	Parts    int    `koanf:"parts" validate:"gte=1,lte=10"`
}

func TestGetValidatorSingleton(t *testing.T) {
	if GetValidator() != GetValidator() {
		t.Error("GetValidator() should return the same instance")
	}
}

func TestValidateStruct(t *testing.T) {
	tests := []struct {
		name     string
		in       sample
		wantErr  bool
		contains string
	}{
		{name: "valid", in: sample{Name: "offsite-1", Schedule: "0 * * * *", Kind: "s3", Parts: 2}},
		{name: "missing name", in: sample{Kind: "s3", Parts: 1}, wantErr: true, contains: "name is required"},
		{name: "bad name", in: sample{Name: "../etc", Kind: "s3", Parts: 1}, wantErr: true, contains: "name must contain only"},
		{name: "bad cron", in: sample{Name: "a", Schedule: "nope", Kind: "s3", Parts: 1}, wantErr: true, contains: "schedule must be a valid cron"},
		{name: "bad kind", in: sample{Name: "a", Kind: "ftp", Parts: 1}, wantErr: true, contains: "kind must be one of: s3 ssh local"},
		{name: "parts too high", in: sample{Name: "a", Kind: "local", Parts: 11}, wantErr: true, contains: "parts must be less than or equal to 10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(&tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateStruct() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !errors.Is(err, models.ErrConfiguration) {
				t.Errorf("expected ErrConfiguration in chain, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.contains)
			}
		})
	}
}

func TestIsResourceName(t *testing.T) {
	for name, want := range map[string]bool{
		"nightly":    true,
		"db_01.eu":   true,
		"":           false,
		"-leading":   false,
		"has space":  false,
		"with/slash": false,
	} {
		if got := IsResourceName(name); got != want {
			t.Errorf("IsResourceName(%q) = %v, want %v", name, got, want)
		}
	}
}
