// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package config

import (
	"errors"
	"time"

	"github.com/tomtom215/dumpvault/internal/logging"
	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/schedule"
	"github.com/tomtom215/dumpvault/internal/validation"
)

// Validate checks field rules, the destination union and job schedules.
// All failures wrap models.ErrConfiguration.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return models.Configurationf("scheduler.timezone: %v", err)
	}

	var errs []error
	seen := make(map[string]bool, len(c.Destinations))
	for i := range c.Destinations {
		d := &c.Destinations[i]
		if seen[d.Name] {
			errs = append(errs, models.Configurationf("destination %q is defined more than once", d.Name))
		}
		seen[d.Name] = true
		if err := d.validateUnion(); err != nil {
			errs = append(errs, err)
		}
	}

	jobs := make(map[string]bool, len(c.Jobs))
	for i := range c.Jobs {
		j := &c.Jobs[i]
		if jobs[j.Name] {
			errs = append(errs, models.Configurationf("job %q is defined more than once", j.Name))
		}
		jobs[j.Name] = true
		if err := schedule.Validate(j.ScheduleType, j.ScheduleValue); err != nil {
			errs = append(errs, models.Configurationf("job %q: %v", j.Name, err))
		}
		for _, name := range j.Destinations {
			if !seen[name] {
				// Replication drops unknown destinations at run time; flag it early.
				logging.Warn().Str("job", j.Name).Str("destination", name).
					Msg("Job references an undefined destination")
			}
		}
	}
	return errors.Join(errs...)
}

// validateUnion checks that exactly the block selected by Type is present.
func (d *DestinationConfig) validateUnion() error {
	present := map[DestinationType]bool{
		DestinationS3:    d.S3 != nil,
		DestinationSSH:   d.SSH != nil,
		DestinationLocal: d.Local != nil,
	}
	if !present[d.Type] {
		return models.Configurationf("destination %q: type %s requires a %s block", d.Name, d.Type, d.Type)
	}
	for kind, ok := range present {
		if ok && kind != d.Type {
			return models.Configurationf("destination %q: type %s must not carry a %s block", d.Name, d.Type, kind)
		}
	}
	if d.Type == DestinationSSH {
		s := d.SSH
		if s.Password == "" && s.PrivateKeyPath == "" {
			return models.Configurationf("destination %q: ssh needs password or private_key_path", d.Name)
		}
		if s.KnownHostsPath == "" && !s.InsecureIgnoreHostKey {
			return models.Configurationf("destination %q: ssh needs known_hosts_path or insecure_ignore_host_key", d.Name)
		}
	}
	if d.Type == DestinationS3 && (d.S3.AccessKeyID == "") != (d.S3.SecretAccessKey == "") {
		return models.Configurationf("destination %q: s3 access_key_id and secret_access_key must be set together", d.Name)
	}
	return nil
}

// Location returns the scheduler's time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}
