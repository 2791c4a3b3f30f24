// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package validation provides struct validation using go-playground/validator v10.
//
// It exposes a thread-safe singleton validator with the custom tags used by
// configuration and control-channel payloads:
//
//	cron     - a five-field cron expression or macro accepted by the scheduler
//	resname  - a destination or job name: letters, digits, '.', '_' and '-'
//
// Field names in error messages come from the koanf tag when present, so
// messages name the YAML key the operator must fix.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/tomtom215/dumpvault/internal/models"
	"github.com/tomtom215/dumpvault/internal/schedule"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once

	resourceNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)
)

// FieldError is a single failed validation rule.
type FieldError struct {
	Field   string
	Tag     string
	Param   string
	Message string
}

func (e FieldError) Error() string {
	return e.Message
}

// Errors is the collection of failures for one struct. It unwraps to
// models.ErrConfiguration so callers classify it with errors.Is.
type Errors []FieldError

func (ve Errors) Error() string {
	if len(ve) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(ve))
	for i, fe := range ve {
		msgs[i] = fe.Message
	}
	return strings.Join(msgs, "; ")
}

func (ve Errors) Unwrap() error {
	return models.ErrConfiguration
}

// GetValidator returns the singleton validator instance.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("koanf"), ",", 2)[0]
			if name == "" || name == "-" {
				name = strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			}
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
		_ = validate.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
			_, err := schedule.ParseCron(fl.Field().String())
			return err == nil
		})
		_ = validate.RegisterValidation("resname", func(fl validator.FieldLevel) bool {
			return resourceNamePattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// ValidateStruct validates s and returns nil or an Errors value.
func ValidateStruct(s any) error {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", models.ErrConfiguration, err)
	}

	out := make(Errors, len(verrs))
	for i, fe := range verrs {
		out[i] = FieldError{
			Field:   namespace(fe),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Message: translate(fe),
		}
	}
	return out
}

// IsResourceName reports whether name is usable as a destination or job name.
func IsResourceName(name string) bool {
	return resourceNamePattern.MatchString(name)
}

// namespace drops the root struct name: "Config.vault.path" becomes "vault.path".
func namespace(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

var simpleMessages = map[string]string{
	"required": "%s is required",
	"cron":     "%s must be a valid cron expression",
	"resname":  "%s must contain only letters, digits, '.', '_' or '-' (max 64)",
	"url":      "%s must be a valid URL",
	"hostname": "%s must be a valid hostname",
	"dir":      "%s must be an existing directory",
}

var paramMessages = map[string]string{
	"oneof": "%s must be one of: %s",
	"gte":   "%s must be greater than or equal to %s",
	"lte":   "%s must be less than or equal to %s",
	"gt":    "%s must be greater than %s",
	"lt":    "%s must be less than %s",
	"min":   "%s must be at least %s",
	"max":   "%s must be at most %s",
}

func translate(fe validator.FieldError) string {
	field := namespace(fe)
	if tmpl, ok := simpleMessages[fe.Tag()]; ok {
		return fmt.Sprintf(tmpl, field)
	}
	if tmpl, ok := paramMessages[fe.Tag()]; ok {
		msg := fmt.Sprintf(tmpl, field, fe.Param())
		if fe.Kind() == reflect.String && (fe.Tag() == "min" || fe.Tag() == "max") {
			msg += " characters"
		}
		return msg
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}
