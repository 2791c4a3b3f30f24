// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// fieldSet is a bitmask of the values allowed in one cron field.
type fieldSet uint64

func (s fieldSet) has(v int) bool { return s&(1<<uint(v)) != 0 }

// CronExpression is a parsed five-field cron expression:
// minute hour day-of-month month day-of-week.
type CronExpression struct {
	source  string
	minutes fieldSet
	hours   fieldSet
	doms    fieldSet
	months  fieldSet
	dows    fieldSet
	domStar bool
	dowStar bool
}

// cronMacros maps the common shorthands onto their five-field equivalents.
var cronMacros = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// ParseCron parses a standard five-field cron expression.
//
// Supported syntax per field: "*", "n", "n-m", "n,m,o", "*/s", "n-m/s", "n/s".
// Day-of-week accepts 0-7 where both 0 and 7 mean Sunday. The @hourly,
// @daily, @weekly, @monthly and @yearly macros are also accepted.
//
//	"0 * * * *"   top of every hour
//	"30 2 * * 1"  Mondays at 02:30
//	"*/15 * * * *" every 15 minutes
func ParseCron(expr string) (*CronExpression, error) {
	expr = strings.TrimSpace(expr)
	if macro, ok := cronMacros[strings.ToLower(expr)]; ok {
		expr = macro
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	c := &CronExpression{source: expr}
	var err error
	if c.minutes, err = parseField(fields[0], 0, 59); err != nil {
		return nil, fmt.Errorf("invalid minute field: %w", err)
	}
	if c.hours, err = parseField(fields[1], 0, 23); err != nil {
		return nil, fmt.Errorf("invalid hour field: %w", err)
	}
	if c.doms, err = parseField(fields[2], 1, 31); err != nil {
		return nil, fmt.Errorf("invalid day-of-month field: %w", err)
	}
	if c.months, err = parseField(fields[3], 1, 12); err != nil {
		return nil, fmt.Errorf("invalid month field: %w", err)
	}
	if c.dows, err = parseField(fields[4], 0, 7); err != nil {
		return nil, fmt.Errorf("invalid day-of-week field: %w", err)
	}
	if c.dows.has(7) {
		c.dows = (c.dows | 1) &^ (1 << 7)
	}
	c.domStar = fields[2] == "*" || fields[2] == "?"
	c.dowStar = fields[4] == "*" || fields[4] == "?"
	return c, nil
}

// String returns the normalized expression.
func (c *CronExpression) String() string {
	return c.source
}

// NextRun returns the first matching minute strictly after the given time,
// evaluated in loc (UTC when nil). It returns the zero time if nothing
// matches within five years, which only happens for impossible dates such
// as "0 0 30 2 *".
func (c *CronExpression) NextRun(after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := after.In(loc).Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)

	for t.Before(limit) {
		if !c.months.has(int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !c.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			continue
		}
		if !c.hours.has(t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
			continue
		}
		if !c.minutes.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t
	}
	return time.Time{}
}

// dayMatches applies the cron rule that day-of-month and day-of-week are
// OR'd when both are restricted, and only the restricted one applies otherwise.
func (c *CronExpression) dayMatches(t time.Time) bool {
	dom := c.doms.has(t.Day())
	dow := c.dows.has(int(t.Weekday()))
	switch {
	case c.domStar && c.dowStar:
		return true
	case c.domStar:
		return dow
	case c.dowStar:
		return dom
	default:
		return dom || dow
	}
}

func parseField(field string, minVal, maxVal int) (fieldSet, error) {
	if field == "*" || field == "?" {
		return span(minVal, maxVal, 1), nil
	}
	var set fieldSet
	for _, part := range strings.Split(field, ",") {
		s, err := parsePart(part, minVal, maxVal)
		if err != nil {
			return 0, err
		}
		set |= s
	}
	return set, nil
}

func parsePart(part string, minVal, maxVal int) (fieldSet, error) {
	if part == "" {
		return 0, fmt.Errorf("empty list element")
	}

	rangeExpr, step := part, 1
	if i := strings.IndexByte(part, '/'); i >= 0 {
		n, err := strconv.Atoi(part[i+1:])
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid step value: %s", part[i+1:])
		}
		rangeExpr, step = part[:i], n
	}

	var lo, hi int
	switch {
	case rangeExpr == "*":
		lo, hi = minVal, maxVal
	case strings.Contains(rangeExpr, "-"):
		bounds := strings.SplitN(rangeExpr, "-", 2)
		var err error
		if lo, err = strconv.Atoi(bounds[0]); err != nil {
			return 0, fmt.Errorf("invalid range start: %s", bounds[0])
		}
		if hi, err = strconv.Atoi(bounds[1]); err != nil {
			return 0, fmt.Errorf("invalid range end: %s", bounds[1])
		}
	default:
		v, err := strconv.Atoi(rangeExpr)
		if err != nil {
			return 0, fmt.Errorf("invalid value: %s", rangeExpr)
		}
		lo, hi = v, v
		if step > 1 {
			hi = maxVal
		}
	}

	if lo > hi || lo < minVal || hi > maxVal {
		return 0, fmt.Errorf("value out of range: %s (allowed %d-%d)", rangeExpr, minVal, maxVal)
	}
	return span(lo, hi, step), nil
}

func span(lo, hi, step int) fieldSet {
	var s fieldSet
	for v := lo; v <= hi; v += step {
		s |= 1 << uint(v)
	}
	return s
}
