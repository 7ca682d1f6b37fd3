/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: cron.go
Description: Five-field cron expressions (minute hour day-of-month month weekday) with
support for wildcards, every-n steps, ranges, stepped ranges and comma lists. Weekday 0 is Sunday.
A time matches only when every field matches, day-of-month and weekday included.
*/

package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCron is matched by every cron parse error
var ErrInvalidCron = errors.New("invalid cron expression")

// cronHorizon bounds the next-run search
const cronHorizon = 366 * 24 * time.Hour

type cronField struct {
	name     string
	min, max int
}

var cronFields = [5]cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day", 1, 31},
	{"month", 1, 12},
	{"weekday", 0, 6},
}

// CronExpr is a parsed cron expression
type CronExpr struct {
	expr    string
	minute  uint64
	hour    uint64
	day     uint64
	month   uint64
	weekday uint64
}

// ParseCron parses expr
func ParseCron(expr string) (*CronExpr, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: %q: expected 'minute hour day month weekday'", ErrInvalidCron, expr)
	}
	var sets [5]uint64
	for i, part := range parts {
		set, err := parseCronField(part, cronFields[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
		}
		sets[i] = set
	}
	return &CronExpr{
		expr:    strings.Join(parts, " "),
		minute:  sets[0],
		hour:    sets[1],
		day:     sets[2],
		month:   sets[3],
		weekday: sets[4],
	}, nil
}

// String returns the normalized expression
func (c *CronExpr) String() string { return c.expr }

func parseCronField(s string, f cronField) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			return 0, fmt.Errorf("%s: empty list element", f.name)
		}
		lo, hi, step := f.min, f.max, 1

		rangePart := part
		if i := strings.IndexByte(part, '/'); i >= 0 {
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("%s: bad step in %q", f.name, part)
			}
			step = n
			rangePart = part[:i]
		}

		switch {
		case rangePart == "*":
		case strings.Contains(rangePart, "-"):
			a, b, _ := strings.Cut(rangePart, "-")
			var err error
			if lo, err = strconv.Atoi(a); err != nil {
				return 0, fmt.Errorf("%s: bad range %q", f.name, part)
			}
			if hi, err = strconv.Atoi(b); err != nil {
				return 0, fmt.Errorf("%s: bad range %q", f.name, part)
			}
			if lo > hi {
				return 0, fmt.Errorf("%s: range %q is reversed", f.name, part)
			}
		default:
			v, err := strconv.Atoi(rangePart)
			if err != nil {
				return 0, fmt.Errorf("%s: bad value %q", f.name, part)
			}
			lo = v
			if step == 1 {
				hi = v
			}
		}
		if lo < f.min || hi > f.max {
			return 0, fmt.Errorf("%s: %q outside %d-%d", f.name, part, f.min, f.max)
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

func has(set uint64, v int) bool { return set&(1<<uint(v)) != 0 }

// Next returns the first matching minute strictly after after, in after's location
func (c *CronExpr) Next(after time.Time) (time.Time, error) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(cronHorizon)

	for !t.After(limit) {
		if !has(c.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !has(c.day, t.Day()) || !has(c.weekday, int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !has(c.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
			continue
		}
		if !has(c.minute, t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q never matches within a year", ErrInvalidCron, c.expr)
}
