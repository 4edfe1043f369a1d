// Package schedule resolves declarative schedule rules to concrete
// execution instants in a user's timezone.
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidRule marks a schedule rule that cannot be parsed. Callers must
// treat it as a validation failure, never as a transient error.
var ErrInvalidRule = errors.New("invalid schedule rule")

// RuleKind describes the normalized kind of a schedule rule.
type RuleKind int

const (
	KindCron RuleKind = iota
	KindInterval
)

// Rule is a parsed schedule rule.
//
// Supported forms:
//   - Cron (crontab.guru-style): "*/5 * * * *", "0 9 * * 1", "@hourly", "@every 1h"
//   - Interval duration: "55m", "2h30m", "every 2 days" style written as "48h"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
type Rule struct {
	Kind  RuleKind
	Raw   string
	Every time.Duration // interval rules only
	sched cron.Schedule
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Resolver parses rules and computes occurrence instants. It caches
// timezone lookups; unknown zones fall back to UTC.
type Resolver struct {
	parser cron.Parser

	mu   sync.Mutex
	locs map[string]*time.Location
}

func NewResolver() *Resolver {
	return &Resolver{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		locs:   map[string]*time.Location{},
	}
}

// Parse normalizes a raw schedule rule. Errors wrap ErrInvalidRule.
func (r *Resolver) Parse(raw string) (Rule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Rule{}, fmt.Errorf("%w: empty rule", ErrInvalidRule)
	}

	// Whitespace or a leading '@' means a cron expression.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		sched, err := r.parser.Parse(s)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %q: %v", ErrInvalidRule, raw, err)
		}
		return Rule{Kind: KindCron, Raw: s, sched: sched}, nil
	}

	// HH:MM shorthand is an interval, not a time of day.
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		if min > 59 {
			return Rule{}, fmt.Errorf("%w: %q: minutes out of range", ErrInvalidRule, raw)
		}
		every := time.Duration(h)*time.Hour + time.Duration(min)*time.Minute
		if every <= 0 {
			return Rule{}, fmt.Errorf("%w: %q: interval must be > 0", ErrInvalidRule, raw)
		}
		return Rule{Kind: KindInterval, Raw: s, Every: every}, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Rule{}, fmt.Errorf("%w: %q: interval must be > 0", ErrInvalidRule, raw)
		}
		return Rule{Kind: KindInterval, Raw: s, Every: d}, nil
	}

	return Rule{}, fmt.Errorf(
		"%w: %q (use cron like '*/5 * * * *', HH:MM like '02:30', or a duration like '55m')",
		ErrInvalidRule, raw,
	)
}

// Next returns the first occurrence strictly after `after`, evaluated in
// the given IANA timezone. An empty or unknown timezone resolves to UTC.
func (r *Resolver) Next(raw, tz string, after time.Time) (time.Time, error) {
	rule, err := r.Parse(raw)
	if err != nil {
		return time.Time{}, err
	}
	loc := r.location(tz)
	return rule.Next(after.In(loc)), nil
}

// Next computes the first occurrence strictly after `after`. The result
// keeps after's location; occurrence identity compares by instant.
func (ru Rule) Next(after time.Time) time.Time {
	switch ru.Kind {
	case KindInterval:
		return after.Add(ru.Every)
	default:
		return ru.sched.Next(after)
	}
}

// Period reports the rule's period for interval rules and 0 for cron
// rules, whose occurrence spacing is not constant.
func (ru Rule) Period() time.Duration {
	if ru.Kind == KindInterval {
		return ru.Every
	}
	return 0
}

func (r *Resolver) location(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if loc, ok := r.locs[tz]; ok {
		return loc
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	r.locs[tz] = loc
	return loc
}
