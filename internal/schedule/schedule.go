// Package schedule holds the pure schedule math: next-run computation for
// cron/interval/once tasks, the structured schedule union, and the error
// backoff ladder. Nothing in here touches the store or the clock directly;
// callers pass "now".
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Type classifies a task's trigger.
type Type string

const (
	TypeCron     Type = "cron"
	TypeInterval Type = "interval"
	TypeOnce     Type = "once"
)

// ParseType normalizes a raw schedule type string.
func ParseType(raw string) (Type, bool) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeCron:
		return TypeCron, true
	case TypeInterval:
		return TypeInterval, true
	case TypeOnce:
		return TypeOnce, true
	}
	return "", false
}

// Standard 5-field cron plus @descriptors (@daily, @every 1h, ...).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron validates a cron expression eagerly.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(strings.TrimSpace(expr))
}

// Spec is the structured "one-of" schedule description.
// Exactly one of the three kinds is valid at a time; invalid combinations
// are unrepresentable by construction.
type Spec interface {
	Kind() string
	json.Marshaler
}

// At runs once at a fixed instant.
type At struct {
	When time.Time
}

// Every runs on a fixed millisecond interval, optionally anchored.
type Every struct {
	Interval time.Duration
	Anchor   time.Time // zero means unanchored
}

// Cron runs on a cron expression in an optional IANA timezone.
type Cron struct {
	Expr    string
	TZ      string
	Stagger time.Duration
}

func (At) Kind() string    { return "at" }
func (Every) Kind() string { return "every" }
func (Cron) Kind() string  { return "cron" }

func (s At) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"kind": "at", "at": s.When.UTC().Format(time.RFC3339Nano)})
}

func (s Every) MarshalJSON() ([]byte, error) {
	m := map[string]any{"kind": "every", "everyMs": s.Interval.Milliseconds()}
	if !s.Anchor.IsZero() {
		m["anchorMs"] = s.Anchor.UnixMilli()
	}
	return json.Marshal(m)
}

func (s Cron) MarshalJSON() ([]byte, error) {
	m := map[string]any{"kind": "cron", "expr": s.Expr}
	if s.TZ != "" {
		m["tz"] = s.TZ
	}
	if s.Stagger > 0 {
		m["staggerMs"] = s.Stagger.Milliseconds()
	}
	return json.Marshal(m)
}

var errBadSpec = errors.New("invalid schedule object")

// ParseSpec decodes a structured schedule object. Accepts either raw JSON
// bytes or a JSON string containing JSON (the wire formats both occur).
func ParseSpec(raw []byte) (Spec, error) {
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errBadSpec
	}
	// A quoted string holds nested JSON.
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, errBadSpec
		}
		return ParseSpec([]byte(inner))
	}

	var probe struct {
		Kind      string          `json:"kind"`
		AtRaw     json.RawMessage `json:"at"`
		EveryMs   json.RawMessage `json:"everyMs"`
		AnchorMs  json.RawMessage `json:"anchorMs"`
		Expr      string          `json:"expr"`
		TZ        string          `json:"tz"`
		StaggerMs json.RawMessage `json:"staggerMs"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, errBadSpec
	}

	switch probe.Kind {
	case "at":
		var s string
		if err := json.Unmarshal(probe.AtRaw, &s); err != nil {
			return nil, errBadSpec
		}
		when, err := ParseTimestamp(s)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule.at timestamp %q", s)
		}
		return At{When: when}, nil
	case "every":
		ms, ok := jsonInt(probe.EveryMs)
		if !ok || ms <= 0 {
			return nil, errBadSpec
		}
		ev := Every{Interval: time.Duration(ms) * time.Millisecond}
		if anchor, ok := jsonInt(probe.AnchorMs); ok {
			ev.Anchor = time.UnixMilli(anchor)
		}
		return ev, nil
	case "cron":
		expr := strings.TrimSpace(probe.Expr)
		if expr == "" {
			return nil, errBadSpec
		}
		c := Cron{Expr: expr, TZ: probe.TZ}
		if ms, ok := jsonInt(probe.StaggerMs); ok && ms > 0 {
			c.Stagger = time.Duration(ms) * time.Millisecond
		}
		return c, nil
	}
	return nil, errBadSpec
}

func jsonInt(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return int64(f), true
}

// ParseTimestamp accepts the timestamp shapes that show up on the wire:
// RFC3339 with or without sub-seconds, and the bare "2006-01-02T15:04:05"
// local form some writers emit.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
}

// NextRun computes the next trigger after now for a (type, value) pair.
// The boolean is false when the value is invalid or the schedule has no
// next occurrence; callers treat that as terminal.
//
//   - cron: next occurrence strictly after now, in loc
//   - interval: now + value milliseconds (value must be a positive integer)
//   - once: the timestamp itself, or now when already past (resume path)
func NextRun(typ Type, value string, now time.Time, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	switch typ {
	case TypeCron:
		sched, err := ParseCron(value)
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(now.In(loc))
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	case TypeInterval:
		ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, false
		}
		return now.Add(time.Duration(ms) * time.Millisecond), true
	case TypeOnce:
		when, err := ParseTimestamp(value)
		if err != nil {
			return time.Time{}, false
		}
		if when.After(now) {
			return when, true
		}
		return now, true
	}
	return time.Time{}, false
}

// backoffLadder floors the retry delay for consecutively failing tasks.
var backoffLadder = []time.Duration{
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// BackoffFloor returns the minimum delay before the next attempt after
// consecutiveErrors failures.
func BackoffFloor(consecutiveErrors int) time.Duration {
	idx := consecutiveErrors
	if idx < 1 {
		idx = 1
	}
	idx--
	if idx >= len(backoffLadder) {
		idx = len(backoffLadder) - 1
	}
	return backoffLadder[idx]
}

// ApplyBackoff floors natural against now+ladder when the last run errored.
// The natural schedule wins when it is already further out.
func ApplyBackoff(natural time.Time, now time.Time, consecutiveErrors int) time.Time {
	floor := now.Add(BackoffFloor(consecutiveErrors))
	if natural.After(floor) {
		return natural
	}
	return floor
}
