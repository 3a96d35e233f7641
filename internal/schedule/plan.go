package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Payload is the raw "create/update schedule" request as it arrives over
// IPC or an admin surface. Legacy writers send flat schedule_type /
// schedule_value pairs; newer ones send a structured schedule object.
// Numeric fields arrive as either JSON numbers or strings.
type Payload struct {
	ScheduleType  string          `json:"schedule_type,omitempty"`
	ScheduleValue string          `json:"schedule_value,omitempty"`
	Schedule      json.RawMessage `json:"schedule,omitempty"`

	ContextMode   string          `json:"context_mode,omitempty"`
	SessionTarget string          `json:"session_target,omitempty"`
	WakeMode      string          `json:"wake_mode,omitempty"`

	DeliveryMode       string `json:"delivery_mode,omitempty"`
	DeliveryChannel    string `json:"delivery_channel,omitempty"`
	DeliveryTo         string `json:"delivery_to,omitempty"`
	DeliveryWebhookURL string `json:"delivery_webhook_url,omitempty"`
	Delivery           *struct {
		Mode       string `json:"mode,omitempty"`
		Channel    string `json:"channel,omitempty"`
		To         string `json:"to,omitempty"`
		WebhookURL string `json:"webhookUrl,omitempty"`
	} `json:"delivery,omitempty"`

	TimeoutSeconds json.RawMessage `json:"timeout_seconds,omitempty"`
	StaggerMs      json.RawMessage `json:"stagger_ms,omitempty"`
	DeleteAfterRun json.RawMessage `json:"delete_after_run,omitempty"`
}

// Plan is the canonical normalized schedule for persistence.
type Plan struct {
	Type         Type
	Value        string
	NextRun      time.Time
	ScheduleJSON string // empty for legacy flat requests
}

// Delivery describes where a run outcome goes.
type Delivery struct {
	Mode       string // none | announce | webhook
	Channel    string // "chat" or empty
	To         string
	WebhookURL string
}

const (
	DeliveryNone     = "none"
	DeliveryAnnounce = "announce"
	DeliveryWebhook  = "webhook"

	SessionMain     = "main"
	SessionIsolated = "isolated"

	WakeNow           = "now"
	WakeNextHeartbeat = "next-heartbeat"
)

// MaxTimeout caps per-task execution timeouts.
const MaxTimeout = time.Hour

// Policy is the normalized execution policy for a task.
type Policy struct {
	SessionTarget  string
	WakeMode       string
	Delivery       Delivery
	Timeout        time.Duration // 0 = unset
	Stagger        time.Duration // 0 = unset
	DeleteAfterRun bool
}

// ResolvePlan normalizes a schedule payload into a Plan, validating
// eagerly. It never silently defaults: a malformed schedule is an error at
// create/update time so a broken task is never persisted.
func ResolvePlan(p Payload, now time.Time, loc *time.Location) (Plan, error) {
	if len(p.Schedule) > 0 && string(p.Schedule) != "null" {
		spec, err := ParseSpec(p.Schedule)
		if err != nil {
			return Plan{}, fmt.Errorf("invalid schedule payload: %w", err)
		}
		return PlanFromSpec(spec, now, loc)
	}

	typ, ok := ParseType(p.ScheduleType)
	if !ok || strings.TrimSpace(p.ScheduleValue) == "" {
		return Plan{}, errors.New("missing schedule_type/schedule_value")
	}
	value := strings.TrimSpace(p.ScheduleValue)

	switch typ {
	case TypeCron:
		sched, err := ParseCron(value)
		if err != nil {
			return Plan{}, fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		if loc == nil {
			loc = time.Local
		}
		return Plan{Type: TypeCron, Value: value, NextRun: sched.Next(now.In(loc))}, nil
	case TypeInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return Plan{}, fmt.Errorf("invalid interval %q: positive integer milliseconds required", value)
		}
		return Plan{
			Type:    TypeInterval,
			Value:   strconv.FormatInt(ms, 10),
			NextRun: now.Add(time.Duration(ms) * time.Millisecond),
		}, nil
	case TypeOnce:
		when, err := ParseTimestamp(value)
		if err != nil {
			return Plan{}, fmt.Errorf("invalid once timestamp %q", value)
		}
		return Plan{Type: TypeOnce, Value: when.UTC().Format(time.RFC3339Nano), NextRun: when}, nil
	}
	return Plan{}, fmt.Errorf("unsupported schedule type %q", p.ScheduleType)
}

// PlanFromSpec normalizes a structured schedule into a Plan.
func PlanFromSpec(spec Spec, now time.Time, loc *time.Location) (Plan, error) {
	switch s := spec.(type) {
	case At:
		js, _ := json.Marshal(s)
		return Plan{
			Type:         TypeOnce,
			Value:        s.When.UTC().Format(time.RFC3339Nano),
			NextRun:      s.When,
			ScheduleJSON: string(js),
		}, nil
	case Every:
		js, _ := json.Marshal(s)
		return Plan{
			Type:         TypeInterval,
			Value:        strconv.FormatInt(s.Interval.Milliseconds(), 10),
			NextRun:      now.Add(s.Interval),
			ScheduleJSON: string(js),
		}, nil
	case Cron:
		sched, err := ParseCron(s.Expr)
		if err != nil {
			return Plan{}, fmt.Errorf("invalid cron expression %q: %w", s.Expr, err)
		}
		runLoc := loc
		if s.TZ != "" {
			tzLoc, err := time.LoadLocation(s.TZ)
			if err != nil {
				return Plan{}, fmt.Errorf("invalid schedule tz %q: %w", s.TZ, err)
			}
			runLoc = tzLoc
		}
		if runLoc == nil {
			runLoc = time.Local
		}
		js, _ := json.Marshal(s)
		return Plan{
			Type:         TypeCron,
			Value:        s.Expr,
			NextRun:      sched.Next(now.In(runLoc)),
			ScheduleJSON: string(js),
		}, nil
	}
	return Plan{}, errBadSpec
}

// Spec reconstructs the structured schedule from a Plan, including plans
// resolved from legacy flat fields.
func (p Plan) Spec() (Spec, error) {
	if p.ScheduleJSON != "" {
		return ParseSpec([]byte(p.ScheduleJSON))
	}
	switch p.Type {
	case TypeOnce:
		when, err := ParseTimestamp(p.Value)
		if err != nil {
			return nil, err
		}
		return At{When: when}, nil
	case TypeInterval:
		ms, err := strconv.ParseInt(p.Value, 10, 64)
		if err != nil {
			return nil, err
		}
		return Every{Interval: time.Duration(ms) * time.Millisecond}, nil
	case TypeCron:
		return Cron{Expr: p.Value}, nil
	}
	return nil, errBadSpec
}

// ResolvePolicy normalizes the policy half of a payload. Unlike ResolvePlan
// this never fails: unrecognized values collapse to safe defaults.
func ResolvePolicy(p Payload) Policy {
	pol := Policy{
		SessionTarget: SessionIsolated,
		WakeMode:      WakeNextHeartbeat,
		Delivery:      Delivery{Mode: DeliveryNone},
	}

	if p.SessionTarget == SessionMain {
		pol.SessionTarget = SessionMain
	}
	if p.WakeMode == WakeNow {
		pol.WakeMode = WakeNow
	}

	mode := p.DeliveryMode
	channel := p.DeliveryChannel
	to := p.DeliveryTo
	webhook := p.DeliveryWebhookURL
	if p.Delivery != nil {
		if p.Delivery.Mode != "" {
			mode = p.Delivery.Mode
		}
		if p.Delivery.Channel != "" {
			channel = p.Delivery.Channel
		}
		if p.Delivery.To != "" {
			to = p.Delivery.To
		}
		if p.Delivery.WebhookURL != "" {
			webhook = p.Delivery.WebhookURL
		}
	}
	if mode == DeliveryAnnounce || mode == DeliveryWebhook {
		pol.Delivery.Mode = mode
	}
	if channel == "chat" {
		pol.Delivery.Channel = "chat"
	}
	pol.Delivery.To = to
	pol.Delivery.WebhookURL = webhook

	if secs, ok := flexInt(p.TimeoutSeconds); ok && secs > 0 {
		t := time.Duration(secs) * time.Second
		if t > MaxTimeout {
			t = MaxTimeout
		}
		pol.Timeout = t
	}
	if ms, ok := flexInt(p.StaggerMs); ok && ms > 0 {
		pol.Stagger = time.Duration(ms) * time.Millisecond
	}
	pol.DeleteAfterRun = flexBool(p.DeleteAfterRun)

	return pol
}

// flexInt parses a JSON value that may be a number or a numeric string.
func flexInt(raw json.RawMessage) (int64, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, false
	}
	if s[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return 0, false
		}
		n, err := strconv.ParseInt(strings.TrimSpace(inner), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return int64(f), true
}

// flexBool parses a JSON value that may be a bool, number, or truthy string.
func flexBool(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	switch s {
	case "", "null", "false", "0":
		return false
	case "true":
		return true
	}
	if s[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(inner)) {
		case "1", "true", "yes", "on":
			return true
		}
		return false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return false
	}
	return f > 0
}
