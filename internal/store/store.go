// Package store owns durable persistence of scheduled tasks and their run
// history. It is the single source of truth for task state: every state
// transition (pause/resume/cancel/run outcome) goes through its update
// primitives, never through client-side mutation.
package store

import (
	"context"
	"errors"
	"time"

	"fftnano/internal/schedule"
)

var ErrNotFound = errors.New("task not found")

// Status is the task lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Task is a durable scheduled task row.
//
// Invariant: Status == completed implies NextRun == nil.
type Task struct {
	ID          string
	GroupFolder string
	ChatJID     string
	Prompt      string

	ScheduleType  schedule.Type
	ScheduleValue string
	ScheduleJSON  string // structured schedule, empty for legacy rows
	ContextMode   string // group | isolated

	SessionTarget      string
	WakeMode           string
	DeliveryMode       string
	DeliveryChannel    string
	DeliveryTo         string
	DeliveryWebhookURL string
	TimeoutSeconds     int
	StaggerMs          int64
	DeleteAfterRun     bool

	ConsecutiveErrors int
	NextRun           *time.Time
	LastRun           *time.Time
	LastResult        string
	Status            Status
	CreatedAt         time.Time
}

// Delivery assembles the task's normalized delivery target.
func (t *Task) Delivery() schedule.Delivery {
	mode := t.DeliveryMode
	if mode != schedule.DeliveryAnnounce && mode != schedule.DeliveryWebhook {
		mode = schedule.DeliveryNone
	}
	return schedule.Delivery{
		Mode:       mode,
		Channel:    t.DeliveryChannel,
		To:         t.DeliveryTo,
		WebhookURL: t.DeliveryWebhookURL,
	}
}

// RunLog is one append-only execution attempt record. Never mutated.
type RunLog struct {
	TaskID     string
	RunAt      time.Time
	DurationMs int64
	Status     string // success | error
	Result     string
	Error      string
}

// TaskUpdate is a partial update. Nil fields are left untouched.
// SetNextRun distinguishes "clear next_run" (true + nil NextRun) from
// "leave next_run alone" (false).
type TaskUpdate struct {
	Prompt        *string
	ScheduleType  *schedule.Type
	ScheduleValue *string
	ScheduleJSON  *string
	NextRun       *time.Time
	SetNextRun    bool
	Status        *Status
}

// RunOutcome is applied atomically after an execution attempt.
type RunOutcome struct {
	ID                string
	NextRun           *time.Time // nil marks the task completed
	LastResult        string
	Status            Status
	ConsecutiveErrors int
}

// Store is the persistence API for scheduled tasks.
type Store interface {
	CreateTask(ctx context.Context, t Task) error
	TaskByID(ctx context.Context, id string) (Task, error)
	AllTasks(ctx context.Context) ([]Task, error)
	TasksForGroup(ctx context.Context, groupFolder string) ([]Task, error)
	UpdateTask(ctx context.Context, id string, u TaskUpdate) error
	DeleteTask(ctx context.Context, id string) error

	DueTasks(ctx context.Context, now time.Time) ([]Task, error)
	NextDueTime(ctx context.Context) (time.Time, bool, error)

	UpdateAfterRun(ctx context.Context, outcome RunOutcome) error
	AppendRunLog(ctx context.Context, l RunLog) error
	RunLogs(ctx context.Context, taskID string, limit int) ([]RunLog, error)

	Close() error
}
