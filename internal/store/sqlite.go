package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"fftnano/internal/schedule"
	"fftnano/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// timeFmt is a fixed-width UTC format so TEXT timestamps compare
// lexicographically in SQL (RFC3339Nano trims trailing zeros and would not).
const timeFmt = "2006-01-02T15:04:05.000Z"

// Config configures the sqlite-backed store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite task store at cfg.Path.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const taskColumns = `id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
	schedule_json, context_mode, session_target, wake_mode, delivery_mode,
	delivery_channel, delivery_to, delivery_webhook_url, timeout_seconds,
	stagger_ms, delete_after_run, consecutive_errors, next_run, last_run,
	last_result, status, created_at`

func (s *sqliteStore) CreateTask(ctx context.Context, t Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.ContextMode == "" {
		t.ContextMode = "isolated"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (`+taskColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, string(t.ScheduleType), t.ScheduleValue,
		nullStr(t.ScheduleJSON), t.ContextMode, nullStr(t.SessionTarget), nullStr(t.WakeMode),
		nullStr(t.DeliveryMode), nullStr(t.DeliveryChannel), nullStr(t.DeliveryTo),
		nullStr(t.DeliveryWebhookURL), nullInt(t.TimeoutSeconds), nullInt64(t.StaggerMs),
		boolInt(t.DeleteAfterRun), t.ConsecutiveErrors, nullTime(t.NextRun), nullTime(t.LastRun),
		nullStr(t.LastResult), string(t.Status), formatTime(t.CreatedAt),
	)
	return err
}

func (s *sqliteStore) TaskByID(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) AllTasks(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY created_at DESC`)
}

func (s *sqliteStore) TasksForGroup(ctx context.Context, groupFolder string) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE group_folder = ? ORDER BY created_at DESC`,
		groupFolder)
}

func (s *sqliteStore) DueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		 WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		 ORDER BY next_run`,
		formatTime(now))
}

func (s *sqliteStore) NextDueTime(ctx context.Context) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT next_run FROM scheduled_tasks
		 WHERE status = 'active' AND next_run IS NOT NULL
		 ORDER BY next_run ASC LIMIT 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := parseTime(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (s *sqliteStore) UpdateTask(ctx context.Context, id string, u TaskUpdate) error {
	fields := make([]string, 0, 6)
	values := make([]any, 0, 7)

	if u.Prompt != nil {
		fields = append(fields, "prompt = ?")
		values = append(values, *u.Prompt)
	}
	if u.ScheduleType != nil {
		fields = append(fields, "schedule_type = ?")
		values = append(values, string(*u.ScheduleType))
	}
	if u.ScheduleValue != nil {
		fields = append(fields, "schedule_value = ?")
		values = append(values, *u.ScheduleValue)
	}
	if u.ScheduleJSON != nil {
		fields = append(fields, "schedule_json = ?")
		values = append(values, nullStr(*u.ScheduleJSON))
	}
	if u.SetNextRun {
		fields = append(fields, "next_run = ?")
		values = append(values, nullTime(u.NextRun))
	}
	if u.Status != nil {
		fields = append(fields, "status = ?")
		values = append(values, string(*u.Status))
	}
	if len(fields) == 0 {
		return nil
	}

	values = append(values, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET `+strings.Join(fields, ", ")+` WHERE id = ?`,
		values...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Children first (FK constraint).
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) UpdateAfterRun(ctx context.Context, o RunOutcome) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks
		 SET next_run = ?, last_run = ?, last_result = ?, status = ?, consecutive_errors = ?
		 WHERE id = ?`,
		nullTime(o.NextRun), formatTime(time.Now()), nullStr(o.LastResult),
		string(o.Status), o.ConsecutiveErrors, o.ID)
	return err
}

func (s *sqliteStore) AppendRunLog(ctx context.Context, l RunLog) error {
	if l.RunAt.IsZero() {
		l.RunAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		 VALUES (?,?,?,?,?,?)`,
		l.TaskID, formatTime(l.RunAt), l.DurationMs, l.Status, nullStr(l.Result), nullStr(l.Error))
	return err
}

func (s *sqliteStore) RunLogs(ctx context.Context, taskID string, limit int) ([]RunLog, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, run_at, duration_ms, status, result, error
		 FROM task_run_logs WHERE task_id = ? ORDER BY run_at DESC LIMIT ?`,
		taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunLog
	for rows.Next() {
		var l RunLog
		var runAt string
		var result, errMsg sql.NullString
		if err := rows.Scan(&l.TaskID, &runAt, &l.DurationMs, &l.Status, &result, &errMsg); err != nil {
			return nil, err
		}
		if l.RunAt, err = parseTime(runAt); err != nil {
			return nil, err
		}
		l.Result = result.String
		l.Error = errMsg.String
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqliteStore) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var scheduleType string
	var scheduleJSON, contextMode, sessionTarget, wakeMode sql.NullString
	var deliveryMode, deliveryChannel, deliveryTo, deliveryWebhook sql.NullString
	var timeoutSeconds, staggerMs, deleteAfterRun sql.NullInt64
	var nextRun, lastRun, lastResult sql.NullString
	var status, createdAt string

	err := row.Scan(
		&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &scheduleType, &t.ScheduleValue,
		&scheduleJSON, &contextMode, &sessionTarget, &wakeMode, &deliveryMode,
		&deliveryChannel, &deliveryTo, &deliveryWebhook, &timeoutSeconds,
		&staggerMs, &deleteAfterRun, &t.ConsecutiveErrors, &nextRun, &lastRun,
		&lastResult, &status, &createdAt,
	)
	if err != nil {
		return Task{}, err
	}

	t.ScheduleType = schedule.Type(scheduleType)
	t.ScheduleJSON = scheduleJSON.String
	t.ContextMode = contextMode.String
	t.SessionTarget = sessionTarget.String
	t.WakeMode = wakeMode.String
	t.DeliveryMode = deliveryMode.String
	t.DeliveryChannel = deliveryChannel.String
	t.DeliveryTo = deliveryTo.String
	t.DeliveryWebhookURL = deliveryWebhook.String
	t.TimeoutSeconds = int(timeoutSeconds.Int64)
	t.StaggerMs = staggerMs.Int64
	t.DeleteAfterRun = deleteAfterRun.Int64 != 0
	t.LastResult = lastResult.String
	t.Status = Status(status)

	if t.NextRun, err = parseNullTime(nextRun); err != nil {
		return Task{}, err
	}
	if t.LastRun, err = parseNullTime(lastRun); err != nil {
		return Task{}, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Task{}, err
	}
	return t, nil
}

// formatTime rounds sub-millisecond precision up, never down: a persisted
// trigger must not land earlier than the instant it was computed from.
func formatTime(t time.Time) string {
	if floor := t.Truncate(time.Millisecond); floor.Before(t) {
		t = floor.Add(time.Millisecond)
	}
	return t.UTC().Format(timeFmt)
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(timeFmt, raw); err == nil {
		return t, nil
	}
	// Older rows may carry plain RFC3339.
	return time.Parse(time.RFC3339Nano, raw)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
