package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"fftnano/internal/sandbox"
	"fftnano/internal/schedule"
	"fftnano/internal/store"
	"fftnano/pkg/logx"
)

// Last-result summaries are kept short; the full result lives in the run
// log table.
const resultSummaryLimit = 400

// runTask executes one due task end to end: snapshot, stagger, sandbox
// run, outcome persistence, delivery, wake. It never returns an error;
// failures are recorded on the task itself.
func (s *Service) runTask(ctx context.Context, task store.Task) {
	startedAt := time.Now()
	log := s.log.With(logx.String("task_id", task.ID), logx.String("group", task.GroupFolder))
	log.Info("running scheduled task")

	owner, ok := s.groups.ByFolder(task.GroupFolder)
	if !ok {
		s.settleRun(ctx, task, startedAt, "", fmt.Sprintf("Group not found: %s", task.GroupFolder))
		log.Error("owner not registered for task")
		return
	}

	isMain := owner.IsMain()
	if s.snapshots != nil {
		if all, err := s.store.AllTasks(ctx); err == nil {
			if err := s.snapshots.WriteTasksSnapshot(task.GroupFolder, isMain, all); err != nil {
				log.Warn("task snapshot write failed", logx.Err(err))
			}
		}
	}

	// Fleet-wide cron tasks use stagger to spread simultaneous triggers.
	if task.StaggerMs > 0 {
		wait := time.Duration(rand.Int64N(task.StaggerMs)) * time.Millisecond
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if task.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	out := s.runner.Run(runCtx, owner, sandbox.Input{
		Prompt:          task.Prompt,
		GroupFolder:     task.GroupFolder,
		ChatJID:         task.ChatJID,
		IsMain:          isMain,
		IsScheduledTask: true,
		RequestID:       task.ID,
	})

	var result, errMsg string
	if out.Status == sandbox.StatusError {
		errMsg = out.Error
		if errMsg == "" {
			errMsg = "Unknown scheduled task error"
		}
		// A hit on the task's own deadline reads better as a timeout
		// than as an abort.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			errMsg = fmt.Sprintf("Task timed out after %ds", task.TimeoutSeconds)
		}
	} else {
		result = out.Result
	}

	log.Info("task finished",
		logx.Duration("duration", time.Since(startedAt)),
		logx.Bool("had_error", errMsg != ""))

	s.settleRun(ctx, task, startedAt, result, errMsg)
}

// settleRun records the attempt, advances or retires the task, and
// performs delivery and wake. Shared by real runs and short-circuited
// failures like a missing owner.
func (s *Service) settleRun(ctx context.Context, task store.Task, startedAt time.Time, result, errMsg string) {
	now := time.Now()
	hadError := errMsg != ""

	consecutiveErrors := 0
	if hadError {
		consecutiveErrors = task.ConsecutiveErrors + 1
	}

	next, hasNext := schedule.OutcomeNextRun(
		task.ScheduleType, task.ScheduleValue, task.ScheduleJSON,
		now, s.cfg.Location, hadError, consecutiveErrors)

	summary := "Completed"
	switch {
	case hadError:
		summary = "Error: " + errMsg
	case strings.TrimSpace(result) != "":
		summary = result
		if len(summary) > resultSummaryLimit {
			summary = summary[:resultSummaryLimit]
		}
	}

	runLog := store.RunLog{
		TaskID:     task.ID,
		RunAt:      now,
		DurationMs: time.Since(startedAt).Milliseconds(),
		Status:     "success",
		Result:     result,
	}
	if hadError {
		runLog.Status = "error"
		runLog.Result = ""
		runLog.Error = errMsg
	}
	if err := s.store.AppendRunLog(ctx, runLog); err != nil {
		s.log.Error("run log append failed", logx.String("task_id", task.ID), logx.Err(err))
	}

	if task.ScheduleType == schedule.TypeOnce && task.DeleteAfterRun && !hadError {
		// Fire-and-forget one-shots leave no trace, run logs included.
		if err := s.store.DeleteTask(ctx, task.ID); err != nil {
			s.log.Error("delete after run failed", logx.String("task_id", task.ID), logx.Err(err))
		}
	} else {
		outcome := store.RunOutcome{
			ID:                task.ID,
			LastResult:        summary,
			Status:            store.StatusCompleted,
			ConsecutiveErrors: consecutiveErrors,
		}
		if hasNext {
			outcome.NextRun = &next
			outcome.Status = store.StatusActive
		}
		if err := s.store.UpdateAfterRun(ctx, outcome); err != nil {
			s.log.Error("task outcome update failed", logx.String("task_id", task.ID), logx.Err(err))
		}
	}

	deliverable := result
	if hadError {
		deliverable = errMsg
	}
	s.deliverOutcome(ctx, task, hadError, deliverable)

	if task.WakeMode == schedule.WakeNow && s.wake != nil {
		s.wake("cron:" + task.ID)
	}
}
