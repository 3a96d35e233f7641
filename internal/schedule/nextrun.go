package schedule

import (
	"time"
)

// RecurringNextRun recomputes a task's next trigger after a run finished.
// The structured schedule (when present) wins over the legacy flat value.
// Once-tasks have no next run. The boolean is false when the task is
// terminal (once, or an unparsable recurring schedule).
func RecurringNextRun(typ Type, value, scheduleJSON string, now time.Time, loc *time.Location) (time.Time, bool) {
	if typ == TypeOnce {
		return time.Time{}, false
	}

	if scheduleJSON != "" {
		if spec, err := ParseSpec([]byte(scheduleJSON)); err == nil {
			switch s := spec.(type) {
			case Every:
				if typ == TypeInterval && s.Interval > 0 {
					return now.Add(s.Interval), true
				}
			case Cron:
				if typ == TypeCron {
					if next, ok := cronNext(s.Expr, s.TZ, now, loc); ok {
						return next, true
					}
					return time.Time{}, false
				}
			}
		}
	}

	return NextRun(typ, value, now, loc)
}

// OutcomeNextRun is RecurringNextRun plus the error-backoff floor: a
// persistently failing task never retries faster than the ladder allows,
// while a schedule that is naturally further out is respected.
func OutcomeNextRun(typ Type, value, scheduleJSON string, now time.Time, loc *time.Location, hadError bool, consecutiveErrors int) (time.Time, bool) {
	next, ok := RecurringNextRun(typ, value, scheduleJSON, now, loc)
	if !ok {
		return time.Time{}, false
	}
	if hadError {
		next = ApplyBackoff(next, now, consecutiveErrors)
	}
	return next, true
}

// ResumeNextRun picks the next trigger for a task transitioning
// paused -> active: a still-valid stored next run is kept, otherwise the
// schedule is recomputed, falling back to "run now" for expired one-shots.
func ResumeNextRun(typ Type, value string, stored *time.Time, now time.Time, loc *time.Location) time.Time {
	// A trigger that expired while paused must not fire the moment the
	// task reactivates.
	if stored != nil && stored.After(now) {
		return *stored
	}
	if next, ok := NextRun(typ, value, now, loc); ok {
		return next
	}
	return now
}

func cronNext(expr, tz string, now time.Time, loc *time.Location) (time.Time, bool) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, false
	}
	runLoc := loc
	if tz != "" {
		if tzLoc, err := time.LoadLocation(tz); err == nil {
			runLoc = tzLoc
		}
	}
	if runLoc == nil {
		runLoc = time.Local
	}
	next := sched.Next(now.In(runLoc))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}
