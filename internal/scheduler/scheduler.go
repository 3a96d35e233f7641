// Package scheduler drives durable task execution: it watches the store
// for due tasks, runs them one at a time through the sandbox, applies
// error backoff, and delivers outcomes.
package scheduler

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"fftnano/internal/group"
	"fftnano/internal/sandbox"
	"fftnano/internal/store"
	"fftnano/pkg/logx"
)

// AgentRunner executes one agent turn for an owner.
type AgentRunner interface {
	Run(ctx context.Context, g group.Group, in sandbox.Input) sandbox.Output
}

// ChatSender delivers announce-mode outcomes to a chat.
type ChatSender interface {
	SendMessage(ctx context.Context, to, text string) error
}

// WakeFunc requests an immediate assistant heartbeat.
type WakeFunc func(reason string)

// SnapshotWriter refreshes an owner's task snapshot before a run, so the
// agent sees current scheduler state.
type SnapshotWriter interface {
	WriteTasksSnapshot(groupFolder string, isMain bool, tasks []store.Task) error
}

// Config tunes the scheduling loop.
type Config struct {
	// IdlePoll is the re-check interval when nothing is due.
	IdlePoll time.Duration
	// MaxTimerDelay caps a single timer arm, so tasks created or edited
	// while the loop sleeps are picked up within one window.
	MaxTimerDelay time.Duration
	Location      *time.Location
}

func (c *Config) applyDefaults() {
	if c.IdlePoll <= 0 {
		c.IdlePoll = time.Minute
	}
	if c.MaxTimerDelay <= 0 {
		c.MaxTimerDelay = time.Minute
	}
	if c.Location == nil {
		c.Location = time.Local
	}
}

// Service is the durable task scheduler. One instance per process.
type Service struct {
	cfg       Config
	store     store.Store
	groups    *group.Registry
	runner    AgentRunner
	sender    ChatSender
	wake      WakeFunc
	snapshots SnapshotWriter
	log       logx.Logger

	httpClient    *http.Client
	announceLimit *rate.Limiter

	// tickActive makes overlapping ticks a no-op, whoever triggers them.
	tickActive atomic.Bool
	kick       chan struct{}
}

func New(cfg Config, st store.Store, groups *group.Registry, runner AgentRunner, sender ChatSender, wake WakeFunc, snapshots SnapshotWriter, log logx.Logger) *Service {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:           cfg,
		store:         st,
		groups:        groups,
		runner:        runner,
		sender:        sender,
		wake:          wake,
		snapshots:     snapshots,
		log:           log,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		announceLimit: rate.NewLimiter(rate.Every(time.Second), 3),
		kick:          make(chan struct{}, 1),
	}
}

// Kick re-arms the timer immediately. Called after task mutations so a
// newly scheduled task does not wait out the current arm.
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, repeatedly arming a single timer for
// the earliest due task and ticking when it fires.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("scheduler started",
		logx.Duration("idle_poll", s.cfg.IdlePoll),
		logx.Duration("max_timer_delay", s.cfg.MaxTimerDelay))

	for {
		timer := time.NewTimer(s.nextDelay(ctx, time.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-s.kick:
			timer.Stop()
			continue
		case <-timer.C:
		}
		s.Tick(ctx)
	}
}

// nextDelay computes how long to sleep before the next tick: time until
// the earliest due task, clamped to MaxTimerDelay, or IdlePoll when the
// horizon is empty.
func (s *Service) nextDelay(ctx context.Context, now time.Time) time.Duration {
	due, ok, err := s.store.NextDueTime(ctx)
	if err != nil {
		s.log.Error("next due lookup failed", logx.Err(err))
		return s.cfg.IdlePoll
	}
	if !ok {
		return s.cfg.IdlePoll
	}
	delay := due.Sub(now)
	if delay < 0 {
		delay = 0
	}
	if delay > s.cfg.MaxTimerDelay {
		delay = s.cfg.MaxTimerDelay
	}
	return delay
}

// Tick runs every currently due task, sequentially and in due order. A
// tick that finds another tick in flight returns immediately.
func (s *Service) Tick(ctx context.Context) {
	if !s.tickActive.CompareAndSwap(false, true) {
		return
	}
	defer s.tickActive.Store(false)

	due, err := s.store.DueTasks(ctx, time.Now())
	if err != nil {
		s.log.Error("due task query failed", logx.Err(err))
		return
	}
	if len(due) > 0 {
		s.log.Info("found due tasks", logx.Int("count", len(due)))
	}

	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		// Re-fetch: the task may have been paused, edited, or deleted
		// since the due query.
		latest, err := s.store.TaskByID(ctx, t.ID)
		if err != nil {
			continue
		}
		if latest.Status != store.StatusActive {
			continue
		}
		s.runTask(ctx, latest)
	}
}
