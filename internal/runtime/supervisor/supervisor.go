// Package supervisor runs the process's long-lived loops as named,
// panic-safe goroutines under one shared context.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"fftnano/pkg/logx"
)

// Supervisor owns a context shared by every goroutine started through it.
// The first error (or panic) cancels the context; Wait returns that error
// once all goroutines have exited.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	wg sync.WaitGroup

	errOnce  sync.Once
	firstErr error
}

func New(parent context.Context, log logx.Logger) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{ctx: ctx, cancel: cancel, log: log}
}

func (s *Supervisor) setErr(err error) {
	s.errOnce.Do(func() {
		s.firstErr = err
		s.cancel()
	})
}

// Go starts fn as a supervised goroutine. A non-nil return that is not
// context.Canceled, or a panic, becomes the supervisor error and cancels
// every sibling.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("supervised goroutine panicked",
					logx.String("name", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
				s.setErr(fmt.Errorf("panic in %s: %v", name, r))
			}
		}()

		s.log.Debug("goroutine started", logx.String("name", name))
		err := fn(s.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.setErr(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// GoRestart runs fn and restarts it with exponential backoff after an
// error or panic, until the supervisor context is cancelled. A clean nil
// return stops the loop. Meant for pollers and watchers whose transient
// failures should not take the process down.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	const (
		minBackoff = 250 * time.Millisecond
		maxBackoff = 30 * time.Second
	)
	if fn == nil {
		return
	}
	s.Go(name+".restart", func(ctx context.Context) error {
		backoff := minBackoff
		for {
			err := s.runOnce(ctx, name, fn)
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				return nil
			}
			s.log.Warn("supervised loop restarting",
				logx.String("name", name),
				logx.Duration("backoff", backoff),
				logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

// runOnce isolates one iteration so a panic is converted to an error
// instead of unwinding the restart loop.
func (s *Supervisor) runOnce(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("supervised loop panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	err = fn(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Cancel stops the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Wait blocks until every supervised goroutine has exited and returns the
// first error, if any.
func (s *Supervisor) Wait() error {
	s.wg.Wait()
	s.cancel()
	return s.firstErr
}
