package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"

	"fftnano/pkg/logx"
)

func TestRestartStopAndStartSequence(t *testing.T) {
	t.Parallel()
	h := NewSelfHealer(logx.Nop())

	var calls []string
	h.runCommand = func(ctx context.Context, name string, args ...string) error {
		calls = append(calls, name+" "+strings.Join(args, " "))
		return nil
	}

	if !h.Restart(context.Background(), "econnreset") {
		t.Fatal("expected restart to succeed")
	}
	want := []string{"container system stop", "container system start"}
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("calls = %v", calls)
	}
}

func TestRestartCooldownBlocksSecondAttempt(t *testing.T) {
	t.Parallel()
	h := NewSelfHealer(logx.Nop())
	h.runCommand = func(ctx context.Context, name string, args ...string) error { return nil }

	if !h.Restart(context.Background(), "first") {
		t.Fatal("first restart should run")
	}

	var called bool
	h.runCommand = func(ctx context.Context, name string, args ...string) error {
		called = true
		return nil
	}
	if h.Restart(context.Background(), "second") {
		t.Fatal("second restart inside cooldown must be refused")
	}
	if called {
		t.Fatal("cooldown-refused restart still ran commands")
	}
}

func TestRestartFailureDoesNotEnterCooldown(t *testing.T) {
	t.Parallel()
	h := NewSelfHealer(logx.Nop())

	h.runCommand = func(ctx context.Context, name string, args ...string) error {
		if strings.Join(args, " ") == "system start" {
			return errors.New("launchd says no")
		}
		return nil
	}
	if h.Restart(context.Background(), "broken") {
		t.Fatal("failed start must report false")
	}

	// A failed attempt leaves the healer free to try again immediately.
	h.runCommand = func(ctx context.Context, name string, args ...string) error { return nil }
	if !h.Restart(context.Background(), "retry") {
		t.Fatal("retry after failed restart should run")
	}
}

func TestRestartIgnoresStopFailure(t *testing.T) {
	t.Parallel()
	h := NewSelfHealer(logx.Nop())
	h.runCommand = func(ctx context.Context, name string, args ...string) error {
		if strings.Join(args, " ") == "system stop" {
			return errors.New("already stopped")
		}
		return nil
	}
	if !h.Restart(context.Background(), "stop-error") {
		t.Fatal("stop failure must not fail the restart")
	}
}
