package sandbox

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"fftnano/pkg/logx"
)

// transportFailureNeedles match errors caused by the Apple Container
// runtime's network stack wedging. Authentication and application errors
// never match, so they never trigger a restart.
var transportFailureNeedles = []string{
	"request timed out",
	"timed out",
	"etimedout",
	"enetunreach",
	"eai_again",
	"network is unreachable",
	"could not connect",
	"couldn't connect",
	"socket hang up",
	"econnreset",
	"connection reset",
}

// ShouldSelfHeal reports whether an error message looks like a transient
// transport failure worth a runtime restart.
func ShouldSelfHeal(errMsg string) bool {
	s := strings.ToLower(errMsg)
	for _, needle := range transportFailureNeedles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

// SelfHealer restarts the Apple Container system after transport
// failures. Restarts are single-flight (concurrent failures share one
// restart) and cooldown-gated to avoid flapping. The Docker runtime is
// assumed self-managing and never restarted.
type SelfHealer struct {
	log      logx.Logger
	cooldown time.Duration

	group singleflight.Group

	mu            sync.Mutex
	lastRestartAt time.Time

	// runCommand is swappable for tests.
	runCommand func(ctx context.Context, name string, args ...string) error
}

func NewSelfHealer(log logx.Logger) *SelfHealer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SelfHealer{
		log:      log,
		cooldown: time.Minute,
		runCommand: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

// Restart performs a cooldown-gated, single-flight restart of the Apple
// Container system. It returns true when a restart actually ran and
// succeeded; the caller is expected to retry the failed operation exactly
// once after a true return.
func (h *SelfHealer) Restart(ctx context.Context, reason string) bool {
	h.mu.Lock()
	inCooldown := time.Since(h.lastRestartAt) < h.cooldown
	h.mu.Unlock()
	if inCooldown {
		h.log.Warn("sandbox runtime restart skipped (cooldown)", logx.String("reason", reason))
		return false
	}

	v, _, _ := h.group.Do("restart", func() (any, error) {
		h.log.Warn("self-heal: restarting sandbox runtime", logx.String("reason", reason))

		// Stop can fail when services are already down; ignore.
		_ = h.runCommand(ctx, "container", "system", "stop")

		if err := h.runCommand(ctx, "container", "system", "start"); err != nil {
			h.log.Error("self-heal: sandbox runtime restart failed", logx.Err(err))
			return false, nil
		}

		h.mu.Lock()
		h.lastRestartAt = time.Now()
		h.mu.Unlock()
		h.log.Info("self-heal: sandbox runtime restarted")
		return true, nil
	})
	ok, _ := v.(bool)
	return ok
}
