package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"fftnano/internal/group"
	"fftnano/pkg/logx"
)

// Sentinel markers bracketing the agent's JSON result on stdout. Must
// match what the agent image prints.
const (
	outputStartMarker = "---FFT_NANO_OUTPUT_START---"
	outputEndMarker   = "---FFT_NANO_OUTPUT_END---"
)

// How long a terminated run gets to exit before escalation to SIGKILL.
const abortGracePeriod = 750 * time.Millisecond

// Fallbacks for a zero-valued Config. A zero Timeout would arm the kill
// timer immediately; a zero MaxOutputBytes would truncate every stream.
const (
	defaultRunTimeout     = 5 * time.Minute
	defaultMaxOutputBytes = 10 << 20 // 10MB per stream
)

// Input is the request handed to the agent on stdin as a single JSON
// document. Field names are part of the agent image contract.
type Input struct {
	Prompt          string `json:"prompt"`
	GroupFolder     string `json:"groupFolder"`
	ChatJID         string `json:"chatJid"`
	IsMain          bool   `json:"isMain"`
	IsScheduledTask bool   `json:"isScheduledTask,omitempty"`
	RequestID       string `json:"requestId,omitempty"`
	Provider        string `json:"provider,omitempty"`
	Model           string `json:"model,omitempty"`
}

// Output statuses reported by the agent.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Usage is the agent's self-reported token accounting, when available.
type Usage struct {
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
	TotalTokens  int    `json:"totalTokens,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
}

// Output is the agent's reply. Every failure mode of the run itself
// (spawn error, timeout, abort, garbled stdout) is also expressed as an
// Output with StatusError so callers have a single result shape.
type Output struct {
	Status   string `json:"status"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
	Streamed bool   `json:"streamed,omitempty"`
	Usage    *Usage `json:"usage,omitempty"`
}

// Config carries everything the runner needs to spawn agent sandboxes.
type Config struct {
	ProjectRoot      string
	DataDir          string
	GroupsDir        string
	MainWorkspaceDir string
	AllowlistPath    string

	Image   string
	Runtime Runtime
	// Command overrides the runtime CLI binary. Tests point it at a
	// shell script; production leaves it empty.
	Command string

	Timeout        time.Duration
	MaxOutputBytes int64
	// Verbose switches run log files to full input/stream dumps.
	Verbose bool
}

// Runner executes agent runs inside the configured container runtime.
type Runner struct {
	cfg    Config
	log    logx.Logger
	healer *SelfHealer
}

func NewRunner(cfg Config, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRunTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	r := &Runner{cfg: cfg, log: log}
	if cfg.Runtime == RuntimeApple {
		r.healer = NewSelfHealer(log)
	}
	return r
}

// Run executes one agent turn for the given owner. Cancelling ctx aborts
// the run gracefully (SIGTERM, then SIGKILL after a short grace period);
// the run's own wall-clock timeout kills outright. The process is always
// reaped before Run returns.
//
// On the Apple runtime a transport-style failure triggers one runtime
// restart and a single retry.
func (r *Runner) Run(ctx context.Context, g group.Group, in Input) Output {
	out := r.runOnce(ctx, g, in)
	if out.Status == StatusError && r.healer != nil && ctx.Err() == nil && ShouldSelfHeal(out.Error) {
		if r.healer.Restart(ctx, out.Error) {
			r.log.Info("retrying run after runtime restart",
				logx.String("group", g.Name))
			out = r.runOnce(ctx, g, in)
		}
	}
	return out
}

func (r *Runner) runOnce(ctx context.Context, g group.Group, in Input) Output {
	start := time.Now()

	mounts, err := r.buildMounts(g, in.IsMain)
	if err != nil {
		return errOutput("mount setup failed: %v", err)
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return errOutput("encode input: %v", err)
	}

	timeout := r.cfg.Timeout
	if override := g.SandboxTimeout(); override > 0 {
		timeout = override
	}

	args := buildRunArgs(r.cfg.Runtime, mounts, r.cfg.Image)
	cmdName := r.cfg.Command
	if cmdName == "" {
		cmdName = r.cfg.Runtime.Command()
	}

	r.log.Info("spawning agent sandbox",
		logx.String("group", g.Name),
		logx.Bool("is_main", in.IsMain),
		logx.Int("mounts", len(mounts)),
		logx.Duration("timeout", timeout))

	stdout := newCappedBuffer(r.cfg.MaxOutputBytes)
	stderr := newCappedBuffer(r.cfg.MaxOutputBytes)

	cmd := exec.CommandContext(ctx, cmdName, args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Graceful abort on ctx cancellation, hard kill if it lingers.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = abortGracePeriod

	if err := cmd.Start(); err != nil {
		r.log.Error("sandbox spawn failed",
			logx.String("group", g.Name), logx.Err(err))
		return errOutput("sandbox spawn error: %v", err)
	}

	// Wall-clock limit is independent of ctx. Exceeding it is not a
	// graceful abort, the process gets SIGKILL immediately.
	var timedOut atomic.Bool
	killTimer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		r.log.Error("sandbox timed out, killing",
			logx.String("group", g.Name),
			logx.Duration("timeout", timeout))
		_ = cmd.Process.Kill()
	})

	waitErr := cmd.Wait()
	killTimer.Stop()
	duration := time.Since(start)

	outStr, outTrunc := stdout.contents()
	errStr, errTrunc := stderr.contents()
	exitCode := cmd.ProcessState.ExitCode()

	logPath := r.writeRunLog(g, in, payload, args, mounts, runRecord{
		duration:        duration,
		exitCode:        exitCode,
		stdout:          outStr,
		stderr:          errStr,
		stdoutTruncated: outTrunc,
		stderrTruncated: errTrunc,
	})

	switch {
	case ctx.Err() != nil && !timedOut.Load() && (waitErr != nil || exitCode != 0):
		r.log.Info("sandbox run aborted", logx.String("group", g.Name))
		return Output{Status: StatusError, Error: "Aborted by user"}
	case timedOut.Load():
		return errOutput("sandbox timed out after %dms", timeout.Milliseconds())
	}

	if waitErr != nil || exitCode != 0 {
		// The agent may still have written a structured error before
		// exiting non-zero; prefer that message.
		if parsed, ok := parseSentinelOutput(outStr); ok && parsed.Status == StatusError && parsed.Error != "" {
			r.logExit(g, exitCode, duration, errStr, logPath)
			return parsed
		}
		r.logExit(g, exitCode, duration, errStr, logPath)
		return errOutput("sandbox exited with code %d: %s", exitCode, tail(errStr, 200))
	}

	out, ok := parseSentinelOutput(outStr)
	if !ok {
		// Older agent images print bare JSON as the final line.
		line := lastNonEmptyLine(outStr)
		if err := json.Unmarshal([]byte(line), &out); err != nil {
			r.log.Error("failed to parse sandbox output",
				logx.String("group", g.Name),
				logx.String("stdout_tail", tail(outStr, 500)),
				logx.Err(err))
			return errOutput("failed to parse sandbox output: %v", err)
		}
	}

	r.log.Info("sandbox run completed",
		logx.String("group", g.Name),
		logx.Duration("duration", duration),
		logx.String("status", out.Status),
		logx.Bool("has_result", out.Result != ""))
	return out
}

func (r *Runner) logExit(g group.Group, code int, duration time.Duration, stderr, logPath string) {
	r.log.Error("sandbox exited with error",
		logx.String("group", g.Name),
		logx.Int("code", code),
		logx.Duration("duration", duration),
		logx.String("stderr_tail", tail(stderr, 500)),
		logx.String("log_file", logPath))
}

type runRecord struct {
	duration        time.Duration
	exitCode        int
	stdout          string
	stderr          string
	stdoutTruncated bool
	stderrTruncated bool
}

// writeRunLog records one run to a human-readable file under the owner's
// logs directory. Verbose mode dumps everything; otherwise only a
// summary, plus a stderr tail when the run failed. Logging failures are
// swallowed, the run result matters more than its paper trail.
func (r *Runner) writeRunLog(g group.Group, in Input, payload []byte, args []string, mounts []Mount, rec runRecord) string {
	logsDir := filepath.Join(r.cfg.GroupsDir, g.Folder, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		r.log.Warn("cannot create run logs dir", logx.Err(err))
		return ""
	}

	now := time.Now().UTC()
	name := "run-" + now.Format("2006-01-02T15-04-05-000Z") + ".log"
	logPath := filepath.Join(logsDir, name)

	var b strings.Builder
	fmt.Fprintf(&b, "=== Sandbox Run Log ===\n")
	fmt.Fprintf(&b, "Timestamp: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Group: %s\n", g.Name)
	fmt.Fprintf(&b, "IsMain: %t\n", in.IsMain)
	fmt.Fprintf(&b, "Duration: %dms\n", rec.duration.Milliseconds())
	fmt.Fprintf(&b, "Exit Code: %d\n", rec.exitCode)
	fmt.Fprintf(&b, "Stdout Truncated: %t\n", rec.stdoutTruncated)
	fmt.Fprintf(&b, "Stderr Truncated: %t\n\n", rec.stderrTruncated)

	if r.cfg.Verbose {
		fmt.Fprintf(&b, "=== Input ===\n%s\n\n", payload)
		fmt.Fprintf(&b, "=== Args ===\n%s\n\n", strings.Join(args, " "))
		b.WriteString("=== Mounts ===\n")
		for _, m := range mounts {
			b.WriteString(m.String() + "\n")
		}
		fmt.Fprintf(&b, "\n=== Stderr%s ===\n%s\n", truncSuffix(rec.stderrTruncated), rec.stderr)
		fmt.Fprintf(&b, "\n=== Stdout%s ===\n%s\n", truncSuffix(rec.stdoutTruncated), rec.stdout)
	} else {
		fmt.Fprintf(&b, "=== Input Summary ===\nPrompt length: %d chars\n\n", len(in.Prompt))
		b.WriteString("=== Mounts ===\n")
		for _, m := range mounts {
			suffix := ""
			if m.ReadOnly {
				suffix = " (ro)"
			}
			b.WriteString(m.ContainerPath + suffix + "\n")
		}
		if rec.exitCode != 0 {
			fmt.Fprintf(&b, "\n=== Stderr (last 500 chars) ===\n%s\n", tail(rec.stderr, 500))
		}
	}

	if err := os.WriteFile(logPath, []byte(b.String()), 0o644); err != nil {
		r.log.Warn("cannot write run log", logx.Err(err))
		return ""
	}
	return logPath
}

func truncSuffix(truncated bool) string {
	if truncated {
		return " (TRUNCATED)"
	}
	return ""
}

// parseSentinelOutput extracts the JSON document between the last start
// marker and the end marker that follows it. Using the last marker pair
// keeps a chatty agent from confusing the parser with earlier echoes.
func parseSentinelOutput(stdout string) (Output, bool) {
	start := strings.LastIndex(stdout, outputStartMarker)
	if start < 0 {
		return Output{}, false
	}
	rest := stdout[start+len(outputStartMarker):]
	end := strings.Index(rest, outputEndMarker)
	if end < 0 {
		return Output{}, false
	}
	var out Output
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &out); err != nil {
		return Output{}, false
	}
	return out, true
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func errOutput(format string, args ...any) Output {
	return Output{Status: StatusError, Error: fmt.Sprintf(format, args...)}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// cappedBuffer collects stream output up to a byte limit and drops the
// rest, remembering that it did.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func newCappedBuffer(max int64) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return len(p), nil
	}
	remaining := c.max - int64(c.buf.Len())
	if int64(len(p)) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) contents() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String(), c.truncated
}
