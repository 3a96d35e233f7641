package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the service configuration, loaded from JSON or YAML.
//
// All durations are Go duration strings (e.g. "750ms", "10s", "1m").
type Config struct {
	// ProjectRoot is the install root, mounted read-write into the main
	// owner's sandbox and searched for the .env credential file.
	ProjectRoot string `json:"project_root,omitempty"`
	// DataDir holds runtime state: the task database, per-owner IPC
	// namespaces, per-owner sandbox homes, the env-file dir.
	DataDir string `json:"data_dir,omitempty"`
	// GroupsDir holds per-owner workspaces mounted into the sandbox.
	GroupsDir string `json:"groups_dir,omitempty"`
	// MainWorkspaceDir is the main owner's dedicated workspace.
	MainWorkspaceDir string `json:"main_workspace_dir,omitempty"`

	// AssistantName prefixes agent-originated chat messages.
	AssistantName string `json:"assistant_name,omitempty"`

	// Timezone is the IANA zone used for cron schedules.
	// Empty means the system local zone.
	Timezone string `json:"timezone,omitempty"`

	// MountAllowlistPath points at the external mount allowlist. It must
	// live outside every mounted path so a compromised sandbox cannot
	// rewrite its own mount permissions.
	MountAllowlistPath string `json:"mount_allowlist_path,omitempty"`

	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Container ContainerConfig `json:"container"`
	Scheduler SchedulerConfig `json:"scheduler"`
	IPC       IPCConfig       `json:"ipc"`
	Telegram  TelegramConfig  `json:"telegram"`
}

type LoggingConfig struct {
	Level   string         `json:"level,omitempty"`
	Console *bool          `json:"console,omitempty"`
	File    FileLogConfig  `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path,omitempty"`         // default: <data_dir>/tasks.db
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite busy timeout
}

// ContainerConfig controls the sandbox runtime.
type ContainerConfig struct {
	// Runtime selects the sandbox runtime: "auto", "docker", or "apple".
	Runtime string `json:"runtime,omitempty"`
	Image   string `json:"image,omitempty"`
	// Timeout is the default wall-clock limit per execution.
	Timeout string `json:"timeout,omitempty"`
	// MaxOutputBytes caps each captured stream (stdout, stderr).
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	// IdlePoll is the timer delay when no task is due.
	IdlePoll string `json:"idle_poll,omitempty"`
	// MaxTimerDelay clamps the wait to the earliest due task so newly
	// created tasks are never missed for longer than this ceiling.
	MaxTimerDelay string `json:"max_timer_delay,omitempty"`
}

type IPCConfig struct {
	// PollInterval is the sweep period for IPC directories; fsnotify
	// events trigger earlier consumption when available.
	PollInterval string `json:"poll_interval,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}

// Defaults.
const (
	DefaultImage          = "fft-nano-agent:latest"
	DefaultTimeout        = 5 * time.Minute
	DefaultMaxOutputBytes = 10 << 20 // 10MB per stream
	DefaultIdlePoll       = time.Minute
	DefaultMaxTimerDelay  = time.Minute
	DefaultIPCPoll        = time.Second
)

// ApplyDefaults fills zero fields in place and validates durations.
func (c *Config) ApplyDefaults() error {
	if strings.TrimSpace(c.ProjectRoot) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve project root: %w", err)
		}
		c.ProjectRoot = wd
	}
	if strings.TrimSpace(c.AssistantName) == "" {
		c.AssistantName = "FarmFriend"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./data"
	}
	if strings.TrimSpace(c.GroupsDir) == "" {
		c.GroupsDir = "./groups"
	}
	if strings.TrimSpace(c.MainWorkspaceDir) == "" {
		c.MainWorkspaceDir = filepath.Join(c.GroupsDir, "main")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "tasks.db")
	}
	if strings.TrimSpace(c.Container.Image) == "" {
		c.Container.Image = DefaultImage
	}
	if strings.TrimSpace(c.MountAllowlistPath) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home dir for mount allowlist: %w", err)
		}
		c.MountAllowlistPath = filepath.Join(home, ".config", "fftnano", "mount-allowlist.json")
	}
	if c.Container.MaxOutputBytes <= 0 {
		c.Container.MaxOutputBytes = DefaultMaxOutputBytes
	}

	// Validate duration fields eagerly so a bad config fails at load time.
	for _, f := range []struct{ path, raw string }{
		{"container.timeout", c.Container.Timeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.idle_poll", c.Scheduler.IdlePoll},
		{"scheduler.max_timer_delay", c.Scheduler.MaxTimerDelay},
		{"ipc.poll_interval", c.IPC.PollInterval},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// GroupsRegistryPath is the on-disk owner registry location.
func (c *Config) GroupsRegistryPath() string {
	return filepath.Join(c.DataDir, "registered_groups.json")
}

// Location resolves the configured timezone, falling back to local.
func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// ContainerTimeout returns the default per-run wall clock limit.
func (c *Config) ContainerTimeout() time.Duration {
	d, _ := ParseDurationOrDefault("container.timeout", c.Container.Timeout, DefaultTimeout)
	return d
}

func (c *Config) SchedulerIdlePoll() time.Duration {
	d, _ := ParseDurationOrDefault("scheduler.idle_poll", c.Scheduler.IdlePoll, DefaultIdlePoll)
	return d
}

func (c *Config) SchedulerMaxTimerDelay() time.Duration {
	d, _ := ParseDurationOrDefault("scheduler.max_timer_delay", c.Scheduler.MaxTimerDelay, DefaultMaxTimerDelay)
	return d
}

func (c *Config) IPCPollInterval() time.Duration {
	d, _ := ParseDurationOrDefault("ipc.poll_interval", c.IPC.PollInterval, DefaultIPCPoll)
	return d
}

func (c *Config) StorageBusyTimeout() time.Duration {
	d, _ := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	return d
}

func (c *Config) ConsoleLogging() bool {
	return c.Logging.Console == nil || *c.Logging.Console
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
