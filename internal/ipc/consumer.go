// Package ipc bridges sandboxed agents and the host process through
// per-owner file drops. Agents write JSON requests into their mounted
// IPC namespace; the consumer picks them up, authorizes them against the
// writing owner's identity, and applies them.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"fftnano/internal/group"
	"fftnano/internal/schedule"
	"fftnano/internal/store"
	"fftnano/pkg/logx"
)

// ChatSender forwards agent-originated messages to a chat.
type ChatSender interface {
	SendMessage(ctx context.Context, to, text string) error
}

// Config tunes the consumer.
type Config struct {
	DataDir string
	// PollInterval is the sweep fallback for events fsnotify misses
	// (bind-mount writes are not always observable from the host).
	PollInterval  time.Duration
	AssistantName string
	Location      *time.Location
}

// Consumer watches every owner's IPC namespace and applies requests.
// Identity comes from the directory a file arrives in, never from the
// payload.
type Consumer struct {
	cfg    Config
	store  store.Store
	groups *group.Registry
	sender ChatSender
	// kick pokes the scheduler after task mutations.
	kick      func()
	snapshots *Snapshots
	actions   map[string]ActionHandler
	log       logx.Logger
}

func NewConsumer(cfg Config, st store.Store, groups *group.Registry, sender ChatSender, kick func(), snapshots *Snapshots, log logx.Logger) *Consumer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if kick == nil {
		kick = func() {}
	}
	return &Consumer{
		cfg:       cfg,
		store:     st,
		groups:    groups,
		sender:    sender,
		kick:      kick,
		snapshots: snapshots,
		log:       log,
	}
}

func (c *Consumer) baseDir() string { return filepath.Join(c.cfg.DataDir, "ipc") }

// Run sweeps all IPC namespaces until ctx is cancelled. A filesystem
// watcher shortens latency when it works; the periodic sweep is the
// correctness backstop.
func (c *Consumer) Run(ctx context.Context) error {
	if err := os.MkdirAll(c.baseDir(), 0o755); err != nil {
		return fmt.Errorf("create ipc base dir: %w", err)
	}

	events := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		c.addWatches(watcher)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-watcher.Events:
					if !ok {
						return
					}
					select {
					case events <- struct{}{}:
					default:
					}
				case _, ok := <-watcher.Errors:
					if !ok {
						return
					}
				}
			}
		}()
	} else {
		c.log.Warn("ipc watcher unavailable, polling only", logx.Err(err))
	}

	c.log.Info("ipc consumer started", logx.Duration("poll", c.cfg.PollInterval))
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		c.Sweep(ctx)
		if watcher != nil {
			c.addWatches(watcher)
		}
		select {
		case <-ctx.Done():
			c.log.Info("ipc consumer stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-events:
		}
	}
}

// addWatches registers the base dir and every owner subdirectory.
// Re-adding an existing watch is harmless.
func (c *Consumer) addWatches(w *fsnotify.Watcher) {
	_ = w.Add(c.baseDir())
	entries, err := os.ReadDir(c.baseDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		for _, sub := range []string{"messages", "tasks", "actions"} {
			dir := filepath.Join(c.baseDir(), e.Name(), sub)
			if dirExists(dir) {
				_ = w.Add(dir)
			}
		}
	}
}

// Sweep processes every pending IPC file once. Files are consumed in
// name order (writers use sortable names); each is deleted after
// handling, or quarantined under errors/ when it cannot be processed.
func (c *Consumer) Sweep(ctx context.Context) {
	entries, err := os.ReadDir(c.baseDir())
	if err != nil {
		c.log.Error("ipc base dir read failed", logx.Err(err))
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		source := e.Name()
		isMain := source == group.MainFolder
		c.sweepDir(ctx, source, isMain, "messages", c.handleMessage)
		c.sweepDir(ctx, source, isMain, "tasks", c.handleTaskCommand)
		c.sweepDir(ctx, source, isMain, "actions", c.handleAction)
	}
}

func (c *Consumer) sweepDir(ctx context.Context, source string, isMain bool, sub string, handle func(ctx context.Context, raw []byte, source string, isMain bool) error) {
	dir := filepath.Join(c.baseDir(), source, sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Error("ipc dir read failed", logx.String("dir", dir), logx.Err(err))
		}
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := handle(ctx, raw, source, isMain); err != nil {
			c.log.Error("ipc request failed",
				logx.String("file", e.Name()),
				logx.String("source", source),
				logx.Err(err))
			c.quarantine(path, source, e.Name())
			continue
		}
		os.Remove(path)
	}
}

func (c *Consumer) quarantine(path, source, name string) {
	errorDir := filepath.Join(c.baseDir(), "errors")
	if err := os.MkdirAll(errorDir, 0o755); err != nil {
		return
	}
	_ = os.Rename(path, filepath.Join(errorDir, source+"-"+name))
}

type messageRequest struct {
	Type    string `json:"type"`
	ChatJID string `json:"chatJid"`
	Text    string `json:"text"`
}

// handleMessage forwards an agent message to a chat. Non-main owners may
// only write to their own chat.
func (c *Consumer) handleMessage(ctx context.Context, raw []byte, source string, isMain bool) error {
	var req messageRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("parse message request: %w", err)
	}
	if req.Type != "message" || req.ChatJID == "" || req.Text == "" {
		return nil
	}
	if c.sender == nil {
		c.log.Warn("ipc message dropped, no chat transport configured",
			logx.String("source", source))
		return nil
	}

	if !isMain {
		target, ok := c.groups.ByJID(req.ChatJID)
		if !ok || target.Folder != source {
			c.log.Warn("unauthorized ipc message blocked",
				logx.String("source", source),
				logx.String("chat_jid", req.ChatJID))
			return nil
		}
	}

	text := req.Text
	if c.cfg.AssistantName != "" {
		text = c.cfg.AssistantName + ": " + text
	}
	if err := c.sender.SendMessage(ctx, req.ChatJID, text); err != nil {
		return fmt.Errorf("send ipc message: %w", err)
	}
	c.log.Info("ipc message sent",
		logx.String("source", source),
		logx.String("chat_jid", req.ChatJID))
	return nil
}

// taskCommand is the union of all task-channel requests.
type taskCommand struct {
	Type        string `json:"type"`
	TaskID      string `json:"taskId,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	GroupFolder string `json:"groupFolder,omitempty"`

	schedule.Payload

	// register_group fields.
	JID             string                 `json:"jid,omitempty"`
	Name            string                 `json:"name,omitempty"`
	Folder          string                 `json:"folder,omitempty"`
	Trigger         string                 `json:"trigger,omitempty"`
	ContainerConfig *group.ContainerConfig `json:"containerConfig,omitempty"`
}

func (c *Consumer) handleTaskCommand(ctx context.Context, raw []byte, source string, isMain bool) error {
	var cmd taskCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return fmt.Errorf("parse task request: %w", err)
	}

	switch cmd.Type {
	case "schedule_task":
		return c.scheduleTask(ctx, cmd, source, isMain)
	case "pause_task":
		return c.setTaskStatus(ctx, cmd.TaskID, source, isMain, store.StatusPaused)
	case "resume_task":
		return c.resumeTask(ctx, cmd.TaskID, source, isMain)
	case "cancel_task":
		return c.cancelTask(ctx, cmd.TaskID, source, isMain)
	case "refresh_groups":
		return c.refreshGroups(source, isMain)
	case "register_group":
		return c.registerGroup(cmd, source, isMain)
	default:
		c.log.Warn("unknown ipc task type",
			logx.String("type", cmd.Type),
			logx.String("source", source))
		return nil
	}
}

func (c *Consumer) scheduleTask(ctx context.Context, cmd taskCommand, source string, isMain bool) error {
	if cmd.Prompt == "" || cmd.GroupFolder == "" {
		c.log.Warn("schedule_task missing prompt or group",
			logx.String("source", source))
		return nil
	}
	if !isMain && cmd.GroupFolder != source {
		c.log.Warn("unauthorized schedule_task blocked",
			logx.String("source", source),
			logx.String("target", cmd.GroupFolder))
		return nil
	}

	// The chat JID comes from the registry, never the payload.
	target, ok := c.groups.ByFolder(cmd.GroupFolder)
	if !ok {
		c.log.Warn("schedule_task for unregistered group",
			logx.String("target", cmd.GroupFolder))
		return nil
	}

	now := time.Now()
	plan, err := schedule.ResolvePlan(cmd.Payload, now, c.cfg.Location)
	if err != nil {
		return fmt.Errorf("schedule_task: %w", err)
	}
	policy := schedule.ResolvePolicy(cmd.Payload)

	contextMode := "isolated"
	if cmd.ContextMode == "group" {
		contextMode = "group"
	}

	nextRun := plan.NextRun
	task := store.Task{
		ID:          "task-" + uuid.NewString(),
		GroupFolder: cmd.GroupFolder,
		ChatJID:     target.JID,
		Prompt:      cmd.Prompt,

		ScheduleType:  plan.Type,
		ScheduleValue: plan.Value,
		ScheduleJSON:  plan.ScheduleJSON,
		ContextMode:   contextMode,

		SessionTarget:      policy.SessionTarget,
		WakeMode:           policy.WakeMode,
		DeliveryMode:       policy.Delivery.Mode,
		DeliveryChannel:    policy.Delivery.Channel,
		DeliveryTo:         policy.Delivery.To,
		DeliveryWebhookURL: policy.Delivery.WebhookURL,
		TimeoutSeconds:     int(policy.Timeout / time.Second),
		StaggerMs:          policy.Stagger.Milliseconds(),
		DeleteAfterRun:     policy.DeleteAfterRun,

		NextRun:   &nextRun,
		Status:    store.StatusActive,
		CreatedAt: now,
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	c.log.Info("task created via ipc",
		logx.String("task_id", task.ID),
		logx.String("source", source),
		logx.String("target", cmd.GroupFolder),
		logx.String("schedule_type", string(plan.Type)))
	c.kick()
	return nil
}

// authorizeTask loads a task and checks the source may act on it.
func (c *Consumer) authorizeTask(ctx context.Context, taskID, source string, isMain bool) (store.Task, bool, error) {
	if taskID == "" {
		return store.Task{}, false, nil
	}
	task, err := c.store.TaskByID(ctx, taskID)
	if err != nil {
		if err == store.ErrNotFound {
			return store.Task{}, false, nil
		}
		return store.Task{}, false, err
	}
	if !isMain && task.GroupFolder != source {
		c.log.Warn("unauthorized task access blocked",
			logx.String("task_id", taskID),
			logx.String("source", source))
		return store.Task{}, false, nil
	}
	return task, true, nil
}

func (c *Consumer) setTaskStatus(ctx context.Context, taskID, source string, isMain bool, status store.Status) error {
	task, ok, err := c.authorizeTask(ctx, taskID, source, isMain)
	if err != nil || !ok {
		return err
	}
	if err := c.store.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &status}); err != nil {
		return err
	}
	c.log.Info("task status changed via ipc",
		logx.String("task_id", task.ID),
		logx.String("status", string(status)),
		logx.String("source", source))
	c.kick()
	return nil
}

// resumeTask reactivates a paused task with a fresh next run: a stale
// stored trigger would otherwise fire immediately on resume.
func (c *Consumer) resumeTask(ctx context.Context, taskID, source string, isMain bool) error {
	task, ok, err := c.authorizeTask(ctx, taskID, source, isMain)
	if err != nil || !ok {
		return err
	}
	status := store.StatusActive
	next := schedule.ResumeNextRun(task.ScheduleType, task.ScheduleValue, task.NextRun, time.Now(), c.cfg.Location)
	if err := c.store.UpdateTask(ctx, task.ID, store.TaskUpdate{
		Status:     &status,
		NextRun:    &next,
		SetNextRun: true,
	}); err != nil {
		return err
	}
	c.log.Info("task resumed via ipc",
		logx.String("task_id", task.ID),
		logx.String("source", source))
	c.kick()
	return nil
}

func (c *Consumer) cancelTask(ctx context.Context, taskID, source string, isMain bool) error {
	task, ok, err := c.authorizeTask(ctx, taskID, source, isMain)
	if err != nil || !ok {
		return err
	}
	if err := c.store.DeleteTask(ctx, task.ID); err != nil {
		return err
	}
	c.log.Info("task cancelled via ipc",
		logx.String("task_id", task.ID),
		logx.String("source", source))
	c.kick()
	return nil
}

// refreshGroups reloads the owner registry from disk and rewrites the
// requester's groups snapshot. Main only.
func (c *Consumer) refreshGroups(source string, isMain bool) error {
	if !isMain {
		c.log.Warn("unauthorized refresh_groups blocked", logx.String("source", source))
		return nil
	}
	if err := c.groups.Load(); err != nil {
		return fmt.Errorf("reload groups: %w", err)
	}
	if c.snapshots != nil {
		if err := c.snapshots.WriteGroupsSnapshot(source, true, c.groups.All()); err != nil {
			return err
		}
	}
	c.log.Info("group registry refreshed via ipc")
	return nil
}

func (c *Consumer) registerGroup(cmd taskCommand, source string, isMain bool) error {
	if !isMain {
		c.log.Warn("unauthorized register_group blocked", logx.String("source", source))
		return nil
	}
	if cmd.JID == "" || cmd.Name == "" || cmd.Folder == "" || cmd.Trigger == "" {
		c.log.Warn("register_group missing required fields")
		return nil
	}
	g := group.Group{
		JID:             cmd.JID,
		Name:            cmd.Name,
		Folder:          cmd.Folder,
		Trigger:         cmd.Trigger,
		AddedAt:         time.Now().UTC().Format(time.RFC3339),
		ContainerConfig: cmd.ContainerConfig,
	}
	if err := c.groups.Register(g); err != nil {
		return fmt.Errorf("register group: %w", err)
	}
	c.log.Info("group registered via ipc",
		logx.String("jid", cmd.JID),
		logx.String("folder", cmd.Folder))
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
