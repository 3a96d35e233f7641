package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fftnano/internal/group"
	"fftnano/internal/store"
	"fftnano/pkg/logx"
)

type fakeChatSender struct {
	mu    sync.Mutex
	sent  []string // "to|text"
	fail  bool
}

func (f *fakeChatSender) SendMessage(ctx context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return context.DeadlineExceeded
	}
	f.sent = append(f.sent, to+"|"+text)
	return nil
}

func (f *fakeChatSender) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type consumerHarness struct {
	consumer *Consumer
	store    store.Store
	groups   *group.Registry
	sender   *fakeChatSender
	dataDir  string
	kicks    int
}

func newConsumerHarness(t *testing.T) *consumerHarness {
	t.Helper()
	dataDir := t.TempDir()

	st, err := store.Open(store.Config{Path: filepath.Join(dataDir, "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	groups := group.NewRegistry(filepath.Join(dataDir, "registered_groups.json"), logx.Nop())
	for _, g := range []group.Group{
		{JID: "main@s.net", Name: "Operator", Folder: group.MainFolder, Trigger: "@fft"},
		{JID: "111@g.us", Name: "Family", Folder: "family", Trigger: "@fft"},
		{JID: "222@g.us", Name: "Garden", Folder: "garden", Trigger: "@fft"},
	} {
		if err := groups.Register(g); err != nil {
			t.Fatal(err)
		}
	}

	h := &consumerHarness{
		store:   st,
		groups:  groups,
		sender:  &fakeChatSender{},
		dataDir: dataDir,
	}
	h.consumer = NewConsumer(Config{
		DataDir:       dataDir,
		AssistantName: "FarmFriend",
		Location:      time.UTC,
	}, st, groups, h.sender, func() { h.kicks++ }, NewSnapshots(dataDir), logx.Nop())
	return h
}

// drop writes one request file into an owner's IPC channel.
func (h *consumerHarness) drop(t *testing.T, source, channel, name string, payload any) string {
	t.Helper()
	dir := filepath.Join(h.dataDir, "ipc", source, channel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestScheduleTaskFromFile(t *testing.T) {
	t.Parallel()
	h := newConsumerHarness(t)
	path := h.drop(t, "main", "tasks", "0001.json", map[string]any{
		"type":           "schedule_task",
		"prompt":         "check the greenhouse sensors",
		"groupFolder":    "family",
		"schedule_type":  "interval",
		"schedule_value": "3600000",
	})

	h.consumer.Sweep(context.Background())

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("request file not consumed")
	}
	tasks, err := h.store.TasksForGroup(context.Background(), "family")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %+v", tasks)
	}
	task := tasks[0]
	if !strings.HasPrefix(task.ID, "task-") {
		t.Fatalf("ID = %q", task.ID)
	}
	// The chat JID comes from the registry, never the request payload.
	if task.ChatJID != "111@g.us" {
		t.Fatalf("ChatJID = %q", task.ChatJID)
	}
	if task.Status != store.StatusActive || task.NextRun == nil {
		t.Fatalf("task = %+v", task)
	}
	if task.ContextMode != "isolated" {
		t.Fatalf("ContextMode = %q", task.ContextMode)
	}
	if h.kicks != 1 {
		t.Fatalf("kicks = %d", h.kicks)
	}
}

func TestScheduleTaskCrossGroupBlocked(t *testing.T) {
	t.Parallel()
	h := newConsumerHarness(t)
	path := h.drop(t, "family", "tasks", "0001.json", map[string]any{
		"type":           "schedule_task",
		"prompt":         "spy on the garden",
		"groupFolder":    "garden",
		"schedule_type":  "interval",
		"schedule_value": "60000",
	})

	h.consumer.Sweep(context.Background())

	// Blocked silently: the file is consumed, no task is created.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("request file not consumed")
	}
	tasks, err := h.store.AllTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestInvalidScheduleQuarantined(t *testing.T) {
	t.Parallel()
	h := newConsumerHarness(t)
	h.drop(t, "family", "tasks", "broken.json", map[string]any{
		"type":           "schedule_task",
		"prompt":         "p",
		"groupFolder":    "family",
		"schedule_type":  "cron",
		"schedule_value": "61 * * * *",
	})

	h.consumer.Sweep(context.Background())

	quarantined := filepath.Join(h.dataDir, "ipc", "errors", "family-broken.json")
	if _, err := os.Stat(quarantined); err != nil {
		t.Fatalf("expected quarantined file at %s: %v", quarantined, err)
	}
}

func TestUnparseableFileQuarantined(t *testing.T) {
	t.Parallel()
	h := newConsumerHarness(t)
	dir := filepath.Join(h.dataDir, "ipc", "family", "tasks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "junk.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	h.consumer.Sweep(context.Background())

	if _, err := os.Stat(filepath.Join(h.dataDir, "ipc", "errors", "family-junk.json")); err != nil {
		t.Fatalf("junk file not quarantined: %v", err)
	}
}

func TestPauseResumeCancelLifecycle(t *testing.T) {
	t.Parallel()
	h := newConsumerHarness(t)
	ctx := context.Background()

	h.drop(t, "family", "tasks", "0001.json", map[string]any{
		"type":           "schedule_task",
		"prompt":         "water plants",
		"groupFolder":    "family",
		"schedule_type":  "interval",
		"schedule_value": "3600000",
	})
	h.consumer.Sweep(ctx)
	tasks, _ := h.store.TasksForGroup(ctx, "family")
	if len(tasks) != 1 {
		t.Fatalf("tasks = %+v", tasks)
	}
	id := tasks[0].ID

	h.drop(t, "family", "tasks", "0002.json", map[string]any{"type": "pause_task", "taskId": id})
	h.consumer.Sweep(ctx)
	task, err := h.store.TaskByID(ctx, id)
	if err != nil || task.Status != store.StatusPaused {
		t.Fatalf("after pause: %+v err=%v", task, err)
	}

	// Simulate a long pause: the stored trigger expired in the meantime.
	stale := time.Now().Add(-45 * time.Minute)
	if err := h.store.UpdateTask(ctx, id, store.TaskUpdate{NextRun: &stale, SetNextRun: true}); err != nil {
		t.Fatal(err)
	}

	h.drop(t, "family", "tasks", "0003.json", map[string]any{"type": "resume_task", "taskId": id})
	h.consumer.Sweep(ctx)
	task, err = h.store.TaskByID(ctx, id)
	if err != nil || task.Status != store.StatusActive {
		t.Fatalf("after resume: %+v err=%v", task, err)
	}
	// Resume recomputes the trigger so a stale one cannot fire immediately.
	if task.NextRun == nil || time.Until(*task.NextRun) < 30*time.Minute {
		t.Fatalf("NextRun after resume = %v", task.NextRun)
	}

	h.drop(t, "family", "tasks", "0004.json", map[string]any{"type": "cancel_task", "taskId": id})
	h.consumer.Sweep(ctx)
	if _, err := h.store.TaskByID(ctx, id); err != store.ErrNotFound {
		t.Fatalf("after cancel: err=%v", err)
	}
}

func TestCrossGroupTaskAccessBlocked(t *testing.T) {
	t.Parallel()
	h := newConsumerHarness(t)
	ctx := context.Background()

	h.drop(t, "garden", "tasks", "0001.json", map[string]any{
		"type":           "schedule_task",
		"prompt":         "harvest",
		"groupFolder":    "garden",
		"schedule_type":  "interval",
		"schedule_value": "3600000",
	})
	h.consumer.Sweep(ctx)
	tasks, _ := h.store.TasksForGroup(ctx, "garden")
	if len(tasks) != 1 {
		t.Fatalf("tasks = %+v", tasks)
	}
	id := tasks[0].ID

	// Another owner cannot pause or cancel it; main can.
	h.drop(t, "family", "tasks", "0001.json", map[string]any{"type": "pause_task", "taskId": id})
	h.consumer.Sweep(ctx)
	task, _ := h.store.TaskByID(ctx, id)
	if task.Status != store.StatusActive {
		t.Fatalf("cross-group pause applied: %+v", task)
	}

	h.drop(t, "main", "tasks", "0001.json", map[string]any{"type": "pause_task", "taskId": id})
	h.consumer.Sweep(ctx)
	task, _ = h.store.TaskByID(ctx, id)
	if task.Status != store.StatusPaused {
		t.Fatalf("main pause ignored: %+v", task)
	}
}

func TestMessageForwarding(t *testing.T) {
	t.Parallel()
	h := newConsumerHarness(t)
	ctx := context.Background()

	// An owner may message its own chat.
	h.drop(t, "family", "messages", "0001.json", map[string]any{
		"type": "message", "chatJid": "111@g.us", "text": "tomatoes are ripe",
	})
	// Cross-chat messages from non-main are blocked but consumed.
	blocked := h.drop(t, "family", "messages", "0002.json", map[string]any{
		"type": "message", "chatJid": "222@g.us", "text": "psst",
	})
	// Main may message anyone.
	h.drop(t, "main", "messages", "0001.json", map[string]any{
		"type": "message", "chatJid": "222@g.us", "text": "ahoy",
	})

	h.consumer.Sweep(ctx)

	sent := h.sender.all()
	if len(sent) != 2 {
		t.Fatalf("sent = %v", sent)
	}
	if sent[0] != "111@g.us|FarmFriend: tomatoes are ripe" {
		t.Fatalf("sent[0] = %q", sent[0])
	}
	if sent[1] != "222@g.us|FarmFriend: ahoy" {
		t.Fatalf("sent[1] = %q", sent[1])
	}
	if _, err := os.Stat(blocked); !os.IsNotExist(err) {
		t.Fatal("blocked message file not consumed")
	}
}

func TestRegisterGroupMainOnly(t *testing.T) {
	t.Parallel()
	h := newConsumerHarness(t)
	ctx := context.Background()

	reg := map[string]any{
		"type": "register_group", "jid": "333@g.us", "name": "Barn",
		"folder": "barn", "trigger": "@fft",
	}
	h.drop(t, "family", "tasks", "0001.json", reg)
	h.consumer.Sweep(ctx)
	if _, ok := h.groups.ByFolder("barn"); ok {
		t.Fatal("non-main register_group applied")
	}

	h.drop(t, "main", "tasks", "0001.json", reg)
	h.consumer.Sweep(ctx)
	g, ok := h.groups.ByFolder("barn")
	if !ok || g.JID != "333@g.us" || g.AddedAt == "" {
		t.Fatalf("g = %+v ok=%t", g, ok)
	}
}

func TestRefreshGroupsWritesSnapshot(t *testing.T) {
	t.Parallel()
	h := newConsumerHarness(t)

	h.drop(t, "main", "tasks", "0001.json", map[string]any{"type": "refresh_groups"})
	h.consumer.Sweep(context.Background())

	b, err := os.ReadFile(filepath.Join(h.dataDir, "ipc", "main", "available_groups.json"))
	if err != nil {
		t.Fatal(err)
	}
	var snap struct {
		Groups []AvailableGroup `json:"groups"`
	}
	if err := json.Unmarshal(b, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Groups) != 3 {
		t.Fatalf("groups = %+v", snap.Groups)
	}
}

func TestRunConsumesDroppedFiles(t *testing.T) {
	t.Parallel()
	h := newConsumerHarness(t)
	h.consumer.cfg.PollInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.consumer.Run(ctx)
		close(done)
	}()

	path := h.drop(t, "family", "messages", "live.json", map[string]any{
		"type": "message", "chatJid": "111@g.us", "text": "hello",
	})

	deadline := time.After(3 * time.Second)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("dropped file never consumed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
	if len(h.sender.all()) != 1 {
		t.Fatalf("sent = %v", h.sender.all())
	}
}

func TestActionRequestsProduceResults(t *testing.T) {
	t.Parallel()
	h := newConsumerHarness(t)
	ctx := context.Background()

	h.consumer.RegisterAction("echo", func(ctx context.Context, params json.RawMessage, source string, isMain bool) (any, error) {
		var in map[string]string
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, err
		}
		in["source"] = source
		return in, nil
	})

	reqPath := h.drop(t, "family", "actions", "req-echo.json", map[string]any{
		"type":      "action",
		"action":    "echo",
		"requestId": "r-echo-1",
		"params":    map[string]string{"note": "water the beans"},
	})
	h.drop(t, "family", "actions", "req-unknown.json", map[string]any{
		"type":      "action",
		"action":    "ha_restart",
		"requestId": "r-unknown-1",
	})
	h.consumer.Sweep(ctx)

	if _, err := os.Stat(reqPath); !os.IsNotExist(err) {
		t.Fatalf("request file should be consumed, stat err = %v", err)
	}

	resultDir := filepath.Join(h.dataDir, "ipc", "family", "action_results")
	var echo actionResult
	b, err := os.ReadFile(filepath.Join(resultDir, "r-echo-1.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(b, &echo); err != nil {
		t.Fatal(err)
	}
	if echo.Status != "success" || echo.RequestID != "r-echo-1" {
		t.Fatalf("unexpected echo result: %+v", echo)
	}
	out, ok := echo.Result.(map[string]any)
	if !ok || out["note"] != "water the beans" || out["source"] != "family" {
		t.Fatalf("handler output not round-tripped: %#v", echo.Result)
	}

	var unknown actionResult
	b, err = os.ReadFile(filepath.Join(resultDir, "r-unknown-1.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(b, &unknown); err != nil {
		t.Fatal(err)
	}
	if unknown.Status != "error" || !strings.Contains(unknown.Error, "unsupported action: ha_restart") {
		t.Fatalf("unknown action should error in the result file: %+v", unknown)
	}
	if unknown.ExecutedAt == "" {
		t.Fatal("result missing executedAt")
	}

	// No stray temp files next to the results.
	entries, err := os.ReadDir(resultDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected exactly two result files, got %d", len(entries))
	}
}

func TestActionWithoutRequestIDQuarantined(t *testing.T) {
	t.Parallel()
	h := newConsumerHarness(t)

	h.drop(t, "garden", "actions", "anon.json", map[string]any{
		"type":   "action",
		"action": "echo",
	})
	h.consumer.Sweep(context.Background())

	if _, err := os.Stat(filepath.Join(h.dataDir, "ipc", "errors", "garden-anon.json")); err != nil {
		t.Fatalf("uncorrelatable request should be quarantined: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.dataDir, "ipc", "garden", "action_results")); !os.IsNotExist(err) {
		t.Fatalf("no result dir should exist without a handled request, stat err = %v", err)
	}
}

func TestActionHandlerErrorRecordedInResult(t *testing.T) {
	t.Parallel()
	h := newConsumerHarness(t)

	h.consumer.RegisterAction("restart_pump", func(ctx context.Context, params json.RawMessage, source string, isMain bool) (any, error) {
		if !isMain {
			return nil, errors.New("restart_pump is main-only")
		}
		return "ok", nil
	})

	h.drop(t, "family", "actions", "pump.json", map[string]any{
		"type":      "action",
		"action":    "restart_pump",
		"requestId": "r-pump-1",
	})
	h.drop(t, "main", "actions", "pump.json", map[string]any{
		"type":      "action",
		"action":    "restart_pump",
		"requestId": "r-pump-2",
	})
	h.consumer.Sweep(context.Background())

	var denied actionResult
	b, err := os.ReadFile(filepath.Join(h.dataDir, "ipc", "family", "action_results", "r-pump-1.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(b, &denied); err != nil {
		t.Fatal(err)
	}
	if denied.Status != "error" || !strings.Contains(denied.Error, "main-only") {
		t.Fatalf("handler error should land in the result: %+v", denied)
	}

	var allowed actionResult
	b, err = os.ReadFile(filepath.Join(h.dataDir, "ipc", "main", "action_results", "r-pump-2.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(b, &allowed); err != nil {
		t.Fatal(err)
	}
	if allowed.Status != "success" || allowed.Result != "ok" {
		t.Fatalf("main request should succeed: %+v", allowed)
	}
}
