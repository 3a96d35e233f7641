package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fftnano/internal/group"
	"fftnano/internal/store"
)

// TaskSnapshot is the agent-visible view of one scheduled task, written
// to the owner's IPC directory before each run. Field names are part of
// the agent contract.
type TaskSnapshot struct {
	ID             string `json:"id"`
	GroupFolder    string `json:"groupFolder"`
	Prompt         string `json:"prompt"`
	ScheduleType   string `json:"schedule_type"`
	ScheduleValue  string `json:"schedule_value"`
	Status         string `json:"status"`
	NextRun        string `json:"next_run"`
	ContextMode    string `json:"context_mode,omitempty"`
	SessionTarget  string `json:"session_target,omitempty"`
	WakeMode       string `json:"wake_mode,omitempty"`
	DeliveryMode   string `json:"delivery_mode,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// AvailableGroup is one row of the groups snapshot.
type AvailableGroup struct {
	JID          string `json:"jid"`
	Name         string `json:"name"`
	LastActivity string `json:"lastActivity"`
	IsRegistered bool   `json:"isRegistered"`
}

type groupsSnapshot struct {
	Groups   []AvailableGroup `json:"groups"`
	LastSync string           `json:"lastSync"`
}

// Snapshots writes agent-readable state files into per-owner IPC
// directories.
type Snapshots struct {
	dataDir string
}

func NewSnapshots(dataDir string) *Snapshots {
	return &Snapshots{dataDir: dataDir}
}

// WriteTasksSnapshot renders current_tasks.json for one owner. Main sees
// every task, other owners only their own.
func (s *Snapshots) WriteTasksSnapshot(groupFolder string, isMain bool, tasks []store.Task) error {
	rows := make([]TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		if !isMain && t.GroupFolder != groupFolder {
			continue
		}
		row := TaskSnapshot{
			ID:             t.ID,
			GroupFolder:    t.GroupFolder,
			Prompt:         t.Prompt,
			ScheduleType:   string(t.ScheduleType),
			ScheduleValue:  t.ScheduleValue,
			Status:         string(t.Status),
			ContextMode:    t.ContextMode,
			SessionTarget:  t.SessionTarget,
			WakeMode:       t.WakeMode,
			DeliveryMode:   t.DeliveryMode,
			TimeoutSeconds: t.TimeoutSeconds,
		}
		if t.NextRun != nil {
			row.NextRun = t.NextRun.UTC().Format(time.RFC3339)
		}
		rows = append(rows, row)
	}
	return s.writeJSON(groupFolder, "current_tasks.json", rows)
}

// WriteGroupsSnapshot renders available_groups.json. Only main can see
// the fleet; everyone else gets an empty list.
func (s *Snapshots) WriteGroupsSnapshot(groupFolder string, isMain bool, groups []group.Group) error {
	visible := []AvailableGroup{}
	if isMain {
		for _, g := range groups {
			visible = append(visible, AvailableGroup{
				JID:          g.JID,
				Name:         g.Name,
				LastActivity: g.AddedAt,
				IsRegistered: true,
			})
		}
	}
	return s.writeJSON(groupFolder, "available_groups.json", groupsSnapshot{
		Groups:   visible,
		LastSync: time.Now().UTC().Format(time.RFC3339),
	})
}

// writeJSON lands the file with a temp-then-rename so the agent never
// reads a half-written snapshot.
func (s *Snapshots) writeJSON(groupFolder, name string, v any) error {
	dir := filepath.Join(s.dataDir, "ipc", groupFolder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}
