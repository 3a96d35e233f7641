// Package group tracks the registered task owners: each owner is one chat
// context with its own workspace folder, sandbox home, and IPC namespace.
package group

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"fftnano/pkg/logx"
)

// MainFolder is the privileged owner: it sees all tasks and groups and may
// receive read-write extra mounts.
const MainFolder = "main"

// AdditionalMount is an owner-requested extra mount. It is only honored
// after validation against the external allowlist.
type AdditionalMount struct {
	HostPath      string `json:"hostPath"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readonly,omitempty"`
}

// ContainerConfig carries per-owner sandbox overrides.
type ContainerConfig struct {
	AdditionalMounts []AdditionalMount `json:"additionalMounts,omitempty"`
	TimeoutMs        int64             `json:"timeout,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
}

// Group is one registered task owner.
type Group struct {
	JID             string           `json:"-"`
	Name            string           `json:"name"`
	Folder          string           `json:"folder"`
	Trigger         string           `json:"trigger"`
	AddedAt         string           `json:"added_at"`
	ContainerConfig *ContainerConfig `json:"containerConfig,omitempty"`
}

// IsMain reports whether this owner is the privileged main owner.
func (g Group) IsMain() bool { return g.Folder == MainFolder }

// SandboxTimeout returns the per-owner timeout override, or 0.
func (g Group) SandboxTimeout() time.Duration {
	if g.ContainerConfig == nil || g.ContainerConfig.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(g.ContainerConfig.TimeoutMs) * time.Millisecond
}

// Registry is the in-memory view of registered owners, persisted as a JSON
// map keyed by chat JID. Writes go through a temp-file-then-rename so a
// crash never leaves a torn file.
type Registry struct {
	path string
	log  logx.Logger

	mu     sync.RWMutex
	groups map[string]Group // keyed by JID
}

func NewRegistry(path string, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{path: path, log: log, groups: map[string]Group{}}
}

// Load reads the registry file. A missing file is an empty registry.
func (r *Registry) Load() error {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var raw map[string]Group
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("parse %s: %w", r.path, err)
	}
	for jid, g := range raw {
		g.JID = jid
		raw[jid] = g
	}
	r.mu.Lock()
	r.groups = raw
	r.mu.Unlock()
	r.log.Info("group registry loaded", logx.Int("groups", len(raw)))
	return nil
}

// Register adds or replaces an owner and persists the registry.
func (r *Registry) Register(g Group) error {
	if strings.TrimSpace(g.JID) == "" || strings.TrimSpace(g.Folder) == "" {
		return fmt.Errorf("group jid and folder are required")
	}
	if g.AddedAt == "" {
		g.AddedAt = time.Now().UTC().Format(time.RFC3339)
	}
	r.mu.Lock()
	r.groups[g.JID] = g
	r.mu.Unlock()
	return r.save()
}

// ByFolder resolves an owner by workspace folder.
func (r *Registry) ByFolder(folder string) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.groups {
		if g.Folder == folder {
			return g, true
		}
	}
	return Group{}, false
}

// ByJID resolves an owner by chat JID.
func (r *Registry) ByJID(jid string) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[jid]
	return g, ok
}

// All returns the registered owners sorted by folder.
func (r *Registry) All() []Group {
	r.mu.RLock()
	out := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })
	return out
}

func (r *Registry) save() error {
	r.mu.RLock()
	b, err := json.MarshalIndent(r.groups, "", "  ")
	r.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
