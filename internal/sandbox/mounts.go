package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"fftnano/internal/group"
)

// Container-side mount points. These are part of the agent image contract
// and must not change without a coordinated image update.
const (
	containerProjectPath   = "/workspace/project"
	containerGroupPath     = "/workspace/group"
	containerGlobalPath    = "/workspace/global"
	containerIPCPath       = "/workspace/ipc"
	containerEnvDirPath    = "/workspace/env-dir"
	containerAgentHomePath = "/home/node/.pi"
)

// IPC namespace subdirectories, one set per owner.
var ipcSubdirs = []string{"messages", "tasks", "actions", "action_results"}

// Mount is one host->container bind.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

func (m Mount) String() string {
	s := m.HostPath + " -> " + m.ContainerPath
	if m.ReadOnly {
		s += " (ro)"
	}
	return s
}

// IPCDir returns the host path of an owner's IPC namespace root.
func (c Config) IPCDir(groupFolder string) string {
	return filepath.Join(c.DataDir, "ipc", groupFolder)
}

// EnsureIPCDirs creates an owner's IPC namespace (idempotent).
func (c Config) EnsureIPCDirs(groupFolder string) (string, error) {
	root := c.IPCDir(groupFolder)
	for _, sub := range ipcSubdirs {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return "", err
		}
	}
	return root, nil
}

// agentHomeDir is the per-owner sandbox home holding persisted agent
// session state. Isolated per owner so sessions and credentials never
// cross owners.
func (c Config) agentHomeDir(groupFolder string) string {
	return filepath.Join(c.DataDir, "pi", groupFolder, ".pi")
}

// buildMounts constructs the fresh mount set for one execution.
// Directories are created idempotently and never deleted here.
func (r *Runner) buildMounts(g group.Group, isMain bool) ([]Mount, error) {
	cfg := r.cfg
	var mounts []Mount

	if isMain {
		if err := os.MkdirAll(cfg.MainWorkspaceDir, 0o755); err != nil {
			return nil, fmt.Errorf("create main workspace: %w", err)
		}
		// Main gets the whole project root plus its dedicated workspace.
		mounts = append(mounts,
			Mount{HostPath: cfg.ProjectRoot, ContainerPath: containerProjectPath},
			Mount{HostPath: cfg.MainWorkspaceDir, ContainerPath: containerGroupPath},
		)
	} else {
		groupDir := filepath.Join(cfg.GroupsDir, g.Folder)
		if err := os.MkdirAll(groupDir, 0o755); err != nil {
			return nil, fmt.Errorf("create group workspace: %w", err)
		}
		mounts = append(mounts, Mount{HostPath: groupDir, ContainerPath: containerGroupPath})

		// Shared global scope, read-only for non-main owners.
		globalDir := filepath.Join(cfg.GroupsDir, "global")
		if dirExists(globalDir) {
			mounts = append(mounts, Mount{HostPath: globalDir, ContainerPath: containerGlobalPath, ReadOnly: true})
		}
	}

	homeDir := cfg.agentHomeDir(g.Folder)
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create agent home: %w", err)
	}
	mounts = append(mounts, Mount{HostPath: homeDir, ContainerPath: containerAgentHomePath})

	// Per-owner IPC namespace keeps cross-owner privilege escalation off
	// the table.
	ipcDir, err := cfg.EnsureIPCDirs(g.Folder)
	if err != nil {
		return nil, fmt.Errorf("create ipc namespace: %w", err)
	}
	mounts = append(mounts, Mount{HostPath: ipcDir, ContainerPath: containerIPCPath})

	envDir, err := r.writeEnvDir()
	if err != nil {
		return nil, fmt.Errorf("write env dir: %w", err)
	}
	mounts = append(mounts, Mount{HostPath: envDir, ContainerPath: containerEnvDirPath, ReadOnly: true})

	if g.ContainerConfig != nil && len(g.ContainerConfig.AdditionalMounts) > 0 {
		extra, err := validateAdditionalMounts(cfg.AllowlistPath, g.ContainerConfig.AdditionalMounts, g.Name, isMain, r.log)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, extra...)
	}

	return mounts, nil
}

// buildRunArgs renders the runtime CLI arguments for one run. Read-only
// mounts use a different flag shape per runtime: Docker understands the
// ":ro" volume suffix, Apple Container wants an explicit --mount spec.
func buildRunArgs(rt Runtime, mounts []Mount, image string) []string {
	args := []string{"run", "-i", "--rm"}

	for _, m := range mounts {
		switch {
		case rt == RuntimeDocker && m.ReadOnly:
			args = append(args, "-v", m.HostPath+":"+m.ContainerPath+":ro")
		case rt == RuntimeDocker:
			args = append(args, "-v", m.HostPath+":"+m.ContainerPath)
		case m.ReadOnly:
			args = append(args, "--mount",
				fmt.Sprintf("type=bind,source=%s,target=%s,readonly", m.HostPath, m.ContainerPath))
		default:
			args = append(args, "-v", m.HostPath+":"+m.ContainerPath)
		}
	}

	return append(args, image)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
