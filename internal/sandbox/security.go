package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fftnano/internal/group"
	"fftnano/pkg/logx"
)

// mountAllowlist is the operator-maintained policy for extra bind mounts.
// Absent file means no extra mounts are permitted at all.
type mountAllowlist struct {
	AllowedRoots    []allowedRoot `json:"allowedRoots"`
	BlockedPatterns []string      `json:"blockedPatterns"`
	NonMainReadOnly *bool         `json:"nonMainReadOnly,omitempty"`
}

type allowedRoot struct {
	Path           string `json:"path"`
	AllowReadWrite bool   `json:"allowReadWrite"`
	Description    string `json:"description,omitempty"`
}

func loadMountAllowlist(path string) (*mountAllowlist, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mount allowlist: %w", err)
	}
	var al mountAllowlist
	if err := json.Unmarshal(raw, &al); err != nil {
		return nil, fmt.Errorf("parse mount allowlist %s: %w", path, err)
	}
	for i, root := range al.AllowedRoots {
		expanded, err := expandPath(root.Path)
		if err != nil {
			return nil, fmt.Errorf("mount allowlist root %q: %w", root.Path, err)
		}
		al.AllowedRoots[i].Path = expanded
	}
	return &al, nil
}

// validateAdditionalMounts checks every requested extra mount against the
// allowlist. Any violation fails the whole set; a partially applied mount
// list is worse than a refused run.
func validateAdditionalMounts(allowlistPath string, requested []group.AdditionalMount, owner string, isMain bool, log logx.Logger) ([]Mount, error) {
	al, err := loadMountAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}
	if al == nil || len(al.AllowedRoots) == 0 {
		return nil, fmt.Errorf("group %s requests additional mounts but no mount allowlist exists at %s", owner, allowlistPath)
	}

	nonMainRO := true
	if al.NonMainReadOnly != nil {
		nonMainRO = *al.NonMainReadOnly
	}

	out := make([]Mount, 0, len(requested))
	for _, req := range requested {
		if req.HostPath == "" || req.ContainerPath == "" {
			return nil, fmt.Errorf("group %s: additional mount missing host or container path", owner)
		}
		if !strings.HasPrefix(req.ContainerPath, "/") {
			return nil, fmt.Errorf("group %s: container path %q must be absolute", owner, req.ContainerPath)
		}

		hostPath, err := expandPath(req.HostPath)
		if err != nil {
			return nil, fmt.Errorf("group %s: mount %q: %w", owner, req.HostPath, err)
		}
		// Symlinks could otherwise smuggle a path back out of an allowed
		// root after the prefix check.
		if resolved, err := filepath.EvalSymlinks(hostPath); err == nil {
			hostPath = resolved
		}

		for _, pattern := range al.BlockedPatterns {
			if pattern != "" && strings.Contains(hostPath, pattern) {
				return nil, fmt.Errorf("group %s: mount %s matches blocked pattern %q", owner, hostPath, pattern)
			}
		}

		root := matchAllowedRoot(al.AllowedRoots, hostPath)
		if root == nil {
			return nil, fmt.Errorf("group %s: mount %s is outside every allowed root", owner, hostPath)
		}

		readOnly := req.ReadOnly
		if !root.AllowReadWrite {
			readOnly = true
		}
		// Non-main owners never get writable extra mounts, whatever the
		// allowlist says.
		if !isMain && nonMainRO {
			readOnly = true
		}

		if readOnly != req.ReadOnly && !req.ReadOnly {
			log.Debug("mount downgraded to read-only",
				logx.String("group", owner),
				logx.String("host_path", hostPath))
		}

		out = append(out, Mount{HostPath: hostPath, ContainerPath: req.ContainerPath, ReadOnly: readOnly})
	}
	return out, nil
}

func matchAllowedRoot(roots []allowedRoot, hostPath string) *allowedRoot {
	for i := range roots {
		root := roots[i].Path
		if root == "" {
			continue
		}
		if hostPath == root || strings.HasPrefix(hostPath, root+string(filepath.Separator)) {
			return &roots[i]
		}
	}
	return nil
}

func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
