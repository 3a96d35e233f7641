// Package sandbox launches agent runs inside an isolated container: it
// builds the mount set and environment for each execution, spawns the
// runtime CLI, caps the captured output, enforces timeout/abort
// escalation, and parses the sentinel-delimited result.
package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// Runtime identifies the container runtime driving the sandbox.
type Runtime string

const (
	RuntimeApple  Runtime = "apple"
	RuntimeDocker Runtime = "docker"
)

// Command returns the CLI binary for a runtime.
func (r Runtime) Command() string {
	if r == RuntimeDocker {
		return "docker"
	}
	return "container"
}

func commandExists(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}

// DetectRuntime resolves the configured runtime ("auto", "docker",
// "apple"; the CONTAINER_RUNTIME env var wins over config). Auto prefers
// Apple Container on macOS when installed, then Docker.
func DetectRuntime(configured string) (Runtime, error) {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("CONTAINER_RUNTIME")))
	if raw == "" {
		raw = strings.ToLower(strings.TrimSpace(configured))
	}
	if raw == "" {
		raw = "auto"
	}

	switch raw {
	case "apple":
		return RuntimeApple, nil
	case "docker":
		return RuntimeDocker, nil
	case "auto":
	default:
		return "", fmt.Errorf("invalid container runtime %q (expected auto, apple, or docker)", raw)
	}

	if runtime.GOOS == "darwin" && commandExists("container") {
		return RuntimeApple, nil
	}
	if commandExists("docker") {
		return RuntimeDocker, nil
	}
	if commandExists("container") {
		return RuntimeApple, nil
	}
	return "", fmt.Errorf("no container runtime found: install Apple Container (macOS) or Docker, or set container.runtime")
}
