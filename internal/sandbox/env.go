package sandbox

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Variables permitted to cross into the sandbox. Everything else in the
// host environment or the project .env file is invisible to the agent.
var allowedEnvVars = []string{
	"PI_BASE_URL",
	"PI_API_KEY",
	"PI_MODEL",
	"PI_API",
	"OPENAI_API_KEY",
	"OPENAI_BASE_URL",
	"ANTHROPIC_API_KEY",
	"GEMINI_API_KEY",
	"OPENROUTER_API_KEY",
	"GROQ_API_KEY",
	"ZAI_API_KEY",
	"FFT_NANO_DRY_RUN",
	"HA_URL",
	"HA_TOKEN",
}

// writeEnvDir renders data/env/env, a shell-sourceable file the agent
// image reads on startup. Rebuilt before every run so credential
// rotation takes effect without a restart.
func (r *Runner) writeEnvDir() (string, error) {
	envDir := filepath.Join(r.cfg.DataDir, "env")
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		return "", err
	}

	vals := loadDotEnv(filepath.Join(r.cfg.ProjectRoot, ".env"))
	// Process environment wins over the .env file.
	for _, key := range allowedEnvVars {
		if v, ok := os.LookupEnv(key); ok {
			vals[key] = v
		}
	}

	var b strings.Builder
	for _, key := range allowedEnvVars {
		v, ok := vals[key]
		if !ok || v == "" {
			continue
		}
		fmt.Fprintf(&b, "export %s=%s\n", key, shellQuote(v))
	}
	// Fixed sandbox identity, independent of the host user.
	b.WriteString("export HOME=/home/node\n")
	b.WriteString("export PI_CODING_AGENT_DIR=/home/node/.pi/agent\n")

	path := filepath.Join(envDir, "env")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return "", err
	}
	return envDir, nil
}

// loadDotEnv parses KEY=VALUE lines, ignoring comments and malformed
// lines. Only allowlisted keys are kept.
func loadDotEnv(path string) map[string]string {
	out := make(map[string]string)
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()

	allowed := make(map[string]bool, len(allowedEnvVars))
	for _, k := range allowedEnvVars {
		allowed[k] = true
	}

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if !allowed[key] {
			continue
		}
		out[key] = unquoteEnvValue(strings.TrimSpace(val))
	}
	return out
}

func unquoteEnvValue(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// shellQuote single-quotes a value for POSIX sh, handling embedded
// single quotes with the '"'"' splice.
func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'"'"'`) + "'"
}
