package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// envFileCandidates lists env files in load order: KAFCOORD_ENV_FILE first,
// then the per-user locations.
func envFileCandidates() []string {
	var out []string
	if explicit := strings.TrimSpace(os.Getenv("KAFCOORD_ENV_FILE")); explicit != "" {
		out = append(out, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out,
			filepath.Join(home, ".config", "kafcoord", "env"),
			filepath.Join(home, ConfigDir, "env"),
			filepath.Join(home, ConfigDir, ".env"),
		)
	}
	return out
}

// LoadEnvFileCandidates applies every readable env file and returns the ones
// it loaded. Variables already present in the process win over file values.
func LoadEnvFileCandidates() []string {
	seen := make(map[string]bool)
	var loaded []string
	for _, p := range envFileCandidates() {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		if _, err := loadEnvFile(p); err == nil {
			loaded = append(loaded, p)
		}
	}
	return loaded
}

// loadEnvFile reads KEY=value lines (optionally prefixed by "export") and
// sets the keys not already in the environment. It returns the keys it set.
func loadEnvFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var applied []string
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		key, val, ok := parseEnvLine(sc.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return applied, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		applied = append(applied, key)
	}
	return applied, sc.Err()
}

func parseEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, ok = strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if n := len(val); n >= 2 && (val[0] == '"' || val[0] == '\'') && val[n-1] == val[0] {
		val = val[1 : n-1]
	}
	return key, val, true
}
